package paxos

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"
)

// SimnetConfig tunes the simulated network.
type SimnetConfig struct {
	// Every message is held for a random hop in
	// [MinHop, MaxHop] before delivery, which reorders
	// messages whose hops overlap.
	MinHop time.Duration
	MaxHop time.Duration

	// DropProb is the chance any one message is lost.
	DropProb float64

	// RPCTimeout expires a Send that saw no reply.
	RPCTimeout time.Duration
}

// DropFilter returns true to drop m on its way from -> to.
type DropFilter func(m *Msg, from, to string) bool

// Simnet is an in-process network for tests and the demo.
// Messages are msgpack encoded on send and decoded on
// receipt, so the wire codec is exercised on every hop.
type Simnet struct {
	cfg SimnetConfig

	mut      sync.Mutex
	nodes    map[string]*SimEndpoint
	isolated map[string]bool
	filter   DropFilter

	sent    atomic.Int64
	dropped atomic.Int64

	halt *idem.Halter
}

func NewSimnet(cfg SimnetConfig) *Simnet {
	if cfg.MaxHop < cfg.MinHop {
		cfg.MaxHop = cfg.MinHop
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = time.Second
	}
	return &Simnet{
		cfg:      cfg,
		nodes:    make(map[string]*SimEndpoint),
		isolated: make(map[string]bool),
		halt:     idem.NewHalter(),
	}
}

// NewEndpoint attaches a new named endpoint. Its dispatch
// goroutine starts now; requests that arrive before Serve
// are answered with an error.
func (s *Simnet) NewEndpoint(name string) *SimEndpoint {
	s.mut.Lock()
	defer s.mut.Unlock()
	if _, dup := s.nodes[name]; dup {
		panicf("Simnet.NewEndpoint: duplicate name '%v'", name)
	}
	ep := &SimEndpoint{
		net:   s,
		name:  name,
		inbox: make(chan []byte, 1024),
		halt:  idem.NewHalter(),
	}
	ep.pending = NewRequestWaitingList[uint64, *Msg]("simnet:"+name, s.cfg.RPCTimeout, s.cfg.RPCTimeout/4, RealClock{})
	s.halt.ReqStop.AddChild(ep.halt.ReqStop)
	s.nodes[name] = ep
	go ep.dispatch()
	return ep
}

// Detach removes name from the network, as if its host
// lost power. Its endpoint is closed.
func (s *Simnet) Detach(name string) {
	s.mut.Lock()
	ep, ok := s.nodes[name]
	delete(s.nodes, name)
	s.mut.Unlock()
	if ok {
		ep.Close()
	}
}

// SetDropFilter installs f, replacing any earlier filter.
// A nil f removes filtering.
func (s *Simnet) SetDropFilter(f DropFilter) {
	s.mut.Lock()
	s.filter = f
	s.mut.Unlock()
}

// IsolateHost drops everything to and from name.
func (s *Simnet) IsolateHost(name string) {
	s.mut.Lock()
	s.isolated[name] = true
	s.mut.Unlock()
}

func (s *Simnet) RepairHost(name string) {
	s.mut.Lock()
	delete(s.isolated, name)
	s.mut.Unlock()
}

// AllHealthy clears isolation and the drop filter.
func (s *Simnet) AllHealthy() {
	s.mut.Lock()
	s.isolated = make(map[string]bool)
	s.filter = nil
	s.mut.Unlock()
}

func (s *Simnet) Names() (names []string) {
	s.mut.Lock()
	defer s.mut.Unlock()
	for n := range s.nodes {
		names = append(names, n)
	}
	sort.Strings(names)
	return
}

// Counts returns messages sent and messages dropped.
func (s *Simnet) Counts() (sent, dropped int64) {
	return s.sent.Load(), s.dropped.Load()
}

func (s *Simnet) Close() {
	s.mut.Lock()
	eps := make([]*SimEndpoint, 0, len(s.nodes))
	for _, ep := range s.nodes {
		eps = append(eps, ep)
	}
	s.mut.Unlock()
	for _, ep := range eps {
		ep.Close()
	}
	s.halt.ReqStop.Close()
	s.halt.Done.Close()
}

// deliver routes m toward to after a random hop, unless
// the network decides to lose it.
func (s *Simnet) deliver(from, to string, m *Msg) error {
	by, err := encodeMsg(m)
	if err != nil {
		return err
	}
	s.sent.Add(1)

	s.mut.Lock()
	target, ok := s.nodes[to]
	drop := s.isolated[from] || s.isolated[to]
	if !drop && s.filter != nil {
		drop = s.filter(m, from, to)
	}
	s.mut.Unlock()

	if !ok {
		return fmt.Errorf("%w: no endpoint '%v' on the simnet", ErrPeerUnreachable, to)
	}
	if !drop && s.cfg.DropProb > 0 {
		drop = s.cfg.DropProb >= 1 || cryptoRandFloat64() < s.cfg.DropProb
	}
	if drop {
		s.dropped.Add(1)
		pp("simnet dropped %v: '%v' -> '%v'", m.Kind, from, to)
		return nil
	}

	hop := time.Duration(cryptoRandDuration(int64(s.cfg.MinHop), int64(s.cfg.MaxHop)))
	go func() {
		if hop > 0 {
			select {
			case <-time.After(hop):
			case <-target.halt.ReqStop.Chan:
				return
			}
		}
		select {
		case target.inbox <- by:
		case <-target.halt.ReqStop.Chan:
		}
	}()
	return nil
}

// SimEndpoint is one replica's attachment to a Simnet.
// It implements Transport.
type SimEndpoint struct {
	net  *Simnet
	name string

	inbox    chan []byte
	pending  *RequestWaitingList[uint64, *Msg]
	nextCorr atomic.Uint64

	hmut    sync.Mutex
	handler Handler

	halt *idem.Halter
}

var _ Transport = &SimEndpoint{}

func (ep *SimEndpoint) Name() string { return ep.name }

func (ep *SimEndpoint) Serve(h Handler) {
	ep.hmut.Lock()
	ep.handler = h
	ep.hmut.Unlock()
}

func (ep *SimEndpoint) getHandler() Handler {
	ep.hmut.Lock()
	defer ep.hmut.Unlock()
	return ep.handler
}

func (ep *SimEndpoint) Send(ctx context.Context, to string, req *Msg) (*Msg, error) {
	if ep.halt.ReqStop.IsClosed() {
		return nil, ErrShutDown
	}
	m := *req
	m.From = ep.name
	m.CorrelationID = ep.nextCorr.Add(1)

	fut := NewFuture[*Msg]()
	ep.pending.Add(m.CorrelationID, fut)
	if err := ep.net.deliver(ep.name, to, &m); err != nil {
		ep.pending.HandleError(m.CorrelationID, err)
	}
	reply, _, err := fut.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// no one else will complete it now.
			ep.pending.HandleError(m.CorrelationID, err)
		}
		if err == ErrRequestExpired {
			err = fmt.Errorf("%w: no reply from '%v' to %v: %w", ErrPeerUnreachable, to, m.Kind, err)
		}
		return nil, err
	}
	if reply.Errs != "" {
		return nil, fmt.Errorf("peer '%v' failed %v: %v", to, m.Kind, reply.Errs)
	}
	return reply, nil
}

func (ep *SimEndpoint) SendOneWay(to string, req *Msg) error {
	if ep.halt.ReqStop.IsClosed() {
		return ErrShutDown
	}
	m := *req
	m.From = ep.name
	m.CorrelationID = 0
	return ep.net.deliver(ep.name, to, &m)
}

// dispatch is the endpoint's single inbound goroutine. It
// runs request handlers inline and routes replies to the
// Send waiting on them.
func (ep *SimEndpoint) dispatch() {
	defer ep.halt.Done.Close()
	for {
		select {
		case by := <-ep.inbox:
			m, err := decodeMsg(by)
			if err != nil {
				alwaysPrintf("SimEndpoint '%v': dropping undecodable message: %v", ep.name, err)
				continue
			}
			ep.route(m)
		case <-ep.halt.ReqStop.Chan:
			return
		}
	}
}

func (ep *SimEndpoint) route(m *Msg) {
	if !m.Kind.IsRequest() {
		if m.CorrelationID != 0 {
			ep.pending.HandleResponse(m.CorrelationID, m, m.From)
		}
		return
	}
	h := ep.getHandler()
	var reply *Msg
	if h == nil {
		reply = m.reply(ep.name)
		reply.Errs = "no handler installed"
	} else {
		reply = h.HandleRequest(m)
	}
	if reply == nil || m.CorrelationID == 0 {
		return
	}
	reply.CorrelationID = m.CorrelationID
	reply.From = ep.name
	if err := ep.net.deliver(ep.name, m.From, reply); err != nil {
		pp("SimEndpoint '%v': reply to '%v' not sent: %v", ep.name, m.From, err)
	}
}

// Close stops dispatch and fails every outstanding Send.
func (ep *SimEndpoint) Close() {
	ep.halt.ReqStop.Close()
	<-ep.halt.Done.Chan
	ep.pending.Close()
}
