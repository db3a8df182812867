package paxos

import (
	"fmt"
	"sync"

	"github.com/glycerine/idem"
)

// replica is the machinery shared by SingleValuePaxos and
// PaxosLog: the acceptor handlers for every slot, the
// proposer, and the transport they talk through.
type replica struct {
	cfg   *Config
	name  string
	id    uint32
	peers []string
	tr    Transport
	slots *slotTable
	stats *roundStats

	mut sync.Mutex
	// maxSeen is the newest ballot this replica has heard
	// of, in any slot. New ballots are made after it.
	maxSeen BallotID

	// onCommit, if set, runs after a slot becomes committed
	// here for the first time.
	onCommit func(index uint64)

	halt *idem.Halter
}

func newReplica(cfg *Config, tr Transport) (*replica, error) {
	cfg.Init()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tr.Name() != cfg.Name {
		return nil, fmt.Errorf("transport name '%v' does not match Config.Name '%v'", tr.Name(), cfg.Name)
	}
	persister := cfg.Persister
	if persister == nil {
		var err error
		persister, err = NewPersister(cfg)
		if err != nil {
			return nil, err
		}
		cfg.Persister = persister
	}
	r := &replica{
		cfg:   cfg,
		name:  cfg.Name,
		id:    cfg.ReplicaID,
		peers: append([]string(nil), cfg.Peers...),
		tr:    tr,
		slots: newSlotTable(cfg.Name, persister),
		stats: newRoundStats(),
		halt:  idem.NewHalter(),
	}
	n, err := r.slots.load()
	if err != nil {
		return nil, err
	}
	if n > 0 {
		r.mut.Lock()
		_, states := r.slots.snapshot()
		for _, st := range states {
			r.noteBallotLocked(st.Promised)
		}
		r.mut.Unlock()
		vv("replica '%v' restored %v slots from its persister", r.name, n)
	}
	return r, nil
}

// serve starts answering peers. Call it last, after every
// hook is installed.
func (r *replica) serve(h Handler) {
	r.tr.Serve(h)
}

func (r *replica) noteBallotLocked(b BallotID) {
	r.maxSeen = maxBallot(r.maxSeen, b)
}

func (r *replica) noteBallot(b BallotID) {
	r.mut.Lock()
	r.noteBallotLocked(b)
	r.mut.Unlock()
}

// nextBallot returns a ballot strictly after every ballot
// this replica has seen, and records it as seen.
func (r *replica) nextBallot() BallotID {
	r.mut.Lock()
	defer r.mut.Unlock()
	b := NextBallot(r.maxSeen, r.id)
	r.maxSeen = b
	return b
}

// HandleRequest is the acceptor side of every slot. It is
// called on the transport's dispatch goroutine and must
// never wait on the network.
func (r *replica) HandleRequest(req *Msg) (reply *Msg) {
	reply = req.reply(r.name)
	switch req.Kind {
	case MsgPrepare:
		r.noteBallot(req.Ballot)
		st, ok, err := r.slots.prepare(req.Index, req.Ballot)
		if err != nil {
			reply.Errs = err.Error()
			return
		}
		reply.Ok = ok
		reply.Ballot = st.Promised
		reply.Accepted = st.Accepted
		reply.Committed = st.Committed

	case MsgPropose:
		r.noteBallot(req.Ballot)
		st, ok, err := r.slots.accept(req.Index, req.Ballot, req.Value)
		if err != nil {
			reply.Errs = err.Error()
			return
		}
		reply.Ok = ok
		reply.Ballot = st.Promised
		reply.Committed = st.Committed

	case MsgCommit:
		if _, err := r.commitLocal(req.Index, req.Ballot, req.Value); err != nil {
			reply.Errs = err.Error()
			return
		}
		reply.Ok = true

	case MsgPromise, MsgProposeResponse, MsgCommitResponse:
		// responses are routed by the transport, never here.
		reply.Errs = fmt.Sprintf("replica '%v': %v is not a request", r.name, req.Kind)

	case MsgInvalid:
		reply.Errs = fmt.Sprintf("replica '%v': invalid message", r.name)

	default:
		reply.Errs = fmt.Sprintf("replica '%v': unknown message kind %v", r.name, req.Kind)
	}
	return
}

// commitLocal records a decided value and fires onCommit
// the first time.
func (r *replica) commitLocal(index uint64, b BallotID, v []byte) (first bool, err error) {
	_, first, err = r.slots.commit(index, b, v)
	if err != nil {
		return false, err
	}
	if first {
		pp("replica '%v' committed slot %v at %v", r.name, index, b)
		if r.onCommit != nil {
			r.onCommit(index)
		}
	}
	return first, nil
}

func (r *replica) Stats() Stats {
	return r.stats.snapshot()
}

func (r *replica) close() error {
	r.halt.ReqStop.Close()
	r.halt.Done.Close()
	if r.slots.persister != nil {
		return r.slots.persister.Close()
	}
	return nil
}
