package paxos

import (
	"context"
	"time"

	"github.com/glycerine/idem"
)

// gapRepairer fills holes in the log. A hole is the slot
// after the last applied one, when it is not committed here
// but some later slot has been seen. A hole still present
// one tick after it was first noticed gets a Paxos round
// proposing a NoOp. Paxos keeps any value already accepted
// there, so the round either learns the real decision or
// decides NoOp for a slot nobody will fill.
type gapRepairer struct {
	l    *PaxosLog
	halt *idem.Halter

	suspect uint64
}

func newGapRepairer(l *PaxosLog, every time.Duration) *gapRepairer {
	g := &gapRepairer{l: l, halt: idem.NewHalter()}
	if every <= 0 {
		g.halt.ReqStop.Close()
		g.halt.Done.Close()
		return g
	}
	ticker := l.r.cfg.Clock.NewTicker(every)
	go g.loop(ticker)
	return g
}

func (g *gapRepairer) loop(ticker Ticker) {
	defer func() {
		ticker.Stop()
		g.halt.Done.Close()
	}()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-g.halt.ReqStop.Chan:
			cancel()
		case <-ctx.Done():
		}
	}()
	for {
		select {
		case <-ticker.C():
			g.check(ctx)
		case <-g.halt.ReqStop.Chan:
			return
		}
	}
}

// hole returns the slot to repair, or 0 if there is none.
func (g *gapRepairer) hole() uint64 {
	next := g.l.LastApplied() + 1
	seen, _ := g.l.r.slots.high()
	if seen < next+1 {
		return 0
	}
	if _, ok := g.l.r.slots.committedValue(next); ok {
		// committed but not yet applied; the walk has it.
		return 0
	}
	return next
}

func (g *gapRepairer) check(ctx context.Context) {
	h := g.hole()
	if h == 0 || h != g.suspect {
		g.suspect = h
		return
	}
	g.suspect = 0
	noop := &Command{Op: OpNoOp, Origin: g.l.origin, Seq: g.l.seq.Add(1)}
	payload, err := encodeCommand(g.l.codec, noop)
	if err != nil {
		alwaysPrintf("gap repair on '%v': could not encode NoOp: %v", g.l.r.name, err)
		return
	}
	pp("gap repair on '%v': running Paxos on slot %v", g.l.r.name, h)
	g.l.r.stats.bump(func(s *Stats) { s.GapRepairs++ })
	if _, err := g.l.r.runPaxos(ctx, h, payload); err != nil {
		pp("gap repair on '%v' slot %v: %v", g.l.r.name, h, err)
	}
}

func (g *gapRepairer) close() {
	g.halt.ReqStop.Close()
	<-g.halt.Done.Chan
}
