package paxos

import (
	"sort"
	"sync"
	"time"

	"github.com/glycerine/idem"
)

// BlockingQuorumCallback is the parking variant of QuorumCallback,
// for call sites that already run off the dispatch path.
//
// Its gate opens after QuorumSize(expected) events, counting
// responses and errors alike. Await then hands back whatever
// responses arrived; the predicate is applied afterwards, by
// the caller, with CountIf or Satisfied.
type BlockingQuorumCallback[R any] struct {
	mut sync.Mutex

	expected  int
	quorum    int
	countdown int

	seen      map[string]bool
	responses map[string]R
	errs      map[string]error

	gate *idem.IdemCloseChan
}

func NewBlockingQuorumCallback[R any](expected int) *BlockingQuorumCallback[R] {
	if expected < 1 {
		panicf("NewBlockingQuorumCallback: expected must be >= 1, got %v", expected)
	}
	q := QuorumSize(expected)
	return &BlockingQuorumCallback[R]{
		expected:  expected,
		quorum:    q,
		countdown: q,
		seen:      make(map[string]bool),
		responses: make(map[string]R),
		errs:      make(map[string]error),
		gate:      idem.NewIdemCloseChan(),
	}
}

func (b *BlockingQuorumCallback[R]) OnResponse(peer string, r R) {
	b.mut.Lock()
	defer b.mut.Unlock()
	if b.seen[peer] {
		return
	}
	b.seen[peer] = true
	b.responses[peer] = r
	b.countDown()
}

func (b *BlockingQuorumCallback[R]) OnError(peer string, err error) {
	b.mut.Lock()
	defer b.mut.Unlock()
	if b.seen[peer] {
		return
	}
	b.seen[peer] = true
	b.errs[peer] = err
	b.countDown()
}

// countDown must be called with b.mut held.
func (b *BlockingQuorumCallback[R]) countDown() {
	if b.countdown == 0 {
		return
	}
	b.countdown--
	if b.countdown == 0 {
		b.gate.Close()
	}
}

// Await blocks until the gate opens or timeout elapses. It
// returns a snapshot of the responses collected so far. The
// error is a *QuorumError if at least a quorum of peers
// errored, or ErrQuorumTimeout if the gate never opened.
func (b *BlockingQuorumCallback[R]) Await(timeout time.Duration) (map[string]R, error) {
	var timedOut bool
	if timeout <= 0 {
		<-b.gate.Chan
	} else {
		t := time.NewTimer(timeout)
		select {
		case <-b.gate.Chan:
			t.Stop()
		case <-t.C:
			timedOut = true
		}
	}

	b.mut.Lock()
	defer b.mut.Unlock()
	snap := make(map[string]R, len(b.responses))
	for p, r := range b.responses {
		snap[p] = r
	}
	if len(b.errs) >= b.quorum {
		e := &QuorumError{
			Expected:  b.expected,
			Quorum:    b.quorum,
			Succeeded: len(b.responses),
			PeerErrs:  make(map[string]error, len(b.errs)),
		}
		for p, err := range b.errs {
			e.PeerErrs[p] = err
		}
		return snap, e
	}
	if timedOut && b.countdown > 0 {
		return snap, ErrQuorumTimeout
	}
	return snap, nil
}

// CountIf counts the collected responses that satisfy pred.
func (b *BlockingQuorumCallback[R]) CountIf(pred func(R) bool) int {
	b.mut.Lock()
	defer b.mut.Unlock()
	n := 0
	for _, r := range b.responses {
		if pred(r) {
			n++
		}
	}
	return n
}

// Satisfied is CountIf(pred) >= quorum.
func (b *BlockingQuorumCallback[R]) Satisfied(pred func(R) bool) bool {
	return b.CountIf(pred) >= b.quorum
}

// Peers lists, sorted, every peer heard from so far.
func (b *BlockingQuorumCallback[R]) Peers() (peers []string) {
	b.mut.Lock()
	defer b.mut.Unlock()
	for p := range b.seen {
		peers = append(peers, p)
	}
	sort.Strings(peers)
	return
}

func (b *BlockingQuorumCallback[R]) Quorum() int { return b.quorum }
