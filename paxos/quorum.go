package paxos

import (
	"context"
	"sort"
	"sync"

	"github.com/glycerine/loquet"
)

// QuorumSize is the majority of expected: expected/2 + 1.
func QuorumSize(expected int) int {
	return expected/2 + 1
}

// QuorumCallback collects responses from expected peers and
// resolves exactly once: successfully when QuorumSize(expected)
// of them satisfy pred, or with a *QuorumError as soon as a
// quorum can no longer be reached.
//
// It is safe for concurrent use; OnResponse and OnError
// may be called from many goroutines. A peer is counted at
// most once; later reports from the same peer are ignored.
type QuorumCallback[R any] struct {
	mut sync.Mutex

	expected int
	quorum   int
	pred     func(R) bool

	seen      map[string]bool
	successes map[string]R
	responses map[string]R
	rejected  []string
	errs      map[string]error

	resolved bool
	err      error
	final    map[string]R
	done     *loquet.Chan[struct{}]
}

// NewQuorumCallback panics if expected < 1. A nil pred
// accepts every response.
func NewQuorumCallback[R any](expected int, pred func(R) bool) *QuorumCallback[R] {
	if expected < 1 {
		panicf("NewQuorumCallback: expected must be >= 1, got %v", expected)
	}
	if pred == nil {
		pred = func(R) bool { return true }
	}
	return &QuorumCallback[R]{
		expected:  expected,
		quorum:    QuorumSize(expected),
		pred:      pred,
		seen:      make(map[string]bool),
		successes: make(map[string]R),
		responses: make(map[string]R),
		errs:      make(map[string]error),
		done:      loquet.NewChan[struct{}](nil),
	}
}

func (q *QuorumCallback[R]) Expected() int { return q.expected }
func (q *QuorumCallback[R]) Quorum() int   { return q.quorum }

// OnResponse records a reply from peer.
func (q *QuorumCallback[R]) OnResponse(peer string, r R) {
	q.mut.Lock()
	defer q.mut.Unlock()

	if q.seen[peer] {
		return
	}
	q.seen[peer] = true
	q.responses[peer] = r
	if q.pred(r) {
		q.successes[peer] = r
	} else {
		q.rejected = append(q.rejected, peer)
	}
	q.check()
}

// OnError records that peer could not be reached or failed.
func (q *QuorumCallback[R]) OnError(peer string, err error) {
	q.mut.Lock()
	defer q.mut.Unlock()

	if q.seen[peer] {
		return
	}
	q.seen[peer] = true
	q.errs[peer] = err
	q.check()
}

// check must be called with q.mut held.
func (q *QuorumCallback[R]) check() {
	if q.resolved {
		return
	}
	if len(q.successes) >= q.quorum {
		q.final = make(map[string]R, len(q.responses))
		for p, r := range q.responses {
			q.final[p] = r
		}
		q.resolve(nil)
		return
	}
	// Once more than expected-quorum peers have failed us,
	// the remaining peers cannot make up the difference.
	failed := len(q.errs) + len(q.rejected)
	if failed > q.expected-q.quorum {
		q.resolve(q.quorumError())
	}
}

func (q *QuorumCallback[R]) quorumError() *QuorumError {
	e := &QuorumError{
		Expected:  q.expected,
		Quorum:    q.quorum,
		Succeeded: len(q.successes),
		PeerErrs:  make(map[string]error, len(q.errs)),
		Rejected:  append([]string(nil), q.rejected...),
	}
	for p, err := range q.errs {
		e.PeerErrs[p] = err
	}
	if len(q.rejected) > 0 {
		e.NonQualifying = make(map[string]any, len(q.rejected))
		for _, p := range q.rejected {
			e.NonQualifying[p] = q.responses[p]
		}
	}
	sort.Strings(e.Rejected)
	return e
}

func (q *QuorumCallback[R]) resolve(err error) {
	q.resolved = true
	q.err = err
	q.done.Close()
}

// Done is closed once the callback has resolved.
func (q *QuorumCallback[R]) Done() <-chan struct{} {
	return q.done.WhenClosed()
}

// Wait blocks until resolution or until ctx is done. On
// success it returns every response received up to the
// deciding one, keyed by peer; callers re-apply pred when
// they need only the qualifying ones.
func (q *QuorumCallback[R]) Wait(ctx context.Context) (map[string]R, error) {
	select {
	case <-q.done.WhenClosed():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return q.Result()
}

// Result returns the outcome if resolved. Before resolution
// it returns (nil, nil).
func (q *QuorumCallback[R]) Result() (map[string]R, error) {
	q.mut.Lock()
	defer q.mut.Unlock()
	if !q.resolved {
		return nil, nil
	}
	if q.err != nil {
		return nil, q.err
	}
	out := make(map[string]R, len(q.final))
	for p, r := range q.final {
		out[p] = r
	}
	return out, nil
}

// Responses returns every response seen so far, qualifying
// or not. The proposer mines rejections for newer ballots.
func (q *QuorumCallback[R]) Responses() map[string]R {
	q.mut.Lock()
	defer q.mut.Unlock()
	out := make(map[string]R, len(q.responses))
	for p, r := range q.responses {
		out[p] = r
	}
	return out
}

func (q *QuorumCallback[R]) IsResolved() bool {
	q.mut.Lock()
	defer q.mut.Unlock()
	return q.resolved
}
