package paxos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glycerine/idem"
)

// retryRounds calls round until it succeeds, at most
// maxAttempts times, waiting bo.next() on clk between
// attempts. causes holds the error of every failed attempt.
// err is non-nil only when ctx ended or halt was requested;
// running out of attempts leaves err nil and causes full.
func retryRounds[T any](ctx context.Context, clk Clock, halt *idem.Halter, maxAttempts int, bo *expBackoff,
	round func(attempt int) (T, error)) (val T, causes []error, err error) {

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-clk.After(bo.next()):
			case <-ctx.Done():
				return val, causes, ctx.Err()
			case <-halt.ReqStop.Chan:
				return val, causes, ErrShutDown
			}
		}
		var rerr error
		val, rerr = round(attempt)
		if rerr == nil {
			return val, causes, nil
		}
		causes = append(causes, rerr)
		if ctx.Err() != nil {
			return val, causes, ctx.Err()
		}
		if isShutdown(rerr) {
			return val, causes, rerr
		}
	}
	return val, causes, nil
}

// runPaxos drives slot index to a decision and returns the
// decided value, which may not be candidate.
func (r *replica) runPaxos(ctx context.Context, index uint64, candidate []byte) ([]byte, error) {
	r.slots.observe(index)
	if v, ok := r.slots.committedValue(index); ok {
		return v, nil
	}
	bo := newExpBackoff(r.cfg.backoffConfig())
	chosen, causes, err := retryRounds(ctx, r.cfg.Clock, r.halt, r.cfg.MaxAttempts, bo,
		func(attempt int) ([]byte, error) {
			r.stats.bump(func(s *Stats) { s.Attempts++ })
			v, err := r.round(ctx, index, candidate)
			if err != nil {
				pp("replica '%v' slot %v attempt %v failed: %v", r.name, index, attempt, err)
			}
			return v, err
		})
	if err != nil {
		return nil, err
	}
	if len(causes) == r.cfg.MaxAttempts {
		r.stats.bump(func(s *Stats) { s.GaveUp++ })
		return nil, &ConsensusError{Index: index, Attempts: len(causes), Causes: causes}
	}
	r.stats.bump(func(s *Stats) { s.Consensus++ })
	return chosen, nil
}

// round is one Prepare, Propose, Commit sequence under a
// fresh ballot.
func (r *replica) round(ctx context.Context, index uint64, candidate []byte) ([]byte, error) {
	b := r.nextBallot()
	rctx, cancel := context.WithTimeout(ctx, r.cfg.RoundTimeout)
	defer cancel()

	t0 := time.Now()
	q1 := NewQuorumCallback[*Msg](len(r.peers), func(m *Msg) bool { return m.Ok })
	broadcast(rctx, r.tr, r.peers, &Msg{Kind: MsgPrepare, Index: index, Ballot: b}, r.cfg.RPCTimeout, q1)
	promises, err := q1.Wait(rctx)

	all := q1.Responses()
	r.learnFrom(all)
	if c := firstCommitted(all); c != nil {
		// some replica already knows the decision.
		r.stats.bump(func(s *Stats) { s.Adopted++ })
		r.finishCommit(index, c.Ballot, c.Value)
		return c.Value, nil
	}
	if err != nil {
		return nil, r.roundError("prepare", index, b, err)
	}
	r.stats.observe(roundPrepare, time.Since(t0))

	value := candidate
	var highest *Proposal
	for _, p := range promises {
		if !p.Ok {
			continue
		}
		if p.Accepted != nil && (highest == nil || p.Accepted.Ballot.IsAfter(highest.Ballot)) {
			highest = p.Accepted
		}
	}
	if highest != nil {
		value = highest.Value
	}

	t1 := time.Now()
	q2 := NewQuorumCallback[*Msg](len(r.peers), func(m *Msg) bool { return m.Ok })
	broadcast(rctx, r.tr, r.peers, &Msg{Kind: MsgPropose, Index: index, Ballot: b, Value: value}, r.cfg.RPCTimeout, q2)
	_, err = q2.Wait(rctx)
	r.learnFrom(q2.Responses())
	if err != nil {
		return nil, r.roundError("propose", index, b, err)
	}
	r.stats.observe(roundPropose, time.Since(t1))

	r.finishCommit(index, b, value)
	return value, nil
}

func (r *replica) roundError(phase string, index uint64, b BallotID, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %v", ErrQuorumTimeout, r.cfg.RoundTimeout)
	}
	var qe *QuorumError
	if errors.As(err, &qe) {
		r.stats.bump(func(s *Stats) { s.QuorumFailures++ })
	}
	return fmt.Errorf("%v of slot %v under %v: %w", phase, index, b, err)
}

// learnFrom raises maxSeen past every ballot our peers
// reported, so the next attempt can outbid them.
func (r *replica) learnFrom(resps map[string]*Msg) {
	var rejected int64
	r.mut.Lock()
	for _, m := range resps {
		r.noteBallotLocked(m.Ballot)
		if !m.Ok {
			rejected++
		}
	}
	r.mut.Unlock()
	if rejected > 0 {
		r.stats.bump(func(s *Stats) { s.Rejections += rejected })
	}
}

func firstCommitted(resps map[string]*Msg) *Proposal {
	for _, m := range resps {
		if m.Committed != nil {
			return m.Committed
		}
	}
	return nil
}

// finishCommit commits locally, then tells the others and
// waits up to CommitWait for a quorum of acknowledgements.
// Peers not heard from by then get a one-way resend.
func (r *replica) finishCommit(index uint64, b BallotID, value []byte) {
	t0 := time.Now()
	if _, err := r.commitLocal(index, b, value); err != nil {
		alwaysPrintf("replica '%v' could not commit slot %v locally: %v", r.name, index, err)
	}

	others := make([]string, 0, len(r.peers))
	for _, p := range r.peers {
		if p != r.name {
			others = append(others, p)
		}
	}
	if len(others) == 0 {
		return
	}
	msg := &Msg{Kind: MsgCommit, Index: index, Ballot: b, Value: value}

	acks := NewBlockingQuorumCallback[*Msg](len(r.peers))
	acks.OnResponse(r.name, &Msg{Kind: MsgCommitResponse, From: r.name, Index: index, Ok: true})

	cctx, cancel := context.WithTimeout(context.Background(), r.cfg.CommitWait)
	defer cancel()
	broadcast(cctx, r.tr, others, msg, r.cfg.RPCTimeout, acks)
	heard, err := acks.Await(r.cfg.CommitWait)
	if err == nil && acks.Satisfied(func(m *Msg) bool { return m.Ok }) {
		r.stats.observe(roundCommit, time.Since(t0))
		return
	}
	pp("replica '%v' commit of slot %v acknowledged by %v of %v (err=%v); resending one-way", r.name, index, len(heard), len(r.peers), err)
	for _, p := range others {
		if _, ok := heard[p]; ok {
			continue
		}
		if err := r.tr.SendOneWay(p, msg); err != nil {
			pp("replica '%v' one-way commit to '%v' failed: %v", r.name, p, err)
		}
	}
}
