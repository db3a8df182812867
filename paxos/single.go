package paxos

import (
	"context"
)

const singleDecreeIndex = 1

// SingleValuePaxos decides one value among the replicas of
// its Config. Any replica may propose; all proposers learn
// the same decision.
type SingleValuePaxos struct {
	r *replica
}

func NewSingleValuePaxos(cfg *Config, tr Transport) (*SingleValuePaxos, error) {
	r, err := newReplica(cfg, tr)
	if err != nil {
		return nil, err
	}
	s := &SingleValuePaxos{r: r}
	r.serve(r)
	return s, nil
}

// Propose offers candidate and returns the decided value.
// That is candidate only if no other value was chosen first.
func (s *SingleValuePaxos) Propose(ctx context.Context, candidate []byte) ([]byte, error) {
	return s.r.runPaxos(ctx, singleDecreeIndex, candidate)
}

// Value returns the decided value, if this replica knows it.
func (s *SingleValuePaxos) Value() ([]byte, bool) {
	return s.r.slots.committedValue(singleDecreeIndex)
}

func (s *SingleValuePaxos) State() PaxosState {
	st, _ := s.r.slots.get(singleDecreeIndex)
	return st
}

func (s *SingleValuePaxos) Name() string { return s.r.name }

func (s *SingleValuePaxos) Stats() Stats { return s.r.Stats() }

func (s *SingleValuePaxos) Close() error {
	return s.r.close()
}
