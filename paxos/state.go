package paxos

import (
	"bytes"
	"fmt"

	"github.com/glycerine/greenpack/msgp"
)

// Proposal is a value bound to the ballot that carried it.
// Once built, a *Proposal is never modified.
type Proposal struct {
	Ballot BallotID
	Value  []byte
}

func newProposal(b BallotID, v []byte) *Proposal {
	return &Proposal{Ballot: b, Value: append([]byte(nil), v...)}
}

func (p *Proposal) String() string {
	if p == nil {
		return "<none>"
	}
	return fmt.Sprintf("Proposal{%v, len %v}", p.Ballot, len(p.Value))
}

// PaxosState is the acceptor state of one consensus instance
// (one log slot). It is a value: the transition methods
// return a new PaxosState and leave the receiver untouched.
//
// Invariants:
//   - Promised never moves backwards.
//   - Accepted carries its value and ballot together.
//   - Committed is written once.
type PaxosState struct {
	Promised  BallotID
	Accepted  *Proposal
	Committed *Proposal
}

func (s PaxosState) String() string {
	return fmt.Sprintf("PaxosState{Promised:%v, Accepted:%v, Committed:%v}", s.Promised, s.Accepted, s.Committed)
}

func (s PaxosState) IsCommitted() bool {
	return s.Committed != nil
}

// Prepare handles a phase 1 request. The ballot is refused
// only when an existing promise is strictly newer; an equal
// ballot is an idempotent retry by the same proposer.
func (s PaxosState) Prepare(b BallotID) (next PaxosState, promised bool) {
	if s.Promised.IsAfter(b) {
		return s, false
	}
	next = s
	next.Promised = b
	return next, true
}

// Accept handles a phase 2 request.
func (s PaxosState) Accept(b BallotID, v []byte) (next PaxosState, accepted bool) {
	if !b.AtLeast(s.Promised) {
		return s, false
	}
	next = s
	next.Promised = b
	next.Accepted = newProposal(b, v)
	return next, true
}

// Commit records the decided value. Commit is only sent after
// a quorum accepted, so it is not checked against Promised.
// A second commit keeps the first value; conflicting is true
// if the second one disagrees, which would mean broken safety.
func (s PaxosState) Commit(b BallotID, v []byte) (next PaxosState, first bool, conflicting bool) {
	if s.Committed != nil {
		return s, false, !bytes.Equal(s.Committed.Value, v)
	}
	next = s
	next.Committed = newProposal(b, v)
	return next, true, false
}

// Equal compares by value, which the tests lean on.
func (s PaxosState) Equal(r PaxosState) bool {
	return s.Promised == r.Promised &&
		proposalEqual(s.Accepted, r.Accepted) &&
		proposalEqual(s.Committed, r.Committed)
}

func proposalEqual(a, b *Proposal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Ballot == b.Ballot && bytes.Equal(a.Value, b.Value)
}

// msgpack encoding, used by the persisters.

func appendProposal(b []byte, p *Proposal) []byte {
	if p == nil {
		return msgp.AppendNil(b)
	}
	b = msgp.AppendArrayHeader(b, 2)
	b, _ = p.Ballot.MarshalMsg(b)
	b = msgp.AppendBytes(b, p.Value)
	return b
}

func readProposal(bts []byte) (p *Proposal, o []byte, err error) {
	var nbs msgp.NilBitsStack
	if msgp.IsNil(bts) {
		o, err = nbs.ReadNilBytes(bts)
		return
	}
	var sz uint32
	sz, bts, err = nbs.ReadArrayHeaderBytes(bts)
	if err != nil {
		return
	}
	if sz != 2 {
		err = msgp.ArrayError{Wanted: 2, Got: sz}
		return
	}
	p = &Proposal{}
	bts, err = p.Ballot.UnmarshalMsg(bts)
	if err != nil {
		return
	}
	p.Value, bts, err = nbs.ReadBytesBytes(bts, nil)
	if err != nil {
		return
	}
	o = bts
	return
}

func (s PaxosState) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 3)
	b, _ = s.Promised.MarshalMsg(b)
	b = appendProposal(b, s.Accepted)
	b = appendProposal(b, s.Committed)
	return b, nil
}

func (s *PaxosState) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var nbs msgp.NilBitsStack
	var sz uint32
	sz, bts, err = nbs.ReadArrayHeaderBytes(bts)
	if err != nil {
		return
	}
	if sz != 3 {
		err = msgp.ArrayError{Wanted: 3, Got: sz}
		return
	}
	bts, err = s.Promised.UnmarshalMsg(bts)
	if err != nil {
		return
	}
	s.Accepted, bts, err = readProposal(bts)
	if err != nil {
		return
	}
	s.Committed, bts, err = readProposal(bts)
	if err != nil {
		return
	}
	o = bts
	return
}
