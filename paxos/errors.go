package paxos

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrShutDown = fmt.Errorf("error shutdown")

// ErrRejected marks a QuorumError in which at least one
// replica answered but declined, for example because it
// promised a newer ballot.
var ErrRejected = fmt.Errorf("error: ballot rejected, newer ballot promised")

var ErrNoConsensus = fmt.Errorf("error: could not reach consensus")

// ErrRequestExpired is delivered by a RequestWaitingList to a
// callback that saw no response within the expiration duration.
var ErrRequestExpired = fmt.Errorf("error: request expired")

// ErrSuperseded is delivered to a callback displaced by a
// later Add under the same key.
var ErrSuperseded = fmt.Errorf("error: request superseded by newer registration")

var ErrPeerUnreachable = fmt.Errorf("error: peer unreachable")

var ErrDecode = fmt.Errorf("error: could not decode")

var ErrCASMismatch = fmt.Errorf("error: compare-and-swap mismatch")

var ErrQuorumTimeout = fmt.Errorf("error: quorum wait timed out")

// QuorumError is the failure resolution of a quorum round.
// It names every peer that errored and every peer whose
// response did not satisfy the round's predicate, and
// carries those responses in NonQualifying.
type QuorumError struct {
	Expected  int
	Quorum    int
	Succeeded int

	PeerErrs      map[string]error
	Rejected      []string
	NonQualifying map[string]any
}

func (e *QuorumError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "quorum not reached: %v of %v succeeded, needed %v", e.Succeeded, e.Expected, e.Quorum)
	if len(e.Rejected) > 0 {
		fmt.Fprintf(&b, "; rejected by [%v]", strings.Join(e.Rejected, ", "))
	}
	if len(e.PeerErrs) > 0 {
		peers := make([]string, 0, len(e.PeerErrs))
		for p := range e.PeerErrs {
			peers = append(peers, p)
		}
		sort.Strings(peers)
		b.WriteString("; errors:")
		for _, p := range peers {
			fmt.Fprintf(&b, " [%v: %v]", p, e.PeerErrs[p])
		}
	}
	return b.String()
}

// Unwrap exposes the individual peer errors to errors.Is,
// plus ErrRejected when any peer declined.
func (e *QuorumError) Unwrap() []error {
	r := make([]error, 0, len(e.PeerErrs)+1)
	for _, err := range e.PeerErrs {
		r = append(r, err)
	}
	if len(e.Rejected) > 0 {
		r = append(r, ErrRejected)
	}
	return r
}

// ConsensusError is returned to a client once the proposer
// has used up its retry budget on one log slot.
type ConsensusError struct {
	Index    uint64
	Attempts int
	Causes   []error
}

func (e *ConsensusError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v at index %v after %v attempts", ErrNoConsensus, e.Index, e.Attempts)
	for i, c := range e.Causes {
		fmt.Fprintf(&b, "\n  attempt %v: %v", i+1, c)
	}
	return b.String()
}

func (e *ConsensusError) Is(target error) bool {
	return target == ErrNoConsensus
}

func (e *ConsensusError) Unwrap() []error {
	return e.Causes
}

// isShutdown reports whether err came from a halted component.
func isShutdown(err error) bool {
	return errors.Is(err, ErrShutDown)
}
