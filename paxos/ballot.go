package paxos

import (
	"fmt"

	"github.com/glycerine/greenpack/msgp"
)

// BallotID totally orders competing proposals: by Round
// first, then by ReplicaID to break ties between proposers
// that picked the same round.
//
// The zero BallotID is the empty ballot. Real ballots
// come from NextBallot and always have Round >= 1, so
// the empty ballot sorts before every one of them.
type BallotID struct {
	Round     uint64
	ReplicaID uint32
}

// EmptyBallot is what a fresh slot has promised.
var EmptyBallot = BallotID{}

func (a BallotID) IsEmpty() bool {
	return a == EmptyBallot
}

// Compare returns -1, 0, or +1.
func (a BallotID) Compare(b BallotID) int {
	switch {
	case a.Round < b.Round:
		return -1
	case a.Round > b.Round:
		return 1
	case a.ReplicaID < b.ReplicaID:
		return -1
	case a.ReplicaID > b.ReplicaID:
		return 1
	}
	return 0
}

// IsAfter is true iff a is strictly newer than b.
func (a BallotID) IsAfter(b BallotID) bool {
	return a.Compare(b) > 0
}

// AtLeast is true iff a == b or a is after b.
func (a BallotID) AtLeast(b BallotID) bool {
	return a.Compare(b) >= 0
}

func (a BallotID) String() string {
	if a.IsEmpty() {
		return "Ballot{empty}"
	}
	return fmt.Sprintf("Ballot{%v.%v}", a.Round, a.ReplicaID)
}

// NextBallot returns a ballot for replicaID that is strictly
// after currentMax.
func NextBallot(currentMax BallotID, replicaID uint32) BallotID {
	return BallotID{Round: currentMax.Round + 1, ReplicaID: replicaID}
}

// maxBallot returns the newer of a and b.
func maxBallot(a, b BallotID) BallotID {
	if b.IsAfter(a) {
		return b
	}
	return a
}

// MarshalMsg appends the ballot as a two element msgpack array.
func (a BallotID) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 2)
	b = msgp.AppendUint64(b, a.Round)
	b = msgp.AppendUint32(b, a.ReplicaID)
	return b, nil
}

func (a *BallotID) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var nbs msgp.NilBitsStack
	var sz uint32
	sz, bts, err = nbs.ReadArrayHeaderBytes(bts)
	if err != nil {
		return
	}
	if sz != 2 {
		err = msgp.ArrayError{Wanted: 2, Got: sz}
		return
	}
	a.Round, bts, err = nbs.ReadUint64Bytes(bts)
	if err != nil {
		return
	}
	a.ReplicaID, bts, err = nbs.ReadUint32Bytes(bts)
	if err != nil {
		return
	}
	o = bts
	return
}

func (a BallotID) Msgsize() int {
	return msgp.ArrayHeaderSize + msgp.Uint64Size + msgp.Uint32Size
}
