package paxos

import (
	"fmt"

	"github.com/glycerine/greenpack/msgp"
)

// MsgKind tags the six protocol messages. Dispatch switches
// over it exhaustively; an unknown kind is a decode error.
type MsgKind uint8

const (
	MsgInvalid MsgKind = iota
	MsgPrepare
	MsgPromise
	MsgPropose
	MsgProposeResponse
	MsgCommit
	MsgCommitResponse
)

func (k MsgKind) String() string {
	switch k {
	case MsgInvalid:
		return "MsgInvalid"
	case MsgPrepare:
		return "Prepare"
	case MsgPromise:
		return "Promise"
	case MsgPropose:
		return "Propose"
	case MsgProposeResponse:
		return "ProposeResponse"
	case MsgCommit:
		return "Commit"
	case MsgCommitResponse:
		return "CommitResponse"
	}
	return fmt.Sprintf("MsgKind(%d)", uint8(k))
}

func (k MsgKind) IsRequest() bool {
	return k == MsgPrepare || k == MsgPropose || k == MsgCommit
}

// responseKind pairs each request with its reply kind.
func (k MsgKind) responseKind() MsgKind {
	switch k {
	case MsgPrepare:
		return MsgPromise
	case MsgPropose:
		return MsgProposeResponse
	case MsgCommit:
		return MsgCommitResponse
	}
	return MsgInvalid
}

// Msg is the single wire envelope for all six kinds.
//
// Requests fill Index, Ballot and (Propose/Commit) Value.
// Responses set Ok and echo Index; Ballot in a response is
// the replier's promised ballot, so a rejected proposer
// learns how far it must jump. A Promise also reports the
// replier's Accepted and Committed proposals for that slot.
type Msg struct {
	Kind          MsgKind
	CorrelationID uint64
	From          string

	Index  uint64
	Ballot BallotID
	Value  []byte

	Ok        bool
	Accepted  *Proposal
	Committed *Proposal

	// Errs carries a handler error back to the sender as text.
	Errs string
}

func (m *Msg) String() string {
	if m == nil {
		return "<nil Msg>"
	}
	return fmt.Sprintf("Msg{%v corr:%v from:'%v' index:%v %v ok:%v accepted:%v committed:%v vlen:%v errs:'%v'}",
		m.Kind, m.CorrelationID, m.From, m.Index, m.Ballot, m.Ok, m.Accepted, m.Committed, len(m.Value), m.Errs)
}

// reply starts a response to request m from replica from.
func (m *Msg) reply(from string) *Msg {
	return &Msg{
		Kind:          m.Kind.responseKind(),
		CorrelationID: m.CorrelationID,
		From:          from,
		Index:         m.Index,
	}
}

const msgFieldCount = 10

func (m *Msg) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, msgFieldCount)
	b = msgp.AppendUint8(b, uint8(m.Kind))
	b = msgp.AppendUint64(b, m.CorrelationID)
	b = msgp.AppendString(b, m.From)
	b = msgp.AppendUint64(b, m.Index)
	b, _ = m.Ballot.MarshalMsg(b)
	b = msgp.AppendBytes(b, m.Value)
	b = msgp.AppendBool(b, m.Ok)
	b = appendProposal(b, m.Accepted)
	b = appendProposal(b, m.Committed)
	b = msgp.AppendString(b, m.Errs)
	return b, nil
}

func (m *Msg) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var nbs msgp.NilBitsStack
	var sz uint32
	sz, bts, err = nbs.ReadArrayHeaderBytes(bts)
	if err != nil {
		return
	}
	if sz != msgFieldCount {
		err = msgp.ArrayError{Wanted: msgFieldCount, Got: sz}
		return
	}
	var kind uint8
	kind, bts, err = nbs.ReadUint8Bytes(bts)
	if err != nil {
		return
	}
	m.Kind = MsgKind(kind)
	if m.Kind == MsgInvalid || m.Kind > MsgCommitResponse {
		err = fmt.Errorf("%w: unknown message kind %v", ErrDecode, kind)
		return
	}
	if m.CorrelationID, bts, err = nbs.ReadUint64Bytes(bts); err != nil {
		return
	}
	if m.From, bts, err = nbs.ReadStringBytes(bts); err != nil {
		return
	}
	if m.Index, bts, err = nbs.ReadUint64Bytes(bts); err != nil {
		return
	}
	if bts, err = m.Ballot.UnmarshalMsg(bts); err != nil {
		return
	}
	if m.Value, bts, err = nbs.ReadBytesBytes(bts, nil); err != nil {
		return
	}
	if m.Ok, bts, err = nbs.ReadBoolBytes(bts); err != nil {
		return
	}
	if m.Accepted, bts, err = readProposal(bts); err != nil {
		return
	}
	if m.Committed, bts, err = readProposal(bts); err != nil {
		return
	}
	if m.Errs, bts, err = nbs.ReadStringBytes(bts); err != nil {
		return
	}
	o = bts
	return
}

// encodeMsg and decodeMsg are what the network sees.
func encodeMsg(m *Msg) ([]byte, error) {
	return m.MarshalMsg(nil)
}

func decodeMsg(by []byte) (*Msg, error) {
	m := &Msg{}
	_, err := m.UnmarshalMsg(by)
	if err != nil {
		return nil, fmt.Errorf("%w: Msg: %v", ErrDecode, err)
	}
	return m, nil
}
