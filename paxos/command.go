package paxos

import (
	"fmt"

	"github.com/glycerine/greenpack/msgp"
)

type CommandOp uint8

const (
	OpNoOp CommandOp = iota
	OpPut
	OpCAS
	OpGet
)

func (o CommandOp) String() string {
	switch o {
	case OpNoOp:
		return "NOOP"
	case OpPut:
		return "PUT"
	case OpCAS:
		return "CAS"
	case OpGet:
		return "GET"
	}
	return fmt.Sprintf("CommandOp(%d)", uint8(o))
}

// Command is what a log slot decides. The log itself only
// compares encoded bytes; the StateMachine gives them meaning.
//
// Origin and Seq make every client command unique, so two
// clients appending the same Put do not mistake one shared
// slot for two.
type Command struct {
	Op     CommandOp
	Key    string
	Value  []byte
	Expect []byte

	// ExpectAbsent makes a CAS succeed only if Key is unset.
	ExpectAbsent bool

	Origin string
	Seq    uint64
}

func NewPut(key string, val []byte) *Command {
	return &Command{Op: OpPut, Key: key, Value: val}
}

func NewCAS(key string, expect, val []byte) *Command {
	return &Command{Op: OpCAS, Key: key, Expect: expect, ExpectAbsent: expect == nil, Value: val}
}

func NewGet(key string) *Command {
	return &Command{Op: OpGet, Key: key}
}

func (c *Command) String() string {
	switch c.Op {
	case OpNoOp:
		return fmt.Sprintf("Command{NOOP origin:'%v' seq:%v}", c.Origin, c.Seq)
	case OpPut:
		return fmt.Sprintf("Command{PUT %v='%v' origin:'%v' seq:%v}", c.Key, string(c.Value), c.Origin, c.Seq)
	case OpCAS:
		return fmt.Sprintf("Command{CAS %v: '%v' -> '%v' absent:%v origin:'%v' seq:%v}", c.Key, string(c.Expect), string(c.Value), c.ExpectAbsent, c.Origin, c.Seq)
	}
	return fmt.Sprintf("Command{%v %v origin:'%v' seq:%v}", c.Op, c.Key, c.Origin, c.Seq)
}

const commandFieldCount = 7

func (c *Command) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, commandFieldCount)
	b = msgp.AppendUint8(b, uint8(c.Op))
	b = msgp.AppendString(b, c.Key)
	b = msgp.AppendBytes(b, c.Value)
	b = msgp.AppendBytes(b, c.Expect)
	b = msgp.AppendBool(b, c.ExpectAbsent)
	b = msgp.AppendString(b, c.Origin)
	b = msgp.AppendUint64(b, c.Seq)
	return b, nil
}

func (c *Command) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var nbs msgp.NilBitsStack
	var sz uint32
	if sz, bts, err = nbs.ReadArrayHeaderBytes(bts); err != nil {
		return
	}
	if sz != commandFieldCount {
		err = msgp.ArrayError{Wanted: commandFieldCount, Got: sz}
		return
	}
	var op uint8
	if op, bts, err = nbs.ReadUint8Bytes(bts); err != nil {
		return
	}
	c.Op = CommandOp(op)
	if c.Op > OpGet {
		err = fmt.Errorf("unknown command op %v", op)
		return
	}
	if c.Key, bts, err = nbs.ReadStringBytes(bts); err != nil {
		return
	}
	if c.Value, bts, err = nbs.ReadBytesBytes(bts, nil); err != nil {
		return
	}
	if c.Expect, bts, err = nbs.ReadBytesBytes(bts, nil); err != nil {
		return
	}
	if c.ExpectAbsent, bts, err = nbs.ReadBoolBytes(bts); err != nil {
		return
	}
	if c.Origin, bts, err = nbs.ReadStringBytes(bts); err != nil {
		return
	}
	if c.Seq, bts, err = nbs.ReadUint64Bytes(bts); err != nil {
		return
	}
	o = bts
	return
}

// encodeCommand produces the bytes a slot decides on.
func encodeCommand(codec *payloadCodec, c *Command) ([]byte, error) {
	raw, err := c.MarshalMsg(nil)
	if err != nil {
		return nil, err
	}
	return codec.encode(raw)
}

func decodeCommand(payload []byte) (*Command, error) {
	raw, err := decodePayload(payload)
	if err != nil {
		return nil, err
	}
	c := &Command{}
	if _, err = c.UnmarshalMsg(raw); err != nil {
		return nil, fmt.Errorf("%w: Command: %v", ErrDecode, err)
	}
	return c, nil
}
