package paxos

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/glycerine/greenpack/msgp"
)

// StatePersister makes acceptor state survive a restart, so a
// replica never re-promises a ballot it already promised and
// never forgets a value it accepted. SaveSlot returns only
// once the state is durable; replies wait for it.
type StatePersister interface {
	SaveSlot(index uint64, st PaxosState) error
	LoadSlots() (map[uint64]PaxosState, error)
	Close() error
}

type PersistMode string

const (
	PersistNone PersistMode = "none"
	PersistMem  PersistMode = "mem"
	PersistFile PersistMode = "file"
	PersistBolt PersistMode = "bolt"
)

// NewPersister opens the persister cfg asks for, under
// cfg.DataDir/cfg.Name for the disk backed modes.
func NewPersister(cfg *Config) (StatePersister, error) {
	switch cfg.PersistMode {
	case "", PersistNone:
		return nil, nil
	case PersistMem:
		return NewMemPersister(), nil
	case PersistFile:
		return NewFilePersister(filepath.Join(cfg.DataDir, cfg.Name, "slots.msgp"))
	case PersistBolt:
		return NewBoltPersister(filepath.Join(cfg.DataDir, cfg.Name, "slots.bolt"))
	}
	return nil, fmt.Errorf("unknown PersistMode '%v'", cfg.PersistMode)
}

// MemPersister keeps slots in memory. A test hands the same
// MemPersister to a replica and to its restarted successor.
type MemPersister struct {
	mut   sync.Mutex
	slots map[uint64]PaxosState
	saves int
}

func NewMemPersister() *MemPersister {
	return &MemPersister{slots: make(map[uint64]PaxosState)}
}

func (m *MemPersister) SaveSlot(index uint64, st PaxosState) error {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.slots[index] = st
	m.saves++
	return nil
}

func (m *MemPersister) LoadSlots() (map[uint64]PaxosState, error) {
	m.mut.Lock()
	defer m.mut.Unlock()
	out := make(map[uint64]PaxosState, len(m.slots))
	for i, st := range m.slots {
		out[i] = st
	}
	return out, nil
}

func (m *MemPersister) Saves() int {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.saves
}

func (m *MemPersister) Close() error { return nil }

// marshalSlot and unmarshalSlot frame one persisted slot
// as a msgpack array of [index, PaxosState].
func marshalSlot(index uint64, st PaxosState) []byte {
	b := msgp.AppendArrayHeader(nil, 2)
	b = msgp.AppendUint64(b, index)
	b, _ = st.MarshalMsg(b)
	return b
}

func unmarshalSlot(bts []byte) (index uint64, st PaxosState, err error) {
	var nbs msgp.NilBitsStack
	var sz uint32
	if sz, bts, err = nbs.ReadArrayHeaderBytes(bts); err != nil {
		return
	}
	if sz != 2 {
		err = msgp.ArrayError{Wanted: 2, Got: sz}
		return
	}
	if index, bts, err = nbs.ReadUint64Bytes(bts); err != nil {
		return
	}
	_, err = st.UnmarshalMsg(bts)
	return
}
