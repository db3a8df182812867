package paxos

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
)

// StateMachine receives committed commands, exactly once
// per slot and in strictly increasing index order. A
// returned error is a domain result, such as a CAS mismatch,
// handed back to the appending client; it does not stop the log.
type StateMachine interface {
	Apply(index uint64, cmd *Command) ([]byte, error)
}

// KVStore is a replicated string to bytes map.
type KVStore struct {
	mut     sync.Mutex
	data    map[string][]byte
	applied uint64
}

func NewKVStore() *KVStore {
	return &KVStore{data: make(map[string][]byte)}
}

func (s *KVStore) Apply(index uint64, cmd *Command) ([]byte, error) {
	s.mut.Lock()
	defer s.mut.Unlock()

	if index <= s.applied && s.applied != 0 {
		panicf("KVStore.Apply: index %v is not after last applied %v", index, s.applied)
	}
	s.applied = index

	switch cmd.Op {
	case OpNoOp:
		return nil, nil
	case OpPut:
		s.data[cmd.Key] = append([]byte(nil), cmd.Value...)
		return cmd.Value, nil
	case OpCAS:
		cur, present := s.data[cmd.Key]
		switch {
		case cmd.ExpectAbsent && present:
			return cur, fmt.Errorf("%w: key '%v' is present", ErrCASMismatch, cmd.Key)
		case !cmd.ExpectAbsent && (!present || !bytes.Equal(cur, cmd.Expect)):
			return cur, fmt.Errorf("%w: key '%v' is '%v', expected '%v'", ErrCASMismatch, cmd.Key, string(cur), string(cmd.Expect))
		}
		s.data[cmd.Key] = append([]byte(nil), cmd.Value...)
		return cmd.Value, nil
	case OpGet:
		v, ok := s.data[cmd.Key]
		if !ok {
			return nil, nil
		}
		return append([]byte(nil), v...), nil
	}
	return nil, fmt.Errorf("KVStore: unknown op %v", cmd.Op)
}

// Get is a local read; it may be stale. Use PaxosLog.Get
// for a read ordered through the log.
func (s *KVStore) Get(key string) ([]byte, bool) {
	s.mut.Lock()
	defer s.mut.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func (s *KVStore) LastApplied() uint64 {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.applied
}

// Snapshot copies the whole map.
func (s *KVStore) Snapshot() map[string][]byte {
	s.mut.Lock()
	defer s.mut.Unlock()
	m := make(map[string][]byte, len(s.data))
	for k, v := range s.data {
		m[k] = append([]byte(nil), v...)
	}
	return m
}

func (s *KVStore) String() string {
	snap := s.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	r := fmt.Sprintf("KVStore{applied:%v", s.LastApplied())
	for _, k := range keys {
		r += fmt.Sprintf(" %v='%v'", k, string(snap[k]))
	}
	return r + "}"
}
