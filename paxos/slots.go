package paxos

import (
	"fmt"
	"sync"
)

// slotTable holds the acceptor state of every log slot on
// one replica. Each transition runs under mut and, when a
// persister is set, is durable before the method returns,
// so no reply can leave ahead of its state.
type slotTable struct {
	mut       sync.Mutex
	name      string
	slots     *omap[uint64, PaxosState]
	persister StatePersister

	// maxIndexSeen is the highest index any message or
	// local proposal has touched.
	maxIndexSeen uint64

	// maxCommitted is the highest committed index.
	maxCommitted uint64

	// conflicts counts commits that disagreed with an
	// earlier commit of the same slot. It must stay zero.
	conflicts int64
}

func newSlotTable(name string, persister StatePersister) *slotTable {
	return &slotTable{
		name:      name,
		slots:     newOmap[uint64, PaxosState](),
		persister: persister,
	}
}

// load restores persisted slots. It must run before the
// replica serves any request.
func (t *slotTable) load() (n int, err error) {
	if t.persister == nil {
		return 0, nil
	}
	loaded, err := t.persister.LoadSlots()
	if err != nil {
		return 0, err
	}
	t.mut.Lock()
	defer t.mut.Unlock()
	for i, st := range loaded {
		t.slots.set(i, st)
		t.observeLocked(i)
		if st.IsCommitted() && i > t.maxCommitted {
			t.maxCommitted = i
		}
	}
	return len(loaded), nil
}

// observeLocked must be called with t.mut held.
func (t *slotTable) observeLocked(index uint64) {
	if index > t.maxIndexSeen {
		t.maxIndexSeen = index
	}
}

func (t *slotTable) observe(index uint64) {
	t.mut.Lock()
	t.observeLocked(index)
	t.mut.Unlock()
}

// saveLocked must be called with t.mut held.
func (t *slotTable) saveLocked(index uint64, st PaxosState) error {
	if t.persister != nil {
		if err := t.persister.SaveSlot(index, st); err != nil {
			return fmt.Errorf("replica '%v' could not persist slot %v: %w", t.name, index, err)
		}
	}
	t.slots.set(index, st)
	return nil
}

// prepare applies a Prepare to slot index and returns the
// resulting state.
func (t *slotTable) prepare(index uint64, b BallotID) (st PaxosState, promised bool, err error) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.observeLocked(index)

	cur, _ := t.slots.get2(index)
	next, promised := cur.Prepare(b)
	if !promised {
		return cur, false, nil
	}
	if next.Equal(cur) {
		return cur, true, nil
	}
	if err = t.saveLocked(index, next); err != nil {
		return cur, false, err
	}
	return next, true, nil
}

func (t *slotTable) accept(index uint64, b BallotID, v []byte) (st PaxosState, accepted bool, err error) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.observeLocked(index)

	cur, _ := t.slots.get2(index)
	next, accepted := cur.Accept(b, v)
	if !accepted {
		return cur, false, nil
	}
	if next.Equal(cur) {
		return cur, true, nil
	}
	if err = t.saveLocked(index, next); err != nil {
		return cur, false, err
	}
	return next, true, nil
}

// commit records the decided value of slot index. first is
// true only for the call that actually committed it.
func (t *slotTable) commit(index uint64, b BallotID, v []byte) (st PaxosState, first bool, err error) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.observeLocked(index)

	cur, _ := t.slots.get2(index)
	next, first, conflicting := cur.Commit(b, v)
	if conflicting {
		t.conflicts++
		alwaysPrintf("SAFETY VIOLATION on replica '%v': slot %v already committed %v; commit of %v with different value refused", t.name, index, cur.Committed, b)
		return cur, false, nil
	}
	if !first {
		return cur, false, nil
	}
	if err = t.saveLocked(index, next); err != nil {
		return cur, false, err
	}
	if index > t.maxCommitted {
		t.maxCommitted = index
	}
	return next, true, nil
}

func (t *slotTable) get(index uint64) (PaxosState, bool) {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.slots.get2(index)
}

func (t *slotTable) committedValue(index uint64) ([]byte, bool) {
	t.mut.Lock()
	defer t.mut.Unlock()
	st, ok := t.slots.get2(index)
	if !ok || st.Committed == nil {
		return nil, false
	}
	return st.Committed.Value, true
}

// high returns maxIndexSeen and maxCommitted.
func (t *slotTable) high() (seen, committed uint64) {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.maxIndexSeen, t.maxCommitted
}

func (t *slotTable) conflictCount() int64 {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.conflicts
}

// committedFrom returns the run of consecutive committed
// slots starting at from, stopping at the first gap.
func (t *slotTable) committedFrom(from uint64) (run []*Proposal) {
	t.mut.Lock()
	defer t.mut.Unlock()
	want := from
	for i, st := range t.slots.ascendFrom(from) {
		if i != want || st.Committed == nil {
			break
		}
		run = append(run, st.Committed)
		want++
	}
	return
}

// snapshot copies every slot, in index order.
func (t *slotTable) snapshot() (idx []uint64, states []PaxosState) {
	t.mut.Lock()
	defer t.mut.Unlock()
	for i, st := range t.slots.all() {
		idx = append(idx, i)
		states = append(states, st)
	}
	return
}
