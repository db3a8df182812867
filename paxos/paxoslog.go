package paxos

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// ApplyResult is what the StateMachine made of one slot.
type ApplyResult struct {
	Index uint64
	Value []byte

	// Err is the StateMachine's domain error, if any.
	Err error
}

// PaxosLog is a replicated log of Commands. Every slot is an
// independent Paxos instance; committed slots are applied to
// the StateMachine strictly in index order, without gaps.
type PaxosLog struct {
	r     *replica
	sm    StateMachine
	codec *payloadCodec

	// allocMut guards nextLogIndex.
	allocMut     sync.Mutex
	nextLogIndex uint64

	// applyMut serializes the apply walk.
	applyMut    sync.Mutex
	lastApplied uint64
	applyHook   func(index uint64, cmd *Command)

	waiters *RequestWaitingList[uint64, *ApplyResult]

	// origin is name/incarnation. The incarnation is fresh on
	// every start, so seq restarting at 1 after a crash cannot
	// reproduce a payload committed before it.
	origin string
	seq    atomic.Uint64

	gaps *gapRepairer
}

// NewPaxosLog restores any persisted slots, re-applies the
// committed prefix to sm, and starts serving peers on tr.
func NewPaxosLog(cfg *Config, tr Transport, sm StateMachine) (*PaxosLog, error) {
	r, err := newReplica(cfg, tr)
	if err != nil {
		return nil, err
	}
	codec, err := newPayloadCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}
	l := &PaxosLog{
		r:      r,
		sm:     sm,
		codec:  codec,
		origin: cfg.Name + "/" + cryRand17B(),
		waiters: NewRequestWaitingList[uint64, *ApplyResult](
			"paxoslog:"+cfg.Name, cfg.RequestTimeout, cfg.ExpiryCheckEvery, cfg.Clock),
	}
	r.onCommit = l.onCommit

	seen, _ := r.slots.high()
	l.nextLogIndex = seen + 1
	l.applyCommitted()

	l.gaps = newGapRepairer(l, cfg.GapRepairEvery)
	r.serve(r)
	return l, nil
}

// SetApplyHook installs f, which runs after each apply, in
// apply order, under the apply lock. Tests record order with it.
func (l *PaxosLog) SetApplyHook(f func(index uint64, cmd *Command)) {
	l.applyMut.Lock()
	l.applyHook = f
	l.applyMut.Unlock()
}

// allocIndex hands out a slot no local proposer has used,
// and past every slot seen from peers.
func (l *PaxosLog) allocIndex() uint64 {
	seen, _ := l.r.slots.high()
	l.allocMut.Lock()
	defer l.allocMut.Unlock()
	if seen+1 > l.nextLogIndex {
		l.nextLogIndex = seen + 1
	}
	idx := l.nextLogIndex
	l.nextLogIndex++
	return idx
}

// Append replicates cmd and waits until it is applied here.
// If another proposer's value wins the slot, cmd moves on
// to a fresh slot; Append is done only when the slot holds
// cmd itself.
func (l *PaxosLog) Append(ctx context.Context, cmd *Command) (*ApplyResult, error) {
	if cmd.Origin == "" {
		cmd.Origin = l.origin
	}
	if cmd.Seq == 0 {
		cmd.Seq = l.seq.Add(1)
	}
	payload, err := encodeCommand(l.codec, cmd)
	if err != nil {
		return nil, err
	}
	for {
		idx := l.allocIndex()
		fut := NewFuture[*ApplyResult]()
		// registered before proposing, so the apply of idx
		// cannot slip past us.
		l.waiters.Add(idx, fut)

		chosen, err := l.r.runPaxos(ctx, idx, payload)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(chosen, payload) {
			l.r.stats.bump(func(s *Stats) { s.LostSlots++ })
			pp("PaxosLog '%v': lost slot %v with %v; trying again at a new index", l.r.name, idx, cmd)
			continue
		}
		res, _, err := fut.Wait(ctx)
		if err != nil {
			if err == ErrRequestExpired {
				l.r.stats.bump(func(s *Stats) { s.Expired++ })
			}
			return nil, fmt.Errorf("PaxosLog '%v' slot %v: %w", l.r.name, idx, err)
		}
		return res, res.Err
	}
}

// Put, CompareAndSwap and Get are Append conveniences for a
// KVStore state machine.
func (l *PaxosLog) Put(ctx context.Context, key string, val []byte) error {
	_, err := l.Append(ctx, NewPut(key, val))
	return err
}

func (l *PaxosLog) CompareAndSwap(ctx context.Context, key string, expect, val []byte) error {
	_, err := l.Append(ctx, NewCAS(key, expect, val))
	return err
}

// Get is linearizable: the read is a slot in the log.
func (l *PaxosLog) Get(ctx context.Context, key string) ([]byte, error) {
	res, err := l.Append(ctx, NewGet(key))
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

func (l *PaxosLog) onCommit(index uint64) {
	l.applyCommitted()
}

// applyCommitted walks forward from the last applied slot,
// applying every committed slot until the first gap.
func (l *PaxosLog) applyCommitted() {
	l.applyMut.Lock()
	defer l.applyMut.Unlock()

	for _, p := range l.r.slots.committedFrom(l.lastApplied + 1) {
		index := l.lastApplied + 1
		res := &ApplyResult{Index: index}
		cmd, err := decodeCommand(p.Value)
		if err != nil {
			alwaysPrintf("PaxosLog '%v': slot %v holds an undecodable command, applied as a no-op: %v", l.r.name, index, err)
			res.Err = err
		} else {
			res.Value, res.Err = l.sm.Apply(index, cmd)
		}
		l.lastApplied = index
		l.r.stats.bump(func(s *Stats) { s.Applied++ })
		if l.applyHook != nil && cmd != nil {
			l.applyHook(index, cmd)
		}
		l.waiters.HandleResponse(index, res, l.r.name)
	}
}

func (l *PaxosLog) LastApplied() uint64 {
	l.applyMut.Lock()
	defer l.applyMut.Unlock()
	return l.lastApplied
}

// Committed returns the decoded command at index, if
// this replica knows the slot's decision.
func (l *PaxosLog) Committed(index uint64) (*Command, bool) {
	v, ok := l.r.slots.committedValue(index)
	if !ok {
		return nil, false
	}
	cmd, err := decodeCommand(v)
	if err != nil {
		return nil, false
	}
	return cmd, true
}

func (l *PaxosLog) SlotState(index uint64) (PaxosState, bool) {
	return l.r.slots.get(index)
}

func (l *PaxosLog) Name() string { return l.r.name }

// Conflicts counts refused commits that disagreed with an
// earlier commit of the same slot. Non-zero means unsafe.
func (l *PaxosLog) Conflicts() int64 {
	return l.r.slots.conflictCount()
}

func (l *PaxosLog) Stats() Stats {
	s := l.r.Stats()
	s.Overwrites = l.waiters.Overwrites()
	return s
}

// Close stops gap repair, fails pending Appends with
// ErrShutDown, and closes the persister.
func (l *PaxosLog) Close() error {
	l.gaps.close()
	err := l.r.close()
	l.waiters.Close()
	return err
}
