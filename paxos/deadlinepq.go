package paxos

import (
	rb "github.com/glycerine/rbtree"
)

// deadlinePQ orders the pending operations of a
// RequestWaitingList by arrival, oldest first, so the
// expiry scan can stop at the first entry still young
// enough to live.
type deadlinePQ[K comparable, R any] struct {
	owner string
	tree  *rb.Tree
}

func (s *deadlinePQ[K, R]) Len() int {
	return s.tree.Len()
}

func (s *deadlinePQ[K, R]) peek() *pendingOp[K, R] {
	if s.tree.Len() == 0 {
		return nil
	}
	return s.tree.Min().Item().(*pendingOp[K, R])
}

func (s *deadlinePQ[K, R]) pop() *pendingOp[K, R] {
	if s.tree.Len() == 0 {
		return nil
	}
	it := s.tree.Min()
	top := it.Item().(*pendingOp[K, R])
	s.tree.DeleteWithIterator(it)
	return top
}

func (s *deadlinePQ[K, R]) add(op *pendingOp[K, R]) (added bool) {
	if op == nil {
		panic("do not put nil into deadlinePQ!")
	}
	added, _ = s.tree.InsertGetIt(op)
	return
}

func (s *deadlinePQ[K, R]) del(op *pendingOp[K, R]) (found bool) {
	if op == nil {
		panic("cannot delete nil pendingOp!")
	}
	var it rb.Iterator
	it, found = s.tree.FindGE_isEqual(op)
	if !found {
		return
	}
	s.tree.DeleteWithIterator(it)
	return
}

// order by createdAt, then by registration sequence number,
// which is unique per list.
func newDeadlinePQ[K comparable, R any](owner string) *deadlinePQ[K, R] {
	return &deadlinePQ[K, R]{
		owner: owner,
		tree: rb.NewTree(func(a, b rb.Item) int {
			av := a.(*pendingOp[K, R])
			bv := b.(*pendingOp[K, R])
			if av == bv {
				return 0
			}
			if av.createdAt.Before(bv.createdAt) {
				return -1
			}
			if av.createdAt.After(bv.createdAt) {
				return 1
			}
			if av.seq < bv.seq {
				return -1
			}
			if av.seq > bv.seq {
				return 1
			}
			return 0
		}),
	}
}
