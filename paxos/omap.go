package paxos

import (
	"cmp"
	"fmt"
	"iter"

	rb "github.com/glycerine/rbtree"
)

// omap is an ordered map over an rbtree: get and set are
// O(log n), and iteration runs in key order, which is what
// the apply walk and gap detection need from the slot table.
//
// Like the built-in map, omap does no internal locking.
type omap[K cmp.Ordered, V any] struct {
	tree *rb.Tree
}

type okv[K cmp.Ordered, V any] struct {
	key K
	val V
}

func newOmap[K cmp.Ordered, V any]() *omap[K, V] {
	return &omap[K, V]{
		tree: rb.NewTree(func(a, b rb.Item) int {
			return cmp.Compare(a.(*okv[K, V]).key, b.(*okv[K, V]).key)
		}),
	}
}

func (s *omap[K, V]) Len() int {
	return s.tree.Len()
}

func (s *omap[K, V]) String() (r string) {
	r = "omap{"
	sep := ""
	for k, v := range s.all() {
		r += fmt.Sprintf("%v%v:%v", sep, k, v)
		sep = ", "
	}
	return r + "}"
}

// set is an upsert; newlyAdded reports an insert.
func (s *omap[K, V]) set(key K, val V) (newlyAdded bool) {
	query := &okv[K, V]{key: key, val: val}
	it, found := s.tree.FindGE_isEqual(query)
	if found {
		it.Item().(*okv[K, V]).val = val
		return false
	}
	s.tree.InsertGetIt(query)
	return true
}

func (s *omap[K, V]) get2(key K) (val V, found bool) {
	it, found := s.tree.FindGE_isEqual(&okv[K, V]{key: key})
	if found {
		val = it.Item().(*okv[K, V]).val
	}
	return
}

// all iterates in ascending key order.
func (s *omap[K, V]) all() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for it := s.tree.Min(); !it.Limit(); {
			kv := it.Item().(*okv[K, V])
			it = it.Next()
			if !yield(kv.key, kv.val) {
				return
			}
		}
	}
}

// ascendFrom iterates over keys >= from in ascending order.
func (s *omap[K, V]) ascendFrom(from K) iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		it, _ := s.tree.FindGE_isEqual(&okv[K, V]{key: from})
		for !it.Limit() {
			kv := it.Item().(*okv[K, V])
			it = it.Next()
			if !yield(kv.key, kv.val) {
				return
			}
		}
	}
}
