// Package skiplist implements the probabilistic ordered map spec.md §4.2,
// §4.3, and §9 call for: a skip-list-class structure, instantiated once
// ordered by memory address (the address map) and once ordered by total
// chunk size (the free-size map).
//
// Both instantiations operate directly on *[slot.Slot] rather than a
// generic node type: per invariant 4 a slot participates in at most one
// container at a time, so its single forward-pointer array can be reused
// regardless of which List currently holds it (spec.md §9, "shared
// forward-pointer array"). A List is parameterized only by the key
// function that picks the ordering key (address or size) out of a slot.
package skiplist

import (
	"github.com/flier/heapguard/internal/config"
	"github.com/flier/heapguard/internal/faults"
	"github.com/flier/heapguard/internal/slot"
)

// KeyFunc extracts the ordering key of a slot for this list.
type KeyFunc func(*slot.Slot) uint64

// Update is the predecessor vector a [List.FindKey] / [List.FindNode] call
// populates and a subsequent [List.Insert] / [List.Remove] call consumes.
// It is fixed-size so that finding and splicing never allocates.
type Update struct {
	pred [config.MaxLevel]*slot.Slot
}

// List is a skip-list-class ordered map over *slot.Slot.
type List struct {
	head *slot.Slot
	key  KeyFunc
	len  int
}

// New creates an empty List ordered by key.
func New(key KeyFunc) *List {
	head := slot.New(config.MaxLevel - 1)
	return &List{head: head, key: key}
}

// Len returns the number of slots currently filed in this list.
func (l *List) Len() int { return l.len }

// Head returns the sentinel head slot (exported so the integrity checker
// can walk the level-0 chain without re-implementing traversal).
func (l *List) Head() *slot.Slot { return l.head }

// First returns the first slot in level-0 order, or nil if the list is
// empty.
func (l *List) First() *slot.Slot { return l.head.Next[0] }

// descend walks the list from the head, at each level advancing while
// keepGoing(next) reports true, and records in upd the last node visited
// at each level. It returns the node reached at level 0.
func (l *List) descend(keepGoing func(next *slot.Slot) bool, upd *Update) *slot.Slot {
	cur := l.head

	for level := config.MaxLevel - 1; level >= 0; level-- {
		for level < len(cur.Next) {
			next := cur.Next[level]
			if next == nil || !keepGoing(next) {
				break
			}
			cur = next
		}
		upd.pred[level] = cur
	}

	return cur
}

// FindKey searches for key, populating upd with the predecessor at every
// level. It returns the first slot whose key equals key (there may be
// several with a duplicate key; this returns the one nearest the head),
// and whether one was found.
//
// The populated Update is valid for a subsequent [List.Insert] of a new
// slot with this same key.
func (l *List) FindKey(key uint64, upd *Update) (*slot.Slot, bool) {
	pred := l.descend(func(next *slot.Slot) bool {
		return l.key(next) < key
	}, upd)

	if cand := pred.Next[0]; cand != nil && l.key(cand) == key {
		return cand, true
	}

	return nil, false
}

// FindGE returns the slot with the smallest key that is >= key (the
// "find smallest block of size >= N" operation of spec.md §4.3), and
// whether one exists. upd is populated the same as [List.FindKey].
func (l *List) FindGE(key uint64, upd *Update) (*slot.Slot, bool) {
	pred := l.descend(func(next *slot.Slot) bool {
		return l.key(next) < key
	}, upd)

	if cand := pred.Next[0]; cand != nil {
		return cand, true
	}

	return nil, false
}

// FindLoose returns the slot whose range contains addr — the slot with the
// largest key <= addr, provided addr lies before that slot's end. It is the
// address map's "loose" lookup mode
// (spec.md §4.2): a free(p) where p only falls inside a chunk, not at its
// start, still resolves to that chunk, so the caller can tell the two
// cases apart (NOT_FOUND vs. a mismatched user pointer).
func (l *List) FindLoose(addr uint64, upd *Update) (*slot.Slot, bool) {
	cand := l.descend(func(next *slot.Slot) bool {
		return l.key(next) <= addr
	}, upd)

	if cand == l.head || !cand.Contains(slot.Addr(addr)) {
		return nil, false
	}

	return cand, true
}

// FindNode searches for s specifically (by identity, not just key),
// populating upd with its actual predecessors. Needed to remove a slot
// from a list that may hold several slots with the same key (the free-size
// map routinely does). Returns false if s is not present in this list.
func (l *List) FindNode(s *slot.Slot, upd *Update) bool {
	key := l.key(s)

	pred := l.descend(func(next *slot.Slot) bool {
		if next == s {
			return false
		}
		k := l.key(next)
		return k < key || (k == key && next != s)
	}, upd)

	return pred.Next[0] == s
}

// Insert splices s into this list at every level 0..s.Level, using a
// previously populated Update vector (spec.md §4.2 "insert(slot):
// requires a prior find result").
func (l *List) Insert(s *slot.Slot, upd *Update) {
	for level := 0; level <= s.Level; level++ {
		pred := upd.pred[level]
		s.Next[level] = pred.Next[level]
		pred.Next[level] = s
	}

	l.len++
}

// Remove splices s out of this list at every level where a predecessor
// points at it, using an Update vector populated by [List.FindNode] for s.
// Returns a SlotCorrupt fault if s is not actually linked at some level
// <= s.Level, which indicates the list's own bookkeeping is broken (a
// corruption the caller should surface via check_heap, not silently
// ignore).
func (l *List) Remove(s *slot.Slot, upd *Update) error {
	for level := 0; level <= s.Level; level++ {
		pred := upd.pred[level]
		if pred.Next[level] != s {
			return faults.New(faults.SlotCorrupt, "skiplist.Remove", uint64AsAddr(l.key(s)), faults.Site{}, faults.Site{})
		}
		pred.Next[level] = s.Next[level]
		s.Next[level] = nil
	}

	l.len--

	return nil
}

func uint64AsAddr(k uint64) uintptr { return uintptr(k) }

// Each walks the list in level-0 order, calling fn for every slot. fn
// returning false stops the walk early.
func (l *List) Each(fn func(*slot.Slot) bool) {
	for cur := l.head.Next[0]; cur != nil; cur = cur.Next[0] {
		if !fn(cur) {
			return
		}
	}
}
