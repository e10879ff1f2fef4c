// Package quarantine implements the delayed-reuse FIFO of spec.md §4.5: a
// freed chunk sits here for [config.FreedPointerDelay] allocation
// iterations before it becomes eligible for reuse, so a use-after-free
// write has a better chance of landing somewhere [internal/guard] will
// still notice (the free-size map would otherwise hand the same bytes
// straight back out).
//
// Grounded on original_source/chunk.c's free_wait_list_head/tail and the
// drain loop at the top of use_free_memory: append at the tail on free,
// drain from the head whenever the oldest entry's admission iteration is
// at least the delay behind the current one.
package quarantine

import (
	"github.com/flier/heapguard/internal/slot"
	"github.com/flier/heapguard/internal/xlog"
)

// Queue is a FIFO of freed slots awaiting release to the free-size map.
// Entries are linked through Next[0], the same trick every other container
// in this module uses (see internal/slot's package doc).
type Queue struct {
	head, tail *slot.Slot
	delay      uint64
	len        int
}

// New creates an empty Queue with the given dwell time, in allocation
// iterations.
func New(delay uint64) *Queue { return &Queue{delay: delay} }

// Len returns how many slots are currently quarantined.
func (q *Queue) Len() int { return q.len }

// Push admits s, stamped with the iteration it was freed at. s.Iteration
// must already hold that stamp; Push only links it in.
func (q *Queue) Push(s *slot.Slot) {
	s.Next[0] = nil

	if q.head == nil {
		q.head = s
	} else {
		q.tail.Next[0] = s
	}
	q.tail = s
	q.len++

	xlog.Log(nil, "free_pointer_delay", "queued %v at iteration %d, depth now %d", s.Memory, s.Iteration, q.len)
}

// Drain removes every slot whose admission iteration is old enough to be
// released at the given current iteration (s.Iteration+delay <=
// current), calling release for each in FIFO order. Stops at the first
// slot still too young, matching the reference implementation's
// early-break (the queue is iteration-ordered, since admission iterations
// never decrease).
func (q *Queue) Drain(current uint64, release func(*slot.Slot)) {
	for q.head != nil {
		if q.head.Iteration+q.delay > current {
			break
		}

		s := q.head
		q.head = s.Next[0]
		if q.head == nil {
			q.tail = nil
		}
		s.Next[0] = nil
		q.len--

		xlog.Log(nil, "free_pointer_delay", "releasing %v queued at iteration %d, current %d", s.Memory, s.Iteration, current)

		release(s)
	}
}

// Each walks the queue in FIFO order without draining it, for the
// integrity checker.
func (q *Queue) Each(fn func(*slot.Slot) bool) {
	for cur := q.head; cur != nil; cur = cur.Next[0] {
		if !fn(cur) {
			return
		}
	}
}
