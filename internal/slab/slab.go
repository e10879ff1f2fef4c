// Package slab implements the metadata slab pool of spec.md §4.1: the
// source of every [slot.Slot] the tracker ever files into the address map,
// the free-size map, or the quarantine FIFO.
//
// Grounded on chunk.c's get_slot/alloc_slots pair (original_source/chunk.c):
// a per-level free-list of spare slots, refilled a whole basic block at a
// time from the raw heap provider. One refill can mint up to three tracked
// slots from a single [heap.Heap.Alloc] call — an ADMIN slot for the block
// itself, an optional EXTERN slot when the raw heap rounded its claim up,
// and the slot actually handed back to the caller — exactly the "jumping
// through hoops" sequence the reference get_slot describes, just without a
// recursive call back into itself.
//
// Unlike the reference implementation, this port does not lay Slot records
// into the raw heap's byte buffer: Go's garbage collector cannot safely
// track pointers embedded inside a manually managed []byte, and spec.md's
// invariants are about address-map completeness, not byte-for-byte layout.
// Slot records live in ordinary Go memory; the ADMIN and EXTERN slots still
// record the raw-heap bytes a refill consumed, so address-map lookups and
// check_heap's block-accounting stay faithful to the reference design.
package slab

import (
	"fmt"
	"math/rand/v2"

	"github.com/flier/heapguard/internal/config"
	"github.com/flier/heapguard/internal/faults"
	"github.com/flier/heapguard/internal/heap"
	"github.com/flier/heapguard/internal/skiplist"
	"github.com/flier/heapguard/internal/slot"
	"github.com/flier/heapguard/internal/xlog"
)

// entryBlock is the metadata analogue of chunk.c's entry_block_t: the
// bookkeeping record for one basic block's worth of freshly carved slots.
type entryBlock struct {
	magic1, magic2, magic3 uint32
	level                  int
	base                   slot.Addr
}

// Pool is the metadata slab pool. A zero Pool is not ready to use; call
// [New].
type Pool struct {
	heap *heap.Heap
	addr *skiplist.List // address map; ADMIN/EXTERN slots are filed here

	free [config.MaxLevel][]*slot.Slot // per-level free-list, LIFO

	blocks map[slot.Addr]*entryBlock

	adminBlocks  int
	externBlocks int
}

// New creates a Pool that draws raw memory from h and files its ADMIN and
// EXTERN bookkeeping slots into addrMap.
func New(h *heap.Heap, addrMap *skiplist.List) *Pool {
	return &Pool{
		heap:   h,
		addr:   addrMap,
		blocks: make(map[slot.Addr]*entryBlock),
	}
}

// AdminBlocks returns how many basic blocks this pool has claimed for its
// own metadata.
func (p *Pool) AdminBlocks() int { return p.adminBlocks }

// ExternBlocks returns how many of those blocks additionally absorbed a
// raw-heap EXTERN rounding slack.
func (p *Pool) ExternBlocks() int { return p.externBlocks }

// Acquire returns a fresh, zeroed slot at a randomly chosen level, refilling
// the pool's free-list from the raw heap provider if needed.
func (p *Pool) Acquire() (*slot.Slot, error) {
	level := p.randomLevel()

	if s := p.pop(level); s != nil {
		return s, nil
	}

	if err := p.refill(level); err != nil {
		return nil, err
	}

	s := p.pop(level)
	if s == nil {
		return nil, faults.New(faults.AddressList, "slab.Acquire", 0, faults.Site{}, faults.Site{})
	}

	return s, nil
}

// Release returns s to the free-list for its level, for reuse by a later
// Acquire. Callers must first unlink s from whatever map or FIFO held it.
func (p *Pool) Release(s *slot.Slot) {
	s.Reset()
	p.push(s.Level, s)
}

// randomLevel draws a slot height by the same process as chunk.c's
// random_level: flip a fair bit, stop at the first 0, never exceed
// MaxLevel-1. This is the geometric distribution a skip list needs so that
// roughly half of all slots are level 0, a quarter level 1, and so on.
func (p *Pool) randomLevel() int {
	level := 0
	for level < config.MaxLevel-1 && rand.Uint32()&1 == 1 {
		level++
	}
	return level
}

// pop removes and returns the top of the free-list for level, or nil if
// empty.
func (p *Pool) pop(level int) *slot.Slot {
	list := p.free[level]
	if len(list) == 0 {
		return nil
	}

	n := len(list) - 1
	s := list[n]
	p.free[level] = list[:n]

	return s
}

// push adds s to the free-list for level.
func (p *Pool) push(level int, s *slot.Slot) {
	p.free[level] = append(p.free[level], s)
}

// slotsPerBlock is how many spare slots of this level one refill carves
// from a single basic block. See the package doc for why this is a
// proportional stand-in rather than an exact division of BlockSize by a
// C-layout sizeof.
func slotsPerBlock(level int) int {
	footprint := 48 + (level+1)*config.PointerBytes
	n := config.BlockSize / footprint
	if n < config.MinSlotsPerBlock {
		n = config.MinSlotsPerBlock
	}
	return n
}

// refill claims one basic block from the raw heap, mints slotsPerBlock(level)
// fresh slots of that level onto the free-list, and immediately consumes
// one or two of them to record the block itself (always an ADMIN slot; an
// EXTERN slot too, if the raw heap's own rounding produced slack), filing
// both into the address map. This mirrors alloc_slots + the ADMIN/EXTERN
// half of get_slot.
func (p *Pool) refill(level int) error {
	mem, extern, err := p.heap.Alloc(config.BlockSize)
	if err != nil {
		return fmt.Errorf("slab: refill level %d: %w", level, err)
	}

	n := slotsPerBlock(level)
	for i := 0; i < n; i++ {
		p.push(level, slot.New(level))
	}

	p.adminBlocks++
	p.blocks[mem] = &entryBlock{
		magic1: config.EntryBlockMagic1,
		magic2: config.EntryBlockMagic2,
		magic3: config.EntryBlockMagic3,
		level:  level,
		base:   mem,
	}

	admin := p.pop(level)
	if admin == nil {
		return faults.New(faults.AddressList, "slab.refill", uintptr(mem), faults.Site{}, faults.Site{})
	}
	admin.Flags = slot.Admin
	admin.Memory = mem
	admin.TotalSize = config.BlockSize
	admin.AdminLevel = level
	p.insertAddr(admin)

	if extern.Blocks > 0 {
		ext := p.pop(level)
		if ext == nil {
			return faults.New(faults.AddressList, "slab.refill", uintptr(mem), faults.Site{}, faults.Site{})
		}
		ext.Flags = slot.Extern
		ext.Memory = extern.Addr
		ext.TotalSize = extern.Blocks * config.BlockSize
		p.insertAddr(ext)
		p.externBlocks++
	}

	xlog.Log([]any{"%v", xlog.Dict("block", "level", level, "base", mem, "extern_blocks", extern.Blocks)},
		"alloc_slots", "refilled %d slots", n)

	return nil
}

func (p *Pool) insertAddr(s *slot.Slot) {
	var upd skiplist.Update
	p.addr.FindKey(uint64(s.Memory), &upd)
	p.addr.Insert(s, &upd)
}

// CheckBlock verifies the recorded magic numbers and level of the
// entry-block backing an ADMIN slot's Memory address, for check_heap's
// admin-block pass (spec.md §4.7). It reports AdminList when addr names no
// known block, or when the admin slot's own AdminLevel field disagrees with
// what this pool minted the block at.
func (p *Pool) CheckBlock(addr slot.Addr, wantLevel int) error {
	eb, ok := p.blocks[addr]
	if !ok {
		return faults.New(faults.AdminList, "check_heap", uintptr(addr), faults.Site{}, faults.Site{})
	}

	if eb.magic1 != config.EntryBlockMagic1 ||
		eb.magic2 != config.EntryBlockMagic2 ||
		eb.magic3 != config.EntryBlockMagic3 ||
		eb.level != wantLevel {
		return faults.New(faults.AdminList, "check_heap", uintptr(addr), faults.Site{}, faults.Site{})
	}

	return nil
}
