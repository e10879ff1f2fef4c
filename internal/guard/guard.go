// Package guard implements the guard/poison engine of spec.md §4.4: fence
// post placement and verification around a USER chunk, and the fill
// policy (alloc-fill, free-fill, zero-fill) that makes use-after-free and
// uninitialized-read bugs visible.
//
// Grounded on original_source/chunk.c's get_pnt_info (pointer-info
// derivation), clear_alloc (fill/fence writing on allocation), fence_read
// (fence verification), and check_free_slot (the FREE+BLANK scan).
package guard

import (
	"github.com/flier/heapguard/internal/config"
	"github.com/flier/heapguard/internal/faults"
	"github.com/flier/heapguard/internal/heap"
	"github.com/flier/heapguard/internal/slot"
	"github.com/flier/heapguard/internal/xlog"
)

// Info is the set of derived pointer boundaries within one slot's chunk,
// matching chunk.c's pnt_info_t. It is pure bookkeeping: computing it never
// touches memory.
type Info struct {
	FenceB, VallocB bool

	AllocStart  slot.Addr // first byte of the whole chunk (== slot.Memory)
	FenceBottom slot.Addr // start of the bottom fence, or 0 if unfenced
	UserStart   slot.Addr // first byte the user actually sees
	UserBounds  slot.Addr // one past the user's last byte
	FenceTop    slot.Addr // start of the top fence (== UserBounds), or 0 if unfenced
	UpperBounds slot.Addr // limit of in-place growth: AllocBounds, less the top fence size if fenced
	AllocBounds slot.Addr // one past the whole chunk
}

// Derive computes Info for s. s must carry its final Memory/TotalSize/
// UserSize/Flags — i.e. this is called once sizing has decided how big the
// chunk is, not before.
func Derive(s *slot.Slot) Info {
	var info Info

	info.FenceB = s.HasFence()
	info.VallocB = s.HasValloc()
	info.AllocStart = s.Memory

	switch {
	case info.FenceB && info.VallocB:
		// A fenced valloc reserves a whole leading block so the user
		// region itself starts block-aligned; the fence sits just below
		// it.
		info.UserStart = s.Memory.ByteAdd(config.BlockSize)
		info.FenceBottom = info.UserStart.ByteAdd(-config.FenceBottomSize)
	case info.FenceB:
		info.FenceBottom = info.AllocStart
		info.UserStart = info.AllocStart.ByteAdd(config.FenceBottomSize)
	default:
		info.FenceBottom = 0
		info.UserStart = info.AllocStart
	}

	info.UserBounds = info.UserStart.ByteAdd(s.UserSize)
	info.AllocBounds = s.Memory.ByteAdd(s.TotalSize)

	if info.FenceB {
		info.FenceTop = info.UserBounds
		info.UpperBounds = info.AllocBounds.ByteAdd(-config.FenceTopSize)
	} else {
		info.FenceTop = 0
		info.UpperBounds = info.AllocBounds
	}

	return info
}

// Func identifies which allocation entry point is filling memory, since
// calloc-family calls zero instead of using the alloc-fill pattern.
type Func int

const (
	Malloc Func = iota
	Calloc
	Realloc
	Recalloc
	Memalign
	Valloc
)

func (f Func) zeroFills() bool { return f == Calloc || f == Recalloc }

// Engine writes and verifies guard bytes against a raw heap's backing
// storage.
type Engine struct {
	heap *heap.Heap
}

// New creates an Engine writing into h's backing storage.
func New(h *heap.Heap) *Engine { return &Engine{heap: h} }

func (e *Engine) bytes(addr slot.Addr, n int) []byte {
	if n <= 0 {
		return nil
	}
	return e.heap.Bytes(addr, n)
}

// WriteNew lays down fence posts and fill bytes for a freshly sized chunk,
// per clear_alloc. oldSize is the number of leading user bytes already
// valid (copied in by a realloc); pass 0 for a brand new allocation.
func (e *Engine) WriteNew(info Info, oldSize int, fn Func, flags config.Flags) {
	if n := info.FenceBottom.Sub(info.AllocStart); info.FenceB && n > 0 &&
		(flags.Has(config.FreeBlank) || flags.Has(config.CheckBlank)) {
		fillByte(e.bytes(info.AllocStart, n), config.FreeFillByte)
	}

	start := info.UserStart.ByteAdd(oldSize)
	if n := info.UserBounds.Sub(start); n > 0 {
		if fn.zeroFills() {
			clear(e.bytes(start, n))
		} else if flags.Has(config.AllocBlank) || flags.Has(config.CheckBlank) {
			fillByte(e.bytes(start, n), config.AllocFillByte)
		}
	}

	if info.FenceB {
		writeFencePattern(e.bytes(info.FenceBottom, config.FenceBottomSize), config.FenceBottomPattern)
		writeFencePattern(e.bytes(info.FenceTop, config.FenceTopSize), config.FenceTopPattern)
	}

	if flags.Has(config.FreeBlank) || flags.Has(config.CheckBlank) {
		var tailStart slot.Addr
		if info.FenceB {
			tailStart = info.FenceTop.ByteAdd(config.FenceTopSize)
		} else {
			tailStart = info.UserBounds
		}
		if n := info.AllocBounds.Sub(tailStart); n > 0 {
			fillByte(e.bytes(tailStart, n), config.FreeFillByte)
		}
	}
}

// WriteFreed overwrites an entire freed chunk with FreeFillByte and reports
// whether the slot should carry the Blank flag afterward, per the
// FREE_BLANK/CHECK_BLANK branch chunk.c's free path takes right before
// filing a slot onto the free-size map.
func (e *Engine) WriteFreed(s *slot.Slot, flags config.Flags) bool {
	if !flags.Has(config.FreeBlank) && !flags.Has(config.CheckBlank) {
		return false
	}
	fillByte(e.bytes(s.Memory, s.TotalSize), config.FreeFillByte)
	return true
}

// VerifyFence checks the fence-post regions of info against the expected
// patterns, per fence_read. addr is the user pointer, reported on failure.
func (e *Engine) VerifyFence(info Info, addr slot.Addr) error {
	if !info.FenceB {
		return nil
	}

	if !matchesFencePattern(e.bytes(info.FenceBottom, config.FenceBottomSize), config.FenceBottomPattern) {
		xlog.Log(nil, "check_pointer", "bad bottom fence at %v for %v", info.FenceBottom, addr)
		return faults.New(faults.UnderFence, "check_pointer", uintptr(addr), faults.Site{}, faults.Site{})
	}
	if !matchesFencePattern(e.bytes(info.FenceTop, config.FenceTopSize), config.FenceTopPattern) {
		xlog.Log(nil, "check_pointer", "bad top fence at %v for %v", info.FenceTop, addr)
		return faults.New(faults.OverFence, "check_pointer", uintptr(addr), faults.Site{}, faults.Site{})
	}

	return nil
}

// VerifyBlank checks that every byte of a FREE+BLANK slot's chunk is still
// FreeFillByte, per check_free_slot. A non-blank byte means something wrote
// to memory after it was freed: a use-after-free.
func (e *Engine) VerifyBlank(s *slot.Slot) error {
	if !s.IsFree() || !s.HasBlank() {
		return nil
	}

	for _, b := range e.bytes(s.Memory, s.TotalSize) {
		if b != config.FreeFillByte {
			xlog.Log(nil, "check_heap", "non-blank byte %#x found in freed slot %v", b, s.Memory)
			return faults.New(faults.FreeNonBlank, "check_heap", uintptr(s.Memory), faults.Site{}, faults.Site{})
		}
	}

	return nil
}

func fillByte(buf []byte, b byte) {
	for i := range buf {
		buf[i] = b
	}
}

func clear(buf []byte) { fillByte(buf, 0) }

func writeFencePattern(buf []byte, pattern uint32) {
	for i := range buf {
		buf[i] = byte(pattern >> (8 * (i % 4)))
	}
}

func matchesFencePattern(buf []byte, pattern uint32) bool {
	for i, b := range buf {
		if b != byte(pattern>>(8*(i%4))) {
			return false
		}
	}
	return true
}
