// Package heap implements the raw heap provider: spec.md §6's external
// collaborator that hands the chunk manager page-aligned basic blocks and
// tells it how many additional blocks were claimed implicitly.
//
// This is explicitly out of scope for deep design in spec.md §1 ("treated
// as an external collaborator"), but the chunk manager needs a concrete,
// testable implementation to run against, so this package provides the
// simplest faithful one: a single fixed backing buffer, carved out
// block-by-block, that simulates an OS allocator rounding each growth
// request up to a coarser page boundary (the source of EXTERN regions).
//
// The backing buffer is allocated once through
// [github.com/flier/heapguard/pkg/arena], the same low-level arena
// allocator the rest of this module's teacher lineage uses for
// high-performance bulk memory, and is never grown or moved: every address
// handed out by [Heap.Alloc] stays valid for the Heap's entire lifetime,
// matching the reference design's "never returns memory to the OS".
package heap

import (
	"fmt"

	"github.com/flier/heapguard/internal/config"
	"github.com/flier/heapguard/pkg/arena"
	"github.com/flier/heapguard/pkg/xunsafe"
	"github.com/flier/heapguard/pkg/xunsafe/layout"
)

// Addr is an address into the raw heap's backing buffer.
type Addr = xunsafe.Addr[byte]

// osPageBlocks is how many basic blocks the simulated OS allocator rounds
// a growth request up to. A value greater than 1 guarantees that the
// provider will, from time to time, claim more blocks than requested and
// report the surplus as EXTERN, exactly as spec.md §6 describes for a real
// brk/mmap-backed allocator.
const osPageBlocks = 4

// DefaultCapacity is the backing-buffer size [New] uses when it is given a
// capacity <= 0. It bounds how many basic blocks a single Heap can
// ever hand out; callers embedding this in long-running tests should size
// it generously, since it is never grown.
const DefaultCapacity = 256 << 20 // 256 MiB

// Heap is a raw heap provider.
//
// A zero Heap is not ready to use; call [New].
type Heap struct {
	arena *arena.Arena // keeps backing's block alive; never Reset.

	backing   []byte
	base      Addr
	claimed   int // bytes of backing actually "mapped" (committed + slack)
	committed int // bytes explicitly handed out via Alloc, cumulative
}

// New creates a Heap with the given backing capacity, in bytes. capacity is
// rounded up to a multiple of config.BlockSize * osPageBlocks.
func New(capacity int) *Heap {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	pageBytes := config.BlockSize * osPageBlocks
	capacity = layout.RoundUp(capacity, pageBytes)

	a := new(arena.Arena)
	p := a.Alloc(capacity)

	backing := unsafeSlice(p, capacity)

	return &Heap{
		arena:   a,
		backing: backing,
		base:    xunsafe.AddrOf(&backing[0]),
	}
}

// Base returns the address of the first byte this Heap will ever hand out.
func (h *Heap) Base() Addr { return h.base }

// HighWater returns the address one past the last byte this Heap has
// claimed from the simulated OS, including any EXTERN slack.
func (h *Heap) HighWater() Addr { return h.base.ByteAdd(h.claimed) }

// IsInHeap reports whether p falls within [Base, HighWater).
func (h *Heap) IsInHeap(p Addr) bool {
	return p >= h.base && p < h.HighWater()
}

// Committed returns the cumulative bytes explicitly handed out via Alloc so
// far, not counting EXTERN slack. The chunk manager's memory limit is
// checked against its own given-bytes counter, not against this figure.
func (h *Heap) Committed() int { return h.committed }

// Alloc requests at least bytes from the raw heap, rounded up to a whole
// number of basic blocks. It returns the base address of the requested
// region, and — when the simulated OS had to round its own claim up to a
// coarser page boundary — the base address and block count of the
// resulting EXTERN slack the caller must track so that invariant 1 (every
// in-heap address is below the high-water mark) keeps holding.
//
// extern.Blocks is 0 (and extern.Addr the zero Addr) when no slack was
// produced by this call.
func (h *Heap) Alloc(bytes int) (mem Addr, extern Extern, err error) {
	if bytes <= 0 {
		return 0, Extern{}, fmt.Errorf("heap: alloc size must be positive, got %d", bytes)
	}

	want := layout.RoundUp(bytes, config.BlockSize)

	mem = h.base.ByteAdd(h.committed)
	targetEnd := h.committed + want

	if targetEnd > h.claimed {
		pageBytes := config.BlockSize * osPageBlocks
		newClaimed := layout.RoundUp(targetEnd, pageBytes)

		if newClaimed > len(h.backing) {
			return 0, Extern{}, fmt.Errorf("heap: backing buffer exhausted (%d bytes)", len(h.backing))
		}

		slack := newClaimed - targetEnd
		if slack > 0 {
			extern = Extern{
				Addr:   h.base.ByteAdd(targetEnd),
				Blocks: slack / config.BlockSize,
			}
		}

		h.claimed = newClaimed
	}

	h.committed = targetEnd

	return mem, extern, nil
}

// Extern describes a region the raw heap provider claimed implicitly, that
// the chunk manager must record as an EXTERN slot so address lookups stay
// sound (invariant 1/2).
type Extern struct {
	Addr   Addr
	Blocks int
}

// Bytes returns the byte slice in this Heap's backing buffer spanning
// [addr, addr+n). Panics if the range is not entirely in-heap.
func (h *Heap) Bytes(addr Addr, n int) []byte {
	if n < 0 || !h.IsInHeap(addr) || (n > 0 && !h.IsInHeap(addr.ByteAdd(n-1))) {
		panic(fmt.Sprintf("heap: out-of-range access at %v, len %d", addr, n))
	}

	off := addr.ByteSub(h.base)

	return h.backing[off : off+n]
}
