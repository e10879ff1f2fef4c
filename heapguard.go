// Package heapguard is the thinnest possible shim over
// [github.com/flier/heapguard/internal/chunk]: the public entry points
// spec.md §6 describes (malloc, calloc, realloc, recalloc, memalign,
// valloc, free, inspect, verify), each serialized behind one process-wide
// lock per spec.md §5, with the calling file/line captured automatically
// the way dmalloc's own `__FILE__`/`__LINE__` macro-wrapped shims do.
//
// This package owns no algorithm of its own — every invariant and
// corruption check lives in internal/chunk and the packages it composes.
// It exists only so the core is reachable as an ordinary Go API instead of
// a C ABI.
package heapguard

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/flier/heapguard/internal/chunk"
	"github.com/flier/heapguard/internal/config"
	"github.com/flier/heapguard/internal/faults"
	"github.com/flier/heapguard/internal/heap"
	"github.com/flier/heapguard/internal/slot"
	"github.com/flier/heapguard/internal/stats"
)

// Ptr is an opaque handle to a tracked allocation, the Go analog of the
// pointers dmalloc's shims hand back to C callers. The zero Ptr is null.
type Ptr uintptr

// IsNil reports whether p is the null pointer.
func (p Ptr) IsNil() bool { return p == 0 }

func (p Ptr) String() string {
	if p == 0 {
		return "<nil>"
	}
	return fmt.Sprintf("%#x", uintptr(p))
}

func toAddr(p Ptr) slot.Addr { return slot.Addr(p) }
func toPtr(a slot.Addr) Ptr  { return Ptr(a) }

// Config configures a [Heap]'s debug behavior and resource limits, the Go
// shape of spec.md §6's runtime-flag-word and compile-time-token surface.
type Config struct {
	// Flags is the runtime debug-flag word (CheckFence, FreeBlank, ...).
	Flags config.Flags
	// MemoryLimit caps Σ total_size over live USER slots; 0 means
	// unlimited.
	MemoryLimit int
	// Delay is how many allocation iterations a freed chunk dwells in
	// quarantine before it is eligible for reuse. 0 selects
	// config.FreedPointerDelay.
	Delay uint64
	// TopSites bounds the top-N allocation-site attribution table's
	// capacity. 0 selects config.MemoryTableTopLogDefault.
	TopSites int
	// Capacity is the raw backing buffer size in bytes; 0 selects
	// internal/heap's default.
	Capacity int
	// Handler, if set, is invoked for every fault any Heap detects from this
	// point on (spec.md §7's "invoke the error handler" step), installed
	// process-wide via [faults.SetHandler] — dmalloc's handler is a single
	// process-global hook, not one scoped per heap. Leave nil to keep
	// whatever handler is already installed (faults.DefaultHandler if none
	// ever was).
	Handler faults.Handler
}

// Heap is the public handle to one tracked debugging heap.
//
// A zero Heap is not ready to use; call [New].
type Heap struct {
	mu sync.Mutex
	c  *chunk.Chunk
}

// New creates a Heap configured by cfg.
func New(cfg Config) *Heap {
	if cfg.Delay == 0 {
		cfg.Delay = config.FreedPointerDelay
	}
	if cfg.TopSites == 0 {
		cfg.TopSites = config.MemoryTableTopLogDefault
	}
	if cfg.Handler != nil {
		faults.SetHandler(cfg.Handler)
	}

	return &Heap{
		c: chunk.New(heap.New(cfg.Capacity), cfg.Flags, cfg.MemoryLimit, cfg.Delay, cfg.TopSites),
	}
}

// caller resolves the (file, line) of the frame skip levels above its own,
// the Go stand-in for the __FILE__/__LINE__ capture every dmalloc shim
// performs at its call site.
func caller(skip int) slot.Attribution {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return slot.Attribution{}
	}
	return slot.Attribution{File: file, Line: line}
}

// Malloc allocates size bytes, returning the null Ptr and a *faults.Fault
// on failure.
func (h *Heap) Malloc(size int) (Ptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, err := h.c.Malloc(caller(2), size)
	return toPtr(p), err
}

// Calloc allocates n*size zeroed bytes.
func (h *Heap) Calloc(n, size int) (Ptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	total, err := mulSize(n, size)
	if err != nil {
		return 0, err
	}

	p, err := h.c.Calloc(caller(2), total)
	return toPtr(p), err
}

// Memalign allocates size bytes aligned to a multiple of align.
func (h *Heap) Memalign(align, size int) (Ptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, err := h.c.Memalign(caller(2), align, size)
	return toPtr(p), err
}

// Valloc allocates size bytes aligned to the page (basic block) boundary.
func (h *Heap) Valloc(size int) (Ptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, err := h.c.Valloc(caller(2), size)
	return toPtr(p), err
}

// Realloc resizes p's allocation to newSize, in place when it fits and the
// debug flags allow it, otherwise via allocate-copy-free. p == 0 does not
// behave like Malloc: it is refused with an IS_NULL fault, matching
// dmalloc's own shim rather than glibc's; use Malloc directly for a first
// allocation.
func (h *Heap) Realloc(p Ptr, newSize int) (Ptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	np, err := h.c.Realloc(caller(2), toAddr(p), newSize)
	return toPtr(np), err
}

// Recalloc is Realloc for a zeroed-semantics caller: the newly exposed
// tail (in place) or the whole new chunk (copy path) is zero-filled
// instead of poisoned.
func (h *Heap) Recalloc(p Ptr, newSize int) (Ptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	np, err := h.c.Recalloc(caller(2), toAddr(p), newSize)
	return toPtr(np), err
}

// Free releases p. p == 0 is a no-op unless Config.Flags has ErrorFreeNull
// set.
func (h *Heap) Free(p Ptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.c.Free(caller(2), toAddr(p))
}

// Info is a snapshot of one tracked allocation's externally visible state,
// returned by [Heap.Inspect].
type Info struct {
	UserSize  int
	TotalSize int
	File      string
	Line      int
	Seen      int
	Iteration uint64
	IsValloc  bool
	HasFence  bool
}

// Inspect reports p's tracked state.
func (h *Heap) Inspect(p Ptr) (Info, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	in, err := h.c.Inspect(caller(2), toAddr(p))
	if err != nil {
		return Info{}, err
	}

	return Info{
		UserSize:  in.UserSize,
		TotalSize: in.TotalSize,
		File:      in.Attr.File,
		Line:      in.Attr.Line,
		Seen:      in.Seen,
		Iteration: in.Iteration,
		IsValloc:  in.IsValloc,
		HasFence:  in.HasFence,
	}, nil
}

// Verify checks p's chunk for corruption (fence overrun/underrun,
// use-after-free). p == 0 checks the whole heap instead, per spec.md §6
// ("p = null ⇒ whole-heap check").
func (h *Heap) Verify(p Ptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if p == 0 {
		return h.c.CheckHeap()
	}
	return h.c.CheckPointer(caller(2), toAddr(p), 0)
}

// WillFit reports whether writing n bytes starting at p would stay within
// p's tracked user region, faulting WouldOverwrite if not. This is the
// Go shape of dmalloc's check-pointer-with-minimum-size entry point.
func (h *Heap) WillFit(p Ptr, n int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.c.CheckPointer(caller(2), toAddr(p), n)
}

// Bytes returns the raw backing bytes for the n bytes starting at p: the
// only way to actually read or write through an allocation this package
// hands back, since Ptr is an opaque handle rather than an unsafe.Pointer.
func (h *Heap) Bytes(p Ptr, n int) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.c.Bytes(toAddr(p), n)
}

// Counters returns a snapshot of the running allocation counters (spec.md
// §8's "basic counters" scenario).
func (h *Heap) Counters() chunkCounters {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.c.Stats().Counters
}

// chunkCounters aliases internal/stats.Counters so the facade's exported
// surface doesn't otherwise need to import internal/stats just for this
// one type.
type chunkCounters = stats.Counters

// TopSites reports the n allocation call-sites currently responsible for
// the most live bytes.
func (h *Heap) TopSites(n int) []stats.Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.c.Stats().TopSites(n)
}

// Mark captures the current allocation iteration as a point in time for a
// later [Heap.LogChanged] call.
func (h *Heap) Mark() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.c.Stats().Mark()
}

// LogChanged reports the allocation-site aggregates for every tracked slot
// that has changed since mark: notFreed includes still-live allocations,
// freed includes slots freed since, and detail switches from per-site
// aggregates to one row per surviving pointer.
func (h *Heap) LogChanged(mark uint64, notFreed, freed, detail bool) []stats.Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.c.LogChanged(mark, notFreed, freed, detail)
}

// Committed reports how many bytes the raw heap provider has claimed from
// its backing buffer so far.
func (h *Heap) Committed() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.c.Committed()
}

// KindOf returns the faults.Kind of err, or 0 if err is not a tracked
// fault, letting callers branch on the taxonomy of spec.md §7 without
// importing internal/faults directly.
func KindOf(err error) faults.Kind { return faults.KindOf(err) }

// mulSize multiplies n by size for Calloc, reporting BadSize on overflow
// or a negative operand rather than silently wrapping.
func mulSize(n, size int) (int, error) {
	if n < 0 || size < 0 {
		return 0, faults.New(faults.BadSize, "calloc", 0, faults.Site{}, faults.Site{})
	}
	if n == 0 || size == 0 {
		return 0, nil
	}

	total := n * size
	if total/n != size {
		return 0, faults.New(faults.BadSize, "calloc", 0, faults.Site{}, faults.Site{})
	}
	return total, nil
}
