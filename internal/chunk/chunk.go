// Package chunk implements the chunk policy and integrity checker of
// spec.md §4.6 and §4.7: the orchestrator that ties the address map, the
// free-size map, the metadata slab pool, the guard/poison engine, the
// quarantine queue, and the statistics table into the seven user-visible
// entry points (malloc, calloc, realloc, recalloc, memalign, valloc, free)
// plus the whole-heap and per-pointer checkers.
//
// Grounded on original_source/chunk.c's _dmalloc_chunk_malloc,
// _dmalloc_chunk_free, _dmalloc_chunk_realloc, get_memory /
// get_divided_memory / create_divided_chunks / use_free_memory (size
// routing and divided-block reuse), check_used_slot / find_slot (pointer
// validation), and the two-pass check_heap walk.
package chunk

import (
	"github.com/flier/heapguard/internal/config"
	"github.com/flier/heapguard/internal/faults"
	"github.com/flier/heapguard/internal/guard"
	"github.com/flier/heapguard/internal/heap"
	"github.com/flier/heapguard/internal/quarantine"
	"github.com/flier/heapguard/internal/skiplist"
	"github.com/flier/heapguard/internal/slab"
	"github.com/flier/heapguard/internal/slot"
	"github.com/flier/heapguard/internal/stats"
	"github.com/flier/heapguard/internal/xlog"
)

// naturalAlignment is the alignment every allocation already carries
// without memalign's help, the threshold below which memalign(align, n)
// degrades to a plain allocation (spec.md §4.6).
const naturalAlignment = 2 * config.PointerBytes

// Chunk is the chunk manager: the single aggregate spec.md §9's "global
// state" note describes, reachable only through its own methods, each of
// which a caller must serialize behind one process-wide lock (spec.md §5).
// A zero Chunk is not ready to use; call [New].
type Chunk struct {
	heap       *heap.Heap
	slab       *slab.Pool
	addr       *skiplist.List // ordered by slot.Memory
	free       *skiplist.List // ordered by slot.TotalSize
	quarantine *quarantine.Queue
	guard      *guard.Engine
	stats      *stats.Stats

	flags    config.Flags
	memLimit int
}

// New creates a Chunk manager drawing raw memory from h. flags is the
// runtime debug-flag word (spec.md §6); memLimit is the overallocation
// ceiling in bytes, 0 meaning unlimited; delay is the quarantine dwell
// time, in allocation iterations; topCapacity bounds the allocation-site
// attribution table.
func New(h *heap.Heap, flags config.Flags, memLimit int, delay uint64, topCapacity int) *Chunk {
	addr := skiplist.New(func(s *slot.Slot) uint64 { return uint64(s.Memory) })
	free := skiplist.New(func(s *slot.Slot) uint64 { return uint64(s.TotalSize) })

	return &Chunk{
		heap:       h,
		slab:       slab.New(h, addr),
		addr:       addr,
		free:       free,
		quarantine: quarantine.New(delay),
		guard:      guard.New(h),
		stats:      stats.New(topCapacity),
		flags:      flags,
		memLimit:   memLimit,
	}
}

// Stats returns the manager's statistics and attribution tracker, for the
// inspect/verify shims the root facade exposes.
func (c *Chunk) Stats() *stats.Stats { return c.stats }

func statsSite(attr slot.Attribution) stats.Site {
	return stats.Site{File: attr.File, Line: attr.Line}
}

func opName(fn guard.Func) string {
	switch fn {
	case guard.Malloc:
		return "malloc"
	case guard.Calloc:
		return "calloc"
	case guard.Realloc:
		return "realloc"
	case guard.Recalloc:
		return "recalloc"
	case guard.Memalign:
		return "memalign"
	case guard.Valloc:
		return "valloc"
	default:
		return "alloc"
	}
}

func (c *Chunk) bumpCallCounter(fn guard.Func) {
	switch fn {
	case guard.Malloc:
		c.stats.Counters.MallocCalls++
	case guard.Calloc:
		c.stats.Counters.CallocCalls++
	case guard.Realloc:
		c.stats.Counters.ReallocCalls++
	case guard.Recalloc:
		c.stats.Counters.RecallocCalls++
	case guard.Memalign:
		c.stats.Counters.MemalignCalls++
	case guard.Valloc:
		c.stats.Counters.VallocCalls++
	}
}

// dividedSize rounds n up to the smallest power of two that is both >= n
// and >= config.DividedMin, the Go stand-in for the reference design's
// precomputed bit_sizes lookup table.
func dividedSize(n int) int {
	size := config.DividedMin
	for size < n {
		size <<= 1
	}
	return size
}

// checkLimit reports OverLimit if servicing an allocation needing want more
// given bytes would push the running total past the configured memory
// limit, per get_memory's "alloc_cur_given + size > memory_limit" check.
func (c *Chunk) checkLimit(want int) error {
	if c.memLimit <= 0 {
		return nil
	}
	if int(c.stats.Counters.AllocCurrentGivenBytes)+want > c.memLimit {
		return faults.New(faults.OverLimit, "get_memory", 0, faults.Site{}, faults.Site{})
	}
	return nil
}

// drainQuarantine releases every quarantined slot old enough to reenter
// the free-size map, per spec.md §4.5 ("before any reuse attempt, drain
// the head ..."). release already stamped these slots FREE (and BLANK, if
// applicable) before admitting them to quarantine, so this only needs to
// re-file them; it must not touch Flags itself, or a drained slot would
// silently lose the BLANK bit the reuse path's use-after-free check relies
// on.
func (c *Chunk) drainQuarantine() {
	c.quarantine.Drain(c.stats.Iteration(), func(s *slot.Slot) {
		c.insertFree(s)
	})
}

// verifyReuse checks a slot about to be pulled off the free-size map for
// reuse: per spec.md §4.4 ("a free slot claimed BLANK must still be fully
// FREE_FILL; the reuse path verifies this to catch use-after-free
// writes"), grounded on chunk.c's check_free_slot called from
// use_free_memory ahead of handing a block back out.
func (c *Chunk) verifyReuse(s *slot.Slot) error {
	if !s.HasBlank() {
		return nil
	}
	return c.guard.VerifyBlank(s)
}

func (c *Chunk) insertAddr(s *slot.Slot) {
	var upd skiplist.Update
	c.addr.FindKey(uint64(s.Memory), &upd)
	c.addr.Insert(s, &upd)
}

func (c *Chunk) insertFree(s *slot.Slot) {
	var upd skiplist.Update
	c.free.FindKey(uint64(s.TotalSize), &upd)
	c.free.Insert(s, &upd)
}

// trackExtern records an EXTERN slot for slack the raw heap claimed
// implicitly on top of a requested region, so address-map completeness
// (invariant 1/2) survives the rounding. The bookkeeping slot itself comes
// from the metadata slab pool, the same as every other non-USER slot.
func (c *Chunk) trackExtern(extern heap.Extern) error {
	if extern.Blocks == 0 {
		return nil
	}

	s, err := c.slab.Acquire()
	if err != nil {
		return err
	}
	s.Flags = slot.Extern
	s.Memory = extern.Addr
	s.TotalSize = extern.Blocks * config.BlockSize
	c.insertAddr(s)

	return nil
}

// dividedChunk services a size already known to be <= block-size/2: reuse
// an exact-size FREE sub-chunk if one is filed on the free-size map,
// otherwise carve a fresh basic block into sub-chunks of that size (§4.6
// "divided path").
func (c *Chunk) dividedChunk(size int) (*slot.Slot, error) {
	size = dividedSize(size)

	c.drainQuarantine()

	var upd skiplist.Update
	if found, ok := c.free.FindKey(uint64(size), &upd); ok {
		if err := c.free.Remove(found, &upd); err != nil {
			return nil, err
		}
		if err := c.verifyReuse(found); err != nil {
			return nil, err
		}
		return found, nil
	}

	return c.carveDivided(size)
}

// carveDivided claims one basic block and splits it into equal sub-chunks
// of size bytes, filing all but one onto the free-size map and returning
// the last to the caller, per create_divided_chunks.
func (c *Chunk) carveDivided(size int) (*slot.Slot, error) {
	mem, extern, err := c.heap.Alloc(config.BlockSize)
	if err != nil {
		return nil, err
	}
	if err := c.trackExtern(extern); err != nil {
		return nil, err
	}

	count := config.BlockSize / size

	slots := make([]*slot.Slot, 0, count)
	for i := 0; i < count; i++ {
		s, err := c.slab.Acquire()
		if err != nil {
			return nil, err
		}
		s.Memory = mem.ByteAdd(i * size)
		s.TotalSize = size
		slots = append(slots, s)
	}

	for _, s := range slots {
		c.insertAddr(s)
	}
	for _, s := range slots[:count-1] {
		s.Flags = slot.Free
		c.insertFree(s)
	}

	xlog.Log(nil, "create_divided_chunks", "carved %d slots of %d bytes from block %v", count, size, mem)

	return slots[count-1], nil
}

// multiBlockChunk services a size already known to be > block-size/2:
// reuse the smallest FREE slot whose total_size is >= the rounded
// requirement, otherwise claim fresh whole blocks, per get_memory's
// "else" branch and use_free_memory.
func (c *Chunk) multiBlockChunk(size int) (*slot.Slot, error) {
	blocks := (size + config.BlockSize - 1) / config.BlockSize
	total := blocks * config.BlockSize

	c.drainQuarantine()

	var upd skiplist.Update
	if found, ok := c.free.FindGE(uint64(total), &upd); ok {
		if err := c.free.Remove(found, &upd); err != nil {
			return nil, err
		}
		if err := c.verifyReuse(found); err != nil {
			return nil, err
		}
		return found, nil
	}

	mem, extern, err := c.heap.Alloc(total)
	if err != nil {
		return nil, err
	}
	if err := c.trackExtern(extern); err != nil {
		return nil, err
	}

	s, err := c.slab.Acquire()
	if err != nil {
		return nil, err
	}
	s.Memory = mem
	s.TotalSize = total
	c.insertAddr(s)

	return s, nil
}

// newChunk routes a request to the divided or multi-block path and
// returns a slot with Memory/TotalSize set but no role flags yet (the
// caller decides USER vs. how to stamp it).
func (c *Chunk) newChunk(userSize int, fence, valloc bool) (*slot.Slot, error) {
	size := userSize
	if fence {
		size += config.FenceBottomSize + config.FenceTopSize
	}
	if valloc && fence {
		// A fenced valloc reserves a whole leading block so the user
		// region starts block-aligned with the bottom fence just below
		// it (guard.Derive's FenceB&&VallocB layout).
		size += config.BlockSize
	}

	if err := c.checkLimit(size); err != nil {
		return nil, err
	}

	if !valloc && size <= config.BlockSize/2 {
		return c.dividedChunk(size)
	}
	return c.multiBlockChunk(size)
}

// place carves or reuses a chunk and stamps it USER, without touching call
// counters or the iteration clock — the shared core between the public
// allocation entry points and realloc's allocate-copy-free path, which
// must not recount or re-advance either (the reference design's func_id
// dispatch skips counting these internal calls the same way).
func (c *Chunk) place(attr slot.Attribution, userSize int, fn guard.Func, valloc bool) (slot.Addr, error) {
	if userSize == 0 {
		if !c.flags.Has(config.AllowAllocZeroSize) {
			return 0, faults.New(faults.BadSize, opName(fn), 0, attr.Site(), faults.Site{})
		}
		userSize = 1
	}
	if userSize > config.LargestAllocation {
		return 0, faults.New(faults.TooBig, opName(fn), 0, attr.Site(), faults.Site{})
	}

	fence := c.flags.Has(config.CheckFence)

	s, err := c.newChunk(userSize, fence, valloc)
	if err != nil {
		return 0, err
	}

	s.UserSize = userSize
	s.Flags = slot.User
	if fence {
		s.Flags |= slot.Fence
	}
	if valloc {
		s.Flags |= slot.Valloc
	}
	s.Attr = attr
	s.Iteration = c.stats.Iteration()

	info := guard.Derive(s)
	c.guard.WriteNew(info, 0, fn, c.flags)

	c.stats.RecordAlloc(statsSite(attr), userSize)
	c.stats.Counters.AllocCurrentGivenBytes += uint64(s.TotalSize)

	xlog.Log(nil, opName(fn), "%v (%d bytes) from %s", info.UserStart, userSize, attr)

	return info.UserStart, nil
}

// alloc is the public allocation core: advance the iteration clock, count
// the call, then place the chunk.
func (c *Chunk) alloc(attr slot.Attribution, userSize int, fn guard.Func, valloc bool) (slot.Addr, error) {
	c.stats.Advance()
	c.bumpCallCounter(fn)

	return c.place(attr, userSize, fn, valloc)
}

// Malloc services a plain allocation request.
func (c *Chunk) Malloc(attr slot.Attribution, userSize int) (slot.Addr, error) {
	return c.alloc(attr, userSize, guard.Malloc, false)
}

// Calloc services a zeroed allocation request.
func (c *Chunk) Calloc(attr slot.Attribution, userSize int) (slot.Addr, error) {
	return c.alloc(attr, userSize, guard.Calloc, false)
}

// Memalign services an aligned allocation request. For align at or below
// the natural alignment every chunk already carries, this degrades to a
// plain malloc; for anything above that it forces a block-aligned chunk,
// the simplest faithful strategy spec.md §4.6 calls for. malloc.h's own
// memalign doc is explicit that align "must be a power of two and must be
// less than or equal to the block-size" — a caller asking for more than
// that is asking for a request this chunk manager doesn't carve.
func (c *Chunk) Memalign(attr slot.Attribution, align, userSize int) (slot.Addr, error) {
	if align <= naturalAlignment {
		return c.alloc(attr, userSize, guard.Memalign, false)
	}
	if align > config.BlockSize {
		return 0, xlog.Unsupported()
	}
	return c.alloc(attr, userSize, guard.Memalign, true)
}

// Valloc services a page-aligned allocation request: memalign(block-size,
// n).
func (c *Chunk) Valloc(attr slot.Attribution, userSize int) (slot.Addr, error) {
	return c.alloc(attr, userSize, guard.Valloc, true)
}

// release unlinks ptr's slot, poisons it, and either abandons it
// (NeverReuse) or admits it to quarantine. It does not touch call counters
// or the iteration clock, so realloc's allocate-copy-free path can share
// it with the public Free without double counting.
func (c *Chunk) release(attr slot.Attribution, ptr slot.Addr) error {
	var upd skiplist.Update
	s, ok := c.addr.FindLoose(uint64(ptr), &upd)
	if !ok {
		return faults.New(faults.NotFound, "free", uintptr(ptr), attr.Site(), faults.Site{})
	}

	info := guard.Derive(s)
	if ptr != info.UserStart {
		return faults.New(faults.NotFound, "free", uintptr(ptr), attr.Site(), s.Attr.Site())
	}

	switch s.Role() {
	case slot.User:
		// ok
	case slot.Free:
		// already freed: double free.
		return faults.New(faults.NotFound, "free", uintptr(ptr), attr.Site(), s.Attr.Site())
	default:
		return faults.New(faults.NotOnBlock, "free", uintptr(ptr), attr.Site(), s.Attr.Site())
	}

	if s.HasFence() {
		if err := c.guard.VerifyFence(info, ptr); err != nil {
			return err
		}
	}

	c.stats.RecordFree(statsSite(s.Attr), s.UserSize)
	c.stats.Counters.AllocCurrentGivenBytes -= uint64(s.TotalSize)

	blanked := c.guard.WriteFreed(s, c.flags)

	s.Flags = slot.Free
	if blanked {
		s.Flags |= slot.Blank
	}
	s.Attr = attr
	s.Iteration = c.stats.Iteration()

	xlog.Log(nil, "free", "%v from %s", ptr, attr)

	if c.flags.Has(config.NeverReuse) {
		return nil
	}

	c.quarantine.Push(s)

	return nil
}

// Free releases ptr. ptr == 0 is a no-op unless ErrorFreeNull is set.
func (c *Chunk) Free(attr slot.Attribution, ptr slot.Addr) error {
	c.stats.Advance()
	c.stats.Counters.FreeCalls++

	if ptr == 0 {
		if c.flags.Has(config.ErrorFreeNull) {
			return faults.New(faults.IsNull, "free", 0, attr.Site(), faults.Site{})
		}
		return nil
	}

	return c.release(attr, ptr)
}

// realloc is the shared core of Realloc and Recalloc.
func (c *Chunk) realloc(attr slot.Attribution, ptr slot.Addr, newSize int, fn guard.Func) (slot.Addr, error) {
	c.stats.Advance()
	c.bumpCallCounter(fn)

	if newSize == 0 && !c.flags.Has(config.AllowAllocZeroSize) {
		return 0, faults.New(faults.BadSize, opName(fn), uintptr(ptr), attr.Site(), faults.Site{})
	}
	if ptr == 0 {
		return 0, faults.New(faults.IsNull, opName(fn), 0, attr.Site(), faults.Site{})
	}
	if newSize == 0 {
		newSize = 1
	}

	var upd skiplist.Update
	s, ok := c.addr.FindLoose(uint64(ptr), &upd)
	if !ok {
		return 0, faults.New(faults.NotFound, opName(fn), uintptr(ptr), attr.Site(), faults.Site{})
	}

	info := guard.Derive(s)
	if ptr != info.UserStart || s.Role() != slot.User {
		return 0, faults.New(faults.NotFound, opName(fn), uintptr(ptr), attr.Site(), s.Attr.Site())
	}

	oldSize := s.UserSize
	oldSite := statsSite(s.Attr)
	newSite := statsSite(attr)

	fitsInPlace := info.UserStart.ByteAdd(newSize) <= info.UpperBounds
	if fitsInPlace && !c.flags.Has(config.ReallocCopy) && !c.flags.Has(config.NeverReuse) {
		s.UserSize = newSize

		newInfo := guard.Derive(s)
		c.guard.WriteNew(newInfo, oldSize, fn, c.flags)

		s.Attr = attr
		s.Iteration = c.stats.Iteration()

		c.stats.Resize(oldSite, newSite, oldSize, newSize)

		xlog.Log(nil, opName(fn), "%v in place %d -> %d bytes", newInfo.UserStart, oldSize, newSize)

		return newInfo.UserStart, nil
	}

	newPtr, err := c.place(attr, newSize, fn, s.HasValloc())
	if err != nil {
		return 0, err
	}

	n := oldSize
	if newSize < n {
		n = newSize
	}
	if n > 0 {
		copy(c.heap.Bytes(newPtr, n), c.heap.Bytes(info.UserStart, n))
	}

	if err := c.release(attr, ptr); err != nil {
		return 0, err
	}

	return newPtr, nil
}

// Realloc resizes ptr's allocation to newSize, in place when it fits and
// the debug flags allow it, otherwise via allocate-copy-free.
func (c *Chunk) Realloc(attr slot.Attribution, ptr slot.Addr, newSize int) (slot.Addr, error) {
	return c.realloc(attr, ptr, newSize, guard.Realloc)
}

// Recalloc is Realloc for a zeroed-semantics caller: the newly exposed
// tail (in place) or the whole new chunk (copy path) is zero-filled
// instead of ALLOC_FILL-poisoned.
func (c *Chunk) Recalloc(attr slot.Attribution, ptr slot.Addr, newSize int) (slot.Addr, error) {
	return c.realloc(attr, ptr, newSize, guard.Recalloc)
}

// checkUserSlot runs the per-category USER checks of spec.md §4.7.1
// against s, whose derived pointer info is already known.
func (c *Chunk) checkUserSlot(s *slot.Slot, info guard.Info) error {
	if s.Role() != slot.User {
		return faults.New(faults.NotOnBlock, "check_heap", uintptr(s.Memory), faults.Site{}, faults.Site{})
	}
	if s.UserSize > config.LargestAllocation {
		return faults.New(faults.BadSize, "check_heap", uintptr(s.Memory), s.Attr.Site(), faults.Site{})
	}

	if s.HasValloc() {
		if uint64(info.UserStart)%config.BlockSize != 0 || s.TotalSize < config.BlockSize {
			return faults.New(faults.SlotCorrupt, "check_heap", uintptr(s.Memory), s.Attr.Site(), faults.Site{})
		}
	} else if s.TotalSize > config.BlockSize/2 && s.TotalSize%config.BlockSize != 0 {
		return faults.New(faults.SlotCorrupt, "check_heap", uintptr(s.Memory), s.Attr.Site(), faults.Site{})
	}

	if s.HasFence() {
		if err := c.guard.VerifyFence(info, s.Memory); err != nil {
			return err
		}
	}

	if s.Attr.Line < config.MinLine || s.Attr.Line > config.MaxLine {
		return faults.New(faults.BadLine, "check_heap", uintptr(s.Memory), s.Attr.Site(), faults.Site{})
	}
	if s.Attr.File != "" && (len(s.Attr.File) < config.MinFileLen || len(s.Attr.File) > config.MaxFileLen) {
		return faults.New(faults.BadFile, "check_heap", uintptr(s.Memory), s.Attr.Site(), faults.Site{})
	}

	return nil
}

// CheckPointer runs the per-pointer check of spec.md §4.7 ("check_pointer"):
// a loose find, the USER checks, and — when minSize > 0 — a verification
// that at least minSize bytes are valid from ptr onward, reporting
// WouldOverwrite if ptr + minSize runs past user_start + user_size. Grounded on
// original_source/chunk.c's _dmalloc_chunk_pnt.
func (c *Chunk) CheckPointer(attr slot.Attribution, ptr slot.Addr, minSize int) error {
	var upd skiplist.Update
	s, ok := c.addr.FindLoose(uint64(ptr), &upd)
	if !ok {
		return faults.New(faults.NotFound, "check_pointer", uintptr(ptr), attr.Site(), faults.Site{})
	}

	info := guard.Derive(s)
	if err := c.checkUserSlot(s, info); err != nil {
		return err
	}

	if minSize > 0 {
		if uint64(ptr)+uint64(minSize) > uint64(info.UserStart)+uint64(s.UserSize) {
			return faults.New(faults.WouldOverwrite, "check_pointer", uintptr(ptr), attr.Site(), s.Attr.Site())
		}
	}

	return nil
}

// Inspection is a snapshot of one tracked USER slot's externally visible
// state, the Go shape of spec.md §6's inspect shim
// ("(user_size, total_size, file, line, return_addr, seen, iter,
// valloc?, fence?)").
type Inspection struct {
	UserSize  int
	TotalSize int
	Attr      slot.Attribution
	Iteration uint64
	Seen      int
	IsValloc  bool
	HasFence  bool
}

// Inspect reports ptr's tracked state without mutating anything but (when
// StoreSeenCount is set) the slot's own lookup counter, per spec.md §6's
// inspect shim.
func (c *Chunk) Inspect(attr slot.Attribution, ptr slot.Addr) (Inspection, error) {
	var upd skiplist.Update
	s, ok := c.addr.FindLoose(uint64(ptr), &upd)
	if !ok {
		return Inspection{}, faults.New(faults.NotFound, "inspect", uintptr(ptr), attr.Site(), faults.Site{})
	}

	info := guard.Derive(s)
	if ptr != info.UserStart || s.Role() != slot.User {
		return Inspection{}, faults.New(faults.NotFound, "inspect", uintptr(ptr), attr.Site(), s.Attr.Site())
	}

	if c.flags.Has(config.StoreSeenCount) {
		s.Seen++
	}

	return Inspection{
		UserSize:  s.UserSize,
		TotalSize: s.TotalSize,
		Attr:      s.Attr,
		Iteration: s.Iteration,
		Seen:      s.Seen,
		IsValloc:  s.HasValloc(),
		HasFence:  s.HasFence(),
	}, nil
}

// Bytes returns the raw backing bytes for the n bytes starting at ptr, the
// facade's only data-access primitive: a tracked allocation is only useful
// once the caller can read and write through it, and the integrity
// checker's end-to-end scenarios rely on this same accessor to inject
// deliberate corruption ahead of a verify call.
func (c *Chunk) Bytes(ptr slot.Addr, n int) []byte {
	return c.heap.Bytes(ptr, n)
}

// Committed reports how many bytes the raw heap provider has claimed from
// its backing buffer so far, a coarser and cheaper figure than summing the
// tracked slots' TotalSize — useful for a diagnostic surface that wants the
// provider's own view rather than the tracker's.
func (c *Chunk) Committed() int {
	return c.heap.Committed()
}

// LogChanged reports the allocation-site aggregates for every USER or FREE
// slot whose Iteration postdates mark (0 meaning "since program start"),
// filtered by notFreed/freed and optionally left undetailed, per
// _dmalloc_chunk_log_changed. The walk across the address map, free-size
// map, and quarantine queue is this method's job, since only Chunk has all
// three maps in scope; [stats.LogChanged] just aggregates whatever rows it
// is handed.
func (c *Chunk) LogChanged(mark uint64, notFreed, freed, detail bool) []stats.Entry {
	var rows []stats.Changed

	collect := func(s *slot.Slot) bool {
		role := s.Role()
		if role != slot.User && role != slot.Free {
			return true
		}
		if s.Iteration <= mark {
			return true
		}

		site := statsSite(s.Attr)
		rows = append(rows, stats.Changed{
			Site:      site,
			UserSize:  s.UserSize,
			IsFreed:   role == slot.Free,
			Attribute: site,
		})
		return true
	}

	c.addr.Each(collect)
	c.free.Each(collect)
	c.quarantine.Each(collect)

	return stats.LogChanged(rows, notFreed, freed, detail, c.stats.Capacity())
}

// CheckHeap runs the full two-pass integrity check of spec.md §4.7: every
// admin block's magics and level, then every tracked slot (address map,
// free-size map, quarantine) against the per-category checks.
func (c *Chunk) CheckHeap() error {
	var err error

	c.addr.Each(func(s *slot.Slot) bool {
		if !s.IsAdmin() {
			return true
		}
		if !c.heap.IsInHeap(s.Memory) {
			err = faults.New(faults.AdminList, "check_heap", uintptr(s.Memory), faults.Site{}, faults.Site{})
			return false
		}
		if cerr := c.slab.CheckBlock(s.Memory, s.AdminLevel); cerr != nil {
			err = cerr
			return false
		}
		return true
	})
	if err != nil {
		return err
	}

	check := func(s *slot.Slot) bool {
		if !c.heap.IsInHeap(s.Memory) || (s.TotalSize > 0 && !c.heap.IsInHeap(s.End().ByteAdd(-1))) {
			err = faults.New(faults.AddressList, "check_heap", uintptr(s.Memory), faults.Site{}, faults.Site{})
			return false
		}

		switch s.Role() {
		case slot.User:
			if cerr := c.checkUserSlot(s, guard.Derive(s)); cerr != nil {
				err = cerr
				return false
			}
		case slot.Free:
			if s.HasBlank() {
				if cerr := c.guard.VerifyBlank(s); cerr != nil {
					err = cerr
					return false
				}
			}
		}
		return true
	}

	c.addr.Each(check)
	if err != nil {
		return err
	}
	c.free.Each(check)
	if err != nil {
		return err
	}
	c.quarantine.Each(check)

	return err
}
