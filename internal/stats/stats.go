// Package stats implements the statistics & attribution module of
// spec.md §4.8: a monotonic allocation-iteration counter, mark/diff
// queries over it, running totals, and a fixed-capacity top-N
// allocation-site table.
//
// Grounded on original_source/chunk.c's _dmalloc_iter_c, the
// mark/_dmalloc_chunk_log_changed pair, and the mem_table_alloc /
// mem_table_changed tables (the table implementation itself,
// _dmalloc_table_insert et al., lives in a file the retrieved source
// didn't include, so the hashing strategy here is this port's own: it
// reuses the teacher's dolthub/maphash hasher for the table's key hashing).
package stats

import (
	"sort"

	"github.com/dolthub/maphash"
)

// Site identifies an allocation call-site for attribution purposes.
type Site struct {
	File string
	Line int
}

// Counters holds the running totals spec.md §4.8 and §8's "basic
// counters" scenario describe: current/total bytes and pointers, the
// high-water mark, and per-function call counts.
type Counters struct {
	AllocCurrentBytes uint64
	AllocCurrentPnts  uint64
	AllocTotalBytes   uint64
	AllocTotalPnts    uint64
	AllocMaxBytes     uint64
	AllocMaxPnts      uint64
	AllocOneMax       uint64

	// AllocCurrentGivenBytes is the Σ total_size over USER slots (alloc_cur_given
	// in the reference design): the bytes actually given out including
	// fence/rounding overhead, the quantity a configured memory limit bounds.
	AllocCurrentGivenBytes uint64

	MallocCalls   uint64
	CallocCalls   uint64
	ReallocCalls  uint64
	FreeCalls     uint64
	RecallocCalls uint64
	MemalignCalls uint64
	VallocCalls   uint64
}

// recordAlloc folds one successful allocation of size bytes into the
// running totals and bumps the high-water mark if this pushed it higher.
func (c *Counters) recordAlloc(size int) {
	c.AllocCurrentBytes += uint64(size)
	c.AllocCurrentPnts++
	c.AllocTotalBytes += uint64(size)
	c.AllocTotalPnts++

	if uint64(size) > c.AllocOneMax {
		c.AllocOneMax = uint64(size)
	}
	if c.AllocCurrentBytes > c.AllocMaxBytes {
		c.AllocMaxBytes = c.AllocCurrentBytes
	}
	if c.AllocCurrentPnts > c.AllocMaxPnts {
		c.AllocMaxPnts = c.AllocCurrentPnts
	}
}

func (c *Counters) recordFree(size int) {
	c.AllocCurrentBytes -= uint64(size)
	c.AllocCurrentPnts--
}

// resizeInPlace folds an in-place realloc's size change directly into the
// byte totals, the same unsigned-wraparound trick
// _dmalloc_chunk_realloc's in-place branch relies on ("alloc_current +=
// new_size - old_size", both unsigned): a shrink still lands on the
// correct value even though the intermediate subtraction wraps.
func (c *Counters) resizeInPlace(oldSize, newSize int) {
	c.AllocCurrentBytes += uint64(newSize) - uint64(oldSize)
	if c.AllocCurrentBytes > c.AllocMaxBytes {
		c.AllocMaxBytes = c.AllocCurrentBytes
	}
	c.AllocTotalBytes += uint64(newSize)
	c.AllocTotalPnts++
	if uint64(newSize) > c.AllocOneMax {
		c.AllocOneMax = uint64(newSize)
	}
}

// Entry is one row of a top-N report: a call-site and its current
// aggregate.
type Entry struct {
	Site  Site
	Count int
	Bytes int
}

// Table is a fixed-capacity (file, line) aggregation table, the Go
// equivalent of mem_table_t: insert adds one allocation's size to its
// site's running total, delete subtracts it back out.
//
// Lookups are hashed through a [maphash.Hasher] before falling back to a
// plain equality scan within the bucket, the same split the teacher's
// swiss map uses (a fast 64-bit prefilter in front of exact comparison)
// rather than relying solely on Go's built-in map over a struct key.
type Table struct {
	capacity int
	hasher   maphash.Hasher[Site]
	buckets  map[uint64][]*Entry
	n        int
}

// NewTable creates an empty Table that tracks at most capacity distinct
// call-sites; further distinct sites are silently not tracked once full
// (matching the reference table's fixed-size array), though their bytes
// still count toward the Counters totals.
func NewTable(capacity int) *Table {
	return &Table{
		capacity: capacity,
		hasher:   maphash.NewHasher[Site](),
		buckets:  make(map[uint64][]*Entry),
	}
}

func (t *Table) find(site Site) *Entry {
	for _, e := range t.buckets[t.hasher.Hash(site)] {
		if e.Site == site {
			return e
		}
	}
	return nil
}

// Insert adds size bytes to site's running aggregate, creating a new row
// if there's capacity and none exists yet.
func (t *Table) Insert(site Site, size int) {
	if e := t.find(site); e != nil {
		e.Count++
		e.Bytes += size
		return
	}

	if t.n >= t.capacity {
		return
	}

	h := t.hasher.Hash(site)
	t.buckets[h] = append(t.buckets[h], &Entry{Site: site, Count: 1, Bytes: size})
	t.n++
}

// Delete subtracts size bytes from site's aggregate, removing the row
// entirely once its count reaches zero.
func (t *Table) Delete(site Site, size int) {
	h := t.hasher.Hash(site)
	bucket := t.buckets[h]

	for i, e := range bucket {
		if e.Site != site {
			continue
		}

		e.Count--
		e.Bytes -= size

		if e.Count <= 0 {
			t.buckets[h] = append(bucket[:i], bucket[i+1:]...)
			t.n--
		}
		return
	}
}

// Clear empties the table, for a fresh log_changed pass.
func (t *Table) Clear() {
	t.buckets = make(map[uint64][]*Entry)
	t.n = 0
}

// Len returns how many distinct sites are currently tracked.
func (t *Table) Len() int { return t.n }

// Top returns up to n entries sorted by descending byte total (ties broken
// by descending count, then by file:line for determinism).
func (t *Table) Top(n int) []Entry {
	all := make([]Entry, 0, t.n)
	for _, bucket := range t.buckets {
		for _, e := range bucket {
			all = append(all, *e)
		}
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Bytes != all[j].Bytes {
			return all[i].Bytes > all[j].Bytes
		}
		if all[i].Count != all[j].Count {
			return all[i].Count > all[j].Count
		}
		if all[i].Site.File != all[j].Site.File {
			return all[i].Site.File < all[j].Site.File
		}
		return all[i].Site.Line < all[j].Site.Line
	})

	if n > 0 && n < len(all) {
		all = all[:n]
	}
	return all
}

// Stats is the module's full statistics state: the iteration counter, the
// running counters, and the persistent top-N allocation table.
type Stats struct {
	Counters Counters

	iteration uint64
	sites     *Table
}

// New creates a Stats tracking up to topCapacity distinct allocation
// sites.
func New(topCapacity int) *Stats {
	return &Stats{sites: NewTable(topCapacity)}
}

// Iteration returns the current value of the monotonic counter.
func (s *Stats) Iteration() uint64 { return s.iteration }

// Advance bumps the iteration counter, to be called once per user-visible
// entry point per spec.md §5 ("debugging counters ... increment under the
// lock").
func (s *Stats) Advance() uint64 {
	s.iteration++
	return s.iteration
}

// Mark captures the current iteration as a point in time for a later
// log_changed-style diff.
func (s *Stats) Mark() uint64 { return s.iteration }

// RecordAlloc folds a successful allocation at site into both the running
// counters and the top-N table.
func (s *Stats) RecordAlloc(site Site, size int) {
	s.Counters.recordAlloc(size)
	s.sites.Insert(site, size)
}

// RecordFree folds a free at site back out of both the running counters
// and the top-N table.
func (s *Stats) RecordFree(site Site, size int) {
	s.Counters.recordFree(size)
	s.sites.Delete(site, size)
}

// TopSites returns the current top-N allocation-site report.
func (s *Stats) TopSites(n int) []Entry { return s.sites.Top(n) }

// Resize folds an in-place realloc into both the running counters and the
// top-N table: oldSite's aggregate loses oldSize, newSite's gains newSize.
// oldSite and newSite are usually equal, but realloc's caller attribution
// may move between calls, matching _dmalloc_chunk_realloc's
// table_delete(old)/table_insert(new) pair.
func (s *Stats) Resize(oldSite, newSite Site, oldSize, newSize int) {
	s.Counters.resizeInPlace(oldSize, newSize)
	s.sites.Delete(oldSite, oldSize)
	s.sites.Insert(newSite, newSize)
}

// Changed is one row log_changed produces for a state whose iteration
// postdates the mark.
type Changed struct {
	Site      Site
	UserSize  int
	IsFreed   bool
	Attribute Site
}

// LogChanged aggregates every row report hands it (the walk across the
// address map, free-size map, and quarantine is the caller's
// responsibility, since only [internal/chunk] has those maps in scope) by
// (file, line), matching _dmalloc_chunk_log_changed's table-building half.
//
// notFreed and freed gate which rows survive by [Changed.IsFreed], the Go
// shape of the reference's log_not_freed_b/log_freed_b arguments; a row is
// kept only if its side is requested. Both false reports nothing, matching
// the reference's early return when neither flag is set. detail mirrors
// details_b: false returns the usual aggregate-by-site rows, true skips
// aggregation and returns one Entry per surviving row instead, each with
// Count == 1, so a caller can see the individual pointers rather than only
// their site totals.
func LogChanged(rows []Changed, notFreed, freed, detail bool, capacity int) []Entry {
	if !notFreed && !freed {
		return nil
	}

	keep := func(r Changed) bool {
		if r.IsFreed {
			return freed
		}
		return notFreed
	}

	if detail {
		entries := make([]Entry, 0, len(rows))
		for _, r := range rows {
			if !keep(r) {
				continue
			}
			entries = append(entries, Entry{Site: r.Site, Count: 1, Bytes: r.UserSize})
		}
		return entries
	}

	t := NewTable(capacity)
	for _, r := range rows {
		if !keep(r) {
			continue
		}
		t.Insert(r.Site, r.UserSize)
	}
	return t.Top(0)
}

// Capacity returns the row capacity this Stats' top-N table was created
// with, so a caller building a same-sized log_changed table (e.g.
// [internal/chunk.Chunk.LogChanged]) doesn't need to track it separately.
func (s *Stats) Capacity() int { return s.sites.capacity }
