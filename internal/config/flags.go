package config

import (
	"fmt"
	"strings"
)

// Flags is the runtime debug-flag word every entry point reads before
// servicing a request. It is the Go analog of dmalloc's `_dmalloc_flags`.
type Flags uint32

// Flag bits, enumerated in spec.md §6. The diagnostic LOG_* bits and
// LogThreadID are parsed and stored in the flag word, but no code in this
// module reads them: they neither select nor suppress any
// [github.com/flier/heapguard/internal/xlog] output.
const (
	// CheckFence enables fence-post placement and verification.
	CheckFence Flags = 1 << iota
	// FreeBlank poisons a chunk's bytes with FreeFillByte when it is freed.
	FreeBlank
	// AllocBlank poisons a chunk's bytes with AllocFillByte when allocated
	// (ignored for zeroed-semantics calls).
	AllocBlank
	// CheckBlank verifies that a reused FREE slot is still fully blanked,
	// catching use-after-free writes at reuse time.
	CheckBlank
	// ReallocCopy forces realloc to always allocate-copy-free, even when an
	// in-place grow/shrink would fit.
	ReallocCopy
	// NeverReuse skips requeuing freed chunks to the free-size map, so a
	// freed chunk is never handed out again. Sub-chunks of a divided block
	// that were never handed out are still served from the free-size map.
	NeverReuse
	// ErrorFreeNull promotes free(nil) to a hard fault instead of a no-op.
	ErrorFreeNull
	// AllowAllocZeroSize services size-0 allocations as a 1-byte
	// allocation instead of refusing them with BadSize. Folded in from a
	// dmalloc compile-time token; see package doc.
	AllowAllocZeroSize
	// StoreSeenCount makes Inspect count how many times it has looked a
	// slot up, exposed as inspect's seen count. Folded in from a
	// compile-time token.
	StoreSeenCount
	// LogThreadID names the option of attributing each allocation to the
	// calling goroutine. Folded in from a compile-time token. Nothing reads
	// it, and Attribution.ThreadID is never filled in.
	LogThreadID
	// LogTrans names the trace category for slot transitions
	// (insert/remove/splice) between maps.
	LogTrans
	// LogAdmin names the trace category for metadata slab refills.
	LogAdmin
	// LogBadSpace names the category for dumping the offending bytes (and
	// the expected pattern) when a fence or blank check fails.
	LogBadSpace
	// LogKnown names the trace category for lookups that resolve to a known
	// slot.
	LogKnown
	// LogNonFreeSpace names the trace category for USER/ADMIN/EXTERN slots
	// visited during a whole-heap walk.
	LogNonFreeSpace
	// LogElapsedTime names the option of annotating trace lines with
	// elapsed wall time.
	LogElapsedTime
	// LogCurrentTime names the option of annotating trace lines with the
	// current wall time.
	LogCurrentTime
)

// Has reports whether all bits in want are set in f.
func (f Flags) Has(want Flags) bool { return f&want == want }

// Any reports whether at least one bit in want is set in f.
func (f Flags) Any(want Flags) bool { return f&want != 0 }

var tokenNames = map[string]Flags{
	"check-fence":           CheckFence,
	"free-blank":            FreeBlank,
	"alloc-blank":           AllocBlank,
	"check-blank":           CheckBlank,
	"realloc-copy":          ReallocCopy,
	"never-reuse":           NeverReuse,
	"error-free-null":       ErrorFreeNull,
	"allow-alloc-zero-size": AllowAllocZeroSize,
	"store-seen-count":      StoreSeenCount,
	"log-thread-id":         LogThreadID,
	"log-trans":             LogTrans,
	"log-admin":             LogAdmin,
	"log-bad-space":         LogBadSpace,
	"log-known":             LogKnown,
	"log-non-free-space":    LogNonFreeSpace,
	"log-elapsed-time":      LogElapsedTime,
	"log-current-time":      LogCurrentTime,
}

// Debug is the union of flag combinations spec.md's end-to-end scenarios
// run under: fence checking plus full poison/verify on free and reuse.
const Debug = CheckFence | FreeBlank | AllocBlank | CheckBlank

// Parse parses a comma-separated option string, following the surrounding
// runtime's option-token grammar (named out of scope in spec.md §1 for its
// full option-string/config-file handling, but the chunk manager needs to
// be able to turn a flag word back into tokens for reporting, and a token
// parser is the dual of that, so both live here).
//
// An unrecognized token reports its own error rather than silently being
// dropped; the caller decides whether that's fatal.
func Parse(s string) (Flags, error) {
	var flags Flags

	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}

		bit, ok := tokenNames[strings.ToLower(tok)]
		if !ok {
			return flags, fmt.Errorf("config: unknown debug token %q", tok)
		}

		flags |= bit
	}

	return flags, nil
}

// String renders the set flags back as their token names, for diagnostics.
func (f Flags) String() string {
	if f == 0 {
		return "none"
	}

	var names []string
	for name, bit := range tokenNames {
		if f.Has(bit) {
			names = append(names, name)
		}
	}

	return strings.Join(sortedCopy(names), ",")
}

func sortedCopy(s []string) []string {
	out := make([]string, len(s))
	copy(out, s)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
