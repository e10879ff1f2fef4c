// Package slot defines the tracker's primary record (spec.md §3): one
// struct describing a contiguous chunk of heap memory, a metadata slab
// entry-block, or the admin bookkeeping for either.
//
// A Slot carries a single forward-pointer array, reused for whichever
// container currently holds it: the address map, the free-size map, the
// quarantine FIFO, or a slab level's internal free-list. Per invariant 4 a
// slot is never in two of these at once, so sharing the array (rather than
// giving each container its own linkage field) is safe and is the same
// trick the skip-list-class design in spec.md §9 calls for.
package slot

import (
	"fmt"

	"github.com/flier/heapguard/internal/faults"
	"github.com/flier/heapguard/internal/heap"
)

// Addr is the address type used throughout the tracker.
type Addr = heap.Addr

// Flag is one bit of a Slot's role/state flags (spec.md §3).
type Flag uint16

const (
	// Free marks a slot filed on the free-size map, reusable.
	Free Flag = 1 << iota
	// User marks a live user allocation.
	User
	// Admin marks a slab block that itself holds slots; never reused for
	// user allocations.
	Admin
	// Extern marks a region the raw heap claimed implicitly; tracked for
	// sound address lookups but never reused.
	Extern

	// Fence marks a slot that has fence-post regions.
	Fence
	// Valloc marks a page-aligned allocation.
	Valloc
	// Blank marks a slot whose bytes are known to equal FreeFillByte.
	Blank
)

// roleMask is the set of flags that are mutually exclusive: exactly one of
// them is set on any slot (spec.md §3, "flags").
const roleMask = Free | User | Admin | Extern

func (f Flag) String() string {
	var parts []string
	add := func(bit Flag, name string) {
		if f&bit != 0 {
			parts = append(parts, name)
		}
	}
	add(Free, "FREE")
	add(User, "USER")
	add(Admin, "ADMIN")
	add(Extern, "EXTERN")
	add(Fence, "FENCE")
	add(Valloc, "VALLOC")
	add(Blank, "BLANK")
	if len(parts) == 0 {
		return "NONE"
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "|" + p
	}
	return out
}

// Attribution is the source-location or call-site that created or last
// touched a slot (spec.md §3, §9 "return addresses vs file names").
//
// Exactly one of File or PC is meaningful; Line == 0 is the discriminator,
// matching the reference design so that a re-implementation need not carry
// a separate tag bit.
type Attribution struct {
	File string
	Line int
	PC   uintptr

	// ThreadID and Timestamp (unix nanoseconds) are carried for
	// attribution, but no code in this module fills them in; both stay 0.
	ThreadID  int64
	Timestamp int64
}

// IsReturnAddress reports whether this attribution names a call-site PC
// rather than a source file.
func (a Attribution) IsReturnAddress() bool { return a.Line == 0 }

func (a Attribution) String() string {
	if a.IsReturnAddress() {
		if a.PC == 0 {
			return "<unknown>"
		}
		return fmt.Sprintf("0x%x", a.PC)
	}
	return fmt.Sprintf("%s:%d", a.File, a.Line)
}

// Site converts this attribution to a faults.Site, for error reporting.
func (a Attribution) Site() faults.Site {
	return faults.Site{File: a.File, Line: a.Line, PC: a.PC}
}

// Slot is the tracker's record for one chunk, one entry-block, or one
// EXTERN region.
type Slot struct {
	// Memory is the address of the chunk's first byte in the user heap.
	Memory Addr
	// TotalSize is the total bytes of the chunk, including fence regions
	// and any block rounding.
	TotalSize int
	// UserSize is the bytes the user asked for; 0 for ADMIN and EXTERN
	// slots and for sub-chunks never handed out. A freed slot keeps the
	// size of its last allocation.
	UserSize int

	Flags Flag
	Attr  Attribution

	// Iteration is the global allocation-iteration counter value at this
	// slot's last state change.
	Iteration uint64

	// Level is this slot's height in whichever probabilistic map it
	// currently participates in. The admin slab pool draws this at birth
	// and it never changes afterward.
	Level int

	// Next is the forward-pointer array, length Level+1, reused for
	// whichever container currently holds this slot (see package doc).
	Next []*Slot

	// Seen counts Inspect lookups of this slot, when StoreSeenCount is
	// enabled.
	Seen int

	// AdminLevel is filled in only on ADMIN slots: the slab level the
	// entry-block it describes was carved for (used by the integrity
	// checker to cross-check against the entry-block's own header).
	AdminLevel int
}

// New constructs a zeroed slot of the given level, with its forward-pointer
// array pre-sized.
func New(level int) *Slot {
	return &Slot{Level: level, Next: make([]*Slot, level+1)}
}

// Reset clears a slot back to its zero state (but keeps its Next array
// allocated, since slab slots of a given level always need the same
// width), for reuse from a slab free-list.
func (s *Slot) Reset() {
	for i := range s.Next {
		s.Next[i] = nil
	}
	*s = Slot{Level: s.Level, Next: s.Next}
}

// Role returns just the mutually-exclusive role bits (FREE/USER/ADMIN/
// EXTERN) of this slot's flags.
func (s *Slot) Role() Flag { return s.Flags & roleMask }

func (s *Slot) IsFree() bool   { return s.Flags&Free != 0 }
func (s *Slot) IsUser() bool   { return s.Flags&User != 0 }
func (s *Slot) IsAdmin() bool  { return s.Flags&Admin != 0 }
func (s *Slot) IsExtern() bool { return s.Flags&Extern != 0 }
func (s *Slot) HasFence() bool { return s.Flags&Fence != 0 }
func (s *Slot) HasValloc() bool { return s.Flags&Valloc != 0 }
func (s *Slot) HasBlank() bool  { return s.Flags&Blank != 0 }

// End returns the address one past this slot's chunk.
func (s *Slot) End() Addr { return s.Memory.ByteAdd(s.TotalSize) }

// Contains reports whether addr falls within [Memory, Memory+TotalSize).
func (s *Slot) Contains(addr Addr) bool {
	return addr >= s.Memory && addr < s.End()
}

func (s *Slot) String() string {
	return fmt.Sprintf("slot{%v, total=%d, user=%d, flags=%s, level=%d, from=%s}",
		s.Memory, s.TotalSize, s.UserSize, s.Flags, s.Level, s.Attr)
}
