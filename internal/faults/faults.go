// Package faults implements the error taxonomy of spec.md §7: a detected
// heap-corruption or misuse condition becomes a *Fault error value, which
// is passed to a process-wide handler that may abort the process or return,
// in which case the caller sees the Fault as its error. This package keeps
// no process-global error code and neither logs the fault nor dumps the
// offending bytes.
//
// This mirrors the teacher's two complementary error idioms: a typed
// unwrap ([AsFault], grounded on pkg/xerrors.AsA) for callers that want to
// branch on [Kind], and an error value that satisfies the standard `error`
// interface everywhere else.
package faults

import (
	"fmt"
	"sync"

	"github.com/flier/heapguard/pkg/xerrors"
)

// Kind is one member of the error taxonomy enumerated in spec.md §7.
type Kind int

const (
	_ Kind = iota
	// IsNull is reported when an operation that requires a non-nil pointer
	// receives one, contrary to the active null-handling flag.
	IsNull
	// NotFound is reported when a pointer does not resolve to any tracked
	// slot — the double-free and "pointer never came from us" case.
	NotFound
	// NotOnBlock is reported when a pointer resolves to a region that is
	// not a live user chunk (e.g. it falls inside an ADMIN or EXTERN
	// block).
	NotOnBlock
	// BadSize is reported for a disallowed size (e.g. zero, when
	// AllowAllocZeroSize is not set).
	BadSize
	// TooBig is reported when user_size would exceed LargestAllocation.
	TooBig
	// OverLimit is reported when an allocation would push total given
	// bytes past a configured memory limit.
	OverLimit
	// BadFile is reported when an attribution's file-name length falls
	// outside [MinFileLen, MaxFileLen].
	BadFile
	// BadLine is reported when an attribution's line number falls outside
	// [MinLine, MaxLine].
	BadLine
	// UnderFence is reported when the fence-bottom region does not match
	// the expected pattern: a buffer underrun.
	UnderFence
	// OverFence is reported when the fence-top region does not match the
	// expected pattern: a buffer overrun.
	OverFence
	// FreeNonBlank is reported when a FREE+BLANK slot's bytes are not all
	// FreeFillByte: a use-after-free write.
	FreeNonBlank
	// SlotCorrupt is reported when a slot's own bookkeeping fields fail a
	// structural check (bad flags combination, level mismatch, ...).
	SlotCorrupt
	// AddressList is reported when the address map's structural invariants
	// (ordering, disjointness) are violated.
	AddressList
	// AdminList is reported when an entry-block's magic numbers or level
	// field do not match what the admin slot on file for it records.
	AdminList
	// WouldOverwrite is reported when a caller-declared minimum size at a
	// pointer would run past the end of that chunk's user region.
	WouldOverwrite
)

func (k Kind) String() string {
	switch k {
	case IsNull:
		return "IS_NULL"
	case NotFound:
		return "NOT_FOUND"
	case NotOnBlock:
		return "NOT_ON_BLOCK"
	case BadSize:
		return "BAD_SIZE"
	case TooBig:
		return "TOO_BIG"
	case OverLimit:
		return "OVER_LIMIT"
	case BadFile:
		return "BAD_FILE"
	case BadLine:
		return "BAD_LINE"
	case UnderFence:
		return "UNDER_FENCE"
	case OverFence:
		return "OVER_FENCE"
	case FreeNonBlank:
		return "FREE_NON_BLANK"
	case SlotCorrupt:
		return "SLOT_CORRUPT"
	case AddressList:
		return "ADDRESS_LIST"
	case AdminList:
		return "ADMIN_LIST"
	case WouldOverwrite:
		return "WOULD_OVERWRITE"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Site is the (file, line) or return-address attribution of an operation
// that triggered, or was the last known good owner of, a slot.
type Site struct {
	File string
	Line int
	// PC holds a raw call-site address when File == "" (spec.md §9,
	// "return addresses vs file names").
	PC uintptr
}

func (s Site) String() string {
	if s.File == "" {
		if s.PC == 0 {
			return "<unknown>"
		}
		return fmt.Sprintf("0x%x", s.PC)
	}
	return fmt.Sprintf("%s:%d", s.File, s.Line)
}

// Fault is the error value reported for a detected heap-corruption or
// misuse condition.
type Fault struct {
	Kind Kind
	// Op is a short description of the operation that detected the fault
	// (e.g. "free", "check_heap", "memalign").
	Op string
	// Current is the attribution of the call that triggered the fault.
	Current Site
	// Previous is the attribution that last touched the slot in question,
	// when known (e.g. who allocated a chunk found double-freed).
	Previous Site
	// Addr is the user pointer involved, when applicable.
	Addr uintptr
}

func (f *Fault) Error() string {
	msg := fmt.Sprintf("heapguard: %s: %s at %#x (from %s)", f.Op, f.Kind, f.Addr, f.Current)
	if f.Previous != (Site{}) {
		msg += fmt.Sprintf(", previously touched at %s", f.Previous)
	}
	return msg
}

// Is reports whether err is a *Fault of kind k, the idiomatic entry point
// for errors.Is.
func (f *Fault) Is(target error) bool {
	other, ok := target.(*Fault)
	return ok && other.Kind == f.Kind
}

// New constructs a Fault and invokes the installed [Handler] on it. It sets
// no global error code and logs nothing. Every fault-producing call site in this module goes through New rather
// than constructing a Fault literal directly, so the handler step always
// runs.
func New(kind Kind, op string, addr uintptr, current, previous Site) *Fault {
	f := &Fault{Kind: kind, Op: op, Current: current, Previous: previous, Addr: addr}

	handlerMu.Lock()
	h := handler
	handlerMu.Unlock()
	h(f)

	return f
}

// AsFault is a typed unwrap over [xerrors.AsA], so callers can branch on
// Kind without repeating the errors.As type assertion themselves.
func AsFault(err error) (*Fault, bool) {
	return xerrors.AsA[*Fault](err)
}

// KindOf returns the Kind of err if it is a *Fault, or 0 otherwise.
func KindOf(err error) Kind {
	if f, ok := AsFault(err); ok {
		return f.Kind
	}
	return 0
}

// Handler is invoked whenever a fault is detected. The default handler
// (see [DefaultHandler]) does nothing, so the fault reaches the caller only
// as the returned error; applications that want
// dmalloc's "abort on corruption" behavior can install one that panics or
// calls os.Exit.
type Handler func(*Fault)

// DefaultHandler is a no-op: it lets the fault propagate as a normal Go
// error return. Spec.md §7 describes this as the handler "returning",
// whereupon the failing entry point returns its sentinel value.
func DefaultHandler(*Fault) {}

var (
	handlerMu sync.Mutex
	handler   Handler = DefaultHandler
)

// SetHandler installs h as the process-wide fault handler invoked by every
// subsequent [New] call, matching dmalloc's single process-global error
// handler rather than one scoped per heap. It returns the previously
// installed handler, so callers (and tests) can restore it with a deferred
// call. A nil h installs [DefaultHandler].
func SetHandler(h Handler) Handler {
	handlerMu.Lock()
	defer handlerMu.Unlock()

	if h == nil {
		h = DefaultHandler
	}
	prev := handler
	handler = h
	return prev
}
