// Package config holds the compile-time and runtime tunables of the
// debugging heap manager: the structural constants that size its data
// structures (block size, skip-list height, fence widths) and the flag word
// that every user-visible entry point consults on every call.
//
// In the reference implementation (dmalloc) most of these are C
// preprocessor tokens (§6 of the spec): some genuinely need to be
// compile-time because they size on-disk/in-memory layouts (BLOCK_SIZE,
// MAX_LEVEL, the fence sizes); others (ALLOW_ALLOC_ZERO_SIZE,
// STORE_SEEN_COUNT, LOG_THREAD_ID, ...) only gate a branch and are folded
// into the runtime [Flags] bitset here instead, so a single build of this
// module can be reconfigured per [github.com/flier/heapguard] instance
// without a recompile. This is a decision, not an oversight — see
// DESIGN.md, "Open Question 1".
package config

// Structural constants. These size arrays and on-wire layouts, so unlike
// the Flags bitset they really are compile-time in spirit: changing them
// changes the shape of [github.com/flier/heapguard/internal/slab] entry
// blocks and [github.com/flier/heapguard/internal/guard] fence regions.
const (
	// BlockSize is the size in bytes of one basic block, the unit in which
	// the raw heap provider hands out memory.
	BlockSize = 4096

	// PointerBytes is the width of one skip-list forward pointer.
	PointerBytes = 8

	// MaxLevel bounds the height of any skip-list slot (address map or
	// free-size map). The sentinel head slot always carries MaxLevel
	// forward pointers.
	MaxLevel = 12

	// FenceBottomSize and FenceTopSize are the widths, in bytes, of the
	// fence-post regions bracketing a USER allocation when CheckFence is
	// set.
	FenceBottomSize = 16
	FenceTopSize    = 16

	// FenceBottomPattern and FenceTopPattern are the 32-bit words repeated
	// to fill the fence regions.
	FenceBottomPattern uint32 = 0xC0C0C0C0
	FenceTopPattern    uint32 = 0xD0D0D0D0

	// AllocFillByte fills fresh USER memory (unless the call has
	// zeroed-semantics, e.g. calloc).
	AllocFillByte byte = 0xDA

	// FreeFillByte fills memory on free, including the ex-user region and
	// the fence bytes.
	FreeFillByte byte = 0xCA

	// DividedMin is the smallest power-of-two sub-chunk the divided-block
	// path will ever carve; requests below this are rounded up to it.
	DividedMin = 16

	// LargestAllocation is the sentinel ceiling on a single user_size.
	LargestAllocation = 1 << 30

	// MinLine and MaxLine bound a valid attribution line number.
	MinLine = 0
	MaxLine = 1_000_000

	// MinFileLen and MaxFileLen bound a valid attribution file name length.
	MinFileLen = 1
	MaxFileLen = 256

	// FreedPointerDelay is the default quarantine dwell time, in allocation
	// iterations, before a freed chunk becomes eligible for reuse.
	FreedPointerDelay = 3

	// DumpSpace is how many bytes of context a dump around a detected fault
	// would cover. No code in this module reads it; faults are not dumped.
	DumpSpace = 32

	// MemoryTableTopLogDefault is the default capacity of the top-N
	// allocation-site table.
	MemoryTableTopLogDefault = 16

	// EntryBlockMagic1, EntryBlockMagic2, and EntryBlockMagic3 bracket each
	// metadata entry-block the slab pool carves from the raw heap: the first
	// two sit in the block's header, the third just past its last whole
	// slot. check_heap recomputes and compares all three.
	EntryBlockMagic1 uint32 = 0x12344321
	EntryBlockMagic2 uint32 = 0x56788765
	EntryBlockMagic3 uint32 = 0x9abcdcba

	// MinSlotsPerBlock is the floor on how many metadata slots one refill
	// carves out of a single basic block, regardless of the slot's level.
	// The reference implementation packs as many fixed-size skip_alloc_t
	// records as fit in BLOCK_SIZE; since this port keeps slot records as
	// ordinary Go values rather than laying them into the raw heap bytes,
	// this is the stand-in for that packing density.
	MinSlotsPerBlock = 8
)
