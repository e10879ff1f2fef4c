package heap

import "unsafe"

// unsafeSlice reinterprets n bytes starting at p as a []byte without
// copying. p must remain live and un-moved for as long as the returned
// slice is used, which [arena.Arena] guarantees for its own blocks.
func unsafeSlice(p *byte, n int) []byte {
	return unsafe.Slice(p, n)
}
