//go:build go1.20

package xunsafe

import (
	"fmt"
	"unsafe"

	"github.com/flier/heapguard/pkg/xunsafe/layout"
)

// Addr is an untyped address of a value of type T, stored as a uintptr so it
// is invisible to the garbage collector.
//
// Addr arithmetic is scaled by the size of T, the same as pointer arithmetic
// on *T would be. A zero Addr is the null address.
type Addr[T any] uintptr

// AddrOf returns the address of p.
func AddrOf[T any](p *T) Addr[T] {
	return Addr[T](unsafe.Pointer(p))
}

// EndOf returns the address one past the last element of s.
func EndOf[T any](s []T) Addr[T] {
	data := unsafe.SliceData(s)
	return AddrOf(data).Add(len(s))
}

// AssertValid converts this address back to a pointer.
//
// Returns nil if the address is zero.
func (a Addr[T]) AssertValid() *T {
	if a == 0 {
		return nil
	}
	return (*T)(unsafe.Pointer(uintptr(a)))
}

// Add adds n elements worth of offset (n * sizeof(T)) to this address.
func (a Addr[T]) Add(n int) Addr[T] {
	return a + Addr[T](uintptr(n)*uintptr(layout.Size[T]()))
}

// ByteAdd adds n raw bytes of offset to this address, unscaled by sizeof(T).
func (a Addr[T]) ByteAdd(n int) Addr[T] {
	return a + Addr[T](n)
}

// Sub returns the number of elements of type T between a and b (a - b).
func (a Addr[T]) Sub(b Addr[T]) int {
	return int(uintptr(a)-uintptr(b)) / layout.Size[T]()
}

// ByteSub returns the raw byte distance between a and b (a - b).
func (a Addr[T]) ByteSub(b Addr[T]) int {
	return int(uintptr(a) - uintptr(b))
}

// IsNil reports whether this address is the null address.
func (a Addr[T]) IsNil() bool { return a == 0 }

// Padding returns the number of bytes needed to round this address up to
// align, which must be a power of two.
func (a Addr[T]) Padding(align int) int {
	return layout.Padding(int(a), align)
}

// RoundUpTo rounds this address up to align, which must be a power of two.
func (a Addr[T]) RoundUpTo(align int) Addr[T] {
	return Addr[T](layout.RoundUp(int(a), align))
}

// RoundDownTo rounds this address down to align, which must be a power of
// two.
func (a Addr[T]) RoundDownTo(align int) Addr[T] {
	return Addr[T](layout.RoundDown(int(a), align))
}

// SignBit reports whether the top bit of this address is set, i.e. whether
// it would be negative if interpreted as a signed value of the same width.
func (a Addr[T]) SignBit() bool {
	return a&(1<<(unsafe.Sizeof(uintptr(0))*8-1)) != 0
}

// SignBitMask returns all-ones if [Addr.SignBit] is set, all-zeroes
// otherwise.
func (a Addr[T]) SignBitMask() Addr[T] {
	if a.SignBit() {
		return ^Addr[T](0)
	}
	return 0
}

// ClearSignBit returns a with the sign bit cleared.
func (a Addr[T]) ClearSignBit() Addr[T] {
	return a &^ (1 << (unsafe.Sizeof(uintptr(0))*8 - 1))
}

// Format implements fmt.Formatter, printing the address in hexadecimal.
func (a Addr[T]) Format(s fmt.State, verb rune) {
	switch verb {
	case 'x', 'X':
		_, _ = fmt.Fprintf(s, fmt.FormatString(s, verb), uintptr(a))
	default:
		_, _ = fmt.Fprintf(s, "0x%x", uintptr(a))
	}
}
