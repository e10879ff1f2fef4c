package xlog

import (
	"fmt"
	"runtime"
	"strings"
)

// Unsupported returns an "unimplemented" error for the calling function.
//
// Used for requests the chunk manager deliberately does not carve, such as
// memalign being asked for an alignment larger than the basic block size.
func Unsupported() error {
	pc, _, _, _ := runtime.Caller(1)
	return &errUnsupported{pc}
}

// errUnsupported is the error returned by Unsupported.
type errUnsupported struct{ pc uintptr }

func (e *errUnsupported) Error() string {
	name := runtime.FuncForPC(e.pc).Name()
	if name == "" {
		return "heapguard: unsupported operation"
	}

	slash := strings.LastIndexByte(name, '/')
	name = name[slash+1:]
	return fmt.Sprintf("heapguard: %s() is not supported", name)
}
