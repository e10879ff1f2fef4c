//go:build debug

// Package xlog includes the chunk manager's debug-only tracing helpers.
//
// Trace points in the chunk policy, the slab pool (refill), the guard
// engine (fence and blank failures), the quarantine (push and drain) and
// pkg/arena log through here; the skip list does not. With the debug build
// tag absent, all of this compiles down to nothing (see log_release.go).
// The LOG_* flags in config.Flags are not consulted: whether tracing exists
// in the binary at all is a build-time decision.
package xlog

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/timandy/routine"

	"github.com/flier/heapguard/internal/xflag"
)

// Enabled is true if the module is built with the debug tag.
const Enabled = true

var (
	logPattern = xflag.Func("heapguard.filter", "regexp to filter heap tracker logs by", regexp.Compile)
	nocapture  = flag.Bool("heapguard.nocapture", false, "disables capturing tracker logs as test logs")
)

// Log prints a tracker trace line to stderr (or the active *testing.T, see
// [WithTesting]).
//
// context is optional args for fmt.Printf that are printed before operation,
// used to tag a trace with the slot or address it concerns.
func Log(context []any, operation string, format string, args ...any) {
	skip := 1
again:
	pc, file, line, _ := runtime.Caller(skip)

	fn := runtime.FuncForPC(pc)
	name := fn.Name()
	name = name[strings.LastIndex(name, ".")+1:]
	if strings.HasPrefix(name, "log") || strings.Contains(name, "Log") {
		skip++
		goto again
	}

	pkg := fn.Name()
	pkg = strings.TrimPrefix(pkg, "github.com/flier/heapguard/")
	pkg = strings.TrimPrefix(pkg, "internal/")
	if idx := strings.Index(pkg, "."); idx >= 0 {
		pkg = pkg[:idx]
	}

	file = filepath.Base(file)

	buf := new(strings.Builder)

	_, _ = fmt.Fprintf(buf, "%s/%s:%d [g%04d", pkg, file, line, routine.Goid())
	if len(context) >= 1 {
		_, _ = fmt.Fprintf(buf, ", "+context[0].(string), context[1:]...)
	}
	_, _ = fmt.Fprintf(buf, "] %s: ", operation)
	_, _ = fmt.Fprintf(buf, format, args...)

	if *logPattern != nil && !(*logPattern).MatchString(buf.String()) {
		return
	}

	t := tls.Get()
	if !*nocapture && t != nil {
		t.Log(buf.String())
		return
	}

	_, _ = buf.Write([]byte{'\n'})
	_, _ = os.Stderr.WriteString(buf.String())
	_ = os.Stderr.Sync()
}

// Assert panics if cond is false, but only in debug mode. Invariant
// violations that the integrity checker would otherwise have to report as a
// fault at the next check_heap still go through [faults], this is only for
// conditions that indicate a bug in the tracker itself.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		msg := fmt.Sprintf(format, args...)
		panic(fmt.Errorf("heapguard: internal assertion failed: %s\n%s", msg, Stack(2)))
	}
}

// Value is a value of any type that only exists when the debug tag is
// enabled. When disabled, this struct is replaced with an empty struct.
type Value[T any] struct {
	x T
}

// Get returns a pointer to this value. Panics if not in debug mode.
func (v *Value[T]) Get() *T { return &v.x }
