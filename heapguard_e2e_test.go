package heapguard_test

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/flier/heapguard"
	"github.com/flier/heapguard/internal/config"
	"github.com/flier/heapguard/internal/faults"
	"github.com/flier/heapguard/internal/xlog"
)

// These scenarios mirror spec.md §8's "End-to-end scenarios" block
// verbatim, against block-size = 4096, fence-bottom = fence-top = 16
// bytes, ALLOC_FILL = 0xDA, FREE_FILL = 0xCA, delay = 3 — the defaults
// this module's config package already carries.

// newTestHeap creates a Heap and routes its debug-build trace output
// through t.Log instead of stderr for the duration of the test.
func newTestHeap(t *testing.T, cfg heapguard.Config) *heapguard.Heap {
	t.Cleanup(xlog.WithTesting(t))
	return heapguard.New(cfg)
}

func TestScenarioOverrun(t *testing.T) {
	Convey("Given p = malloc(10)", t, func() {
		h := newTestHeap(t, heapguard.Config{Flags: config.Debug})
		p, err := h.Malloc(10)
		So(err, ShouldBeNil)

		Convey("When 11 bytes are written starting at p", func() {
			buf := h.Bytes(p, 11)
			for i := range buf {
				buf[i] = 0
			}

			Convey("Then verify(p) reports OVER_FENCE", func() {
				err := h.Verify(p)
				So(err, ShouldNotBeNil)
				So(heapguard.KindOf(err), ShouldEqual, faults.OverFence)
			})
		})
	})
}

func TestScenarioUnderrun(t *testing.T) {
	Convey("Given p = malloc(10)", t, func() {
		h := newTestHeap(t, heapguard.Config{Flags: config.Debug})
		p, err := h.Malloc(10)
		So(err, ShouldBeNil)

		Convey("When 0xFF is written at p-1", func() {
			buf := h.Bytes(p-1, 1)
			buf[0] = 0xFF

			Convey("Then verify(p) reports UNDER_FENCE", func() {
				err := h.Verify(p)
				So(err, ShouldNotBeNil)
				So(heapguard.KindOf(err), ShouldEqual, faults.UnderFence)
			})
		})
	})
}

func TestScenarioDoubleFree(t *testing.T) {
	Convey("Given p = malloc(32); free(p)", t, func() {
		h := newTestHeap(t, heapguard.Config{Flags: config.Debug})
		p, err := h.Malloc(32)
		So(err, ShouldBeNil)
		So(h.Free(p), ShouldBeNil)

		Convey("When free(p) is called a second time", func() {
			err := h.Free(p)

			Convey("Then it reports NOT_FOUND", func() {
				So(err, ShouldNotBeNil)
				So(heapguard.KindOf(err), ShouldEqual, faults.NotFound)
			})
		})
	})
}

func TestScenarioUseAfterFree(t *testing.T) {
	Convey("Given p = malloc(64); free(p)", t, func() {
		h := newTestHeap(t, heapguard.Config{Flags: config.FreeBlank | config.CheckBlank})
		p, err := h.Malloc(64)
		So(err, ShouldBeNil)
		So(h.Free(p), ShouldBeNil)

		Convey("When 0xAB is written into the freed chunk", func() {
			h.Bytes(p, 1)[0] = 0xAB

			Convey("And 4 more malloc/free cycles of a different size drain the quarantine", func() {
				for i := 0; i < 4; i++ {
					q, err := h.Malloc(200)
					So(err, ShouldBeNil)
					So(h.Free(q), ShouldBeNil)
				}

				Convey("Then the next allocation of the matching size reports FREE_NON_BLANK at reuse", func() {
					_, err := h.Malloc(64)
					So(err, ShouldNotBeNil)
					So(heapguard.KindOf(err), ShouldEqual, faults.FreeNonBlank)
				})
			})
		})
	})
}

func TestScenarioDividedReuse(t *testing.T) {
	Convey("Given 100 malloc(24) followed by 100 free", t, func() {
		h := newTestHeap(t, heapguard.Config{Flags: config.Debug})

		seen := map[heapguard.Ptr]bool{}
		var ptrs []heapguard.Ptr
		for i := 0; i < 100; i++ {
			p, err := h.Malloc(24)
			So(err, ShouldBeNil)
			seen[p] = true
			ptrs = append(ptrs, p)
		}
		for _, p := range ptrs {
			So(h.Free(p), ShouldBeNil)
		}

		Convey("Then check_heap reports ok", func() {
			So(h.Verify(0), ShouldBeNil)
		})

		Convey("And the next malloc(24) returns an address observed earlier", func() {
			p, err := h.Malloc(24)
			So(err, ShouldBeNil)
			So(seen[p], ShouldBeTrue)
		})
	})
}

func TestScenarioVallocAlignment(t *testing.T) {
	Convey("Given p = valloc(1)", t, func() {
		h := newTestHeap(t, heapguard.Config{Flags: config.Debug})
		p, err := h.Valloc(1)
		So(err, ShouldBeNil)

		Convey("Then p is divisible by the basic block size", func() {
			So(uint64(p)%config.BlockSize, ShouldEqual, 0)
		})

		Convey("When p is freed", func() {
			err := h.Free(p)

			Convey("Then check_heap still reports ok", func() {
				So(err, ShouldBeNil)
				So(h.Verify(0), ShouldBeNil)
			})
		})
	})
}

func TestScenarioLogChangedSinceMark(t *testing.T) {
	Convey("Given a mark taken after one allocation", t, func() {
		h := newTestHeap(t, heapguard.Config{Flags: config.Debug})

		_, err := h.Malloc(48)
		So(err, ShouldBeNil)

		mark := h.Mark()

		Convey("When a second pointer is allocated then freed", func() {
			p, err := h.Malloc(96)
			So(err, ShouldBeNil)
			So(h.Free(p), ShouldBeNil)

			Convey("Then log_changed(not-freed) reports nothing", func() {
				So(h.LogChanged(mark, true, false, false), ShouldBeEmpty)
			})

			Convey("Then log_changed(freed) reports the one freed site", func() {
				rows := h.LogChanged(mark, false, true, false)
				So(rows, ShouldHaveLength, 1)
				So(rows[0].Bytes, ShouldEqual, 96)
			})
		})
	})
}
