// Package mem implements the physical-frame bitmap allocator: one bit per
// 4 KiB frame, bit set meaning used. Grounded on
// original_source/kernel/core/memory/allocator/allocator.c
// (frame_bitmap_init, alloc_frame, free_frame) for the exact placement and
// carve-out policy; struct/method naming follows
// biscuit/src/mem/mem.go's Pa_t/Physmem_t convention, though that file's
// per-CPU refcounted free-list design is not reused here — the bitmap is
// what the spec calls for.
package mem

import (
	"fmt"

	"github.com/google/pprof/profile"

	"kernel/irql"
	"kernel/spinlock"
	"kernel/util"
)

const (
	// FrameShift is log2(FrameSize).
	FrameShift = 12
	// FrameSize is the size in bytes of one physical frame.
	FrameSize = 1 << FrameShift
	// reservedLowMem is the first-megabyte carve-out; BIOS/legacy hardware
	// territory that the allocator never hands out even when a descriptor
	// marks it conventional.
	reservedLowMem = 0x100000
)

// Pa_t is a physical address. Allocator.Alloc always returns a
// frame-aligned value; callers must not assume anything about the bits
// below FrameShift of an address that did not come from Alloc.
type Pa_t uintptr

// Descriptor mirrors the subset of a firmware memory-map entry the
// allocator needs: base, page count, and whether the region is free for
// general use. loader.Descriptor is converted to this shape at the
// boundary so this package never imports the loader's firmware types.
type Descriptor struct {
	PhysStart    uintptr
	Pages        uint64
	Conventional bool
}

// ErrNoRoom is returned by Init when no descriptor offers a conventional
// region large enough to hold the bitmap itself.
var ErrNoRoom = fmt.Errorf("mem: no conventional region large enough for the frame bitmap")

// Physmem_t is the frame bitmap allocator. The zero value is not usable;
// call Init first. All mutating operations require the caller's IRQL to
// be at or below irql.DISPATCH, enforced by acquiring lock (which itself
// raises to DISPATCH for the duration).
type Physmem_t struct {
	lock         spinlock.Spinlock
	bitmap       []byte
	totalFrames  uint64
	bitmapBase   uint64 // first frame number occupied by the bitmap itself
	bitmapFrames uint64 // number of frames the bitmap occupies
}

// Init computes the highest physical address described by descriptors,
// sizes a bitmap of ceil(frames/8) bytes, places it after kernelEndPhys
// when a conventional region has room there, otherwise in the first
// sufficiently large conventional region, marks every frame used, then
// clears bits for conventional regions excluding the bitmap's own frames
// and the first reservedLowMem bytes.
func (phys *Physmem_t) Init(st *irql.State, descriptors []Descriptor, kernelEndPhys uintptr, rip uintptr) error {
	old := phys.lock.Acquire(st, rip)
	defer phys.lock.Release(st, old, rip)

	var highest uint64
	for _, d := range descriptors {
		end := uint64(d.PhysStart) + d.Pages*FrameSize
		if end > highest {
			highest = end
		}
	}
	totalFrames := (highest + FrameSize - 1) / FrameSize
	bitmapSize := (totalFrames + 7) / 8

	potentialStart := uint64(util.Roundup(kernelEndPhys, FrameSize))

	var bitmapPhys uint64
	found := false
	for _, d := range descriptors {
		if !d.Conventional {
			continue
		}
		start := uint64(d.PhysStart)
		end := start + d.Pages*FrameSize
		if potentialStart >= start && end > potentialStart {
			if end-potentialStart >= bitmapSize {
				bitmapPhys = potentialStart
				found = true
				break
			}
		}
	}
	if !found {
		for _, d := range descriptors {
			if !d.Conventional {
				continue
			}
			start := uint64(d.PhysStart)
			end := start + d.Pages*FrameSize
			if d.Pages == 0 || d.Pages*FrameSize < bitmapSize {
				continue
			}
			if end <= uint64(kernelEndPhys) || start >= uint64(kernelEndPhys) {
				bitmapPhys = start
				found = true
				break
			}
		}
	}
	if !found {
		return ErrNoRoom
	}

	bitmap := make([]byte, bitmapSize)
	for i := range bitmap {
		bitmap[i] = 0xFF
	}

	bitmapBase := bitmapPhys / FrameSize
	bitmapFrames := (bitmapSize + FrameSize - 1) / FrameSize

	phys.bitmap = bitmap
	phys.totalFrames = totalFrames
	phys.bitmapBase = bitmapBase
	phys.bitmapFrames = bitmapFrames

	for i := uint64(0); i < bitmapFrames; i++ {
		phys.setFrame(bitmapBase + i)
	}

	for _, d := range descriptors {
		if !d.Conventional {
			continue
		}
		base := uint64(d.PhysStart) / FrameSize
		for p := uint64(0); p < d.Pages; p++ {
			frame := base + p
			if frame >= bitmapBase && frame < bitmapBase+bitmapFrames {
				continue
			}
			if frame*FrameSize < reservedLowMem {
				continue
			}
			phys.clearFrame(frame)
		}
	}
	return nil
}

func (phys *Physmem_t) setFrame(frame uint64) {
	if frame >= phys.totalFrames {
		return
	}
	phys.bitmap[frame/8] |= 1 << (frame % 8)
}

func (phys *Physmem_t) clearFrame(frame uint64) {
	if frame >= phys.totalFrames {
		return
	}
	phys.bitmap[frame/8] &^= 1 << (frame % 8)
}

func (phys *Physmem_t) testFrame(frame uint64) bool {
	if frame >= phys.totalFrames {
		return false
	}
	return phys.bitmap[frame/8]&(1<<(frame%8)) != 0
}

// Alloc scans the bitmap for the first clear bit, sets it, and returns the
// frame's physical address. It returns 0 on exhaustion; the caller decides
// whether that is fatal.
func (phys *Physmem_t) Alloc(st *irql.State, rip uintptr) Pa_t {
	old := phys.lock.Acquire(st, rip)
	defer phys.lock.Release(st, old, rip)

	for frame := uint64(0); frame < phys.totalFrames; frame++ {
		if !phys.testFrame(frame) {
			phys.setFrame(frame)
			return Pa_t(frame * FrameSize)
		}
	}
	return 0
}

// Free clears the bit for the frame containing p.
func (phys *Physmem_t) Free(st *irql.State, p Pa_t, rip uintptr) {
	old := phys.lock.Acquire(st, rip)
	defer phys.lock.Release(st, old, rip)

	frame := uint64(p) / FrameSize
	phys.clearFrame(frame)
}

// Pgcount returns the total frame count and the number currently free, for
// diagnostics and tests. It takes the lock like any other accessor.
func (phys *Physmem_t) Pgcount(st *irql.State, rip uintptr) (total, free int) {
	old := phys.lock.Acquire(st, rip)
	defer phys.lock.Release(st, old, rip)

	total = int(phys.totalFrames)
	for frame := uint64(0); frame < phys.totalFrames; frame++ {
		if !phys.testFrame(frame) {
			free++
		}
	}
	return total, free
}

// Snapshot builds a pprof profile with one "frames" sample type split into
// free and used counts, for attaching to the same diagnostic path the heap
// allocator uses.
func (phys *Physmem_t) Snapshot(st *irql.State, rip uintptr) *profile.Profile {
	total, free := phys.Pgcount(st, rip)
	used := total - free

	freeFn := &profile.Function{ID: 1, Name: "mem.free"}
	usedFn := &profile.Function{ID: 2, Name: "mem.used"}
	freeLoc := &profile.Location{ID: 1, Line: []profile.Line{{Function: freeFn}}}
	usedLoc := &profile.Location{ID: 2, Line: []profile.Line{{Function: usedFn}}}

	return &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "frames", Unit: "count"}},
		Sample: []*profile.Sample{
			{Location: []*profile.Location{freeLoc}, Value: []int64{int64(free)}},
			{Location: []*profile.Location{usedLoc}, Value: []int64{int64(used)}},
		},
		Location: []*profile.Location{freeLoc, usedLoc},
		Function: []*profile.Function{freeFn, usedFn},
	}
}
