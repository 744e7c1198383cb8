// Package heap implements the kernel's single global dynamic-memory heap:
// a sorted, coalescing free list with header/footer canaries, plus two
// variants — an unmanaged mapped-region allocator and a guard-paged
// allocator.
//
// Grounded on original_source/kernel/memory/memory.c
// (init_heap, insert_block_sorted, coalesce_free_list,
// grow_heap_by_one_page, MtAllocateVirtualMemory, MtFreeVirtualMemory,
// MtAllocateVirtualMemoryEx) for block layout, split/grow/free-validation
// order, and poisoning. That file reads and writes block headers as
// typed pointers into the heap's own live virtual memory; Memory is the
// seam standing in for that (the same role TableAccess plays in the
// paging package) so tests run over a plain byte arena instead of real
// mapped pages.
package heap

import (
	"fmt"

	"github.com/google/pprof/profile"

	"kernel/irql"
	"kernel/mem"
	"kernel/paging"
	"kernel/spinlock"
	"kernel/util"
)

const (
	headerMagic = 0x4845414442_4C4B31 // "HEADBLK1"-ish, fits in int64
	footerMagic = 0x464F4F54_4B4C4231 // "FOOTKLB1"-ish, fits in int64

	kindNormal  = 0
	kindEx      = 1
	kindGuarded = 2

	ptrSize = 8

	offMagic     = 0
	offSize      = 8
	offNext      = 16
	offInUse     = 24
	offKind      = 28
	offRequested = 32
	headerSize   = 40

	offFooterMagic = 0
	footerSize     = 8

	// frameSize is mem.FrameSize (4 KiB) under a package-local name.
	frameSize = mem.FrameSize
)

// Memory gives the heap byte-level access to its own virtual address
// range. Production wires this to the live mapped window (the heap's own
// pages are ordinary kernel memory once mapped); tests wire it to a
// growable arena.
type Memory interface {
	// Bytes returns a slice view over n bytes starting at virtual
	// address va. The returned slice aliases the backing store; writes
	// through it are visible to later reads.
	Bytes(va uintptr, n int) []byte
}

// Mapper is the subset of paging.AddressSpace the heap needs: mapping one
// frame at a time as it grows, and unmapping whole regions freed by the
// Ex/guarded variants.
type Mapper interface {
	Map(st *irql.State, va uintptr, pa mem.Pa_t, flags paging.Flags, rip uintptr) error
	Unmap(st *irql.State, va uintptr, rip uintptr) bool
}

// FrameAllocator is the subset of mem.Physmem_t the heap needs.
type FrameAllocator interface {
	Alloc(st *irql.State, rip uintptr) mem.Pa_t
	Free(st *irql.State, p mem.Pa_t, rip uintptr)
}

// guardRange is one registered non-accessible range; a page fault whose
// address falls in one of these is a guard-page dereference rather than
// an ordinary invalid access.
type guardRange struct {
	start, end uintptr
}

// Heap is the single global kernel heap. The zero value is not usable;
// call Init.
type Heap struct {
	lock   spinlock.Spinlock
	mem    Memory
	space  Mapper
	frames FrameAllocator

	start    uintptr
	end      uintptr
	freeHead uintptr // VA of the first free block, 0 = none

	guards []guardRange

	// Fault is called on an invariant violation (double free, header or
	// footer corruption, invalid free). Nil panics, matching the same
	// seam irql.State.onViolation uses — the kernel wires this to
	// bugcheck.Fatal with the matching stop code.
	Fault func(code string, detail string)
}

// New builds a heap that will grow upward from start, using frames for
// backing pages, space to map/unmap them, and mem for byte access to the
// resulting virtual range.
func New(start uintptr, frames FrameAllocator, space Mapper, m Memory) *Heap {
	return &Heap{start: start, end: start, mem: m, space: space, frames: frames}
}

// Init maps the heap's first frame and seeds the free list with one
// block spanning it.
func (h *Heap) Init(st *irql.State, rip uintptr) error {
	old := h.lock.Acquire(st, rip)
	defer h.lock.Release(st, old, rip)
	return h.growLocked(st, rip)
}

func (h *Heap) fault(code, detail string) {
	if h.Fault != nil {
		h.Fault(code, detail)
		return
	}
	panic(fmt.Sprintf("heap: %s: %s", code, detail))
}

func (h *Heap) readHeader(va uintptr) (magic, size, next uint64, inUse, kind uint32, requested uint64) {
	b := h.mem.Bytes(va, headerSize)
	magic = uint64(util.Readn(b, 8, offMagic))
	size = uint64(util.Readn(b, 8, offSize))
	next = uint64(util.Readn(b, 8, offNext))
	inUse = uint32(util.Readn(b, 4, offInUse))
	kind = uint32(util.Readn(b, 4, offKind))
	requested = uint64(util.Readn(b, 8, offRequested))
	return
}

func (h *Heap) writeHeader(va uintptr, magic, size, next uint64, inUse, kind uint32, requested uint64) {
	b := h.mem.Bytes(va, headerSize)
	util.Writen(b, 8, offMagic, int(magic))
	util.Writen(b, 8, offSize, int(size))
	util.Writen(b, 8, offNext, int(next))
	util.Writen(b, 4, offInUse, int(inUse))
	util.Writen(b, 4, offKind, int(kind))
	util.Writen(b, 8, offRequested, int(requested))
}

func (h *Heap) setNextField(va uintptr, next uint64) {
	b := h.mem.Bytes(va, headerSize)
	util.Writen(b, 8, offNext, int(next))
}

func (h *Heap) footerMagic(va uintptr) uint64 {
	return uint64(util.Readn(h.mem.Bytes(va, footerSize), 8, offFooterMagic))
}

func (h *Heap) setFooterMagic(va uintptr, magic uint64) {
	util.Writen(h.mem.Bytes(va, footerSize), 8, offFooterMagic, int(magic))
}

func (h *Heap) backPointer(va uintptr) uintptr {
	return uintptr(util.Readn(h.mem.Bytes(va, ptrSize), 8, 0))
}

func (h *Heap) setBackPointer(va uintptr, target uintptr) {
	util.Writen(h.mem.Bytes(va, ptrSize), 8, 0, int(target))
}

func (h *Heap) zero(va uintptr, n uintptr) {
	b := h.mem.Bytes(va, int(n))
	for i := range b {
		b[i] = 0
	}
}

// insertSorted links newblock into the free list in address order.
func (h *Heap) insertSorted(newblock uintptr) {
	if h.freeHead == 0 || newblock < h.freeHead {
		_, size, _, inUse, kind, requested := h.readHeader(newblock)
		h.writeHeader(newblock, headerMagic, size, uint64(h.freeHead), inUse, kind, requested)
		h.freeHead = newblock
		return
	}
	cur := h.freeHead
	for {
		_, _, next, _, _, _ := h.readHeader(cur)
		if next == 0 || next >= uint64(newblock) {
			_, size, _, inUse, kind, requested := h.readHeader(newblock)
			h.writeHeader(newblock, headerMagic, size, next, inUse, kind, requested)
			h.setNextField(cur, uint64(newblock))
			return
		}
		cur = uintptr(next)
	}
}

// coalesce merges address-adjacent free blocks, scanning from the head
// each pass so a newly enlarged block can absorb its new neighbor too.
func (h *Heap) coalesce() {
	b := h.freeHead
	for b != 0 {
		_, size, next, _, _, _ := h.readHeader(b)
		if next == 0 {
			break
		}
		endOfB := b + uintptr(size)
		if endOfB == uintptr(next) {
			_, nextSize, nextNext, _, _, _ := h.readHeader(uintptr(next))
			h.writeHeader(b, headerMagic, size+nextSize, nextNext, 0, 0, 0)
			h.zero(uintptr(next), headerSize)
			continue
		}
		b = uintptr(next)
	}
}

// growLocked maps one more frame at h.end, formats it as a single free
// block, and links it into the free list. Caller must hold h.lock.
func (h *Heap) growLocked(st *irql.State, rip uintptr) error {
	frame := h.frames.Alloc(st, rip)
	if frame == 0 {
		return ErrExhausted
	}
	va := h.end
	if err := h.space.Map(st, va, frame, paging.Present|paging.RW, rip); err != nil {
		h.frames.Free(st, frame, rip)
		return err
	}
	h.zero(va, frameSize)
	h.end += frameSize

	h.writeHeader(va, headerMagic, frameSize, 0, 0, 0, 0)
	h.insertSorted(va)
	h.coalesce()
	return nil
}

// ErrExhausted is returned internally when the frame allocator can't
// satisfy a grow request; callers treat this as the MEMORY_LIMIT_REACHED
// bugcheck condition.
var ErrExhausted = fmt.Errorf("heap: out of physical frames")

// ErrBadAlign is returned when align is zero or not a power of two.
var ErrBadAlign = fmt.Errorf("heap: alignment must be a nonzero power of two")

func isPow2(v uintptr) bool { return v != 0 && v&(v-1) == 0 }

func roundup(v, a uintptr) uintptr {
	return (v + a - 1) &^ (a - 1)
}

// Allocate returns a pointer to a zeroed block of at least wantedSize
// bytes aligned to align, splitting or growing the heap as needed.
func (h *Heap) Allocate(st *irql.State, wantedSize, align uintptr, rip uintptr) (uintptr, error) {
	if !isPow2(align) {
		return 0, ErrBadAlign
	}
	if align < ptrSize {
		align = ptrSize
	}
	minFree := uintptr(headerSize + footerSize)

	old := h.lock.Acquire(st, rip)
	defer h.lock.Release(st, old, rip)

	for {
		var prev uintptr
		cur := h.freeHead
		for cur != 0 {
			magic, size, next, inUse, _, _ := h.readHeader(cur)
			if magic != headerMagic || inUse != 0 {
				h.fault("HEAP_CORRUPT_FREE_LIST", fmt.Sprintf("block %#x", cur))
				return 0, ErrCorrupt
			}

			dataStart := cur + headerSize
			userPotential := roundup(dataStart+ptrSize, align)
			footerPotential := userPotential + wantedSize
			endPotential := footerPotential + footerSize
			totalNeeded := endPotential - cur

			if uintptr(size) < totalNeeded {
				prev = cur
				cur = uintptr(next)
				continue
			}

			remaining := uintptr(size) - totalNeeded
			if remaining >= minFree {
				newFree := cur + totalNeeded
				h.writeHeader(newFree, headerMagic, uint64(remaining), next, 0, 0, 0)
				h.relink(prev, cur, newFree)
			} else {
				h.relink(prev, cur, uintptr(next))
				totalNeeded = uintptr(size)
			}

			h.writeHeader(cur, headerMagic, uint64(totalNeeded), 0, 1, kindNormal, uint64(wantedSize))

			userPtr := userPotential
			h.setFooterMagic(footerPotential, footerMagic)
			h.setBackPointer(userPotential-ptrSize, cur)
			h.zero(userPtr, wantedSize)
			return userPtr, nil
		}

		pagesToGrow := (wantedSize + headerSize + footerSize + align + frameSize - 1) / frameSize
		for i := uintptr(0); i < pagesToGrow; i++ {
			if err := h.growLocked(st, rip); err != nil {
				return 0, ErrExhausted
			}
		}
	}
}

// relink replaces cur with newVal in the free list, given cur's
// predecessor (0 meaning cur was the head).
func (h *Heap) relink(prev, cur, newVal uintptr) {
	if prev == 0 {
		h.freeHead = newVal
	} else {
		h.setNextField(prev, uint64(newVal))
	}
}

// ErrCorrupt reports a detected but non-fatal-by-return-value corruption
// for callers that want to handle it themselves; the default Fault path
// bugchecks before this is ever returned to a caller with a nil Fault.
var ErrCorrupt = fmt.Errorf("heap: corrupted block metadata")

// Free validates and releases a block returned by Allocate, or unmaps a
// whole AllocateEx or AllocateGuarded region.
// Invalid pointers, double frees, and canary corruption all route
// through h.Fault (fatal).
func (h *Heap) Free(st *irql.State, ptr uintptr, rip uintptr) {
	if ptr == 0 {
		return
	}
	old := h.lock.Acquire(st, rip)
	defer h.lock.Release(st, old, rip)

	if ptr < h.start || ptr >= h.end {
		h.fault("MEMORY_INVALID_FREE", fmt.Sprintf("ptr %#x outside [%#x,%#x)", ptr, h.start, h.end))
		return
	}

	headerStoreAddr := ptr - ptrSize
	blk := h.backPointer(headerStoreAddr)
	if blk == 0 || blk < h.start || blk >= h.end {
		h.fault("MEMORY_CORRUPT_HEADER", fmt.Sprintf("back-pointer %#x out of range", blk))
		return
	}

	magic, size, _, inUse, kind, requested := h.readHeader(blk)
	if magic != headerMagic {
		h.fault("MEMORY_CORRUPT_HEADER", fmt.Sprintf("block %#x bad magic %#x", blk, magic))
		return
	}
	if inUse == 0 {
		h.fault("MEMORY_DOUBLE_FREE", fmt.Sprintf("block %#x already free", blk))
		return
	}

	if kind == kindNormal {
		footerAddr := ptr + uintptr(requested)
		if footerAddr+footerSize > blk+uintptr(size) {
			h.fault("MEMORY_CORRUPT_HEADER", fmt.Sprintf("block %#x footer out of range", blk))
			return
		}
		if h.footerMagic(footerAddr) != footerMagic {
			h.fault("MEMORY_CORRUPT_FOOTER", fmt.Sprintf("block %#x footer overwritten", blk))
			return
		}
	}

	switch kind {
	case kindEx, kindGuarded:
		h.freeMappedRegion(st, blk, uintptr(size), kind, rip)
	default:
		footerAddr := ptr + uintptr(requested)
		h.zero(ptr, uintptr(requested))
		h.setFooterMagic(footerAddr, ^uint64(0))
		// Only the footer is poisoned. The header is rewritten with
		// HEADER_MAGIC and no poison value, since the block goes straight
		// back on the free list, whose walk checks that magic; a second
		// Free of the same pointer is caught by the in-use check above.
		h.writeHeader(blk, headerMagic, size, 0, 0, kindNormal, 0)
		h.insertSorted(blk)
		h.coalesce()
	}
}

// freeMappedRegion tears down an Ex or guarded region: unmap every frame
// the block itself occupies (guarded regions' flanking guard pages were
// never mapped, so only the interior is touched), reclaim virtual space
// at the tail of the heap if this was the last region, and drop any
// guard-range registration.
func (h *Heap) freeMappedRegion(st *irql.State, blk uintptr, size uintptr, kind uint32, rip uintptr) {
	pages := size / frameSize
	for i := uintptr(0); i < pages; i++ {
		h.space.Unmap(st, blk+i*frameSize, rip)
	}
	start, tail := blk, blk+size
	if kind == kindGuarded {
		start, tail = blk-frameSize, tail+frameSize
	}
	if tail == h.end {
		h.end = start
	}
	if kind == kindGuarded {
		h.unregisterGuard(blk-frameSize, blk+size)
	}
}

// AllocateEx maps pages_needed fresh frames with a caller-specified flag
// set, formats them as one block outside the sorted free list, and is
// freed only by unmapping the whole region.
func (h *Heap) AllocateEx(st *irql.State, wantedSize, align uintptr, flags paging.Flags, rip uintptr) (uintptr, error) {
	if !isPow2(align) {
		return 0, ErrBadAlign
	}
	if align < ptrSize {
		align = ptrSize
	}

	headerAndPtr := uintptr(headerSize + ptrSize)
	total := wantedSize + headerAndPtr + (align - 1)
	pages := (total + frameSize - 1) / frameSize
	region := pages * frameSize

	old := h.lock.Acquire(st, rip)
	defer h.lock.Release(st, old, rip)

	regionStart := h.end
	for i := uintptr(0); i < pages; i++ {
		frame := h.frames.Alloc(st, rip)
		if frame == 0 {
			return 0, ErrExhausted
		}
		if err := h.space.Map(st, regionStart+i*frameSize, frame, flags, rip); err != nil {
			return 0, err
		}
	}
	h.end += region

	h.writeHeader(regionStart, headerMagic, uint64(region), 0, 1, kindEx, 0)

	dataStart := regionStart + headerSize
	userStart := dataStart + ptrSize
	aligned := roundup(userStart, align)
	headerStore := aligned - ptrSize
	if headerStore < dataStart || headerStore+ptrSize > regionStart+region {
		h.fault("MEMORY_CORRUPT_HEADER", "Ex header_store outside region")
		return 0, ErrCorrupt
	}
	h.setBackPointer(headerStore, regionStart)
	h.zero(aligned, wantedSize)
	return aligned, nil
}

// AllocateGuarded maps wantedSize (plus header and back-pointer room,
// rounded up to whole frames) between two unmapped guard frames and registers
// both guard ranges, so a later page fault in either one is recognized
// as a guard-page dereference instead of an ordinary invalid access.
func (h *Heap) AllocateGuarded(st *irql.State, wantedSize, align uintptr, rip uintptr) (uintptr, error) {
	if !isPow2(align) {
		return 0, ErrBadAlign
	}
	if align < ptrSize {
		align = ptrSize
	}

	headerAndPtr := uintptr(headerSize + ptrSize)
	total := wantedSize + headerAndPtr + (align - 1)
	userPages := (total + frameSize - 1) / frameSize

	old := h.lock.Acquire(st, rip)
	defer h.lock.Release(st, old, rip)

	lowGuard := h.end
	regionStart := lowGuard + frameSize
	highGuard := regionStart + userPages*frameSize

	for i := uintptr(0); i < userPages; i++ {
		frame := h.frames.Alloc(st, rip)
		if frame == 0 {
			return 0, ErrExhausted
		}
		if err := h.space.Map(st, regionStart+i*frameSize, frame, paging.Present|paging.RW, rip); err != nil {
			return 0, err
		}
	}
	h.end = highGuard + frameSize

	h.writeHeader(regionStart, headerMagic, uint64(userPages*frameSize), 0, 1, kindGuarded, 0)

	dataStart := regionStart + headerSize
	userStart := dataStart + ptrSize
	aligned := roundup(userStart, align)
	headerStore := aligned - ptrSize
	if headerStore < dataStart || headerStore+ptrSize > regionStart+userPages*frameSize {
		h.fault("MEMORY_CORRUPT_HEADER", "guarded header_store outside region")
		return 0, ErrCorrupt
	}
	h.setBackPointer(headerStore, regionStart)
	h.zero(aligned, wantedSize)

	h.registerGuard(lowGuard, lowGuard+frameSize)
	h.registerGuard(highGuard, highGuard+frameSize)
	return aligned, nil
}

func (h *Heap) registerGuard(start, end uintptr) {
	h.guards = append(h.guards, guardRange{start: start, end: end})
}

// unregisterGuard drops the two guard ranges flanking a freed guarded
// block, identified by their start addresses.
func (h *Heap) unregisterGuard(lowGuardStart, highGuardStart uintptr) {
	filtered := h.guards[:0]
	for _, g := range h.guards {
		if g.start == lowGuardStart || g.start == highGuardStart {
			continue
		}
		filtered = append(filtered, g)
	}
	h.guards = filtered
}

// IsGuardAddress reports whether va falls inside any registered guard
// range. Its signature fits bugcheck.Fatal's guardPages parameter, which
// uses it to tell a guard-page dereference from an ordinary page fault. Guard registration only
// changes under the heap lock but this read does not take it — it runs
// from fault context, potentially without a usable irql.State, and the
// registry only grows/shrinks at block granularity so a stale read is at
// worst a missed classification on this one fault, not corruption.
func (h *Heap) IsGuardAddress(va uintptr) bool {
	for _, g := range h.guards {
		if va >= g.start && va < g.end {
			return true
		}
	}
	return false
}

// Snapshot walks the free list under lock and reports a pprof profile
// with free-bytes and used-bytes samples, in the same shape mem.Physmem_t
// reports frame counts, so both can feed one diagnostic pipeline.
func (h *Heap) Snapshot(st *irql.State, rip uintptr) *profile.Profile {
	old := h.lock.Acquire(st, rip)
	var freeBytes uint64
	for cur := h.freeHead; cur != 0; {
		_, size, next, _, _, _ := h.readHeader(cur)
		freeBytes += size
		cur = uintptr(next)
	}
	total := uint64(h.end - h.start)
	h.lock.Release(st, old, rip)

	usedBytes := total - freeBytes

	freeFn := &profile.Function{ID: 1, Name: "heap.free_bytes"}
	usedFn := &profile.Function{ID: 2, Name: "heap.used_bytes"}
	freeLoc := &profile.Location{ID: 1, Line: []profile.Line{{Function: freeFn}}}
	usedLoc := &profile.Location{ID: 2, Line: []profile.Line{{Function: usedFn}}}

	return &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "bytes", Unit: "bytes"}},
		Sample: []*profile.Sample{
			{Location: []*profile.Location{freeLoc}, Value: []int64{int64(freeBytes)}},
			{Location: []*profile.Location{usedLoc}, Value: []int64{int64(usedBytes)}},
		},
		Location: []*profile.Location{freeLoc, usedLoc},
		Function: []*profile.Function{freeFn, usedFn},
	}
}
