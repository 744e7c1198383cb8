// Package paging implements the 4-level x86_64 page-table walker: map,
// unmap, translate, and per-page flag edits, with a TLB shootdown hook
// fired after every mutation.
//
// Grounded on original_source/kernel/core/memory/paging/paging.c
// (map_page, unmap_page, set_page_writable, set_page_user_access,
// MtAddPageFlags, MtTranslateVirtualToPhysical) for index extraction,
// canonicalization, and the present-bit walk at each level. That file
// reaches intermediate tables through a recursive self-map valid only on
// the CPU whose CR3 points at the PML4 being walked; a Go process run
// under `go test` has no such mapping; TableAccess is the seam that lets
// production code install a real recursive-map/direct-map reader
// (biscuit/src/vm/as.go's Dmap is the same idea — a phys-to-virt window
// used instead of walking via `mov cr3`) while tests install an
// in-memory fake.
package paging

import (
	"fmt"

	"kernel/irql"
	"kernel/mem"
	"kernel/spinlock"
)

const (
	pml4Shift = 39
	pdptShift = 30
	pdShift   = 21
	ptShift   = 12
	idxMask   = 0x1FF

	hugePDPTSize = 1 << 30
	hugePDSize   = 1 << 21

	entryAddrMask = ^uintptr(0xFFF)
)

// Flags are the low-order PTE bits the spec names. PS marks a huge page at
// the PDPT or PD level; the mapper recognizes it but never sets it.
type Flags uint64

const (
	Present Flags = 1 << 0
	RW      Flags = 1 << 1
	User    Flags = 1 << 2
	PS      Flags = 1 << 7
)

// Canonicalize sign-extends bit 47 of va into bits 63..48, matching
// canonical_high in the original.
func Canonicalize(va uintptr) uintptr {
	const bit47 = uintptr(1) << 47
	if va&bit47 != 0 {
		return va | ^(bit47<<1 - 1)
	}
	return va &^ (^(bit47<<1 - 1))
}

func pml4Index(va uintptr) int { return int((va >> pml4Shift) & idxMask) }
func pdptIndex(va uintptr) int { return int((va >> pdptShift) & idxMask) }
func pdIndex(va uintptr) int   { return int((va >> pdShift) & idxMask) }
func ptIndex(va uintptr) int   { return int((va >> ptShift) & idxMask) }
func pageOffset(va uintptr) uintptr { return va & 0xFFF }

// TableAccess reads and writes 8-byte entries of a page table identified
// by its physical frame address, and zeroes a freshly allocated table.
type TableAccess interface {
	ReadEntry(tablePA uintptr, index int) uint64
	WriteEntry(tablePA uintptr, index int, val uint64)
	ZeroTable(tablePA uintptr)
}

// FrameAllocator is the subset of mem.Physmem_t an address space needs to
// grow and shrink its page tables. *mem.Physmem_t satisfies it directly.
type FrameAllocator interface {
	Alloc(st *irql.State, rip uintptr) mem.Pa_t
	Free(st *irql.State, p mem.Pa_t, rip uintptr)
}

// AddressSpace owns one PML4 frame and the tables reachable from it.
// Mutating operations serialize on lock, mirroring the per-process
// spinlock the owning Process type carries.
type AddressSpace struct {
	lock   spinlock.Spinlock
	root   uintptr
	frames FrameAllocator
	access TableAccess

	// Shootdown is called with the mutated VA after the local PTE write,
	// before the local invalidate, for every CPU but the caller's own.
	// Nil means no peers to notify (single-CPU boot, or tests).
	Shootdown func(va uintptr)
	// Invalidate performs the local TLB flush for one VA (intrinsics.Invlpg
	// in production). Nil is a no-op, which is what tests want.
	Invalidate func(va uintptr)
}

// New wraps an existing PML4 frame at root. frames supplies intermediate
// table frames; access reads and writes their entries.
func New(root uintptr, frames FrameAllocator, access TableAccess) *AddressSpace {
	return &AddressSpace{root: root, frames: frames, access: access}
}

// Root returns the physical address of the PML4 frame.
func (as *AddressSpace) Root() uintptr { return as.root }

func (as *AddressSpace) notify(va uintptr) {
	if as.Shootdown != nil {
		as.Shootdown(va)
	}
	if as.Invalidate != nil {
		as.Invalidate(va)
	}
}

// walk descends from the PML4 to the PT that would hold va's mapping.
// alloc controls whether missing intermediate tables are created
// (map_in's policy) or the walk simply stops and reports the missing
// level (every read-only operation's policy).
func (as *AddressSpace) walk(st *irql.State, va uintptr, alloc bool, rip uintptr) (ptPA uintptr, pdeForHuge uint64, pdpteForHuge uint64, ok bool) {
	pml4i, pdpti, pdi, pti := pml4Index(va), pdptIndex(va), pdIndex(va), ptIndex(va)

	pml4e := as.access.ReadEntry(as.root, pml4i)
	pdptPA, ok := as.childTable(pml4e, alloc, as.root, pml4i, st, rip)
	if !ok {
		return 0, 0, 0, false
	}

	pdpte := as.access.ReadEntry(pdptPA, pdpti)
	if Flags(pdpte)&PS != 0 {
		return 0, 0, pdpte, true
	}
	pdPA, ok := as.childTable(pdpte, alloc, pdptPA, pdpti, st, rip)
	if !ok {
		return 0, 0, 0, false
	}

	pde := as.access.ReadEntry(pdPA, pdi)
	if Flags(pde)&PS != 0 {
		return 0, pde, 0, true
	}
	pt, ok := as.childTable(pde, alloc, pdPA, pdi, st, rip)
	if !ok {
		return 0, 0, 0, false
	}
	_ = pti
	return pt, 0, 0, true
}

// childTable resolves the physical address of the table one level below
// parentPA[parentIndex]. When that slot is empty and alloc is true, it
// allocates and zeroes a new frame and links it with present+rw+user, the
// fixed flag set map_in uses for intermediate tables.
func (as *AddressSpace) childTable(entry uint64, alloc bool, parentPA uintptr, parentIndex int, st *irql.State, rip uintptr) (uintptr, bool) {
	if Flags(entry)&Present != 0 {
		return uintptr(entry) & uintptr(entryAddrMask), true
	}
	if !alloc {
		return 0, false
	}
	frame := as.frames.Alloc(st, rip)
	if frame == 0 {
		return 0, false
	}
	pa := uintptr(frame)
	as.access.ZeroTable(pa)
	as.access.WriteEntry(parentPA, parentIndex, uint64(pa)|uint64(Present|RW|User))
	return pa, true
}

// ErrAlreadyMapped is returned by Map when va already has a present
// mapping; callers that want to overwrite use Unmap then Map.
var ErrAlreadyMapped = fmt.Errorf("paging: virtual address already mapped")

// ErrNoMemory is returned when an intermediate table frame could not be
// allocated.
var ErrNoMemory = fmt.Errorf("paging: out of frames for page table")

// Map installs a 4 KiB mapping for va, allocating any missing
// intermediate tables along the way (present+rw+user), and refuses if va
// is already mapped. The spec names this both `map` (implicit current
// address space) and `map_in` (explicit target); since AddressSpace is
// always passed explicitly here the two collapse into one method.
func (as *AddressSpace) Map(st *irql.State, va uintptr, pa mem.Pa_t, flags Flags, rip uintptr) error {
	va = Canonicalize(va)
	old := as.lock.Acquire(st, rip)
	defer as.lock.Release(st, old, rip)

	if as.isMappedLocked(st, va, rip) {
		return ErrAlreadyMapped
	}

	ptPA, _, _, ok := as.walk(st, va, true, rip)
	if !ok {
		return ErrNoMemory
	}
	as.access.WriteEntry(ptPA, ptIndex(va), (uint64(pa)&uint64(entryAddrMask))|uint64(flags))
	as.notify(va)
	return nil
}

func (as *AddressSpace) isMappedLocked(st *irql.State, va uintptr, rip uintptr) bool {
	ptPA, pde, pdpte, ok := as.walk(st, va, false, rip)
	if !ok {
		return false
	}
	if pdpte != 0 {
		return Flags(pdpte)&Present != 0
	}
	if pde != 0 {
		return Flags(pde)&Present != 0
	}
	return Flags(as.access.ReadEntry(ptPA, ptIndex(va)))&Present != 0
}

// IsMapped reports whether va currently has a present mapping at any
// level (4 KiB, 2 MiB, or 1 GiB).
func (as *AddressSpace) IsMapped(st *irql.State, va uintptr, rip uintptr) bool {
	va = Canonicalize(va)
	old := as.lock.Acquire(st, rip)
	defer as.lock.Release(st, old, rip)
	return as.isMappedLocked(st, va, rip)
}

// Translate resolves va to a physical address, honoring huge pages at the
// PDPT and PD levels. It returns (0, false) for any unmapped va.
func (as *AddressSpace) Translate(st *irql.State, va uintptr, rip uintptr) (uintptr, bool) {
	va = Canonicalize(va)
	old := as.lock.Acquire(st, rip)
	defer as.lock.Release(st, old, rip)

	ptPA, pde, pdpte, ok := as.walk(st, va, false, rip)
	if !ok {
		return 0, false
	}
	if pdpte != 0 {
		if Flags(pdpte)&Present == 0 {
			return 0, false
		}
		base := uintptr(pdpte) &^ (hugePDPTSize - 1)
		return base + (va & (hugePDPTSize - 1)), true
	}
	if pde != 0 {
		if Flags(pde)&Present == 0 {
			return 0, false
		}
		base := uintptr(pde) &^ (hugePDSize - 1)
		return base + (va & (hugePDSize - 1)), true
	}
	pte := as.access.ReadEntry(ptPA, ptIndex(va))
	if Flags(pte)&Present == 0 {
		return 0, false
	}
	base := uintptr(pte) & entryAddrMask
	return base + pageOffset(va), true
}

// Unmap clears va's mapping, frees the backing frame, fires the shootdown
// hook, and reports whether anything was unmapped. Huge pages at the
// PDPT/PD level are recognized and torn down whole; the mapper itself
// never creates them.
func (as *AddressSpace) Unmap(st *irql.State, va uintptr, rip uintptr) bool {
	va = Canonicalize(va)
	old := as.lock.Acquire(st, rip)
	defer as.lock.Release(st, old, rip)

	ptPA, pde, pdpte, ok := as.walk(st, va, false, rip)
	if !ok {
		return false
	}
	if pdpte != 0 {
		if Flags(pdpte)&Present == 0 {
			return false
		}
		base := uintptr(pdpte) &^ (hugePDPTSize - 1)
		as.access.WriteEntry(as.pdptOf(va), pdptIndex(va), 0)
		as.notify(va)
		as.frames.Free(st, mem.Pa_t(base), rip)
		return true
	}
	if pde != 0 {
		if Flags(pde)&Present == 0 {
			return false
		}
		base := uintptr(pde) &^ (hugePDSize - 1)
		as.access.WriteEntry(as.pdOf(va), pdIndex(va), 0)
		as.notify(va)
		as.frames.Free(st, mem.Pa_t(base), rip)
		return true
	}
	pte := as.access.ReadEntry(ptPA, ptIndex(va))
	if Flags(pte)&Present == 0 {
		return false
	}
	base := uintptr(pte) & entryAddrMask
	as.access.WriteEntry(ptPA, ptIndex(va), 0)
	as.notify(va)
	as.frames.Free(st, mem.Pa_t(base), rip)
	return true
}

// pdptOf and pdOf re-walk to recover the parent table's physical address
// for the huge-page unmap paths, which only need the parent, not a fresh
// allocation.
func (as *AddressSpace) pdptOf(va uintptr) uintptr {
	pml4e := as.access.ReadEntry(as.root, pml4Index(va))
	return uintptr(pml4e) & entryAddrMask
}

func (as *AddressSpace) pdOf(va uintptr) uintptr {
	pdptPA := as.pdptOf(va)
	pdpte := as.access.ReadEntry(pdptPA, pdptIndex(va))
	return uintptr(pdpte) & entryAddrMask
}

// SetWritable flips the RW bit of va's PTE. A no-op if va isn't mapped
// down to the PT level.
func (as *AddressSpace) SetWritable(st *irql.State, va uintptr, writable bool, rip uintptr) {
	as.editPTE(st, va, rip, func(e uint64) uint64 {
		if writable {
			return e | uint64(RW)
		}
		return e &^ uint64(RW)
	})
}

// SetUser flips the USER bit of va's PTE.
func (as *AddressSpace) SetUser(st *irql.State, va uintptr, user bool, rip uintptr) {
	as.editPTE(st, va, rip, func(e uint64) uint64 {
		if user {
			return e | uint64(User)
		}
		return e &^ uint64(User)
	})
}

// AddFlags ORs flags into va's PTE.
func (as *AddressSpace) AddFlags(st *irql.State, va uintptr, flags Flags, rip uintptr) {
	as.editPTE(st, va, rip, func(e uint64) uint64 {
		return e | uint64(flags)
	})
}

func (as *AddressSpace) editPTE(st *irql.State, va uintptr, rip uintptr, edit func(uint64) uint64) {
	va = Canonicalize(va)
	old := as.lock.Acquire(st, rip)
	defer as.lock.Release(st, old, rip)

	ptPA, pde, pdpte, ok := as.walk(st, va, false, rip)
	if !ok || pdpte != 0 || pde != 0 {
		return
	}
	entry := as.access.ReadEntry(ptPA, ptIndex(va))
	as.access.WriteEntry(ptPA, ptIndex(va), edit(entry))
	as.notify(va)
}
