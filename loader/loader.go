// Package loader models the boot hand-off contract spec.md §6 describes:
// the structure a UEFI-style loader fills in before jumping to the kernel
// entry point — framebuffer geometry, the firmware memory map, the boot
// PML4 physical base, and the AHCI BAR array — and the firmware memory
// descriptor format the frame allocator's Init consumes, per
// SPEC_FULL.md §4.13. There is no bootloader here to produce a real
// Handoff; this package is the external contract's Go shape plus the
// parsing/conversion code that turns it into what mem.Physmem_t.Init
// actually wants.
package loader

import (
	"encoding/binary"

	"kernel/ahci"
	"kernel/mem"
)

// Framebuffer is the GOP-style linear framebuffer description the loader
// hands off, per spec.md §6 ("framebuffer base, width, height,
// pixels-per-scanline").
type Framebuffer struct {
	Base              uintptr
	Width             uint32
	Height            uint32
	PixelsPerScanline uint32
}

// Handoff is everything the loader passes to the kernel at entry:
// framebuffer geometry, the raw firmware memory map plus the stride
// needed to walk it, the physical base of the page tables the loader
// built, and one BAR slot per AHCI controller it found on the PCI bus.
type Handoff struct {
	Framebuffer Framebuffer

	MemoryMap      []byte
	MapSize        uintptr
	DescriptorSize uintptr

	PML4Phys uintptr

	BARs [ahci.MaxDevices]ahci.BAR
}

// Type is a firmware memory region classification. Values follow the
// UEFI EFI_MEMORY_TYPE enumeration; the allocator only ever needs to
// distinguish Conventional from everything else, per spec.md §6 ("the
// core only requires the 'conventional memory' type to be
// distinguishable").
type Type uint32

const (
	Reserved Type = iota
	LoaderCode
	LoaderData
	BootServicesCode
	BootServicesData
	RuntimeServicesCode
	RuntimeServicesData
	Conventional
	Unusable
	ACPIReclaim
	ACPIMemoryNVS
	MemoryMappedIO
	MemoryMappedIOPortSpace
	PalCode
	PersistentMemory
)

// Byte offsets within each DescriptorSize-wide stride of Handoff.MemoryMap:
// a little-endian
// (Type uint32, padding uint32, PhysStart uint64, VirtStart uint64,
// PageCount uint64, Attribute uint64) record, matching the UEFI
// EFI_MEMORY_DESCRIPTOR layout firmware actually hands a loader.
const (
	offType           = 0
	offPhysStart      = 8
	offPageCount      = 24
	minDescriptorSize = 32
)

// Descriptor mirrors one firmware memory-map entry: base, page count, and
// region type. IsConventional is the only classification the frame
// allocator needs.
type Descriptor struct {
	PhysStart uintptr
	PageCount uint64
	Type      Type
}

// IsConventional reports whether the region is ordinary usable RAM.
func (d Descriptor) IsConventional() bool {
	return d.Type == Conventional
}

// Descriptors walks h.MemoryMap in DescriptorSize-wide strides and decodes
// each entry, mirroring the loop frame_bitmap_init runs over
// gEfiMemoryMap*. A DescriptorSize smaller than the fields this package
// reads is a malformed hand-off and yields no descriptors rather than
// reading out of bounds.
func (h *Handoff) Descriptors() []Descriptor {
	if h.DescriptorSize < minDescriptorSize {
		return nil
	}
	n := int(h.MapSize / h.DescriptorSize)
	out := make([]Descriptor, 0, n)
	for i := 0; i < n; i++ {
		off := i * int(h.DescriptorSize)
		if off+int(h.DescriptorSize) > len(h.MemoryMap) {
			break
		}
		entry := h.MemoryMap[off : off+int(h.DescriptorSize)]
		out = append(out, Descriptor{
			Type:      Type(binary.LittleEndian.Uint32(entry[offType:])),
			PhysStart: uintptr(binary.LittleEndian.Uint64(entry[offPhysStart:])),
			PageCount: binary.LittleEndian.Uint64(entry[offPageCount:]),
		})
	}
	return out
}

// MemDescriptors converts every entry in h's memory map to the shape
// mem.Physmem_t.Init consumes, the boundary mem.go's own Descriptor doc
// comment anticipates: this package owns the firmware format, mem owns
// only "base, page count, is it usable".
func (h *Handoff) MemDescriptors() []mem.Descriptor {
	descs := h.Descriptors()
	out := make([]mem.Descriptor, len(descs))
	for i, d := range descs {
		out[i] = mem.Descriptor{
			PhysStart:    d.PhysStart,
			Pages:        d.PageCount,
			Conventional: d.IsConventional(),
		}
	}
	return out
}
