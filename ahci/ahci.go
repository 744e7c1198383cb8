// Package ahci models the block-device contract spec.md §6 describes: two
// function-pointer entries per device (read-sector, write-sector) and a
// fixed-size registration table. There is no AHCI command engine here, no
// NCQ, no interrupt-driven completion — the original's HBA port
// programming has no Go-idiomatic equivalent worth writing for a contract
// this thin, so only the registration surface the rest of the kernel
// actually calls through is modeled, per SPEC_FULL.md §4.14.
package ahci

import "fmt"

// MaxDevices bounds the registration table; a 33rd Register call is fatal,
// per spec.md §6 ("exceeding the limit is fatal").
const MaxDevices = 32

// BAR is one PCI base-address-register slot an AHCI controller's HBA
// occupies, the slice loader.Handoff hands the kernel per device.
type BAR struct {
	Base uintptr
	Size uint32
}

// Device is one registered block device: two function pointers plus
// enough identity to report in a bugcheck or log line. ReadSector and
// WriteSector move exactly one LBA-sized sector at buf[0:SectorSize].
type Device struct {
	Name        string
	SectorSize  uint32
	ReadSector  func(lba uint64, buf []byte) error
	WriteSector func(lba uint64, buf []byte) error
}

// Registry is the fixed-size block-device table. The zero value is ready
// to use.
type Registry struct {
	devices [MaxDevices]*Device
	count   int

	// Fault is called when Register is asked to exceed MaxDevices,
	// mirroring the heap/irql Fault seam: nil panics, production wiring
	// binds this to bugcheck.Fatal(bugcheck.BlockDeviceLimitReached, ...).
	Fault func(detail string)
}

func (r *Registry) fault(detail string) {
	if r.Fault != nil {
		r.Fault(detail)
		return
	}
	panic(fmt.Sprintf("ahci: BLOCK_DEVICE_LIMIT_REACHED: %s", detail))
}

// Register appends d to the table, bugchecking once MaxDevices is already
// occupied.
func (r *Registry) Register(d *Device) {
	if r.count >= MaxDevices {
		r.fault(fmt.Sprintf("attempted to register %q past the %d-device limit", d.Name, MaxDevices))
		return
	}
	r.devices[r.count] = d
	r.count++
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	return r.count
}

// At returns the device registered at index i (in registration order), or
// nil if i is out of range.
func (r *Registry) At(i int) *Device {
	if i < 0 || i >= r.count {
		return nil
	}
	return r.devices[i]
}
