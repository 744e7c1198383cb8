// Package cpu defines the per-CPU runtime record every other subsystem
// keys off of: IRQL state, the DPC queue, the IPI mailbox, online/offline
// flags, and the bookkeeping SMP bring-up fills in (LAPIC id, stacks, TSS,
// IST tops, GDT). Grounded on
// original_source/kernel/cpu/cpu_types.h's CPU struct and
// original_source/kernel/cpu/smp/smp.c's prepare_percpu.
//
// Record deliberately does not hold a ready queue or a current-thread
// pointer — those belong to sched.CPU, built on top of Record, so that
// this package never has to import proc or sched (see DESIGN.md's
// dependency-injection-seam note).
package cpu

import (
	"sync/atomic"
	"unsafe"

	"kernel/dpc"
	"kernel/intrinsics"
	"kernel/ipi"
	"kernel/irql"
)

// Flags mirrors CPU_FLAGS.
type Flags uint64

const (
	Online Flags = 1 << iota
	Halted
	DoingIPI
	Unavailable
)

// StackSize is the size of a CPU's own kernel stack, guarded on both sides
// per spec.md §4.6.
const StackSize = 32 * 1024

// ISTSize is the size of each IST (page-fault, double-fault) stack.
const ISTSize = 16 * 1024

// TaskState is the handful of TSS fields this kernel actually programs:
// the ring-0 stack pointer and the two IST slots used for page fault and
// double fault.
type TaskState struct {
	RSP0    uintptr
	IST1    uintptr // page fault
	IST2    uintptr // double fault
	IOMapBase uint16
}

// Record is one CPU's runtime state. The zero value is not usable; Init
// must be called once (by the BSP, for every CPU, before bring-up) to
// install the IRQL Interrupter and size the identity fields.
type Record struct {
	IRQL irql.State
	DPC  dpc.Queue
	Ipi  ipi.Slot

	ID      int
	LapicID uint8

	StackTop    uintptr
	TSS         TaskState
	IstPFTop    uintptr
	IstDFTop    uintptr
	GDT         []uint64

	flags atomic.Uint64
}

// Init binds the record's identity and IRQL interrupter. intr is nil on a
// CPU a test is merely constructing data for; real bring-up always
// supplies the intrinsics-backed interrupter.
func (r *Record) Init(id int, lapicID uint8, intr irql.Interrupter, onViolation func(*irql.Violation)) {
	r.ID = id
	r.LapicID = lapicID
	r.IRQL.Bind(intr, onViolation)
}

// SetFlags atomically ORs f into the record's flag word, the Go analogue
// of InterlockedOrU64(&cpus[idx].flags, ...).
func (r *Record) SetFlags(f Flags) {
	r.flags.Or(uint64(f))
}

// ClearFlags atomically ANDs ^f into the flag word.
func (r *Record) ClearFlags(f Flags) {
	r.flags.And(^uint64(f))
}

// HasFlags reports whether every bit in f is currently set.
func (r *Record) HasFlags(f Flags) bool {
	return Flags(r.flags.Load())&f == f
}

// hwInterrupter adapts the intrinsics package to irql.Interrupter. It has
// no state of its own; every method call goes straight to a privileged
// instruction on the calling CPU.
type hwInterrupter struct{}

// HW is the real-hardware irql.Interrupter, shared by every CPU's Record
// once running on actual silicon (or a VM). Tests bind their own fake
// instead of this value.
var HW irql.Interrupter = hwInterrupter{}

func (hwInterrupter) DisableLocal() bool {
	return intrinsics.Cli()
}

func (hwInterrupter) RestoreLocal(wasEnabled bool) {
	intrinsics.RestoreFlags(wasEnabled)
}

func (hwInterrupter) WriteTPR(level irql.Level) {
	intrinsics.WriteCR8(uint64(level))
}

// Install loads the record's address into IA32_KERNEL_GS_BASE so GSBase
// (and therefore "thisCPU()") resolves to r from this point on, and issues
// the GS swap the original's ap_main performs right after the write.
// Real hardware only; tests never call it.
func Install(r *Record, wrmsr func(reg uint32, val uint64), swapgs func()) {
	const IA32KernelGSBase = 0xC0000102
	wrmsr(IA32KernelGSBase, uint64(uintptr(unsafe.Pointer(r))))
	swapgs()
}
