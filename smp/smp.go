// Package smp brings additional CPUs online: per-CPU stack/TSS/IST/GDT
// allocation and the INIT/SIPI/SIPI startup sequence, grounded on
// original_source/kernel/cpu/smp/smp.c (prepare_percpu, send_startup_ipis,
// smp_start) and ap_main.c (the AP-side counterpart that installs the
// per-CPU record and jumps into the scheduler idle loop).
//
// The trampoline-copy and real-mode-to-long-mode handoff machinery in
// smp.c has no meaningful Go expression — it is raw boot-time memory
// surgery on an identity-mapped low page — so this package models only
// the parts with real control-flow and data-structure content: building
// each cpu.Record's stack/TSS/IST/GDT state, and driving the LAPIC
// INIT/SIPI sequence through an injected Lapic seam.
package smp

import (
	"kernel/cpu"
	"kernel/heap"
	"kernel/irql"
)

// CPUStackSize is a CPU's own kernel stack, guarded on both sides, per
// CPU_STACK_SIZE.
const CPUStackSize = 32 * 1024

// ISTSize is each IST (page fault / double fault) stack, guarded on both
// sides, per IST_SIZE.
const ISTSize = 16 * 1024

const (
	istAlignment  = 16
	gdtAlignment  = 16
	tssAlignment  = 16
	gdtEntryCount = 5
)

// tssSize is the footprint of cpu.TaskState padded out to the size the
// original's TSS struct reserves; exact layout doesn't matter here since
// nothing in this package reads back through it as hardware would.
const tssSize = 104

// PreparePerCPU fills in rec's identity and allocates its stack, IST
// stacks, TSS, and GDT, mirroring prepare_percpu's per-iteration body. id
// is the CPU's index into the bring-up list, lapicID its APIC identifier.
func PreparePerCPU(st *irql.State, h *heap.Heap, rec *cpu.Record, id int, lapicID uint8, intr irql.Interrupter, onViolation func(*irql.Violation), rip uintptr) error {
	rec.Init(id, lapicID, intr, onViolation)

	stack, err := h.AllocateGuarded(st, CPUStackSize, 0x1000, rip)
	if err != nil {
		return err
	}
	rec.StackTop = stack + CPUStackSize

	istpf, err := h.AllocateGuarded(st, ISTSize, istAlignment, rip)
	if err != nil {
		return err
	}
	istdf, err := h.AllocateGuarded(st, ISTSize, istAlignment, rip)
	if err != nil {
		return err
	}
	rec.IstPFTop = istpf + ISTSize
	rec.IstDFTop = istdf + ISTSize

	tssBase, err := h.Allocate(st, tssSize, tssAlignment, rip)
	if err != nil {
		return err
	}
	rec.TSS.RSP0 = rec.StackTop
	rec.TSS.IST1 = rec.IstPFTop
	rec.TSS.IST2 = rec.IstDFTop
	_ = tssBase // TSS descriptor install is GDT/hardware wiring, not modeled here

	gdtBase, err := h.Allocate(st, 8*gdtEntryCount, gdtAlignment, rip)
	if err != nil {
		return err
	}
	rec.GDT = make([]uint64, gdtEntryCount)
	_ = gdtBase

	return nil
}

// Lapic is the hardware seam send_startup_ipis needs: asserting INIT,
// sending the vectorized SIPI twice, and the millisecond delays the
// sequence requires between each step. Real hardware backs this with
// LAPIC ICR writes and a PIT-driven sleep; tests record calls instead.
type Lapic interface {
	SendInit(targetLapicID uint8)
	SendStartup(targetLapicID uint8, vector uint8)
	SleepMillis(ms int)
}

// TrampolineVector is the SIPI vector encoding the trampoline's physical
// page, i.e. AP_TRAMP_PHYS>>12. Callers supply the actual physical page
// their trampoline was installed at; this package has no opinion on where
// that memory lives.
type TrampolineVector = uint8

// StartAP drives one target CPU's INIT/SIPI/SIPI sequence, mirroring
// send_startup_ipis exactly: INIT assert, 10ms settle, SIPI, 1ms, SIPI
// again, 1ms.
func StartAP(l Lapic, targetLapicID uint8, vector TrampolineVector) {
	l.SendInit(targetLapicID)
	l.SleepMillis(10)
	l.SendStartup(targetLapicID, vector)
	l.SleepMillis(1)
	l.SendStartup(targetLapicID, vector)
	l.SleepMillis(1)
}

// Bringup prepares every CPU and starts every AP (every entry in lapicIDs
// except selfLapicID), mirroring smp_start's per-AP loop skipping the BSP.
// Each prepared cpu.Record is appended to out in lapicIDs order — callers
// typically pass sched.Register as part of wiring out[i] into the
// scheduler once InitScheduler-equivalent setup has run for it.
func Bringup(st *irql.State, h *heap.Heap, lapicIDs []uint8, selfLapicID uint8, intr irql.Interrupter, onViolation func(*irql.Violation), l Lapic, vector TrampolineVector, rip uintptr) ([]*cpu.Record, error) {
	records := make([]*cpu.Record, len(lapicIDs))
	for i, id := range lapicIDs {
		rec := &cpu.Record{}
		if err := PreparePerCPU(st, h, rec, i, id, intr, onViolation, rip); err != nil {
			return nil, err
		}
		records[i] = rec
	}

	for _, id := range lapicIDs {
		if id == selfLapicID {
			continue
		}
		StartAP(l, id, vector)
	}

	return records, nil
}
