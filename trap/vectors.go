package trap

// CPU exception vectors 0-18, per original_source/kernel/interrupts/idt.h's
// CPU_EXCEPTIONS enum.
const (
	VectorDivideByZero Vector = iota
	VectorSingleStep
	VectorNonMaskableInterrupt
	VectorBreakpoint
	VectorOverflow
	VectorBoundsCheck
	VectorInvalidOpcode
	VectorNoCoprocessor
	VectorDoubleFault
	VectorCoprocessorSegmentOverrun
	VectorInvalidTSS
	VectorSegmentSelectorNotPresent
	VectorStackSegmentFault
	VectorGeneralProtectionFault
	VectorPageFault
	VectorReserved
	VectorFloatingPointError
	VectorAlignmentCheck
	VectorSevereMachineCheck
)

// Legacy PIC IRQ vectors, remapped to start at 0x20 by Install/remapPIC,
// per INTERRUPT_LIST.
const (
	VectorTimer    Vector = 32
	VectorKeyboard Vector = 33
	VectorATA      Vector = 46
)

// LAPIC-sourced vectors. The retrieval pack's isr.c switches on
// LAPIC_ACTION_VECTOR/LAPIC_INTERRUPT/LAPIC_SIV_INTERRUPT but the headers
// defining their numeric values weren't part of it; these follow the
// common convention (xv6-family kernels) of parking APIC-private vectors
// at the top of the table, clear of both the exception and legacy-IRQ
// ranges.
const (
	VectorLapicTimer    Vector = 0xfb
	VectorLapicAction   Vector = 0xfc
	VectorLapicSpurious Vector = 0xff
)

// Vector is an IDT index / interrupt vector number.
type Vector int

// hasErrorCode reports whether the CPU itself pushes an error code for
// this vector before control reaches the common stub — the exact set
// install_idt's has_error_code table encodes: double fault, invalid TSS,
// segment-not-present, stack-segment fault, GPF, and page fault.
var hasErrorCode = [32]bool{
	VectorDoubleFault:               true,
	VectorInvalidTSS:                true,
	VectorSegmentSelectorNotPresent: true,
	VectorStackSegmentFault:         true,
	VectorGeneralProtectionFault:    true,
	VectorPageFault:                 true,
}

// HasErrorCode reports whether v's hardware-pushed frame includes an error
// code, for vectors in the CPU exception range (0-31); IRQ and LAPIC
// vectors never carry one.
func HasErrorCode(v Vector) bool {
	if int(v) < len(hasErrorCode) {
		return hasErrorCode[v]
	}
	return false
}
