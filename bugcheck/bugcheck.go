// Package bugcheck is the fatal-error path every invariant violation in
// this kernel ultimately reaches: it resolves a stop code, reports the
// caller's register snapshot and the call stack, broadcasts a STOP action to every other CPU so
// nothing keeps running against now-undefined state, and halts. Grounded
// on original_source/kernel/core/bugcheck/bugcheck.c (MtBugcheck,
// resolveStopCode) and original_source/kernel/bugcheck/bugcheck.h (the
// BUGCHECK_CODES / CUSTOM_BUGCHECK_CODES enums).
//
// heap.Heap.Fault and irql.State's onViolation callback are the two seams
// that feed this package: cmd-level wiring binds them to HeapFault and
// IRQLViolation respectively so a corrupt header or an out-of-order IRQL
// raise ends here instead of an unannotated panic.
package bugcheck

import (
	"fmt"
	"runtime"

	"kernel/ipi"
	"kernel/irql"
)

// StopCode identifies why the system halted. The first block matches the
// CPU exception vector it corresponds to one-for-one (BUGCHECK_CODES);
// the rest are kernel-detected conditions with no hardware vector
// (CUSTOM_BUGCHECK_CODES), using the original's literal values where the
// retrieved header gave one and a value in the same high range otherwise.
type StopCode uint32

const (
	DivideByZero StopCode = iota
	SingleStep
	NonMaskableInterrupt
	Breakpoint
	Overflow
	BoundsCheck
	InvalidOpcode
	NoCoprocessor
	DoubleFault
	CoprocessorSegmentOverrun
	InvalidTSS
	SegmentSelectorNotPresent
	StackSegmentOverrun
	GeneralProtectionFault
	PageFault
	Reserved
	FloatingPointError
	AlignmentCheck
	SevereMachineCheck
)

const (
	MemoryMapSizeOverrun      StopCode = 0xBEEF
	ManuallyInitiatedCrash    StopCode = 0xBABE
	BadPaging                 StopCode = 0xBAD
	BlockDeviceLimitReached   StopCode = 0x420
	NullPointerDereference    StopCode = 0xDEAD
	FilesystemPanic           StopCode = 0xFA11
	UnableToInitTracelastfunc StopCode = 0xACE
	FrameLimitReached         StopCode = 0xBADA55
	IRQLNotLessOrEqual        StopCode = 0x1338
	InvalidIRQLSupplied       StopCode = 0x69420

	// The remaining custom codes weren't part of the retrieved header;
	// these continue the same "memorable hex constant" convention one
	// block past INVALID_IRQL_SUPPLIED.
	NullCtxReceived            StopCode = 0x69421
	ThreadExitFailure          StopCode = 0x69422
	BadAHCICount               StopCode = 0x69423
	AHCIInitFailed             StopCode = 0x69424
	MemoryLimitReached         StopCode = 0x69425
	HeapAllocationFailed       StopCode = 0x69426
	NullThread                 StopCode = 0x69427
	FatalIRQLCorruption        StopCode = 0x69428
	ThreadIDCreationFailure    StopCode = 0x69429
	AssertionFailure           StopCode = 0x6942A
	FrameAllocationFailed      StopCode = 0x6942B
	FrameBitmapCreationFailure StopCode = 0x6942C
	MemoryInvalidFree          StopCode = 0x6942D
	MemoryCorruptHeader        StopCode = 0x6942E
	MemoryDoubleFree           StopCode = 0x6942F
	MemoryCorruptFooter        StopCode = 0x69430
	GuardPageDereference       StopCode = 0x69431
	IRQLNotGreaterOrEqual      StopCode = 0x69432
	KernelStackOverflown       StopCode = 0x69433
)

var stopCodeNames = map[StopCode]string{
	DivideByZero:               "DIVIDE_BY_ZERO",
	SingleStep:                 "SINGLE_STEP",
	NonMaskableInterrupt:       "NON_MASKABLE_INTERRUPT",
	Breakpoint:                 "BREAKPOINT",
	Overflow:                   "OVERFLOW",
	BoundsCheck:                "BOUNDS_CHECK",
	InvalidOpcode:              "INVALID_OPCODE",
	NoCoprocessor:              "NO_COPROCESSOR",
	DoubleFault:                "DOUBLE_FAULT",
	CoprocessorSegmentOverrun:  "COPROCESSOR_SEGMENT_OVERRUN",
	InvalidTSS:                 "INVALID_TSS",
	SegmentSelectorNotPresent:  "SEGMENT_SELECTOR_NOTPRESENT",
	StackSegmentOverrun:        "STACK_SEGMENT_OVERRUN",
	GeneralProtectionFault:     "GENERAL_PROTECTION_FAULT",
	PageFault:                  "PAGE_FAULT",
	Reserved:                   "RESERVED",
	FloatingPointError:         "FLOATING_POINT_ERROR",
	AlignmentCheck:             "ALIGNMENT_CHECK",
	SevereMachineCheck:         "SEVERE_MACHINE_CHECK",
	MemoryMapSizeOverrun:       "MEMORY_MAP_SIZE_OVERRUN",
	ManuallyInitiatedCrash:     "MANUALLY_INITIATED_CRASH",
	BadPaging:                  "BAD_PAGING",
	BlockDeviceLimitReached:    "BLOCK_DEVICE_LIMIT_REACHED",
	NullPointerDereference:     "NULL_POINTER_DEREFERENCE",
	FilesystemPanic:            "FILESYSTEM_PANIC",
	UnableToInitTracelastfunc:  "UNABLE_TO_INIT_TRACELASTFUNC",
	FrameLimitReached:          "FRAME_LIMIT_REACHED",
	IRQLNotLessOrEqual:         "IRQL_NOT_LESS_OR_EQUAL",
	InvalidIRQLSupplied:        "INVALID_IRQL_SUPPLIED",
	NullCtxReceived:            "NULL_CTX_RECEIVED",
	ThreadExitFailure:          "THREAD_EXIT_FAILURE",
	BadAHCICount:               "BAD_AHCI_COUNT",
	AHCIInitFailed:             "AHCI_INIT_FAILED",
	MemoryLimitReached:         "MEMORY_LIMIT_REACHED",
	HeapAllocationFailed:       "HEAP_ALLOCATION_FAILED",
	NullThread:                 "NULL_THREAD",
	FatalIRQLCorruption:        "FATAL_IRQL_CORRUPTION",
	ThreadIDCreationFailure:    "THREAD_ID_CREATION_FAILURE",
	AssertionFailure:           "ASSERTION_FAILURE",
	FrameAllocationFailed:      "FRAME_ALLOCATION_FAILED",
	FrameBitmapCreationFailure: "FRAME_BITMAP_CREATION_FAILURE",
	MemoryInvalidFree:          "MEMORY_INVALID_FREE",
	MemoryCorruptHeader:        "MEMORY_CORRUPT_HEADER",
	MemoryDoubleFree:           "MEMORY_DOUBLE_FREE",
	MemoryCorruptFooter:        "MEMORY_CORRUPT_FOOTER",
	GuardPageDereference:       "GUARD_PAGE_DEREFERENCE",
	IRQLNotGreaterOrEqual:      "IRQL_NOT_GREATER_OR_EQUAL",
	KernelStackOverflown:       "KERNEL_STACK_OVERFLOWN",
}

// String resolves a stop code to its name, mirroring resolveStopCode;
// unknown codes report "UNKNOWN_BUGCHECK_CODE" exactly as the original's
// switch default does.
func (c StopCode) String() string {
	if s, ok := stopCodeNames[c]; ok {
		return s
	}
	return "UNKNOWN_BUGCHECK_CODE"
}

// Registers is the general-purpose snapshot captured at the point of
// failure, mirroring CTX_FRAME's field list.
type Registers struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP, RSP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
}

// ExceptionInfo carries the hardware trap frame's vector, error code and
// faulting RIP when a bugcheck originates from a CPU exception, mirroring
// INT_FRAME. Nil when the bugcheck was raised from ordinary kernel code
// with no associated trap (an explicit assertion or corruption check).
type ExceptionInfo struct {
	Vector    uint64
	ErrorCode uint64
	RIP       uintptr
}

// Additional is the single extra datum a stop code may carry — a faulting
// address for PAGE_FAULT, a byte count for a limit violation, or a free
// string — mirroring BUGCHECK_ADDITIONALS' tagged slots. At most one field
// is meaningful per report; which one is the caller's convention.
type Additional struct {
	Ptr    uintptr
	Num    uint64
	Signed int64
	Str    string
	Bool   bool
}

// Report is everything Fatal gathers and hands to Sink before halting.
type Report struct {
	Code       StopCode
	Registers  *Registers
	Exception  *ExceptionInfo
	Additional *Additional
	IRQL       irql.Level
	ThreadID   uint32
	CPUID      int
	Stack      []uintptr
}

// Sink renders a Report however the embedding program displays fatal
// errors — a GOP framebuffer write in the original, a line printed to a
// serial console here. Left nil, Fatal skips rendering entirely (useful
// in tests that only want to assert the halt/quiesce sequence ran).
type Sink func(Report)

// Halter is the privileged primitive Fatal needs on the way down: disable
// interrupts and spin the CPU forever. Backed by intrinsics.Cli/Pause on
// real hardware; tests substitute a fake that returns instead of looping,
// the same accommodation sched.ContextSwitcher documents for its own
// never-returns call.
type Halter interface {
	DisableInterrupts()
	Halt()
}

// stackDepth bounds MtPrintStackTrace's walk (it prints at most 10 frames;
// this keeps a little more headroom since runtime.Callers is cheap and
// bounded to begin with).
const stackDepth = 32

// CaptureStack walks the Go call stack starting above Fatal's own frame,
// bounded to stackDepth entries, mirroring MtPrintStackTrace's
// depth-limited rbp-chain walk — runtime.Callers/CallersFrames is this
// package's equivalent of that frame-pointer chase, grounded on
// biscuit/src/caller/caller.go's use of the same two calls for its own
// bounded stack dump.
func CaptureStack(skip int) []uintptr {
	pcs := make([]uintptr, stackDepth)
	n := runtime.Callers(skip+1, pcs)
	return pcs[:n]
}

// SymbolicateStack renders pcs (as returned by CaptureStack) into
// "function (file:line)" lines, stopping at runtime.goexit the same way
// Distinct_caller_t.Distinct does.
func SymbolicateStack(pcs []uintptr) []string {
	if len(pcs) == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs)
	var out []string
	for {
		fr, more := frames.Next()
		out = append(out, fmt.Sprintf("%s (%s:%d)", fr.Function, fr.File, fr.Line))
		if !more || fr.Function == "runtime.goexit" {
			break
		}
	}
	return out
}

// Quiescer broadcasts the STOP action to every other CPU and waits for
// each to acknowledge, mirroring MtSendActionToCpusAndWait(CPU_ACTION_STOP, 0).
type Quiescer struct {
	Slots       []*ipi.Slot
	SelfIndex   int
	Send        ipi.Sender
	Pause       func()
	Initialized bool
}

// Quiesce halts every other CPU if SMP bring-up has completed; a single-CPU
// or pre-bring-up bugcheck has nothing to quiesce, matching
// MtBugcheck's `if (smpInitialized)` guard.
func (q *Quiescer) Quiesce() {
	if q == nil || !q.Initialized {
		return
	}
	ipi.SendToAllAndWait(q.Slots, q.SelfIndex, ipi.Stop, 0, q.Send, q.Pause)
}

// Fatal is the kernel's point of no return: disable interrupts, quiesce
// every other CPU, resolve NULL_POINTER_DEREFERENCE / GUARD_PAGE_DEREFERENCE
// out of a page fault's faulting address the way MtBugcheck's
// isInGuardDB/additional==0 special-casing does, render the report, and
// halt forever. Never returns on real hardware; a Halter fake in tests
// returns instead so the call is observable.
func Fatal(code StopCode, report Report, guardPages func(addr uintptr) bool, q *Quiescer, sink Sink, h Halter) {
	if h != nil {
		h.DisableInterrupts()
	}
	q.Quiesce()

	if code == PageFault && report.Additional != nil {
		switch {
		case report.Additional.Ptr == 0:
			code = NullPointerDereference
		case guardPages != nil && guardPages(report.Additional.Ptr):
			code = GuardPageDereference
		}
	}
	report.Code = code

	if sink != nil {
		sink(report)
	}

	if h != nil {
		h.Halt()
	}
}

// IRQLViolation adapts irql.State's onViolation seam to Fatal, resolving
// an out-of-order raise to IRQLNotLessOrEqual and an out-of-order lower to
// IRQLNotGreaterOrEqual, the conditions described in original_source/kernel/
// core/irql/irql.c's enforce_max_irql / _MtRaiseIRQL/_MtLowerIRQL asserts.
func IRQLViolation(q *Quiescer, sink Sink, h Halter) func(*irql.Violation) {
	return func(v *irql.Violation) {
		code := IRQLNotLessOrEqual
		if v.Op == "lower" {
			code = IRQLNotGreaterOrEqual
		}
		Fatal(code, Report{
			IRQL:  v.Current,
			Stack: CaptureStack(2),
			Additional: &Additional{
				Signed: int64(v.Attempt) - int64(v.Current),
				Str:    v.Op,
			},
		}, nil, q, sink, h)
	}
}

// HeapFault adapts heap.Heap's Fault seam to Fatal, mapping the fault
// codes heap.go actually raises (MEMORY_CORRUPT_HEADER,
// MEMORY_CORRUPT_FOOTER, MEMORY_DOUBLE_FREE, MEMORY_INVALID_FREE,
// HEAP_CORRUPT_FREE_LIST) onto the matching stop code, mirroring the
// heap-corruption entries in bugcheck.h's custom enum.
func HeapFault(q *Quiescer, sink Sink, h Halter) func(code, detail string) {
	return func(code, detail string) {
		sc := MemoryInvalidFree
		switch code {
		case "MEMORY_CORRUPT_HEADER", "HEAP_CORRUPT_FREE_LIST":
			sc = MemoryCorruptHeader
		case "MEMORY_CORRUPT_FOOTER":
			sc = MemoryCorruptFooter
		case "MEMORY_DOUBLE_FREE":
			sc = MemoryDoubleFree
		case "MEMORY_INVALID_FREE":
			sc = MemoryInvalidFree
		}
		Fatal(sc, Report{
			Stack:      CaptureStack(2),
			Additional: &Additional{Str: detail},
		}, nil, q, sink, h)
	}
}
