// Package intrinsics wraps the handful of x86_64 instructions the rest of
// the kernel cannot express in plain Go: interrupt masking, port I/O,
// MSR/CR access, TLB invalidation and timestamp counter reads. Every
// function below has no body here; the real implementation lives in
// intrinsics_amd64.s.
package intrinsics

// Cli disables maskable interrupts on the calling CPU and returns the prior
// state of the interrupt flag (true if interrupts were enabled).
func Cli() bool

// Sti enables maskable interrupts on the calling CPU.
func Sti()

// RestoreFlags restores the interrupt flag to the state returned by a
// previous Cli, without otherwise touching rflags.
func RestoreFlags(wasEnabled bool)

// Hlt halts the calling CPU until the next interrupt.
func Hlt()

// Pause emits a PAUSE instruction; used in spin loops to reduce contention
// on the memory bus and avoid memory-order mis-speculation penalties.
func Pause()

// Invlpg invalidates the TLB entry for the given virtual address on the
// calling CPU only.
func Invlpg(va uintptr)

// ReadCR2 returns the faulting address recorded by the last page fault on
// this CPU.
func ReadCR2() uintptr

// ReadCR3 / WriteCR3 access the current PML4 physical base register.
func ReadCR3() uintptr
func WriteCR3(pml4Phys uintptr)

// ReadCR8 / WriteCR8 access the task-priority register alias used to
// implement IRQL.
func ReadCR8() uint64
func WriteCR8(tpr uint64)

// Rdmsr / Wrmsr read and write a model-specific register, used to install
// the kernel-gs-base value that addresses the per-CPU block.
func Rdmsr(reg uint32) uint64
func Wrmsr(reg uint32, val uint64)

// Inb / Outb perform byte-granularity port I/O (PIT/PIC programming,
// legacy 8259 masking before the LAPIC takes over).
func Inb(port uint16) uint8
func Outb(port uint16, val uint8)

// Rdtsc reads the CPU timestamp counter. No package in this module calls it.
func Rdtsc() uint64

// StoreFence issues a store-store memory fence (SFENCE). Paging does not
// call it: an AddressSpace fires its Shootdown hook right after the PTE
// write with no fence in between.
func StoreFence()

// GSBase returns the value currently loaded in the IA32_GS_BASE MSR, i.e.
// the virtual address of the calling CPU's per-CPU block once cpu.Install
// has written it to IA32_KERNEL_GS_BASE and issued SWAPGS.
func GSBase() uintptr
