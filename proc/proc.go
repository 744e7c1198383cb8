// Package proc owns the Thread and Process control blocks and the TID/PID
// identifier pools, grounded on
// original_source/kernel/cpu/thread/thread.c (ManageTID, MtCreateThread,
// ThreadWrapperEx/ThreadExit) and
// original_source/kernel/core/process/process.c (ManagePID,
// MtCreateProcess), generalized per spec.md §4.11: a kernel thread's stack
// is guarded (heap.AllocateGuarded) rather than the plain
// MtAllocateVirtualMemory thread.c uses, since spec.md calls for "a
// guarded kernel stack (guard pages on both sides)" and original_source
// has no guard-page allocator at all.
package proc

import (
	"errors"

	"kernel/event"
	"kernel/heap"
	"kernel/irql"
	"kernel/spinlock"
)

// errNoThreadIDs/errNoProcessIDs mirror ManageTID/ManagePID returning 0:
// the identifier space (aligned ids up to MAX_TID/MAX_PID, plus whatever
// sits in the free pool) is exhausted.
var (
	errNoThreadIDs  = errors.New("proc: thread id space exhausted")
	errNoProcessIDs = errors.New("proc: process id space exhausted")
)

// State is a thread's lifecycle state, mirroring THREAD_STATE.
type State int

const (
	Running State = iota
	Ready
	Blocked
	Terminating
	Terminated
	Zombie
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Ready:
		return "READY"
	case Blocked:
		return "BLOCKED"
	case Terminating:
		return "TERMINATING"
	case Terminated:
		return "TERMINATED"
	case Zombie:
		return "ZOMBIE"
	default:
		return "UNKNOWN"
	}
}

// Context is the register frame saved and restored across a context
// switch, field order matching CTX_FRAME — the order the (not modeled
// here) assembly save/restore stubs depend on. See sched's
// ContextSwitcher for how this frame gets onto the silicon.
type Context struct {
	R15, R14, R13, R12, R11, R10, R9, R8 uint64
	RBP, RDI, RSI, RDX, RCX, RBX, RAX    uint64
	RSP, RIP, RFLAGS                     uint64
}

// Thread is a thread control block.
type Thread struct {
	Registers     Context
	State         State
	TimeSlice     uint32
	OrigTimeSlice uint32
	ThreadID      uint32
	StackBase     uintptr // pointer AllocateGuarded returned; Free(StackBase) undoes AllocateGuarded
	StackSize     uintptr
	UserStackVA   uintptr
	CurrentEvent  *event.Event
	Parent        *Process

	// entryFunc/entryArg back the thread's first dispatch. sched's
	// ContextSwitcher calls entryFunc(entryArg) directly instead of
	// decoding a function pointer out of Registers.RIP the way the
	// original's ThreadWrapperEx does, since Go has no portable way to
	// materialize a func value as a bare integer register.
	entryFunc Entry
	entryArg  any

	next event.Waiter // intrusive link: ready queue OR an event's wait queue, never both at once
}

// Entry returns the thread's first-dispatch entry point and argument, for
// sched's ContextSwitcher to invoke the first time this thread runs.
func (t *Thread) Entry() (Entry, any) { return t.entryFunc, t.entryArg }

// TID, WaitNext, and SetWaitNext implement event.Waiter.
func (t *Thread) TID() uint32                { return t.ThreadID }
func (t *Thread) WaitNext() event.Waiter     { return t.next }
func (t *Thread) SetWaitNext(w event.Waiter) { t.next = w }

// Entry is a kernel thread's entry point, analogous to ThreadEntry.
type Entry func(arg any)

// idPool is ManageTID/ManagePID translated to Go: aligned identifiers handed out
// from a monotonic counter, with freed ids recycled most-recently-first.
type idPool struct {
	lock      spinlock.Spinlock
	next      uint32
	align     uint32
	max       uint32
	free      []uint32
	maxFree   int
}

func newPool(min, align, max uint32, maxFree int) *idPool {
	return &idPool{next: min, align: align, max: max, maxFree: maxFree}
}

// alloc hands out the most-recently-freed id if one is available, else the
// next aligned counter value. It returns 0 on exhaustion, mirroring
// ManageTID/ManagePID's "0 means no ids left" contract.
func (p *idPool) alloc(st *irql.State, rip uintptr) uint32 {
	old := p.lock.Acquire(st, rip)
	defer p.lock.Release(st, old, rip)

	if n := len(p.free); n > 0 {
		id := p.free[n-1]
		p.free = p.free[:n-1]
		return id
	}
	result := p.next
	p.next += p.align
	if p.next < p.align || result > p.max {
		return 0
	}
	return result
}

// release returns id to the pool if it is aligned and the free list has
// room; otherwise it is dropped silently, matching the original.
func (p *idPool) release(st *irql.State, id uint32, rip uintptr) {
	if id == 0 {
		return
	}
	old := p.lock.Acquire(st, rip)
	defer p.lock.Release(st, old, rip)

	if id%p.align == 0 && len(p.free) < p.maxFree {
		p.free = append(p.free, id)
	}
}

const (
	minTID     = 4
	tidAlign   = 4
	maxTID     = 0xFFFFFFFC
	minPID     = 6
	pidAlign   = 6
	maxPID     = 0xFFFFFFFC
	maxFreePool = 1024

	// StackSize is a kernel thread's usable stack, guarded on both sides.
	StackSize     = 16 * 1024
	stackAlignment = 16
	// DefaultTimeSlice mirrors DEFAULT_TIMESLICE_TICKS.
	DefaultTimeSlice = 20
)

var (
	tids = newPool(minTID, tidAlign, maxTID, maxFreePool)
	pids = newPool(minPID, pidAlign, maxPID, maxFreePool)
)

// NewThread allocates a TID, a guarded stack, and builds the initial
// Context frame so the thread starts executing at entry(arg) the first
// time it is scheduled, mirroring MtCreateThread. The returned thread is
// READY; the caller still has to enqueue it onto a ready queue (sched
// owns that, to keep proc free of any scheduler dependency).
func NewThread(st *irql.State, h *heap.Heap, entry Entry, arg any, timeslice uint32, rip uintptr) (*Thread, error) {
	tid := tids.alloc(st, rip)
	if tid == 0 {
		return nil, errNoThreadIDs
	}

	base, err := h.AllocateGuarded(st, StackSize, stackAlignment, rip)
	if err != nil {
		tids.release(st, tid, rip)
		return nil, err
	}

	top := base + StackSize
	top &^= 0xF // 16-byte align for the SysV ABI

	th := &Thread{
		ThreadID:      tid,
		TimeSlice:     timeslice,
		OrigTimeSlice: timeslice,
		State:         Ready,
		StackBase:     base,
		StackSize:     StackSize,
		entryFunc:     entry,
		entryArg:      arg,
	}
	th.Registers.RSP = uint64(top)
	return th, nil
}

// NewIdleThread builds the one thread per CPU that bypasses the TID pool
// entirely (TID 0 is reserved for it) and whose stack the caller has
// already allocated unguarded, mirroring InitScheduler's direct
// construction of thisCPU()->idleThread. sched owns calling this once per
// CPU at bring-up.
func NewIdleThread(stackBase, stackSize uintptr, entry Entry, arg any) *Thread {
	top := (stackBase + stackSize) &^ 0xF
	th := &Thread{
		ThreadID:      0,
		State:         Ready,
		TimeSlice:     1,
		OrigTimeSlice: 1,
		StackBase:     stackBase,
		StackSize:     stackSize,
		entryFunc:     entry,
		entryArg:      arg,
	}
	th.Registers.RSP = uint64(top)
	th.Registers.RFLAGS = 1 << 9 // IF, matching InitScheduler's cfm.rflags |= (1<<9)
	return th
}

// Free releases a terminated thread's TID and stack, mirroring the TID
// hand-back half of ThreadExit. Callers must not reference th afterward.
func (t *Thread) Free(st *irql.State, h *heap.Heap, rip uintptr) {
	t.State = Terminated
	t.TimeSlice = 0
	h.Free(st, t.StackBase, rip)
	tids.release(st, t.ThreadID, rip)
}

// Process is a process control block.
type Process struct {
	PID          uint32
	Parent       *Process
	ImageName    string
	PML4Virt     uintptr
	PML4Phys     uintptr
	ImageBase    uintptr
	MainThread   *Thread
	NumThreads   int
	NextStackTop uintptr

	lock spinlock.Spinlock
}

// NewProcess allocates a PID and builds the bookkeeping structure for a
// new process, mirroring the PID-allocation and bookkeeping half of
// MtCreateProcess. Address-space construction (PML4/PDPT/PD/PT setup,
// image loading) is paging's and loader's job, not proc's — this package
// only owns identifiers, the main thread, and the thread count.
func NewProcess(st *irql.State, imageName string, parent *Process, nextStackTop uintptr, rip uintptr) (*Process, error) {
	pid := pids.alloc(st, rip)
	if pid == 0 {
		return nil, errNoProcessIDs
	}
	return &Process{
		PID:          pid,
		Parent:       parent,
		ImageName:    imageName,
		NextStackTop: nextStackTop,
	}, nil
}

// AddThread records a newly created thread under the process's own lock.
func (p *Process) AddThread(st *irql.State, th *Thread, rip uintptr) {
	old := p.lock.Acquire(st, rip)
	defer p.lock.Release(st, old, rip)
	th.Parent = p
	p.NumThreads++
	if p.MainThread == nil {
		p.MainThread = th
	}
}

// RemoveThread decrements the process's thread count when one terminates.
func (p *Process) RemoveThread(st *irql.State, rip uintptr) {
	old := p.lock.Acquire(st, rip)
	defer p.lock.Release(st, old, rip)
	if p.NumThreads > 0 {
		p.NumThreads--
	}
}

// Exit releases the process's PID once every thread has been torn down.
// Callers are responsible for having already freed every Thread via
// Thread.Free and for holding no further references into p.
func (p *Process) Exit(st *irql.State, rip uintptr) {
	pids.release(st, p.PID, rip)
}
