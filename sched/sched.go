// Package sched ties a CPU's DPC queue and IPI mailbox (both already
// embedded in cpu.Record) to a ready queue of threads, implementing the
// scheduler proper: dispatch, preemption bookkeeping, and cross-CPU work
// stealing. Grounded on
// original_source/kernel/core/scheduler/scheduler.c (InitScheduler,
// enqueue_runnable, MtAcquireNextScheduledThread, Schedule).
package sched

import (
	"kernel/cpu"
	"kernel/dpc"
	"kernel/event"
	"kernel/heap"
	"kernel/irql"
	"kernel/proc"
	"kernel/spinlock"
)

// idleStackSize matches IDLE_STACK_SIZE; the idle thread's stack is never
// guarded, same as the original — it is hand-built here rather than
// through proc.NewThread, since TID 0 is reserved for it and never comes
// out of proc's TID pool.
const idleStackSize = 4096

// ContextSwitcher performs the final, never-returns step of a dispatch: it
// restores next's saved register context onto the current CPU and resumes
// execution there, the Go-side seam standing in for the original's bare
// "restore_context(&next->registers); __builtin_unreachable();". Real
// hardware implementations never return. Fakes used in tests record the
// call and return normally, letting test code observe what Schedule chose
// without actually abandoning the Go stack — the same accommodation this
// codebase already makes for bugcheck's halt sequence.
type ContextSwitcher interface {
	Switch(next *proc.Thread)
}

// waiterQueue is a spinlock-protected FIFO of event.Waiter nodes, used as a
// CPU's ready queue. event.Event keeps its own wait queue with the same
// enqueue/dequeue shape under a different lock.
type waiterQueue struct {
	lock spinlock.Spinlock
	head event.Waiter
	tail event.Waiter
}

func (q *waiterQueue) push(st *irql.State, w event.Waiter, rip uintptr) {
	old := q.lock.Acquire(st, rip)
	defer q.lock.Release(st, old, rip)
	w.SetWaitNext(nil)
	if q.tail == nil {
		q.head = w
	} else {
		q.tail.SetWaitNext(w)
	}
	q.tail = w
}

func (q *waiterQueue) pop(st *irql.State, rip uintptr) event.Waiter {
	old := q.lock.Acquire(st, rip)
	defer q.lock.Release(st, old, rip)
	w := q.head
	if w == nil {
		return nil
	}
	q.head = w.WaitNext()
	if q.head == nil {
		q.tail = nil
	}
	w.SetWaitNext(nil)
	return w
}

// empty is a racy, lock-free peek, deliberately mirroring the original's
// "if (!victimQueue->head) continue" check before attempting a locked
// dequeue on a candidate victim.
func (q *waiterQueue) empty() bool {
	return q.head == nil
}

// CPU layers a ready queue and idle thread on top of a cpu.Record,
// implementing event.Scheduler so event.Event and mutex.Mutex can block
// and wake threads without depending on this package.
type CPU struct {
	*cpu.Record

	heap     *heap.Heap
	switcher ContextSwitcher

	ready   waiterQueue
	Idle    *proc.Thread
	current *proc.Thread
	Enabled bool
}

// registry is every CPU known to the scheduler, the Go analogue of the
// original's global `cpus[]` + `g_cpuCount`, consulted by work stealing.
// Register populates it; smp.Bringup does not call Register itself.
var registry []*CPU

// Register adds c to the set of CPUs eligible for work stealing.
func Register(c *CPU) {
	registry = append(registry, c)
}

// New builds a CPU's scheduler state: it allocates and fills in the idle
// thread exactly as InitScheduler does (a minimal, unguarded stack, clean
// register frame, interrupts enabled in RFLAGS, TID 0, 1ms time slice),
// and marks scheduling enabled.
func New(rec *cpu.Record, h *heap.Heap, switcher ContextSwitcher, idleEntry proc.Entry, st *irql.State, rip uintptr) (*CPU, error) {
	base, err := h.Allocate(st, idleStackSize, 16, rip)
	if err != nil {
		return nil, err
	}
	idle := proc.NewIdleThread(base, idleStackSize, idleEntry, nil)

	c := &CPU{
		Record:   rec,
		heap:     h,
		switcher: switcher,
		Idle:     idle,
		Enabled:  true,
	}
	return c, nil
}

// Current returns the running thread, satisfying event.Scheduler.
func (c *CPU) Current() event.Waiter {
	if c.current == nil {
		return nil
	}
	return c.current
}

// Block transitions w to BLOCKED and records the event it is about to
// wait on, called while the event's own lock is still held.
func (c *CPU) Block(w event.Waiter, on *event.Event) {
	th := w.(*proc.Thread)
	th.State = proc.Blocked
	th.CurrentEvent = on
}

// MarkReady transitions w to READY and enqueues it on this CPU's own
// ready queue — per the original, a waiter is always requeued on whatever
// CPU happens to run the matching Set, not necessarily the one it last
// ran on; work stealing is what balances the rest.
func (c *CPU) MarkReady(w event.Waiter) {
	th := w.(*proc.Thread)
	th.State = proc.Ready
	th.TimeSlice = th.OrigTimeSlice
	c.ready.push(&c.IRQL, w, 0)
}

// Sleep suspends the calling thread (already BLOCKED by a prior Block)
// and invokes the scheduler; it returns once w has been redispatched.
func (c *CPU) Sleep(w event.Waiter) {
	c.Schedule(0)
}

// enqueueRunnable mirrors enqueue_runnable: a thread only goes back on the
// ready queue if it is still RUNNING — anything else (blocked, zombie,
// terminated) is left alone, the caller having already dealt with it.
func (c *CPU) enqueueRunnable(th *proc.Thread) {
	if th.State != proc.Running {
		return
	}
	th.State = proc.Ready
	th.TimeSlice = th.OrigTimeSlice
	c.ready.push(&c.IRQL, th, 0)
}

// acquireNextScheduledThread mirrors MtAcquireNextScheduledThread: first
// try this CPU's own queue, then steal from the first other registered
// CPU whose queue looks nonempty.
func (c *CPU) acquireNextScheduledThread() *proc.Thread {
	if w := c.ready.pop(&c.IRQL, 0); w != nil {
		return w.(*proc.Thread)
	}
	for _, other := range registry {
		if other == c {
			continue
		}
		if other.ready.empty() {
			continue
		}
		if w := other.ready.pop(&other.IRQL, 0); w != nil {
			return w.(*proc.Thread)
		}
	}
	return nil
}

// cleanupTerminated queues a DPC that frees a terminated thread's stack
// and TID, mirroring Schedule's inline zombie-via-DPC dance: the thread
// can't be torn down synchronously here because its own stack may still
// be in use by the call frame that is about to context-switch away from
// it, so the actual free happens later, off this call stack, at DPC time.
func (c *CPU) cleanupTerminated(th *proc.Thread, rip uintptr) {
	h := c.heap
	d := &dpc.DPC{
		Priority: dpc.Medium,
		Callback: func(_ *dpc.DPC, arg1, _, _ any) {
			t := arg1.(*proc.Thread)
			t.Free(&c.IRQL, h, rip)
		},
		Arg1: th,
	}
	c.DPC.Enqueue(d)
	th.State = proc.Zombie
}

// Schedule picks the next thread to run and dispatches it, mirroring
// Schedule(): it never returns on real hardware (the final
// switcher.Switch(next) abandons this call stack), so callers must treat
// any code after calling it as unreachable in production; test fakes
// return normally to keep the test runnable.
func (c *CPU) Schedule(rip uintptr) {
	st := &c.IRQL
	old := st.Raise(irql.DISPATCH, rip)

	prev := c.current
	if prev != nil && prev.State == proc.Terminated {
		c.cleanupTerminated(prev, rip)
		prev = nil
	}
	if prev != nil && prev != c.Idle && prev.State == proc.Running {
		c.enqueueRunnable(prev)
	}

	next := c.acquireNextScheduledThread()
	if next == nil {
		next = c.Idle
	}
	next.State = proc.Running
	c.current = next

	st.Lower(old, rip)
	c.switcher.Switch(next)
}
