// Package event implements the kernel's two wait primitives, notification
// and synchronization events, grounded on
// original_source/kernel/core/events/events.c (MtSetEvent, MtWaitForEvent).
//
// The original embeds a Thread* wait queue directly in EVENT and reaches
// into the scheduler (MtEnqueueThreadWithLock, MtSleepCurrentThread,
// MtGetCurrentThread) to move threads between blocked and ready. This
// package cannot import the proc/sched packages built on top of it without
// creating a cycle, so both the waiting-thread type and the scheduler
// operations are seams: Waiter is the intrusive-list contract proc.Thread
// satisfies, and Scheduler is the handful of operations sched.CPU provides.
package event

import (
	"kernel/irql"
	"kernel/spinlock"
)

// Type selects the wake behavior of an Event.
type Type int

const (
	// Notification wakes every waiter and stays signaled from then on: no
	// Wait clears it and this package has no reset operation, so every
	// later Wait returns at once (callers that need edge-triggered
	// behavior use Synchronization).
	Notification Type = iota
	// Synchronization wakes exactly one waiter (auto-reset) and, with no
	// waiter present, latches signaled until the next Wait consumes it.
	Synchronization
)

// Waiter is the intrusive wait-queue node contract a thread type must
// satisfy to block on an Event. proc.Thread implements it directly so
// event never imports proc.
type Waiter interface {
	// TID returns the thread's identifier, for diagnostics only.
	TID() uint32
	// WaitNext/SetWaitNext link the waiter into an Event's singly-linked
	// waiting queue. Only code holding the owning Event's lock may call
	// these.
	WaitNext() Waiter
	SetWaitNext(Waiter)
}

// Scheduler is the subset of scheduler behavior Wait/Set need: moving a
// thread between blocked and ready, and suspending the calling thread.
// sched.CPU implements it.
type Scheduler interface {
	// Current returns the calling CPU's running thread.
	Current() Waiter
	// Block transitions w to BLOCKED and records the event it is waiting
	// on, called while still holding the Event's lock (before enqueueing).
	Block(w Waiter, on *Event)
	// MarkReady transitions w to READY and enqueues it onto a run queue,
	// called after the Event's lock has been released.
	MarkReady(w Waiter)
	// Sleep suspends the calling thread w (already BLOCKED) and invokes
	// the scheduler; it returns only once w has been redispatched.
	Sleep(w Waiter)
}

// Event is a kernel wait object: a signaled flag plus a FIFO queue of
// blocked waiters, both protected by an embedded spinlock.
type Event struct {
	lock     spinlock.Spinlock
	Type     Type
	signaled bool
	head     Waiter
	tail     Waiter
}

// Signaled reports the event's latched state. Diagnostic use only; the
// instant it's read it may already be stale.
func (e *Event) Signaled() bool {
	return e.signaled
}

func (e *Event) enqueue(w Waiter) {
	w.SetWaitNext(nil)
	if e.tail == nil {
		e.head = w
	} else {
		e.tail.SetWaitNext(w)
	}
	e.tail = w
}

func (e *Event) dequeue() Waiter {
	w := e.head
	if w == nil {
		return nil
	}
	e.head = w.WaitNext()
	if e.head == nil {
		e.tail = nil
	}
	w.SetWaitNext(nil)
	return w
}

// Set wakes waiters per the event's Type. A Synchronization event with a
// waiter present wakes exactly that one and leaves signaled false; with no
// waiter it latches signaled true. A Notification event drains every
// waiter and always latches signaled true.
func (e *Event) Set(st *irql.State, sched Scheduler, rip uintptr) {
	old := e.lock.Acquire(st, rip)

	if e.Type == Synchronization {
		w := e.dequeue()
		if w != nil {
			e.signaled = false
			e.lock.Release(st, old, rip)
			sched.MarkReady(w)
			return
		}
		e.signaled = true
		e.lock.Release(st, old, rip)
		return
	}

	var drained []Waiter
	for {
		w := e.dequeue()
		if w == nil {
			break
		}
		drained = append(drained, w)
	}
	e.signaled = true
	e.lock.Release(st, old, rip)

	for _, w := range drained {
		sched.MarkReady(w)
	}
}

// Wait blocks the calling thread until the event is signaled. If the event
// is already signaled, Wait returns immediately (consuming the signal for a
// Synchronization event, leaving it latched for a Notification event).
// Otherwise the calling thread is marked BLOCKED, enqueued, and suspended;
// it resumes here once a matching Set has redispatched it.
func (e *Event) Wait(st *irql.State, sched Scheduler, rip uintptr) {
	cur := sched.Current()

	old := e.lock.Acquire(st, rip)
	if e.signaled {
		if e.Type == Synchronization {
			e.signaled = false
		}
		e.lock.Release(st, old, rip)
		return
	}

	sched.Block(cur, e)
	e.enqueue(cur)
	e.lock.Release(st, old, rip)

	sched.Sleep(cur)
}
