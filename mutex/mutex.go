// Package mutex implements the kernel's blocking mutual-exclusion
// primitive, grounded on original_source/kernel/core/mutex/mutex.c
// (MtAcquireMutexObject, MtReleaseMutexObject): a spinlock-protected
// ownership flag layered on top of an internal Synchronization event, so a
// contending thread retries under the spinlock rather than trusting the
// wake to hand it ownership directly.
package mutex

import (
	"errors"

	"kernel/event"
	"kernel/irql"
	"kernel/spinlock"
)

// ErrNotOwned is returned by Release when the mutex is not currently held.
var ErrNotOwned = errors.New("mutex: release of unowned mutex")

// Mutex is a blocking mutual-exclusion lock. Create one with New: the zero
// value's internal event is a Notification event rather than the
// Synchronization event Release's wake-one path relies on.
type Mutex struct {
	lock     spinlock.Spinlock
	locked   bool
	ownerTID uint32
	owner    event.Waiter
	synch    event.Event
}

// New returns a ready-to-use, unlocked Mutex. There is no entry point that
// re-initialises an existing Mutex in place.
func New() *Mutex {
	m := &Mutex{}
	m.synch.Type = event.Synchronization
	return m
}

// Owner reports the TID of the current holder, or 0 if unlocked.
// Diagnostic use only.
func (m *Mutex) Owner() uint32 {
	return m.ownerTID
}

// Acquire blocks the calling thread (sched.Current()) until it holds the
// mutex. Per the original, acquisition is a retry loop: take the spinlock,
// claim ownership if free, otherwise release the spinlock and wait on the
// internal event, then loop — the event wake does not hand off ownership
// directly, so a newcomer may still win the race and the waiter must
// re-check under the spinlock.
func (m *Mutex) Acquire(st *irql.State, sched event.Scheduler, rip uintptr) {
	for {
		old := m.lock.Acquire(st, rip)
		if !m.locked {
			cur := sched.Current()
			m.locked = true
			m.owner = cur
			m.ownerTID = cur.TID()
			m.lock.Release(st, old, rip)
			return
		}
		m.lock.Release(st, old, rip)
		m.synch.Wait(st, sched, rip)
	}
}

// Release clears ownership and wakes exactly one contender (if any). It is
// an error to release a mutex that is not held.
func (m *Mutex) Release(st *irql.State, sched event.Scheduler, rip uintptr) error {
	old := m.lock.Acquire(st, rip)
	if !m.locked {
		m.lock.Release(st, old, rip)
		return ErrNotOwned
	}
	m.locked = false
	m.ownerTID = 0
	m.owner = nil
	m.lock.Release(st, old, rip)

	m.synch.Set(st, sched, rip)
	return nil
}
