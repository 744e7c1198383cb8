// Package spinlock implements a test-and-set spinlock that raises the
// calling CPU's IRQL to irql.DISPATCH for the duration it is held, per
// original_source/kernel/core/ms/spinlock.c. Holders may not block; no
// thread spins below DISPATCH, since Acquire raises before it spins.
package spinlock

import (
	"sync/atomic"

	"kernel/intrinsics"
	"kernel/irql"
)

// Spinlock is a 32-bit test-and-set lock. The zero value is unlocked.
type Spinlock struct {
	word atomic.Uint32
}

// Acquire raises st to irql.DISPATCH (returning the prior level so Release
// can restore it) then spins with a CPU pause hint until it wins the
// zero-to-one transition.
func (l *Spinlock) Acquire(st *irql.State, rip uintptr) irql.Level {
	old := st.Raise(irql.DISPATCH, rip)
	for !l.word.CompareAndSwap(0, 1) {
		intrinsics.Pause()
	}
	return old
}

// TryAcquire attempts the zero-to-one transition once, without raising
// IRQL, and reports whether it succeeded. Used by callers that already
// hold DISPATCH and must not recurse into Raise.
func (l *Spinlock) TryAcquire() bool {
	return l.word.CompareAndSwap(0, 1)
}

// Release clears the lock and lowers st back to old, the level Acquire
// returned.
func (l *Spinlock) Release(st *irql.State, old irql.Level, rip uintptr) {
	l.word.Store(0)
	st.Lower(old, rip)
}

// ReleaseOnly clears the lock word without touching IRQL, the counterpart
// to TryAcquire.
func (l *Spinlock) ReleaseOnly() {
	l.word.Store(0)
}

// Held reports whether the lock is currently taken. Diagnostic use only —
// never used to decide correctness, since the result is stale the instant
// it's read.
func (l *Spinlock) Held() bool {
	return l.word.Load() != 0
}
