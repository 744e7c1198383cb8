// Package dpc implements a per-CPU deferred procedure call queue: a
// lock-free pending list bucketed by priority feeding a spinlock-protected
// drain queue. Grounded on
// original_source/kernel/core/dpc/dpc.c (MtQueueDPC, RetireDPCs,
// MtBeginDpcProcessing/MtEndDpcProcessing) — the bucket count, CAS push,
// highest-priority-first merge and re-acquire-per-pop drain loop all follow
// that file exactly.
package dpc

import (
	"sync/atomic"

	"kernel/intrinsics"
	"kernel/irql"
	"kernel/spinlock"
)

// NBuckets is the number of pending-list priority buckets, matching
// PENDING_DPC_BUCKETS.
const NBuckets = 16

// Priority selects which pending bucket a DPC is pushed into. Buckets drain
// highest index first.
type Priority int

const (
	Low    Priority = 4
	Medium Priority = 8
	High   Priority = 12
	System Priority = 15
)

func clampPriority(p Priority) int {
	if p < 0 {
		return 0
	}
	if int(p) >= NBuckets {
		return NBuckets - 1
	}
	return int(p)
}

// Callback is the routine a DPC runs, receiving itself (so it may
// re-Enqueue) plus up to three caller-supplied arguments.
type Callback func(d *DPC, arg1, arg2, arg3 any)

// DPC is one deferred procedure call. The zero value is idle and ready to be
// filled in and Enqueue'd; a DPC must not be enqueued again while already
// queued or draining — Enqueue reports this by returning false.
type DPC struct {
	next     *DPC
	queued   atomic.Bool
	Priority Priority
	Callback Callback
	Arg1     any
	Arg2     any
	Arg3     any
}

// Queued reports whether the DPC is currently pending or linked into a
// drain queue (diagnostic use only — stale the instant it's read).
func (d *DPC) Queued() bool {
	return d.queued.Load()
}

// Queue is one CPU's DPC state: NBuckets lock-free pending lists plus the
// spinlock-protected drain queue that Retire merges them onto.
type Queue struct {
	pending [NBuckets]atomic.Pointer[DPC]
	lock    spinlock.Spinlock
	head    *DPC
	tail    *DPC
	active  atomic.Bool
}

// Enqueue claims the DPC's one-shot queued flag and CAS-pushes it onto the
// pending bucket for its priority. Returns false if the DPC was already
// queued or draining.
func (q *Queue) Enqueue(d *DPC) bool {
	if d == nil {
		return false
	}
	if !d.queued.CompareAndSwap(false, true) {
		return false
	}
	bucket := &q.pending[clampPriority(d.Priority)]
	for {
		old := bucket.Load()
		d.next = old
		if bucket.CompareAndSwap(old, d) {
			return true
		}
	}
}

func reverse(head *DPC) *DPC {
	var prev *DPC
	for head != nil {
		next := head.next
		head.next = prev
		prev = head
		head = next
	}
	return prev
}

// anyPending reports whether any bucket has a pending DPC, without
// disturbing it — an optimistic early-out so Retire can skip the
// raise/lock/drain sequence when there is nothing to do.
func (q *Queue) anyPending() bool {
	for i := range q.pending {
		if q.pending[i].Load() != nil {
			return true
		}
	}
	return false
}

// Retire steals every pending bucket, merges them highest-priority-first
// onto the drain queue, then pops and runs each DPC in turn, releasing the
// lock around every callback so it may re-Enqueue itself or a peer. A
// reentrancy guard refuses a second concurrent Retire on the same Queue (the
// CPU cannot actually be running two drains at once).
func (q *Queue) Retire(st *irql.State, rip uintptr) {
	if q.head == nil && !q.anyPending() {
		return
	}
	if !q.active.CompareAndSwap(false, true) {
		return
	}
	defer q.active.Store(false)

	old := st.Raise(irql.DISPATCH, rip)
	defer st.Lower(old, rip)

	var stolen [NBuckets]*DPC
	for p := range q.pending {
		stolen[p] = q.pending[p].Swap(nil)
	}

	flags := q.lock.Acquire(st, rip)

	for p := NBuckets - 1; p >= 0; p-- {
		chunk := reverse(stolen[p])
		if chunk == nil {
			continue
		}
		tail := chunk
		for tail.next != nil {
			tail = tail.next
		}
		if q.head == nil {
			q.head = chunk
		} else {
			q.tail.next = chunk
		}
		q.tail = tail
	}

	for q.head != nil {
		d := q.head
		q.head = d.next
		if q.head == nil {
			q.tail = nil
		}
		d.next = nil
		d.queued.Store(false)

		q.lock.Release(st, flags, rip)

		if d.Callback != nil {
			intrinsics.Sti()
			d.Callback(d, d.Arg1, d.Arg2, d.Arg3)
			intrinsics.Cli()
		}

		flags = q.lock.Acquire(st, rip)
	}

	q.lock.Release(st, flags, rip)
}
