// Package ipi implements the generic cross-CPU action/acknowledge
// mechanism every inter-processor request in this kernel is built on —
// TLB shootdown and the bugcheck STOP broadcast alike — grounded on
// original_source/kernel/cpu/smp/smp.c's per-CPU IPI action/parameter
// fields (IpiAction, IpiParameter, IpiSeq) and spec.md §4.12.
//
// A Slot is embedded by value in cpu.Record; this package only knows about
// Slot, never about cpu.Record itself, so it has no dependency on the
// per-CPU package it serves.
package ipi

import "sync/atomic"

// Action identifies what a target CPU should do when it observes a new
// action posted to its Slot.
type Action uint32

const (
	// None is the idle action; a target with no pending action ignores the
	// generic IPI vector entirely (spurious/racing notification).
	None Action = iota
	// Shootdown invalidates the virtual address carried in Param.
	Shootdown
	// Stop halts the target CPU in a pause loop; used during bugcheck to
	// quiesce every other CPU before rendering diagnostics.
	Stop
)

// Slot is one CPU's IPI mailbox: an action code, a single address-sized
// parameter, and a sequence counter the issuer polls to detect
// acknowledgement. The zero value is idle.
type Slot struct {
	action atomic.Uint32
	param  atomic.Uintptr
	seq    atomic.Uint64
}

// Post stores the action and parameter for this target. Called by the
// issuer before sending the hardware IPI.
func (s *Slot) Post(action Action, param uintptr) {
	s.param.Store(param)
	s.action.Store(uint32(action))
}

// Ack bumps the sequence counter, the target's signal that it has observed
// and handled the posted action. Called from the generic IPI's interrupt
// handler on the target CPU.
func (s *Slot) Ack() {
	s.seq.Add(1)
}

// Pending returns the currently posted action and parameter, for the
// target's interrupt handler to dispatch on.
func (s *Slot) Pending() (Action, uintptr) {
	return Action(s.action.Load()), s.param.Load()
}

// Seq returns the current acknowledgement sequence, for an issuer to poll
// against the value observed before sending.
func (s *Slot) Seq() uint64 {
	return s.seq.Load()
}

// Sender is the hardware primitive that actually raises the generic IPI
// vector on one target CPU (a LAPIC ICR write in the real kernel); supplied
// by the caller so this package stays free of any MMU/LAPIC dependency.
type Sender func(targetIndex int)

// SendToAllAndWait posts action/param to every slot except selfIndex, sends
// the generic IPI to each of those targets, then spins until every one of
// them has bumped its sequence counter past the value observed before
// sending. Grounded on send_action_to_cpus_and_wait in spec.md §4.12.
func SendToAllAndWait(slots []*Slot, selfIndex int, action Action, param uintptr, send Sender, pause func()) {
	baseline := make([]uint64, len(slots))
	for i, s := range slots {
		if i == selfIndex {
			continue
		}
		baseline[i] = s.Seq()
		s.Post(action, param)
	}
	for i := range slots {
		if i == selfIndex {
			continue
		}
		send(i)
	}
	for i, s := range slots {
		if i == selfIndex {
			continue
		}
		for s.Seq() == baseline[i] {
			if pause != nil {
				pause()
			}
		}
	}
}
