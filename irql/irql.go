// Package irql implements the per-CPU interrupt priority discipline: a
// level that only moves monotonically within a raise/lower pair, mapped to
// the LAPIC task-priority register so the hardware masks interrupts below
// the current level.
//
// Grounded on original_source/kernel/core/irql/irql.c (MtRaiseIRQL,
// MtLowerIRQL, enforce_max_irql, _MtSetIRQL) — that file pins the exact
// assert directions and the "only touch TPR above DISPATCH" policy that
// spec.md describes at a higher level.
package irql

import (
	"fmt"
	"sync/atomic"
)

// Level is a priority level. Higher values mask more interrupt classes.
type Level uint32

const (
	PASSIVE   Level = 0
	DISPATCH  Level = 2
	DIRQLLow  Level = 3
	DIRQLHigh Level = 26
	PROFILE   Level = 27
	CLOCK     Level = 28
	IPI       Level = 29
	POWER     Level = 30
	HIGH      Level = 31
)

func (l Level) String() string {
	switch l {
	case PASSIVE:
		return "PASSIVE"
	case DISPATCH:
		return "DISPATCH"
	case PROFILE:
		return "PROFILE"
	case CLOCK:
		return "CLOCK"
	case IPI:
		return "IPI"
	case POWER:
		return "POWER"
	case HIGH:
		return "HIGH"
	default:
		return fmt.Sprintf("DIRQL(%d)", l)
	}
}

// Violation reports an attempt to mis-order a raise or lower, or to call a
// function above its documented maximum IRQL. Fatal recovery (bugcheck) is
// the caller's responsibility; this package only detects the violation so
// it composes with whatever halts the system in the embedding program (the
// bugcheck package, in this kernel).
type Violation struct {
	Op       string
	Current  Level
	Attempt  Level
	RIP      uintptr
}

func (v *Violation) Error() string {
	return fmt.Sprintf("irql: %s(%v) while at %v", v.Op, v.Attempt, v.Current)
}

// Interrupter is implemented by whatever owns the CPU's local interrupt
// enable flag. cpu.Record satisfies it via the intrinsics package; tests
// substitute an in-memory fake so no privileged instruction ever executes
// off real hardware.
type Interrupter interface {
	// DisableLocal disables interrupts and reports whether they were
	// enabled beforehand.
	DisableLocal() bool
	// RestoreLocal restores the interrupt-enable flag to a prior state.
	RestoreLocal(wasEnabled bool)
	// WriteTPR programs the LAPIC task-priority register (or an
	// equivalent) to mask everything below the vector floor implied by
	// level. Called only when level > DISPATCH.
	WriteTPR(level Level)
}

// State is one CPU's IRQL state. The zero value starts at PASSIVE with a
// nil Interrupter, which is adequate for tests that never raise above
// DISPATCH, but SchedulerEnabled reports false until Bind or the first
// Raise, Lower or Set updates it; cpu.Record calls Bind during per-CPU
// init.
type State struct {
	level            atomic.Uint32
	schedulerEnabled atomic.Bool
	intr             Interrupter
	onViolation      func(*Violation)
}

// Bind installs the Interrupter used to disable/restore local interrupts
// and to program the LAPIC TPR, and the callback invoked on a raise/lower
// ordering violation (the kernel wires this to bugcheck.Fatal).
func (s *State) Bind(intr Interrupter, onViolation func(*Violation)) {
	s.intr = intr
	s.onViolation = onViolation
	s.schedulerEnabled.Store(true)
}

// Current returns the CPU's current IRQL.
func (s *State) Current() Level {
	return Level(s.level.Load())
}

// SchedulerEnabled reports whether a context switch may occur right now;
// true iff the current level is below DISPATCH.
func (s *State) SchedulerEnabled() bool {
	return s.schedulerEnabled.Load()
}

func (s *State) toggleScheduler() {
	s.schedulerEnabled.Store(Level(s.level.Load()) < DISPATCH)
}

func (s *State) disable() bool {
	if s.intr == nil {
		return false
	}
	return s.intr.DisableLocal()
}

func (s *State) restore(wasEnabled bool) {
	if s.intr != nil {
		s.intr.RestoreLocal(wasEnabled)
	}
}

func (s *State) writeTPRIfAbove(level Level) {
	if level > DISPATCH && s.intr != nil {
		s.intr.WriteTPR(level)
	}
}

func (s *State) fault(v *Violation) {
	if s.onViolation != nil {
		s.onViolation(v)
		return
	}
	panic(v.Error())
}

// Raise moves the IRQL up to newLevel and returns the prior level so the
// caller can Lower back to it. Raising to a level below the current one is
// an invariant violation (fatal).
func (s *State) Raise(newLevel Level, rip uintptr) Level {
	wasEnabled := s.disable()
	defer s.restore(wasEnabled)

	cur := Level(s.level.Load())
	if newLevel < cur {
		s.fault(&Violation{Op: "raise", Current: cur, Attempt: newLevel, RIP: rip})
		return cur
	}
	s.level.Store(uint32(newLevel))
	s.toggleScheduler()
	s.writeTPRIfAbove(newLevel)
	return cur
}

// Lower moves the IRQL down to newLevel. Lowering to a level above the
// current one is an invariant violation (fatal).
func (s *State) Lower(newLevel Level, rip uintptr) {
	wasEnabled := s.disable()
	defer s.restore(wasEnabled)

	cur := Level(s.level.Load())
	if newLevel > cur {
		s.fault(&Violation{Op: "lower", Current: cur, Attempt: newLevel, RIP: rip})
		return
	}
	s.level.Store(uint32(newLevel))
	s.toggleScheduler()
	s.writeTPRIfAbove(newLevel)
}

// Set bypasses the ordering check entirely. Reserved for the bugcheck path,
// which must force IRQL to HIGH regardless of where it currently sits.
func (s *State) Set(newLevel Level) {
	wasEnabled := s.disable()
	defer s.restore(wasEnabled)

	s.level.Store(uint32(newLevel))
	s.toggleScheduler()
	s.writeTPRIfAbove(newLevel)
}

// EnforceMax bugchecks (via onViolation) if the current IRQL exceeds max.
// Functions that may only run at or below a given level call this at
// entry, mirroring enforce_max_irql in the original kernel.
func (s *State) EnforceMax(max Level, rip uintptr) {
	wasEnabled := s.disable()
	defer s.restore(wasEnabled)

	cur := Level(s.level.Load())
	if cur > max {
		s.fault(&Violation{Op: "enforce_max", Current: cur, Attempt: max, RIP: rip})
	}
}
