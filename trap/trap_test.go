package trap

import (
	"testing"

	"kernel/irql"
)

type noopIntr struct{}

func (noopIntr) DisableLocal() bool  { return true }
func (noopIntr) RestoreLocal(bool)   {}
func (noopIntr) WriteTPR(irql.Level) {}

func newState() *irql.State {
	var s irql.State
	s.Bind(noopIntr{}, nil)
	return &s
}

type fakePorts struct {
	writes [][2]uint16
}

func (p *fakePorts) Outb(port uint16, val uint8) {
	p.writes = append(p.writes, [2]uint16{port, uint16(val)})
}

func testStubs() Stubs {
	var s Stubs
	for i := range s.Exceptions {
		s.Exceptions[i] = uintptr(0x1000 + i)
	}
	for i := range s.IRQs {
		s.IRQs[i] = uintptr(0x2000 + i)
	}
	return s
}

func TestInstallRemapsPIC(t *testing.T) {
	ports := &fakePorts{}
	var tbl Table
	Install(&tbl, testStubs(), ports)

	want := [][2]uint16{
		{0x20, 0x11}, {0xA0, 0x11},
		{0x21, 0x20}, {0xA1, 0x28},
		{0x21, 0x04}, {0xA1, 0x02},
		{0x21, 0x01}, {0xA1, 0x01},
		{0x21, 0x00}, {0xA1, 0x00},
	}
	if len(ports.writes) != len(want) {
		t.Fatalf("expected %d port writes, got %d: %v", len(want), len(ports.writes), ports.writes)
	}
	for i, w := range want {
		if ports.writes[i] != w {
			t.Fatalf("write %d: expected %v, got %v", i, w, ports.writes[i])
		}
	}
}

func TestInstallFillsAllFortyEightGates(t *testing.T) {
	ports := &fakePorts{}
	var tbl Table
	stubs := testStubs()
	Install(&tbl, stubs, ports)

	for i, h := range stubs.Exceptions {
		g := tbl.Gates[i]
		gotOffset := uintptr(g.OffsetLow) | uintptr(g.OffsetMid)<<16 | uintptr(g.OffsetHigh)<<32
		if gotOffset != h {
			t.Fatalf("exception gate %d: expected offset %#x, got %#x", i, h, gotOffset)
		}
		if g.Selector != Selector || g.TypeAttr != gateTypeAttr {
			t.Fatalf("exception gate %d: wrong selector/type_attr: %+v", i, g)
		}
	}
	for i, h := range stubs.IRQs {
		g := tbl.Gates[32+i]
		gotOffset := uintptr(g.OffsetLow) | uintptr(g.OffsetMid)<<16 | uintptr(g.OffsetHigh)<<32
		if gotOffset != h {
			t.Fatalf("irq gate %d: expected offset %#x, got %#x", i, h, gotOffset)
		}
	}
}

func TestInstallRoutesPageAndDoubleFaultOntoTheirOwnIST(t *testing.T) {
	ports := &fakePorts{}
	var tbl Table
	Install(&tbl, testStubs(), ports)

	if tbl.Gates[VectorPageFault].IST != pageFaultIST {
		t.Fatalf("expected page fault IST %d, got %d", pageFaultIST, tbl.Gates[VectorPageFault].IST)
	}
	if tbl.Gates[VectorDoubleFault].IST != doubleFaultIST {
		t.Fatalf("expected double fault IST %d, got %d", doubleFaultIST, tbl.Gates[VectorDoubleFault].IST)
	}
	if tbl.Gates[VectorBreakpoint].IST != 0 {
		t.Fatalf("expected an ordinary vector to stay on IST 0, got %d", tbl.Gates[VectorBreakpoint].IST)
	}
}

type fakeLoader struct {
	calls []string
	got   Pointer
}

func (l *fakeLoader) Lidt(p Pointer) {
	l.calls = append(l.calls, "lidt")
	l.got = p
}

func (l *fakeLoader) Sti() {
	l.calls = append(l.calls, "sti")
}

func TestLoadCallsLidtThenSti(t *testing.T) {
	var tbl Table
	l := &fakeLoader{}
	Load(&tbl, 0xffff_8000_0000_0000, l)

	if len(l.calls) != 2 || l.calls[0] != "lidt" || l.calls[1] != "sti" {
		t.Fatalf("expected [lidt sti], got %v", l.calls)
	}
	if l.got.Limit != uint16(len(tbl.Gates)*16-1) {
		t.Fatalf("unexpected limit %d", l.got.Limit)
	}
	if l.got.Base != 0xffff_8000_0000_0000 {
		t.Fatalf("unexpected base %#x", l.got.Base)
	}
}

func TestHasErrorCodeMatchesOriginalTable(t *testing.T) {
	want := map[Vector]bool{
		VectorDoubleFault:               true,
		VectorInvalidTSS:                true,
		VectorSegmentSelectorNotPresent: true,
		VectorStackSegmentFault:         true,
		VectorGeneralProtectionFault:    true,
		VectorPageFault:                 true,
	}
	for v := Vector(0); v < 32; v++ {
		if HasErrorCode(v) != want[v] {
			t.Fatalf("vector %d: expected HasErrorCode=%v, got %v", v, want[v], HasErrorCode(v))
		}
	}
}

func TestDispatchRunsRegisteredHandler(t *testing.T) {
	var d Dispatcher
	var ran bool
	d.Register(VectorBreakpoint, func(st *irql.State, f *Frame) { ran = true })

	st := newState()
	d.Handle(st, &Frame{Vector: uint64(VectorBreakpoint)})
	if !ran {
		t.Fatal("expected the registered handler to run")
	}
}

func TestDispatchRaisesToHighForNMI(t *testing.T) {
	var d Dispatcher
	var seen irql.Level
	d.Register(VectorNonMaskableInterrupt, func(st *irql.State, f *Frame) { seen = st.Current() })

	st := newState()
	d.Handle(st, &Frame{Vector: uint64(VectorNonMaskableInterrupt)})
	if seen != irql.HIGH {
		t.Fatalf("expected handler to observe HIGH irql, got %v", seen)
	}
	if st.Current() != irql.HIGH {
		t.Fatalf("expected irql to remain HIGH after an NMI (Set, not raise/lower), got %v", st.Current())
	}
}

func TestDispatchRaisesAndLowersForLapicTimer(t *testing.T) {
	var d Dispatcher
	var seen irql.Level
	d.Register(VectorLapicTimer, func(st *irql.State, f *Frame) { seen = st.Current() })

	st := newState()
	d.Handle(st, &Frame{Vector: uint64(VectorLapicTimer)})
	if seen != irql.CLOCK {
		t.Fatalf("expected handler to observe CLOCK irql, got %v", seen)
	}
	if st.Current() != irql.PASSIVE {
		t.Fatalf("expected irql to be lowered back to PASSIVE after the timer handler returns, got %v", st.Current())
	}
}

func TestDispatchRaisesAndLowersForLapicAction(t *testing.T) {
	var d Dispatcher
	var seen irql.Level
	d.Register(VectorLapicAction, func(st *irql.State, f *Frame) { seen = st.Current() })

	st := newState()
	d.Handle(st, &Frame{Vector: uint64(VectorLapicAction)})
	if seen != irql.IPI {
		t.Fatalf("expected handler to observe IPI irql, got %v", seen)
	}
	if st.Current() != irql.PASSIVE {
		t.Fatalf("expected irql restored to PASSIVE, got %v", st.Current())
	}
}

func TestDispatchUnhandledVectorInvokesCallback(t *testing.T) {
	var d Dispatcher
	var got Vector
	d.Unhandled = func(v Vector, f *Frame) { got = v }

	st := newState()
	d.Handle(st, &Frame{Vector: uint64(VectorOverflow)})
	if got != VectorOverflow {
		t.Fatalf("expected Unhandled to be called with %v, got %v", VectorOverflow, got)
	}
}

func TestDispatchUnhandledPanicsWithoutCallback(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic for an unhandled vector with no callback installed")
		}
	}()
	var d Dispatcher
	d.Handle(newState(), &Frame{Vector: uint64(VectorOverflow)})
}
