package smp

import (
	"testing"

	"kernel/cpu"
	"kernel/heap"
	"kernel/irql"
	"kernel/mem"
	"kernel/paging"
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

type fakeTableAccess struct {
	tables map[uintptr]*[512]uint64
}

func newFakeTableAccess() *fakeTableAccess {
	return &fakeTableAccess{tables: map[uintptr]*[512]uint64{}}
}

func (f *fakeTableAccess) table(pa uintptr) *[512]uint64 {
	t := f.tables[pa]
	if t == nil {
		t = &[512]uint64{}
		f.tables[pa] = t
	}
	return t
}

func (f *fakeTableAccess) ReadEntry(pa uintptr, index int) uint64    { return f.table(pa)[index] }
func (f *fakeTableAccess) WriteEntry(pa uintptr, index int, v uint64) { f.table(pa)[index] = v }
func (f *fakeTableAccess) ZeroTable(pa uintptr)                       { f.tables[pa] = &[512]uint64{} }

type arenaMemory struct {
	base uintptr
	buf  []byte
}

const frameSize = 4096

func (a *arenaMemory) Bytes(va uintptr, n int) []byte {
	off := int(va - a.base)
	for off+n > len(a.buf) {
		a.buf = append(a.buf, make([]byte, frameSize)...)
	}
	return a.buf[off : off+n]
}

func newHeap(t *testing.T, st *irql.State) *heap.Heap {
	t.Helper()
	var phys mem.Physmem_t
	if err := phys.Init(st, []mem.Descriptor{{PhysStart: 0, Pages: 16384, Conventional: true}}, 0, 0); err != nil {
		t.Fatalf("mem.Init: %v", err)
	}
	access := newFakeTableAccess()
	root := phys.Alloc(st, 0)
	access.ZeroTable(uintptr(root))
	space := paging.New(uintptr(root), &phys, access)

	arena := &arenaMemory{base: 0x4000_0000}
	h := heap.New(0x4000_0000, &phys, space, arena)
	if err := h.Init(st, 0); err != nil {
		t.Fatalf("heap.Init: %v", err)
	}
	return h
}

func TestPreparePerCPUFillsStackAndISTTops(t *testing.T) {
	st := newState()
	h := newHeap(t, st)

	var rec cpu.Record
	if err := PreparePerCPU(st, h, &rec, 2, 7, noopIntr{}, nil, 0); err != nil {
		t.Fatalf("PreparePerCPU: %v", err)
	}
	if rec.ID != 2 || rec.LapicID != 7 {
		t.Fatalf("expected ID=2 LapicID=7, got ID=%d LapicID=%d", rec.ID, rec.LapicID)
	}
	if rec.StackTop == 0 {
		t.Fatal("expected a nonzero stack top")
	}
	if rec.IstPFTop == 0 || rec.IstDFTop == 0 || rec.IstPFTop == rec.IstDFTop {
		t.Fatal("expected distinct, nonzero IST tops")
	}
	if rec.TSS.RSP0 != rec.StackTop {
		t.Fatal("expected TSS.RSP0 to mirror the kernel stack top")
	}
	if rec.TSS.IST1 != rec.IstPFTop || rec.TSS.IST2 != rec.IstDFTop {
		t.Fatal("expected TSS IST slots to mirror the allocated IST tops")
	}
	if len(rec.GDT) != gdtEntryCount {
		t.Fatalf("expected a %d-entry GDT, got %d", gdtEntryCount, len(rec.GDT))
	}
}

type fakeLapic struct {
	calls []string
}

func (f *fakeLapic) SendInit(target uint8) {
	f.calls = append(f.calls, "init")
}

func (f *fakeLapic) SendStartup(target uint8, vector uint8) {
	f.calls = append(f.calls, "sipi")
}

func (f *fakeLapic) SleepMillis(ms int) {
	f.calls = append(f.calls, "sleep")
}

func TestStartAPSequencesInitThenTwoSIPIs(t *testing.T) {
	l := &fakeLapic{}
	StartAP(l, 3, 0x08)

	want := []string{"init", "sleep", "sipi", "sleep", "sipi", "sleep"}
	if len(l.calls) != len(want) {
		t.Fatalf("expected %d calls, got %d: %v", len(want), len(l.calls), l.calls)
	}
	for i, c := range want {
		if l.calls[i] != c {
			t.Fatalf("call %d: expected %s, got %s (%v)", i, c, l.calls[i], l.calls)
		}
	}
}

func TestBringupPreparesEveryCPUAndSkipsSelf(t *testing.T) {
	st := newState()
	h := newHeap(t, st)
	l := &fakeLapic{}

	lapicIDs := []uint8{0, 1, 2}
	records, err := Bringup(st, h, lapicIDs, 0, noopIntr{}, nil, l, 0x08, 0)
	if err != nil {
		t.Fatalf("Bringup: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 prepared records, got %d", len(records))
	}
	for i, r := range records {
		if r.LapicID != lapicIDs[i] {
			t.Fatalf("record %d: expected LapicID %d, got %d", i, lapicIDs[i], r.LapicID)
		}
	}
	// Self (lapic 0) must not receive a startup sequence: 2 APs * 6 calls.
	if len(l.calls) != 12 {
		t.Fatalf("expected 12 lapic calls across 2 non-self APs, got %d", len(l.calls))
	}
}
