package proc

import (
	"testing"

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

// fakeTableAccess/arenaMemory are the same fixture heap_test.go uses,
// redefined here since both are unexported there.
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
const heapStart = 0x2000_0000

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
	if err := phys.Init(st, []mem.Descriptor{{PhysStart: 0, Pages: 8192, Conventional: true}}, 0, 0); err != nil {
		t.Fatalf("mem.Init: %v", err)
	}
	access := newFakeTableAccess()
	root := phys.Alloc(st, 0)
	access.ZeroTable(uintptr(root))
	space := paging.New(uintptr(root), &phys, access)

	arena := &arenaMemory{base: heapStart}
	h := heap.New(heapStart, &phys, space, arena)
	if err := h.Init(st, 0); err != nil {
		t.Fatalf("heap.Init: %v", err)
	}
	return h
}

func TestNewThreadAllocatesDistinctIDsAndStacks(t *testing.T) {
	st := newState()
	h := newHeap(t, st)

	a, err := NewThread(st, h, func(any) {}, nil, DefaultTimeSlice, 0)
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	b, err := NewThread(st, h, func(any) {}, nil, DefaultTimeSlice, 0)
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	if a.ThreadID == b.ThreadID {
		t.Fatalf("expected distinct TIDs, got %d twice", a.ThreadID)
	}
	if a.ThreadID%tidAlign != 0 || b.ThreadID%tidAlign != 0 {
		t.Fatalf("expected TIDs aligned to %d, got %d and %d", tidAlign, a.ThreadID, b.ThreadID)
	}
	if a.StackBase == b.StackBase {
		t.Fatal("expected distinct stack allocations")
	}
	if a.Registers.RSP%16 != 0 {
		t.Fatalf("expected 16-byte aligned initial RSP, got %#x", a.Registers.RSP)
	}
	if a.State != Ready {
		t.Fatalf("expected a freshly built thread to be READY, got %v", a.State)
	}
}

func TestThreadFreeRecyclesTID(t *testing.T) {
	st := newState()
	h := newHeap(t, st)

	a, err := NewThread(st, h, func(any) {}, nil, DefaultTimeSlice, 0)
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	freedTID := a.ThreadID
	a.Free(st, h, 0)
	if a.State != Terminated {
		t.Fatalf("expected Free to mark the thread Terminated, got %v", a.State)
	}

	b, err := NewThread(st, h, func(any) {}, nil, DefaultTimeSlice, 0)
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	if b.ThreadID != freedTID {
		t.Fatalf("expected the freed TID %d to be reused, got %d", freedTID, b.ThreadID)
	}
}

func TestEntryAndArgRoundTrip(t *testing.T) {
	st := newState()
	h := newHeap(t, st)

	called := false
	var gotArg any
	entry := func(arg any) { called = true; gotArg = arg }

	th, err := NewThread(st, h, entry, 42, DefaultTimeSlice, 0)
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	fn, arg := th.Entry()
	fn(arg)
	if !called {
		t.Fatal("expected the stored entry func to be callable")
	}
	if gotArg != 42 {
		t.Fatalf("expected arg 42 round-tripped, got %v", gotArg)
	}
}

func TestNewProcessAllocatesPIDAndTracksThreads(t *testing.T) {
	st := newState()
	h := newHeap(t, st)

	p, err := NewProcess(st, "init.mtexe", nil, 0x7FFF_FFFF_0000, 0)
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	if p.PID == 0 {
		t.Fatal("expected a nonzero PID")
	}

	th, err := NewThread(st, h, func(any) {}, nil, DefaultTimeSlice, 0)
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	p.AddThread(st, th, 0)
	if p.NumThreads != 1 {
		t.Fatalf("expected NumThreads=1, got %d", p.NumThreads)
	}
	if p.MainThread != th {
		t.Fatal("expected the first added thread to become MainThread")
	}
	if th.Parent != p {
		t.Fatal("expected AddThread to back-link the thread's Parent")
	}

	p.RemoveThread(st, 0)
	if p.NumThreads != 0 {
		t.Fatalf("expected NumThreads=0 after RemoveThread, got %d", p.NumThreads)
	}
}

func TestProcessExitReleasesPID(t *testing.T) {
	st := newState()

	p1, err := NewProcess(st, "a.mtexe", nil, 0, 0)
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	freedPID := p1.PID
	p1.Exit(st, 0)

	p2, err := NewProcess(st, "b.mtexe", nil, 0, 0)
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	if p2.PID != freedPID {
		t.Fatalf("expected the freed PID %d to be reused, got %d", freedPID, p2.PID)
	}
}
