// Package trap builds the IDT, describes the trap frame the assembly
// stubs hand off, and dispatches each vector to its handler. Grounded on
// original_source/kernel/interrupts/idt.c (set_idt_gate, install_idt, the
// PIC remap sequence) and original_source/kernel/core/mh/isr.c
// (MhHandleInterrupt's has_error_code table and per-vector switch).
//
// The common-stub contract this package assumes: every vector's assembly
// entry point pushes a dummy error code if the CPU didn't push a real one,
// pushes the vector number, saves the general-purpose registers in the
// order Frame declares them, then calls Dispatcher.Handle with a pointer
// into that saved frame. On return the stub pops the frame back off and
// either iretq's (exception/IRQ path) or falls into the scheduler (timer
// path; that branch lives in the stub, and this package has no hook for it).
package trap

// IDTEntries is the fixed size of the table, per IDT_ENTRIES.
const IDTEntries = 256

// Selector is the code segment every gate points interrupts at; 0x08 is
// the kernel code descriptor this kernel's GDT always installs at that
// index, per set_idt_gate's hardcoded selector.
const Selector uint16 = 0x08

// gateTypeAttr marks a gate present, ring 0, 64-bit interrupt gate, per
// set_idt_gate's comment ("Interrupt gate, present, ring 0").
const gateTypeAttr uint8 = 0x8E

// Gate is one IDT_ENTRY64: a 64-bit interrupt gate descriptor split across
// three offset fields with the selector and type/attribute byte packed in
// the middle, exactly as the hardware requires.
type Gate struct {
	OffsetLow  uint16
	Selector   uint16
	IST        uint8
	TypeAttr   uint8
	OffsetMid  uint16
	OffsetHigh uint32
	Zero       uint32
}

// set fills g from a handler's address, mirroring set_idt_gate's three-way
// split of the 64-bit offset. ist selects which Interrupt Stack Table
// entry (1-7) the CPU switches to before running the handler, or 0 to stay
// on the current stack.
func (g *Gate) set(handler uintptr, ist uint8) {
	g.OffsetLow = uint16(handler)
	g.Selector = Selector
	g.IST = ist
	g.TypeAttr = gateTypeAttr
	g.OffsetMid = uint16(handler >> 16)
	g.OffsetHigh = uint32(handler >> 32)
	g.Zero = 0
}

// Pointer is the six-byte operand lidt loads: table size minus one, then
// the table's linear base, per PIDT.limit/PIDT.base.
type Pointer struct {
	Limit uint16
	Base  uint64
}

// Table is the IDT proper: IDTEntries gate descriptors plus the IST
// assignment for the two vectors (double fault, page fault) this kernel
// routes onto their own stacks rather than the current one.
type Table struct {
	Gates [IDTEntries]Gate
}

// SetGate installs handler at vector n with the given IST selector (0 for
// "use the current stack").
func (t *Table) SetGate(n int, handler uintptr, ist uint8) {
	t.Gates[n].set(handler, ist)
}

// Pointer computes the lidt operand for this table's current address.
func (t *Table) Pointer(base uintptr) Pointer {
	return Pointer{
		Limit: uint16(len(t.Gates)*16 - 1),
		Base:  uint64(base),
	}
}

// PortWriter is the single privileged primitive install needs: byte-wide
// port output, used only to remap the legacy 8259 PICs out from under the
// exception vectors. Backed by intrinsics.Outb on real hardware; tests
// record the sequence instead.
type PortWriter interface {
	Outb(port uint16, val uint8)
}

// IDTLoader executes lidt (and the sti that follows it in install_idt).
// Real hardware only; never called in tests.
type IDTLoader interface {
	Lidt(p Pointer)
	Sti()
}

// remapPIC reprograms the master/slave 8259s so IRQs land at vectors
// 0x20-0x2F instead of colliding with the CPU exception range, byte for
// byte the sequence install_idt issues.
func remapPIC(p PortWriter) {
	p.Outb(0x20, 0x11)
	p.Outb(0xA0, 0x11)
	p.Outb(0x21, 0x20)
	p.Outb(0xA1, 0x28)
	p.Outb(0x21, 0x04)
	p.Outb(0xA1, 0x02)
	p.Outb(0x21, 0x01)
	p.Outb(0xA1, 0x01)
	p.Outb(0x21, 0x00)
	p.Outb(0xA1, 0x00)
}

// Stubs supplies the 48 assembly entry point addresses install fills the
// table with: isr0..isr31 for the CPU exceptions, irq0..irq15 for the
// remapped legacy PIC lines. Index i of each slice is vector i (Exceptions)
// or vector 32+i (IRQs).
type Stubs struct {
	Exceptions [32]uintptr
	IRQs       [16]uintptr
}

// pageFaultIST and doubleFaultIST route those two vectors onto their own
// IST stacks (cpu.Record.IstPFTop/IstDFTop) so a stack-overflow-induced
// fault doesn't double-fault on an already-exhausted kernel stack.
const (
	pageFaultIST   = 1
	doubleFaultIST = 2
)

// Install builds a fully populated table — PIC remapped, all 48 gates
// filled — the Go equivalent of install_idt, but stops short of the
// hardware lidt/sti: callers that actually own the CPU pass table.Pointer
// through an IDTLoader themselves once this returns, keeping the pure
// table-construction logic testable without any privileged instruction.
func Install(t *Table, stubs Stubs, ports PortWriter) {
	remapPIC(ports)
	for i, h := range stubs.Exceptions {
		ist := uint8(0)
		switch Vector(i) {
		case VectorPageFault:
			ist = pageFaultIST
		case VectorDoubleFault:
			ist = doubleFaultIST
		}
		t.SetGate(i, h, ist)
	}
	for i, h := range stubs.IRQs {
		t.SetGate(32+i, h, 0)
	}
}

// Load hands the table's lidt operand to l and enables interrupts,
// mirroring install_idt's closing __lidt/__sti pair. Separate from Install
// so tests can exercise gate population without an IDTLoader.
func Load(t *Table, base uintptr, l IDTLoader) {
	l.Lidt(t.Pointer(base))
	l.Sti()
}
