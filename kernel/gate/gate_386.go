// Package gate builds the i586 interrupt descriptor table and lets callers
// attach ordinary Go closures to interrupt vectors. Each vector is backed by
// a tiny generated assembly trampoline (gate_386.s) that saves the register
// file, calls back into dispatchInterrupt, restores it and returns via
// IRET; dispatchInterrupt looks up and invokes the closure registered for
// that vector.
package gate

import (
	"novakernel/kernel/cpu"
	"novakernel/kernel/kfmt"
	"io"
)

// Registers is the full register snapshot handed to a handler: the
// general-purpose registers saved by the trampoline (in PUSHAL order), the
// vector/error-code word, and the CPU-pushed IRET frame.
type Registers struct {
	EDI uint32
	ESI uint32
	EBP uint32
	ESP uint32
	EBX uint32
	EDX uint32
	ECX uint32
	EAX uint32

	Vector    uint32
	ErrorCode uint32

	EIP     uint32
	CS      uint32
	EFlags  uint32
	UserESP uint32
	SS      uint32
}

// DumpTo writes a human-readable register dump to w, used by panic/fault
// handlers to report where execution was interrupted.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "EAX = %8x EBX = %8x ECX = %8x EDX = %8x\n", r.EAX, r.EBX, r.ECX, r.EDX)
	kfmt.Fprintf(w, "ESI = %8x EDI = %8x EBP = %8x ESP = %8x\n", r.ESI, r.EDI, r.EBP, r.ESP)
	kfmt.Fprintf(w, "vector = %d error = %8x\n", r.Vector, r.ErrorCode)
	kfmt.Fprintf(w, "EIP = %8x CS = %8x EFlags = %8x\n", r.EIP, r.CS, r.EFlags)
	kfmt.Fprintf(w, "userESP = %8x SS = %8x\n", r.UserESP, r.SS)
}

// InterruptNumber identifies an IDT slot.
type InterruptNumber uint8

const (
	DivideByZero               = InterruptNumber(0)
	Debug                      = InterruptNumber(1)
	NMI                        = InterruptNumber(2)
	Breakpoint                 = InterruptNumber(3)
	Overflow                   = InterruptNumber(4)
	BoundRangeExceeded         = InterruptNumber(5)
	InvalidOpcode              = InterruptNumber(6)
	DeviceNotAvailable         = InterruptNumber(7)
	DoubleFault                = InterruptNumber(8)
	InvalidTSS                 = InterruptNumber(10)
	SegmentNotPresent          = InterruptNumber(11)
	StackSegmentFault          = InterruptNumber(12)
	GPFException               = InterruptNumber(13)
	PageFaultException         = InterruptNumber(14)
	FloatingPointException     = InterruptNumber(16)
	AlignmentCheck             = InterruptNumber(17)
	MachineCheck               = InterruptNumber(18)
	SIMDFloatingPointException = InterruptNumber(19)

	// irqBase is the vector the primary/secondary 8259 PICs are remapped
	// to, so IRQ N arrives as vector irqBase+N.
	irqBase = InterruptNumber(0x20)

	// SyscallVector is the software interrupt vector user-space uses to
	// invoke the kernel per the syscall ABI.
	SyscallVector = InterruptNumber(0x80)

	// IPIKillProcess, IPIPageRefresh and IPIPanicHalt are the software
	// inter-processor vectors; kernel/smp posts the matching message
	// before raising one, and this package only owes them an IDT slot.
	IPIKillProcess = InterruptNumber(0xfb)
	IPIPageRefresh = InterruptNumber(0xfc)
	IPIPanicHalt   = InterruptNumber(0xfe)
)

// hasErrorCode reports whether the CPU automatically pushes an error code
// onto the stack for this exception, ahead of the standard IRET frame.
func (n InterruptNumber) hasErrorCode() bool {
	switch n {
	case DoubleFault, InvalidTSS, SegmentNotPresent, StackSegmentFault, GPFException, PageFaultException, AlignmentCheck:
		return true
	default:
		return false
	}
}

// Handler is the signature interrupt, exception and syscall handlers share.
type Handler func(*Registers)

var handlers [256]Handler

// HandleInterrupt registers handler as the destination for interrupt
// vector n, replacing any previously registered handler.
func HandleInterrupt(n InterruptNumber, handler Handler) {
	handlers[n] = handler
}

// HandleIRQ registers handler for hardware IRQ line irqNum (0-15), i.e. for
// interrupt vector irqBase+irqNum.
func HandleIRQ(irqNum uint8, handler Handler) {
	HandleInterrupt(InterruptNumber(uint8(irqBase)+irqNum), handler)
}

// Deregister removes whatever handler is installed for vector n.
func Deregister(n InterruptNumber) {
	handlers[n] = nil
}

// dispatchInterrupt is invoked by the assembly trampolines with a pointer
// to the Registers snapshot built on the interrupt stack. It is exported
// (lower-case but called from .s) via the Go/assembly linkage convention.
func dispatchInterrupt(regs *Registers) {
	if h := handlers[regs.Vector]; h != nil {
		h(regs)
		return
	}
	kfmt.Printf("unhandled interrupt %d (error %x) at %x\n", regs.Vector, regs.ErrorCode, regs.EIP)
}

// remapPIC reprograms the 8259 PICs so that IRQ0-15 land on vectors
// irqBase..irqBase+15 instead of colliding with the CPU exception range.
func remapPIC() {
	const (
		pic1Cmd  = 0x20
		pic1Data = 0x21
		pic2Cmd  = 0xA0
		pic2Data = 0xA1
		icw1Init = 0x11
	)

	cpu.Outb(pic1Cmd, icw1Init)
	cpu.Outb(pic2Cmd, icw1Init)

	cpu.Outb(pic1Data, uint8(irqBase))
	cpu.Outb(pic2Data, uint8(irqBase)+8)

	cpu.Outb(pic1Data, 0x04) // secondary PIC lives on IRQ2
	cpu.Outb(pic2Data, 0x02)

	cpu.Outb(pic1Data, 0x01) // 8086 mode
	cpu.Outb(pic2Data, 0x01)

	cpu.Outb(pic1Data, 0x00) // unmask everything; HandleIRQ callers opt in
	cpu.Outb(pic2Data, 0x00)
}

// AckIRQ sends the end-of-interrupt command for irqNum to the PIC(s) that
// own it. Handlers registered via HandleIRQ must call this before
// returning.
func AckIRQ(irqNum uint8) {
	const (
		pic1Cmd = 0x20
		pic2Cmd = 0xA0
		eoi     = 0x20
	)
	if irqNum >= 8 {
		cpu.Outb(pic2Cmd, eoi)
	}
	cpu.Outb(pic1Cmd, eoi)
}

// Init programs the PICs and installs the IDT. Gates are populated for the
// CPU exception vectors, the 16 remapped IRQ lines, the syscall vector and
// the three IPI vectors, each pointing at its generated trampoline; every
// other IDT slot is left non-present. A populated vector with no registered
// Go handler falls through to the diagnostic default in dispatchInterrupt.
func Init() {
	remapPIC()
	installIDT()
}

// installIDT populates the IDT descriptor table and loads it via LIDT.
func installIDT() {
	fillIDT()
}
