package gate

import (
	"reflect"
	"unsafe"
)

// idtEntry is the wire layout of one IDT gate descriptor.
type idtEntry struct {
	offsetLow  uint16
	selector   uint16
	zero       uint8
	typeAttr   uint8
	offsetHigh uint16
}

const (
	kernelCS        = 0x08
	gatePresent     = 0x80
	gateInterrupt32 = 0x0e
	gateRing3       = 0x60
)

var idt [256]idtEntry

// setGate points IDT slot n at the entry trampoline, marking it present.
// ring3 must be true only for the syscall gate, which user-space is allowed
// to invoke directly via INT.
func setGate(n InterruptNumber, entry func(), ring3 bool) {
	addr := uint32(reflect.ValueOf(entry).Pointer())
	attr := uint8(gateInterrupt32 | gatePresent)
	if ring3 {
		attr |= gateRing3
	}
	idt[n] = idtEntry{
		offsetLow:  uint16(addr),
		selector:   kernelCS,
		typeAttr:   attr,
		offsetHigh: uint16(addr >> 16),
	}
}

// exceptionVector pairs an InterruptNumber with the trampoline generated
// for it in gate_386.s.
type exceptionVector struct {
	num  InterruptNumber
	stub func()
}

var exceptionVectors = [...]exceptionVector{
	{DivideByZero, trampolineVec0},
	{Debug, trampolineVec1},
	{NMI, trampolineVec2},
	{Breakpoint, trampolineVec3},
	{Overflow, trampolineVec4},
	{BoundRangeExceeded, trampolineVec5},
	{InvalidOpcode, trampolineVec6},
	{DeviceNotAvailable, trampolineVec7},
	{DoubleFault, trampolineVec8},
	{InvalidTSS, trampolineVec10},
	{SegmentNotPresent, trampolineVec11},
	{StackSegmentFault, trampolineVec12},
	{GPFException, trampolineVec13},
	{PageFaultException, trampolineVec14},
	{FloatingPointException, trampolineVec16},
	{AlignmentCheck, trampolineVec17},
	{MachineCheck, trampolineVec18},
	{SIMDFloatingPointException, trampolineVec19},
}

var irqTrampolines = [16]func(){
	trampolineIRQ0, trampolineIRQ1, trampolineIRQ2, trampolineIRQ3,
	trampolineIRQ4, trampolineIRQ5, trampolineIRQ6, trampolineIRQ7,
	trampolineIRQ8, trampolineIRQ9, trampolineIRQ10, trampolineIRQ11,
	trampolineIRQ12, trampolineIRQ13, trampolineIRQ14, trampolineIRQ15,
}

// installIDT's Go half: fills every known gate, then hands off to the
// assembly-implemented lidt call.
func fillIDT() {
	for _, v := range exceptionVectors {
		setGate(v.num, v.stub, false)
	}
	for i, stub := range irqTrampolines {
		setGate(InterruptNumber(uint8(irqBase)+uint8(i)), stub, false)
	}
	setGate(SyscallVector, trampolineSyscall, true)
	setGate(IPIKillProcess, trampolineIPIKill, false)
	setGate(IPIPageRefresh, trampolineIPIRefresh, false)
	setGate(IPIPanicHalt, trampolineIPIHalt, false)

	lidt(uintptr(unsafe.Pointer(&idt[0])), uint16(unsafe.Sizeof(idt)-1))
}

// lidt executes the LIDT instruction over a descriptor built from base and
// limit. Implemented in gate_386.s.
func lidt(base uintptr, limit uint16)

// The following are the per-vector entry trampolines: tiny assembly stubs
// that push the vector number (and, where the CPU doesn't do it itself, a
// zero placeholder error code), build a Registers snapshot on the stack and
// call dispatchInterrupt. See gate_386.s.
func trampolineVec0()
func trampolineVec1()
func trampolineVec2()
func trampolineVec3()
func trampolineVec4()
func trampolineVec5()
func trampolineVec6()
func trampolineVec7()
func trampolineVec8()
func trampolineVec10()
func trampolineVec11()
func trampolineVec12()
func trampolineVec13()
func trampolineVec14()
func trampolineVec16()
func trampolineVec17()
func trampolineVec18()
func trampolineVec19()

func trampolineIRQ0()
func trampolineIRQ1()
func trampolineIRQ2()
func trampolineIRQ3()
func trampolineIRQ4()
func trampolineIRQ5()
func trampolineIRQ6()
func trampolineIRQ7()
func trampolineIRQ8()
func trampolineIRQ9()
func trampolineIRQ10()
func trampolineIRQ11()
func trampolineIRQ12()
func trampolineIRQ13()
func trampolineIRQ14()
func trampolineIRQ15()

func trampolineSyscall()

func trampolineIPIKill()
func trampolineIPIRefresh()
func trampolineIPIHalt()
