package smp

import (
	"novakernel/kernel"
	"novakernel/kernel/mem"
	"unsafe"
)

// Local APIC register offsets used during bring-up (Intel SDM vol 3 ch 10).
const (
	icrLow  = 0x300
	icrHigh = 0x310

	icrDeliveryStatusBit = 1 << 12

	deliveryModeInit    = 5 << 8
	deliveryModeStartup = 6 << 8
	levelAssert         = 1 << 14
	triggerModeLevel    = 1 << 15
)

var errIPITimeout = &kernel.Error{Module: "smp", Message: "IPI delivery did not complete"}

// spinLoopFn busy-waits for approximately the given number of
// microseconds. Bring-up runs before any timer has been calibrated, so
// this is a crude per-iteration spin rather than a real clock; swappable
// in tests, and deliberately conservative (it only needs to be at least as
// long as the spec-mandated wait, never exactly it).
var spinLoopFn = defaultSpinWait

// spinIterationsPerMicro is a deliberately pessimistic estimate of how many
// iterations of the wait loop fit in one microsecond on the slowest CPU
// this kernel expects to run on; real calibration happens later once the
// PIT or HPET is available to the timer subsystem.
const spinIterationsPerMicro = 2000

func defaultSpinWait(micros uint32) {
	iterations := uint64(micros) * spinIterationsPerMicro
	var x uint64
	for i := uint64(0); i < iterations; i++ {
		x += i
	}
	_ = x
}

func readAPICReg(apicAddr mem.PhysicalAddress, offset uintptr) (uint32, *kernel.Error) {
	var v uint32
	err := mapPhysRange(apicAddr+mem.PhysicalAddress(offset), 4, func(b []byte) {
		v = *(*uint32)(unsafe.Pointer(&b[0]))
	})
	return v, err
}

func writeAPICReg(apicAddr mem.PhysicalAddress, offset uintptr, value uint32) *kernel.Error {
	return mapPhysRange(apicAddr+mem.PhysicalAddress(offset), 4, func(b []byte) {
		*(*uint32)(unsafe.Pointer(&b[0])) = value
	})
}

// sendIPI programs the ICR with destAPICID and value, then busy-waits for
// the delivery-status bit to clear.
func sendIPI(apicAddr mem.PhysicalAddress, destAPICID uint32, value uint32) *kernel.Error {
	if err := writeAPICReg(apicAddr, icrHigh, destAPICID<<24); err != nil {
		return err
	}
	if err := writeAPICReg(apicAddr, icrLow, value); err != nil {
		return err
	}
	for i := 0; i < 1000; i++ {
		v, err := readAPICReg(apicAddr, icrLow)
		if err != nil {
			return err
		}
		if v&icrDeliveryStatusBit == 0 {
			return nil
		}
	}
	return errIPITimeout
}

// localAPICIDOffset is the LocalAPICID register; the id occupies the top
// byte of the 32-bit register on xAPIC hardware.
const localAPICIDOffset = 0x20

// ReadLocalAPICID returns the APIC id of the CPU executing the call,
// letting a Set's self function (spec §4.6's "each CpuThread knows its own
// identity") resolve "which logical CPU am I" without a topology lookup
// table per caller.
func ReadLocalAPICID(apicAddr mem.PhysicalAddress) (uint32, *kernel.Error) {
	v, err := readAPICReg(apicAddr, localAPICIDOffset)
	if err != nil {
		return 0, err
	}
	return v >> 24, nil
}

// StartAP implements spec §4.6's AP start sequence for one destination
// APIC id: INIT, INIT-deassert (10ms wait), then SIPI twice (each followed
// by a 1ms wait). vector is the SIPI vector, i.e. BootstrapAddr >> 12.
func StartAP(apicAddr mem.PhysicalAddress, destAPICID uint32, vector uint8) *kernel.Error {
	if err := sendIPI(apicAddr, destAPICID, deliveryModeInit|levelAssert); err != nil {
		return err
	}
	spinLoopFn(10000)

	if err := sendIPI(apicAddr, destAPICID, deliveryModeInit|triggerModeLevel); err != nil {
		return err
	}
	spinLoopFn(10000)

	for i := 0; i < 2; i++ {
		if err := sendIPI(apicAddr, destAPICID, deliveryModeStartup|uint32(vector)); err != nil {
			return err
		}
		spinLoopFn(1000)
	}
	return nil
}
