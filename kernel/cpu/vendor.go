package cpu

// cpuidFn is used by tests to override calls to CPUID without executing the
// real instruction.
var cpuidFn = CPUID

// IsIntel returns true if the calling CPU identifies itself as a GenuineIntel
// part via CPUID leaf 0.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && edx == 0x49656e69 && ecx == 0x6c65746e
}
