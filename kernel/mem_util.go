package kernel

import "unsafe"

// Memset sets size bytes at the given address to the supplied value.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	for i := range dst {
		dst[i] = value
	}
}

// Memcopy copies size bytes from src to dst. The two regions must not
// overlap.
func Memcopy(src, dst uintptr, size uintptr) {
	if size == 0 {
		return
	}
	srcSlice := unsafe.Slice((*byte)(unsafe.Pointer(src)), size)
	dstSlice := unsafe.Slice((*byte)(unsafe.Pointer(dst)), size)
	copy(dstSlice, srcSlice)
}
