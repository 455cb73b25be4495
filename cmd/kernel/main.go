// Command kernel is the rt0 trampoline: the single Go symbol the
// assembly entry code (GDT setup, minimal g0, 4K boot stack) calls into
// after switching the CPU into protected mode.
package main

import "novakernel/kernel/kmain"

// multibootInfoPtr is passed as a global rather than a literal so the
// compiler cannot inline main away and drop the real kernel code from the
// generated object file.
var multibootInfoPtr uintptr

// main hands off to kmain.Kmain and never returns; if it does, the rt0
// assembly halts the CPU.
func main() {
	kmain.Kmain(multibootInfoPtr)
}
