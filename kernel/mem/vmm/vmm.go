package vmm

import "novakernel/kernel/cpu"

// flushTLBEntryFn is substituted by tests to avoid executing INVLPG.
var flushTLBEntryFn = cpu.FlushTLBEntry

// FlushTLBEntry invalidates the calling CPU's TLB entry for vaddr. Exported
// so kernel/mem/pdt can flush after editing the currently active directory
// without re-importing kernel/cpu.
func FlushTLBEntry(vaddr uintptr) { flushTLBEntryFn(vaddr) }
