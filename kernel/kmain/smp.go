package kmain

import (
	"novakernel/kernel"
	"novakernel/kernel/kfmt/early"
	"novakernel/kernel/mem"
	"novakernel/kernel/smp"
)

var errNoBootstrapCPU = &kernel.Error{Module: "kmain", Message: "bootstrap CPU not found in its own topology"}

// apStackSize is how much kernel heap each AP's bring-up stack gets before
// it has any address space of its own to speak of; plenty for the bring-up
// shim to run on until the AP's own scheduling state takes over.
const apStackSize = uintptr(0x4000)

// apStartTimeoutIterations bounds how long bringUpAP busy-waits for an AP to set its
// has-started flag (smp.CPU.MarkStarted) before giving up on that one CPU
// and moving to the next; there is no timer running yet to measure real
// time against; this is a pessimistic multiple of StartAP's own internal
// spin waits.
const apStartTimeoutIterations = 50_000_000

// initSMP discovers CPU topology via ACPI (spec §4.6), builds the
// machine-wide smp.Set, marks the bootstrap CPU started, and -- if the
// boot path supplied an AP trampoline -- brings every other enabled CPU
// online one at a time.
func initSMP() *smp.Set {
	topo, err := smp.Discover()
	if err != nil {
		early.Printf("[kmain] ACPI topology unavailable (%s), assuming single CPU\n", err.Message)
		topo = smp.SingleCPUTopology()
	}

	apicAddr := topo.LocalAPICAddr
	currentCPU := func() smp.CpuID {
		apicID, err := smp.ReadLocalAPICID(apicAddr)
		if err != nil {
			return 0
		}
		id, ok := topo.Mapping.CPU(apicID)
		if !ok {
			return 0
		}
		return id
	}

	var nextTimer uint32
	nextTimerID := func() uint32 {
		id := nextTimer
		nextTimer++
		return id
	}

	cpuSet := smp.NewSet(topo, nextTimerID, currentCPU)

	bsp := cpuSet.Current()
	if bsp == nil {
		kernel.Panic(errNoBootstrapCPU)
	}
	bsp.PDT = kernelPDT
	bsp.MarkStarted()

	kernel.SetHaltOthersFn(cpuSet.BroadcastHalt)

	if APTrampoline == nil {
		return cpuSet
	}
	smp.SetTrampoline(APTrampoline)

	bspID := cpuSet.Self()
	for _, entry := range topo.CPUs {
		if !entry.Enabled || entry.ID == bspID {
			continue
		}
		bringUpAP(cpuSet, topo, entry)
	}

	return cpuSet
}

// bringUpAP runs spec §4.6's AP start sequence for one CPUEntry: stage a
// fresh stack and page directory pointer into the trampoline's tail, send
// the INIT/SIPI sequence, then wait for the AP to report itself started.
// A CPU that never starts is logged and left unused rather than treated as
// a fatal boot error -- the machine still works with fewer CPUs than ACPI
// advertised.
func bringUpAP(cpuSet *smp.Set, topo *smp.Topology, entry smp.CPUEntry) {
	cpu := cpuSet.Get(smp.CpuID(entry.ID))
	if cpu == nil {
		return
	}
	cpu.PDT = kernelPDT

	stackTop, aerr := kernelHeap.Alloc(apStackSize)
	if aerr != nil {
		early.Printf("[kmain] no stack for AP apic=%d, skipping\n", entry.APICID)
		return
	}

	if err := smp.CopyTrampoline(); err != nil {
		early.Printf("[kmain] trampoline copy failed: %s\n", err.Message)
		return
	}
	if err := smp.PatchTrampoline(uint32(stackTop+apStackSize), APEntryAddr, uint32(kernelPDT.Frame().Address())); err != nil {
		early.Printf("[kmain] trampoline patch failed: %s\n", err.Message)
		return
	}

	vector := uint8(smp.BootstrapAddr >> mem.PageShift)
	if err := smp.StartAP(topo.LocalAPICAddr, entry.APICID, vector); err != nil {
		early.Printf("[kmain] SIPI to apic=%d failed: %s\n", entry.APICID, err.Message)
		return
	}

	for i := 0; i < apStartTimeoutIterations; i++ {
		if cpu.HasStarted() {
			early.Printf("[kmain] AP apic=%d online\n", entry.APICID)
			return
		}
	}
	early.Printf("[kmain] AP apic=%d did not report started, continuing without it\n", entry.APICID)
}
