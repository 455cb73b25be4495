package kmain

import (
	"novakernel/kernel"
	"novakernel/kernel/hal/bootinfo"
	"novakernel/kernel/mem/pdt"
	"novakernel/kernel/mem/pmm"
	"novakernel/kernel/mem/procmap"
	"novakernel/kernel/proc"
	"novakernel/kernel/smp"
	"novakernel/kernel/syscall"
	"novakernel/kernel/vfs"
)

// initPriority is the scheduling priority given to the very first process
// (spec §3 Thread.priority; 1 is the lowest valid value, same as every
// thread fork or exec creates by default).
const initPriority = 1

var errInitLoadFailed = &kernel.Error{Module: "kmain", Message: "failed to load init process image"}

// spawnInit loads the boot module named by initModuleName as the init
// process's ELF image (spec §6), gives it a fresh address space and a
// root/cwd rooted at ns, registers it in table, and queues its one thread
// on whichever CPU currently has the least work (cpuSet.Current(), the
// bootstrap CPU, at this point in boot since no other CPU has anything
// queued yet).
func spawnInit(cpuSet *smp.Set, ns *vfs.Namespace, table *proc.ProcessTable, dispatcher *syscall.Dispatcher) {
	name := initModuleName()
	var image []byte
	for _, mod := range bootinfo.Modules() {
		if mod.Name == name {
			image = mod.Data
			break
		}
	}
	if image == nil {
		kernel.Panic(errNoInitModule)
	}

	frame, ferr := pmm.Default.AllocFrame(nil)
	if ferr != nil {
		kernel.Panic(ferr)
	}
	directory := pdt.New(frame)
	if ierr := directory.Init(); ierr != nil {
		kernel.Panic(ierr)
	}

	pm := procmap.New(directory)

	if dispatcher.LoadImage == nil {
		kernel.Panic(errInitLoadFailed)
	}
	entry, lerr := dispatcher.LoadImage(pm, image)
	if lerr != nil {
		kernel.Panic(lerr)
	}
	if merr := pm.AddMapping(initStackTop-initStackSize, initStackSize, procmap.ProtRead|procmap.ProtWrite, procmap.Anonymous, nil, 0, false); merr != nil {
		kernel.Panic(merr)
	}

	thread := proc.NewThread(uint32(entry), uint32(initStackTop), true, initPriority)
	root := &proc.OpenFile{Descriptor: ns.Root()}
	process := &proc.Process{
		Map:     pm,
		Threads: []*proc.Thread{thread},
		CWD:     root,
		Root:    root,
	}
	id := table.Insert(process)

	spawnOnLeastLoaded(cpuSet, table, id)
}
