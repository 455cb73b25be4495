package kmain

import (
	"novakernel/kernel/hal/bootinfo"
	"novakernel/kernel/proc"
	"novakernel/kernel/sched"
	"novakernel/kernel/smp"
	"novakernel/kernel/syscall"
	"novakernel/kernel/vfs"
	"strings"
)

// defaultInitModule is the boot module name treated as the init process's
// ELF image when the command line carries no "kernel=NAME" override (spec
// §6's Module contract).
const defaultInitModule = "kernel"

// initModuleName resolves which boot module is the init executable: the
// cmdline override if present, "kernel" otherwise.
func initModuleName() string {
	if name, ok := bootinfo.CmdLine()["kernel"]; ok {
		return name
	}
	return defaultInitModule
}

// mountExtraModules registers every boot module that is not the init image
// as a tar-backed filesystem under the namespace, named after the module
// minus its ".tar" suffix (spec §6: "module names ending in .tar ... are
// decoded transparently"). Modules this kernel does not know how to decode
// on its own (.bz2, .gz) are the bootloader shim's responsibility per spec
// §1 and are skipped here.
func mountExtraModules(ns *vfs.Namespace, skip string) {
	for _, mod := range bootinfo.Modules() {
		if mod.Name == skip {
			continue
		}
		name, ok := strings.CutSuffix(mod.Name, ".tar")
		if !ok {
			continue
		}
		_ = ns.Register(name, vfs.NewTarFS(mod.Data))
	}
}

// initFilesystemsAndProcesses builds the root namespace (console, procfs,
// and every tar-backed boot module), the process table, and the syscall
// dispatcher wired to both plus cpuSet's cross-CPU notifier (spec §4.8)
// and child-spawn hook (spec §4.8's "queues the new thread on some CPU").
func initFilesystemsAndProcesses(cpuSet *smp.Set) (*vfs.Namespace, *proc.ProcessTable, *syscall.Dispatcher) {
	ns := vfs.NewNamespace()
	table := proc.NewTable()

	_ = ns.Register("console", vfs.NewConsole(ConsoleIn, ConsoleOut))

	currentPID := func() proc.ID {
		c := cpuSet.Current()
		if c == nil {
			return 0
		}
		return c.Executor.Current()
	}
	_ = ns.Register("procfs", vfs.NewProcFS(table, ns, currentPID).Root())

	mountExtraModules(ns, initModuleName())

	dispatcher := &syscall.Dispatcher{
		Table:     table,
		Root:      ns,
		Notifier:  cpuSet,
		LoadImage: LoadImage,
	}
	dispatcher.SpawnChild = func(id proc.ID) {
		spawnOnLeastLoaded(cpuSet, table, id)
	}
	dispatcher.Suspend = func(t *proc.Thread, await sched.Future) {
		t.Blocked = true
		if c := cpuSet.Current(); c != nil {
			c.Executor.Exec.Spawn(await)
		}
	}

	return ns, table, dispatcher
}

// spawnOnLeastLoaded enqueues id (a freshly created process's sole thread)
// on whichever CPU currently has the fewest queued threads (spec §4.8
// deliberately leaves the exact placement choice to the scheduler).
func spawnOnLeastLoaded(cpuSet *smp.Set, table *proc.ProcessTable, id proc.ID) {
	p, err := table.Get(id)
	if err != nil || len(p.Threads) == 0 {
		return
	}
	priority := p.Threads[0].Priority

	var best *smp.CPU
	bestLen := -1
	for i := 0; i < cpuSet.Len(); i++ {
		c := cpuSet.Get(smp.CpuID(i))
		if c == nil || !c.HasStarted() {
			continue
		}
		if n := c.Executor.Queue.Len(); bestLen < 0 || n < bestLen {
			best, bestLen = c, n
		}
	}
	if best == nil {
		best = cpuSet.Current()
	}
	if best != nil {
		best.Executor.Queue.Add(id, priority)
	}
}
