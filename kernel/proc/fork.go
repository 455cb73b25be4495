package proc

import (
	"novakernel/kernel"
	"novakernel/kernel/gate"
)

// Fork implements spec §4.8's fork(): duplicate the parent's ProcessMap via
// copy-on-write, clone its file descriptor table and message-handler table,
// and install an initial thread for the child cloned from the calling
// thread's current register frame. Queuing the new thread on a CPU's task
// queue is the caller's responsibility (done by whichever scheduler package
// performs the syscall dispatch), since Process itself has no CPU affinity
// of its own to assign.
//
// Per the syscall return-value protocol, the child's first frame has EAX
// zeroed here; the parent's frame is left untouched, and writing the
// parent's result (the child pid in EAX with EBX clear) is the caller's job.
func (t *ProcessTable) Fork(parent *Process, callingThread *Thread) (*Process, *kernel.Error) {
	childMap, err := parent.Map.Fork()
	if err != nil {
		return nil, err
	}

	child := &Process{
		Map:             childMap,
		CWD:             parent.CWD,
		Root:            parent.Root,
		MessageHandlers: cloneHandlers(parent.MessageHandlers),
	}
	child.FileDescriptors = cloneFiles(parent.FileDescriptors)

	cur := callingThread.Current()
	childRegs := *cur
	childRegs.EAX = 0
	childThread := &Thread{
		RegisterQueue: []gate.Registers{childRegs},
		Priority:      callingThread.Priority,
	}
	child.Threads = []*Thread{childThread}

	t.Insert(child)
	return child, nil
}

func cloneHandlers(src map[MessageID]uint32) map[MessageID]uint32 {
	if src == nil {
		return nil
	}
	dst := make(map[MessageID]uint32, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// cloneFiles duplicates every open descriptor's table slot (via Dup, which
// the underlying FileDescriptor implementation is responsible for making a
// reference-counted operation rather than a deep copy). Entries with the
// close-on-exec flag are kept here since fork, unlike exec, never closes
// them; only the exec path consults that flag.
func cloneFiles(src []*OpenFile) []*OpenFile {
	dst := make([]*OpenFile, len(src))
	for i, of := range src {
		if of == nil {
			continue
		}
		path := make([]string, len(of.Path))
		copy(path, of.Path)
		dst[i] = &OpenFile{
			Descriptor: of.Descriptor.Dup(),
			Path:       path,
			Flags:      of.Flags,
		}
	}
	return dst
}
