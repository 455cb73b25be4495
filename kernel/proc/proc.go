// Package proc implements the process and thread model (spec §4.8, §3):
// Process, Thread, ProcessTable, OpenFile and the FileDescriptor capability
// set. None of this exists in the teacher, which never grew past a single
// kernel address space; it is new code grounded on
// original_source/kernel/src/task/{exec,syscalls}.rs and
// original_source/src/tasks.rs, written in the teacher's style: exported
// errors as package-level *kernel.Error values, a reader-writer spinlock
// guarding the shared table per spec §5's locking discipline.
package proc

import (
	"novakernel/kernel"
	"novakernel/kernel/gate"
	"novakernel/kernel/mem/procmap"
	"novakernel/kernel/sync"
	"strings"
)

// ID identifies a process. Ids are small integers recycled on process
// death (spec §3 ProcessTable).
type ID uint32

var (
	ErrNoSuchProcess = &kernel.Error{Module: "proc", Message: "no such process"}
	ErrTooManyProcs  = &kernel.Error{Module: "proc", Message: "process table full"}
	ErrTooManyFiles  = &kernel.Error{Module: "proc", Message: "file descriptor table full"}
	ErrBadFile       = &kernel.Error{Module: "proc", Message: "bad file descriptor"}
)

// MessageID names a registered message handler (spec §3 Process).
type MessageID uint32

// FileDescriptor is the capability set every open file, kernel filesystem
// entry or console handle must implement (spec §3).
type FileDescriptor interface {
	Chmod(mode uint32) *kernel.Error
	Chown(uid, gid uint32) *kernel.Error
	Open(name string, flags uint32) (FileDescriptor, *kernel.Error)
	Read(buf []byte) (int, *kernel.Error)
	Write(buf []byte) (int, *kernel.Error)
	Seek(offset int64, kind SeekKind) (int64, *kernel.Error)
	Stat() (FileStat, *kernel.Error)
	Truncate(length int64) *kernel.Error
	Unlink(name string, flags uint32) *kernel.Error
	Dup() FileDescriptor
}

// SeekKind is the whence argument to Seek (spec §6).
type SeekKind uint8

const (
	SeekSet SeekKind = iota
	SeekCurrent
	SeekEnd
)

// FileStat mirrors the wire FileStat record (spec §6).
type FileStat struct {
	Device    uint64
	Serial    uint64
	Mode      uint16
	Kind      uint8
	Links     uint32
	UID, GID  uint32
	Size      uint64
	ATime     uint64
	MTime     uint64
	CTime     uint64
	BlockSize uint32
	Blocks    uint64
}

// OpenFile is one entry in a process's file descriptor table (spec §3).
type OpenFile struct {
	Descriptor FileDescriptor
	Path       []string
	Flags      uint32
}

// PathComponent names one element of a tracked path, used so
// /procfs/self/files/N can report a name even for descriptors that don't
// live on a real directory tree.
type PathComponent = string

// Thread is one schedulable register-frame stack within a Process (spec
// §3). RegisterQueue is a stack so a re-entrant message-handler invocation
// can push a new frame on top of the one it interrupted.
type Thread struct {
	RegisterQueue []gate.Registers
	Priority      int
	CPU           *uint32 // nil if not currently assigned to any CPU
	Blocked       bool
}

// NewThread builds the initial register frame for a freshly created thread
// per spec §4.8's from_fn(entry_point, stack_top, user_mode): ring-3
// selectors, stack/base pointers at stack_top, instruction pointer at
// entry_point, and EFLAGS with the interrupt-enable bit set.
func NewThread(entryPoint, stackTop uint32, userMode bool, priority int) *Thread {
	const (
		kernelCS = 0x08
		kernelSS = 0x10
		userCS   = 0x1b // ring 3, RPL=3
		userSS   = 0x23
		ifFlag   = 1 << 9
	)
	cs, ss := kernelCS, kernelSS
	if userMode {
		cs, ss = userCS, userSS
	}
	regs := gate.Registers{
		EIP:     entryPoint,
		ESP:     stackTop,
		EBP:     stackTop,
		UserESP: stackTop,
		CS:      uint32(cs),
		SS:      uint32(ss),
		EFlags:  ifFlag,
	}
	return &Thread{
		RegisterQueue: []gate.Registers{regs},
		Priority:      priority,
	}
}

// Current returns the active register frame: the top of the stack.
func (t *Thread) Current() *gate.Registers {
	if len(t.RegisterQueue) == 0 {
		return nil
	}
	return &t.RegisterQueue[len(t.RegisterQueue)-1]
}

// PushFrame installs a new frame atop the stack, used when the kernel
// delivers a message to a user process (spec §4.8 re-entrant register
// queue): EIP is set to the registered handler's entry point.
func (t *Thread) PushFrame(handlerEntry uint32, base gate.Registers) {
	frame := base
	frame.EIP = handlerEntry
	t.RegisterQueue = append(t.RegisterQueue, frame)
}

// PopFrame implements exit_message_handler: pop the top frame and resume
// the underlying computation from the saved registers beneath it.
func (t *Thread) PopFrame() (gate.Registers, bool) {
	n := len(t.RegisterQueue)
	if n <= 1 {
		return gate.Registers{}, false
	}
	top := t.RegisterQueue[n-1]
	t.RegisterQueue = t.RegisterQueue[:n-1]
	return top, true
}

// Process is one schedulable unit of isolation (spec §3): an address
// space, a set of threads, file descriptors, and registered message
// handlers.
type Process struct {
	ID              ID
	Map             *procmap.ProcessMap
	Threads         []*Thread
	FileDescriptors []*OpenFile
	CWD             *OpenFile
	Root            *OpenFile
	MessageHandlers map[MessageID]uint32 // handler entry point per message id

	exiting bool
}

// PathString joins of.Path into the absolute path string procfs reports
// for cwd/root links and per-fd symlinks (spec §4.9's
// /procfs/<pid>/{cwd,root,files/N}).
func (of *OpenFile) PathString() string {
	if of == nil || len(of.Path) == 0 {
		return "/"
	}
	return "/" + strings.Join(of.Path, "/")
}

// AddFile installs fd in the first free slot of the descriptor table,
// returning its index.
func (p *Process) AddFile(of *OpenFile) int {
	for i, slot := range p.FileDescriptors {
		if slot == nil {
			p.FileDescriptors[i] = of
			return i
		}
	}
	p.FileDescriptors = append(p.FileDescriptors, of)
	return len(p.FileDescriptors) - 1
}

// File looks up an open file by descriptor index.
func (p *Process) File(fd int) (*OpenFile, *kernel.Error) {
	if fd < 0 || fd >= len(p.FileDescriptors) || p.FileDescriptors[fd] == nil {
		return nil, ErrBadFile
	}
	return p.FileDescriptors[fd], nil
}

// CloseFile removes fd from the table, leaving a hole so other indices
// stay stable.
func (p *Process) CloseFile(fd int) *kernel.Error {
	if fd < 0 || fd >= len(p.FileDescriptors) || p.FileDescriptors[fd] == nil {
		return ErrBadFile
	}
	p.FileDescriptors[fd] = nil
	return nil
}

// ProcessTable is the process-wide map from id to Process, guarded by a
// reader-writer spinlock per spec §5's stated locking discipline
// (process_table -> map -> page_manager).
type ProcessTable struct {
	lock      sync.RWSpinlock
	processes map[ID]*Process
	nextID    ID
	freeIDs   []ID
}

// NewTable returns an empty process table. Id 0 is never issued so it can
// be used as a sentinel "no process" value.
func NewTable() *ProcessTable {
	return &ProcessTable{processes: make(map[ID]*Process), nextID: 1}
}

// Insert allocates an id for p (recycling one from a dead process if
// available) and registers it.
func (t *ProcessTable) Insert(p *Process) ID {
	t.lock.Acquire()
	defer t.lock.Release()

	var id ID
	if n := len(t.freeIDs); n > 0 {
		id = t.freeIDs[n-1]
		t.freeIDs = t.freeIDs[:n-1]
	} else {
		id = t.nextID
		t.nextID++
	}
	p.ID = id
	t.processes[id] = p
	return id
}

// Get looks up a process by id.
func (t *ProcessTable) Get(id ID) (*Process, *kernel.Error) {
	t.lock.RAcquire()
	defer t.lock.RRelease()
	p, ok := t.processes[id]
	if !ok {
		return nil, ErrNoSuchProcess
	}
	return p, nil
}

// Remove drops id from the table, releasing its ProcessMap's last strong
// reference (the caller is expected to have already destroyed p.Map); the
// id is recycled for a future Insert.
func (t *ProcessTable) Remove(id ID) *kernel.Error {
	t.lock.Acquire()
	defer t.lock.Release()
	if _, ok := t.processes[id]; !ok {
		return ErrNoSuchProcess
	}
	delete(t.processes, id)
	t.freeIDs = append(t.freeIDs, id)
	return nil
}

// Len reports the number of live processes.
func (t *ProcessTable) Len() int {
	t.lock.RAcquire()
	defer t.lock.RRelease()
	return len(t.processes)
}

// ForEach calls fn for every live process, used by procfs's top-level
// listing. fn must not mutate the table.
func (t *ProcessTable) ForEach(fn func(*Process)) {
	t.lock.RAcquire()
	defer t.lock.RRelease()
	for _, p := range t.processes {
		fn(p)
	}
}
