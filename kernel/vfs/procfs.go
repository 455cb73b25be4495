package vfs

import (
	"novakernel/kernel"
	"novakernel/kernel/proc"
	"sort"
	"strconv"
)

// ProcFS is the synthesized process-information filesystem (spec §4.9):
// its root lists every live process id; /<pid>/ exposes cwd, root,
// files/, memory/, pid and filesystem/. Grounded on
// original_source/kernel/src/fs/proc.rs's ProcRoot/ProcessDir/CwdLink/
// FilesDir/ProcessFd/PidFile/MemoryDir, adapted from that file's
// seek_pos-behind-a-mutex cursor style to this package's shared
// readDirEntries/seekCursor helpers.
type ProcFS struct {
	table   *proc.ProcessTable
	ns      *Namespace
	current func() proc.ID
}

// NewProcFS returns a procfs rooted at table. ns is the namespace that
// filesystem/ claims (spec §4.9) register new entries into -- normally
// the same namespace procfs itself is mounted in. current resolves the
// calling process's own id, backing the "self" alias (spec §4.9's
// "/procfs/self/... always names the caller"); a nil current means "self"
// resolves to no process, same as an unknown pid.
func NewProcFS(table *proc.ProcessTable, ns *Namespace, current func() proc.ID) *ProcFS {
	return &ProcFS{table: table, ns: ns, current: current}
}

// Root returns the top-level procfs directory descriptor.
func (fs *ProcFS) Root() FileDescriptor {
	return &procRoot{table: fs.table, ns: fs.ns, current: fs.current}
}

type procRoot struct {
	table   *proc.ProcessTable
	ns      *Namespace
	current func() proc.ID
	cursor  int
}

func (d *procRoot) pidNames() []string {
	var pids []int
	d.table.ForEach(func(p *proc.Process) {
		pids = append(pids, int(p.ID))
	})
	// ForEach walks a map; sort so the enumeration cursor sees the same
	// sequence on every Read and after a rewind.
	sort.Ints(pids)
	names := make([]string, len(pids))
	for i, pid := range pids {
		names[i] = strconv.Itoa(pid)
	}
	return names
}

func (d *procRoot) Chmod(mode uint32) *kernel.Error     { return ErrFuncNotSupported }
func (d *procRoot) Chown(uid, gid uint32) *kernel.Error { return ErrFuncNotSupported }
func (d *procRoot) Truncate(length int64) *kernel.Error { return ErrFuncNotSupported }
func (d *procRoot) Write(buf []byte) (int, *kernel.Error) {
	return 0, ErrReadOnlyFilesystem
}
func (d *procRoot) Unlink(name string, flags uint32) *kernel.Error {
	return ErrReadOnlyFilesystem
}

func (d *procRoot) Open(name string, flags uint32) (FileDescriptor, *kernel.Error) {
	if OpenFlags(flags).Has(FlagWrite | FlagCreate) {
		return nil, ErrReadOnlyFilesystem
	}
	pid := proc.ID(0)
	if name == "self" {
		if d.current == nil {
			return nil, ErrNoSuchFileOrDir
		}
		pid = d.current()
	} else {
		n, convErr := strconv.Atoi(name)
		if convErr != nil || n < 0 {
			return nil, ErrInvalidArgument
		}
		pid = proc.ID(n)
	}
	if _, err := d.table.Get(pid); err != nil {
		return nil, ErrNoSuchFileOrDir
	}
	return &procDir{table: d.table, ns: d.ns, pid: pid}, nil
}

func (d *procRoot) Read(buf []byte) (int, *kernel.Error) {
	return readDirEntries(d.pidNames(), &d.cursor, buf)
}

func (d *procRoot) Seek(offset int64, kind SeekKind) (int64, *kernel.Error) {
	return seekCursor(&d.cursor, len(d.pidNames()), offset, kind)
}

func (d *procRoot) Stat() (FileStat, *kernel.Error) {
	return FileStat{Kind: KindDirectory, Mode: 0o555}, nil
}

func (d *procRoot) Dup() FileDescriptor {
	return &procRoot{table: d.table, ns: d.ns, current: d.current, cursor: d.cursor}
}

// procDirEntries are the fixed children of /procfs/<pid>/.
var procDirEntries = []string{"cwd", "root", "files", "memory", "pid", "filesystem"}

type procDir struct {
	table  *proc.ProcessTable
	ns     *Namespace
	pid    proc.ID
	cursor int
}

func (d *procDir) Chmod(mode uint32) *kernel.Error     { return ErrFuncNotSupported }
func (d *procDir) Chown(uid, gid uint32) *kernel.Error { return ErrFuncNotSupported }
func (d *procDir) Truncate(length int64) *kernel.Error { return ErrFuncNotSupported }
func (d *procDir) Write(buf []byte) (int, *kernel.Error) {
	return 0, ErrReadOnlyFilesystem
}
func (d *procDir) Unlink(name string, flags uint32) *kernel.Error {
	return ErrReadOnlyFilesystem
}

func (d *procDir) process() (*proc.Process, *kernel.Error) {
	p, err := d.table.Get(d.pid)
	if err != nil {
		return nil, ErrNoSuchFileOrDir
	}
	return p, nil
}

func (d *procDir) Open(name string, flags uint32) (FileDescriptor, *kernel.Error) {
	if OpenFlags(flags).Has(FlagCreate) {
		return nil, ErrReadOnlyFilesystem
	}
	p, perr := d.process()
	if perr != nil {
		return nil, perr
	}
	switch name {
	case "cwd":
		return NewSymLink(func() string { return p.CWD.PathString() }), nil
	case "root":
		return NewSymLink(func() string { return p.Root.PathString() }), nil
	case "files":
		return &procFilesDir{pid: d.pid, table: d.table}, nil
	case "memory":
		return &procMemoryDir{pid: d.pid, table: d.table}, nil
	case "pid":
		return NewStaticFile([]byte(strconv.Itoa(int(d.pid)))), nil
	case "filesystem":
		return newFilesystemCtl(d.pid, d.ns), nil
	default:
		return nil, ErrNoSuchFileOrDir
	}
}

func (d *procDir) Read(buf []byte) (int, *kernel.Error) {
	return readDirEntries(procDirEntries, &d.cursor, buf)
}

func (d *procDir) Seek(offset int64, kind SeekKind) (int64, *kernel.Error) {
	return seekCursor(&d.cursor, len(procDirEntries), offset, kind)
}

func (d *procDir) Stat() (FileStat, *kernel.Error) {
	return FileStat{Kind: KindDirectory, Mode: 0o555}, nil
}

func (d *procDir) Dup() FileDescriptor {
	return &procDir{table: d.table, ns: d.ns, pid: d.pid, cursor: d.cursor}
}

// procFilesDir lists a process's open file descriptor indices as a
// directory of symlinks to their tracked path (spec §3's OpenFile.Path;
// original_source's FilesDir).
type procFilesDir struct {
	table  *proc.ProcessTable
	pid    proc.ID
	cursor int
}

func (d *procFilesDir) names() []string {
	p, err := d.table.Get(d.pid)
	if err != nil {
		return nil
	}
	var names []string
	for i, of := range p.FileDescriptors {
		if of != nil {
			names = append(names, strconv.Itoa(i))
		}
	}
	return names
}

func (d *procFilesDir) Chmod(mode uint32) *kernel.Error     { return ErrFuncNotSupported }
func (d *procFilesDir) Chown(uid, gid uint32) *kernel.Error { return ErrFuncNotSupported }
func (d *procFilesDir) Truncate(length int64) *kernel.Error { return ErrFuncNotSupported }
func (d *procFilesDir) Write(buf []byte) (int, *kernel.Error) {
	return 0, ErrReadOnlyFilesystem
}
func (d *procFilesDir) Unlink(name string, flags uint32) *kernel.Error {
	return ErrReadOnlyFilesystem
}

func (d *procFilesDir) Open(name string, flags uint32) (FileDescriptor, *kernel.Error) {
	fd, convErr := strconv.Atoi(name)
	if convErr != nil {
		return nil, ErrInvalidArgument
	}
	p, perr := d.table.Get(d.pid)
	if perr != nil {
		return nil, ErrNoSuchFileOrDir
	}
	of, oerr := p.File(fd)
	if oerr != nil {
		return nil, ErrNoSuchFileOrDir
	}
	return NewSymLink(func() string { return of.PathString() }), nil
}

func (d *procFilesDir) Read(buf []byte) (int, *kernel.Error) {
	return readDirEntries(d.names(), &d.cursor, buf)
}

func (d *procFilesDir) Seek(offset int64, kind SeekKind) (int64, *kernel.Error) {
	return seekCursor(&d.cursor, len(d.names()), offset, kind)
}

func (d *procFilesDir) Stat() (FileStat, *kernel.Error) {
	return FileStat{Kind: KindDirectory, Mode: 0o555}, nil
}

func (d *procFilesDir) Dup() FileDescriptor {
	return &procFilesDir{table: d.table, pid: d.pid, cursor: d.cursor}
}

// procMemoryDir lists a process's mappings by hex base address (spec
// §4.9). Open returns a read-only file naming an existing mapping's base,
// and Unlink removes the mapping at that address. Open never creates a
// mapping (FlagCreate on an address with no mapping fails with
// ErrNoSuchFileOrDir), and mappings cannot be resized through this
// directory.
type procMemoryDir struct {
	table  *proc.ProcessTable
	pid    proc.ID
	cursor int
}

func (d *procMemoryDir) Chmod(mode uint32) *kernel.Error     { return ErrFuncNotSupported }
func (d *procMemoryDir) Chown(uid, gid uint32) *kernel.Error { return ErrFuncNotSupported }
func (d *procMemoryDir) Truncate(length int64) *kernel.Error { return ErrFuncNotSupported }
func (d *procMemoryDir) Write(buf []byte) (int, *kernel.Error) {
	return 0, ErrReadOnlyFilesystem
}

func (d *procMemoryDir) names() []string {
	p, err := d.table.Get(d.pid)
	if err != nil {
		return nil
	}
	return p.Map.MappingBaseNames()
}

func (d *procMemoryDir) Open(name string, flags uint32) (FileDescriptor, *kernel.Error) {
	p, perr := d.table.Get(d.pid)
	if perr != nil {
		return nil, ErrNoSuchFileOrDir
	}
	if !p.Map.HasMappingNamed(name) {
		return nil, ErrNoSuchFileOrDir
	}
	return NewStaticFile([]byte(name)), nil
}

func (d *procMemoryDir) Unlink(name string, flags uint32) *kernel.Error {
	p, perr := d.table.Get(d.pid)
	if perr != nil {
		return ErrNoSuchFileOrDir
	}
	return p.Map.RemoveMappingNamed(name)
}

func (d *procMemoryDir) Read(buf []byte) (int, *kernel.Error) {
	return readDirEntries(d.names(), &d.cursor, buf)
}

func (d *procMemoryDir) Seek(offset int64, kind SeekKind) (int64, *kernel.Error) {
	return seekCursor(&d.cursor, len(d.names()), offset, kind)
}

func (d *procMemoryDir) Stat() (FileStat, *kernel.Error) {
	return FileStat{Kind: KindDirectory, Mode: 0o755}, nil
}

func (d *procMemoryDir) Dup() FileDescriptor {
	return &procMemoryDir{table: d.table, pid: d.pid, cursor: d.cursor}
}
