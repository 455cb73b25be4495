package vfs

import (
	"novakernel/kernel"
	"novakernel/kernel/sync"
)

// Namespace is the mapping from filesystem name to mounted Filesystem
// (spec §3 Namespace): the directory whose entries are named filesystems,
// normally installed as a process's root so that "/fsname/path/..."
// resolves into the named filesystem's own tree. Grounded on
// original_source/kernel/src/fs/mod.rs's NamespaceDir/BTreeMap<String, Box
// <dyn Filesystem>>, adapted to a slice-backed order so that a directory
// cursor's enumeration is stable across Register/Unregister rather than
// riding on Go's randomized map iteration.
type Namespace struct {
	lock  sync.RWSpinlock
	roots map[string]FileDescriptor
	order []string
}

var (
	errAlreadyRegistered = &kernel.Error{Module: "vfs", Message: "filesystem name already registered"}
	errNotRegistered     = &kernel.Error{Module: "vfs", Message: "filesystem name not registered"}
)

// NewNamespace returns an empty namespace.
func NewNamespace() *Namespace {
	return &Namespace{roots: make(map[string]FileDescriptor)}
}

// Register mounts root under name, making it reachable as "/name/...". It
// is an error to reuse a name that is already claimed.
func (ns *Namespace) Register(name string, root FileDescriptor) *kernel.Error {
	ns.lock.Acquire()
	defer ns.lock.Release()
	if _, ok := ns.roots[name]; ok {
		return errAlreadyRegistered
	}
	ns.roots[name] = root
	ns.order = append(ns.order, name)
	return nil
}

// Unregister removes name from the namespace.
func (ns *Namespace) Unregister(name string) *kernel.Error {
	ns.lock.Acquire()
	defer ns.lock.Release()
	if _, ok := ns.roots[name]; !ok {
		return errNotRegistered
	}
	delete(ns.roots, name)
	for i, n := range ns.order {
		if n == name {
			ns.order = append(ns.order[:i], ns.order[i+1:]...)
			break
		}
	}
	return nil
}

// Root returns a fresh directory descriptor over this namespace, suitable
// for installing as a process's root or cwd.
func (ns *Namespace) Root() FileDescriptor {
	return &namespaceDir{ns: ns}
}

// namespaceDir is the FileDescriptor a process sees as "/": opening one of
// its entries returns a duplicate of that filesystem's own root
// descriptor, handing subsequent path components off to the filesystem
// implementation one component at a time.
type namespaceDir struct {
	ns     *Namespace
	cursor int
}

func (d *namespaceDir) Chmod(mode uint32) *kernel.Error           { return ErrFuncNotSupported }
func (d *namespaceDir) Chown(uid, gid uint32) *kernel.Error       { return ErrFuncNotSupported }
func (d *namespaceDir) Truncate(length int64) *kernel.Error       { return ErrFuncNotSupported }
func (d *namespaceDir) Write(buf []byte) (int, *kernel.Error)     { return 0, ErrReadOnlyFilesystem }
func (d *namespaceDir) Unlink(name string, flags uint32) *kernel.Error {
	return ErrReadOnlyFilesystem
}

func (d *namespaceDir) Open(name string, flags uint32) (FileDescriptor, *kernel.Error) {
	if OpenFlags(flags).Has(FlagWrite | FlagCreate) {
		return nil, ErrReadOnlyFilesystem
	}
	d.ns.lock.RAcquire()
	root, ok := d.ns.roots[name]
	d.ns.lock.RRelease()
	if !ok {
		return nil, ErrNoSuchFileOrDir
	}
	return root.Dup(), nil
}

func (d *namespaceDir) Read(buf []byte) (int, *kernel.Error) {
	d.ns.lock.RAcquire()
	names := append([]string{}, d.ns.order...)
	d.ns.lock.RRelease()
	return readDirEntries(names, &d.cursor, buf)
}

func (d *namespaceDir) Seek(offset int64, kind SeekKind) (int64, *kernel.Error) {
	d.ns.lock.RAcquire()
	n := len(d.ns.order)
	d.ns.lock.RRelease()
	return seekCursor(&d.cursor, n, offset, kind)
}

func (d *namespaceDir) Stat() (FileStat, *kernel.Error) {
	return FileStat{Kind: KindDirectory, Mode: 0o555}, nil
}

func (d *namespaceDir) Dup() FileDescriptor {
	return &namespaceDir{ns: d.ns, cursor: d.cursor}
}
