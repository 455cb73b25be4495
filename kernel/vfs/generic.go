package vfs

import "novakernel/kernel"

// StaticFile is a read-only regular file backed by an in-memory byte
// slice (spec §3 FileDescriptor variants): used by procfs's "pid" entry
// and similar synthesized leaves.
type StaticFile struct {
	data   []byte
	cursor int
}

// NewStaticFile returns a StaticFile serving a copy of data.
func NewStaticFile(data []byte) *StaticFile {
	return &StaticFile{data: append([]byte{}, data...)}
}

func (f *StaticFile) Chmod(mode uint32) *kernel.Error     { return ErrFuncNotSupported }
func (f *StaticFile) Chown(uid, gid uint32) *kernel.Error { return ErrFuncNotSupported }
func (f *StaticFile) Truncate(length int64) *kernel.Error { return ErrReadOnlyFilesystem }
func (f *StaticFile) Unlink(name string, flags uint32) *kernel.Error {
	return ErrFuncNotSupported
}
func (f *StaticFile) Open(name string, flags uint32) (FileDescriptor, *kernel.Error) {
	return nil, ErrNotDirectory
}
func (f *StaticFile) Write(buf []byte) (int, *kernel.Error) { return 0, ErrReadOnlyFilesystem }

func (f *StaticFile) Read(buf []byte) (int, *kernel.Error) {
	if f.cursor >= len(f.data) {
		return 0, nil
	}
	n := copy(buf, f.data[f.cursor:])
	f.cursor += n
	return n, nil
}

func (f *StaticFile) Seek(offset int64, kind SeekKind) (int64, *kernel.Error) {
	return seekCursor(&f.cursor, len(f.data), offset, kind)
}

func (f *StaticFile) Stat() (FileStat, *kernel.Error) {
	return FileStat{Kind: KindRegular, Mode: 0o444, Size: uint64(len(f.data))}, nil
}

func (f *StaticFile) Dup() FileDescriptor {
	return &StaticFile{data: f.data, cursor: f.cursor}
}

// SymLink is a read-only symbolic link whose target is produced by a
// closure, evaluated fresh on every Read/Stat so it can track live state
// (e.g. procfs's "cwd" link, which must reflect the process's current
// working directory, not the value at the time the link was opened).
type SymLink struct {
	target func() string
	cursor int
}

// NewSymLink builds a SymLink that always points at target().
func NewSymLink(target func() string) *SymLink {
	return &SymLink{target: target}
}

func (s *SymLink) Chmod(mode uint32) *kernel.Error     { return ErrFuncNotSupported }
func (s *SymLink) Chown(uid, gid uint32) *kernel.Error { return ErrFuncNotSupported }
func (s *SymLink) Truncate(length int64) *kernel.Error { return ErrFuncNotSupported }
func (s *SymLink) Unlink(name string, flags uint32) *kernel.Error {
	return ErrFuncNotSupported
}
func (s *SymLink) Open(name string, flags uint32) (FileDescriptor, *kernel.Error) {
	return nil, ErrNotDirectory
}
func (s *SymLink) Write(buf []byte) (int, *kernel.Error) { return 0, ErrReadOnlyFilesystem }

func (s *SymLink) Read(buf []byte) (int, *kernel.Error) {
	data := []byte(s.target())
	if s.cursor >= len(data) {
		return 0, nil
	}
	n := copy(buf, data[s.cursor:])
	s.cursor += n
	return n, nil
}

func (s *SymLink) Seek(offset int64, kind SeekKind) (int64, *kernel.Error) {
	return seekCursor(&s.cursor, len(s.target()), offset, kind)
}

func (s *SymLink) Stat() (FileStat, *kernel.Error) {
	return FileStat{Kind: KindSymLink, Mode: 0o777, Size: uint64(len(s.target()))}, nil
}

func (s *SymLink) Dup() FileDescriptor {
	return &SymLink{target: s.target, cursor: s.cursor}
}
