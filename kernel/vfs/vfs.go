// Package vfs implements the virtual file system described in spec §4.9: a
// compositional tree of FileDescriptors, path resolution with symlink
// following, and the kernel filesystems (namespace root, procfs, tarfs)
// layered over the proc.FileDescriptor capability set. None of this exists
// in the teacher (gopher-os never grew a VFS); it is new code grounded on
// original_source/kernel/src/fs/mod.rs's FsEnvironment.resolve_container /
// resolve_internal / simplify_path and original_source/kernel/src/fs/proc.rs,
// written using the teacher's conventions: package-level *kernel.Error
// values, a small spinlock-guarded struct per stateful descriptor, and a
// seek_pos-style cursor for directory enumeration.
package vfs

import (
	"novakernel/kernel"
	"novakernel/kernel/proc"
	"strings"
)

// FileDescriptor is the capability set every node in the tree implements
// (spec §3); defined in package proc so process file-descriptor tables and
// vfs nodes share exactly one interface.
type FileDescriptor = proc.FileDescriptor

// FileStat mirrors the wire FileStat record (spec §6).
type FileStat = proc.FileStat

// SeekKind is the whence argument to Seek (spec §6).
type SeekKind = proc.SeekKind

const (
	SeekSet     = proc.SeekSet
	SeekCurrent = proc.SeekCurrent
	SeekEnd     = proc.SeekEnd
)

// OpenFlags bits (spec §6). AtCWD means "treat the at file descriptor as
// irrelevant and resolve relative paths against the calling process's cwd
// instead".
const (
	FlagRead OpenFlags = 1 << iota
	FlagWrite
	FlagCreate
	FlagAppend
	FlagTruncate
	FlagNoFollow
	FlagDirectory
	FlagSymLink
	FlagCloseOnExec
	FlagAtCWD
)

// OpenFlags is the bitmask passed to Open (spec §6).
type OpenFlags uint32

// Has reports whether every bit in bits is set.
func (f OpenFlags) Has(bits OpenFlags) bool { return f&bits == bits }

// FileKind values populate FileStat.Kind.
const (
	KindRegular uint8 = iota
	KindDirectory
	KindSymLink
	KindCharDevice
)

var (
	ErrNoSuchFileOrDir    = &kernel.Error{Module: "vfs", Message: "no such file or directory"}
	ErrNotDirectory       = &kernel.Error{Module: "vfs", Message: "not a directory"}
	ErrIsDirectory        = &kernel.Error{Module: "vfs", Message: "is a directory"}
	ErrTooManySymLinks    = &kernel.Error{Module: "vfs", Message: "too many levels of symbolic links"}
	ErrInvalidArgument    = &kernel.Error{Module: "vfs", Message: "invalid argument"}
	ErrReadOnlyFilesystem = &kernel.Error{Module: "vfs", Message: "read-only filesystem"}
	ErrFuncNotSupported   = &kernel.Error{Module: "vfs", Message: "function not supported"}
	ErrExists             = &kernel.Error{Module: "vfs", Message: "file already exists"}
)

const (
	maxSymlinkFollows  = 40
	maxSymlinkTargetSz = 512
)

// simplifyPath tokenizes path on '/', collapsing '.' and dropping empty
// components, and resolving '..' against whatever has already been pushed
// (spec §4.9 step 1; algorithm lifted from
// original_source/kernel/src/fs/mod.rs simplify_path). Popping '..' past
// the start of an as-yet-relative path promotes the whole result to
// absolute, per the original's behavior and spec.md's restatement of it.
func simplifyPath(path string) (absolute bool, comps []string) {
	if strings.HasPrefix(path, "/") {
		absolute = true
	}
	for _, c := range strings.Split(path, "/") {
		switch c {
		case "", ".":
			continue
		case "..":
			if n := len(comps); n > 0 {
				comps = comps[:n-1]
			} else if !absolute {
				absolute = true
			}
		default:
			comps = append(comps, c)
		}
	}
	return absolute, comps
}

func joinAbsolute(comps []string, last string) string {
	all := comps
	if last != "" {
		all = append(append([]string{}, comps...), last)
	}
	return "/" + strings.Join(all, "/")
}

// ResolveResult is what path resolution hands back (spec §4.9 step 4): the
// final path component's name, the absolute path it was reached by, and
// the FileDescriptor of the directory that contains it. An empty Name
// means the path resolved to Container itself (e.g. "/", ".", or any path
// that simplifies to no components, such as "a/..").
type ResolveResult struct {
	Name         string
	AbsolutePath string
	Container    FileDescriptor
}

// readSymlinkTarget reads up to maxSymlinkTargetSz bytes from a symlink
// descriptor (spec §4.9 step 3).
func readSymlinkTarget(fd FileDescriptor) (string, *kernel.Error) {
	buf := make([]byte, maxSymlinkTargetSz)
	n, err := fd.Read(buf)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", ErrInvalidArgument
	}
	return string(buf[:n]), nil
}

// ResolveContainer implements spec §4.9's resolve_container/resolve_internal:
// tokenize path, pick a starting descriptor among the namespace root, the
// process cwd or an explicit file descriptor, then walk each component,
// descending into directories and following symlinks (up to
// maxSymlinkFollows total) until only the final component remains.
//
// nsRoot is the process's namespace root descriptor (what an absolute path
// resolves against); cwd is the process's current working directory; at is
// the file descriptor the caller named explicitly when atCWD is false.
func ResolveContainer(nsRoot, cwd, at FileDescriptor, path string, atCWD, noFollow bool) (ResolveResult, *kernel.Error) {
	absolute, comps := simplifyPath(path)

	var cur FileDescriptor
	switch {
	case absolute:
		cur = nsRoot
	case atCWD:
		cur = cwd
	default:
		cur = at
	}
	if cur == nil {
		return ResolveResult{}, ErrNoSuchFileOrDir
	}

	var resolved []string
	follows := 0

	for {
		if len(comps) == 0 {
			return ResolveResult{AbsolutePath: joinAbsolute(resolved, ""), Container: cur}, nil
		}

		// Walk every component but the last as a directory traversal.
		for len(comps) > 1 {
			name := comps[0]
			child, oerr := cur.Open(name, uint32(FlagRead))
			if oerr != nil {
				return ResolveResult{}, oerr
			}
			st, serr := child.Stat()
			if serr != nil {
				return ResolveResult{}, serr
			}

			if st.Kind == KindSymLink {
				follows++
				if follows > maxSymlinkFollows {
					return ResolveResult{}, ErrTooManySymLinks
				}
				target, terr := readSymlinkTarget(child)
				if terr != nil {
					return ResolveResult{}, terr
				}
				tAbs, tComps := simplifyPath(target)
				rest := comps[1:]
				if tAbs {
					cur = nsRoot
					resolved = nil
				}
				comps = append(tComps, rest...)
				continue
			}
			if st.Kind != KindDirectory {
				return ResolveResult{}, ErrNotDirectory
			}
			cur = child
			resolved = append(resolved, name)
			comps = comps[1:]
		}

		// Exactly one component left: the final one.
		finalName := comps[0]
		if !noFollow {
			child, oerr := cur.Open(finalName, uint32(FlagRead))
			if oerr == nil {
				if st, serr := child.Stat(); serr == nil && st.Kind == KindSymLink {
					follows++
					if follows > maxSymlinkFollows {
						return ResolveResult{}, ErrTooManySymLinks
					}
					target, terr := readSymlinkTarget(child)
					if terr != nil {
						return ResolveResult{}, terr
					}
					tAbs, tComps := simplifyPath(target)
					if tAbs {
						cur = nsRoot
						resolved = nil
					}
					if len(tComps) == 0 {
						return ResolveResult{AbsolutePath: joinAbsolute(resolved, ""), Container: cur}, nil
					}
					comps = tComps
					continue
				}
			}
		}

		return ResolveResult{
			Name:         finalName,
			AbsolutePath: joinAbsolute(resolved, finalName),
			Container:    cur,
		}, nil
	}
}
