package vfs

import (
	"novakernel/kernel"
	"strconv"
	"strings"
)

// ustar on-disk layout (spec §6's "Module names ending in .tar ... are
// decoded transparently"). Field offsets and the checksum rule are lifted
// verbatim from original_source/kernel/src/fs/tar.rs's Header/TarIterator.
const (
	tarBlockSize  = 512
	tarNameOff    = 0
	tarNameLen    = 100
	tarModeOff    = 100
	tarModeLen    = 8
	tarUIDOff     = 108
	tarUIDLen     = 8
	tarGIDOff     = 116
	tarGIDLen     = 8
	tarSizeOff    = 124
	tarSizeLen    = 12
	tarMTimeOff   = 136
	tarMTimeLen   = 12
	tarChksumOff  = 148
	tarChksumLen  = 8
	tarKindOff    = 156
	tarLinkOff    = 157
	tarLinkLen    = 100
	tarMagicOff   = 257
	tarMagicLen   = 6
	tarPrefixOff  = 345
	tarPrefixLen  = 155
	tarHeaderSize = 512
)

const (
	tarKindNormal    = '0'
	tarKindNormalAlt = 0
	tarKindHardLink  = '1'
	tarKindSymLink   = '2'
	tarKindDirectory = '5'
)

type tarHeader struct {
	name     string
	mode     uint16
	uid, gid uint32
	size     int
	mtime    uint64
	kind     byte
	linkName string
}

func tarCString(b []byte) string {
	if i := indexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimRight(string(b), " ")
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func tarOctal(b []byte) int {
	s := tarCString(b)
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 8, 64)
	if err != nil {
		return 0
	}
	return int(n)
}

func parseTarHeader(block []byte) (tarHeader, bool) {
	name := tarCString(block[tarNameOff : tarNameOff+tarNameLen])
	if name == "" {
		return tarHeader{}, false
	}

	checksum := tarOctal(block[tarChksumOff : tarChksumOff+tarChksumLen])
	sum := 0
	for i, b := range block[:tarHeaderSize] {
		if i >= tarChksumOff && i < tarChksumOff+tarChksumLen {
			sum += ' '
		} else {
			sum += int(b)
		}
	}
	if sum != checksum {
		return tarHeader{}, false
	}

	magic := tarCString(block[tarMagicOff : tarMagicOff+tarMagicLen])
	if magic == "ustar" {
		prefix := tarCString(block[tarPrefixOff : tarPrefixOff+tarPrefixLen])
		if prefix != "" {
			name = prefix + "/" + name
		}
	}

	return tarHeader{
		name:     name,
		mode:     uint16(tarOctal(block[tarModeOff : tarModeOff+tarModeLen])),
		uid:      uint32(tarOctal(block[tarUIDOff : tarUIDOff+tarUIDLen])),
		gid:      uint32(tarOctal(block[tarGIDOff : tarGIDOff+tarGIDLen])),
		size:     tarOctal(block[tarSizeOff : tarSizeOff+tarSizeLen]),
		mtime:    uint64(tarOctal(block[tarMTimeOff : tarMTimeOff+tarMTimeLen])),
		kind:     block[tarKindOff],
		linkName: tarCString(block[tarLinkOff : tarLinkOff+tarLinkLen]),
	}, true
}

func tarRoundUpBlock(n int) int { return (n + tarBlockSize - 1) &^ (tarBlockSize - 1) }

type tarEntry struct {
	header   tarHeader
	contents []byte
}

// walkTar yields every entry in a ustar byte stream in archive order: the
// header occupies one block, the contents the next roundUp(size/512)
// blocks, and the following header begins right after those. A block that
// fails to parse as a header (the archive's all-zero terminator blocks
// included) ends the walk.
func walkTar(data []byte) []tarEntry {
	var entries []tarEntry
	offset := 0
	for offset+tarHeaderSize <= len(data) {
		hdr, ok := parseTarHeader(data[offset : offset+tarHeaderSize])
		if !ok {
			break
		}

		contentsStart := offset + tarHeaderSize
		contentsEnd := contentsStart + hdr.size
		if contentsEnd > len(data) {
			break
		}

		entries = append(entries, tarEntry{header: hdr, contents: data[contentsStart:contentsEnd]})
		offset = contentsStart + tarRoundUpBlock(hdr.size)
	}
	return entries
}

// tarNode is either a file or a directory assembled from the archive;
// directories are built once at parse time by walking each entry's path
// components into a tree, matching TarFilesystem::new's enter_container
// recursion.
type tarNode struct {
	isDir    bool
	children []*tarDirEntry // valid when isDir
	data     []byte         // valid when !isDir (file contents, or symlink target)
	isLink   bool
	mode     uint16
	uid, gid uint32
	mtime    uint64
}

type tarDirEntry struct {
	name string
	node *tarNode
}

// NewTarFS parses a ustar byte blob into a read-only FileDescriptor tree
// (spec §6's module decoding step), grounded on
// original_source/kernel/src/fs/tar.rs's TarFilesystem::new.
func NewTarFS(data []byte) FileDescriptor {
	root := &tarNode{isDir: true, mode: 0o555}
	for _, e := range walkTar(data) {
		comps := splitTarPath(e.header.name)
		if len(comps) == 0 {
			continue
		}
		insertTarEntry(root, comps, e)
	}
	return &tarDirFD{node: root}
}

func splitTarPath(name string) []string {
	var comps []string
	for _, c := range strings.Split(name, "/") {
		if c == "" || c == "." {
			continue
		}
		comps = append(comps, c)
	}
	return comps
}

func insertTarEntry(dir *tarNode, comps []string, e tarEntry) {
	if len(comps) == 1 {
		node := &tarNode{mode: e.header.mode, uid: e.header.uid, gid: e.header.gid, mtime: e.header.mtime}
		switch e.header.kind {
		case tarKindDirectory:
			node.isDir = true
		case tarKindSymLink, tarKindHardLink:
			node.isLink = true
			node.data = []byte(e.header.linkName)
		default:
			node.data = e.contents
		}
		dir.children = replaceTarChild(dir.children, comps[0], node)
		return
	}

	head := comps[0]
	for _, c := range dir.children {
		if c.name == head && c.node.isDir {
			insertTarEntry(c.node, comps[1:], e)
			return
		}
	}
	child := &tarNode{isDir: true, mode: 0o555}
	dir.children = append(dir.children, &tarDirEntry{name: head, node: child})
	insertTarEntry(child, comps[1:], e)
}

func replaceTarChild(children []*tarDirEntry, name string, node *tarNode) []*tarDirEntry {
	for i, c := range children {
		if c.name == name {
			children[i] = &tarDirEntry{name: name, node: node}
			return children
		}
	}
	return append(children, &tarDirEntry{name: name, node: node})
}

// tarDirFD is the FileDescriptor over a directory tarNode.
type tarDirFD struct {
	node   *tarNode
	cursor int
}

func (d *tarDirFD) names() []string {
	names := make([]string, len(d.node.children))
	for i, c := range d.node.children {
		names[i] = c.name
	}
	return names
}

func (d *tarDirFD) Chmod(mode uint32) *kernel.Error     { return ErrReadOnlyFilesystem }
func (d *tarDirFD) Chown(uid, gid uint32) *kernel.Error { return ErrReadOnlyFilesystem }
func (d *tarDirFD) Truncate(length int64) *kernel.Error { return ErrReadOnlyFilesystem }
func (d *tarDirFD) Write(buf []byte) (int, *kernel.Error) {
	return 0, ErrReadOnlyFilesystem
}
func (d *tarDirFD) Unlink(name string, flags uint32) *kernel.Error {
	return ErrReadOnlyFilesystem
}

func (d *tarDirFD) Open(name string, flags uint32) (FileDescriptor, *kernel.Error) {
	if OpenFlags(flags).Has(FlagWrite | FlagCreate) {
		return nil, ErrReadOnlyFilesystem
	}
	for _, c := range d.node.children {
		if c.name != name {
			continue
		}
		if c.node.isDir {
			return &tarDirFD{node: c.node}, nil
		}
		if c.node.isLink {
			return &tarLinkFD{node: c.node}, nil
		}
		return &tarFileFD{node: c.node}, nil
	}
	return nil, ErrNoSuchFileOrDir
}

func (d *tarDirFD) Read(buf []byte) (int, *kernel.Error) {
	return readDirEntries(d.names(), &d.cursor, buf)
}

func (d *tarDirFD) Seek(offset int64, kind SeekKind) (int64, *kernel.Error) {
	return seekCursor(&d.cursor, len(d.node.children), offset, kind)
}

func (d *tarDirFD) Stat() (FileStat, *kernel.Error) {
	return FileStat{Kind: KindDirectory, Mode: uint16(d.node.mode), UID: d.node.uid, GID: d.node.gid, MTime: d.node.mtime}, nil
}

func (d *tarDirFD) Dup() FileDescriptor {
	return &tarDirFD{node: d.node, cursor: d.cursor}
}

// tarFileFD is the FileDescriptor over a regular-file tarNode.
type tarFileFD struct {
	node   *tarNode
	cursor int
}

func (f *tarFileFD) Chmod(mode uint32) *kernel.Error     { return ErrReadOnlyFilesystem }
func (f *tarFileFD) Chown(uid, gid uint32) *kernel.Error { return ErrReadOnlyFilesystem }
func (f *tarFileFD) Truncate(length int64) *kernel.Error { return ErrReadOnlyFilesystem }
func (f *tarFileFD) Write(buf []byte) (int, *kernel.Error) {
	return 0, ErrReadOnlyFilesystem
}
func (f *tarFileFD) Unlink(name string, flags uint32) *kernel.Error {
	return ErrFuncNotSupported
}
func (f *tarFileFD) Open(name string, flags uint32) (FileDescriptor, *kernel.Error) {
	return nil, ErrNotDirectory
}

func (f *tarFileFD) Read(buf []byte) (int, *kernel.Error) {
	if f.cursor >= len(f.node.data) {
		return 0, nil
	}
	n := copy(buf, f.node.data[f.cursor:])
	f.cursor += n
	return n, nil
}

func (f *tarFileFD) Seek(offset int64, kind SeekKind) (int64, *kernel.Error) {
	return seekCursor(&f.cursor, len(f.node.data), offset, kind)
}

func (f *tarFileFD) Stat() (FileStat, *kernel.Error) {
	return FileStat{
		Kind:  KindRegular,
		Mode:  f.node.mode,
		UID:   f.node.uid,
		GID:   f.node.gid,
		Size:  uint64(len(f.node.data)),
		MTime: f.node.mtime,
	}, nil
}

func (f *tarFileFD) Dup() FileDescriptor {
	return &tarFileFD{node: f.node, cursor: f.cursor}
}

// tarLinkFD is the FileDescriptor over a symlink/hardlink tarNode, whose
// data holds the link target text (original_source stores a hard link's
// contents as its link name too, never dereferencing it at archive-build
// time).
type tarLinkFD struct {
	node   *tarNode
	cursor int
}

func (l *tarLinkFD) Chmod(mode uint32) *kernel.Error     { return ErrReadOnlyFilesystem }
func (l *tarLinkFD) Chown(uid, gid uint32) *kernel.Error { return ErrReadOnlyFilesystem }
func (l *tarLinkFD) Truncate(length int64) *kernel.Error { return ErrReadOnlyFilesystem }
func (l *tarLinkFD) Write(buf []byte) (int, *kernel.Error) {
	return 0, ErrReadOnlyFilesystem
}
func (l *tarLinkFD) Unlink(name string, flags uint32) *kernel.Error {
	return ErrFuncNotSupported
}
func (l *tarLinkFD) Open(name string, flags uint32) (FileDescriptor, *kernel.Error) {
	return nil, ErrNotDirectory
}

func (l *tarLinkFD) Read(buf []byte) (int, *kernel.Error) {
	if l.cursor >= len(l.node.data) {
		return 0, nil
	}
	n := copy(buf, l.node.data[l.cursor:])
	l.cursor += n
	return n, nil
}

func (l *tarLinkFD) Seek(offset int64, kind SeekKind) (int64, *kernel.Error) {
	return seekCursor(&l.cursor, len(l.node.data), offset, kind)
}

func (l *tarLinkFD) Stat() (FileStat, *kernel.Error) {
	return FileStat{Kind: KindSymLink, Mode: l.node.mode, Size: uint64(len(l.node.data))}, nil
}

func (l *tarLinkFD) Dup() FileDescriptor {
	return &tarLinkFD{node: l.node, cursor: l.cursor}
}
