package vfs

import "novakernel/kernel"

// EncodeDirEntry formats one directory entry per spec §6's wire format: a
// native-endian u32 serial number (reserved for future use; spec §9's
// design notes permit always emitting 0), the name's bytes, then a
// terminating NUL.
func EncodeDirEntry(name string) []byte {
	buf := make([]byte, 4+len(name)+1)
	copy(buf[4:], name)
	return buf
}

// DecodeDirEntry parses one entry produced by EncodeDirEntry, returning the
// reserved serial number and the name.
func DecodeDirEntry(b []byte) (serial uint32, name string, ok bool) {
	if len(b) < 5 {
		return 0, "", false
	}
	serial = uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	for i := 4; i < len(b); i++ {
		if b[i] == 0 {
			return serial, string(b[4:i]), true
		}
	}
	return 0, "", false
}

// ErrValueOverflow is returned by a directory's Read when the caller's
// buffer is too small to hold the next entry.
var ErrValueOverflow = &kernel.Error{Module: "vfs", Message: "value too large"}

// readDirEntries serves one entry of names[*cursor] per call into buf,
// advancing *cursor, and returns (0, nil) once the cursor reaches the end
// (spec §4.9's directory read protocol). Shared by every synthesized
// directory in this package (namespace root, procfs, tarfs).
func readDirEntries(names []string, cursor *int, buf []byte) (int, *kernel.Error) {
	if *cursor < 0 {
		*cursor = 0
	}
	if *cursor >= len(names) {
		*cursor = len(names)
		return 0, nil
	}
	entry := EncodeDirEntry(names[*cursor])
	if len(buf) < len(entry) {
		return 0, ErrValueOverflow
	}
	*cursor++
	return copy(buf, entry), nil
}

// seekCursor implements the Seek half of the directory-read protocol over
// an enumeration of length n (spec §4.3's SeekKind / spec §4.9's "seek on a
// directory adjusts the enumeration cursor").
func seekCursor(cursor *int, n int, offset int64, kind SeekKind) (int64, *kernel.Error) {
	var base int64
	switch kind {
	case SeekSet:
		base = 0
	case SeekCurrent:
		base = int64(*cursor)
	case SeekEnd:
		base = int64(n)
	default:
		return 0, ErrInvalidArgument
	}
	newPos := base + offset
	if newPos < 0 {
		return 0, ErrInvalidArgument
	}
	*cursor = int(newPos)
	return newPos, nil
}
