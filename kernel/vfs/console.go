package vfs

import (
	"io"
	"novakernel/kernel"
)

// Console is the FileDescriptor for the console file named in spec §1's
// external-collaborator contract: the kernel only needs raw byte I/O, so
// this wraps whatever io.Reader/io.Writer the serial/VGA driver (out of
// scope here) provides, the same injection point kfmt.SetOutputSink uses
// for early kernel diagnostics.
type Console struct {
	r io.Reader
	w io.Writer
}

// NewConsole builds a console FileDescriptor over an injected reader and
// writer. Either may be nil if that direction is unsupported.
func NewConsole(r io.Reader, w io.Writer) *Console {
	return &Console{r: r, w: w}
}

func (c *Console) Chmod(mode uint32) *kernel.Error     { return ErrFuncNotSupported }
func (c *Console) Chown(uid, gid uint32) *kernel.Error { return ErrFuncNotSupported }
func (c *Console) Truncate(length int64) *kernel.Error { return ErrFuncNotSupported }

func (c *Console) Open(name string, flags uint32) (FileDescriptor, *kernel.Error) {
	return nil, ErrNotDirectory
}

func (c *Console) Unlink(name string, flags uint32) *kernel.Error { return ErrFuncNotSupported }

func (c *Console) Read(buf []byte) (int, *kernel.Error) {
	if c.r == nil {
		return 0, ErrFuncNotSupported
	}
	n, err := c.r.Read(buf)
	if err != nil && err != io.EOF {
		return n, &kernel.Error{Module: "vfs", Message: err.Error()}
	}
	return n, nil
}

func (c *Console) Write(buf []byte) (int, *kernel.Error) {
	if c.w == nil {
		return 0, ErrFuncNotSupported
	}
	n, err := c.w.Write(buf)
	if err != nil {
		return n, &kernel.Error{Module: "vfs", Message: err.Error()}
	}
	return n, nil
}

func (c *Console) Seek(offset int64, kind SeekKind) (int64, *kernel.Error) {
	return 0, ErrFuncNotSupported
}

func (c *Console) Stat() (FileStat, *kernel.Error) {
	return FileStat{Kind: KindCharDevice, Mode: 0o666}, nil
}

func (c *Console) Dup() FileDescriptor { return c }
