package vfs

import (
	"encoding/binary"
	"novakernel/kernel"
	"novakernel/kernel/proc"
	"novakernel/kernel/sched"
	"novakernel/kernel/sync"
)

// EventKind discriminates a FilesystemEvent's payload (spec §4.9, §6).
type EventKind uint8

const (
	EventOpen EventKind = iota
	EventRead
	EventWrite
	EventSeek
	EventStat
	EventTruncate
	EventUnlink
	EventChmod
	EventChown
	EventClose
)

// FilesystemEvent is one operation the kernel forwards to a user-space
// filesystem server (spec §6's "fixed-size header { id, handle, kind }
// followed by kind-specific payload"). Handle is the opaque value the
// server chose when it answered an earlier Open event; it is zero for the
// very first Open against the claimed root.
type FilesystemEvent struct {
	ID      uint64
	Handle  uint64
	Kind    EventKind
	Payload []byte
}

const eventHeaderSize = 8 + 8 + 1

func encodeEvent(ev FilesystemEvent) []byte {
	buf := make([]byte, eventHeaderSize+len(ev.Payload))
	binary.LittleEndian.PutUint64(buf[0:8], ev.ID)
	binary.LittleEndian.PutUint64(buf[8:16], ev.Handle)
	buf[16] = byte(ev.Kind)
	copy(buf[eventHeaderSize:], ev.Payload)
	return buf
}

// ResponseKind discriminates an EventResponse's data field (spec §6).
type ResponseKind uint8

const (
	RespNone ResponseKind = iota
	RespHandle
	RespError
)

// EventResponse is a server's reply on to_kernel (spec §6): "{ id, data:
// { None | Handle{u64} | Error{Errno} } }; stat responses are followed by
// a FileStat record". Extra carries that trailing payload (read bytes for
// an EventRead reply, an encoded FileStat for an EventStat reply); it is
// empty for events with no trailing data.
type EventResponse struct {
	ID     uint64
	Kind   ResponseKind
	Handle uint64
	Errno  uint32
	Extra  []byte
}

const responseHeaderSize = 8 + 1 + 8 + 4

func encodeResponse(r EventResponse) []byte {
	buf := make([]byte, responseHeaderSize+len(r.Extra))
	binary.LittleEndian.PutUint64(buf[0:8], r.ID)
	buf[8] = byte(r.Kind)
	binary.LittleEndian.PutUint64(buf[9:17], r.Handle)
	binary.LittleEndian.PutUint32(buf[17:21], r.Errno)
	copy(buf[responseHeaderSize:], r.Extra)
	return buf
}

// decodeResponse parses one EventResponse from the front of buf, returning
// the number of bytes consumed. extraLen must be supplied by the caller,
// which already knows (from the matching pending event's kind) how many
// trailing bytes to expect; the wire format carries no explicit length
// since it is implied by the request/response pairing.
func decodeResponse(buf []byte, extraLen int) (EventResponse, int, bool) {
	if len(buf) < responseHeaderSize+extraLen {
		return EventResponse{}, 0, false
	}
	r := EventResponse{
		ID:     binary.LittleEndian.Uint64(buf[0:8]),
		Kind:   ResponseKind(buf[8]),
		Handle: binary.LittleEndian.Uint64(buf[9:17]),
		Errno:  binary.LittleEndian.Uint32(buf[17:21]),
	}
	if extraLen > 0 {
		r.Extra = append([]byte{}, buf[responseHeaderSize:responseHeaderSize+extraLen]...)
	}
	return r, responseHeaderSize + extraLen, true
}

var ErrTryAgain = &kernel.Error{Module: "vfs", Message: "request could not be queued, try again"}

// pendingCall tracks one outstanding event awaiting its response. extraLen
// tells the to_kernel demultiplexer how many trailing bytes to expect.
type pendingCall struct {
	extraLen int
	ready    bool
	resp     EventResponse
	waker    *sched.Waker
}

// UserFS bridges one claimed namespace entry to the user-space process
// that services it (spec §4.9's "writing a name to filesystem/name claims
// that name"; spec §5's "this is the core's only blocking-I/O path").
// Grounded on no single original_source file -- this channel has no
// analogue in the Rust original -- and modeled instead on the
// request/response shape of gcsfuse's FUSE bridge, turned inside out: the
// kernel plays the privileged core and the claiming process plays the
// FUSE-like server.
type UserFS struct {
	lock sync.Spinlock

	name  string
	owner proc.ID

	nextID  uint64
	outbox  []byte
	pending map[uint64]*pendingCall

	readWaker *sched.Waker
}

// NewUserFS builds an unclaimed bridge for name, owned by owner.
func NewUserFS(name string, owner proc.ID) *UserFS {
	return &UserFS{name: name, owner: owner, pending: make(map[uint64]*pendingCall)}
}

// post appends ev to the from_kernel stream and registers a pendingCall
// keyed by its id, waking any blocked from_kernel reader.
func (fs *UserFS) post(kind EventKind, handle uint64, payload []byte, extraLen int) uint64 {
	fs.lock.Acquire()
	fs.nextID++
	id := fs.nextID
	ev := FilesystemEvent{ID: id, Handle: handle, Kind: kind, Payload: payload}
	fs.outbox = append(fs.outbox, encodeEvent(ev)...)
	fs.pending[id] = &pendingCall{extraLen: extraLen}
	waker := fs.readWaker
	fs.readWaker = nil
	fs.lock.Release()

	if waker != nil {
		waker.Wake()
	}
	return id
}

// Await returns a Future that resolves once the response matching id has
// arrived, completed the moment a to_kernel write supplies it. This is the
// suspension point spec §5 names as the user-space filesystem request. The
// pending entry stays registered until Result consumes it.
func (fs *UserFS) Await(id uint64) sched.Future {
	return sched.FutureFunc(func(w *sched.Waker) bool {
		fs.lock.Acquire()
		defer fs.lock.Release()
		call, ok := fs.pending[id]
		if !ok {
			return true // already consumed
		}
		if !call.ready {
			call.waker = w
			return false
		}
		return true
	})
}

// Result returns the response for id once its Await future has completed,
// consuming the pending entry.
func (fs *UserFS) Result(id uint64) (EventResponse, bool) {
	fs.lock.Acquire()
	defer fs.lock.Release()
	call, ok := fs.pending[id]
	if !ok || !call.ready {
		return EventResponse{}, false
	}
	delete(fs.pending, id)
	return call.resp, true
}

// submitResponse records resp against its pending call and wakes whatever
// future is waiting on it. A response for an unknown call, or for one that
// already has its response, is dropped.
func (fs *UserFS) submitResponse(resp EventResponse) {
	fs.lock.Acquire()
	call, ok := fs.pending[resp.ID]
	if !ok || call.ready {
		fs.lock.Release()
		return
	}
	call.ready = true
	call.resp = resp
	waker := call.waker
	fs.lock.Release()

	if waker != nil {
		waker.Wake()
	}
}

// Pending is a handle to one outstanding user-space filesystem request
// (spec §4.9; spec §5's "core's only blocking-I/O path"). Future is the
// sched.Future the syscall layer spawns on the current CPU's executor and
// suspends the calling thread behind; Response collects the answer once
// Future has been driven to done=true, and must not be called before then.
type Pending struct {
	fs *UserFS
	id uint64
}

// Future returns the Future that completes once the claiming process's
// server answers this request over to_kernel.
func (p Pending) Future() sched.Future { return p.fs.Await(p.id) }

// Response returns the completed EventResponse. ok is false if Future has
// not yet reported done, or if the response was already consumed. A
// request cancelled by CancelAll reports ok=true with a RespError response.
func (p Pending) Response() (EventResponse, bool) { return p.fs.Result(p.id) }

// Handle wraps h as the FileDescriptor for a resolved remote handle,
// called once an Open request's Response reports RespHandle.
func (p Pending) Handle(h uint64) FileDescriptor {
	return &userFSFileHandle{fs: p.fs, handle: h}
}

// OpenAwaiter is implemented by a FileDescriptor whose Open cannot
// complete synchronously because it must round-trip through a user-space
// filesystem server (spec §4.9). A synchronous Open call having already
// failed with ErrTryAgain, the syscall layer type-asserts for this
// interface to obtain the Pending request to suspend the calling thread
// on, rather than failing the call outright.
type OpenAwaiter interface {
	AwaitOpen(name string, flags uint32) Pending
}

// ReadAwaiter is Read's counterpart to OpenAwaiter.
type ReadAwaiter interface {
	AwaitRead(buf []byte) Pending
}

// WriteAwaiter is Write's counterpart to OpenAwaiter.
type WriteAwaiter interface {
	AwaitWrite(buf []byte) Pending
}

// CancelAll fails every outstanding request with errno, per spec §5:
// "Outstanding filesystem requests from a dead process are cancelled by
// posting an error response to their internal channel."
func (fs *UserFS) CancelAll(errno uint32) {
	fs.lock.Acquire()
	ids := make([]uint64, 0, len(fs.pending))
	for id, call := range fs.pending {
		if !call.ready {
			ids = append(ids, id)
		}
	}
	fs.lock.Release()
	for _, id := range ids {
		fs.submitResponse(EventResponse{ID: id, Kind: RespError, Errno: errno})
	}
}

// FromKernel returns the FileDescriptor a server reads FilesystemEvents
// from (spec §4.9's filesystem/from_kernel).
func (fs *UserFS) FromKernel() FileDescriptor { return &fromKernelFD{fs: fs} }

// ToKernel returns the FileDescriptor a server writes EventResponses to
// (spec §4.9's filesystem/to_kernel). extraLen resolves how many trailing
// bytes each pending call's response carries, looked up by id as each
// response header is decoded.
func (fs *UserFS) ToKernel() FileDescriptor { return &toKernelFD{fs: fs} }

type fromKernelFD struct{ fs *UserFS }

func (f *fromKernelFD) Chmod(mode uint32) *kernel.Error     { return ErrFuncNotSupported }
func (f *fromKernelFD) Chown(uid, gid uint32) *kernel.Error { return ErrFuncNotSupported }
func (f *fromKernelFD) Truncate(length int64) *kernel.Error { return ErrFuncNotSupported }
func (f *fromKernelFD) Write(buf []byte) (int, *kernel.Error) {
	return 0, ErrReadOnlyFilesystem
}
func (f *fromKernelFD) Unlink(name string, flags uint32) *kernel.Error {
	return ErrFuncNotSupported
}
func (f *fromKernelFD) Open(name string, flags uint32) (FileDescriptor, *kernel.Error) {
	return nil, ErrNotDirectory
}
func (f *fromKernelFD) Stat() (FileStat, *kernel.Error) {
	return FileStat{Kind: KindCharDevice, Mode: 0o600}, nil
}
func (f *fromKernelFD) Dup() FileDescriptor { return f }

func (f *fromKernelFD) Read(buf []byte) (int, *kernel.Error) {
	f.fs.lock.Acquire()
	n := copy(buf, f.fs.outbox)
	f.fs.outbox = f.fs.outbox[n:]
	f.fs.lock.Release()
	return n, nil
}

func (f *fromKernelFD) Seek(offset int64, kind SeekKind) (int64, *kernel.Error) {
	return 0, ErrFuncNotSupported
}

type toKernelFD struct{ fs *UserFS }

func (f *toKernelFD) Chmod(mode uint32) *kernel.Error     { return ErrFuncNotSupported }
func (f *toKernelFD) Chown(uid, gid uint32) *kernel.Error { return ErrFuncNotSupported }
func (f *toKernelFD) Truncate(length int64) *kernel.Error { return ErrFuncNotSupported }
func (f *toKernelFD) Read(buf []byte) (int, *kernel.Error) {
	return 0, ErrFuncNotSupported
}
func (f *toKernelFD) Unlink(name string, flags uint32) *kernel.Error {
	return ErrFuncNotSupported
}
func (f *toKernelFD) Open(name string, flags uint32) (FileDescriptor, *kernel.Error) {
	return nil, ErrNotDirectory
}
func (f *toKernelFD) Stat() (FileStat, *kernel.Error) {
	return FileStat{Kind: KindCharDevice, Mode: 0o200}, nil
}
func (f *toKernelFD) Dup() FileDescriptor { return f }

func (f *toKernelFD) Seek(offset int64, kind SeekKind) (int64, *kernel.Error) {
	return 0, ErrFuncNotSupported
}

// Write decodes as many complete EventResponses as buf contains and
// submits each in turn. A response whose id names an unknown or already
// satisfied call is silently dropped, matching a server that re-sends
// after a spurious wake. Error replies carry no trailing bytes regardless
// of what the matching event would otherwise expect, so the kind byte is
// consulted before the pending call's extraLen.
func (f *toKernelFD) Write(buf []byte) (int, *kernel.Error) {
	total := 0
	for len(buf) > 0 {
		f.fs.lock.Acquire()
		var extraLen int
		if responseHeaderSize <= len(buf) && ResponseKind(buf[8]) != RespError {
			id := binary.LittleEndian.Uint64(buf[0:8])
			if call, ok := f.fs.pending[id]; ok {
				extraLen = call.extraLen
			}
		}
		f.fs.lock.Release()

		resp, n, ok := decodeResponse(buf, extraLen)
		if !ok {
			break
		}
		f.fs.submitResponse(resp)
		buf = buf[n:]
		total += n
	}
	return total, nil
}

// filesystemCtl is /procfs/<pid>/filesystem/: writing a name to an entry
// under it claims that name in the process's namespace, after which
// from_kernel and to_kernel become openable (spec §4.9).
type filesystemCtl struct {
	pid    proc.ID
	ns     *Namespace
	fs     *UserFS // non-nil once a claim has been made
	cursor int
}

func newFilesystemCtl(pid proc.ID, ns *Namespace) *filesystemCtl {
	return &filesystemCtl{pid: pid, ns: ns}
}

func (d *filesystemCtl) entries() []string {
	if d.fs == nil {
		return nil
	}
	return []string{d.fs.name, "from_kernel", "to_kernel"}
}

func (d *filesystemCtl) Chmod(mode uint32) *kernel.Error     { return ErrFuncNotSupported }
func (d *filesystemCtl) Chown(uid, gid uint32) *kernel.Error { return ErrFuncNotSupported }
func (d *filesystemCtl) Truncate(length int64) *kernel.Error { return ErrFuncNotSupported }
func (d *filesystemCtl) Unlink(name string, flags uint32) *kernel.Error {
	return ErrFuncNotSupported
}
func (d *filesystemCtl) Write(buf []byte) (int, *kernel.Error) {
	return 0, ErrIsDirectory
}

// Open claims name (first open with FlagCreate on an unclaimed entry) or
// hands back the from_kernel/to_kernel pipe for an already-claimed one.
func (d *filesystemCtl) Open(name string, flags uint32) (FileDescriptor, *kernel.Error) {
	switch name {
	case "from_kernel":
		if d.fs == nil {
			return nil, ErrNoSuchFileOrDir
		}
		return d.fs.FromKernel(), nil
	case "to_kernel":
		if d.fs == nil {
			return nil, ErrNoSuchFileOrDir
		}
		return d.fs.ToKernel(), nil
	}
	if d.fs != nil && name == d.fs.name {
		return NewStaticFile([]byte(name)), nil
	}
	if !OpenFlags(flags).Has(FlagCreate) {
		return nil, ErrNoSuchFileOrDir
	}
	if d.fs != nil {
		return nil, ErrExists
	}
	fs := NewUserFS(name, d.pid)
	if err := d.ns.Register(name, &userFSClaimNode{fs: fs}); err != nil {
		return nil, err
	}
	d.fs = fs
	return NewStaticFile([]byte(name)), nil
}

func (d *filesystemCtl) Read(buf []byte) (int, *kernel.Error) {
	return readDirEntries(d.entries(), &d.cursor, buf)
}

func (d *filesystemCtl) Seek(offset int64, kind SeekKind) (int64, *kernel.Error) {
	return seekCursor(&d.cursor, len(d.entries()), offset, kind)
}

func (d *filesystemCtl) Stat() (FileStat, *kernel.Error) {
	return FileStat{Kind: KindDirectory, Mode: 0o700}, nil
}

func (d *filesystemCtl) Dup() FileDescriptor {
	return &filesystemCtl{pid: d.pid, ns: d.ns, fs: d.fs, cursor: d.cursor}
}

// userFSClaimNode is the namespace root installed for a freshly claimed
// name. Its Open always reports ErrTryAgain: resolving a name under a
// claimed root is never a local operation, so the ordinary synchronous
// FileDescriptor.Open path can never satisfy it on its own. The real open
// goes through AwaitOpen below, which the syscall dispatch layer drives
// after a synchronous Open's ErrTryAgain sends it looking for the
// OpenAwaiter interface -- that layer alone has a thread to suspend and an
// executor to park the continuation on. Stat reports a directory so that
// path resolution can descend into the claimed root; Read, Write and the
// remaining methods only report errors, to satisfy the FileDescriptor
// interface.
type userFSClaimNode struct {
	fs *UserFS
}

func (n *userFSClaimNode) Chmod(mode uint32) *kernel.Error     { return ErrFuncNotSupported }
func (n *userFSClaimNode) Chown(uid, gid uint32) *kernel.Error { return ErrFuncNotSupported }
func (n *userFSClaimNode) Truncate(length int64) *kernel.Error { return ErrTryAgain }
func (n *userFSClaimNode) Unlink(name string, flags uint32) *kernel.Error {
	return ErrTryAgain
}
func (n *userFSClaimNode) Open(name string, flags uint32) (FileDescriptor, *kernel.Error) {
	return nil, ErrTryAgain
}
func (n *userFSClaimNode) Read(buf []byte) (int, *kernel.Error)  { return 0, ErrTryAgain }
func (n *userFSClaimNode) Write(buf []byte) (int, *kernel.Error) { return 0, ErrTryAgain }
func (n *userFSClaimNode) Seek(offset int64, kind SeekKind) (int64, *kernel.Error) {
	return 0, ErrTryAgain
}
func (n *userFSClaimNode) Stat() (FileStat, *kernel.Error) {
	return FileStat{Kind: KindDirectory, Mode: 0o755}, nil
}
func (n *userFSClaimNode) Dup() FileDescriptor { return n }

// AwaitOpen implements OpenAwaiter: post an EventOpen naming the requested
// path under this claim and hand back a Pending the syscall layer suspends
// the calling thread on.
func (n *userFSClaimNode) AwaitOpen(name string, flags uint32) Pending {
	id := n.fs.post(EventOpen, 0, []byte(name), 0)
	return Pending{fs: n.fs, id: id}
}

// userFSFileHandle is the FileDescriptor returned once an AwaitOpen
// request resolves to RespHandle. Every operation on it is itself a
// round trip through the same server, so its synchronous FileDescriptor
// methods all report ErrTryAgain -- real work happens through AwaitRead
// and AwaitWrite, which the syscall layer reaches the same way it reaches
// AwaitOpen.
type userFSFileHandle struct {
	fs     *UserFS
	handle uint64
}

func (h *userFSFileHandle) Chmod(mode uint32) *kernel.Error     { return ErrTryAgain }
func (h *userFSFileHandle) Chown(uid, gid uint32) *kernel.Error { return ErrTryAgain }
func (h *userFSFileHandle) Truncate(length int64) *kernel.Error { return ErrTryAgain }
func (h *userFSFileHandle) Unlink(name string, flags uint32) *kernel.Error {
	return ErrTryAgain
}
func (h *userFSFileHandle) Open(name string, flags uint32) (FileDescriptor, *kernel.Error) {
	return nil, ErrNotDirectory
}
func (h *userFSFileHandle) Read(buf []byte) (int, *kernel.Error)  { return 0, ErrTryAgain }
func (h *userFSFileHandle) Write(buf []byte) (int, *kernel.Error) { return 0, ErrTryAgain }
func (h *userFSFileHandle) Seek(offset int64, kind SeekKind) (int64, *kernel.Error) {
	return 0, ErrFuncNotSupported
}
func (h *userFSFileHandle) Stat() (FileStat, *kernel.Error) {
	return FileStat{Kind: KindRegular, Mode: 0o600}, nil
}
func (h *userFSFileHandle) Dup() FileDescriptor { return h }

// AwaitRead implements ReadAwaiter: post an EventRead for up to len(buf)
// bytes against this handle.
func (h *userFSFileHandle) AwaitRead(buf []byte) Pending {
	id := h.fs.post(EventRead, h.handle, nil, len(buf))
	return Pending{fs: h.fs, id: id}
}

// AwaitWrite implements WriteAwaiter: post an EventWrite carrying a copy
// of buf against this handle.
func (h *userFSFileHandle) AwaitWrite(buf []byte) Pending {
	id := h.fs.post(EventWrite, h.handle, append([]byte(nil), buf...), 0)
	return Pending{fs: h.fs, id: id}
}
