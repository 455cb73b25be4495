package vfs

import (
	"encoding/binary"
	"novakernel/kernel/sched"
	"testing"
)

// driveFuture spawns fut on a fresh executor and runs it, reporting whether
// it completed. A pending future parks its waker; after is run between
// executor drains so the test can trigger the wake.
func driveFuture(t *testing.T, fut sched.Future, after func()) bool {
	t.Helper()
	done := false
	var exec sched.Executor
	exec.Spawn(sched.FutureFunc(func(w *sched.Waker) bool {
		if fut.Poll(w) {
			done = true
			return true
		}
		return false
	}))
	exec.Run()
	if done {
		return true
	}
	after()
	exec.Run()
	return done
}

func TestUserFSOpenRoundTrip(t *testing.T) {
	fs := NewUserFS("test", 1)
	node := &userFSClaimNode{fs: fs}

	if _, err := node.Open("uwu", uint32(FlagRead)); err != ErrTryAgain {
		t.Fatalf("synchronous Open = %v, want ErrTryAgain", err)
	}

	pend := node.AwaitOpen("uwu", uint32(FlagRead))

	// The server side sees exactly one Open event naming the path.
	from := fs.FromKernel()
	buf := make([]byte, 256)
	n, rerr := from.Read(buf)
	if rerr != nil || n < eventHeaderSize {
		t.Fatalf("from_kernel Read = (%d, %v)", n, rerr)
	}
	id := binary.LittleEndian.Uint64(buf[0:8])
	handle := binary.LittleEndian.Uint64(buf[8:16])
	if EventKind(buf[16]) != EventOpen || handle != 0 {
		t.Fatalf("event = kind %d handle %d, want Open/0", buf[16], handle)
	}
	if got := string(buf[eventHeaderSize:n]); got != "uwu" {
		t.Fatalf("event payload = %q, want uwu", got)
	}

	completed := driveFuture(t, pend.Future(), func() {
		to := fs.ToKernel()
		resp := encodeResponse(EventResponse{ID: id, Kind: RespHandle, Handle: 7})
		if wn, werr := to.Write(resp); werr != nil || wn != len(resp) {
			t.Fatalf("to_kernel Write = (%d, %v)", wn, werr)
		}
	})
	if !completed {
		t.Fatal("open future never completed after the server replied")
	}

	resp, ok := pend.Response()
	if !ok || resp.Kind != RespHandle || resp.Handle != 7 {
		t.Fatalf("Response = (%+v, %v), want Handle 7", resp, ok)
	}

	// Response consumes the pending entry; a second read reports gone.
	if _, ok := pend.Response(); ok {
		t.Fatal("Response should consume the pending call")
	}
}

func TestUserFSWriteEventCarriesPayload(t *testing.T) {
	fs := NewUserFS("test", 1)
	h := &userFSFileHandle{fs: fs, handle: 7}

	payload := []byte("UwU OwO")
	pend := h.AwaitWrite(payload)

	from := fs.FromKernel()
	buf := make([]byte, 256)
	n, _ := from.Read(buf)
	if EventKind(buf[16]) != EventWrite {
		t.Fatalf("event kind = %d, want EventWrite", buf[16])
	}
	if h := binary.LittleEndian.Uint64(buf[8:16]); h != 7 {
		t.Fatalf("event handle = %d, want 7", h)
	}
	if got := string(buf[eventHeaderSize:n]); got != "UwU OwO" {
		t.Fatalf("event payload = %q", got)
	}

	id := binary.LittleEndian.Uint64(buf[0:8])
	completed := driveFuture(t, pend.Future(), func() {
		to := fs.ToKernel()
		_, _ = to.Write(encodeResponse(EventResponse{ID: id, Kind: RespNone}))
	})
	if !completed {
		t.Fatal("write future never completed")
	}
	if resp, ok := pend.Response(); !ok || resp.Kind != RespNone {
		t.Fatalf("Response = (%+v, %v)", resp, ok)
	}
}

func TestUserFSReadReplyDeliversExtraBytes(t *testing.T) {
	fs := NewUserFS("test", 1)
	h := &userFSFileHandle{fs: fs, handle: 7}

	dst := make([]byte, 4)
	pend := h.AwaitRead(dst)

	from := fs.FromKernel()
	buf := make([]byte, 64)
	_, _ = from.Read(buf)
	id := binary.LittleEndian.Uint64(buf[0:8])

	to := fs.ToKernel()
	_, _ = to.Write(encodeResponse(EventResponse{ID: id, Kind: RespNone, Extra: []byte("data")}))

	if done := pend.Future().Poll(nil); !done {
		t.Fatal("read future should be done after the reply")
	}
	resp, ok := pend.Response()
	if !ok || string(resp.Extra) != "data" {
		t.Fatalf("Response = (%+v, %v), want Extra \"data\"", resp, ok)
	}
}

func TestUserFSErrorReplyCarriesNoExtraBytes(t *testing.T) {
	fs := NewUserFS("test", 1)
	h := &userFSFileHandle{fs: fs, handle: 7}

	// The matching call expects 4096 trailing bytes on success; an error
	// reply must still decode from a bare header.
	pend := h.AwaitRead(make([]byte, 4096))

	from := fs.FromKernel()
	buf := make([]byte, 64)
	_, _ = from.Read(buf)
	id := binary.LittleEndian.Uint64(buf[0:8])

	to := fs.ToKernel()
	resp := encodeResponse(EventResponse{ID: id, Kind: RespError, Errno: 2})
	n, werr := to.Write(resp)
	if werr != nil || n != len(resp) {
		t.Fatalf("to_kernel Write = (%d, %v), want full header consumed", n, werr)
	}

	if done := pend.Future().Poll(nil); !done {
		t.Fatal("future should complete on an error reply")
	}
	got, ok := pend.Response()
	if !ok || got.Kind != RespError || got.Errno != 2 {
		t.Fatalf("Response = (%+v, %v), want error 2", got, ok)
	}
}

func TestUserFSCancelAllFailsOutstandingRequests(t *testing.T) {
	fs := NewUserFS("test", 1)
	node := &userFSClaimNode{fs: fs}

	pend := node.AwaitOpen("x", 0)
	fs.CancelAll(9)

	if done := pend.Future().Poll(nil); !done {
		t.Fatal("cancelled future should report done")
	}
	resp, ok := pend.Response()
	if !ok || resp.Kind != RespError || resp.Errno != 9 {
		t.Fatalf("Response = (%+v, %v), want error 9", resp, ok)
	}
}

func TestFilesystemCtlClaimsNameInNamespace(t *testing.T) {
	ns := NewNamespace()
	ctl := newFilesystemCtl(1, ns)

	if _, err := ctl.Open("from_kernel", 0); err != ErrNoSuchFileOrDir {
		t.Fatalf("from_kernel before claim = %v, want ErrNoSuchFileOrDir", err)
	}

	if _, err := ctl.Open("test", uint32(FlagCreate)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := ctl.Open("other", uint32(FlagCreate)); err != ErrExists {
		t.Fatalf("second claim = %v, want ErrExists", err)
	}

	root := ns.Root()
	claimed, err := root.Open("test", uint32(FlagRead))
	if err != nil {
		t.Fatalf("namespace Open(test): %v", err)
	}
	if _, err := claimed.Open("anything", uint32(FlagRead)); err != ErrTryAgain {
		t.Fatalf("claimed root Open = %v, want ErrTryAgain", err)
	}

	if _, err := ctl.Open("from_kernel", 0); err != nil {
		t.Fatalf("from_kernel after claim: %v", err)
	}
	if _, err := ctl.Open("to_kernel", 0); err != nil {
		t.Fatalf("to_kernel after claim: %v", err)
	}
}
