package syscall

import (
	"testing"
	"unsafe"

	"novakernel/kernel"
	"novakernel/kernel/errno"
	"novakernel/kernel/gate"
	"novakernel/kernel/hal/bootinfo"
	"novakernel/kernel/mem"
	"novakernel/kernel/mem/pdt"
	"novakernel/kernel/mem/pmm"
	"novakernel/kernel/mem/procmap"
	"novakernel/kernel/mem/vmm"
	"novakernel/kernel/proc"
	"novakernel/kernel/vfs"
)

// buildMemoryMap assembles a synthetic multiboot2-style memory map tag
// covering [0, totalPages) as Available, the same shape
// kernel/mem/procmap's tests feed to bootinfo.SetInfoPtr.
func buildMemoryMap(t *testing.T, totalPages uint64) []byte {
	t.Helper()
	align := func(n int) int { return (n + 7) &^ 7 }

	var buf []byte
	putU32 := func(v uint32) {
		buf = append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	}
	putU64 := func(v uint64) {
		putU32(uint32(v))
		putU32(uint32(v >> 32))
	}

	putU32(0) // totalSize, patched below
	putU32(0) // reserved

	const tagMemoryMap = 6
	start := len(buf)
	putU32(tagMemoryMap)
	sizeOff := len(buf)
	putU32(0)
	putU32(24) // entrySize
	putU32(0)  // entryVersion
	putU64(0)
	putU64(totalPages * uint64(mem.PageSize))
	putU32(uint32(bootinfo.Available))
	putU32(0)
	size := uint32(len(buf) - start)
	buf[sizeOff] = byte(size)
	buf[sizeOff+1] = byte(size >> 8)
	buf[sizeOff+2] = byte(size >> 16)
	buf[sizeOff+3] = byte(size >> 24)
	for len(buf) < align(len(buf)) {
		buf = append(buf, 0)
	}

	putU32(0) // tagSectionEnd
	putU32(8)

	total := uint32(len(buf))
	buf[0] = byte(total)
	buf[1] = byte(total >> 8)
	buf[2] = byte(total >> 16)
	buf[3] = byte(total >> 24)
	return buf
}

func setupFakeMMU(t *testing.T, totalPages uint64) {
	t.Helper()

	buf := buildMemoryMap(t, totalPages)
	bootinfo.SetInfoPtr(uintptr(unsafe.Pointer(&buf[0])))
	pmm.Default = pmm.Allocator{}
	pmm.Default.Init(mem.Frame(totalPages))

	pages := make(map[mem.Frame][]byte)
	pageOf := func(f mem.Frame) []byte {
		p, ok := pages[f]
		if !ok {
			p = make([]byte, mem.PageSize)
			pages[f] = p
		}
		return p
	}
	prevMap := vmm.SetMapMemoryHookForTesting(func(frames []mem.Frame, fn func([]byte)) *kernel.Error {
		window := make([]byte, len(frames)*int(mem.PageSize))
		for i, f := range frames {
			copy(window[i*int(mem.PageSize):], pageOf(f))
		}
		fn(window)
		for i, f := range frames {
			copy(pageOf(f), window[i*int(mem.PageSize):(i+1)*int(mem.PageSize)])
		}
		return nil
	})
	prevActive := pdt.SetActivePDTHookForTesting(func() uintptr { return 0 })
	t.Cleanup(func() {
		vmm.SetMapMemoryHookForTesting(prevMap)
		pdt.SetActivePDTHookForTesting(prevActive)
	})
}

func newTestProcess(t *testing.T, d *Dispatcher) (*proc.Process, *proc.Thread) {
	t.Helper()
	frame, err := pmm.Default.AllocFrame(nil)
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}
	directory := pdt.New(frame)
	if ierr := directory.Init(); ierr != nil {
		t.Fatalf("PageDirectory.Init: %v", ierr)
	}

	thread := proc.NewThread(0x1000, 0x8000, true, 1)
	root := &proc.OpenFile{Descriptor: d.Root.Root()}
	p := &proc.Process{
		Map:     procmap.New(directory),
		Threads: []*proc.Thread{thread},
		CWD:     root,
		Root:    root,
	}
	d.Table.Insert(p)
	return p, thread
}

func newTestDispatcher() *Dispatcher {
	return &Dispatcher{Table: proc.NewTable(), Root: vfs.NewNamespace()}
}

func dispatch(t *testing.T, d *Dispatcher, p *proc.Process, th *proc.Thread, regs *gate.Registers) {
	t.Helper()
	if terminated, blocked := d.Dispatch(regs, p, th); terminated || blocked {
		t.Fatalf("Dispatch reported terminated=%v blocked=%v for a plain call", terminated, blocked)
	}
}

func TestDispatchIsComputerOn(t *testing.T) {
	setupFakeMMU(t, 128)
	d := newTestDispatcher()
	p, th := newTestProcess(t, d)

	regs := &gate.Registers{EAX: uint32(IsComputerOn)}
	dispatch(t, d, p, th, regs)
	if regs.EAX != 1 || regs.EBX != 0 {
		t.Fatalf("IsComputerOn = (%d, %d), want (1, 0)", regs.EAX, regs.EBX)
	}
}

func TestDispatchUnknownNumber(t *testing.T) {
	setupFakeMMU(t, 128)
	d := newTestDispatcher()
	p, th := newTestProcess(t, d)

	regs := &gate.Registers{EAX: 999}
	dispatch(t, d, p, th, regs)
	if regs.EAX != 0 || errno.Errno(regs.EBX) != errno.FuncNotSupported {
		t.Fatalf("unknown syscall = (%d, %d), want FuncNotSupported", regs.EAX, regs.EBX)
	}
}

func TestDispatchGetProcessId(t *testing.T) {
	setupFakeMMU(t, 128)
	d := newTestDispatcher()
	p, th := newTestProcess(t, d)

	regs := &gate.Registers{EAX: uint32(GetProcessId)}
	dispatch(t, d, p, th, regs)
	if proc.ID(regs.EAX) != p.ID || regs.EBX != 0 {
		t.Fatalf("GetProcessId = (%d, %d), want (%d, 0)", regs.EAX, regs.EBX, p.ID)
	}
}

func TestMmapWriteReadUnmap(t *testing.T) {
	setupFakeMMU(t, 256)
	d := newTestDispatcher()
	p, th := newTestProcess(t, d)

	regs := &gate.Registers{
		EAX: uint32(Mmap),
		EBX: 0, // private anonymous
		ECX: 0, // kernel chooses the address
		EDX: uint32(mem.PageSize),
		EDI: uint32(MmapRead | MmapWrite | MmapAnonymous),
	}
	dispatch(t, d, p, th, regs)
	if regs.EBX != 0 {
		t.Fatalf("Mmap errno = %d", regs.EBX)
	}
	addr := uintptr(regs.EAX)
	if addr < 0x4000 {
		t.Fatalf("Mmap returned %#x, want an address >= 0x4000", addr)
	}

	payload := make([]byte, mem.PageSize)
	for i := range payload {
		payload[i] = 0xaa
	}
	if err := CopyOut(p.Map, addr, payload); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	got, err := CopyIn(p.Map, addr, len(payload))
	if err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	for i, b := range got {
		if b != 0xaa {
			t.Fatalf("byte %d = %#x, want 0xaa", i, b)
		}
	}

	regs = &gate.Registers{EAX: uint32(Unmap), EBX: uint32(addr)}
	dispatch(t, d, p, th, regs)
	if regs.EBX != 0 {
		t.Fatalf("Unmap errno = %d", regs.EBX)
	}
	if _, err := CopyIn(p.Map, addr, 1); err == nil {
		t.Fatal("reading an unmapped address should fail")
	}
}

func TestForkReturnProtocolAndIsolation(t *testing.T) {
	setupFakeMMU(t, 256)
	d := newTestDispatcher()
	p, th := newTestProcess(t, d)

	var spawned []proc.ID
	d.SpawnChild = func(id proc.ID) { spawned = append(spawned, id) }

	const addr = uintptr(0x10000)
	if err := p.Map.AddMapping(addr, mem.PageSize, procmap.ProtRead|procmap.ProtWrite, procmap.Anonymous, nil, 0, true); err != nil {
		t.Fatalf("AddMapping: %v", err)
	}
	if err := CopyOut(p.Map, addr, []byte{0x11}); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}

	regs := &gate.Registers{EAX: uint32(Fork)}
	dispatch(t, d, p, th, regs)
	if regs.EBX != 0 || regs.EAX == 0 {
		t.Fatalf("Fork parent result = (%d, %d)", regs.EAX, regs.EBX)
	}
	childID := proc.ID(regs.EAX)
	if len(spawned) != 1 || spawned[0] != childID {
		t.Fatalf("SpawnChild got %v, want [%d]", spawned, childID)
	}

	child, err := d.Table.Get(childID)
	if err != nil {
		t.Fatalf("Get(child): %v", err)
	}
	if got := child.Threads[0].Current().EAX; got != 0 {
		t.Fatalf("child EAX = %d, want 0", got)
	}

	childView, cerr := CopyIn(child.Map, addr, 1)
	if cerr != nil || childView[0] != 0x11 {
		t.Fatalf("child read = (%v, %v), want 0x11", childView, cerr)
	}

	// The child's write must not leak into the parent's page.
	if err := CopyOut(child.Map, addr, []byte{0x22}); err != nil {
		t.Fatalf("child CopyOut: %v", err)
	}
	childView, _ = CopyIn(child.Map, addr, 1)
	parentView, _ := CopyIn(p.Map, addr, 1)
	if childView[0] != 0x22 {
		t.Fatalf("child reads %#x after its write, want 0x22", childView[0])
	}
	if parentView[0] != 0x11 {
		t.Fatalf("parent reads %#x after the child's write, want 0x11", parentView[0])
	}
}

func TestShareMemoryMapsSameFrames(t *testing.T) {
	setupFakeMMU(t, 256)
	d := newTestDispatcher()
	a, aThread := newTestProcess(t, d)
	b, bThread := newTestProcess(t, d)

	regs := &gate.Registers{
		EAX: uint32(ShareMemory),
		EBX: 0x20000,
		ECX: uint32(mem.PageSize),
		EDX: uint32(MmapRead | MmapWrite),
	}
	dispatch(t, d, a, aThread, regs)
	if regs.EBX != 0 {
		t.Fatalf("ShareMemory errno = %d", regs.EBX)
	}
	shmID := regs.EAX

	if err := CopyOut(a.Map, 0x20000, []byte("shared!")); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}

	regs = &gate.Registers{
		EAX: uint32(Mmap),
		EBX: shmID,
		ECX: 0x30000,
		EDX: uint32(mem.PageSize),
		EDI: uint32(MmapRead | MmapWrite),
	}
	dispatch(t, d, b, bThread, regs)
	if regs.EBX != 0 {
		t.Fatalf("Mmap(shm) errno = %d", regs.EBX)
	}

	got, err := CopyIn(b.Map, uintptr(regs.EAX), 7)
	if err != nil || string(got) != "shared!" {
		t.Fatalf("CopyIn via B = (%q, %v), want \"shared!\"", got, err)
	}
}

func TestOpenReadWriteOnNamespaceFile(t *testing.T) {
	setupFakeMMU(t, 256)
	d := newTestDispatcher()
	_ = d.Root.Register("data", vfs.NewStaticFile([]byte("contents")))
	p, th := newTestProcess(t, d)

	const userBuf = uintptr(0x50000)
	if err := p.Map.AddMapping(userBuf, mem.PageSize, procmap.ProtRead|procmap.ProtWrite, procmap.Anonymous, nil, 0, true); err != nil {
		t.Fatalf("AddMapping: %v", err)
	}
	if err := CopyOut(p.Map, userBuf, append([]byte("/data"), 0)); err != nil {
		t.Fatalf("CopyOut(path): %v", err)
	}

	regs := &gate.Registers{EAX: uint32(Open), EBX: uint32(userBuf), ECX: uint32(vfs.FlagRead)}
	dispatch(t, d, p, th, regs)
	if regs.EBX != 0 {
		t.Fatalf("Open errno = %d", regs.EBX)
	}
	fd := regs.EAX

	const readDst = userBuf + 0x100
	regs = &gate.Registers{EAX: uint32(Read), EBX: fd, ECX: uint32(readDst), EDX: 64}
	dispatch(t, d, p, th, regs)
	if regs.EBX != 0 || regs.EAX != uint32(len("contents")) {
		t.Fatalf("Read = (%d, %d)", regs.EAX, regs.EBX)
	}
	got, err := CopyIn(p.Map, readDst, int(regs.EAX))
	if err != nil || string(got) != "contents" {
		t.Fatalf("read back = (%q, %v)", got, err)
	}

	regs = &gate.Registers{EAX: uint32(Write), EBX: fd, ECX: uint32(userBuf), EDX: 1}
	dispatch(t, d, p, th, regs)
	if errno.Errno(regs.EBX) != errno.ReadOnlyFilesystem {
		t.Fatalf("Write errno = %d, want ReadOnlyFilesystem", regs.EBX)
	}

	regs = &gate.Registers{EAX: uint32(Close), EBX: fd}
	dispatch(t, d, p, th, regs)
	if regs.EBX != 0 {
		t.Fatalf("Close errno = %d", regs.EBX)
	}
	regs = &gate.Registers{EAX: uint32(Read), EBX: fd, ECX: uint32(readDst), EDX: 1}
	dispatch(t, d, p, th, regs)
	if errno.Errno(regs.EBX) != errno.BadFile {
		t.Fatalf("Read after Close errno = %d, want BadFile", regs.EBX)
	}
}

func TestDupAndDup2(t *testing.T) {
	setupFakeMMU(t, 128)
	d := newTestDispatcher()
	p, th := newTestProcess(t, d)

	fd := p.AddFile(&proc.OpenFile{Descriptor: vfs.NewStaticFile([]byte("abc")), Path: []string{"x"}})

	regs := &gate.Registers{EAX: uint32(Dup), EBX: uint32(fd)}
	dispatch(t, d, p, th, regs)
	if regs.EBX != 0 {
		t.Fatalf("Dup errno = %d", regs.EBX)
	}
	dupFd := int(regs.EAX)
	if dupFd == fd {
		t.Fatal("Dup returned the same descriptor index")
	}

	regs = &gate.Registers{EAX: uint32(Dup2), EBX: uint32(fd), ECX: 9}
	dispatch(t, d, p, th, regs)
	if regs.EBX != 0 || regs.EAX != 9 {
		t.Fatalf("Dup2 = (%d, %d), want (9, 0)", regs.EAX, regs.EBX)
	}
	if _, err := p.File(9); err != nil {
		t.Fatalf("File(9): %v", err)
	}

	regs = &gate.Registers{EAX: uint32(Dup), EBX: 77}
	dispatch(t, d, p, th, regs)
	if errno.Errno(regs.EBX) != errno.BadFile {
		t.Fatalf("Dup(77) errno = %d, want BadFile", regs.EBX)
	}
}

func TestMessageHandlerDeliveryAndExit(t *testing.T) {
	setupFakeMMU(t, 128)
	d := newTestDispatcher()
	sender, senderThread := newTestProcess(t, d)
	target, targetThread := newTestProcess(t, d)

	const handlerEntry = uint32(0x7000)
	regs := &gate.Registers{EAX: uint32(MessageHandler), EBX: handlerEntry, ECX: 4}
	dispatch(t, d, target, targetThread, regs)
	if regs.EBX != 0 {
		t.Fatalf("MessageHandler errno = %d", regs.EBX)
	}

	preDelivery := *targetThread.Current()

	regs = &gate.Registers{EAX: uint32(SendMessage), EBX: uint32(target.ID), ECX: 4, EDX: 0xbeef}
	dispatch(t, d, sender, senderThread, regs)
	if regs.EBX != 0 {
		t.Fatalf("SendMessage errno = %d", regs.EBX)
	}

	cur := targetThread.Current()
	if cur.EIP != handlerEntry || cur.EBX != 0xbeef {
		t.Fatalf("delivered frame = EIP %#x EBX %#x, want %#x/0xbeef", cur.EIP, cur.EBX, handlerEntry)
	}
	if len(targetThread.RegisterQueue) != 2 {
		t.Fatalf("register queue depth = %d, want 2", len(targetThread.RegisterQueue))
	}

	// The handler finishes: the interrupted computation's frame comes back.
	exitRegs := *cur
	exitRegs.EAX = uint32(ExitMessageHandler)
	dispatch(t, d, target, targetThread, &exitRegs)
	if exitRegs.EIP != preDelivery.EIP || exitRegs.ESP != preDelivery.ESP {
		t.Fatalf("resumed frame = EIP %#x ESP %#x, want %#x/%#x", exitRegs.EIP, exitRegs.ESP, preDelivery.EIP, preDelivery.ESP)
	}
	if len(targetThread.RegisterQueue) != 1 {
		t.Fatalf("register queue depth after exit = %d, want 1", len(targetThread.RegisterQueue))
	}

	// Exiting with no pushed handler frame is an error, not a pop past the
	// bottom of the stack.
	exitRegs = gate.Registers{EAX: uint32(ExitMessageHandler)}
	dispatch(t, d, target, targetThread, &exitRegs)
	if errno.Errno(exitRegs.EBX) != errno.InvalidArgument {
		t.Fatalf("bottom-of-stack exit errno = %d, want InvalidArgument", exitRegs.EBX)
	}

	regs = &gate.Registers{EAX: uint32(SendMessage), EBX: 99, ECX: 4}
	dispatch(t, d, sender, senderThread, regs)
	if errno.Errno(regs.EBX) != errno.NoSuchProcess {
		t.Fatalf("SendMessage(99) errno = %d, want NoSuchProcess", regs.EBX)
	}
}

func TestErrnoOfMapsKernelErrors(t *testing.T) {
	cases := []struct {
		err  *kernel.Error
		want errno.Errno
	}{
		{nil, errno.None},
		{vfs.ErrNoSuchFileOrDir, errno.NoSuchFileOrDir},
		{vfs.ErrTooManySymLinks, errno.TooManySymLinks},
		{vfs.ErrTryAgain, errno.TryAgain},
		{proc.ErrBadFile, errno.BadFile},
		{procmap.ErrOutOfMemory, errno.OutOfMemory},
		{procmap.ErrBadAddress, errno.BadAddress},
		{&kernel.Error{Module: "test", Message: "unmapped"}, errno.InvalidArgument},
	}
	for _, c := range cases {
		if got := errnoOf(c.err); got != c.want {
			t.Errorf("errnoOf(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestChrootReplacesRootHandle(t *testing.T) {
	setupFakeMMU(t, 256)
	d := newTestDispatcher()
	_ = d.Root.Register("data", vfs.NewStaticFile([]byte("outer")))
	p, th := newTestProcess(t, d)

	jail := vfs.NewNamespace()
	_ = jail.Register("etc", vfs.NewStaticFile([]byte("inner")))
	jailFd := p.AddFile(&proc.OpenFile{Descriptor: jail.Root(), Path: []string{"jail"}})

	const userBuf = uintptr(0x60000)
	if err := p.Map.AddMapping(userBuf, mem.PageSize, procmap.ProtRead|procmap.ProtWrite, procmap.Anonymous, nil, 0, true); err != nil {
		t.Fatalf("AddMapping: %v", err)
	}
	writePath := func(path string) {
		if err := CopyOut(p.Map, userBuf, append([]byte(path), 0)); err != nil {
			t.Fatalf("CopyOut(%q): %v", path, err)
		}
	}

	regs := &gate.Registers{EAX: uint32(Chroot), EBX: uint32(jailFd)}
	dispatch(t, d, p, th, regs)
	if regs.EBX != 0 {
		t.Fatalf("Chroot errno = %d", regs.EBX)
	}

	// Absolute paths now resolve inside the jail only.
	writePath("/etc")
	regs = &gate.Registers{EAX: uint32(Open), EBX: uint32(userBuf), ECX: uint32(vfs.FlagRead)}
	dispatch(t, d, p, th, regs)
	if regs.EBX != 0 {
		t.Fatalf("Open(/etc) after chroot errno = %d", regs.EBX)
	}

	writePath("/data")
	regs = &gate.Registers{EAX: uint32(Open), EBX: uint32(userBuf), ECX: uint32(vfs.FlagRead)}
	dispatch(t, d, p, th, regs)
	if errno.Errno(regs.EBX) != errno.NoSuchFileOrDir {
		t.Fatalf("Open(/data) after chroot errno = %d, want NoSuchFileOrDir", regs.EBX)
	}
}
