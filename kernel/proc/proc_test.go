package proc

import "testing"

func TestNewThreadBuildsRing3Frame(t *testing.T) {
	th := NewThread(0x08048000, 0xC0000, true, 1)
	regs := th.Current()
	if regs == nil {
		t.Fatal("expected a current frame")
	}
	if regs.EIP != 0x08048000 || regs.ESP != 0xC0000 || regs.EBP != 0xC0000 {
		t.Fatalf("unexpected frame: %+v", regs)
	}
	if regs.EFlags&(1<<9) == 0 {
		t.Fatal("expected interrupt-enable flag set")
	}
	if regs.CS&0x3 != 3 {
		t.Fatalf("expected ring-3 CS, got %x", regs.CS)
	}
}

func TestThreadPushPopFrame(t *testing.T) {
	th := NewThread(0x1000, 0x2000, true, 1)
	base := *th.Current()

	th.PushFrame(0x5000, base)
	if th.Current().EIP != 0x5000 {
		t.Fatalf("expected pushed frame's EIP, got %x", th.Current().EIP)
	}

	popped, ok := th.PopFrame()
	if !ok {
		t.Fatal("expected PopFrame to succeed")
	}
	if popped.EIP != 0x5000 {
		t.Fatalf("expected popped frame to be the one pushed, got %x", popped.EIP)
	}
	if th.Current().EIP != 0x1000 {
		t.Fatalf("expected to resume the original frame, got %x", th.Current().EIP)
	}

	if _, ok := th.PopFrame(); ok {
		t.Fatal("expected PopFrame to fail once only the base frame remains")
	}
}

func TestProcessTableInsertGetRemove(t *testing.T) {
	table := NewTable()
	p := &Process{}
	id := table.Insert(p)
	if id == 0 {
		t.Fatal("expected a non-zero process id")
	}

	got, err := table.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != p {
		t.Fatal("expected to get back the same process")
	}

	if err := table.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := table.Get(id); err != ErrNoSuchProcess {
		t.Fatalf("expected ErrNoSuchProcess after Remove, got %v", err)
	}
}

func TestProcessTableRecyclesIDs(t *testing.T) {
	table := NewTable()
	a := table.Insert(&Process{})
	table.Remove(a)
	b := table.Insert(&Process{})
	if b != a {
		t.Fatalf("expected id %d to be recycled, got %d", a, b)
	}
}

func TestProcessFileTable(t *testing.T) {
	p := &Process{}
	of := &OpenFile{Path: []string{"etc", "passwd"}}
	fd := p.AddFile(of)

	got, err := p.File(fd)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if got != of {
		t.Fatal("expected to get back the same OpenFile")
	}

	if err := p.CloseFile(fd); err != nil {
		t.Fatalf("CloseFile: %v", err)
	}
	if _, err := p.File(fd); err != ErrBadFile {
		t.Fatalf("expected ErrBadFile after CloseFile, got %v", err)
	}

	// The freed slot should be reused rather than growing the table.
	of2 := &OpenFile{}
	fd2 := p.AddFile(of2)
	if fd2 != fd {
		t.Fatalf("expected freed slot %d to be reused, got %d", fd, fd2)
	}
}
