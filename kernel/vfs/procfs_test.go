package vfs

import (
	"novakernel/kernel/proc"
	"testing"
)

func newTestTable(t *testing.T, n int) (*proc.ProcessTable, []proc.ID) {
	t.Helper()
	table := proc.NewTable()
	ids := make([]proc.ID, 0, n)
	for i := 0; i < n; i++ {
		p := &proc.Process{}
		ids = append(ids, table.Insert(p))
	}
	return table, ids
}

func TestProcRootListsPidsInStableOrder(t *testing.T) {
	table, ids := newTestTable(t, 3)
	fs := NewProcFS(table, NewNamespace(), nil)
	root := fs.Root()

	readAll := func() []string {
		var names []string
		buf := make([]byte, 64)
		for {
			n, err := root.Read(buf)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if n == 0 {
				return names
			}
			_, name, ok := DecodeDirEntry(buf[:n])
			if !ok {
				t.Fatalf("DecodeDirEntry failed on %q", buf[:n])
			}
			names = append(names, name)
		}
	}

	first := readAll()
	if len(first) != len(ids) {
		t.Fatalf("listed %d pids, want %d", len(first), len(ids))
	}
	if _, err := root.Seek(0, SeekSet); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	second := readAll()
	if !stringSliceEqual(first, second) {
		t.Fatalf("pid enumeration changed across rewind: %v vs %v", first, second)
	}
	for i := 1; i < len(first); i++ {
		if first[i-1] >= first[i] {
			t.Fatalf("pids not in ascending order: %v", first)
		}
	}
}

func TestProcDirExposesPidFile(t *testing.T) {
	table, ids := newTestTable(t, 1)
	fs := NewProcFS(table, NewNamespace(), nil)
	root := fs.Root()

	dir, err := root.Open("1", uint32(FlagRead))
	if err != nil {
		t.Fatalf("Open(1): %v", err)
	}
	pidFile, err := dir.Open("pid", uint32(FlagRead))
	if err != nil {
		t.Fatalf("Open(pid): %v", err)
	}
	buf := make([]byte, 16)
	n, rerr := pidFile.Read(buf)
	if rerr != nil || string(buf[:n]) != "1" {
		t.Fatalf("Read(pid) = (%q, %v), want \"1\"", buf[:n], rerr)
	}
	_ = ids
}

func TestProcRootSelfResolvesThroughCallback(t *testing.T) {
	table, ids := newTestTable(t, 2)
	current := ids[1]
	fs := NewProcFS(table, NewNamespace(), func() proc.ID { return current })
	root := fs.Root()

	dir, err := root.Open("self", uint32(FlagRead))
	if err != nil {
		t.Fatalf("Open(self): %v", err)
	}
	pidFile, err := dir.Open("pid", uint32(FlagRead))
	if err != nil {
		t.Fatalf("Open(pid): %v", err)
	}
	buf := make([]byte, 16)
	n, _ := pidFile.Read(buf)
	if string(buf[:n]) != "2" {
		t.Fatalf("self resolved to pid %q, want 2", buf[:n])
	}
}

func TestProcRootUnknownAndDeadPid(t *testing.T) {
	table, ids := newTestTable(t, 1)
	fs := NewProcFS(table, NewNamespace(), nil)
	root := fs.Root()

	if _, err := root.Open("99", uint32(FlagRead)); err != ErrNoSuchFileOrDir {
		t.Fatalf("Open(99) = %v, want ErrNoSuchFileOrDir", err)
	}
	if _, err := root.Open("notanumber", uint32(FlagRead)); err != ErrInvalidArgument {
		t.Fatalf("Open(notanumber) = %v, want ErrInvalidArgument", err)
	}

	dir, err := root.Open("1", uint32(FlagRead))
	if err != nil {
		t.Fatalf("Open(1): %v", err)
	}
	if rerr := table.Remove(ids[0]); rerr != nil {
		t.Fatalf("Remove: %v", rerr)
	}
	// A held directory for a now-dead pid fails lookups rather than
	// serving stale state.
	if _, err := dir.Open("pid", uint32(FlagRead)); err != ErrNoSuchFileOrDir {
		t.Fatalf("Open(pid) after death = %v, want ErrNoSuchFileOrDir", err)
	}
}

func TestProcFilesDirListsOpenDescriptors(t *testing.T) {
	table, _ := newTestTable(t, 1)
	p, _ := table.Get(1)
	p.FileDescriptors = []*proc.OpenFile{
		{Descriptor: NewStaticFile(nil), Path: []string{"boot", "etc", "motd"}},
		nil,
		{Descriptor: NewStaticFile(nil), Path: []string{"console"}},
	}

	fs := NewProcFS(table, NewNamespace(), nil)
	root := fs.Root()
	dir, _ := root.Open("1", uint32(FlagRead))
	files, err := dir.Open("files", uint32(FlagRead))
	if err != nil {
		t.Fatalf("Open(files): %v", err)
	}

	var names []string
	buf := make([]byte, 64)
	for {
		n, rerr := files.Read(buf)
		if rerr != nil {
			t.Fatalf("Read: %v", rerr)
		}
		if n == 0 {
			break
		}
		_, name, _ := DecodeDirEntry(buf[:n])
		names = append(names, name)
	}
	if !stringSliceEqual(names, []string{"0", "2"}) {
		t.Fatalf("files = %v, want [0 2]", names)
	}

	link, err := files.Open("0", uint32(FlagRead))
	if err != nil {
		t.Fatalf("Open(0): %v", err)
	}
	target := make([]byte, 64)
	n, _ := link.Read(target)
	if string(target[:n]) != "/boot/etc/motd" {
		t.Fatalf("fd symlink target = %q", target[:n])
	}
}
