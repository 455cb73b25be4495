package vfs

import "testing"

func TestSimplifyPath(t *testing.T) {
	cases := []struct {
		in       string
		absolute bool
		comps    []string
	}{
		{"/a/b/c", true, []string{"a", "b", "c"}},
		{"a/b/../c", false, []string{"a", "c"}},
		{"../../a", true, []string{"a"}},
		{"./a/./b", false, []string{"a", "b"}},
		{"/", true, nil},
		{"", false, nil},
	}
	for _, c := range cases {
		abs, comps := simplifyPath(c.in)
		if abs != c.absolute {
			t.Errorf("simplifyPath(%q) absolute = %v, want %v", c.in, abs, c.absolute)
		}
		if !stringSliceEqual(comps, c.comps) {
			t.Errorf("simplifyPath(%q) comps = %v, want %v", c.in, comps, c.comps)
		}
	}
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDirEntryRoundTrip(t *testing.T) {
	buf := EncodeDirEntry("hello")
	serial, name, ok := DecodeDirEntry(buf)
	if !ok || serial != 0 || name != "hello" {
		t.Fatalf("DecodeDirEntry(EncodeDirEntry(%q)) = (%d, %q, %v)", "hello", serial, name, ok)
	}
}

func TestNamespaceRegisterOpenRoundTrip(t *testing.T) {
	ns := NewNamespace()
	leaf := NewStaticFile([]byte("payload"))
	if err := ns.Register("tarfs", leaf); err != nil {
		t.Fatalf("Register: %v", err)
	}
	root := ns.Root()

	fd, err := root.Open("tarfs", uint32(FlagRead))
	if err != nil {
		t.Fatalf("Open(tarfs): %v", err)
	}
	buf := make([]byte, 16)
	n, rerr := fd.Read(buf)
	if rerr != nil || string(buf[:n]) != "payload" {
		t.Fatalf("Read = (%q, %v), want payload", buf[:n], rerr)
	}

	if _, err := root.Open("missing", uint32(FlagRead)); err != ErrNoSuchFileOrDir {
		t.Fatalf("Open(missing) = %v, want ErrNoSuchFileOrDir", err)
	}

	if err := ns.Register("tarfs", leaf); err == nil {
		t.Fatal("Register(tarfs) twice should fail")
	}
}

func TestNamespaceDirectoryReadEnumeratesAllEntries(t *testing.T) {
	ns := NewNamespace()
	_ = ns.Register("a", NewStaticFile(nil))
	_ = ns.Register("b", NewStaticFile(nil))
	root := ns.Root()

	var names []string
	buf := make([]byte, 64)
	for {
		n, err := root.Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if n == 0 {
			break
		}
		_, name, ok := DecodeDirEntry(buf[:n])
		if !ok {
			t.Fatalf("DecodeDirEntry failed on %q", buf[:n])
		}
		names = append(names, name)
	}
	if !stringSliceEqual(names, []string{"a", "b"}) {
		t.Fatalf("names = %v, want [a b]", names)
	}

	if _, err := root.Seek(0, SeekSet); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	n, err := root.Read(buf)
	if err != nil || n == 0 {
		t.Fatalf("Read after rewind = (%d, %v), want a fresh entry", n, err)
	}
}

func TestResolveContainerSymlinkLoopIsTooManySymLinks(t *testing.T) {
	ns := NewNamespace()
	_ = ns.Register("a", NewSymLink(func() string { return "/b" }))
	_ = ns.Register("b", NewSymLink(func() string { return "/a" }))
	root := ns.Root()

	_, err := ResolveContainer(root, nil, nil, "/a", false, false)
	if err != ErrTooManySymLinks {
		t.Fatalf("ResolveContainer(/a) = %v, want ErrTooManySymLinks", err)
	}
}

func TestResolveContainerNoFollowReturnsSymlinkItself(t *testing.T) {
	ns := NewNamespace()
	_ = ns.Register("link", NewSymLink(func() string { return "/target" }))
	_ = ns.Register("target", NewStaticFile([]byte("x")))
	root := ns.Root()

	res, err := ResolveContainer(root, nil, nil, "/link", false, true)
	if err != nil {
		t.Fatalf("ResolveContainer: %v", err)
	}
	if res.Name != "link" {
		t.Fatalf("Name = %q, want link", res.Name)
	}
	fd, oerr := res.Container.Open(res.Name, uint32(FlagRead))
	if oerr != nil {
		t.Fatalf("Open: %v", oerr)
	}
	st, serr := fd.Stat()
	if serr != nil || st.Kind != KindSymLink {
		t.Fatalf("Stat = (%+v, %v), want a symlink", st, serr)
	}
}

func TestResolveContainerFollowsChainedSymlinkForFinalComponent(t *testing.T) {
	ns := NewNamespace()
	_ = ns.Register("link", NewSymLink(func() string { return "/target" }))
	_ = ns.Register("target", NewStaticFile([]byte("x")))
	root := ns.Root()

	res, err := ResolveContainer(root, nil, nil, "/link", false, false)
	if err != nil {
		t.Fatalf("ResolveContainer: %v", err)
	}
	if res.Name != "target" {
		t.Fatalf("Name = %q, want target", res.Name)
	}
}
