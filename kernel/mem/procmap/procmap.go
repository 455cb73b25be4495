// Package procmap implements the per-process memory map (spec §4.3): the
// ordered list of virtual regions a process has mapped, their protection
// and backing, and the algorithms that keep them consistent across
// mapping, unmapping, page faults and fork. It is new code -- the teacher
// (gopher-os) has no multi-process model -- layered on top of the adapted
// kernel/mem/pdt PageDirectory and kernel/mem/pmm frame allocator.
package procmap

import (
	"novakernel/kernel"
	"novakernel/kernel/mem"
	"novakernel/kernel/mem/pdt"
	"novakernel/kernel/mem/pmm"
	"novakernel/kernel/mem/vmm"
	"novakernel/kernel/sync"
	"strconv"
)

// Protection is a bitmask of the access types a mapping permits.
type Protection uint8

const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExec
)

// Subset reports whether access is permitted by this protection mask.
func (p Protection) Subset(access Protection) bool { return access&^p == 0 }

func (p Protection) pteFlags() vmm.PTE {
	flags := vmm.FlagUser
	if p&ProtWrite != 0 {
		flags |= vmm.FlagRW
	}
	return flags
}

// Kind identifies what backs a Mapping's pages.
type Kind uint8

const (
	Anonymous Kind = iota
	File
)

// FileBackedHandle is the minimal view of an open file a File mapping needs:
// the ability to produce the physical frame backing one page-aligned offset
// in the file. The returned frame is shared -- multiple mappings of the
// same file at the same offset see the same physical page.
type FileBackedHandle interface {
	GetPage(offset uintptr) (mem.Frame, *kernel.Error)
}

// Mapping describes one contiguous, page-aligned virtual region (spec §3).
type Mapping struct {
	Base       uintptr
	Length     uintptr
	Protection Protection
	Kind       Kind

	// FileHandle and FileOffset are set only when Kind == File.
	FileHandle FileBackedHandle
	FileOffset uintptr
}

func (m *Mapping) end() uintptr { return m.Base + m.Length }

func (m *Mapping) contains(vaddr uintptr) bool {
	return vaddr >= m.Base && vaddr < m.end()
}

var (
	// KernelBase is the first virtual address of the shared kernel region
	// (spec §5); no Mapping may overlap it.
	KernelBase = uintptr(pdt.KernelPDEStart) << 22

	errInvalidArgument  = &kernel.Error{Module: "procmap", Message: "base address is not page-aligned"}
	errOverlapsKernel   = &kernel.Error{Module: "procmap", Message: "mapping would overlap the shared kernel region"}
	errNoSuchMapping    = &kernel.Error{Module: "procmap", Message: "no mapping at the given base address"}
	errOutOfMemory      = &kernel.Error{Module: "procmap", Message: "out of physical memory"}
	errBadAddress       = &kernel.Error{Module: "procmap", Message: "address range is not fully mapped"}
	ErrInvalidArgument  = errInvalidArgument
	ErrOverlapsKernel   = errOverlapsKernel
	ErrNoSuchMapping    = errNoSuchMapping
	ErrOutOfMemory      = errOutOfMemory
	ErrBadAddress       = errBadAddress
)

// ProcessMap is one process's address space: a page directory plus the
// sorted list of regions currently mapped into it.
type ProcessMap struct {
	lock     sync.Spinlock
	PDT      *pdt.PageDirectory
	mappings []Mapping
}

// New builds an empty map over an already-initialized page directory.
func New(directory *pdt.PageDirectory) *ProcessMap {
	return &ProcessMap{PDT: directory}
}

// InvalidateMapping implements pmm.OwningMap. The frame allocator calls it
// when a frame this map references is freed or changes share count out
// from under a path other than this map's own Remove/PageFault/Fork calls;
// those paths already update the page directory themselves; this is a hook
// for an administrative eviction that cannot happen with the fault/free
// paths implemented here, kept only to satisfy the interface.
func (pm *ProcessMap) InvalidateMapping(virtAddr uintptr) {}

func pageAlign(v uintptr) uintptr { return v &^ (mem.PageSize - 1) }
func pageRoundUp(v uintptr) uintptr {
	return (v + mem.PageSize - 1) &^ (mem.PageSize - 1)
}

// AddMapping inserts a new mapping (spec §4.3), first resolving overlaps:
// an existing mapping whose start it covers is trimmed or dropped, and one
// that begins below base is truncated at base, its frames from base to its
// old end released (no remnant past the new mapping is kept). The new
// mapping is then coalesced with adjacent Anonymous neighbours of equal
// protection. If mapExact is false, base is floored
// to a page boundary; otherwise an unaligned base is InvalidArgument.
// length is always rounded up to a whole number of pages; a resulting
// zero-length mapping is simply not inserted.
func (pm *ProcessMap) AddMapping(base, length uintptr, prot Protection, kind Kind, fh FileBackedHandle, fileOffset uintptr, mapExact bool) *kernel.Error {
	if mapExact {
		if base != pageAlign(base) {
			return errInvalidArgument
		}
	} else {
		base = pageAlign(base)
	}
	length = pageRoundUp(length)

	if base < KernelBase && base+length > KernelBase {
		return errOverlapsKernel
	}
	if base >= KernelBase {
		return errOverlapsKernel
	}
	if length == 0 {
		return nil
	}

	pm.lock.Acquire()
	defer pm.lock.Release()

	pm.resolveOverlaps(base, length)

	m := Mapping{Base: base, Length: length, Protection: prot, Kind: kind, FileHandle: fh, FileOffset: fileOffset}
	pm.insertCoalesced(m)
	return nil
}

// resolveOverlaps truncates or removes existing mappings that overlap
// [base, base+length), freeing the frames in the overlapped ranges.
func (pm *ProcessMap) resolveOverlaps(base, length uintptr) {
	end := base + length
	kept := pm.mappings[:0]
	for i := range pm.mappings {
		m := pm.mappings[i]
		if m.end() <= base || m.Base >= end {
			kept = append(kept, m)
			continue
		}

		switch {
		case base <= m.Base:
			// New mapping swallows the start of m (or all of it).
			overlapEnd := m.end()
			if end < overlapEnd {
				overlapEnd = end
			}
			pm.freeRange(&m, m.Base, overlapEnd)
			newBase := overlapEnd
			if newBase >= m.end() {
				continue // m fully consumed
			}
			m.Length = m.end() - newBase
			m.Base = newBase
			kept = append(kept, m)

		default: // m.Base < base < m.end(): new mapping starts inside m, truncating its tail.
			pm.freeRange(&m, base, m.end())
			m.Length = base - m.Base
			kept = append(kept, m)
		}
	}
	pm.mappings = kept
}

// insertCoalesced inserts m in Base order, merging it with an adjacent
// Anonymous neighbor of identical protection.
func (pm *ProcessMap) insertCoalesced(m Mapping) {
	idx := 0
	for idx < len(pm.mappings) && pm.mappings[idx].Base < m.Base {
		idx++
	}

	if idx > 0 {
		prev := &pm.mappings[idx-1]
		if prev.Kind == Anonymous && m.Kind == Anonymous && prev.Protection == m.Protection && prev.end() == m.Base {
			prev.Length += m.Length
			pm.maybeCoalesceNext(idx - 1)
			return
		}
	}
	if idx < len(pm.mappings) {
		next := &pm.mappings[idx]
		if next.Kind == Anonymous && m.Kind == Anonymous && next.Protection == m.Protection && m.end() == next.Base {
			next.Base = m.Base
			next.Length += m.Length
			pm.maybeCoalesceNext(idx - 1)
			return
		}
	}

	pm.mappings = append(pm.mappings, Mapping{})
	copy(pm.mappings[idx+1:], pm.mappings[idx:])
	pm.mappings[idx] = m
}

// maybeCoalesceNext merges mappings[at] with mappings[at+1] if they turned
// out to be adjacent Anonymous regions with equal protection.
func (pm *ProcessMap) maybeCoalesceNext(at int) {
	if at < 0 || at+1 >= len(pm.mappings) {
		return
	}
	a, b := &pm.mappings[at], &pm.mappings[at+1]
	if a.Kind == Anonymous && b.Kind == Anonymous && a.Protection == b.Protection && a.end() == b.Base {
		a.Length += b.Length
		pm.mappings = append(pm.mappings[:at+1], pm.mappings[at+2:]...)
	}
}

// freeRange drops every present frame in [from, to) of mapping m, releasing
// this map's reference on each.
func (pm *ProcessMap) freeRange(m *Mapping, from, to uintptr) {
	for vaddr := from; vaddr < to; vaddr += mem.PageSize {
		frame, _, ok := pm.PDT.Get(vaddr)
		if !ok {
			continue
		}
		_ = pm.PDT.Clear(vaddr)
		if pm.PDT.IsActive() {
			pm.PDT.FlushPage(vaddr)
		}
		_ = pmm.Default.FreeFrame(frame, pmm.FrameReference{Owner: pm, VirtualAddr: vaddr})
	}
}

// findMapping returns a pointer to the mapping containing vaddr, or nil.
func (pm *ProcessMap) findMapping(vaddr uintptr) *Mapping {
	for i := range pm.mappings {
		if pm.mappings[i].contains(vaddr) {
			return &pm.mappings[i]
		}
	}
	return nil
}

// RemoveMapping drops the mapping at exactly base, freeing every present
// page in its range and flushing the TLB for this CPU if the map is
// currently active.
func (pm *ProcessMap) RemoveMapping(base uintptr) *kernel.Error {
	pm.lock.Acquire()
	defer pm.lock.Release()

	for i := range pm.mappings {
		if pm.mappings[i].Base != base {
			continue
		}
		m := pm.mappings[i]
		pm.freeRange(&m, m.Base, m.end())
		pm.mappings = append(pm.mappings[:i], pm.mappings[i+1:]...)
		return nil
	}
	return errNoSuchMapping
}

// PageFault services a fault at vaddr for the given access type, returning
// true if the fault was resolved and execution may resume, false if it is
// fatal for the faulting thread (spec §4.3).
func (pm *ProcessMap) PageFault(vaddr uintptr, access Protection) bool {
	pm.lock.Acquire()
	defer pm.lock.Release()

	m := pm.findMapping(vaddr)
	if m == nil {
		return false
	}
	if !m.Protection.Subset(access) {
		return false
	}

	vaddr = pageAlign(vaddr)
	frame, flags, present := pm.PDT.Get(vaddr)
	if present {
		if flags.HasFlags(vmm.FlagCopyOnWrite) && !flags.HasFlags(vmm.FlagRW) && access&ProtWrite != 0 {
			return pm.resolveCopyOnWrite(m, vaddr, frame)
		}
		return false
	}

	switch m.Kind {
	case Anonymous:
		newFrame, err := pmm.Default.AllocFrame(&pmm.FrameReference{Owner: pm, VirtualAddr: vaddr})
		if err != nil {
			return false
		}
		if zerr := vmm.MapMemory([]mem.Frame{newFrame}, func(b []byte) {
			for i := range b {
				b[i] = 0
			}
		}); zerr != nil {
			return false
		}
		return pm.PDT.Set(vaddr, newFrame, m.Protection.pteFlags()) == nil

	case File:
		fileFrame, ferr := m.FileHandle.GetPage(m.FileOffset + (vaddr - m.Base))
		if ferr != nil {
			return false
		}
		_ = pmm.Default.AddReference(fileFrame, pmm.FrameReference{Owner: pm, VirtualAddr: vaddr})
		return pm.PDT.Set(vaddr, fileFrame, m.Protection.pteFlags()) == nil
	}
	return false
}

// resolveCopyOnWrite duplicates a shared anonymous frame for a private
// write, installing the copy writable and dropping this map's reference on
// the original (which may or may not free it, depending on other owners).
func (pm *ProcessMap) resolveCopyOnWrite(m *Mapping, vaddr uintptr, oldFrame mem.Frame) bool {
	newFrame, err := pmm.Default.AllocFrame(&pmm.FrameReference{Owner: pm, VirtualAddr: vaddr})
	if err != nil {
		return false
	}

	if cerr := vmm.MapMemory([]mem.Frame{oldFrame, newFrame}, func(b []byte) {
		copy(b[mem.PageSize:], b[:mem.PageSize])
	}); cerr != nil {
		_ = pmm.Default.FreeFrame(newFrame, pmm.FrameReference{Owner: pm, VirtualAddr: vaddr})
		return false
	}

	if err := pm.PDT.Set(vaddr, newFrame, m.Protection.pteFlags()); err != nil {
		return false
	}
	if pm.PDT.IsActive() {
		pm.PDT.FlushPage(vaddr)
	}
	_ = pmm.Default.FreeFrame(oldFrame, pmm.FrameReference{Owner: pm, VirtualAddr: vaddr})
	return true
}

// Fork creates a new, empty map sharing the kernel region and populates it
// from pm's mappings: present frames gain the child as an additional
// owner, and writable anonymous frames are marked copy-on-write in both
// directions. File-backed mappings are inherited as-is, since their frames
// are already shared read-only by construction.
func (pm *ProcessMap) Fork() (*ProcessMap, *kernel.Error) {
	pm.lock.Acquire()
	defer pm.lock.Release()

	childFrame, aerr := pmm.Default.AllocFrame(nil)
	if aerr != nil {
		return nil, errOutOfMemory
	}
	childPDT := pdt.New(childFrame)
	if err := childPDT.Init(); err != nil {
		pmm.Default.SetFree(childFrame)
		return nil, err
	}
	child := New(childPDT)

	for _, m := range pm.mappings {
		child.mappings = append(child.mappings, m)

		for vaddr := m.Base; vaddr < m.end(); vaddr += mem.PageSize {
			frame, flags, ok := pm.PDT.Get(vaddr)
			if !ok {
				continue
			}

			_ = pmm.Default.AddReference(frame, pmm.FrameReference{Owner: child, VirtualAddr: vaddr})

			installFlags := flags
			if m.Kind == Anonymous && flags.HasFlags(vmm.FlagRW) {
				installFlags = (flags &^ vmm.FlagRW) | vmm.FlagCopyOnWrite
				_ = pm.PDT.Set(vaddr, frame, installFlags)
				if pm.PDT.IsActive() {
					pm.PDT.FlushPage(vaddr)
				}
			}
			_ = child.PDT.Set(vaddr, frame, installFlags)
		}
	}
	return child, nil
}

// MapInArea forces every page in [base, base+length) to be present and
// access-compatible, returning their physical frames in order. Used by
// syscall handlers before dereferencing user pointers.
func (pm *ProcessMap) MapInArea(base, length uintptr, access Protection) ([]mem.Frame, *kernel.Error) {
	start := pageAlign(base)
	end := pageRoundUp(base + length)

	frames := make([]mem.Frame, 0, (end-start)/mem.PageSize)
	for vaddr := start; vaddr < end; vaddr += mem.PageSize {
		frame, flags, ok := pm.PDT.Get(vaddr)
		if ok && access&ProtWrite != 0 && !flags.HasFlags(vmm.FlagRW) {
			// Present but not writable: either a copy-on-write page that
			// must be privately duplicated before the caller scribbles on
			// the shared frame, or a genuine protection violation. Either
			// way the fault path is the arbiter.
			ok = false
		}
		if !ok {
			if !pm.PageFault(vaddr, access) {
				return nil, errBadAddress
			}
			frame, _, ok = pm.PDT.Get(vaddr)
			if !ok {
				return nil, errBadAddress
			}
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// MappingBaseNames returns every mapping's base address formatted as a
// lowercase hex string with no leading "0x", the name procfs's memory/
// directory lists each mapping under.
func (pm *ProcessMap) MappingBaseNames() []string {
	pm.lock.Acquire()
	defer pm.lock.Release()
	names := make([]string, len(pm.mappings))
	for i, m := range pm.mappings {
		names[i] = strconv.FormatUint(uint64(m.Base), 16)
	}
	return names
}

// HasMappingNamed reports whether name (as produced by MappingBaseNames)
// currently names a mapping.
func (pm *ProcessMap) HasMappingNamed(name string) bool {
	base, err := strconv.ParseUint(name, 16, 64)
	if err != nil {
		return false
	}
	pm.lock.Acquire()
	defer pm.lock.Release()
	for _, m := range pm.mappings {
		if m.Base == uintptr(base) {
			return true
		}
	}
	return false
}

// RemoveMappingNamed removes the mapping whose base address formats as
// name, the operation behind unlinking an entry under procfs's memory/
// directory.
func (pm *ProcessMap) RemoveMappingNamed(name string) *kernel.Error {
	base, err := strconv.ParseUint(name, 16, 64)
	if err != nil {
		return errInvalidArgument
	}
	return pm.RemoveMapping(uintptr(base))
}

// Destroy frees every mapped frame and the page directory itself. Called
// when the last handle to this ProcessMap drops.
func (pm *ProcessMap) Destroy() {
	pm.lock.Acquire()
	for i := range pm.mappings {
		m := pm.mappings[i]
		pm.freeRange(&m, m.Base, m.end())
	}
	pm.mappings = nil
	pm.lock.Release()
	pm.PDT.Destroy()
}
