// Package vmm implements the i586 two-level page table format: the bit
// layout of a page directory/table entry and the scratch-window mechanism
// used to read and write physical frames that are not otherwise mapped into
// the current address space. kernel/mem/pdt builds the per-process
// PageDirectory abstraction on top of these primitives.
package vmm

import "novakernel/kernel/mem"

// PTE is a single page directory or page table entry. The i586 non-PAE
// format uses the same 4-byte layout for both levels.
type PTE uint32

// Entry flags, in their hardware-defined bit positions. Bits 9-11 are
// ignored by the CPU and available for software use; CopyOnWrite claims
// bit 9.
const (
	FlagPresent      PTE = 1 << 0
	FlagRW           PTE = 1 << 1
	FlagUser         PTE = 1 << 2
	FlagWriteThrough PTE = 1 << 3
	FlagCacheDisable PTE = 1 << 4
	FlagAccessed     PTE = 1 << 5
	FlagDirty        PTE = 1 << 6
	FlagGlobal       PTE = 1 << 8
	FlagCopyOnWrite  PTE = 1 << 9

	frameMask = PTE(0xfffff000)
)

// HasFlags reports whether every bit in flags is set.
func (e PTE) HasFlags(flags PTE) bool { return e&flags == flags }

// HasAnyFlag reports whether at least one bit in flags is set.
func (e PTE) HasAnyFlag(flags PTE) bool { return e&flags != 0 }

// SetFlags ORs flags into the entry.
func (e *PTE) SetFlags(flags PTE) { *e |= flags }

// ClearFlags clears flags from the entry.
func (e *PTE) ClearFlags(flags PTE) { *e &^= flags }

// Frame returns the physical frame this entry points to.
func (e PTE) Frame() mem.Frame { return mem.Frame((e & frameMask) >> mem.PageShift) }

// SetFrame updates the frame this entry points to, leaving flags intact.
// A non-PAE entry only has 20 address bits; frames beyond 4 GiB are
// reachable through the allocator but not mappable here.
func (e *PTE) SetFrame(f mem.Frame) {
	*e = (*e &^ frameMask) | (PTE(f.Address()) & frameMask)
}

// Present is shorthand for HasFlags(FlagPresent).
func (e PTE) Present() bool { return e.HasFlags(FlagPresent) }

// pdIndex and ptIndex split a virtual address into its page-directory and
// page-table indices (10 bits each) plus the in-page offset (unused here).
func pdIndex(vaddr uintptr) uint32 { return uint32((vaddr >> 22) & 0x3ff) }
func ptIndex(vaddr uintptr) uint32 { return uint32((vaddr >> 12) & 0x3ff) }
