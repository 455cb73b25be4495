// Package syscall implements the ABI dispatch table described in spec §6:
// decoding the EAX/EBX/ECX/EDX/EDI register convention, routing to the VFS,
// process/memory-map and scheduler packages, and translating their
// *kernel.Error results to the flat errno.Errno the (EAX, EBX) return
// convention carries back to userspace. None of this exists in the teacher
// (gopher-os never grew a userspace); it is new code grounded on spec §6/§7
// and original_source/kernel/src/task/syscalls.rs and
// original_source/src/syscalls.rs's number-to-handler dispatch shape,
// written using the rest of this kernel's conventions: package-level
// *kernel.Error values translated at exactly one boundary, here.
package syscall

import (
	"novakernel/kernel"
	"novakernel/kernel/errno"
	"novakernel/kernel/mem/procmap"
	"novakernel/kernel/proc"
	"novakernel/kernel/vfs"
)

// errnoOf maps one of this kernel's package-level *kernel.Error values to
// its wire Errno. Kernel errors carry no Errno of their own (kernel.Error
// is deliberately a plain Module/Message pair, spec §7's "Kinds of error
// (enumeration only)" is a syscall-boundary concept, not a kernel-internal
// one) so the mapping is by pointer identity against every such value this
// package's callees can return. Anything unrecognized maps to
// InvalidArgument rather than panicking: a missing case here is a bug to
// fix, not a reason to crash the machine over a user-triggerable path.
func errnoOf(err *kernel.Error) errno.Errno {
	if err == nil {
		return errno.None
	}
	switch err {
	case vfs.ErrNoSuchFileOrDir:
		return errno.NoSuchFileOrDir
	case vfs.ErrNotDirectory:
		return errno.NotDirectory
	case vfs.ErrIsDirectory:
		return errno.IsDirectory
	case vfs.ErrTooManySymLinks:
		return errno.TooManySymLinks
	case vfs.ErrInvalidArgument:
		return errno.InvalidArgument
	case vfs.ErrReadOnlyFilesystem:
		return errno.ReadOnlyFilesystem
	case vfs.ErrFuncNotSupported:
		return errno.FuncNotSupported
	case vfs.ErrExists:
		return errno.Exists
	case vfs.ErrValueOverflow:
		return errno.ValueOverflow
	case vfs.ErrTryAgain:
		return errno.TryAgain

	case proc.ErrNoSuchProcess:
		return errno.NoSuchProcess
	case proc.ErrTooManyProcs:
		return errno.OutOfMemory
	case proc.ErrTooManyFiles:
		return errno.OutOfMemory
	case proc.ErrBadFile:
		return errno.BadFile

	case procmap.ErrInvalidArgument:
		return errno.InvalidArgument
	case procmap.ErrOverlapsKernel:
		return errno.InvalidArgument
	case procmap.ErrNoSuchMapping:
		return errno.InvalidArgument
	case procmap.ErrOutOfMemory:
		return errno.OutOfMemory
	case procmap.ErrBadAddress:
		return errno.BadAddress

	default:
		return errno.InvalidArgument
	}
}
