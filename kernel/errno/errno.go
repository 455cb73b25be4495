// Package errno defines the flat error-number enumeration that crosses the
// syscall ABI boundary (spec §6/§7). Unlike kernel.Error, an Errno is a
// plain value type so it can be stuffed directly into the EBX return
// register without an allocation or a pointer chase.
package errno

// Errno is a POSIX-flavored error code returned to userspace through the
// (EAX, EBX) register convention described in spec §6.
type Errno uint32

// Error implements the error interface so that an Errno can be returned
// anywhere a standard Go error is expected.
func (e Errno) Error() string {
	if int(e) < len(names) && names[e] != "" {
		return names[e]
	}
	return "unknown error"
}

// The stable set of errno values used throughout the kernel (spec §6).
// None is the zero value and signals success; it is never returned from an
// operation that failed.
const (
	None Errno = iota
	NoSuchFileOrDir
	BadFile
	BadAddress
	InvalidArgument
	ReadOnlyFilesystem
	OutOfMemory
	TryAgain
	ValueOverflow
	PermissionDenied
	Exists
	NotDirectory
	IsDirectory
	FuncNotSupported
	NoSuchProcess
	TooManySymLinks
)

var names = [...]string{
	None:                "success",
	NoSuchFileOrDir:     "no such file or directory",
	BadFile:             "bad file descriptor",
	BadAddress:          "bad address",
	InvalidArgument:     "invalid argument",
	ReadOnlyFilesystem:  "read-only filesystem",
	OutOfMemory:         "out of memory",
	TryAgain:            "resource temporarily unavailable",
	ValueOverflow:       "value too large",
	PermissionDenied:    "permission denied",
	Exists:              "file exists",
	NotDirectory:        "not a directory",
	IsDirectory:         "is a directory",
	FuncNotSupported:    "function not supported",
	NoSuchProcess:       "no such process",
	TooManySymLinks:     "too many levels of symbolic links",
}
