// Package kfmt provides a minimal, allocation-free Printf implementation
// that subsystems can rely on both before and after the Go allocator comes
// online. Output defaults to an internal ring buffer and can be redirected
// to any io.Writer (the console file descriptor, a serial port, a
// PrefixWriter) once one becomes available via SetOutputSink.
package kfmt

import (
	"io"
	"unsafe"
)

// intScratchSize bounds the local buffer fmtInt fills while converting one
// integer argument; two bytes of slack cover a sign plus the widest
// plausible padding request.
const intScratchSize = 40

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// singleByte is reused to pass single characters to doWrite without
	// allocating a new one-byte slice on every call.
	singleByte = []byte(" ")

	// earlyPrintBuffer retains Printf output from before an output sink
	// has been installed.
	earlyPrintBuffer ringBuffer

	// outputSink receives Printf's output once set; nil routes output to
	// earlyPrintBuffer instead.
	outputSink io.Writer
)

// SetOutputSink installs w as the destination for subsequent Printf calls
// and flushes anything accumulated in earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the currently installed output sink, or nil if
// output is still being buffered.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf supports a deliberately small subset of verbs so that it never
// needs to allocate:
//
// Strings:
//	%s the uninterpreted bytes of the string or byte slice
//
// Integers:
//	%o base 8
//	%d base 10
//	%x base 16, lower-case
//
// Booleans:
//	%t "true" or "false"
//
// An optional decimal width may precede the verb; strings and base-10
// integers are space-padded, base-8/16 integers are zero-padded. Pointers
// (%p) are unsupported since formatting them requires the reflect package,
// which triggers allocations this package exists to avoid.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves like Printf but writes to w instead of the installed
// output sink. A nil w routes output to earlyPrintBuffer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	argIdx := 0
	litStart := 0
	i := 0
	n := len(format)

	for i < n {
		if format[i] != '%' {
			i++
			continue
		}
		emitLiteral(w, format[litStart:i])
		i, argIdx = emitDirective(w, format, i+1, args, argIdx)
		litStart = i
	}
	emitLiteral(w, format[litStart:i])

	for ; argIdx < len(args); argIdx++ {
		doWrite(w, errExtraArg)
	}
}

// emitLiteral writes s one byte at a time; a slice expression passed
// straight to doWrite would escape to the heap before the allocator is up.
func emitLiteral(w io.Writer, s string) {
	for i := 0; i < len(s); i++ {
		singleByte[0] = s[i]
		doWrite(w, singleByte)
	}
}

// emitDirective consumes and expands the directive starting at
// format[idx:], just past the '%' that introduced it. It returns the index
// just past the directive and the next unconsumed argument index.
func emitDirective(w io.Writer, format string, idx int, args []interface{}, argIdx int) (int, int) {
	width := 0
	for ; idx < len(format); idx++ {
		ch := format[idx]
		switch {
		case ch == '%':
			singleByte[0] = '%'
			doWrite(w, singleByte)
			return idx + 1, argIdx

		case ch >= '0' && ch <= '9':
			width = width*10 + int(ch-'0')
			continue

		case ch == 'd' || ch == 'x' || ch == 'o' || ch == 's' || ch == 't':
			if argIdx >= len(args) {
				doWrite(w, errMissingArg)
				return idx + 1, argIdx
			}
			switch ch {
			case 'o':
				fmtInt(w, args[argIdx], 8, width)
			case 'd':
				fmtInt(w, args[argIdx], 10, width)
			case 'x':
				fmtInt(w, args[argIdx], 16, width)
			case 's':
				fmtString(w, args[argIdx], width)
			case 't':
				fmtBool(w, args[argIdx])
			}
			return idx + 1, argIdx + 1
		}
		doWrite(w, errNoVerb)
	}
	return idx, argIdx
}

func fmtBool(w io.Writer, v interface{}) {
	bVal, ok := v.(bool)
	if !ok {
		doWrite(w, errWrongArgType)
		return
	}
	if bVal {
		doWrite(w, trueValue)
	} else {
		doWrite(w, falseValue)
	}
}

func fmtString(w io.Writer, v interface{}, width int) {
	switch castedVal := v.(type) {
	case string:
		fmtRepeat(w, ' ', width-len(castedVal))
		for i := 0; i < len(castedVal); i++ {
			singleByte[0] = castedVal[i]
			doWrite(w, singleByte)
		}
	case []byte:
		fmtRepeat(w, ' ', width-len(castedVal))
		doWrite(w, castedVal)
	default:
		doWrite(w, errWrongArgType)
	}
}

func fmtRepeat(w io.Writer, ch byte, count int) {
	singleByte[0] = ch
	for i := 0; i < count; i++ {
		doWrite(w, singleByte)
	}
}

// magnitudeOf extracts v's absolute value as a uint64 plus its sign, for
// every built-in signed and unsigned integer type. ok is false for any
// other argument type.
func magnitudeOf(v interface{}) (mag uint64, neg, ok bool) {
	switch t := v.(type) {
	case uint8:
		return uint64(t), false, true
	case uint16:
		return uint64(t), false, true
	case uint32:
		return uint64(t), false, true
	case uint64:
		return t, false, true
	case uintptr:
		return uint64(t), false, true
	case int8:
		return signedMagnitude(int64(t))
	case int16:
		return signedMagnitude(int64(t))
	case int32:
		return signedMagnitude(int64(t))
	case int64:
		return signedMagnitude(t)
	case int:
		return signedMagnitude(int64(t))
	default:
		return 0, false, false
	}
}

func signedMagnitude(s int64) (uint64, bool, bool) {
	if s < 0 {
		return uint64(-s), true, true
	}
	return uint64(s), false, true
}

// fmtInt formats v (any built-in signed or unsigned integer type) in the
// given base, padded to width. Digits are filled into scratch from the
// tail end backward, one base-N remainder at a time, so the result needs
// no later reversal: by the time the loop stops, scratch[pos:] already
// reads left-to-right in the right order.
func fmtInt(w io.Writer, v interface{}, base, width int) {
	mag, neg, ok := magnitudeOf(v)
	if !ok {
		doWrite(w, errWrongArgType)
		return
	}

	if width > intScratchSize-2 {
		width = intScratchSize - 2
	}

	var scratch [intScratchSize]byte
	pos := intScratchSize
	b := uint64(base)

	for {
		pos--
		digit := byte(mag % b)
		if digit < 10 {
			scratch[pos] = digit + '0'
		} else {
			scratch[pos] = digit - 10 + 'a'
		}
		mag /= b
		if mag == 0 {
			break
		}
	}

	digits := intScratchSize - pos
	padCh := byte(' ')
	if base != 10 {
		padCh = '0'
	}

	if neg {
		pos--
		scratch[pos] = '-'
		digits++
	}
	for ; digits < width; digits++ {
		pos--
		scratch[pos] = padCh
	}

	doWrite(w, scratch[pos:intScratchSize])
}

// doWrite hides p from escape analysis. Without this, the compiler cannot
// prove p doesn't escape through the not-yet-concrete outputSink interface
// and boxes every call, which would allocate before the heap exists.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyPrintBuffer.Write(p)
	}
}

//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
