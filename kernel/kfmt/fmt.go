// Package kfmt implements the kernel's diagnostic output path. Output is
// buffered in a ring buffer until a sink is attached via SetOutputSink.
package kfmt

import (
	"fmt"
	"io"

	"github.com/rossbamford-xdesign/anos/kernel/sync"
)

var (
	// earlyPrintBuffer stores Printf output produced before an output
	// sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is the io.Writer where Printf sends its output. If set
	// to nil, the output is redirected to earlyPrintBuffer.
	outputSink io.Writer

	sinkLock sync.Spinlock
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the early print buffer to it.
func SetOutputSink(w io.Writer) {
	sinkLock.Acquire()
	defer sinkLock.Release()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the currently attached output sink or the early
// print buffer if no sink is attached.
func GetOutputSink() io.Writer {
	sinkLock.Acquire()
	defer sinkLock.Release()

	if outputSink == nil {
		return &earlyPrintBuffer
	}
	return outputSink
}

// Printf formats according to a format specifier and writes to the active
// output sink. It supports the same verbs as fmt.Printf.
func Printf(format string, args ...interface{}) {
	Fprintf(GetOutputSink(), format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(w, format, args...)
}
