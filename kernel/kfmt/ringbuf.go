package kfmt

import "io"

// ringBufferSize defines the capacity of the early output ring buffer. It is
// large enough for a standard 80*25 text-mode screen and must be a power
// of 2.
const ringBufferSize = 2048

// ringBuffer keeps the most recent ringBufferSize bytes written to it. Once
// full, each write overwrites the oldest data.
type ringBuffer struct {
	buffer [ringBufferSize]byte
	head   int
	count  int
}

// Write appends p to the buffer, discarding the oldest bytes if needed.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		tail := (rb.head + rb.count) & (ringBufferSize - 1)
		rb.buffer[tail] = b
		if rb.count == ringBufferSize {
			rb.head = (rb.head + 1) & (ringBufferSize - 1)
			continue
		}
		rb.count++
	}

	return len(p), nil
}

// Read drains up to len(p) bytes into p. It returns io.EOF once the buffer is
// empty.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.count == 0 {
		return 0, io.EOF
	}

	n := 0
	for n < len(p) && rb.count > 0 {
		// copy the contiguous run that starts at head
		run := ringBufferSize - rb.head
		if run > rb.count {
			run = rb.count
		}
		copied := copy(p[n:], rb.buffer[rb.head:rb.head+run])
		n += copied
		rb.head = (rb.head + copied) & (ringBufferSize - 1)
		rb.count -= copied
	}

	return n, nil
}

// Len returns the number of unread bytes.
func (rb *ringBuffer) Len() int { return rb.count }
