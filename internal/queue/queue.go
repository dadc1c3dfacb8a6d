// Package queue implements the growable circular byte buffer that backs
// every non-blocking write in the program. A queue is owned by exactly one
// flow of control and must not be shared across goroutines.
package queue

import (
	"io"

	"golang.org/x/sys/unix"
)

const minCapacity = 1024

// readChunk bounds a single FillFrom read so one noisy descriptor cannot
// starve the rest of the poll loop.
const readChunk = 1024

// Queue is a FIFO byte buffer. The zero value is an empty queue. Capacity
// grows by doubling from 1024 and never shrinks.
type Queue struct {
	head  int
	count int
	data  []byte
}

// Len returns the number of queued bytes.
func (q *Queue) Len() int { return q.count }

// Put appends p to the queue, growing the backing array as needed.
func (q *Queue) Put(p []byte) {
	if len(p) == 0 {
		return
	}
	if q.count+len(p) >= len(q.data) {
		q.grow(len(p))
	}
	tail := (q.head + q.count) % len(q.data)
	n := copy(q.data[tail:], p)
	copy(q.data, p[n:])
	q.count += len(p)
}

// Peek returns the longest contiguous run of queued bytes starting at the
// head, or nil if the queue is empty. The run may be shorter than Len when
// the contents wrap past the end of the backing array. The caller must Drop
// whatever it consumes.
func (q *Queue) Peek() []byte {
	if q.count == 0 {
		return nil
	}
	run := q.data[q.head:]
	if len(run) > q.count {
		run = run[:q.count]
	}
	return run
}

// Drop removes n bytes from the front of the queue. A negative n, or any n
// at or beyond Len, clears the queue and resets the head to 0.
func (q *Queue) Drop(n int) {
	if n == 0 {
		return
	}
	if n < 0 || n >= q.count {
		q.head, q.count = 0, 0
		return
	}
	q.head = (q.head + n) % len(q.data)
	q.count -= n
}

// FillFrom performs one read of up to readChunk bytes from the non-blocking
// descriptor fd and appends the result. It returns the number of bytes read;
// (0, nil) when the read would block, and (0, io.EOF) on a clean end of
// stream. Any other error is unrecoverable and left to the caller.
func (q *Queue) FillFrom(fd int) (int, error) {
	var buf [readChunk]byte
	for {
		n, err := unix.Read(fd, buf[:])
		switch {
		case n > 0:
			q.Put(buf[:n])
			return n, nil
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, nil
		case err != nil:
			return 0, err
		default:
			return 0, io.EOF
		}
	}
}

// DrainTo writes the contiguous run at the head of the queue to the
// non-blocking descriptor fd and drops what was actually written. It returns
// (0, nil) when the queue is empty or the write would block.
func (q *Queue) DrainTo(fd int) (int, error) {
	run := q.Peek()
	if run == nil {
		return 0, nil
	}
	for {
		n, err := unix.Write(fd, run)
		switch {
		case n > 0:
			q.Drop(n)
			return n, nil
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, nil
		case err != nil:
			return 0, err
		default:
			return 0, nil
		}
	}
}

func (q *Queue) grow(n int) {
	size := len(q.data)
	if size == 0 {
		size = minCapacity
	}
	for size <= q.count+n {
		size *= 2
	}
	data := make([]byte, size)
	if q.count > 0 {
		m := copy(data, q.Peek())
		copy(data[m:], q.data[:q.count-m])
	}
	q.head = 0
	q.data = data
}
