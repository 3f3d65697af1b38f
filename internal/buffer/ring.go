// Package buffer implements the fixed-capacity ring buffer shared by the
// reactor's I/O callbacks and the SOCKS5 parsers.
package buffer

import "fmt"

// Ring is a bounded byte buffer with independent read and write cursors.
// Bytes between read and write are unread; bytes before read have already
// been consumed and may be overwritten once the buffer compacts.
//
// Invariant: 0 <= read <= write <= len(data).
type Ring struct {
	data  []byte
	read  int
	write int
}

// New allocates a Ring with the given capacity.
func New(capacity int) *Ring {
	if capacity <= 0 {
		panic(fmt.Sprintf("buffer: invalid capacity %d", capacity))
	}
	return &Ring{data: make([]byte, capacity)}
}

// Cap returns the buffer's fixed capacity.
func (r *Ring) Cap() int {
	return len(r.data)
}

// WritePtr returns the contiguous suffix available for filling from I/O;
// its length is the space available. Callers must not retain the slice
// across calls.
func (r *Ring) WritePtr() []byte {
	return r.data[r.write:]
}

// WriteAdvance records that n bytes were written into the slice most
// recently returned by WritePtr. n must not exceed that slice's length;
// violating this is a programming error.
func (r *Ring) WriteAdvance(n int) {
	if n < 0 || r.write+n > len(r.data) {
		panic(fmt.Sprintf("buffer: write advance %d overflows capacity %d at write=%d", n, len(r.data), r.write))
	}
	r.write += n
	r.compact()
}

// ReadPtr returns the contiguous prefix available for draining; its length
// is the number of unread bytes. Callers must not retain the slice across
// calls.
func (r *Ring) ReadPtr() []byte {
	return r.data[r.read:r.write]
}

// ReadAdvance records that n bytes were consumed from the slice most
// recently returned by ReadPtr. n must not exceed that slice's length;
// violating this is a programming error.
func (r *Ring) ReadAdvance(n int) {
	if n < 0 || r.read+n > r.write {
		panic(fmt.Sprintf("buffer: read advance %d overflows available %d at read=%d", n, r.write-r.read, r.read))
	}
	r.read += n
	r.compact()
}

// CanRead reports whether any unread bytes remain.
func (r *Ring) CanRead() bool {
	return r.read < r.write
}

// CanWrite reports whether any write space remains.
func (r *Ring) CanWrite() bool {
	return r.write < len(r.data)
}

// Len returns the number of unread bytes.
func (r *Ring) Len() int {
	return r.write - r.read
}

// Avail returns the number of bytes that WritePtr can still accept.
func (r *Ring) Avail() int {
	return len(r.data) - r.write
}

// Reset drops all buffered bytes and returns both cursors to zero.
func (r *Ring) Reset() {
	r.read = 0
	r.write = 0
}

// compact resets both cursors to zero once everything written has been
// read, reclaiming the full capacity for the next write.
func (r *Ring) compact() {
	if r.read == r.write {
		r.read = 0
		r.write = 0
	}
}
