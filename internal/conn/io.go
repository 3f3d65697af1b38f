package conn

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/ealireza/socks5d/internal/buffer"
)

// readInto fills as much of b's write space as is available from a single
// non-blocking read on fd.
//
// eof reports whether the peer performed an orderly close (read returned
// 0, no error). err is non-nil only for a genuine I/O error; EAGAIN is not
// an error here — it simply means nothing was ready this tick, reported as
// n == 0, eof == false, err == nil.
func readInto(fd int, b *buffer.Ring) (n int, eof bool, err error) {
	if !b.CanWrite() {
		return 0, false, nil
	}
	got, rerr := unix.Read(fd, b.WritePtr())
	if rerr != nil {
		if errors.Is(rerr, unix.EAGAIN) {
			return 0, false, nil
		}
		return 0, false, rerr
	}
	if got == 0 {
		return 0, true, nil
	}
	b.WriteAdvance(got)
	return got, false, nil
}

// drainTo writes b's unread bytes to fd with repeated non-blocking writes
// until b is empty or fd stops accepting (EAGAIN or a zero-length write).
func drainTo(fd int, b *buffer.Ring) error {
	for b.CanRead() {
		n, err := unix.Write(fd, b.ReadPtr())
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return nil
			}
			return err
		}
		if n == 0 {
			return nil
		}
		b.ReadAdvance(n)
	}
	return nil
}
