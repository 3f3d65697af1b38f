package conn

import (
	"golang.org/x/sys/unix"

	"github.com/ealireza/socks5d/internal/buffer"
	"github.com/ealireza/socks5d/internal/corectx"
	"github.com/ealireza/socks5d/internal/reactor"
)

// onCopyArrival sets up both fds' interests for the relay phase; metrics
// and dissector calls happen per read in pumpRead. From here on the connHandler routes read/write readiness on either fd
// directly to relayReadReady/relayWriteReady instead of through the state
// table: the relay is a bidirectional pump, not a linear sequence of
// frames, so it doesn't fit the single next-state-per-event shape the rest
// of the driver uses.
func (c *Connection) onCopyArrival() (int, error) {
	if err := c.recomputeInterests(); err != nil {
		return StateError, nil
	}
	return StateCopy, nil
}

// relayReadReady services a readable client or origin fd during COPY.
func (c *Connection) relayReadReady(fd int) error {
	if fd == c.ClientFd {
		return c.pumpRead(c.ClientFd, c.in, &c.clientEOF, c.OriginFd, corectx.ClientToOrigin)
	}
	return c.pumpRead(c.OriginFd, c.out, &c.originEOF, c.ClientFd, corectx.OriginToClient)
}

// relayWriteReady drains whichever buffer feeds fd.
func (c *Connection) relayWriteReady(fd int) error {
	if fd == c.ClientFd {
		return c.pumpWrite(c.ClientFd, c.out)
	}
	return c.pumpWrite(c.OriginFd, c.in)
}

// pumpRead reads from src into buf, updates eof/metrics/dissector state,
// half-closes peerFd's write side on orderly close, and opportunistically
// drains buf toward peerFd before recomputing both fds' interest masks.
func (c *Connection) pumpRead(src int, buf *buffer.Ring, eof *bool, peerFd int, dir corectx.Direction) error {
	n, gotEOF, err := readInto(src, buf)
	if err != nil {
		c.teardown()
		return nil
	}
	if gotEOF {
		*eof = true
		_ = unix.Shutdown(peerFd, unix.SHUT_WR)
	}
	if n > 0 {
		c.deps.Metrics.OnBytes(dir, n)
		if c.username != "" && c.deps.Dissector.Enabled() {
			rp := buf.ReadPtr()
			c.deps.Dissector.Inspect(c.username, dir, rp[len(rp)-n:])
		}
	}
	if err := drainTo(peerFd, buf); err != nil {
		c.teardown()
		return nil
	}
	return c.afterPump()
}

// pumpWrite drains buf toward fd, then recomputes interests.
func (c *Connection) pumpWrite(fd int, buf *buffer.Ring) error {
	if err := drainTo(fd, buf); err != nil {
		c.teardown()
		return nil
	}
	return c.afterPump()
}

func (c *Connection) afterPump() error {
	if c.clientEOF && c.originEOF && !c.in.CanRead() && !c.out.CanRead() {
		c.teardown()
		return nil
	}
	return c.recomputeInterests()
}

// recomputeInterests derives both fds' read/write interest masks from
// current buffer occupancy and half-close state, per spec.md §4.5's
// backpressure rules: stop reading a side once its destination buffer is
// full, stop polling for writability once there is nothing queued.
func (c *Connection) recomputeInterests() error {
	clientInterest := reactor.NOOP
	if !c.clientEOF && c.in.CanWrite() {
		clientInterest |= reactor.READ
	}
	if c.out.CanRead() {
		clientInterest |= reactor.WRITE
	}
	if err := c.deps.Reactor.SetInterest(c.ClientFd, clientInterest); err != nil {
		return err
	}

	originInterest := reactor.NOOP
	if !c.originEOF && c.out.CanWrite() {
		originInterest |= reactor.READ
	}
	if c.in.CanRead() {
		originInterest |= reactor.WRITE
	}
	return c.deps.Reactor.SetInterest(c.OriginFd, originInterest)
}
