package conn

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/ealireza/socks5d/internal/reactor"
	"github.com/ealireza/socks5d/internal/socks5"
	"github.com/ealireza/socks5d/internal/socks5err"
)

// onConnectingArrival starts (or resumes, after a failed candidate) the
// non-blocking dial loop described in spec.md §4.4's REQUEST_CONNECTING
// state.
func (c *Connection) onConnectingArrival() (int, error) {
	return c.tryNextCandidate()
}

// onConnectingWriteReady fires once the in-flight connect's fd becomes
// writable, meaning the kernel has resolved the connection attempt one way
// or the other; SO_ERROR tells us which.
func (c *Connection) onConnectingWriteReady() (int, error) {
	errno, gerr := unix.GetsockoptInt(c.OriginFd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		c.lastConnectErr = gerr
		return c.abandonCandidate()
	}
	if errno != 0 {
		c.lastConnectErr = unix.Errno(errno)
		return c.abandonCandidate()
	}
	return c.completeConnect()
}

// tryNextCandidate attempts candidates in order starting at c.candIdx,
// advancing past any that fail to even start connecting, until one is
// in flight or the list is exhausted.
func (c *Connection) tryNextCandidate() (int, error) {
	for c.candIdx < len(c.candidates) {
		ip := c.candidates[c.candIdx]
		fd, sa, err := dialSocket(ip, c.req.Port)
		if err != nil {
			c.lastConnectErr = err
			c.candIdx++
			continue
		}
		setNonblockingTCPOpts(fd)

		err = unix.Connect(fd, sa)
		if err != nil && err != unix.EINPROGRESS {
			_ = unix.Close(fd)
			c.lastConnectErr = err
			c.candIdx++
			continue
		}

		c.OriginFd = fd
		if err := c.deps.Reactor.Register(fd, (*connHandler)(c), reactor.WRITE, c); err != nil {
			_ = unix.Close(fd)
			return StateError, nil
		}
		if err == nil {
			// Connected synchronously (common for loopback); SO_ERROR
			// will read back 0 on the next write-ready tick, but we can
			// short-circuit immediately instead of waiting for it.
			return c.completeConnect()
		}
		return StateRequestConnecting, nil
	}
	e := socks5err.WithReply(socks5err.Connect, replyForErr(c.lastConnectErr), c.lastConnectErr)
	c.deps.Log.Emit(fmt.Sprintf("client %d: %v", c.ID, e))
	return c.queueFailureReply(e.Reply, StateError)
}

// abandonCandidate closes the failed origin fd and resumes the dial loop
// at the next candidate.
func (c *Connection) abandonCandidate() (int, error) {
	_ = c.deps.Reactor.Unregister(c.OriginFd)
	_ = unix.Close(c.OriginFd)
	c.OriginFd = -1
	c.candIdx++
	return c.tryNextCandidate()
}

// completeConnect queues the success reply carrying the origin socket's
// bound local address, arms the client fd for writing, and arranges for
// the relay to start once the reply has drained.
func (c *Connection) completeConnect() (int, error) {
	addr, port := localAddrFields(c.OriginFd)

	out := c.out.WritePtr()
	n := socks5.EncodeReply(out, socks5.RepSuccess, addr, port)
	c.out.WriteAdvance(n)

	if err := c.deps.Reactor.SetInterest(c.OriginFd, reactor.NOOP); err != nil {
		return StateError, nil
	}
	if err := c.deps.Reactor.SetInterest(c.ClientFd, reactor.WRITE); err != nil {
		return StateError, nil
	}
	c.writeTarget = StateCopy
	return StateRequestWrite, nil
}

// dialSocket creates a non-blocking TCP socket of the address family
// matching ip and returns it along with the unix.Sockaddr to connect to.
func dialSocket(ip net.IP, port uint16) (int, unix.Sockaddr, error) {
	if v4 := ip.To4(); v4 != nil {
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
		if err != nil {
			return -1, nil, err
		}
		sa := &unix.SockaddrInet4{Port: int(port)}
		copy(sa.Addr[:], v4)
		return fd, sa, nil
	}
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, nil, err
	}
	sa := &unix.SockaddrInet6{Port: int(port)}
	copy(sa.Addr[:], ip.To16())
	return fd, sa, nil
}

// localAddrFields returns fd's bound local address as reply-encodable
// fields, falling back to an all-zero IPv4 address if the socket can't be
// queried (EncodeReply already handles a nil addr this way).
func localAddrFields(fd int) ([]byte, uint16) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, 0
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		addr := make([]byte, 4)
		copy(addr, a.Addr[:])
		return addr, uint16(a.Port)
	case *unix.SockaddrInet6:
		addr := make([]byte, 16)
		copy(addr, a.Addr[:])
		return addr, uint16(a.Port)
	default:
		return nil, 0
	}
}

// replyForErr maps a connect(2) failure to the CONNECT reply code table in
// spec.md §4.4.
func replyForErr(err error) byte {
	switch err {
	case unix.ECONNREFUSED:
		return socks5.RepConnectionRefused
	case unix.ENETUNREACH:
		return socks5.RepNetworkUnreachable
	case unix.EHOSTUNREACH:
		return socks5.RepHostUnreachable
	case unix.ETIMEDOUT:
		return socks5.RepTTLExpired
	default:
		return socks5.RepGeneralFailure
	}
}
