// Package listener implements the accept loop described in spec.md §4.7:
// a non-blocking listening socket registered with the reactor, spawning a
// conn.Connection per accepted client and backing off when the process
// runs out of file descriptors, grounded on the teacher's
// StartProxy/handleConnection accept loop (proxy.go) and gnet's
// loopAccept backoff-on-EMFILE handling.
package listener

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ealireza/socks5d/internal/corectx"
	"github.com/ealireza/socks5d/internal/reactor"
)

// backoff is how long a listener stops accepting after hitting the
// process's open-file limit, giving in-flight connections a chance to
// close and free descriptors.
const backoff = 200 * time.Millisecond

// Spawner creates a Connection for a freshly accepted, already
// non-blocking client fd.
type Spawner interface {
	Spawn(fd int) error
}

// Listener owns one bound, listening TCP socket.
type Listener struct {
	fd      int
	addr    string
	reactor *reactor.Reactor
	spawner Spawner
	log     corectx.LogSink
}

// New binds and listens on addr (host:port), registering with r for READ
// readiness.
func New(addr string, backlog int, r *reactor.Reactor, spawner Spawner, log corectx.LogSink) (*Listener, error) {
	fd, sa, err := bindListen(addr, backlog)
	if err != nil {
		return nil, err
	}
	l := &Listener{fd: fd, addr: sockaddrString(sa, addr), reactor: r, spawner: spawner, log: log}
	if err := r.Register(fd, (*listenerHandler)(l), reactor.READ, l); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return l, nil
}

// Close stops accepting and closes the listening socket.
func (l *Listener) Close() error {
	_ = l.reactor.Unregister(l.fd)
	return unix.Close(l.fd)
}

// Addr returns the address this listener is bound to, for logging.
func (l *Listener) Addr() string { return l.addr }

func bindListen(addr string, backlog int) (int, unix.Sockaddr, error) {
	host, port, err := splitHostPort(addr)
	if err != nil {
		return -1, nil, err
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, nil, fmt.Errorf("listener: socket: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], host)
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, nil, fmt.Errorf("listener: bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return -1, nil, fmt.Errorf("listener: listen %s: %w", addr, err)
	}
	// Re-read the bound address: port 0 (OS-assigned ephemeral port) only
	// resolves to its real value after bind(2).
	bound, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return -1, nil, fmt.Errorf("listener: getsockname: %w", err)
	}
	return fd, bound, nil
}

// splitHostPort parses a "host:port" listen address, treating an empty
// host as all-interfaces, per spec.md §6's -l flag.
func splitHostPort(addr string) (net.IP, int, error) {
	hostStr, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, 0, fmt.Errorf("listener: invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, 0, fmt.Errorf("listener: invalid port in %q: %w", addr, err)
	}
	if hostStr == "" {
		return net.IPv4zero, port, nil
	}
	ip := net.ParseIP(hostStr)
	if ip == nil {
		return nil, 0, fmt.Errorf("listener: invalid host in %q", addr)
	}
	v4 := ip.To4()
	if v4 == nil {
		return nil, 0, fmt.Errorf("listener: only IPv4 listen addresses are supported, got %q", addr)
	}
	return v4, port, nil
}

func sockaddrString(sa unix.Sockaddr, fallback string) string {
	v4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return fallback
	}
	return net.JoinHostPort(net.IP(v4.Addr[:]).String(), strconv.Itoa(v4.Port))
}

// listenerHandler adapts *Listener to reactor.Handler.
type listenerHandler Listener

func (h *listenerHandler) l() *Listener { return (*Listener)(h) }

// OnReadReady accepts every connection currently queued, stopping at
// EAGAIN. A per-process resource exhaustion error (EMFILE/ENFILE) instead
// disarms READ interest and schedules a NotifyBlock wakeup after backoff,
// per spec.md §4.7.
func (h *listenerHandler) OnReadReady(fd int, _ any) error {
	l := h.l()
	for {
		cfd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return nil
			case unix.EMFILE, unix.ENFILE:
				l.log.Emit(fmt.Sprintf("listener %s: %v, backing off", l.addr, err))
				if serr := l.reactor.SetInterest(l.fd, reactor.NOOP); serr != nil {
					return serr
				}
				time.AfterFunc(backoff, func() { l.reactor.NotifyBlock(l.fd) })
				return nil
			default:
				l.log.Emit(fmt.Sprintf("listener %s: accept: %v", l.addr, err))
				return nil
			}
		}
		if err := l.spawner.Spawn(cfd); err != nil {
			l.log.Emit(fmt.Sprintf("listener %s: spawn: %v", l.addr, err))
			_ = unix.Close(cfd)
		}
	}
}

func (h *listenerHandler) OnWriteReady(fd int, _ any) error { return nil }

// OnBlockReady re-arms READ interest after an EMFILE/ENFILE backoff.
func (h *listenerHandler) OnBlockReady(fd int, _ any) error {
	l := h.l()
	return l.reactor.SetInterest(l.fd, reactor.READ)
}

func (h *listenerHandler) OnClose(fd int, _ any) {}
