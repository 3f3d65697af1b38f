// Package conn implements the per-connection state machine described in
// spec.md §4.4: the SOCKS5 protocol phases (negotiation, optional auth,
// request, resolve, connect, relay) driven by reactor readiness.
//
// The dial-then-relay shape and the per-fd socket tuning are grounded on
// the teacher's handleConnection/relay/copyAndClose
// (_examples/Ealireza-SuperProxy/proxy.go) and its sockopt_linux.go; the
// reactor-driven interest toggling is grounded on gnet's loopRead/loopWrite
// (see DESIGN.md).
package conn

import (
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ealireza/socks5d/internal/buffer"
	"github.com/ealireza/socks5d/internal/corectx"
	"github.com/ealireza/socks5d/internal/fsm"
	"github.com/ealireza/socks5d/internal/reactor"
	"github.com/ealireza/socks5d/internal/resolver"
	"github.com/ealireza/socks5d/internal/socks5"
)

// Connection state indices, per spec.md §4.4's transition diagram.
const (
	StateNegotiationRead = iota
	StateNegotiationWrite
	StateAuthRead
	StateAuthWrite
	StateRequestRead
	StateRequestResolv
	StateRequestConnecting
	StateRequestWrite
	StateCopy
	StateDone
	StateError
)

// bufferSize is the ring buffer capacity per direction. 16 KiB comfortably
// holds a SOCKS5 control frame and gives the relay phase reasonable
// throughput between reactor ticks.
const bufferSize = 16 * 1024

// Deps bundles the external collaborators the driver consumes, per
// spec.md §1 and §6.
type Deps struct {
	Users     corectx.UserStore
	Dissector corectx.Dissector
	Metrics   corectx.Metrics
	Log       corectx.LogSink

	Resolver *resolver.Pool
	Reactor  *reactor.Reactor
}

// Connection owns a client/origin fd pair and drives them through the
// SOCKS5 protocol phases and the relay.
type Connection struct {
	ID       uint64
	ClientFd int
	OriginFd int // -1 until dial

	in  *buffer.Ring // client -> origin
	out *buffer.Ring // origin -> client

	machine *fsm.Machine

	neg  socks5.NegotiationParser
	auth socks5.AuthParser
	req  socks5.RequestParser

	chosenMethod byte
	username     string

	candidates     []net.IP
	candIdx        int
	lastConnectErr error

	writeTarget int

	clientEOF bool
	originEOF bool

	lastActivity time.Time
	closed       atomic.Bool

	deps Deps
}

// New allocates a Connection for a freshly accepted client fd, seeded at
// StateNegotiationRead, and registers it with the reactor for read
// interest — matching spec.md §4.7's Listener behavior.
func New(id uint64, clientFd int, deps Deps) (*Connection, error) {
	c := &Connection{
		ID:           id,
		ClientFd:     clientFd,
		OriginFd:     -1,
		in:           buffer.New(bufferSize),
		out:          buffer.New(bufferSize),
		lastActivity: time.Now(),
		deps:         deps,
	}
	c.machine = fsm.New(c.states(), StateNegotiationRead)
	setNonblockingTCPOpts(clientFd)

	if err := deps.Reactor.Register(clientFd, (*connHandler)(c), reactor.READ, c); err != nil {
		return nil, err
	}
	if err := c.machine.Start(c); err != nil {
		c.teardown()
		return nil, err
	}
	deps.Metrics.OnConnect()
	return c, nil
}

// Touch records I/O activity, as read back by IdleFor. Nothing in this
// module closes a connection for being idle.
func (c *Connection) Touch() {
	c.lastActivity = time.Now()
}

// IdleFor reports how long it has been since the last activity.
func (c *Connection) IdleFor(now time.Time) time.Duration {
	return now.Sub(c.lastActivity)
}

// teardown unregisters and closes both fds exactly once, idempotent via
// the closed latch described in spec.md §5 (needed because both fds can
// fire errors in the same reactor tick).
func (c *Connection) teardown() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if c.deps.Resolver != nil {
		c.deps.Resolver.Cancel(c.ID)
	}
	if c.ClientFd >= 0 {
		_ = c.deps.Reactor.Unregister(c.ClientFd)
		_ = unix.Close(c.ClientFd)
	}
	if c.OriginFd >= 0 {
		_ = c.deps.Reactor.Unregister(c.OriginFd)
		_ = unix.Close(c.OriginFd)
	}
	c.deps.Metrics.OnDisconnect()
}

// setNonblockingTCPOpts applies the teacher's TCP tuning
// (sockopt_linux.go) to a freshly created socket.
func setNonblockingTCPOpts(fd int) {
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
}

// connHandler adapts *Connection to reactor.Handler without polluting the
// exported Connection API with reactor-specific method names.
type connHandler Connection

func (h *connHandler) conn() *Connection { return (*Connection)(h) }

func (h *connHandler) OnReadReady(fd int, _ any) error {
	c := h.conn()
	c.Touch()
	if c.machine.Current() == StateCopy {
		return c.relayReadReady(fd)
	}
	if fd == c.ClientFd {
		return c.machine.HandleRead(c)
	}
	// Origin fd is never registered for READ before COPY.
	return nil
}

func (h *connHandler) OnWriteReady(fd int, _ any) error {
	c := h.conn()
	c.Touch()
	if c.machine.Current() == StateCopy {
		return c.relayWriteReady(fd)
	}
	// Client and origin fd write-readiness both dispatch through the
	// current state's OnWriteReady hook; at most one of the two fds
	// carries WRITE interest outside COPY, so fd doesn't need checking.
	return c.machine.HandleWrite(c)
}

func (h *connHandler) OnBlockReady(fd int, _ any) error {
	c := h.conn()
	return c.machine.HandleBlock(c)
}

func (h *connHandler) OnClose(fd int, _ any) {
	c := h.conn()
	c.machine.HandleClose(c)
}
