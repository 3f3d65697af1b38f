package conn

import (
	"fmt"

	"github.com/ealireza/socks5d/internal/fsm"
	"github.com/ealireza/socks5d/internal/reactor"
	"github.com/ealireza/socks5d/internal/socks5"
	"github.com/ealireza/socks5d/internal/socks5err"
)

// states builds the fsm.State table for c, in the order of the state
// index constants declared in connection.go. Each hook receives ctx as
// the *Connection (fsm.Hook's ctx is `any` so the generic runtime stays
// independent of this package).
func (c *Connection) states() []fsm.State {
	return []fsm.State{
		StateNegotiationRead: {
			Name:        "NEGOTIATION_READ",
			OnReadReady: asHook((*Connection).onNegotiationRead),
		},
		StateNegotiationWrite: {
			Name:         "NEGOTIATION_WRITE",
			OnWriteReady: asHook((*Connection).onControlWrite),
		},
		StateAuthRead: {
			Name:        "AUTH_READ",
			OnReadReady: asHook((*Connection).onAuthRead),
		},
		StateAuthWrite: {
			Name:         "AUTH_WRITE",
			OnWriteReady: asHook((*Connection).onControlWrite),
		},
		StateRequestRead: {
			Name:        "REQUEST_READ",
			OnReadReady: asHook((*Connection).onRequestRead),
		},
		StateRequestResolv: {
			Name:         "REQUEST_RESOLV",
			OnArrival:    asHook((*Connection).onRequestResolvArrival),
			OnBlockReady: asHook((*Connection).onRequestResolvBlock),
		},
		StateRequestConnecting: {
			Name:         "REQUEST_CONNECTING",
			OnArrival:    asHook((*Connection).onConnectingArrival),
			OnWriteReady: asHook((*Connection).onConnectingWriteReady),
		},
		StateRequestWrite: {
			Name:         "REQUEST_WRITE",
			OnWriteReady: asHook((*Connection).onControlWrite),
		},
		StateCopy: {
			Name:      "COPY",
			OnArrival: asHook((*Connection).onCopyArrival),
		},
		StateDone: {
			Name:      "DONE",
			OnArrival: asVoidHook((*Connection).onTerminalArrival),
		},
		StateError: {
			Name:      "ERROR",
			OnArrival: asVoidHook((*Connection).onTerminalArrival),
		},
	}
}

// asHook adapts a (*Connection) method taking no arguments and returning
// (int, error) to fsm.Hook's (ctx any) signature.
func asHook(fn func(*Connection) (int, error)) fsm.Hook {
	return func(ctx any) (int, error) {
		return fn(ctx.(*Connection))
	}
}

// asVoidHook adapts a terminal-state method that never transitions further
// to fsm.Hook, always reporting "stay put".
func asVoidHook(fn func(*Connection)) func(ctx any) (int, error) {
	return func(ctx any) (int, error) {
		c := ctx.(*Connection)
		fn(c)
		return c.machine.Current(), nil
	}
}

// --- NEGOTIATION ---

func (c *Connection) onNegotiationRead() (int, error) {
	n, eof, err := readInto(c.ClientFd, c.in)
	if err != nil || eof {
		return StateError, nil
	}
	if n == 0 {
		return StateNegotiationRead, nil
	}

	data := c.in.ReadPtr()
	consumed, outcome, perr := c.neg.Feed(data)
	c.in.ReadAdvance(consumed)

	switch outcome {
	case socks5.NeedMore:
		return StateNegotiationRead, nil
	case socks5.Failed:
		c.deps.Log.Emit(fmt.Sprintf("client %d: %v", c.ID, socks5err.New(socks5err.Protocol, perr)))
		return StateError, nil
	}

	c.chosenMethod = socks5.SelectMethod(c.neg.Methods(), c.deps.Users.Len() > 0)
	out := c.out.WritePtr()
	out[0] = socks5.Version
	out[1] = c.chosenMethod
	c.out.WriteAdvance(2)

	switch c.chosenMethod {
	case socks5.MethodUserPass:
		c.writeTarget = StateAuthRead
	case socks5.MethodNoAuth:
		c.writeTarget = StateRequestRead
	default:
		c.writeTarget = StateError
	}
	if err := c.deps.Reactor.SetInterest(c.ClientFd, reactor.WRITE); err != nil {
		return StateError, nil
	}
	return StateNegotiationWrite, nil
}

// onControlWrite drains c.out to the client fd and, once empty,
// transitions to c.writeTarget. It is shared by NEGOTIATION_WRITE,
// AUTH_WRITE, and REQUEST_WRITE, which differ only in what they queued
// into c.out and where they want to go next.
func (c *Connection) onControlWrite() (int, error) {
	if err := drainTo(c.ClientFd, c.out); err != nil {
		return StateError, nil
	}
	if c.out.CanRead() {
		return c.machine.Current(), nil
	}
	if err := c.deps.Reactor.SetInterest(c.ClientFd, reactor.READ); err != nil {
		return StateError, nil
	}
	return c.writeTarget, nil
}

// --- AUTH ---

func (c *Connection) onAuthRead() (int, error) {
	n, eof, err := readInto(c.ClientFd, c.in)
	if err != nil || eof {
		return StateError, nil
	}
	if n == 0 {
		return StateAuthRead, nil
	}

	data := c.in.ReadPtr()
	consumed, outcome, perr := c.auth.Feed(data)
	c.in.ReadAdvance(consumed)

	switch outcome {
	case socks5.NeedMore:
		return StateAuthRead, nil
	case socks5.Failed:
		c.deps.Log.Emit(fmt.Sprintf("client %d: %v", c.ID, socks5err.New(socks5err.Protocol, perr)))
		return c.queueAuthReply(socks5.AuthFailure, StateError)
	}

	ok := c.deps.Users.Verify(c.auth.Username(), c.auth.Password())
	if ok {
		c.username = c.auth.Username()
		return c.queueAuthReply(socks5.AuthSuccess, StateRequestRead)
	}
	c.deps.Log.Emit(fmt.Sprintf("client %d: %v", c.ID, socks5err.New(socks5err.Auth, fmt.Errorf("invalid credentials for %q", c.auth.Username()))))
	return c.queueAuthReply(socks5.AuthFailure, StateError)
}

// queueAuthReply encodes an RFC 1929 sub-negotiation reply (VER, STATUS)
// into the client-out buffer and arranges for it to drain before the
// connection moves to next, mirroring queueFailureReply's drain-then-go
// shape for the AUTH_READ failure classes (malformed frame and credential
// mismatch) that spec.md §7 says must still get a reply before teardown.
func (c *Connection) queueAuthReply(status byte, next int) (int, error) {
	out := c.out.WritePtr()
	out[0] = socks5.AuthVersion
	out[1] = status
	c.out.WriteAdvance(2)
	c.writeTarget = next
	if err := c.deps.Reactor.SetInterest(c.ClientFd, reactor.WRITE); err != nil {
		return StateError, nil
	}
	return StateAuthWrite, nil
}

// --- Terminal ---

func (c *Connection) onTerminalArrival() {
	c.teardown()
}
