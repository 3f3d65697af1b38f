package conn

import (
	"fmt"
	"net"

	"github.com/ealireza/socks5d/internal/reactor"
	"github.com/ealireza/socks5d/internal/socks5"
	"github.com/ealireza/socks5d/internal/socks5err"
)

func (c *Connection) onRequestRead() (int, error) {
	n, eof, err := readInto(c.ClientFd, c.in)
	if err != nil || eof {
		return StateError, nil
	}
	if n == 0 {
		return StateRequestRead, nil
	}

	data := c.in.ReadPtr()
	consumed, outcome, perr := c.req.Feed(data)
	c.in.ReadAdvance(consumed)

	switch outcome {
	case socks5.NeedMore:
		return StateRequestRead, nil
	case socks5.Failed:
		e := socks5err.WithReply(socks5err.Protocol, socks5.RepGeneralFailure, perr)
		c.deps.Log.Emit(fmt.Sprintf("client %d: %v", c.ID, e))
		return c.queueFailureReply(e.Reply, StateError)
	}

	if c.req.Cmd != socks5.CmdConnect {
		return c.queueFailureReply(socks5.RepCommandNotSupported, StateError)
	}

	switch c.req.ATyp {
	case socks5.ATypDomain:
		return StateRequestResolv, nil
	case socks5.ATypIPv4:
		addr := make([]byte, 4)
		copy(addr, c.req.IPv4())
		c.candidates = []net.IP{net.IP(addr)}
		return StateRequestConnecting, nil
	case socks5.ATypIPv6:
		addr := make([]byte, 16)
		copy(addr, c.req.IPv6())
		c.candidates = []net.IP{net.IP(addr)}
		return StateRequestConnecting, nil
	default:
		return c.queueFailureReply(socks5.RepAddrTypeNotSupported, StateError)
	}
}

func (c *Connection) onRequestResolvArrival() (int, error) {
	c.deps.Resolver.Resolve(c.ID, c.ClientFd, c.req.Domain())
	return StateRequestResolv, nil
}

func (c *Connection) onRequestResolvBlock() (int, error) {
	result, ok := c.deps.Resolver.Claim(c.ID)
	if !ok {
		// No result stored for this id yet: the wakeup was meant for an
		// earlier connection that used the same fd (NotifyBlock targets an
		// fd, results are claimed by id), so keep waiting for our own.
		return StateRequestResolv, nil
	}
	if result.Err != nil || len(result.Addrs) == 0 {
		err := result.Err
		if err == nil {
			err = fmt.Errorf("no addresses for %q", c.req.Domain())
		}
		c.deps.Log.Emit(fmt.Sprintf("client %d: %v", c.ID, socks5err.New(socks5err.Resolve, err)))
		return c.queueFailureReply(socks5.RepHostUnreachable, StateError)
	}
	c.candidates = result.Addrs
	return StateRequestConnecting, nil
}

// queueFailureReply encodes a failure reply into the client-out buffer and
// arranges for it to drain before the connection transitions to errState,
// per spec.md §7's "turned into a SOCKS5 reply ... then the connection is
// torn down after the reply drains."
func (c *Connection) queueFailureReply(rep byte, errState int) (int, error) {
	out := c.out.WritePtr()
	n := socks5.EncodeReply(out, rep, nil, 0)
	c.out.WriteAdvance(n)
	c.writeTarget = errState
	if err := c.deps.Reactor.SetInterest(c.ClientFd, reactor.WRITE); err != nil {
		return StateError, nil
	}
	return StateRequestWrite, nil
}
