package socks5

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func feedAll(t *testing.T, feed func([]byte) (int, Outcome, error), whole []byte, splits []int) (Outcome, error) {
	t.Helper()
	offset := 0
	var last Outcome
	for _, s := range splits {
		if offset >= len(whole) {
			break
		}
		end := offset + s
		if end > len(whole) {
			end = len(whole)
		}
		chunk := whole[offset:end]
		for len(chunk) > 0 {
			n, outcome, err := feed(chunk)
			if err != nil {
				return outcome, err
			}
			chunk = chunk[n:]
			last = outcome
			if outcome == Done {
				return Done, nil
			}
		}
		offset = end
	}
	for offset < len(whole) {
		n, outcome, err := feed(whole[offset:])
		if err != nil {
			return outcome, err
		}
		offset += n
		last = outcome
		if outcome == Done {
			return Done, nil
		}
	}
	return last, nil
}

func TestNegotiationParserRestartability(t *testing.T) {
	frame := []byte{Version, 3, 0x00, 0x01, 0x02}
	rapid.Check(t, func(t *rapid.T) {
		splits := rapid.SliceOfN(rapid.IntRange(1, 2), 1, 10).Draw(t, "splits")
		var p NegotiationParser
		outcome, err := feedAll(t, p.Feed, frame, splits)
		require.NoError(t, err)
		require.Equal(t, Done, outcome)
		require.Equal(t, []byte{0x00, 0x01, 0x02}, p.Methods())
	})
}

func TestNegotiationNMethodsZero(t *testing.T) {
	var p NegotiationParser
	_, outcome, err := p.Feed([]byte{Version, 0})
	require.Error(t, err)
	require.Equal(t, Failed, outcome)
}

func TestNegotiationWrongVersion(t *testing.T) {
	var p NegotiationParser
	_, outcome, err := p.Feed([]byte{0x04, 1, 0})
	require.Error(t, err)
	require.Equal(t, Failed, outcome)
}

func TestSelectMethod(t *testing.T) {
	require.Equal(t, byte(MethodUserPass), SelectMethod([]byte{MethodNoAuth, MethodUserPass}, true))
	require.Equal(t, byte(MethodNoAuth), SelectMethod([]byte{MethodNoAuth, MethodUserPass}, false))
	require.Equal(t, byte(MethodNoAuth), SelectMethod([]byte{MethodNoAuth}, true))
	require.Equal(t, byte(MethodNoAcceptable), SelectMethod([]byte{0x03}, false))
}

func TestAuthParserULenZero(t *testing.T) {
	var p AuthParser
	_, outcome, err := p.Feed([]byte{AuthVersion, 0})
	require.Error(t, err)
	require.Equal(t, Failed, outcome)
}

func TestAuthParserPLenZero(t *testing.T) {
	var p AuthParser
	data := []byte{AuthVersion, 4, 'a', 'l', 'i', 'c', 0}
	_, outcome, err := feedUntilErrOrDone(&p, data)
	require.Error(t, err)
	require.Equal(t, Failed, outcome)
}

func feedUntilErrOrDone(p *AuthParser, data []byte) (Outcome, error) {
	for len(data) > 0 {
		n, outcome, err := p.Feed(data)
		if err != nil || outcome == Done {
			return outcome, err
		}
		data = data[n:]
	}
	return NeedMore, nil
}

func TestAuthParserRoundTrip(t *testing.T) {
	frame := []byte{AuthVersion, 5, 'a', 'l', 'i', 'c', 'e', 6, 's', 'e', 'c', 'r', 'e', 't'}
	rapid.Check(t, func(t *rapid.T) {
		splits := rapid.SliceOfN(rapid.IntRange(1, 3), 1, 20).Draw(t, "splits")
		var p AuthParser
		outcome, err := feedAll(t, p.Feed, frame, splits)
		require.NoError(t, err)
		require.Equal(t, Done, outcome)
		require.Equal(t, "alice", p.Username())
		require.Equal(t, "secret", p.Password())
	})
}

func TestRequestParserDomain255(t *testing.T) {
	domain := make([]byte, 255)
	for i := range domain {
		domain[i] = 'a'
	}
	frame := append([]byte{Version, CmdConnect, 0x00, ATypDomain, 255}, domain...)
	frame = append(frame, 0x01, 0xBB)

	var p RequestParser
	outcome, err := feedUntilDoneReq(&p, frame)
	require.NoError(t, err)
	require.Equal(t, Done, outcome)
	require.Equal(t, string(domain), p.Domain())
	require.Equal(t, uint16(443), p.Port)
}

func TestRequestParserDomainZeroLength(t *testing.T) {
	var p RequestParser
	frame := []byte{Version, CmdConnect, 0x00, ATypDomain, 0}
	_, outcome, err := feedUntilDoneReq(&p, frame)
	require.Error(t, err)
	require.Equal(t, Failed, outcome)
}

func TestRequestParserPortZero(t *testing.T) {
	var p RequestParser
	frame := []byte{Version, CmdConnect, 0x00, ATypIPv4, 127, 0, 0, 1, 0, 0}
	_, outcome, err := feedUntilDoneReq(&p, frame)
	require.Error(t, err)
	require.Equal(t, Failed, outcome)
}

func TestRequestParserIPv6(t *testing.T) {
	addr := []byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x01}
	frame := append([]byte{Version, CmdConnect, 0x00, ATypIPv6}, addr...)
	frame = append(frame, 0x00, 0x50)

	var p RequestParser
	outcome, err := feedUntilDoneReq(&p, frame)
	require.NoError(t, err)
	require.Equal(t, Done, outcome)
	require.Equal(t, addr, p.IPv6())
	require.Equal(t, uint16(80), p.Port)
}

func feedUntilDoneReq(p *RequestParser, data []byte) (Outcome, error) {
	for len(data) > 0 {
		n, outcome, err := p.Feed(data)
		if err != nil || outcome == Done {
			return outcome, err
		}
		data = data[n:]
	}
	return NeedMore, nil
}

func TestEncodeReplyIPv4(t *testing.T) {
	var buf [ReplySize]byte
	n := EncodeReply(buf[:], RepSuccess, []byte{10, 0, 0, 1}, 8080)
	require.Equal(t, 10, n)
	require.Equal(t, byte(Version), buf[0])
	require.Equal(t, byte(RepSuccess), buf[1])
	require.Equal(t, byte(ATypIPv4), buf[3])
}

func TestEncodeReplyFailureHasZeroAddr(t *testing.T) {
	var buf [ReplySize]byte
	n := EncodeReply(buf[:], RepCommandNotSupported, nil, 0)
	require.Equal(t, 10, n)
	require.Equal(t, []byte{0, 0, 0, 0}, buf[4:8])
}
