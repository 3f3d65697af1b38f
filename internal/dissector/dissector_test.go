package dissector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ealireza/socks5d/internal/corectx"
)

type recordingSink struct {
	findings []Finding
}

func (s *recordingSink) Report(f Finding) {
	s.findings = append(s.findings, f)
}

func TestInspectFindsHTTPBasicAuth(t *testing.T) {
	sink := &recordingSink{}
	d := New(sink)

	req := []byte("GET / HTTP/1.1\r\nAuthorization: Basic YWxpY2U6c2VjcmV0\r\n\r\n")
	d.Inspect("alice", corectx.ClientToOrigin, req)

	require.Len(t, sink.findings, 1)
	require.Equal(t, "http-basic", sink.findings[0].Source)
	require.Equal(t, "alice:secret", sink.findings[0].Value)
}

func TestInspectFindsFTPCredentials(t *testing.T) {
	sink := &recordingSink{}
	d := New(sink)

	d.Inspect("bob", corectx.ClientToOrigin, []byte("USER bob\r\n"))
	d.Inspect("bob", corectx.ClientToOrigin, []byte("PASS hunter2\r\n"))

	require.Len(t, sink.findings, 2)
	require.Equal(t, "bob", sink.findings[0].Value)
	require.Equal(t, "hunter2", sink.findings[1].Value)
}

func TestDisabledDissectorFindsNothing(t *testing.T) {
	sink := &recordingSink{}
	d := New(sink)
	d.SetEnabled(false)

	d.Inspect("bob", corectx.ClientToOrigin, []byte("USER bob\r\n"))
	require.Empty(t, sink.findings)
}
