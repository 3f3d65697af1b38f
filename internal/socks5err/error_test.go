package socks5err

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorUnwrapsUnderlyingCause(t *testing.T) {
	cause := errors.New("boom")
	err := New(Resolve, cause)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "resolve")
	require.Contains(t, err.Error(), "boom")
}

func TestWithReplyCarriesReplyCode(t *testing.T) {
	err := WithReply(Connect, 0x05, errors.New("refused"))
	require.Equal(t, byte(0x05), err.Reply)
	require.Equal(t, Connect, err.Kind)
}

func TestKindStringCoversAllValues(t *testing.T) {
	kinds := []Kind{Protocol, Auth, Resolve, Connect, IO, Resource, Internal}
	for _, k := range kinds {
		require.NotEqual(t, "unknown", k.String())
	}
	require.Equal(t, "unknown", Kind(99).String())
}
