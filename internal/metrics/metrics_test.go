package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ealireza/socks5d/internal/corectx"
)

func TestOnConnectTracksCurrentAndMax(t *testing.T) {
	m := New()
	m.OnConnect()
	m.OnConnect()
	m.OnDisconnect()

	snap := m.GetSnapshot()
	require.Equal(t, int64(1), snap.CurrentConnections)
	require.Equal(t, int64(2), snap.MaxConcurrent)
	require.Equal(t, int64(2), snap.TotalConnections)
}

func TestOnBytesSplitsByDirection(t *testing.T) {
	m := New()
	m.OnBytes(corectx.ClientToOrigin, 100)
	m.OnBytes(corectx.OriginToClient, 40)

	snap := m.GetSnapshot()
	require.Equal(t, int64(100), snap.TotalBytesReceived)
	require.Equal(t, int64(40), snap.TotalBytesSent)
}
