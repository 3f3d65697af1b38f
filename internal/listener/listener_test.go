package listener

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ealireza/socks5d/internal/reactor"
)

type discardLog struct{}

func (discardLog) Emit(string) {}

type recordingSpawner struct {
	spawned []int
}

func (s *recordingSpawner) Spawn(fd int) error {
	s.spawned = append(s.spawned, fd)
	return nil
}

func TestListenerAcceptsAndSpawns(t *testing.T) {
	r, err := reactor.New()
	require.NoError(t, err)
	defer r.Close()

	sp := &recordingSpawner{}
	ln, err := New("127.0.0.1:0", 16, r, sp, discardLog{})
	require.NoError(t, err)
	defer ln.Close()

	addr := ln.Addr()
	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, r.Run(time.Second))
	require.Len(t, sp.spawned, 1)
}
