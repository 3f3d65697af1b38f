package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type recordingHandler struct {
	reads, writes, blocks, closes int
	onRead                        func() error
}

func (h *recordingHandler) OnReadReady(fd int, attachment any) error {
	h.reads++
	if h.onRead != nil {
		return h.onRead()
	}
	return nil
}
func (h *recordingHandler) OnWriteReady(fd int, attachment any) error {
	h.writes++
	return nil
}
func (h *recordingHandler) OnBlockReady(fd int, attachment any) error {
	h.blocks++
	return nil
}
func (h *recordingHandler) OnClose(fd int, attachment any) {
	h.closes++
}

func mustPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestRegisterDispatchesReadReady(t *testing.T) {
	re, err := New()
	require.NoError(t, err)
	defer re.Close()

	rfd, wfd := mustPipe(t)
	h := &recordingHandler{}
	require.NoError(t, re.Register(rfd, h, READ, nil))

	_, err = unix.Write(wfd, []byte("x"))
	require.NoError(t, err)

	require.NoError(t, re.Run(time.Second))
	require.Equal(t, 1, h.reads)
}

func TestUnregisterCallsOnCloseAndSuppressesRemainingCallbacks(t *testing.T) {
	re, err := New()
	require.NoError(t, err)
	defer re.Close()

	rfd, wfd := mustPipe(t)
	h := &recordingHandler{}
	h.onRead = func() error {
		return re.Unregister(rfd)
	}
	require.NoError(t, re.Register(rfd, h, READ, nil))

	_, err = unix.Write(wfd, []byte("y"))
	require.NoError(t, err)

	require.NoError(t, re.Run(time.Second))
	require.Equal(t, 1, h.reads)
	require.Equal(t, 1, h.closes)
}

func TestNotifyBlockWakesReactorBeforeReadReady(t *testing.T) {
	re, err := New()
	require.NoError(t, err)
	defer re.Close()

	rfd, wfd := mustPipe(t)
	h := &recordingHandler{}
	blocksAtRead := -1
	h.onRead = func() error {
		blocksAtRead = h.blocks
		return nil
	}
	require.NoError(t, re.Register(rfd, h, READ, nil))

	re.NotifyBlock(rfd)
	_, err = unix.Write(wfd, []byte("z"))
	require.NoError(t, err)

	require.NoError(t, re.Run(time.Second))
	require.Equal(t, 1, h.blocks)
	require.Equal(t, 1, blocksAtRead, "block-ready must fire before read-ready")
}

func TestAlreadyRegisteredFails(t *testing.T) {
	re, err := New()
	require.NoError(t, err)
	defer re.Close()

	rfd, _ := mustPipe(t)
	h := &recordingHandler{}
	require.NoError(t, re.Register(rfd, h, READ, nil))
	require.ErrorIs(t, re.Register(rfd, h, READ, nil), ErrAlreadyRegistered)
}
