package resolver

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	mu  sync.Mutex
	fds []int
}

func (n *fakeNotifier) NotifyBlock(fd int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fds = append(n.fds, fd)
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.fds)
}

func TestResolveLocalhostNotifiesAndStoresResult(t *testing.T) {
	n := &fakeNotifier{}
	p := NewPool(n, 2)
	defer p.Close()

	p.Resolve(1, 42, "localhost")

	require.Eventually(t, func() bool { return n.count() == 1 }, time.Second, 10*time.Millisecond)
	res, ok := p.Claim(1)
	require.True(t, ok)
	require.NoError(t, res.Err)
	require.NotEmpty(t, res.Addrs)
}

func TestCancelDropsLateResult(t *testing.T) {
	n := &fakeNotifier{}
	p := NewPool(n, 1)
	defer p.Close()

	p.Cancel(99)
	p.Resolve(99, 1, "localhost")

	// A cancelled id is dropped by the worker: no notification, no stored
	// result. Give the worker a moment to run, then confirm nothing landed.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 0, n.count())
	_, ok := p.Claim(99)
	require.False(t, ok)
}

func TestResolveSaturatedPoolFailsFastWithoutBlocking(t *testing.T) {
	n := &fakeNotifier{}
	p := NewPool(n, 0) // no workers: jobs channel never drains
	defer p.Close()

	for i := 0; i < cap(p.jobs); i++ {
		p.Resolve(uint64(i), i, "localhost")
	}

	// The buffer is now full; this call must return immediately with a
	// failed result instead of running the lookup on this goroutine.
	done := make(chan struct{})
	go func() {
		p.Resolve(999, 999, "localhost")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Resolve blocked on a saturated pool")
	}

	res, ok := p.Claim(999)
	require.True(t, ok)
	require.Error(t, res.Err)
}

func TestClaimIsOneShot(t *testing.T) {
	n := &fakeNotifier{}
	p := NewPool(n, 1)
	defer p.Close()

	p.Resolve(7, 1, "localhost")
	require.Eventually(t, func() bool { return n.count() == 1 }, time.Second, 10*time.Millisecond)

	_, ok := p.Claim(7)
	require.True(t, ok)
	_, ok = p.Claim(7)
	require.False(t, ok)
}
