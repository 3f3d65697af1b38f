// Package resolver implements the off-reactor DNS resolution described in
// spec.md §4.6: a background worker pool resolves a domain name, then
// notifies the reactor via NotifyBlock so the result can be picked up on
// the reactor goroutine. Workers never touch Connection state directly;
// they reconcile through a connection id, following the "Cyclic
// references" guidance of spec.md §9 and the completion-by-id pattern of
// gaio's Watcher (see DESIGN.md).
package resolver

import (
	"context"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Notifier is the subset of the reactor a resolver needs: a thread-safe
// wakeup for a given fd.
type Notifier interface {
	NotifyBlock(fd int)
}

// Result is the outcome of resolving one request, stored in the Pool
// (by a worker, or by Resolve itself when the pool is saturated) keyed by
// connection id until it's claimed.
type Result struct {
	Addrs []net.IP
	Err   error
}

// request is a unit of work submitted to the pool.
type request struct {
	id       uint64
	clientFd int
	host     string
}

// Pool is a fixed-size DNS resolution worker pool.
type Pool struct {
	notifier Notifier
	jobs     chan request

	mu      sync.Mutex
	results map[uint64]*Result
	// cancelled marks connection ids torn down before their resolve
	// completed; a worker that finishes after cancellation drops the
	// result instead of storing it, per spec.md §4.6.
	cancelled map[uint64]struct{}

	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewPool starts workers workers sharing an internal context that Close
// cancels. Call Close to stop them.
func NewPool(notifier Notifier, workers int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	p := &Pool{
		notifier:  notifier,
		jobs:      make(chan request, 64),
		results:   make(map[uint64]*Result),
		cancelled: make(map[uint64]struct{}),
		group:     g,
		cancel:    cancel,
	}
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			p.workerLoop(gctx)
			return nil
		})
	}
	return p
}

// Close stops accepting new work and waits for in-flight lookups to
// return.
func (p *Pool) Close() {
	p.cancel()
	close(p.jobs)
	_ = p.group.Wait()
}

// Resolve submits host for background resolution. When the lookup
// completes, the reactor's NotifyBlock(clientFd) fires and Claim(id)
// returns the outcome.
//
// Resolve is itself called from the reactor goroutine (via
// onRequestResolvArrival), so it must never block: a saturated pool fails
// the lookup immediately instead of running it on the caller, which would
// stall every connection for the duration of a DNS query.
func (p *Pool) Resolve(id uint64, clientFd int, host string) {
	select {
	case p.jobs <- request{id: id, clientFd: clientFd, host: host}:
	default:
		p.mu.Lock()
		p.results[id] = &Result{Err: fmt.Errorf("resolver: pool saturated, dropping %q", host)}
		p.mu.Unlock()
		p.notifier.NotifyBlock(clientFd)
	}
}

// Cancel marks id so that a result arriving after teardown is discarded.
func (p *Pool) Cancel(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.results, id)
	p.cancelled[id] = struct{}{}
}

// Claim removes and returns the stored result for id, if any.
func (p *Pool) Claim(id uint64) (*Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.results[id]
	if ok {
		delete(p.results, id)
	}
	return r, ok
}

func (p *Pool) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-p.jobs:
			if !ok {
				return
			}
			p.runOne(ctx, req)
		}
	}
}

func (p *Pool) runOne(ctx context.Context, req request) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, req.host)
	var ips []net.IP
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	if err == nil && len(ips) == 0 {
		err = fmt.Errorf("resolver: no addresses for %q", req.host)
	}

	p.mu.Lock()
	if _, cancelled := p.cancelled[req.id]; cancelled {
		delete(p.cancelled, req.id)
		p.mu.Unlock()
		return
	}
	p.results[req.id] = &Result{Addrs: ips, Err: err}
	p.mu.Unlock()

	p.notifier.NotifyBlock(req.clientFd)
}
