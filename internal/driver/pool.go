package driver

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/applyd/applyd/pkg/models"
)

// ConnectFunc dials a driver for an endpoint. Swappable in tests.
type ConnectFunc func(ctx context.Context, connectURL string) (Driver, error)

func connectCDP(ctx context.Context, connectURL string) (Driver, error) {
	return DialCDP(ctx, connectURL)
}

// Pool hands out driver-backed browsing contexts from a bounded set of
// slots. Acquire queues when the pool is full and fails with
// ErrResourcePoolExhausted once the wait timeout elapses.
type Pool struct {
	launcher    Launcher
	connect     ConnectFunc
	sem         *semaphore.Weighted
	waitTimeout time.Duration
}

// NewPool creates a pool with the given number of concurrent driver slots.
func NewPool(launcher Launcher, size int, waitTimeout time.Duration) *Pool {
	return &Pool{
		launcher:    launcher,
		connect:     connectCDP,
		sem:         semaphore.NewWeighted(int64(size)),
		waitTimeout: waitTimeout,
	}
}

// SetConnectFunc overrides how drivers are dialled. Used by tests.
func (p *Pool) SetConnectFunc(connect ConnectFunc) {
	p.connect = connect
}

// Lease is a held driver slot. Release must be called exactly once.
type Lease struct {
	Driver Driver

	pool        *Pool
	endpoint    *Endpoint
	releaseOnce sync.Once
}

// Acquire blocks until a slot frees up, the wait timeout elapses, or ctx is
// cancelled. A cancelled ctx propagates as-is so callers can distinguish
// interruption from exhaustion.
func (p *Pool) Acquire(ctx context.Context, sessionID string) (*Lease, error) {
	waitCtx, cancel := context.WithTimeout(ctx, p.waitTimeout)
	defer cancel()

	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return nil, models.ErrResourcePoolExhausted
		}
		return nil, err
	}

	endpoint, err := p.launcher.Launch(ctx, sessionID)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}

	drv, err := p.connect(ctx, endpoint.ConnectURL)
	if err != nil {
		p.stopEndpoint(endpoint)
		p.sem.Release(1)
		return nil, err
	}

	return &Lease{Driver: drv, pool: p, endpoint: endpoint}, nil
}

// Release closes the driver, tears down its endpoint and returns the slot.
// Safe to call more than once.
func (l *Lease) Release() {
	l.releaseOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := l.Driver.Close(ctx); err != nil {
			log.Printf("warning: failed to close driver: %v", err)
		}
		l.pool.stopEndpoint(l.endpoint)
		l.pool.sem.Release(1)
	})
}

func (p *Pool) stopEndpoint(endpoint *Endpoint) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.launcher.Stop(ctx, endpoint); err != nil {
		log.Printf("warning: failed to stop browser endpoint: %v", err)
	}
}
