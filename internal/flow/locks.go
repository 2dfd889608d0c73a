package flow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrFlowBusy means another goroutine holds the flow's lock and the
// bounded wait ran out. Webhook callers still answer 200; the gateway
// retry or the sweeper picks the mail up again.
var ErrFlowBusy = errors.New("flow busy")

// flowLocks serialises operations per flow id. Locks are created on
// first use and removed when released uncontended, so the map does not
// grow with flow history.
type flowLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*flowLock
}

type flowLock struct {
	ch   chan struct{} // buffered(1); holding the token means holding the lock
	refs int
}

func newFlowLocks() *flowLocks {
	return &flowLocks{locks: make(map[uuid.UUID]*flowLock)}
}

// acquire blocks up to wait for the flow's lock.
func (l *flowLocks) acquire(ctx context.Context, id uuid.UUID, wait time.Duration) error {
	l.mu.Lock()
	fl, ok := l.locks[id]
	if !ok {
		fl = &flowLock{ch: make(chan struct{}, 1)}
		fl.ch <- struct{}{}
		l.locks[id] = fl
	}
	fl.refs++
	l.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-fl.ch:
		return nil
	case <-timer.C:
		l.release(id, false)
		return ErrFlowBusy
	case <-ctx.Done():
		l.release(id, false)
		return ctx.Err()
	}
}

// release returns the token (when held) and drops the map entry once
// nobody references it.
func (l *flowLocks) release(id uuid.UUID, held bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fl, ok := l.locks[id]
	if !ok {
		return
	}
	if held {
		fl.ch <- struct{}{}
	}
	fl.refs--
	if fl.refs <= 0 {
		delete(l.locks, id)
	}
}
