package session

import (
	"context"
	"errors"
	"sync"
)

// ErrSuperseded is returned by Latest.Fetch when a newer fetch started
// before this one finished. Its result is discarded.
var ErrSuperseded = errors.New("superseded by a newer request")

// Ticket identifies one fetch started through a Latest.
type Ticket uint64

// Latest caches the result of the most recently started request. Results
// from requests that were overtaken by a newer one are dropped, so a slow
// stale response can never overwrite a fresh one.
type Latest[T any] struct {
	mu    sync.Mutex
	seq   uint64
	value T
	ok    bool
}

// Begin starts a request and returns its ticket.
func (l *Latest[T]) Begin() Ticket {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	return Ticket(l.seq)
}

// Commit stores v if t is still the newest ticket and reports whether it did.
func (l *Latest[T]) Commit(t Ticket, v T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if uint64(t) != l.seq {
		return false
	}
	l.value, l.ok = v, true
	return true
}

// Get returns the cached value and whether one has been stored.
func (l *Latest[T]) Get() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value, l.ok
}

// Fetch runs fn under a new ticket and caches its result. If another Fetch
// began while fn was running, the result is discarded and ErrSuperseded
// returned.
func (l *Latest[T]) Fetch(ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	t := l.Begin()
	v, err := fn(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	if !l.Commit(t, v) {
		var zero T
		return zero, ErrSuperseded
	}
	return v, nil
}
