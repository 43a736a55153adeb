// Package pool provides a fixed-size resource pool with blocking acquire and
// FIFO hand-off on release.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
)

// Stats is a point-in-time view of a pool.
type Stats struct {
	Idle    int `json:"idle"`
	Busy    int `json:"busy"`
	Waiting int `json:"waiting"`
	Total   int `json:"total"`
}

type waiter[T comparable] struct {
	ch     chan T
	handed bool
}

// Pool owns a fixed set of workers. Every worker is either idle or busy,
// never both. A release with queued waiters hands the worker straight to the
// oldest waiter, so it stays busy and never passes through idle.
type Pool[T comparable] struct {
	mu      sync.Mutex
	all     []T
	idle    []T
	busy    map[T]struct{}
	waiters *list.List
}

// New creates a pool over workers. The set is never resized afterwards.
func New[T comparable](workers []T) (*Pool[T], error) {
	if len(workers) == 0 {
		return nil, errors.New("pool requires at least one worker")
	}
	seen := make(map[T]struct{}, len(workers))
	for _, w := range workers {
		if _, ok := seen[w]; ok {
			return nil, fmt.Errorf("duplicate worker %v", w)
		}
		seen[w] = struct{}{}
	}
	return &Pool[T]{
		all:     append([]T(nil), workers...),
		idle:    append([]T(nil), workers...),
		busy:    make(map[T]struct{}, len(workers)),
		waiters: list.New(),
	}, nil
}

// Acquire returns an idle worker or blocks until one is released.
// There is no acquire timeout; ctx only unblocks callers during shutdown.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		w := p.idle[0]
		p.idle = p.idle[1:]
		p.busy[w] = struct{}{}
		p.mu.Unlock()
		return w, nil
	}
	wt := &waiter[T]{ch: make(chan T, 1)}
	elem := p.waiters.PushBack(wt)
	p.mu.Unlock()

	select {
	case w := <-wt.ch:
		return w, nil
	case <-ctx.Done():
	}

	p.mu.Lock()
	if !wt.handed {
		p.waiters.Remove(elem)
		p.mu.Unlock()
		var zero T
		return zero, ctx.Err()
	}
	p.mu.Unlock()
	// A release raced the cancellation; pass the worker on.
	p.Release(<-wt.ch)
	var zero T
	return zero, ctx.Err()
}

// Release returns w to the pool. It reports false when w is not busy.
func (p *Pool[T]) Release(w T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.busy[w]; !ok {
		return false
	}
	if front := p.waiters.Front(); front != nil {
		wt := p.waiters.Remove(front).(*waiter[T])
		wt.handed = true
		wt.ch <- w
		return true
	}
	delete(p.busy, w)
	p.idle = append(p.idle, w)
	return true
}

// Stats returns current counters.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:    len(p.idle),
		Busy:    len(p.busy),
		Waiting: p.waiters.Len(),
		Total:   len(p.all),
	}
}

// Workers returns every worker regardless of state.
func (p *Pool[T]) Workers() []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]T(nil), p.all...)
}

// IsBusy reports whether w is currently checked out.
func (p *Pool[T]) IsBusy(w T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.busy[w]
	return ok
}
