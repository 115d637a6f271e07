// SPDX-License-Identifier: Apache-2.0

// Package workerpool is the bounded-concurrency helper shared by ingest and
// the filters: a fixed-size worker group built on golang.org/x/sync/errgroup
// (the concurrent-walk idiom distr1's package builder uses for its DWARF
// scan), plus a cancellation token that replaces a global interrupt flag
// with something goroutines can check and each other can trip.
package workerpool

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Token is shared by every worker in a run. Any worker that hits an
// unrecoverable error calls Cancel; every other worker observes Done and
// stops picking up new work at its next loop boundary. This replaces a
// single mutable "interrupted" flag checked from a main thread: here any
// goroutine can both trip and observe it, and context cancellation
// propagates to blocking I/O the same way ctx.Done() would.
type Token struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewToken derives a cancellable token from parent.
func NewToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancelCause(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Context returns the token's context; pass it to blocking calls (file
// reads, DB queries) so they unblock promptly on cancellation.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Cancel trips the token with cause. Safe to call multiple times and from
// multiple goroutines; only the first call's cause is recorded.
func (t *Token) Cancel(cause error) {
	t.cancel(cause)
}

// Cancelled reports whether the token has been tripped.
func (t *Token) Cancelled() bool {
	select {
	case <-t.ctx.Done():
		return true
	default:
		return false
	}
}

// Err returns the cause passed to Cancel, or nil if the token is still live.
func (t *Token) Err() error {
	return context.Cause(t.ctx)
}

// Pool is a fixed-size group of workers draining a stream of tasks. It
// wraps errgroup.Group with SetLimit so callers get "at most N concurrent"
// semantics without hand-rolling a semaphore channel.
type Pool struct {
	group *errgroup.Group
	ctx   context.Context
	token *Token
}

// New creates a Pool capped at maxConcurrent simultaneous tasks, sharing
// token's cancellation: the first task error cancels every other worker,
// and tripping token directly (from outside the pool) cancels it too.
func New(token *Token, maxConcurrent int) *Pool {
	group, ctx := errgroup.WithContext(token.Context())
	group.SetLimit(maxConcurrent)
	return &Pool{group: group, ctx: ctx, token: token}
}

// Go submits a task, blocking if maxConcurrent tasks are already in
// flight. It never runs fn once the pool's context has been cancelled.
func (p *Pool) Go(fn func(ctx context.Context) error) {
	p.group.Go(func() error {
		if p.ctx.Err() != nil {
			return nil
		}
		return fn(p.ctx)
	})
}

// Wait blocks until every submitted task has returned, then returns the
// first non-nil error any of them produced (if any).
func (p *Pool) Wait() error {
	return p.group.Wait()
}

// Semaphore is a counting semaphore used where a component needs finer
// in-flight control than a single Pool limit (e.g. ingest's separate
// "256 in-flight blob writes" cap layered under its 6-worker pool).
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore creates a semaphore allowing n concurrent holders.
func NewSemaphore(n int) *Semaphore {
	return &Semaphore{slots: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot.
func (s *Semaphore) Release() {
	<-s.slots
}
