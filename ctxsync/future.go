// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ctxsync provides context-aware synchronization primitives.
package ctxsync

import (
	"context"
	"sync"
)

// cond is a condition variable with a context-aware wait.
type cond struct {
	l     sync.Locker
	waitc chan struct{}
}

// broadcast notifies waiters of a state change. It must be called
// while the cond's lock is held.
func (c *cond) broadcast() {
	if c.waitc != nil {
		close(c.waitc)
		c.waitc = nil
	}
}

// wait returns after the next call to broadcast, or if the context
// is complete, in which case the context's error is returned. The
// cond's lock must be held when calling wait.
func (c *cond) wait(ctx context.Context) error {
	if c.waitc == nil {
		c.waitc = make(chan struct{})
	}
	waitc := c.waitc
	c.l.Unlock()
	var err error
	select {
	case <-waitc:
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.l.Lock()
	return err
}

// A Future is a value that is computed asynchronously. It is
// completed exactly once, with either a value or an error, and may be
// waited on by any number of goroutines.
type Future[T any] struct {
	mu   sync.Mutex
	cond cond
	done bool
	val  T
	err  error
}

// NewFuture returns a new, incomplete future.
func NewFuture[T any]() *Future[T] {
	f := new(Future[T])
	f.cond.l = &f.mu
	return f
}

// Complete completes the future with the provided value and error.
// Complete panics if the future is already complete.
func (f *Future[T]) Complete(val T, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		panic("ctxsync: future completed twice")
	}
	f.done, f.val, f.err = true, val, err
	f.cond.broadcast()
}

// Done tells whether the future is complete.
func (f *Future[T]) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// Wait returns the future's value and error once it is complete. If
// the context is done first, Wait returns the context's error.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for !f.done {
		if err := f.cond.wait(ctx); err != nil {
			var zero T
			return zero, err
		}
	}
	return f.val, f.err
}
