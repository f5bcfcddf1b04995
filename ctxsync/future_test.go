// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ctxsync

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestFuture(t *testing.T) {
	var (
		f    = NewFuture[int]()
		done sync.WaitGroup
	)
	const N = 100
	done.Add(N)
	for i := 0; i < N; i++ {
		go func() {
			defer done.Done()
			v, err := f.Wait(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			if got, want := v, 42; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
		}()
	}
	if f.Done() {
		t.Fatal("future done before completion")
	}
	f.Complete(42, nil)
	done.Wait()
	if !f.Done() {
		t.Error("future not done")
	}
}

func TestFutureError(t *testing.T) {
	f := NewFuture[string]()
	want := errors.New("failed")
	f.Complete("", want)
	if _, got := f.Wait(context.Background()); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFutureContext(t *testing.T) {
	f := NewFuture[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, got := f.Wait(ctx); got != context.Canceled {
		t.Errorf("got %v, want %v", got, context.Canceled)
	}
	// The future can still be completed and waited on.
	f.Complete(1, nil)
	if v, err := f.Wait(context.Background()); err != nil || v != 1 {
		t.Errorf("got %v, %v, want 1, nil", v, err)
	}
}

func TestFutureCompleteTwice(t *testing.T) {
	f := NewFuture[int]()
	f.Complete(1, nil)
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	f.Complete(2, nil)
}
