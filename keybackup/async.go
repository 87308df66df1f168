// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keybackup

import (
	"context"
	"sync"
)

// Pending is the result of an operation started with [Dispatch].
type Pending[T any] struct {
	cancel context.CancelFunc
	done   chan struct{}

	lock      sync.Mutex
	result    T
	err       error
	completed bool
	cancelled bool
	released  bool
	handler   func(T, error)
}

// Dispatch runs fn in a new goroutine with a child context that is cancelled by [Pending.Cancel].
//
// Example:
//
//	pending := keybackup.Dispatch(ctx, func(ctx context.Context) (*keybackup.Version, error) {
//		return store.GetLastVersion(ctx)
//	})
//	version, err := pending.Wait(ctx)
func Dispatch[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) *Pending[T] {
	ctx, cancel := context.WithCancel(ctx)
	p := &Pending[T]{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.run(ctx, fn)
	return p
}

func (p *Pending[T]) run(ctx context.Context, fn func(ctx context.Context) (T, error)) {
	defer p.cancel()
	result, err := fn(ctx)
	p.lock.Lock()
	if p.cancelled {
		var zero T
		result, err = zero, context.Canceled
	}
	p.result, p.err = result, err
	p.completed = true
	handler := p.takeHandler()
	p.lock.Unlock()
	close(p.done)
	if handler != nil {
		handler(result, err)
	}
}

// takeHandler must be called with the lock held.
func (p *Pending[T]) takeHandler() func(T, error) {
	if p.cancelled || p.released || p.handler == nil {
		return nil
	}
	handler := p.handler
	p.handler = nil
	p.released = true
	return handler
}

// Done returns a channel that is closed when the operation has finished.
func (p *Pending[T]) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the operation finishes or ctx is done.
// After [Pending.Cancel], it returns [context.Canceled] immediately.
func (p *Pending[T]) Wait(ctx context.Context) (T, error) {
	var zero T
	p.lock.Lock()
	cancelled := p.cancelled
	p.lock.Unlock()
	if cancelled {
		return zero, context.Canceled
	}
	select {
	case <-p.done:
		p.lock.Lock()
		defer p.lock.Unlock()
		return p.result, p.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// OnComplete registers a function to call with the result. Only one handler is kept and it is called at most once.
// If the operation has already finished, the handler is called immediately in the current goroutine.
// The handler is dropped without being called if the operation is cancelled.
func (p *Pending[T]) OnComplete(handler func(T, error)) {
	p.lock.Lock()
	if p.cancelled || p.released {
		p.lock.Unlock()
		return
	}
	p.handler = handler
	var result T
	var err error
	var call func(T, error)
	if p.completed {
		call = p.takeHandler()
		result, err = p.result, p.err
	}
	p.lock.Unlock()
	if call != nil {
		call(result, err)
	}
}

// Cancel cancels the operation and drops the completion handler.
// Cancelling an operation that has already finished only drops the handler.
func (p *Pending[T]) Cancel() {
	p.lock.Lock()
	if !p.completed {
		p.cancelled = true
	}
	p.handler = nil
	p.released = true
	p.lock.Unlock()
	p.cancel()
}
