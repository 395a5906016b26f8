package mux

import (
	"context"
	"sync"
)

// waiter is a one-shot broadcast handle: any number of goroutines wait, the
// first resolution or rejection wins and releases them all.
type waiter struct {
	done   chan struct{}
	once   sync.Once
	result *TurnResult
	err    error
}

func newWaiter() *waiter {
	return &waiter{done: make(chan struct{})}
}

func (w *waiter) resolve(res *TurnResult) {
	w.once.Do(func() {
		w.result = res
		close(w.done)
	})
}

func (w *waiter) reject(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}

func (w *waiter) wait(ctx context.Context) (*TurnResult, error) {
	select {
	case <-w.done:
		return w.result, w.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
