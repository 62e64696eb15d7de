package nativefs

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned by Do after Close.
var ErrPoolClosed = errors.New("nativefs: pool closed")

// Pool is a fixed set of goroutines dedicated to blocking filesystem calls.
// Request handlers hand their NativeFS work to the pool and wait on a context
// instead of issuing syscalls on their own goroutine.
type Pool struct {
	jobs   chan func()
	done   chan struct{}
	wg     sync.WaitGroup
	closed sync.Once
}

// NewPool starts n workers.
func NewPool(n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		jobs: make(chan func()),
		done: make(chan struct{}),
	}
	for range n {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case job := <-p.jobs:
					job()
				case <-p.done:
					return
				}
			}
		}()
	}
	return p
}

// Do runs fn on a pool goroutine and waits for it. If ctx ends first Do
// returns ctx.Err(); fn still runs to completion since a syscall cannot be
// interrupted.
func (p *Pool) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	job := func() {
		defer close(finished)
		fn()
	}
	select {
	case <-p.done:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	case p.jobs <- job:
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work and waits for running jobs.
func (p *Pool) Close() {
	p.closed.Do(func() { close(p.done) })
	p.wg.Wait()
}

// Call runs fn on the pool and returns its result.
func Call[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	var (
		out  T
		ferr error
	)
	if err := p.Do(ctx, func() { out, ferr = fn() }); err != nil {
		var zero T
		return zero, err
	}
	return out, ferr
}
