// Package singleflight coalesces concurrent calls that share a key.
package singleflight

import (
	"context"
	"sync"
)

// Group manages a set of in-flight calls to prevent duplicate work.
type Group[T any] struct {
	mu sync.Mutex
	m  map[string]*call[T]
}

// call represents an active function call.
type call[T any] struct {
	done    chan struct{}
	cancel  context.CancelFunc
	val     T
	err     error
	dups    int
	waiters int
}

// New creates a new singleflight Group.
func New[T any]() *Group[T] {
	return &Group[T]{
		m: make(map[string]*call[T]),
	}
}

// Do executes fn and returns its results, making sure that only one
// execution is in-flight for a given key at a time. A duplicate caller waits
// for the original and receives the same results with shared set to true.
// The key is released as soon as fn returns.
func (g *Group[T]) Do(key string, fn func() (T, error)) (val T, err error, shared bool) {
	return g.DoContext(context.Background(), key, func(context.Context) (T, error) {
		return fn()
	})
}

// DoContext is like Do, but fn runs under a context that carries the first
// caller's values and is cancelled only once every waiting caller has left.
// A caller whose ctx ends stops waiting and gets ctx's cause; the others
// keep waiting for fn.
func (g *Group[T]) DoContext(ctx context.Context, key string, fn func(context.Context) (T, error)) (val T, err error, shared bool) {
	g.mu.Lock()
	c, ok := g.m[key]
	if ok {
		c.dups++
	} else {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c = &call[T]{done: make(chan struct{}), cancel: cancel}
		g.m[key] = c
		go g.run(fctx, key, c, fn)
	}
	c.waiters++
	g.mu.Unlock()

	select {
	case <-c.done:
		g.mu.Lock()
		shared = ok || c.dups > 0
		g.mu.Unlock()
		return c.val, c.err, shared
	case <-ctx.Done():
		g.mu.Lock()
		c.waiters--
		if c.waiters == 0 {
			c.cancel()
			if g.m[key] == c {
				delete(g.m, key)
			}
		}
		g.mu.Unlock()
		var zero T
		return zero, context.Cause(ctx), ok
	}
}

func (g *Group[T]) run(ctx context.Context, key string, c *call[T], fn func(context.Context) (T, error)) {
	defer c.cancel()
	c.val, c.err = fn(ctx)

	g.mu.Lock()
	if g.m[key] == c {
		delete(g.m, key)
	}
	g.mu.Unlock()
	close(c.done)
}

// InFlight reports the number of keys currently executing.
func (g *Group[T]) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.m)
}

// Forget releases key so that the next Do executes even while an earlier
// call for it is still running.
func (g *Group[T]) Forget(key string) {
	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()
}
