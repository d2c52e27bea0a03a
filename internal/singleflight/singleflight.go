// Package singleflight coalesces concurrent calls for the same key into a
// single execution whose result all callers share. It backs the token
// refresh coordinator, where issuing duplicate refresh calls would rotate
// credentials out from under in-flight requests.
package singleflight

import (
	"context"
	"errors"
	"sync"
)

// ErrAbandoned is observed by waiters when the owning call panicked before
// producing a result.
var ErrAbandoned = errors.New("singleflight: shared call abandoned")

// Group manages in-flight calls keyed by string.
type Group struct {
	mu sync.Mutex
	m  map[string]*call
}

type call struct {
	done    chan struct{}
	val     interface{}
	err     error
	waiters int
}

// New returns an empty Group.
func New() *Group {
	return &Group{m: make(map[string]*call)}
}

// Do executes fn, ensuring only one execution is in flight for key at a
// time. Duplicate callers wait for the original and receive its result, or
// their own context error if ctx ends first (the shared execution keeps
// running for the remaining callers). The in-flight marker is removed on
// every exit path, including a panic inside fn.
func (g *Group) Do(ctx context.Context, key string, fn func() (interface{}, error)) (interface{}, error) {
	g.mu.Lock()
	if c, ok := g.m[key]; ok {
		c.waiters++
		g.mu.Unlock()
		select {
		case <-c.done:
			return c.val, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c := &call{done: make(chan struct{})}
	g.m[key] = c
	g.mu.Unlock()

	completed := false
	defer func() {
		if !completed {
			c.err = ErrAbandoned
		}
		g.mu.Lock()
		if g.m[key] == c {
			delete(g.m, key)
		}
		g.mu.Unlock()
		close(c.done)
	}()

	c.val, c.err = fn()
	completed = true
	return c.val, c.err
}

// Pending reports whether a call for key is currently in flight.
func (g *Group) Pending(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.m[key]
	return ok
}

// Forget drops the in-flight marker for key so the next Do starts a fresh
// execution even if a previous call has not returned.
func (g *Group) Forget(key string) {
	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()
}
