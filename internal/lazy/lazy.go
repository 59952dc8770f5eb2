// Package lazy provides coalesced, cache-on-success initialization.
package lazy

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Value holds a lazily initialized T. Concurrent callers arriving while an
// initialization is in flight share its result; only successful results are
// cached, so a failed initialization is retried by the next caller.
//
// Reset starts a new generation. An initialization begun before Reset still
// answers the callers that joined it, but its result is never cached.
type Value[T any] struct {
	init  func(ctx context.Context) (T, error)
	group singleflight.Group

	mu  sync.Mutex
	gen uint64
	val *T
}

// New returns a Value backed by init.
func New[T any](init func(ctx context.Context) (T, error)) *Value[T] {
	return &Value[T]{init: init}
}

func (v *Value[T]) current() (*T, uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.val, v.gen
}

// Get returns the cached value or runs the initializer.
func (v *Value[T]) Get(ctx context.Context) (T, error) {
	p, gen := v.current()
	if p != nil {
		return *p, nil
	}
	res, err, _ := v.group.Do(strconv.FormatUint(gen, 10), func() (any, error) {
		if p, cur := v.current(); p != nil && cur == gen {
			return *p, nil
		}
		val, err := v.init(ctx)
		if err != nil {
			return nil, err
		}
		v.mu.Lock()
		if v.gen == gen {
			v.val = &val
		}
		v.mu.Unlock()
		return val, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return res.(T), nil
}

// Loaded reports whether a value is cached.
func (v *Value[T]) Loaded() bool {
	p, _ := v.current()
	return p != nil
}

// Peek returns the cached value without initializing.
func (v *Value[T]) Peek() (T, bool) {
	if p, _ := v.current(); p != nil {
		return *p, true
	}
	var zero T
	return zero, false
}

// Reset drops the cached value; the next Get initializes again.
func (v *Value[T]) Reset() {
	v.mu.Lock()
	v.gen++
	v.val = nil
	v.mu.Unlock()
}
