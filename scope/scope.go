// Package scope carries the active span set of a request through a
// context.Context.
//
// A scope is a mutable slot opened by Run (or Open) and bound into the
// context. Every context derived from it, including those handed to other
// goroutines, resolves to the same slot, so code deep in a handler can find
// the request's spans without them being passed as arguments. Scopes opened
// for different requests never share a slot.
package scope

import (
	"context"
	"net/http"
	"sync"

	"github.com/opentracing/opentracing-go"

	"github.com/kzs0/autotrace/fanout"
)

type slotKey struct{}

type slot struct {
	mu  sync.RWMutex
	set *fanout.Set
}

// Open returns a context carrying a new, empty scope. An enclosing scope in
// ctx is shadowed, not modified.
func Open(ctx context.Context) context.Context {
	return context.WithValue(ctx, slotKey{}, &slot{})
}

// Run opens a scope and calls fn with a context carrying it.
func Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(Open(ctx))
}

// ContextWithSet opens a scope already bound to set.
func ContextWithSet(ctx context.Context, set *fanout.Set) context.Context {
	return context.WithValue(ctx, slotKey{}, &slot{set: set})
}

// SetActive binds set to the innermost scope in ctx for the rest of that
// scope. It returns false, and does nothing, when ctx carries no scope.
func SetActive(ctx context.Context, set *fanout.Set) bool {
	s, ok := ctx.Value(slotKey{}).(*slot)
	if !ok {
		return false
	}
	s.mu.Lock()
	s.set = set
	s.mu.Unlock()
	return true
}

// Active returns the set bound to the innermost scope in ctx. It reports
// false outside any scope and before SetActive.
func Active(ctx context.Context) (*fanout.Set, bool) {
	if ctx == nil {
		return nil, false
	}
	s, ok := ctx.Value(slotKey{}).(*slot)
	if !ok {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.set, s.set != nil
}

// Inject writes the active set's contexts into h. Without an active set it
// does nothing.
func Inject(ctx context.Context, h http.Header) error {
	set, ok := Active(ctx)
	if !ok {
		return nil
	}
	return set.InjectAll(h)
}

// SpanFor returns the active span that belongs to tracer.
func SpanFor(ctx context.Context, tracer opentracing.Tracer) (opentracing.Span, bool) {
	set, ok := Active(ctx)
	if !ok {
		return nil, false
	}
	for i, t := range set.Tracers() {
		if t == tracer {
			return set.Span(i), true
		}
	}
	return nil, false
}
