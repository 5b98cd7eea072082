package dispatch

import "context"

type loopKey struct{}

type borrowedKey struct{}

type workerKey struct{}

// binding ties a context to one run of a loop
type binding struct {
	loop *Loop
	run  uint64
}

func withBinding(ctx context.Context, l *Loop, run uint64) context.Context {
	return context.WithValue(ctx, loopKey{}, binding{loop: l, run: run})
}

// FromContext returns the loop ctx was issued from, if any
func FromContext(ctx context.Context) (*Loop, bool) {
	if ctx == nil {
		return nil, false
	}
	b, ok := ctx.Value(loopKey{}).(binding)
	if !ok {
		return nil, false
	}
	return b.loop, true
}

// WithBorrowed marks ctx as running inside a loop borrowed by a blocking caller
func WithBorrowed(ctx context.Context) context.Context {
	return context.WithValue(ctx, borrowedKey{}, true)
}

// IsBorrowed reports whether ctx runs inside a borrowed loop
func IsBorrowed(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	borrowed, _ := ctx.Value(borrowedKey{}).(bool)
	return borrowed
}

// WithWorker marks ctx as belonging to a goroutine dedicated to the loop
func WithWorker(ctx context.Context) context.Context {
	return context.WithValue(ctx, workerKey{}, true)
}

// IsWorker reports whether ctx belongs to a worker goroutine
func IsWorker(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	worker, _ := ctx.Value(workerKey{}).(bool)
	return worker
}

// Inherit carries the borrowed and worker markers of from over to ctx. Completion
// callbacks use it so nested calls see the same call context as the issuing call.
func Inherit(ctx, from context.Context) context.Context {
	if IsBorrowed(from) && !IsBorrowed(ctx) {
		ctx = WithBorrowed(ctx)
	}
	if IsWorker(from) && !IsWorker(ctx) {
		ctx = WithWorker(ctx)
	}
	return ctx
}
