// Package dispatch provides the single-threaded dispatch loop that drives transport I/O.
//
// A Loop is an explicitly owned resource: a transport creates one, runs it with Run,
// and tears it down with Stop. At most one goroutine runs a given Loop at any time;
// a second Run while the first is active fails with ErrAlreadyRunning instead of
// racing over shared transport state.
//
// Code executing on the loop receives a context marked with the loop, so callers can
// tell whether they are already inside it:
//
//	err := loop.Run(ctx, func(ctx context.Context) {
//	    loop.Inside(ctx) // true
//	})
//
// The package also carries the call-context markers the request bridge threads through
// its call chain: WithBorrowed marks a loop started by a blocking caller for the
// duration of one synchronous call, WithWorker marks code running under a goroutine
// dedicated to the loop.
package dispatch
