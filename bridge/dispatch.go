package bridge

import (
	"context"
	"errors"

	"github.com/glimte/artery-go/dispatch"
)

// dispatch issues an operation from whatever context the caller is in.
//
//  1. On the loop, or while a worker owns the running loop: issue in place.
//  2. Elsewhere: wait until no other goroutine runs the loop, run it here as a
//     borrowed run, issue, and return once the completion of the last outstanding
//     operation has stopped the loop.
//
// Nested calls from callbacks of a borrowed loop see the loop context and take 1.
func (b *Bridge) dispatch(ctx context.Context, issue func(ctx context.Context) error) error {
	if b.transport.Inside(ctx) {
		return issue(ctx)
	}

	if b.workerOwnsLoop(ctx) {
		return issue(dispatch.WithWorker(ctx))
	}

	return b.borrow(ctx, issue)
}

// workerOwnsLoop reports whether the running loop belongs to RunWorker. A borrowed
// run does not qualify even when ctx carries the worker marker of an earlier run.
func (b *Bridge) workerOwnsLoop(ctx context.Context) bool {
	if !b.transport.Running() {
		return false
	}
	return b.workerRun.Load() || (dispatch.IsWorker(ctx) && b.worker.Load())
}

// borrow runs the loop on the calling goroutine for the lifetime of the outstanding
// operations. ctx bounds only the wait for a foreign loop to stop.
func (b *Bridge) borrow(ctx context.Context, issue func(ctx context.Context) error) error {
	runCtx := dispatch.WithBorrowed(context.WithoutCancel(ctx))

	for {
		if b.transport.Running() {
			b.logger.Debug("waiting for dispatch loop held by another caller")
			if err := b.transport.WaitStopped(ctx); err != nil {
				return err
			}
		}

		var issueErr error
		err := b.transport.Start(runCtx, func(loopCtx context.Context) {
			if issueErr = issue(loopCtx); issueErr != nil {
				// Nothing of this call is in flight; stop unless others still are
				b.Stop()
			}
		})
		if errors.Is(err, dispatch.ErrAlreadyRunning) {
			continue
		}
		if err != nil {
			return err
		}
		return issueErr
	}
}
