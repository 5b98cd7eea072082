package bridge

import (
	"context"
	"errors"

	"github.com/glimte/artery-go/dispatch"
)

// RunWorker runs the dispatch loop on the calling goroutine until ctx is done or the
// loop is stopped. While it runs, calls from any goroutine issue in place.
//
// Operations still outstanding when the worker's run ends are driven to their reply
// or timeout before RunWorker returns.
func (b *Bridge) RunWorker(ctx context.Context, onReady func(ctx context.Context)) error {
	if !b.worker.CompareAndSwap(false, true) {
		return ErrWorkerRunning
	}
	defer b.worker.Store(false)

	for {
		if err := b.transport.WaitStopped(ctx); err != nil {
			return err
		}

		err := b.transport.Start(ctx, func(loopCtx context.Context) {
			b.workerRun.Store(true)
			b.logger.Debug("worker loop started")
			if onReady != nil {
				onReady(dispatch.WithWorker(loopCtx))
			}
		})
		if errors.Is(err, dispatch.ErrAlreadyRunning) {
			continue
		}
		b.workerRun.Store(false)

		b.drain(ctx)
		return err
	}
}

// drain runs the loop as a borrowed run until no operation is outstanding
func (b *Bridge) drain(ctx context.Context) {
	runCtx := dispatch.WithBorrowed(context.WithoutCancel(ctx))

	for b.pending.len() > 0 {
		b.logger.Debug("draining outstanding operations", "pending", b.pending.len())

		if err := b.transport.WaitStopped(runCtx); err != nil {
			return
		}
		err := b.transport.Start(runCtx, func(context.Context) {
			b.Stop()
		})
		if errors.Is(err, dispatch.ErrAlreadyRunning) {
			continue
		}
		if err != nil {
			b.logger.Warn("failed to drain outstanding operations", "pending", b.pending.len(), "error", err)
			return
		}
	}
}
