package bridge

import (
	"context"

	"github.com/glimte/artery-go/routing"
)

type callResult struct {
	reply *Reply
	err   error
}

// Call is a blocking Request. A timeout is returned as a *TimeoutSignal and a
// responder failure as a *contracts.RemoteError.
func (b *Bridge) Call(ctx context.Context, route routing.Address, payload interface{}, opts RequestOptions) (*Reply, error) {
	if b.transport.Inside(ctx) {
		return nil, ErrInsideLoop
	}

	done := make(chan callResult, 1)
	err := b.Request(ctx, route, payload, opts, func(_ context.Context, reply *Reply, err error) {
		done <- callResult{reply: reply, err: err}
	})
	if err != nil {
		return nil, err
	}

	select {
	case res := <-done:
		return res.reply, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
