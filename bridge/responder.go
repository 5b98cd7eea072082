package bridge

import (
	"context"
	"fmt"

	"github.com/glimte/artery-go/contracts"
	"github.com/glimte/artery-go/messaging"
	"github.com/glimte/artery-go/routing"
	"github.com/glimte/artery-go/serialization"
)

// Incoming is a request or publish received on a handled route
type Incoming struct {
	Route    routing.Address
	Envelope *contracts.Envelope
	codec    serialization.Codec
}

// Decode decodes the request body into v
func (in *Incoming) Decode(v interface{}) error {
	return in.codec.Unmarshal(in.Envelope.Body, v)
}

// RequestHandler answers an incoming request. It runs on the dispatch loop and must
// not block. The returned value is encoded as the reply body; a returned error is
// reported to the requester as a remote error. Publishes are handled the same way
// but nothing is sent back.
type RequestHandler func(ctx context.Context, in *Incoming) (interface{}, error)

// Handle subscribes handler to route
func (b *Bridge) Handle(ctx context.Context, route routing.Address, handler RequestHandler) (messaging.SubscriptionID, error) {
	if route.IsZero() {
		return 0, fmt.Errorf("%w: empty route", routing.ErrInvalid)
	}
	if handler == nil {
		return 0, fmt.Errorf("handler cannot be nil")
	}

	return b.transport.Subscribe(ctx, route.ToRoute(), func(ctx context.Context, msg *messaging.Message) {
		b.respond(ctx, route, handler, msg)
	})
}

func (b *Bridge) respond(ctx context.Context, route routing.Address, handler RequestHandler, msg *messaging.Message) {
	var env contracts.Envelope
	if err := b.codec.Unmarshal(msg.Data, &env); err != nil {
		b.logger.Warn("dropping undecodable message", "route", route.String(), "error", err)
		return
	}

	result, err := handler(ctx, &Incoming{Route: route, Envelope: &env, codec: b.codec})
	if msg.Reply == "" {
		if err != nil {
			b.logger.Warn("handler failed", "route", route.String(), "error", err)
		}
		return
	}

	var reply *contracts.Envelope
	if err != nil {
		reply = env.ReplyTo(nil)
		reply.Error = err.Error()
	} else if body, encErr := b.codec.Marshal(result); encErr != nil {
		reply = env.ReplyTo(nil)
		reply.Error = fmt.Sprintf("encode reply: %v", encErr)
	} else {
		reply = env.ReplyTo(body)
	}
	reply.Source = b.service

	data, err := b.codec.Marshal(reply)
	if err != nil {
		b.logger.Error("failed to encode reply envelope", "route", route.String(), "error", err)
		return
	}

	if err := b.transport.Publish(ctx, msg.Reply, data, nil); err != nil {
		b.logger.Warn("failed to send reply", "route", route.String(), "error", err)
	}
}
