package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/glimte/artery-go/contracts"
	"github.com/glimte/artery-go/dispatch"
	"github.com/glimte/artery-go/messaging"
	"github.com/glimte/artery-go/routing"
	"github.com/glimte/artery-go/serialization"
	"github.com/google/uuid"
)

// DefaultTimeout applies to requests issued without a timeout of their own
const DefaultTimeout = 10 * time.Second

// ReplyHandler receives the outcome of a request. err is a *TimeoutSignal when no
// reply arrived, a *contracts.RemoteError when the responder failed, or a decode
// error; reply is nil for timeouts and decode errors.
type ReplyHandler func(ctx context.Context, reply *Reply, err error)

// RequestOptions configures a single request
type RequestOptions struct {
	// Timeout defaults to the bridge default when zero
	Timeout time.Duration
}

// Reply is a decoded reply envelope
type Reply struct {
	Route    routing.Address
	Envelope *contracts.Envelope
	codec    serialization.Codec
}

// Decode decodes the reply body into v
func (r *Reply) Decode(v interface{}) error {
	return r.codec.Unmarshal(r.Envelope.Body, v)
}

// Bridge correlates requests with replies over a messaging.Transport and bridges
// blocking callers onto the transport's dispatch loop
type Bridge struct {
	transport      messaging.Transport
	logger         *slog.Logger
	defaultTimeout time.Duration
	service        string
	codec          serialization.Codec
	worker         atomic.Bool
	workerRun      atomic.Bool
	pending        *pendingSet
}

// Option configures a Bridge
type Option func(*Bridge)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithDefaultTimeout sets the timeout of requests that do not carry one
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(b *Bridge) {
		b.defaultTimeout = timeout
	}
}

// WithService sets the service name stamped on outgoing envelopes
func WithService(service string) Option {
	return func(b *Bridge) {
		b.service = service
	}
}

// WithCodec sets the payload codec
func WithCodec(codec serialization.Codec) Option {
	return func(b *Bridge) {
		b.codec = codec
	}
}

// New creates a bridge over transport
func New(transport messaging.Transport, opts ...Option) *Bridge {
	b := &Bridge{
		transport:      transport,
		logger:         slog.Default(),
		defaultTimeout: DefaultTimeout,
		codec:          serialization.JSON{},
		pending:        newPendingSet(),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Transport returns the underlying transport
func (b *Bridge) Transport() messaging.Transport {
	return b.transport
}

// Codec returns the payload codec
func (b *Bridge) Codec() serialization.Codec {
	return b.codec
}

// Request sends payload to route and hands the reply or the timeout to cb, exactly
// once. Errors returned here mean nothing was sent and cb will not be called.
//
// From inside the loop, or while RunWorker owns it, Request returns as soon as the
// request is issued. From anywhere else it runs the loop on the calling goroutine
// until every outstanding operation completed, so cb has run by the time Request
// returns.
func (b *Bridge) Request(ctx context.Context, route routing.Address, payload interface{}, opts RequestOptions, cb ReplyHandler) error {
	if cb == nil {
		return ErrNoCallback
	}
	if route.IsZero() {
		return fmt.Errorf("%w: empty route", routing.ErrInvalid)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	op := &operation{
		correlationID: uuid.NewString(),
		route:         route,
		payload:       payload,
		kind:          kindRequest,
		onReply:       cb,
	}

	data, err := b.encode(route, op.correlationID, payload)
	if err != nil {
		return err
	}

	return b.dispatch(ctx, func(issueCtx context.Context) error {
		op.deadline = time.Now().Add(timeout)
		return b.issueRequest(issueCtx, op, data, timeout)
	})
}

// Publish sends payload to route without expecting a reply. cb, which may be nil,
// runs once the transport has sent the message.
func (b *Bridge) Publish(ctx context.Context, route routing.Address, payload interface{}, cb func(ctx context.Context)) error {
	return b.publish(ctx, route, payload, nil, cb)
}

// PublishWithHeaders is Publish with extra envelope headers
func (b *Bridge) PublishWithHeaders(ctx context.Context, route routing.Address, payload interface{}, headers map[string]string, cb func(ctx context.Context)) error {
	return b.publish(ctx, route, payload, headers, cb)
}

// Stop stops the dispatch loop. It declines, returning false, while any operation
// is outstanding.
func (b *Bridge) Stop() bool {
	if b.pending.len() > 0 {
		return false
	}
	if err := b.transport.Stop(); err != nil {
		b.logger.Warn("failed to stop transport", "error", err)
	}
	return true
}

// Pending returns the number of outstanding operations
func (b *Bridge) Pending() int {
	return b.pending.len()
}

func (b *Bridge) publish(ctx context.Context, route routing.Address, payload interface{}, headers map[string]string, cb func(ctx context.Context)) error {
	if route.IsZero() {
		return fmt.Errorf("%w: empty route", routing.ErrInvalid)
	}

	op := &operation{
		correlationID: uuid.NewString(),
		route:         route,
		payload:       payload,
		kind:          kindPublish,
		onSent:        cb,
	}

	data, err := b.encode(route, op.correlationID, payload, headers)
	if err != nil {
		return err
	}

	return b.dispatch(ctx, func(issueCtx context.Context) error {
		b.pending.add(op)

		err := b.transport.Publish(issueCtx, route.ToRoute(), data, func(sentCtx context.Context) {
			b.complete(sentCtx, issueCtx, op, func(ctx context.Context) {
				if op.onSent != nil {
					op.onSent(ctx)
				}
			})
		})
		if err != nil {
			b.pending.take(op.correlationID)
			return fmt.Errorf("publish %s: %w", route, err)
		}
		return nil
	})
}

func (b *Bridge) issueRequest(issueCtx context.Context, op *operation, data []byte, timeout time.Duration) error {
	b.pending.add(op)

	sid, err := b.transport.Request(issueCtx, op.route.ToRoute(), data, messaging.RequestOptions{MaxReplies: 1},
		func(replyCtx context.Context, msg *messaging.Message) {
			b.complete(replyCtx, issueCtx, op, func(ctx context.Context) {
				b.deliverReply(ctx, op, msg)
			})
		})
	if err != nil {
		b.pending.take(op.correlationID)
		return fmt.Errorf("request %s: %w", op.route, err)
	}
	op.sid = sid

	err = b.transport.Timeout(sid, timeout, func(timeoutCtx context.Context) {
		b.complete(timeoutCtx, issueCtx, op, func(ctx context.Context) {
			op.onReply(ctx, nil, &TimeoutSignal{Route: op.route, Payload: op.payload, Timeout: timeout})
		})
	})
	switch {
	case err == nil:
	case errors.Is(err, messaging.ErrUnknownSubscription):
		// The reply already arrived on the loop
	default:
		if _, ok := b.pending.take(op.correlationID); ok {
			_ = b.transport.Unsubscribe(sid)
		}
		return fmt.Errorf("arm timeout for %s: %w", op.route, err)
	}

	return nil
}

func (b *Bridge) deliverReply(ctx context.Context, op *operation, msg *messaging.Message) {
	var env contracts.Envelope
	if err := b.codec.Unmarshal(msg.Data, &env); err != nil {
		op.onReply(ctx, nil, fmt.Errorf("decode reply from %s: %w", op.route, err))
		return
	}
	if env.CorrelationID != op.correlationID {
		b.logger.Warn("reply correlation id mismatch",
			"route", op.route.String(),
			"want", op.correlationID,
			"got", env.CorrelationID)
	}

	reply := &Reply{Route: op.route, Envelope: &env, codec: b.codec}
	if env.Failed() {
		op.onReply(ctx, reply, contracts.NewRemoteError(&env))
		return
	}
	op.onReply(ctx, reply, nil)
}

// complete runs deliver if op is still outstanding. loopCtx is the context of the
// run the completion arrived on; a borrowed run is stopped once nothing is
// outstanding any more, whichever operation completes last.
func (b *Bridge) complete(loopCtx, issueCtx context.Context, op *operation, deliver func(ctx context.Context)) {
	if _, ok := b.pending.take(op.correlationID); !ok {
		attrs := []any{
			"kind", op.kind.String(),
			"route", op.route.String(),
			"correlation_id", op.correlationID,
		}
		if !op.deadline.IsZero() {
			attrs = append(attrs, "past_deadline", time.Since(op.deadline).Round(time.Millisecond))
		}
		b.logger.Debug("suppressing late completion", attrs...)
		return
	}

	if dispatch.IsBorrowed(loopCtx) {
		defer b.Stop()
	}
	deliver(dispatch.Inherit(loopCtx, issueCtx))
}

func (b *Bridge) encode(route routing.Address, correlationID string, payload interface{}, headers ...map[string]string) ([]byte, error) {
	body, err := b.codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload for %s: %w", route, err)
	}

	env := contracts.NewEnvelope(route.ToRoute(), body)
	env.CorrelationID = correlationID
	env.Source = b.service
	for _, h := range headers {
		for k, v := range h {
			env.SetHeader(k, v)
		}
	}

	data, err := b.codec.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope for %s: %w", route, err)
	}
	return data, nil
}
