// Package memory provides an in-process messaging.Transport.
//
// All subscribers share one dispatch loop. Publishes are delivered asynchronously
// as loop tasks, so a handler never runs inside the Publish call that triggered it.
// WithDeliveryDelay simulates network latency, which makes reply/timeout orderings
// reproducible in tests.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/artery-go/dispatch"
	"github.com/glimte/artery-go/messaging"
	"github.com/google/uuid"
)

// Transport implements messaging.Transport in memory
type Transport struct {
	loop          *dispatch.Loop
	logger        *slog.Logger
	deliveryDelay time.Duration

	mu        sync.Mutex
	nextID    messaging.SubscriptionID
	subs      map[messaging.SubscriptionID]*subscription
	connected bool
	closed    bool
}

type subscription struct {
	id       messaging.SubscriptionID
	subject  string
	handler  messaging.Handler
	max      int
	received int
	timer    *time.Timer
}

// Option configures the transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithLoop shares an existing dispatch loop
func WithLoop(loop *dispatch.Loop) Option {
	return func(t *Transport) {
		t.loop = loop
	}
}

// WithDeliveryDelay delays every delivery by d
func WithDeliveryDelay(d time.Duration) Option {
	return func(t *Transport) {
		t.deliveryDelay = d
	}
}

// NewTransport creates an in-memory transport with its own dispatch loop
func NewTransport(opts ...Option) *Transport {
	t := &Transport{
		logger: slog.Default(),
		subs:   make(map[messaging.SubscriptionID]*subscription),
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.loop == nil {
		t.loop = dispatch.New(dispatch.WithLogger(t.logger))
	}

	return t
}

// Loop returns the dispatch loop driving the transport
func (t *Transport) Loop() *dispatch.Loop {
	return t.loop
}

// Start implements messaging.Transport
func (t *Transport) Start(ctx context.Context, onReady func(ctx context.Context)) error {
	if err := t.Connect(ctx, nil); err != nil {
		return err
	}
	return t.loop.Run(ctx, onReady)
}

// Connect implements messaging.Transport
func (t *Transport) Connect(ctx context.Context, onReady func(ctx context.Context)) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return messaging.ErrTransportClosed
	}
	t.connected = true
	t.mu.Unlock()

	if onReady == nil {
		return nil
	}
	if t.loop.Running() {
		return t.loop.Post(onReady)
	}
	onReady(ctx)
	return nil
}

// Subscribe implements messaging.Transport
func (t *Transport) Subscribe(ctx context.Context, subject string, handler messaging.Handler) (messaging.SubscriptionID, error) {
	return t.subscribe(subject, handler, 0)
}

// Unsubscribe implements messaging.Transport
func (t *Transport) Unsubscribe(id messaging.SubscriptionID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.subs[id]; !ok {
		return messaging.ErrUnknownSubscription
	}
	t.removeLocked(id)
	return nil
}

// Request implements messaging.Transport
func (t *Transport) Request(ctx context.Context, subject string, data []byte, opts messaging.RequestOptions, onReply messaging.Handler) (messaging.SubscriptionID, error) {
	inbox := messaging.InboxPrefix + uuid.New().String()

	id, err := t.subscribe(inbox, onReply, opts.MaxReplies)
	if err != nil {
		return 0, err
	}

	msg := &messaging.Message{Subject: subject, Reply: inbox, Data: data}
	if err := t.deliver(msg, nil); err != nil {
		_ = t.Unsubscribe(id)
		return 0, err
	}

	return id, nil
}

// Timeout implements messaging.Transport
func (t *Transport) Timeout(id messaging.SubscriptionID, d time.Duration, onTimeout func(ctx context.Context)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub, ok := t.subs[id]
	if !ok {
		return messaging.ErrUnknownSubscription
	}

	if sub.timer != nil {
		sub.timer.Stop()
	}
	sub.timer = t.loop.AfterFunc(d, func(ctx context.Context) {
		t.mu.Lock()
		current, ok := t.subs[id]
		if !ok || current != sub {
			t.mu.Unlock()
			return
		}
		t.removeLocked(id)
		t.mu.Unlock()

		if onTimeout != nil {
			onTimeout(ctx)
		}
	})

	return nil
}

// Publish implements messaging.Transport
func (t *Transport) Publish(ctx context.Context, subject string, data []byte, onSent func(ctx context.Context)) error {
	return t.deliver(&messaging.Message{Subject: subject, Data: data}, onSent)
}

// Stop implements messaging.Transport
func (t *Transport) Stop() error {
	t.loop.Stop()
	return nil
}

// Running implements messaging.Transport
func (t *Transport) Running() bool {
	return t.loop.Running()
}

// WaitStopped implements messaging.Transport
func (t *Transport) WaitStopped(ctx context.Context) error {
	return t.loop.WaitStopped(ctx)
}

// Inside implements messaging.Transport
func (t *Transport) Inside(ctx context.Context) bool {
	return t.loop.Inside(ctx)
}

// IsConnected implements messaging.Transport
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && !t.closed
}

// Close implements messaging.Transport
func (t *Transport) Close() error {
	t.loop.Stop()

	t.mu.Lock()
	defer t.mu.Unlock()

	for id := range t.subs {
		t.removeLocked(id)
	}
	t.closed = true
	t.connected = false
	return nil
}

// Subscriptions returns the number of live subscriptions, reply inboxes included
func (t *Transport) Subscriptions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (t *Transport) subscribe(subject string, handler messaging.Handler, max int) (messaging.SubscriptionID, error) {
	if !messaging.ValidSubject(subject) {
		return 0, fmt.Errorf("%w: %q", messaging.ErrInvalidSubject, subject)
	}
	if handler == nil {
		return 0, fmt.Errorf("handler cannot be nil")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, messaging.ErrTransportClosed
	}

	t.nextID++
	id := t.nextID
	t.subs[id] = &subscription{
		id:      id,
		subject: subject,
		handler: handler,
		max:     max,
	}
	return id, nil
}

// deliver schedules msg for every matching subscription, then onSent
func (t *Transport) deliver(msg *messaging.Message, onSent func(ctx context.Context)) error {
	if !messaging.ValidSubject(msg.Subject) {
		return fmt.Errorf("%w: %q", messaging.ErrInvalidSubject, msg.Subject)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return messaging.ErrTransportClosed
	}
	var targets []messaging.SubscriptionID
	for id, sub := range t.subs {
		if messaging.MatchSubject(sub.subject, msg.Subject) {
			targets = append(targets, id)
		}
	}
	t.mu.Unlock()

	if !t.loop.Running() {
		return fmt.Errorf("publish %s: %w", msg.Subject, dispatch.ErrNotRunning)
	}

	for _, id := range targets {
		id := id
		task := func(ctx context.Context) {
			t.handle(ctx, id, msg)
		}
		if t.deliveryDelay > 0 {
			t.loop.AfterFunc(t.deliveryDelay, task)
			continue
		}
		if err := t.loop.Post(task); err != nil {
			return fmt.Errorf("publish %s: %w", msg.Subject, err)
		}
	}

	if onSent != nil {
		if err := t.loop.PostDurable(onSent); err != nil {
			return fmt.Errorf("publish %s: %w", msg.Subject, err)
		}
	}

	return nil
}

// handle runs on the loop and enforces the reply limit of the subscription
func (t *Transport) handle(ctx context.Context, id messaging.SubscriptionID, msg *messaging.Message) {
	t.mu.Lock()
	sub, ok := t.subs[id]
	if !ok {
		t.mu.Unlock()
		t.logger.Debug("dropping delivery for removed subscription", "subject", msg.Subject)
		return
	}
	sub.received++
	if sub.max > 0 && sub.received >= sub.max {
		t.removeLocked(id)
	}
	t.mu.Unlock()

	sub.handler(ctx, msg)
}

func (t *Transport) removeLocked(id messaging.SubscriptionID) {
	sub, ok := t.subs[id]
	if !ok {
		return
	}
	if sub.timer != nil {
		sub.timer.Stop()
	}
	delete(t.subs, id)
}
