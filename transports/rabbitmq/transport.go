// Package rabbitmq provides a messaging.Transport on an AMQP 0-9-1 broker.
//
// Subjects map onto routing keys of one topic exchange. Every subscription gets an
// exclusive, auto-deleted queue bound with its subject; '>' is translated to '#'.
// Requests share a single private reply queue named like an inbox subject, and a
// reply subject is the reply queue followed by the correlation id of the request.
//
// Deliveries are handed to the dispatch loop. A delivery that arrives while the loop
// is not running is rejected without requeue.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glimte/artery-go/dispatch"
	"github.com/glimte/artery-go/internal/rabbitmq"
	"github.com/glimte/artery-go/messaging"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	manager     *rabbitmq.ConnectionManager
	topology    rabbitmq.Topology
	loop        *dispatch.Loop
	logger      *slog.Logger
	contentType string

	mu         sync.Mutex
	ch         *amqp.Channel
	replyQueue string
	nextID     messaging.SubscriptionID
	subs       map[messaging.SubscriptionID]*subscription
	closed     bool
}

type subscription struct {
	id       messaging.SubscriptionID
	subject  string
	handler  messaging.Handler
	max      int
	received int
	timer    *time.Timer
	inbox    bool
	tag      string
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	Topology          rabbitmq.Topology
	Loop              *dispatch.Loop
	Logger            *slog.Logger
	ContentType       string
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithTopology replaces the default exchange
func WithTopology(topology rabbitmq.Topology) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Topology = topology
	}
}

// WithLoop shares an existing dispatch loop
func WithLoop(loop *dispatch.Loop) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Loop = loop
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// WithContentType sets the content type stamped on published messages
func WithContentType(contentType string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ContentType = contentType
	}
}

// NewTransport creates a transport over the given servers. No connection is made
// until Connect or Start.
func NewTransport(servers []string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{
		Topology:    rabbitmq.DefaultTopology(),
		Logger:      slog.Default(),
		ContentType: "application/json",
	}

	for _, opt := range options {
		opt(cfg)
	}

	if err := cfg.Topology.Validate(); err != nil {
		return nil, err
	}
	if len(servers) == 0 {
		return nil, rabbitmq.ErrNoServers
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)

	t := &Transport{
		manager:     rabbitmq.NewConnectionManager(servers, connOpts...),
		topology:    cfg.Topology,
		loop:        cfg.Loop,
		logger:      cfg.Logger,
		contentType: cfg.ContentType,
		replyQueue:  messaging.InboxPrefix + strings.ReplaceAll(uuid.NewString(), "-", ""),
		subs:        make(map[messaging.SubscriptionID]*subscription),
	}
	if t.loop == nil {
		t.loop = dispatch.New(dispatch.WithLogger(cfg.Logger))
	}

	t.manager.AddStateListener(t)

	return t, nil
}

// Loop returns the dispatch loop driving the transport
func (t *Transport) Loop() *dispatch.Loop {
	return t.loop
}

// Servers returns the configured servers with passwords redacted
func (t *Transport) Servers() []string {
	return t.manager.Servers()
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
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return messaging.ErrTransportClosed
	}

	if err := t.manager.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	if err := t.setup(); err != nil {
		return fmt.Errorf("failed to set up channel: %w", err)
	}

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
	if handler == nil {
		return 0, fmt.Errorf("handler cannot be nil")
	}
	if !messaging.ValidSubject(subject) {
		return 0, fmt.Errorf("%w: %q", messaging.ErrInvalidSubject, subject)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, messaging.ErrTransportClosed
	}

	sub := t.addLocked(subject, handler, 0, false)
	if t.ch != nil && !t.ch.IsClosed() {
		if err := t.bindLocked(sub); err != nil {
			delete(t.subs, sub.id)
			return 0, err
		}
	}

	return sub.id, nil
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
	if onReply == nil {
		return 0, fmt.Errorf("handler cannot be nil")
	}
	if !messaging.ValidSubject(subject) {
		return 0, fmt.Errorf("%w: %q", messaging.ErrInvalidSubject, subject)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, messaging.ErrTransportClosed
	}
	sub := t.addLocked(t.replyQueue, onReply, opts.MaxReplies, true)
	t.mu.Unlock()

	msg := amqp.Publishing{
		ReplyTo:       t.replyQueue,
		CorrelationId: strconv.FormatUint(uint64(sub.id), 10),
		Body:          data,
	}
	if err := t.publish(ctx, t.topology.Exchange.Name, routingKey(subject), msg); err != nil {
		_ = t.Unsubscribe(sub.id)
		return 0, err
	}

	return sub.id, nil
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

// Publish implements messaging.Transport. Publishing to a reply subject sends
// straight to the requester's reply queue.
func (t *Transport) Publish(ctx context.Context, subject string, data []byte, onSent func(ctx context.Context)) error {
	if !messaging.ValidSubject(subject) {
		return fmt.Errorf("%w: %q", messaging.ErrInvalidSubject, subject)
	}

	msg := amqp.Publishing{Body: data}
	exchange, key := t.topology.Exchange.Name, routingKey(subject)
	if queue, corr, ok := splitInbox(subject); ok {
		exchange, key = "", queue
		msg.CorrelationId = corr
	}

	if err := t.publish(ctx, exchange, key, msg); err != nil {
		return err
	}

	if onSent != nil {
		if err := t.loop.PostDurable(onSent); err != nil {
			return fmt.Errorf("publish %s: %w", subject, err)
		}
	}
	return nil
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
	return t.manager.IsConnected()
}

// Close implements messaging.Transport
func (t *Transport) Close() error {
	t.loop.Stop()
	t.manager.RemoveStateListener(t)

	t.mu.Lock()
	for id := range t.subs {
		t.removeLocked(id)
	}
	t.closed = true
	ch := t.ch
	t.ch = nil
	t.mu.Unlock()

	if ch != nil && !ch.IsClosed() {
		_ = ch.Close()
	}
	return t.manager.Close()
}

// OnConnected implements rabbitmq.ConnectionStateListener. Subscriptions are
// declared again on the new connection.
func (t *Transport) OnConnected() {
	if err := t.setup(); err != nil {
		t.logger.Error("failed to restore subscriptions", "error", err)
	}
}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (t *Transport) OnDisconnected(err error) {
	t.logger.Warn("broker connection lost", "error", err)
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (t *Transport) OnReconnecting(attempt int) {
	t.logger.Debug("reconnecting to broker", "attempt", attempt)
}

// setup opens the channel, declares the exchange and the reply queue, and binds
// every subscription. It does nothing while the current channel is open.
func (t *Transport) setup() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return messaging.ErrTransportClosed
	}
	if t.ch != nil && !t.ch.IsClosed() {
		return nil
	}

	ch, err := t.manager.Channel()
	if err != nil {
		return err
	}

	if err := rabbitmq.DeclareExchange(ch, t.topology.Exchange); err != nil {
		_ = ch.Close()
		return err
	}

	if _, err := rabbitmq.DeclareQueue(ch, rabbitmq.QueueDeclaration{
		Name:       t.replyQueue,
		AutoDelete: true,
		Exclusive:  true,
	}); err != nil {
		_ = ch.Close()
		return err
	}

	replies, err := ch.Consume(t.replyQueue, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return &rabbitmq.ChannelError{Op: "consume " + t.replyQueue, Err: err, Timestamp: time.Now()}
	}
	go t.consumeReplies(replies)

	t.ch = ch
	for _, sub := range t.subs {
		if sub.inbox {
			continue
		}
		if err := t.bindLocked(sub); err != nil {
			return err
		}
	}

	return nil
}

// bindLocked declares a private queue for sub and starts consuming it
func (t *Transport) bindLocked(sub *subscription) error {
	queue, err := rabbitmq.DeclareQueue(t.ch, rabbitmq.QueueDeclaration{
		AutoDelete: true,
		Exclusive:  true,
	})
	if err != nil {
		return err
	}

	if err := rabbitmq.BindQueue(t.ch, rabbitmq.Binding{
		Queue:      queue,
		Exchange:   t.topology.Exchange.Name,
		RoutingKey: routingKey(sub.subject),
	}); err != nil {
		return err
	}

	tag := "artery-" + strconv.FormatUint(uint64(sub.id), 10)
	deliveries, err := t.ch.Consume(queue, tag, false, true, false, false, nil)
	if err != nil {
		return &rabbitmq.ChannelError{Op: "consume " + queue, Err: err, Timestamp: time.Now()}
	}
	sub.tag = tag

	go t.consume(sub.id, deliveries)
	return nil
}

func (t *Transport) consume(id messaging.SubscriptionID, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		msg := toMessage(d)
		err := t.loop.Post(func(ctx context.Context) {
			t.handle(ctx, id, msg)
		})
		if err != nil {
			t.logger.Warn("rejecting delivery, dispatch loop not running",
				"subject", msg.Subject,
				"error", err)
			_ = d.Nack(false, false)
			continue
		}
		_ = d.Ack(false)
	}
}

func (t *Transport) consumeReplies(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		id, err := strconv.ParseUint(d.CorrelationId, 10, 64)
		if err != nil {
			t.logger.Warn("dropping reply without correlation id", "correlation_id", d.CorrelationId)
			continue
		}

		msg := toMessage(d)
		if err := t.loop.Post(func(ctx context.Context) {
			t.handle(ctx, messaging.SubscriptionID(id), msg)
		}); err != nil {
			t.logger.Warn("dropping reply, dispatch loop not running", "subject", msg.Subject)
		}
	}
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

func (t *Transport) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	t.mu.Lock()
	ch := t.ch
	t.mu.Unlock()

	if ch == nil || ch.IsClosed() {
		return &rabbitmq.PublishError{Exchange: exchange, RoutingKey: key, Err: rabbitmq.ErrChannelClosed, Timestamp: time.Now()}
	}

	msg.ContentType = t.contentType
	msg.MessageId = uuid.NewString()
	msg.Timestamp = time.Now()

	if err := ch.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		return &rabbitmq.PublishError{Exchange: exchange, RoutingKey: key, Err: err, Timestamp: time.Now()}
	}
	return nil
}

func (t *Transport) addLocked(subject string, handler messaging.Handler, max int, inbox bool) *subscription {
	t.nextID++
	sub := &subscription{
		id:      t.nextID,
		subject: subject,
		handler: handler,
		max:     max,
		inbox:   inbox,
	}
	t.subs[sub.id] = sub
	return sub
}

func (t *Transport) removeLocked(id messaging.SubscriptionID) {
	sub, ok := t.subs[id]
	if !ok {
		return
	}
	if sub.timer != nil {
		sub.timer.Stop()
	}
	if sub.tag != "" && t.ch != nil && !t.ch.IsClosed() {
		if err := t.ch.Cancel(sub.tag, false); err != nil {
			t.logger.Debug("failed to cancel consumer", "tag", sub.tag, "error", err)
		}
	}
	delete(t.subs, id)
}

// routingKey translates a subject into an AMQP topic routing key
func routingKey(subject string) string {
	tokens := strings.Split(subject, ".")
	for i, token := range tokens {
		if token == ">" {
			tokens[i] = "#"
		}
	}
	return strings.Join(tokens, ".")
}

// splitInbox splits a reply subject into the reply queue and the correlation id
func splitInbox(subject string) (queue, correlationID string, ok bool) {
	if !messaging.IsInbox(subject) {
		return "", "", false
	}
	i := strings.LastIndex(subject, ".")
	if i <= len(messaging.InboxPrefix)-1 || i == len(subject)-1 {
		return "", "", false
	}
	return subject[:i], subject[i+1:], true
}

// replySubject is the inverse of splitInbox
func replySubject(replyTo, correlationID string) string {
	if replyTo == "" {
		return ""
	}
	if correlationID == "" {
		return replyTo
	}
	return replyTo + "." + correlationID
}

func toMessage(d amqp.Delivery) *messaging.Message {
	subject := d.RoutingKey
	if d.Exchange == "" {
		subject = replySubject(d.RoutingKey, d.CorrelationId)
	}
	return &messaging.Message{
		Subject: subject,
		Reply:   replySubject(d.ReplyTo, d.CorrelationId),
		Data:    d.Body,
	}
}

var (
	_ messaging.Transport               = (*Transport)(nil)
	_ rabbitmq.ConnectionStateListener = (*Transport)(nil)
)
