// Copyright 2024 Artery Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package artery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/glimte/artery-go/bridge"
	"github.com/glimte/artery-go/changelog"
	"github.com/glimte/artery-go/changelog/sqlite"
	"github.com/glimte/artery-go/config"
	"github.com/glimte/artery-go/contracts"
	"github.com/glimte/artery-go/health"
	"github.com/glimte/artery-go/internal/rabbitmq"
	"github.com/glimte/artery-go/messaging"
	"github.com/glimte/artery-go/routing"
	"github.com/glimte/artery-go/serialization"
	rabbitmqTransport "github.com/glimte/artery-go/transports/rabbitmq"
)

// ErrNoCursorStore is returned by CatchUp when the storage cannot remember cursors
var ErrNoCursorStore = errors.New("artery: storage does not keep consumer cursors")

// Client provides the main entry point for artery-go
type Client struct {
	cfg       config.Config
	logger    *slog.Logger
	transport messaging.Transport
	bridge    *bridge.Bridge
	storage   changelog.Storage
	changes   *changelog.Log
	ownsStore bool
}

// NewClient creates a client from cfg. Without WithTransport it connects to the
// configured RabbitMQ servers; without WithStorage it opens cfg.Database, or keeps
// the change log in memory when no database is configured.
func NewClient(cfg config.Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &clientConfig{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(opts)
	}

	codec, err := serialization.Lookup(cfg.Codec)
	if err != nil {
		return nil, fmt.Errorf("failed to select codec: %w", err)
	}

	transport := opts.transport
	if transport == nil {
		transport, err = newRabbitMQTransport(cfg, opts.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
	}

	storage := opts.storage
	ownsStore := false
	if storage == nil {
		storage, err = openStorage(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open change log: %w", err)
		}
		ownsStore = true
	}

	b := bridge.New(transport,
		bridge.WithLogger(opts.logger),
		bridge.WithService(cfg.Service),
		bridge.WithDefaultTimeout(cfg.RequestTimeout),
		bridge.WithCodec(codec),
	)

	return &Client{
		cfg:       cfg,
		logger:    opts.logger,
		transport: transport,
		bridge:    b,
		storage:   storage,
		changes:   changelog.New(storage, changelog.WithLogger(opts.logger)),
		ownsStore: ownsStore,
	}, nil
}

func newRabbitMQTransport(cfg config.Config, logger *slog.Logger) (*rabbitmqTransport.Transport, error) {
	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(logger),
		rabbitmq.WithReconnectDelay(cfg.ReconnectWait),
		rabbitmq.WithMaxRetries(cfg.ReconnectAttempts),
	}
	if cfg.User != "" {
		connOpts = append(connOpts, rabbitmq.WithCredentials(cfg.User, cfg.Password))
	}

	return rabbitmqTransport.NewTransport(cfg.Servers,
		rabbitmqTransport.WithConnectionOptions(connOpts...),
		rabbitmqTransport.WithLogger(logger),
	)
}

func openStorage(cfg config.Config) (changelog.Storage, error) {
	if cfg.Database == "" {
		return changelog.NewMemoryStorage(), nil
	}
	return sqlite.Open(cfg.Database)
}

// Service returns the name this client answers to
func (c *Client) Service() string {
	return c.cfg.Service
}

// Config returns the configuration the client was built from
func (c *Client) Config() config.Config {
	return c.cfg
}

// Route parses a route such as "billing.invoices.create"
func (c *Client) Route(route string) (routing.Address, error) {
	return routing.ParseAddress(route)
}

// Address builds an address, defaulting the service to the client's own
func (c *Client) Address(fields routing.Fields) (routing.Address, error) {
	return routing.BuildAddress(fields, c.cfg.Service)
}

// Request sends payload to route and invokes cb exactly once with the reply or a
// timeout. From a blocking caller it returns after cb has run.
func (c *Client) Request(ctx context.Context, route routing.Address, payload interface{}, opts bridge.RequestOptions, cb bridge.ReplyHandler) error {
	return c.bridge.Request(ctx, route, payload, opts, cb)
}

// Call is the blocking form of Request
func (c *Client) Call(ctx context.Context, route routing.Address, payload interface{}, opts bridge.RequestOptions) (*bridge.Reply, error) {
	return c.bridge.Call(ctx, route, payload, opts)
}

// Publish sends payload to route without expecting a reply
func (c *Client) Publish(ctx context.Context, route routing.Address, payload interface{}, cb func(ctx context.Context)) error {
	return c.bridge.Publish(ctx, route, payload, cb)
}

// Handle answers requests sent to route
func (c *Client) Handle(ctx context.Context, route routing.Address, handler bridge.RequestHandler) (messaging.SubscriptionID, error) {
	return c.bridge.Handle(ctx, route, handler)
}

// Emit appends payload to the change log under the route's model, then publishes it
// to route. The envelope carries the record's index, the previous index of the same
// model when there is one, and the model name, so receivers can detect gaps.
func (c *Client) Emit(ctx context.Context, route routing.Address, payload interface{}, cb func(ctx context.Context)) (changelog.Record, error) {
	if route.IsZero() {
		return changelog.Record{}, fmt.Errorf("%w: empty route", routing.ErrInvalid)
	}

	rec, err := c.changes.Append(ctx, route.Model(), payload)
	if err != nil {
		return changelog.Record{}, err
	}

	headers := map[string]string{
		contracts.HeaderIndex: strconv.FormatInt(rec.ID, 10),
		contracts.HeaderModel: rec.Model,
	}
	prev, ok, err := c.changes.PreviousIndex(ctx, rec)
	if err != nil {
		return rec, err
	}
	if ok {
		headers[contracts.HeaderPreviousIndex] = strconv.FormatInt(prev, 10)
	}

	if err := c.bridge.PublishWithHeaders(ctx, route, payload, headers, cb); err != nil {
		return rec, fmt.Errorf("emit %s #%d: %w", rec.Model, rec.ID, err)
	}
	return rec, nil
}

// CatchUp feeds consumer every record of model it has not processed yet
func (c *Client) CatchUp(ctx context.Context, consumer, model string, process changelog.ProcessFunc) (int, error) {
	cursors, ok := c.storage.(changelog.CursorStore)
	if !ok {
		return 0, ErrNoCursorStore
	}
	return c.changes.CatchUp(ctx, cursors, consumer, model, process)
}

// RunWorker runs the dispatch loop on the calling goroutine until ctx ends
func (c *Client) RunWorker(ctx context.Context, onReady func(ctx context.Context)) error {
	return c.bridge.RunWorker(ctx, onReady)
}

// Health returns a registry with the transport, change log and pending checks
func (c *Client) Health() *health.Registry {
	registry := health.NewRegistry(c.cfg.Service)
	registry.Register(health.NewStorageChecker(c.storage, ""))
	registry.Register(health.NewPendingChecker(c.bridge, 1000))
	if conn, ok := c.transport.(health.Connectivity); ok {
		registry.Register(health.NewTransportChecker(conn))
	}
	return registry
}

// Transport returns the underlying transport
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// Bridge returns the request bridge
func (c *Client) Bridge() *bridge.Bridge {
	return c.bridge
}

// ChangeLog returns the change log
func (c *Client) ChangeLog() *changelog.Log {
	return c.changes
}

// Close closes the transport, and the storage when the client opened it
func (c *Client) Close() error {
	var errs []error
	if err := c.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	if closer, ok := c.storage.(io.Closer); ok && c.ownsStore {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close change log: %w", err))
		}
	}
	return errors.Join(errs...)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger    *slog.Logger
	transport messaging.Transport
	storage   changelog.Storage
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithTransport replaces the RabbitMQ transport
func WithTransport(transport messaging.Transport) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transport = transport
	}
}

// WithStorage replaces the change-log storage. The client does not close it.
func WithStorage(storage changelog.Storage) ClientOption {
	return func(cfg *clientConfig) {
		cfg.storage = storage
	}
}
