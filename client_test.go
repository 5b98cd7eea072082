package artery

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/glimte/artery-go/bridge"
	"github.com/glimte/artery-go/changelog"
	"github.com/glimte/artery-go/config"
	"github.com/glimte/artery-go/contracts"
	"github.com/glimte/artery-go/routing"
	"github.com/glimte/artery-go/transports/memory"
	rabbitmqTransport "github.com/glimte/artery-go/transports/rabbitmq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type invoice struct {
	Number string `json:"number"`
	Total  int    `json:"total"`
}

func newTestClient(t *testing.T, opts ...ClientOption) *Client {
	t.Helper()

	cfg := config.Default()
	cfg.Service = "billing"
	cfg.RequestTimeout = time.Second

	client, err := NewClient(cfg, append([]ClientOption{WithTransport(memory.NewTransport())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNewClient(t *testing.T) {
	t.Run("Defaults to the RabbitMQ transport without connecting", func(t *testing.T) {
		cfg := config.Default()
		cfg.Service = "billing"

		client, err := NewClient(cfg)
		require.NoError(t, err)
		defer client.Close()

		assert.IsType(t, &rabbitmqTransport.Transport{}, client.Transport())
		assert.False(t, client.Transport().IsConnected())
		assert.IsType(t, &changelog.MemoryStorage{}, client.ChangeLog().Storage())
	})

	t.Run("Invalid configuration is rejected", func(t *testing.T) {
		cfg := config.Default()
		cfg.Codec = "xml"

		_, err := NewClient(cfg)
		assert.ErrorIs(t, err, config.ErrInvalidConfig)
	})

	t.Run("Configured database is opened", func(t *testing.T) {
		cfg := config.Default()
		cfg.Database = filepath.Join(t.TempDir(), "artery.db")

		client, err := NewClient(cfg, WithTransport(memory.NewTransport()))
		require.NoError(t, err)

		_, err = client.ChangeLog().Append(context.Background(), "invoice", invoice{Number: "I-1"})
		require.NoError(t, err)
		require.NoError(t, client.Close())
	})
}

func TestAddresses(t *testing.T) {
	client := newTestClient(t)

	addr, err := client.Route("billing.invoices.create")
	require.NoError(t, err)
	assert.Equal(t, "invoice", addr.Model())
	assert.True(t, addr.Plural())

	addr, err = client.Address(routing.Fields{Model: "invoice", Action: "void"})
	require.NoError(t, err)
	assert.Equal(t, "billing.invoice.void", addr.ToRoute())
	assert.Equal(t, "billing", client.Service())
}

func TestRequestReply(t *testing.T) {
	client := newTestClient(t)
	route := routing.MustParse("billing.invoices.get")

	_, err := client.Handle(context.Background(), route, func(ctx context.Context, in *bridge.Incoming) (interface{}, error) {
		var number string
		if err := in.Decode(&number); err != nil {
			return nil, err
		}
		return invoice{Number: number, Total: 42}, nil
	})
	require.NoError(t, err)

	t.Run("Call blocks until the reply arrives", func(t *testing.T) {
		reply, err := client.Call(context.Background(), route, "I-7", bridge.RequestOptions{})
		require.NoError(t, err)

		var got invoice
		require.NoError(t, reply.Decode(&got))
		assert.Equal(t, invoice{Number: "I-7", Total: 42}, got)
	})

	t.Run("Request invokes the callback once", func(t *testing.T) {
		calls := 0
		err := client.Request(context.Background(), route, "I-8", bridge.RequestOptions{}, func(ctx context.Context, reply *bridge.Reply, err error) {
			calls++
			assert.NoError(t, err)
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("Unanswered route times out", func(t *testing.T) {
		_, err := client.Call(context.Background(), routing.MustParse("billing.refund.get"), nil, bridge.RequestOptions{Timeout: 10 * time.Millisecond})
		assert.ErrorIs(t, err, bridge.ErrTimeout)
	})
}

func TestEmit(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	route := routing.MustParse("billing.invoices.created")

	var received []*contracts.Envelope
	_, err := client.Handle(ctx, route, func(ctx context.Context, in *bridge.Incoming) (interface{}, error) {
		received = append(received, in.Envelope)
		return nil, nil
	})
	require.NoError(t, err)

	first, err := client.Emit(ctx, route, invoice{Number: "I-1", Total: 10}, nil)
	require.NoError(t, err)
	second, err := client.Emit(ctx, route, invoice{Number: "I-2", Total: 20}, nil)
	require.NoError(t, err)

	t.Run("Records are appended under the route's model", func(t *testing.T) {
		assert.Equal(t, "invoice", first.Model)
		assert.Equal(t, int64(1), first.ID)
		assert.Equal(t, int64(2), second.ID)

		latest, ok, err := client.ChangeLog().LatestIndex(ctx, "invoice")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(2), latest)
	})

	t.Run("Published envelopes carry index headers", func(t *testing.T) {
		require.Len(t, received, 2)

		assert.Equal(t, "1", received[0].Header(contracts.HeaderIndex))
		assert.Equal(t, "", received[0].Header(contracts.HeaderPreviousIndex))
		assert.Equal(t, "invoice", received[0].Header(contracts.HeaderModel))

		assert.Equal(t, "2", received[1].Header(contracts.HeaderIndex))
		assert.Equal(t, "1", received[1].Header(contracts.HeaderPreviousIndex))

		var got invoice
		require.NoError(t, json.Unmarshal(received[1].Body, &got))
		assert.Equal(t, invoice{Number: "I-2", Total: 20}, got)
	})

	t.Run("Zero route is rejected before anything is stored", func(t *testing.T) {
		_, err := client.Emit(ctx, routing.Address{}, invoice{}, nil)
		assert.ErrorIs(t, err, routing.ErrInvalid)

		records, err := client.ChangeLog().AfterIndex(ctx, "invoice", 0)
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})
}

type readOnlyStorage struct {
	changelog.Storage
}

func TestCatchUp(t *testing.T) {
	ctx := context.Background()

	t.Run("Consumers resume where they stopped", func(t *testing.T) {
		client := newTestClient(t)
		for i := 0; i < 3; i++ {
			_, err := client.ChangeLog().Append(ctx, "invoice", invoice{Total: i})
			require.NoError(t, err)
		}

		noop := func(context.Context, changelog.Record) error { return nil }
		n, err := client.CatchUp(ctx, "reports", "invoice", noop)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		n, err = client.CatchUp(ctx, "reports", "invoice", noop)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("Storage without cursors cannot catch up", func(t *testing.T) {
		client := newTestClient(t, WithStorage(readOnlyStorage{changelog.NewMemoryStorage()}))
		_, err := client.CatchUp(ctx, "reports", "invoice", nil)
		assert.ErrorIs(t, err, ErrNoCursorStore)
	})
}

func TestHealth(t *testing.T) {
	client := newTestClient(t)

	registry := client.Health()
	assert.Equal(t, []string{"changelog", "pending", "transport"}, registry.Names())

	report := registry.Check(context.Background())
	assert.Equal(t, "billing", report.Service)
	assert.Equal(t, "healthy", string(report.Checks["changelog"].Status))
}
