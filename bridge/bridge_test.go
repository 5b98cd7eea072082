package bridge

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/artery-go/contracts"
	"github.com/glimte/artery-go/dispatch"
	"github.com/glimte/artery-go/messaging"
	"github.com/glimte/artery-go/routing"
	"github.com/glimte/artery-go/serialization"
	"github.com/glimte/artery-go/transports/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type user struct {
	ID   int    `json:"id" msgpack:"id"`
	Name string `json:"name" msgpack:"name"`
}

var (
	getUser     = routing.MustParse("crm.users.get")
	userCreated = routing.MustParse("crm.user.created")
)

func handleGetUser(t *testing.T, b *Bridge) {
	t.Helper()

	_, err := b.Handle(context.Background(), getUser, func(ctx context.Context, in *Incoming) (interface{}, error) {
		var id int
		if err := in.Decode(&id); err != nil {
			return nil, err
		}
		if id == 0 {
			return nil, errors.New("user not found")
		}
		return user{ID: id, Name: "ada"}, nil
	})
	require.NoError(t, err)
}

// startWorker runs the bridge's loop on a worker goroutine until the returned stop
// function is called
func startWorker(t *testing.T, b *Bridge) func() {
	t.Helper()

	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.RunWorker(context.Background(), func(ctx context.Context) {
			assert.True(t, dispatch.IsWorker(ctx))
			close(ready)
		})
	}()
	<-ready

	return func() {
		require.Eventually(t, b.Stop, time.Second, 5*time.Millisecond)
		require.NoError(t, <-done)
	}
}

func TestRequestFromBlockingCaller(t *testing.T) {
	t.Run("Reply is delivered before Request returns", func(t *testing.T) {
		tr := memory.NewTransport()
		b := New(tr, WithService("billing"))
		handleGetUser(t, b)

		var calls int
		var got user
		err := b.Request(context.Background(), getUser, 7, RequestOptions{Timeout: time.Second}, func(ctx context.Context, reply *Reply, err error) {
			calls++
			require.NoError(t, err)
			assert.Equal(t, "crm.users.get", reply.Route.ToRoute())
			assert.Equal(t, "billing", reply.Envelope.Source)
			require.NoError(t, reply.Decode(&got))
		})

		require.NoError(t, err)
		assert.Equal(t, 1, calls)
		assert.Equal(t, user{ID: 7, Name: "ada"}, got)
		assert.False(t, tr.Running(), "the borrowed loop is stopped once drained")
		assert.Zero(t, b.Pending())
	})

	t.Run("Unanswered request times out with its route and payload", func(t *testing.T) {
		tr := memory.NewTransport()
		b := New(tr)
		route := routing.MustParse("svc.thing.get")
		payload := map[string]string{"key": "value"}

		var calls int
		var signal *TimeoutSignal
		var elapsed time.Duration
		start := time.Now()

		err := b.Request(context.Background(), route, payload, RequestOptions{Timeout: 10 * time.Millisecond}, func(ctx context.Context, reply *Reply, err error) {
			calls++
			elapsed = time.Since(start)
			assert.Nil(t, reply)
			require.ErrorAs(t, err, &signal)
			assert.ErrorIs(t, err, ErrTimeout)
		})

		require.NoError(t, err)
		assert.Equal(t, 1, calls)
		assert.GreaterOrEqual(t, elapsed, 10*time.Millisecond)
		assert.Equal(t, "svc.thing.get", signal.Route.ToRoute())
		assert.Equal(t, payload, signal.Payload)
		assert.Equal(t, 10*time.Millisecond, signal.Timeout)
	})

	t.Run("Responder failure arrives as a remote error", func(t *testing.T) {
		b := New(memory.NewTransport())
		handleGetUser(t, b)

		_, err := b.Call(context.Background(), getUser, 0, RequestOptions{Timeout: time.Second})

		var remote *contracts.RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, "user not found", remote.Message)
		assert.Equal(t, "crm.users.get", remote.Route)
	})

	t.Run("Default timeout applies without an explicit one", func(t *testing.T) {
		b := New(memory.NewTransport(), WithDefaultTimeout(5*time.Millisecond))

		_, err := b.Call(context.Background(), getUser, 1, RequestOptions{})

		var signal *TimeoutSignal
		require.ErrorAs(t, err, &signal)
		assert.Equal(t, 5*time.Millisecond, signal.Timeout)
	})

	t.Run("Msgpack codec works end to end", func(t *testing.T) {
		b := New(memory.NewTransport(), WithCodec(serialization.Msgpack{}))
		handleGetUser(t, b)

		reply, err := b.Call(context.Background(), getUser, 3, RequestOptions{Timeout: time.Second})
		require.NoError(t, err)

		var got user
		require.NoError(t, reply.Decode(&got))
		assert.Equal(t, user{ID: 3, Name: "ada"}, got)
	})
}

func TestRequestErrors(t *testing.T) {
	t.Run("Encode failure is returned and the callback never fires", func(t *testing.T) {
		tr := memory.NewTransport()
		b := New(tr)

		err := b.Request(context.Background(), getUser, make(chan int), RequestOptions{}, func(context.Context, *Reply, error) {
			t.Error("callback must not fire")
		})

		require.Error(t, err)
		assert.Zero(t, b.Pending())
		assert.False(t, tr.Running())
	})

	t.Run("Callback is required", func(t *testing.T) {
		b := New(memory.NewTransport())
		err := b.Request(context.Background(), getUser, 1, RequestOptions{}, nil)
		assert.ErrorIs(t, err, ErrNoCallback)
	})

	t.Run("Route is required", func(t *testing.T) {
		b := New(memory.NewTransport())
		err := b.Request(context.Background(), routing.Address{}, 1, RequestOptions{}, func(context.Context, *Reply, error) {})
		assert.ErrorIs(t, err, routing.ErrInvalid)

		err = b.Publish(context.Background(), routing.Address{}, 1, nil)
		assert.ErrorIs(t, err, routing.ErrInvalid)
	})

	t.Run("Transport refusal is returned", func(t *testing.T) {
		tr := memory.NewTransport()
		require.NoError(t, tr.Close())
		b := New(tr)

		err := b.Request(context.Background(), getUser, 1, RequestOptions{}, func(context.Context, *Reply, error) {
			t.Error("callback must not fire")
		})
		assert.ErrorIs(t, err, messaging.ErrTransportClosed)
		assert.Zero(t, b.Pending())
	})
}

func TestExactlyOnce(t *testing.T) {
	t.Run("Reply before timeout", func(t *testing.T) {
		tr := memory.NewTransport()
		b := New(tr)
		handleGetUser(t, b)
		stop := startWorker(t, b)
		defer stop()

		var calls atomic.Int32
		var timedOut atomic.Bool
		err := b.Request(context.Background(), getUser, 1, RequestOptions{Timeout: 30 * time.Millisecond}, func(ctx context.Context, reply *Reply, err error) {
			calls.Add(1)
			timedOut.Store(errors.Is(err, ErrTimeout))
		})
		require.NoError(t, err)

		require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
		time.Sleep(60 * time.Millisecond)
		assert.Equal(t, int32(1), calls.Load())
		assert.False(t, timedOut.Load())
	})

	t.Run("Timeout before reply", func(t *testing.T) {
		tr := memory.NewTransport(memory.WithDeliveryDelay(20 * time.Millisecond))
		b := New(tr)
		handleGetUser(t, b)
		stop := startWorker(t, b)
		defer stop()

		var calls atomic.Int32
		var timedOut atomic.Bool
		err := b.Request(context.Background(), getUser, 1, RequestOptions{Timeout: 5 * time.Millisecond}, func(ctx context.Context, reply *Reply, err error) {
			calls.Add(1)
			timedOut.Store(errors.Is(err, ErrTimeout))
		})
		require.NoError(t, err)

		require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
		time.Sleep(80 * time.Millisecond)
		assert.Equal(t, int32(1), calls.Load())
		assert.True(t, timedOut.Load())
	})

	t.Run("Second completion of an operation is suppressed", func(t *testing.T) {
		var logs bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
		b := New(memory.NewTransport(), WithLogger(logger))

		var calls int
		op := &operation{correlationID: "corr-1", route: getUser, deadline: time.Now().Add(-time.Second)}
		b.pending.add(op)

		ctx := context.Background()
		deliver := func(context.Context) { calls++ }
		b.complete(ctx, ctx, op, deliver)
		b.complete(ctx, ctx, op, deliver)

		assert.Equal(t, 1, calls)
		assert.Zero(t, b.Pending())
		assert.Contains(t, logs.String(), "suppressing late completion")
		assert.Contains(t, logs.String(), "past_deadline=")
	})
}

func TestStop(t *testing.T) {
	t.Run("Stop declines while an operation is outstanding", func(t *testing.T) {
		tr := memory.NewTransport()
		b := New(tr)
		stop := startWorker(t, b)

		done := make(chan error, 1)
		err := b.Request(context.Background(), getUser, 1, RequestOptions{Timeout: 50 * time.Millisecond}, func(ctx context.Context, reply *Reply, err error) {
			done <- err
		})
		require.NoError(t, err)

		assert.Equal(t, 1, b.Pending())
		assert.False(t, b.Stop())
		assert.True(t, tr.Running())

		assert.ErrorIs(t, <-done, ErrTimeout)
		stop()
		assert.False(t, tr.Running())
	})

	t.Run("Stop without outstanding operations succeeds", func(t *testing.T) {
		b := New(memory.NewTransport())
		assert.True(t, b.Stop())
	})
}

func TestNestedCalls(t *testing.T) {
	tr := memory.NewTransport()
	b := New(tr)
	handleGetUser(t, b)

	var order []string
	err := b.Request(context.Background(), getUser, 1, RequestOptions{Timeout: time.Second}, func(ctx context.Context, reply *Reply, err error) {
		require.NoError(t, err)
		order = append(order, "outer")
		assert.True(t, dispatch.IsBorrowed(ctx))
		assert.True(t, tr.Inside(ctx))

		_, callErr := b.Call(ctx, getUser, 2, RequestOptions{})
		assert.ErrorIs(t, callErr, ErrInsideLoop)

		require.NoError(t, b.Request(ctx, getUser, 2, RequestOptions{Timeout: time.Second}, func(ctx context.Context, reply *Reply, err error) {
			require.NoError(t, err)
			order = append(order, "inner")
		}))
		assert.Equal(t, 1, b.Pending())
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner"}, order)
	assert.False(t, tr.Running())
	assert.Zero(t, b.Pending())
}

// countingTransport records how many borrowed loops are active at once
type countingTransport struct {
	*memory.Transport
	active    atomic.Int32
	maxActive atomic.Int32
	starts    atomic.Int32
}

func (c *countingTransport) Start(ctx context.Context, onReady func(ctx context.Context)) error {
	return c.Transport.Start(ctx, func(ctx context.Context) {
		c.starts.Add(1)
		n := c.active.Add(1)
		for {
			m := c.maxActive.Load()
			if n <= m || c.maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		onReady(ctx)
	})
}

func TestConcurrentBlockingCallers(t *testing.T) {
	tr := &countingTransport{Transport: memory.NewTransport()}
	b := New(tr)
	handleGetUser(t, b)

	const callers = 8
	var wg sync.WaitGroup
	var replies atomic.Int32

	for i := 1; i <= callers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			err := b.Request(context.Background(), getUser, id, RequestOptions{Timeout: time.Second}, func(ctx context.Context, reply *Reply, err error) {
				// Runs on the borrowed loop before it stops
				tr.active.Add(-1)
				if err == nil {
					replies.Add(1)
				}
			})
			assert.NoError(t, err)
		}(i)
	}

	wg.Wait()
	assert.Equal(t, int32(1), tr.maxActive.Load())
	assert.Equal(t, int32(callers), tr.starts.Load())
	assert.Equal(t, int32(callers), replies.Load())
}

func TestBlockingCallerWaitsForBorrowedLoop(t *testing.T) {
	tr := memory.NewTransport()
	b := New(tr)

	var firstCalls, secondCalls atomic.Int32
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- b.Request(context.Background(), getUser, 1, RequestOptions{Timeout: 50 * time.Millisecond}, func(ctx context.Context, reply *Reply, err error) {
			firstCalls.Add(1)
		})
	}()
	require.Eventually(t, tr.Running, time.Second, time.Millisecond)

	// A worker marker left over from an earlier worker does not make this call join
	// the borrowed loop
	ctx := dispatch.WithWorker(context.Background())
	err := b.Request(ctx, getUser, 2, RequestOptions{Timeout: 20 * time.Millisecond}, func(ctx context.Context, reply *Reply, err error) {
		secondCalls.Add(1)
		var signal *TimeoutSignal
		assert.ErrorAs(t, err, &signal)
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), secondCalls.Load(), "callback ran before Request returned")

	select {
	case err := <-firstDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("first blocking caller never returned")
	}
	assert.Equal(t, int32(1), firstCalls.Load())
	assert.False(t, tr.Running())
	assert.Zero(t, b.Pending())
}

func TestPublish(t *testing.T) {
	t.Run("Subscribers receive the envelope and the callback fires once sent", func(t *testing.T) {
		tr := memory.NewTransport()
		b := New(tr, WithService("crm"))

		var received contracts.Envelope
		_, err := tr.Subscribe(context.Background(), userCreated.ToRoute(), func(ctx context.Context, msg *messaging.Message) {
			require.NoError(t, serialization.JSON{}.Unmarshal(msg.Data, &received))
		})
		require.NoError(t, err)

		var sent int
		err = b.PublishWithHeaders(context.Background(), userCreated, user{ID: 1, Name: "ada"}, map[string]string{
			contracts.HeaderIndex: "1",
		}, func(ctx context.Context) {
			sent++
		})

		require.NoError(t, err)
		assert.Equal(t, 1, sent)
		assert.Equal(t, "crm.user.created", received.Route)
		assert.Equal(t, "crm", received.Source)
		assert.Equal(t, "1", received.Header(contracts.HeaderIndex))
		assert.JSONEq(t, `{"id":1,"name":"ada"}`, string(received.Body))
		assert.False(t, tr.Running())
	})

	t.Run("Nil callback is allowed", func(t *testing.T) {
		b := New(memory.NewTransport())
		require.NoError(t, b.Publish(context.Background(), userCreated, 1, nil))
		assert.Zero(t, b.Pending())
	})

	t.Run("Handlers receive publishes without replying", func(t *testing.T) {
		b := New(memory.NewTransport())
		var handled int
		_, err := b.Handle(context.Background(), userCreated, func(ctx context.Context, in *Incoming) (interface{}, error) {
			handled++
			return nil, nil
		})
		require.NoError(t, err)

		require.NoError(t, b.Publish(context.Background(), userCreated, 1, nil))
		assert.Equal(t, 1, handled)
	})
}

func TestRunWorker(t *testing.T) {
	t.Run("Only one worker at a time", func(t *testing.T) {
		b := New(memory.NewTransport())
		stop := startWorker(t, b)
		defer stop()

		assert.ErrorIs(t, b.RunWorker(context.Background(), nil), ErrWorkerRunning)
	})

	t.Run("Blocking calls issue in place on a running worker", func(t *testing.T) {
		tr := memory.NewTransport()
		b := New(tr)
		handleGetUser(t, b)
		stop := startWorker(t, b)
		defer stop()

		reply, err := b.Call(context.Background(), getUser, 5, RequestOptions{Timeout: time.Second})
		require.NoError(t, err)

		var got user
		require.NoError(t, reply.Decode(&got))
		assert.Equal(t, 5, got.ID)
		assert.True(t, tr.Running(), "the worker keeps the loop")
	})

	t.Run("Requests outstanding when the worker stops still complete", func(t *testing.T) {
		tr := memory.NewTransport()
		b := New(tr)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ready := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- b.RunWorker(ctx, func(ctx context.Context) { close(ready) })
		}()
		<-ready

		var calls atomic.Int32
		outcome := make(chan error, 1)
		err := b.Request(context.Background(), getUser, 1, RequestOptions{Timeout: 30 * time.Millisecond}, func(ctx context.Context, reply *Reply, err error) {
			calls.Add(1)
			outcome <- err
		})
		require.NoError(t, err)
		assert.Equal(t, 1, b.Pending())
		cancel()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("worker never returned")
		}

		var signal *TimeoutSignal
		require.ErrorAs(t, <-outcome, &signal)
		assert.Equal(t, int32(1), calls.Load())
		assert.Zero(t, b.Pending())
		assert.False(t, tr.Running())

		callDone := make(chan error, 1)
		go func() {
			_, err := b.Call(context.Background(), getUser, 1, RequestOptions{Timeout: 20 * time.Millisecond})
			callDone <- err
		}()
		select {
		case err := <-callDone:
			assert.ErrorAs(t, err, &signal)
		case <-time.After(2 * time.Second):
			t.Fatal("blocking Call after the worker stopped never returned")
		}
	})

	t.Run("Worker ends with its context", func(t *testing.T) {
		b := New(memory.NewTransport())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		assert.ErrorIs(t, b.RunWorker(ctx, nil), context.DeadlineExceeded)
	})
}
