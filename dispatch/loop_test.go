package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopRun(t *testing.T) {
	t.Run("onReady runs inside the loop", func(t *testing.T) {
		loop := New()
		var inside bool

		err := loop.Run(context.Background(), func(ctx context.Context) {
			inside = loop.Inside(ctx)
			owner, ok := FromContext(ctx)
			assert.True(t, ok)
			assert.Same(t, loop, owner)
			loop.Stop()
		})

		require.NoError(t, err)
		assert.True(t, inside)
		assert.False(t, loop.Running())
	})

	t.Run("Posted tasks run in order", func(t *testing.T) {
		loop := New()
		var order []int

		err := loop.Run(context.Background(), func(ctx context.Context) {
			for i := 1; i <= 3; i++ {
				i := i
				require.NoError(t, loop.Post(func(ctx context.Context) {
					order = append(order, i)
				}))
			}
			require.NoError(t, loop.Post(func(ctx context.Context) {
				loop.Stop()
			}))
		})

		require.NoError(t, err)
		assert.Equal(t, []int{1, 2, 3}, order)
	})

	t.Run("Stop discards queued tasks", func(t *testing.T) {
		loop := New()
		var ran bool

		err := loop.Run(context.Background(), func(ctx context.Context) {
			require.NoError(t, loop.Post(func(ctx context.Context) { ran = true }))
			loop.Stop()
		})

		require.NoError(t, err)
		assert.False(t, ran)
	})

	t.Run("Context cancellation ends the run", func(t *testing.T) {
		loop := New()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		err := loop.Run(ctx, nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, loop.Running())
	})

	t.Run("Panicking task does not kill the loop", func(t *testing.T) {
		loop := New()
		var after bool

		err := loop.Run(context.Background(), func(ctx context.Context) {
			require.NoError(t, loop.Post(func(ctx context.Context) { panic("boom") }))
			require.NoError(t, loop.Post(func(ctx context.Context) {
				after = true
				loop.Stop()
			}))
		})

		require.NoError(t, err)
		assert.True(t, after)
	})

	t.Run("Loop can run again after stopping", func(t *testing.T) {
		loop := New()
		var firstCtx context.Context

		require.NoError(t, loop.Run(context.Background(), func(ctx context.Context) {
			firstCtx = ctx
			loop.Stop()
		}))

		require.NoError(t, loop.Run(context.Background(), func(ctx context.Context) {
			assert.True(t, loop.Inside(ctx))
			assert.False(t, loop.Inside(firstCtx), "a context from an earlier run is not inside")
			loop.Stop()
		}))
	})
}

func TestLoopPost(t *testing.T) {
	t.Run("Post fails when not running", func(t *testing.T) {
		loop := New()
		err := loop.Post(func(ctx context.Context) {})
		assert.ErrorIs(t, err, ErrNotRunning)
	})

	t.Run("Post from another goroutine wakes the loop", func(t *testing.T) {
		loop := New()
		started := make(chan struct{})
		var ran atomic.Bool

		go func() {
			<-started
			_ = loop.Post(func(ctx context.Context) {
				ran.Store(true)
				loop.Stop()
			})
		}()

		err := loop.Run(context.Background(), func(ctx context.Context) {
			close(started)
		})

		require.NoError(t, err)
		assert.True(t, ran.Load())
	})

	t.Run("AfterFunc runs the task on the loop", func(t *testing.T) {
		loop := New()
		var inside bool
		start := time.Now()
		var elapsed time.Duration

		err := loop.Run(context.Background(), func(ctx context.Context) {
			loop.AfterFunc(10*time.Millisecond, func(ctx context.Context) {
				inside = loop.Inside(ctx)
				elapsed = time.Since(start)
				loop.Stop()
			})
		})

		require.NoError(t, err)
		assert.True(t, inside)
		assert.GreaterOrEqual(t, elapsed, 10*time.Millisecond)
	})
}

func TestLoopTimers(t *testing.T) {
	t.Run("Timer firing while stopped runs on the next run", func(t *testing.T) {
		loop := New()
		fired := make(chan struct{})
		var order []string

		require.NoError(t, loop.Run(context.Background(), func(ctx context.Context) {
			loop.AfterFunc(10*time.Millisecond, func(ctx context.Context) {
				order = append(order, "timer")
				assert.True(t, loop.Inside(ctx))
				loop.Stop()
			})
			time.AfterFunc(10*time.Millisecond, func() { close(fired) })
			loop.Stop()
		}))

		<-fired
		require.Eventually(t, func() bool { return loop.Pending() == 1 }, time.Second, time.Millisecond)

		require.NoError(t, loop.Run(context.Background(), func(ctx context.Context) {
			order = append(order, "ready")
		}))
		assert.Equal(t, []string{"ready", "timer"}, order)
		assert.Zero(t, loop.Pending())
	})

	t.Run("Timer queued when the run stops carries over", func(t *testing.T) {
		loop := New()
		var ran, posted bool

		require.NoError(t, loop.Run(context.Background(), func(ctx context.Context) {
			loop.AfterFunc(0, func(ctx context.Context) {
				ran = true
				loop.Stop()
			})
			require.Eventually(t, func() bool { return loop.Pending() == 1 }, time.Second, time.Millisecond)
			require.NoError(t, loop.Post(func(ctx context.Context) { posted = true }))
			loop.Stop()
		}))
		assert.False(t, ran)
		assert.Equal(t, 1, loop.Pending(), "plain tasks are discarded")

		require.NoError(t, loop.Run(context.Background(), nil))
		assert.True(t, ran)
		assert.False(t, posted)
	})

	t.Run("Durable task survives a cancelled run", func(t *testing.T) {
		loop := New()
		ctx, cancel := context.WithCancel(context.Background())
		var ran bool

		err := loop.Run(ctx, func(ctx context.Context) {
			require.NoError(t, loop.PostDurable(func(ctx context.Context) {
				ran = true
				loop.Stop()
			}))
			cancel()
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, ran)

		assert.ErrorIs(t, loop.PostDurable(func(context.Context) {}), ErrNotRunning)

		require.NoError(t, loop.Run(context.Background(), nil))
		assert.True(t, ran)
	})
}

func TestLoopExclusiveRun(t *testing.T) {
	t.Run("Second run fails while the first is active", func(t *testing.T) {
		loop := New()
		ready := make(chan struct{})
		release := make(chan struct{})
		finished := make(chan error, 1)

		go func() {
			finished <- loop.Run(context.Background(), func(ctx context.Context) {
				close(ready)
				<-release
				loop.Stop()
			})
		}()

		<-ready
		err := loop.Run(context.Background(), nil)
		assert.ErrorIs(t, err, ErrAlreadyRunning)

		close(release)
		require.NoError(t, <-finished)
	})

	t.Run("WaitStopped returns once the run ends", func(t *testing.T) {
		loop := New()
		ready := make(chan struct{})
		finished := make(chan error, 1)

		go func() {
			finished <- loop.Run(context.Background(), func(ctx context.Context) {
				close(ready)
				loop.AfterFunc(20*time.Millisecond, func(ctx context.Context) {
					loop.Stop()
				})
			})
		}()

		<-ready
		require.NoError(t, loop.WaitStopped(context.Background()))
		assert.False(t, loop.Running())
		require.NoError(t, <-finished)
	})

	t.Run("WaitStopped honours its context", func(t *testing.T) {
		loop := New()
		ready := make(chan struct{})
		finished := make(chan error, 1)

		go func() {
			finished <- loop.Run(context.Background(), func(ctx context.Context) {
				close(ready)
			})
		}()

		<-ready
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, loop.WaitStopped(ctx), context.DeadlineExceeded)

		loop.Stop()
		require.NoError(t, <-finished)
	})

	t.Run("Concurrent runners never overlap", func(t *testing.T) {
		loop := New()
		var active, maxActive int32
		var wg sync.WaitGroup

		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					if err := loop.WaitStopped(context.Background()); err != nil {
						return
					}
					err := loop.Run(context.Background(), func(ctx context.Context) {
						n := atomic.AddInt32(&active, 1)
						for {
							m := atomic.LoadInt32(&maxActive)
							if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
								break
							}
						}
						time.Sleep(time.Millisecond)
						atomic.AddInt32(&active, -1)
						loop.Stop()
					})
					if err == ErrAlreadyRunning {
						continue
					}
					return
				}
			}()
		}

		wg.Wait()
		assert.Equal(t, int32(1), maxActive)
	})
}

func TestContextMarkers(t *testing.T) {
	ctx := context.Background()
	assert.False(t, IsBorrowed(ctx))
	assert.False(t, IsWorker(ctx))

	borrowed := WithBorrowed(ctx)
	assert.True(t, IsBorrowed(borrowed))

	worker := WithWorker(ctx)
	assert.True(t, IsWorker(worker))

	inherited := Inherit(ctx, WithWorker(borrowed))
	assert.True(t, IsBorrowed(inherited))
	assert.True(t, IsWorker(inherited))

	_, ok := FromContext(ctx)
	assert.False(t, ok)
}
