package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrAlreadyRunning is returned by Run while another goroutine runs the loop
	ErrAlreadyRunning = errors.New("dispatch: loop is already running")

	// ErrNotRunning is returned by Post when no goroutine runs the loop
	ErrNotRunning = errors.New("dispatch: loop is not running")
)

// Task is a unit of work executed on the loop
type Task func(ctx context.Context)

// entry is a queued task. Durable tasks survive the end of a run.
type entry struct {
	task    Task
	durable bool
}

// Loop is a single-threaded cooperative dispatch loop
type Loop struct {
	mu       sync.Mutex
	running  bool
	stopping bool
	run      uint64
	queue    []entry
	parked   []Task
	wake     chan struct{}
	done     chan struct{}
	logger   *slog.Logger
}

// Option configures a Loop
type Option func(*Loop)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// New creates a stopped loop
func New(opts ...Option) *Loop {
	l := &Loop{
		wake:   make(chan struct{}, 1),
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Run runs the loop on the calling goroutine until Stop is called or ctx is done.
// onReady is the first task executed, followed by timer tasks that fired while the
// loop was stopped.
func (l *Loop) Run(ctx context.Context, onReady Task) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	l.running = true
	l.stopping = false
	l.run++
	run := l.run
	l.queue = nil
	if onReady != nil {
		l.queue = append(l.queue, entry{task: onReady})
	}
	for _, task := range l.parked {
		l.queue = append(l.queue, entry{task: task, durable: true})
	}
	l.parked = nil
	l.done = make(chan struct{})
	l.mu.Unlock()

	// A wake-up left over from the previous run carries no work
	select {
	case <-l.wake:
	default:
	}

	loopCtx := withBinding(ctx, l, run)
	l.logger.Debug("dispatch loop started", "run", run)
	defer l.finish(run)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		task, stop := l.next()
		if stop {
			return nil
		}
		if task == nil {
			select {
			case <-l.wake:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		l.execute(loopCtx, task)
	}
}

// Post schedules task on the running loop
func (l *Loop) Post(task Task) error {
	if task == nil {
		return nil
	}

	l.mu.Lock()
	if !l.running || l.stopping {
		l.mu.Unlock()
		return ErrNotRunning
	}
	l.queue = append(l.queue, entry{task: task})
	l.mu.Unlock()

	l.signal()
	return nil
}

// PostDurable schedules task on the running loop like Post. If the run ends before
// task executes, task runs at the start of the next run.
func (l *Loop) PostDurable(task Task) error {
	if task == nil {
		return nil
	}

	l.mu.Lock()
	if !l.running || l.stopping {
		l.mu.Unlock()
		return ErrNotRunning
	}
	l.queue = append(l.queue, entry{task: task, durable: true})
	l.mu.Unlock()

	l.signal()
	return nil
}

// AfterFunc posts task onto the loop once d has elapsed. A timer that fires while
// the loop is stopped runs at the start of the next run.
func (l *Loop) AfterFunc(d time.Duration, task Task) *time.Timer {
	return time.AfterFunc(d, func() {
		if task == nil {
			return
		}

		l.mu.Lock()
		if !l.running || l.stopping {
			l.parked = append(l.parked, task)
			l.mu.Unlock()
			l.logger.Debug("timer fired while dispatch loop stopped", "after", d)
			return
		}
		l.queue = append(l.queue, entry{task: task, durable: true})
		l.mu.Unlock()

		l.signal()
	})
}

// Stop asks the running loop to return after the task it is executing. Queued tasks
// are discarded, except timer tasks, which carry over to the next run.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.running {
		l.stopping = true
	}
	l.mu.Unlock()

	l.signal()
}

// Running reports whether a goroutine currently runs the loop
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// WaitStopped blocks until the current run of the loop has returned
func (l *Loop) WaitStopped(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	done := l.done
	l.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inside reports whether ctx was handed out by the current run of this loop
func (l *Loop) Inside(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	b, ok := ctx.Value(loopKey{}).(binding)
	if !ok || b.loop != l {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running && l.run == b.run
}

// Pending returns the number of queued tasks, including timer tasks waiting for the
// next run
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue) + len(l.parked)
}

func (l *Loop) next() (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopping {
		return nil, true
	}
	if len(l.queue) == 0 {
		return nil, false
	}

	next := l.queue[0]
	l.queue[0] = entry{}
	l.queue = l.queue[1:]
	return next.task, false
}

func (l *Loop) execute(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("dispatch task panicked", "panic", r)
		}
	}()
	task(ctx)
}

func (l *Loop) finish(run uint64) {
	l.mu.Lock()
	l.running = false
	l.stopping = false
	for _, e := range l.queue {
		if e.durable {
			l.parked = append(l.parked, e.task)
		}
	}
	l.queue = nil
	close(l.done)
	l.mu.Unlock()

	l.logger.Debug("dispatch loop stopped", "run", run)
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
