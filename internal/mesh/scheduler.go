package mesh

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/deque"
)

// Scheduler is the single execution context all orchestration state lives
// on. Post may be called from any goroutine; tasks run one at a time, in
// order. AfterFunc runs fn on the same context after d unless cancelled.
type Scheduler interface {
	Post(fn func())
	AfterFunc(d time.Duration, fn func()) (cancel func())
}

// Loop is a Scheduler backed by one goroutine draining an unbounded queue.
type Loop struct {
	clock  clock.Clock
	logger *slog.Logger

	mu     sync.Mutex
	queue  deque.Deque[func()]
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

// NewLoop creates a Loop. clk and logger may be nil.
func NewLoop(clk clock.Clock, logger *slog.Logger) *Loop {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		clock:  clk,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Post queues fn. Tasks posted after the loop stopped are dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue.PushBack(fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) func() {
	var cancelled atomic.Bool
	t := l.clock.AfterFunc(d, func() {
		l.Post(func() {
			if !cancelled.Load() {
				fn()
			}
		})
	})
	return func() {
		cancelled.Store(true)
		t.Stop()
	}
}

// Run drains the queue until ctx is cancelled. Tasks still queued at that
// point are discarded.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	defer func() {
		l.mu.Lock()
		l.closed = true
		l.queue.Clear()
		l.mu.Unlock()
	}()

	for {
		for {
			l.mu.Lock()
			if l.queue.Len() == 0 {
				l.mu.Unlock()
				break
			}
			fn := l.queue.PopFront()
			l.mu.Unlock()

			l.run(fn)
			if ctx.Err() != nil {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("recovered panic in loop task", "panic", r)
		}
	}()
	fn()
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
