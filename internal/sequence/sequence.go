// Package sequence provides the coordinating thread: a single goroutine that
// runs posted tasks one at a time in FIFO order. State owned by a sequence is
// only touched from its tasks and therefore needs no lock.
package sequence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrStopped is returned when work is handed to a sequence that has stopped.
var ErrStopped = errors.New("sequence stopped")

// Task is a unit of work run on the sequence. The context identifies the
// sequence (see IsCurrent) and is cancelled when the sequence stops.
type Task func(ctx context.Context)

type currentKey struct{}

// Sequence runs tasks serially on one goroutine.
type Sequence struct {
	name  string
	clock clock.Clock

	mu        sync.Mutex
	queue     []Task
	timers    map[uint64]*clock.Timer
	nextTimer uint64
	started   bool
	stopped   bool

	wake   chan struct{}
	stopCh chan struct{}
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a sequence. A nil clock selects the wall clock.
func New(name string, clk clock.Clock) *Sequence {
	if clk == nil {
		clk = clock.New()
	}
	s := &Sequence{
		name:   name,
		clock:  clk,
		timers: make(map[uint64]*clock.Timer),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.WithValue(context.Background(), currentKey{}, s))
	return s
}

// Name returns the name given at construction.
func (s *Sequence) Name() string { return s.name }

// Clock returns the clock used for delayed tasks.
func (s *Sequence) Clock() clock.Clock { return s.clock }

// Start launches the sequence goroutine. Calling Start twice is a no-op.
func (s *Sequence) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	go s.run()
	slog.Debug("sequence started", "name", s.name)
}

// Post appends a task. It never blocks and reports false once the sequence
// has stopped.
func (s *Sequence) Post(task Task) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, task)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// PostDelayed posts task after d has elapsed on the sequence clock. Delays
// are best effort.
func (s *Sequence) PostDelayed(d time.Duration, task Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.nextTimer++
	id := s.nextTimer
	s.timers[id] = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		s.Post(task)
	})
	return true
}

// Call runs task on the sequence and waits for it to finish. When ctx already
// belongs to this sequence the task runs inline.
func (s *Sequence) Call(ctx context.Context, task Task) error {
	if IsCurrent(ctx, s) {
		task(ctx)
		return nil
	}

	finished := make(chan struct{})
	if !s.Post(func(taskCtx context.Context) {
		defer close(finished)
		task(taskCtx)
	}) {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		// The loop may have run the task just before exiting.
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Stop halts the sequence. Queued tasks and pending delayed tasks are
// dropped. Stop waits for a running task to return.
func (s *Sequence) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.stopped = true
	started := s.started
	dropped := len(s.queue)
	s.queue = nil
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.cancel()
	close(s.stopCh)
	if !started {
		close(s.done)
	}
	<-s.done
	slog.Debug("sequence stopped", "name", s.name, "dropped_tasks", dropped)
}

// Done is closed once the sequence goroutine has exited.
func (s *Sequence) Done() <-chan struct{} { return s.done }

func (s *Sequence) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.wake:
		}
		for {
			task, ok := s.next()
			if !ok {
				break
			}
			task(s.ctx)
		}
	}
}

func (s *Sequence) next() (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || len(s.queue) == 0 {
		return nil, false
	}
	task := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return task, true
}

// IsCurrent reports whether ctx was handed to a task running on s.
func IsCurrent(ctx context.Context, s *Sequence) bool {
	if ctx == nil || s == nil {
		return false
	}
	cur, _ := ctx.Value(currentKey{}).(*Sequence)
	return cur == s
}

// FromContext returns the sequence running the task that received ctx.
func FromContext(ctx context.Context) (*Sequence, bool) {
	if ctx == nil {
		return nil, false
	}
	s, ok := ctx.Value(currentKey{}).(*Sequence)
	return s, ok
}
