package scheduler

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultQueueSize is the task buffer used when none is configured.
const DefaultQueueSize = 16

type task struct {
	name string
	fn   func() error
}

// Scheduler runs fire-and-forget tasks on a single background worker.
// Tasks are not retried; errors and panics are logged and dropped.
type Scheduler struct {
	logger *zap.Logger
	tasks  chan task
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
	stopOne sync.Once
}

// New starts a scheduler whose queue holds at most size tasks.
func New(size int, logger *zap.Logger) *Scheduler {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scheduler{
		logger: logger,
		tasks:  make(chan task, size),
		done:   make(chan struct{}),
	}

	s.wg.Add(1)
	go s.loop()

	return s
}

// Schedule queues fn without blocking. It returns false when the queue is
// full or the scheduler has been stopped; the caller decides what to do then.
func (s *Scheduler) Schedule(name string, fn func() error) bool {
	if s == nil {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return false
	}

	select {
	case s.tasks <- task{name: name, fn: fn}:
		return true
	default:
		s.logger.Debug("Scheduler queue full, rejecting task", zap.String("task", name))
		return false
	}
}

// Pending returns the number of queued tasks.
func (s *Scheduler) Pending() int {
	if s == nil {
		return 0
	}
	return len(s.tasks)
}

// Stop refuses new tasks, lets the worker finish what is already queued and
// waits at most timeout for it. It reports whether the worker exited in time.
func (s *Scheduler) Stop(timeout time.Duration) bool {
	if s == nil {
		return true
	}

	s.stopOne.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		close(s.done)
	})

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return true
	case <-time.After(timeout):
		s.logger.Warn("Scheduler did not drain before timeout",
			zap.Duration("timeout", timeout),
			zap.Int("pending", len(s.tasks)))
		return false
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	for {
		select {
		case t := <-s.tasks:
			s.run(t)
		case <-s.done:
			// Drain whatever was queued before Stop
			for {
				select {
				case t := <-s.tasks:
					s.run(t)
				default:
					return
				}
			}
		}
	}
}

func (s *Scheduler) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Background task panicked",
				zap.String("task", t.name),
				zap.Error(fmt.Errorf("panic: %v", r)))
		}
	}()

	if err := t.fn(); err != nil {
		s.logger.Error("Background task failed",
			zap.String("task", t.name),
			zap.Error(err))
	}
}
