package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Supervisor owns the long-running goroutines (hot loop, transfer loop,
// analytics sink, ingest consumer) and shuts them down together.
type Supervisor struct {
	log    zerolog.Logger
	mu     sync.Mutex
	tasks  []task
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type task struct {
	name string
	run  func(ctx context.Context)
}

func NewSupervisor(log zerolog.Logger) *Supervisor {
	return &Supervisor{log: log.With().Str("component", "supervisor").Logger()}
}

// Add registers a task. Must be called before Start.
func (s *Supervisor) Add(name string, run func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task{name: name, run: run})
}

// Start launches every registered task under a context derived from parent.
func (s *Supervisor) Start(parent context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	for _, t := range s.tasks {
		t := t
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.log.Info().Str("task", t.name).Msg("task started")
			t.run(ctx)
			s.log.Info().Str("task", t.name).Msg("task exited")
		}()
	}
}

// Stop cancels the tasks and waits up to timeout for them to drain.
// Reports whether every task exited in time.
func (s *Supervisor) Stop(timeout time.Duration) bool {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return true
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		s.log.Error().Dur("timeout", timeout).Msg("tasks did not drain in time")
		return false
	}
}
