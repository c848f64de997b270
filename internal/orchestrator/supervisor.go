package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/switchyard/switchyard/pkg/errors"
)

// Task is a long-lived loop owned by the supervisor. It must return once ctx
// is canceled.
type Task func(ctx context.Context) error

type namedTask struct {
	name string
	run  Task
}

// supervisor owns the lifetime of every background loop. All loops share one
// context, so a single cancel reaches all of them.
type supervisor struct {
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running map[string]bool
	done    chan struct{}
	wg      conc.WaitGroup
}

func newSupervisor(logger *slog.Logger) *supervisor {
	return &supervisor{logger: logger, running: make(map[string]bool)}
}

// start launches tasks under a context detached from the caller's: their
// lifetime ends at stop, not when the start request finishes.
func (s *supervisor) start(tasks []namedTask) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	for _, t := range tasks {
		s.running[t.name] = true
	}
	s.mu.Unlock()

	for _, t := range tasks {
		s.wg.Go(func() { s.run(ctx, t) })
	}
	go func() {
		s.wg.Wait()
		close(s.done)
	}()
}

func (s *supervisor) run(ctx context.Context, t namedTask) {
	defer func() {
		s.mu.Lock()
		delete(s.running, t.name)
		s.mu.Unlock()
	}()

	var pc panics.Catcher
	var err error
	pc.Try(func() { err = t.run(ctx) })
	if r := pc.Recovered(); r != nil {
		s.logger.Error("supervised task panicked", "task", t.name, "panic", r.Value, "stack", string(r.Stack))
		return
	}
	if err != nil && ctx.Err() == nil {
		s.logger.Error("supervised task exited", "task", t.name, "error", err)
		return
	}
	s.logger.Debug("supervised task stopped", "task", t.name)
}

// stop cancels every task and waits up to grace for them to return. Tasks
// still running afterwards are abandoned and reported.
func (s *supervisor) stop(grace time.Duration) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	}

	stuck := s.stillRunning()
	for _, name := range stuck {
		s.logger.Warn("abandoning task that did not stop within the grace period", "task", name, "grace", grace)
	}
	return errors.NewError(errors.ErrCodeShutdownTimeout,
		fmt.Sprintf("%d task(s) did not stop within %s", len(stuck), grace)).
		WithComponent("orchestrator").WithOperation("stop").WithDetail("tasks", stuck)
}

func (s *supervisor) stillRunning() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.running))
	for name := range s.running {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
