package bridge

import (
	"sync"

	"github.com/rs/zerolog"
)

// TaskGroup tracks fire-and-forget goroutines so a panic or returned error
// surfaces on a logger instead of vanishing (spec.md §4.K: "The heartbeat
// task is tracked so its exception is surfaced on completion; likewise all
// spawned per-message handlers are tracked"), generalizing the teacher's
// semaphore-plus-defer idiom in internal/bridge/bridge.go into an explicit
// wrapper usable by both platform gateways.
type TaskGroup struct {
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// NewTaskGroup builds a TaskGroup that logs under component "component".
func NewTaskGroup(logger zerolog.Logger, component string) *TaskGroup {
	return &TaskGroup{logger: logger.With().Str("component", component).Logger()}
}

// Go runs fn in a tracked goroutine. A panic is recovered and logged as an
// error with the task's label; it does not crash the process.
func (g *TaskGroup) Go(label string, fn func() error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error().Str("task", label).Interface("panic", r).Msg("tracked task panicked")
			}
		}()
		if err := fn(); err != nil {
			g.logger.Warn().Err(err).Str("task", label).Msg("tracked task failed")
		}
	}()
}

// Wait blocks until every tracked task started so far has returned.
func (g *TaskGroup) Wait() {
	g.wg.Wait()
}
