// Package replenish runs the background loop that keeps every known
// template's pool topped up to its target size. It is grounded on
// oriys/nova's autoscaler/pool cleanup-loop pattern: a ticker, a crash-
// tolerant body, and clean shutdown via context cancellation.
package replenish

import (
	"context"
	"log"
	"time"

	"github.com/cpp-cyber/proclone/internal/pool"
)

// Loop periodically calls ReplenishTick for every template the Manager
// currently knows about.
type Loop struct {
	manager  *pool.Manager
	interval time.Duration
}

// New builds a Loop with the given tick interval.
func New(manager *pool.Manager, interval time.Duration) *Loop {
	return &Loop{manager: manager, interval: interval}
}

// Run blocks, ticking until ctx is cancelled. A panic or error in a single
// tick is logged and never stops the loop; replenishment just resumes on
// the next tick.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("replenish: loop stopping")
			return
		case <-ticker.C:
			l.tick()
		}
	}
}

func (l *Loop) tick() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("replenish: tick panicked, resuming on next tick: %v", r)
		}
	}()

	for _, templateVMID := range l.manager.TemplatesSnapshot() {
		enqueued := l.manager.ReplenishTick(templateVMID)
		if enqueued > 0 {
			log.Printf("replenish: template %d enqueued %d clone(s)", templateVMID, enqueued)
		}
	}
}
