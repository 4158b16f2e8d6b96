package engine

import (
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Reaper periodically evicts idle per-room state on a cron schedule.
type Reaper struct {
	cron   *cronlib.Cron
	logger *slog.Logger
}

// StartReaper schedules SweepRooms(idle). schedule is a standard cron
// expression or descriptor such as "@every 5m".
func (e *Engine) StartReaper(schedule string, idle time.Duration) (*Reaper, error) {
	c := cronlib.New()
	_, err := c.AddFunc(schedule, func() {
		if n := e.SweepRooms(idle); n > 0 {
			e.logger.Info("room reaper evicted idle rooms", "count", n)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule room reaper %q: %w", schedule, err)
	}
	c.Start()
	e.logger.Info("room reaper started", "schedule", schedule, "idle_ttl", idle)
	return &Reaper{cron: c, logger: e.logger}, nil
}

// Stop stops the schedule and waits for a running sweep to finish.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info("room reaper stopped")
}
