// Package sched runs time-based triggers for the supervisor, such as
// starting the session and queue processing at an off-peak hour.
package sched

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

type Scheduler struct {
	c      *cron.Cron
	logger *slog.Logger
}

func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{c: cron.New(), logger: logger}
}

// At registers fn to run on the given cron spec (e.g. "0 5 * * *").
func (s *Scheduler) At(spec string, name string, fn func()) error {
	_, err := s.c.AddFunc(spec, func() {
		s.logger.Info("scheduled trigger", "name", name)
		fn()
	})
	if err != nil {
		return fmt.Errorf("bad schedule %q: %w", spec, err)
	}
	return nil
}

func (s *Scheduler) Start() { s.c.Start() }

func (s *Scheduler) Stop() { s.c.Stop() }
