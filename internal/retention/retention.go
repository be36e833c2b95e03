// Package retention periodically removes old conversion results and the
// finished tasks that point at them.
package retention

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// TaskPurger removes terminal tasks that ended before a cutoff.
type TaskPurger interface {
	PurgeFinishedBefore(cutoff time.Time) int
}

// Sweeper deletes results older than MaxAge on a cron schedule.
type Sweeper struct {
	Tasks     TaskPurger
	OutputDir string
	MaxAge    time.Duration
	Logger    *zap.Logger

	mu   sync.Mutex
	cron *cron.Cron
	now  func() time.Time
}

// New returns a Sweeper. A zero maxAge disables sweeping.
func New(tasks TaskPurger, outputDir string, maxAge time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{Tasks: tasks, OutputDir: outputDir, MaxAge: maxAge, Logger: logger, now: time.Now}
}

// Result reports one sweep.
type Result struct {
	Tasks int `json:"tasks"`
	Dirs  int `json:"dirs"`
}

// Sweep runs once.
func (s *Sweeper) Sweep() Result {
	var res Result
	if s.MaxAge <= 0 {
		return res
	}
	cutoff := s.now().Add(-s.MaxAge)
	if s.Tasks != nil {
		res.Tasks = s.Tasks.PurgeFinishedBefore(cutoff)
	}

	entries, err := os.ReadDir(s.OutputDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.Logger.Warn("retention: read output dir", zap.Error(err))
		}
		return res
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(s.OutputDir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			s.Logger.Warn("retention: remove result", zap.String("dir", path), zap.Error(err))
			continue
		}
		res.Dirs++
	}
	if res.Tasks > 0 || res.Dirs > 0 {
		s.Logger.Info("retention sweep", zap.Int("tasks", res.Tasks), zap.Int("dirs", res.Dirs))
	}
	return res
}

// Start schedules Sweep. Standard five-field expressions and descriptors such as
// "@hourly" are accepted.
func (s *Sweeper) Start(schedule string) error {
	if s.MaxAge <= 0 {
		s.Logger.Info("retention disabled")
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { s.Sweep() }); err != nil {
		return fmt.Errorf("retention schedule %q: %w", schedule, err)
	}
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	c.Start()
	s.Logger.Info("retention scheduled", zap.String("schedule", schedule), zap.Duration("max_age", s.MaxAge))
	return nil
}

// Stop cancels the schedule and waits for a running sweep, or ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
