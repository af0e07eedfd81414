// Package reaper bounds disk usage by deleting stale working directories
// left behind by streamed deliveries and slideshow assembly. Directories
// are judged by modification time only; a sweep never touches files at the
// base directory's top level.
package reaper

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Sweep removes every immediate subdirectory of baseDir whose modification
// time is older than maxAge, returning how many were removed. Individual
// failures are logged and skipped so one bad directory cannot stall the
// sweep. A missing baseDir is not an error; there is nothing to reap.
func Sweep(baseDir string, maxAge time.Duration, logger *logrus.Logger) (int, error) {
	if logger == nil {
		logger = logrus.New()
	}

	entries, err := os.ReadDir(baseDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read work dir root: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(baseDir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			logger.WithError(err).WithField("dir", path).Warn("stat failed, skipping")
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		if err := os.RemoveAll(path); err != nil {
			logger.WithError(err).WithField("dir", path).Warn("remove failed, skipping")
			continue
		}
		removed++
		logger.WithField("dir", path).Debug("stale work dir removed")
	}

	return removed, nil
}

// Remove deletes a single work directory right away, used once a delivery
// has finished with it.
func Remove(dir string, logger *logrus.Logger) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		if logger != nil {
			logger.WithError(err).WithField("dir", dir).Warn("work dir cleanup failed")
		}
	}
}

// Scheduler runs Sweep on a fixed interval until shut down.
type Scheduler struct {
	baseDir  string
	maxAge   time.Duration
	interval time.Duration
	logger   *logrus.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(baseDir string, maxAge, interval time.Duration, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scheduler{
		baseDir:  baseDir,
		maxAge:   maxAge,
		interval: interval,
		logger:   logger,
	}
}

// Start launches the sweep loop. One sweep runs immediately so a restart
// clears backlog without waiting a full interval.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.sweepOnce()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepOnce()
			}
		}
	}()
	s.logger.Infof("cleanup scheduler started, interval %s, max age %s", s.interval, s.maxAge)
}

// Shutdown stops the loop and waits for any in-flight sweep to finish.
func (s *Scheduler) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cleanup scheduler stopped")
}

func (s *Scheduler) sweepOnce() {
	removed, err := Sweep(s.baseDir, s.maxAge, s.logger)
	if err != nil {
		s.logger.WithError(err).Warn("cleanup sweep failed")
		return
	}
	if removed > 0 {
		s.logger.Infof("cleanup sweep removed %d stale dirs", removed)
	}
}
