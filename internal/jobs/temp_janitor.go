package jobs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"keygate/internal/logger"
	"keygate/internal/pipeline"
)

// TempJanitor removes pipeline run directories left behind by a crashed
// process. Runs clean up after themselves, so anything older than maxAge
// is orphaned.
type TempJanitor struct {
	dir      string
	interval time.Duration
	maxAge   time.Duration
	log      logger.Logger
	now      func() time.Time
}

// NewTempJanitor creates a janitor for dir. An empty dir means the system
// temp directory.
func NewTempJanitor(dir string, interval, maxAge time.Duration, log logger.Logger) *TempJanitor {
	if dir == "" {
		dir = os.TempDir()
	}
	return &TempJanitor{
		dir:      dir,
		interval: interval,
		maxAge:   maxAge,
		log:      log,
		now:      time.Now,
	}
}

// Start begins the background sweep loop. It returns when ctx is cancelled.
func (j *TempJanitor) Start(ctx context.Context) {
	j.log.Info("Temp janitor started",
		logger.String("dir", j.dir),
		logger.Duration("interval", j.interval),
		logger.Duration("max_age", j.maxAge),
	)

	// Run immediately on start
	j.Sweep(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("Temp janitor stopped")
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep removes stale run directories and returns how many were removed.
func (j *TempJanitor) Sweep(ctx context.Context) int {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			j.log.Warn("Temp janitor: failed to read dir", logger.String("dir", j.dir), logger.Error(err))
		}
		return 0
	}

	cutoff := j.now().Add(-j.maxAge)
	removed := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return removed
		}
		if !e.IsDir() || !strings.HasPrefix(e.Name(), pipeline.RunDirPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(j.dir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			j.log.Warn("Temp janitor: failed to remove run dir", logger.String("dir", path), logger.Error(err))
			continue
		}
		removed++
	}

	if removed > 0 {
		j.log.Info("Temp janitor removed stale run dirs", logger.Int("count", removed))
	}
	return removed
}
