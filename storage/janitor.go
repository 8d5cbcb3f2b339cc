package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// SweepResult summarises one janitor pass.
type SweepResult struct {
	Scanned int
	Removed int
	Skipped int // expired but held by a request
	Errors  int
}

// Janitor periodically removes files older than MaxAge from both storage areas.
type Janitor struct {
	areas    Areas
	interval time.Duration
	maxAge   time.Duration
	locks    *LockTable
	log      *zap.Logger

	// OnRemove is called after a file was deleted by a sweep.
	OnRemove func(area, name string)
}

// NewJanitor builds a janitor; locks and logger may be nil.
func NewJanitor(areas Areas, interval, maxAge time.Duration, locks *LockTable, logger *zap.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{
		areas:    areas,
		interval: interval,
		maxAge:   maxAge,
		locks:    locks,
		log:      logger,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			res := j.Sweep(now)
			j.log.Info("storage sweep finished",
				zap.Int("scanned", res.Scanned),
				zap.Int("removed", res.Removed),
				zap.Int("skipped", res.Skipped),
				zap.Int("errors", res.Errors),
			)
		}
	}
}

// Sweep deletes every expired file once. Failures are logged and counted,
// never returned: one bad entry must not stop the pass.
func (j *Janitor) Sweep(now time.Time) SweepResult {
	var res SweepResult
	for _, area := range j.areas.Dirs() {
		name, dir := area[0], area[1]
		entries, err := os.ReadDir(dir)
		if err != nil {
			res.Errors++
			j.log.Warn("janitor list failed", zap.String("area", name), zap.Error(err))
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			res.Scanned++
			j.sweepEntry(now, name, dir, entry, &res)
		}
	}
	return res
}

func (j *Janitor) sweepEntry(now time.Time, area, dir string, entry fs.DirEntry, res *SweepResult) {
	info, err := entry.Info()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			res.Errors++
			j.log.Warn("janitor stat failed", zap.String("file", entry.Name()), zap.Error(err))
		}
		return
	}
	if now.Sub(info.ModTime()) <= j.maxAge {
		return
	}

	path := filepath.Join(dir, entry.Name())
	if j.locks != nil && j.locks.InUse(path) {
		res.Skipped++
		return
	}
	if err := os.Remove(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			res.Errors++
			j.log.Warn("janitor delete failed", zap.String("file", entry.Name()), zap.Error(err))
		}
		return
	}
	res.Removed++
	j.log.Info("removed expired file", zap.String("area", area), zap.String("file", entry.Name()))
	if j.OnRemove != nil {
		j.OnRemove(area, entry.Name())
	}
}
