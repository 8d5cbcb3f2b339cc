package utils

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter names exposed by GET /api/stats.
const (
	StatUploads            = "uploads"
	StatConversions        = "conversions"
	StatConversionFailures = "conversion_failures"
	StatDownloads          = "downloads"
	StatExpiredRemoved     = "expired_removed"
)

var statNames = []string{StatUploads, StatConversions, StatConversionFailures, StatDownloads, StatExpiredRemoved}

const statsKeyPrefix = "imgconv:stats:"

// Stats keeps service counters in Redis so several instances share them,
// falling back to process memory when Redis is absent or failing.
type Stats struct {
	rc    *redis.Client
	mu    sync.Mutex
	local map[string]int64
}

// NewStats returns counters backed by rc; rc may be nil.
func NewStats(rc *redis.Client) *Stats {
	return &Stats{rc: rc, local: map[string]int64{}}
}

// Incr adds one to the named counter.
func (s *Stats) Incr(name string) {
	if s.rc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := s.rc.Incr(ctx, statsKeyPrefix+name).Err()
		if err == nil {
			return
		}
		Sugar.Debugf("stats incr %s via redis failed: %v", name, err)
	}
	s.mu.Lock()
	s.local[name]++
	s.mu.Unlock()
}

// Snapshot returns the current value of every counter.
func (s *Stats) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(statNames))
	s.mu.Lock()
	for _, n := range statNames {
		out[n] = s.local[n]
	}
	s.mu.Unlock()

	if s.rc == nil {
		return out
	}
	keys := make([]string, len(statNames))
	for i, n := range statNames {
		keys[i] = statsKeyPrefix + n
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	vals, err := s.rc.MGet(ctx, keys...).Result()
	if err != nil {
		Sugar.Debugf("stats mget via redis failed: %v", err)
		return out
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		if n, err := strconv.ParseInt(str, 10, 64); err == nil {
			// local counts only hold increments that missed Redis
			out[statNames[i]] += n
		}
	}
	return out
}
