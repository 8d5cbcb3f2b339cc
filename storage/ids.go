package storage

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewFileID builds an upload identifier: a millisecond timestamp, a random
// suffix and the original extension, e.g. "1718000000000-3f2a9c0d11ab.png".
func NewFileID(originalName string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(originalName)))
	if !ValidName("x"+ext) || len(ext) > 16 {
		ext = ""
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%d-%s%s", time.Now().UnixMilli(), suffix, ext)
}

// NameGenerator hands out converted-<timestamp>.<format> names whose
// timestamps are strictly increasing within the process.
type NameGenerator struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewNameGenerator returns a generator backed by the wall clock.
func NewNameGenerator() *NameGenerator {
	return &NameGenerator{now: time.Now}
}

// Next returns the next output file name for the given format extension.
func (g *NameGenerator) Next(format string) string {
	g.mu.Lock()
	ts := g.now().UnixMilli()
	if ts <= g.last {
		ts = g.last + 1
	}
	g.last = ts
	g.mu.Unlock()
	return fmt.Sprintf("converted-%d.%s", ts, format)
}
