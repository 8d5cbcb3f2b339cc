package controllers

import (
	"github.com/gin-gonic/gin"

	"github.com/cppla/imgconv/storage"
	"github.com/cppla/imgconv/utils"
)

// StatsController reports service counters and health.
type StatsController struct {
	stats *utils.Stats
	locks *storage.LockTable
	sched *storage.Scheduler
}

// NewStatsController creates a new StatsController instance.
func NewStatsController(stats *utils.Stats, locks *storage.LockTable, sched *storage.Scheduler) *StatsController {
	return &StatsController{stats: stats, locks: locks, sched: sched}
}

// GetStats returns counters plus the number of files in use and pending deletions.
func (s *StatsController) GetStats(ctx *gin.Context) {
	utils.OK(ctx, gin.H{
		"stats":          s.stats.Snapshot(),
		"filesInUse":     s.locks.Len(),
		"pendingDeletes": s.sched.Pending(),
	})
}

// Health is a liveness probe.
func (s *StatsController) Health(ctx *gin.Context) {
	utils.OK(ctx, gin.H{"status": "ok"})
}
