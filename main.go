package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/cppla/imgconv/config"
	"github.com/cppla/imgconv/controllers"
	"github.com/cppla/imgconv/models"
	"github.com/cppla/imgconv/routes"
	"github.com/cppla/imgconv/storage"
	"github.com/cppla/imgconv/utils"
)

func main() {
	cfg := config.Load()

	// Initialize logger early
	if err := utils.InitLogger(cfg); err != nil {
		panic(err)
	}
	defer utils.Logger.Sync() //nolint:errcheck

	areas := storage.NewAreas(cfg.UploadDir, cfg.ConvertedDir)
	if err := areas.Ensure(); err != nil {
		utils.Sugar.Fatalf("prepare storage: %v", err)
	}

	db, err := config.InitDatabase(cfg, &models.UploadedFile{}, &models.ConvertedFile{})
	if err != nil {
		utils.Sugar.Fatalf("init database: %v", err)
	}
	ledger := controllers.NewLedger(db, utils.Logger)
	stats := utils.NewStats(utils.NewRedis(cfg))
	locks := storage.NewLockTable()
	sched := storage.NewScheduler()

	files := controllers.NewFileController(cfg, controllers.Services{
		Areas:     areas,
		Names:     storage.NewNameGenerator(),
		Locks:     locks,
		Scheduler: sched,
		Ledger:    ledger,
		Stats:     stats,
		Logger:    utils.Logger,
	})
	r := routes.SetupRouter(cfg, files, controllers.NewStatsController(stats, locks, sched))

	// Safety net for files nobody converted or downloaded
	ctx, cancel := context.WithCancel(context.Background())
	janitor := storage.NewJanitor(areas, cfg.JanitorInterval(), cfg.JanitorMaxAge(), locks, utils.Logger.Named("janitor"))
	janitor.OnRemove = func(area, name string) {
		stats.Incr(utils.StatExpiredRemoved)
		ledger.Forget(area, name)
	}
	go janitor.Run(ctx)

	stop := func() {
		cancel()
		if n := sched.Stop(); n > 0 {
			utils.Logger.Info("cancelled pending deletions", zap.Int("count", n))
		}
	}

	utils.Sugar.Infof("Server running on port %s", cfg.AppPort)
	utils.Sugar.Infof("Environment: %s", cfg.AppEnv)
	// stop runs as a shutdown hook once in-flight requests drained
	if err := utils.GraceServer("0.0.0.0:"+cfg.AppPort, r, stop); err != nil {
		stop()
		utils.Sugar.Fatalf("server stopped with error: %v", err)
	}
}
