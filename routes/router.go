package routes

import (
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cppla/imgconv/config"
	"github.com/cppla/imgconv/controllers"
	"github.com/cppla/imgconv/middleware"
	"github.com/cppla/imgconv/utils"
)

// SetupRouter wires routes, middlewares, and controllers.
func SetupRouter(cfg config.AppConfig, files *controllers.FileController, stats *controllers.StatsController) *gin.Engine {
	switch strings.ToLower(cfg.GinMode) {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	// Multipart parts above this size spill to temp files instead of memory
	r.MaxMultipartMemory = 32 << 20

	accessLog := zap.NewNop()
	if cfg.GinPath != "" {
		if gl, err := utils.NewRollingFileLogger(cfg.GinPath, cfg); err == nil {
			accessLog = gl
		} else {
			utils.Sugar.Warnf("gin access log disabled: %v", err)
		}
	}
	r.Use(ginzap.Ginzap(accessLog, time.RFC3339, true))
	// Panics still answer with the JSON envelope
	r.Use(ginzap.CustomRecoveryWithZap(accessLog, true, func(c *gin.Context, _ any) {
		utils.Fail(c, http.StatusInternalServerError, "internal server error")
		c.Abort()
	}))

	corsCfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type"},
		ExposeHeaders: []string{"Content-Length", "Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	r.Use(cors.New(corsCfg))

	r.Static("/static", cfg.StaticDir)
	r.GET("/", func(c *gin.Context) {
		c.File(filepath.Join(cfg.StaticDir, "index.html"))
	})
	r.GET("/health", stats.Health)

	api := r.Group("/api")
	api.Use(middleware.RateLimitMiddleware(middleware.NewIPRateLimiter(cfg.RateLimitPerMinute)))
	api.POST("/upload", files.Upload)
	api.POST("/convert/image", files.Convert)
	api.GET("/download/:filename", files.Download)
	api.GET("/stats", stats.GetStats)

	r.NoRoute(func(ctx *gin.Context) {
		utils.Fail(ctx, http.StatusNotFound, "route not found")
	})

	return r
}
