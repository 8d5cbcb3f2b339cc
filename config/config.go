package config

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig holds environment driven configuration values.
// Secrets (Redis/DB passwords) should be provided via the environment rather than config.json.
type AppConfig struct {
	AppPort            string
	AppEnv             string
	RateLimitPerMinute int
	AllowedOrigins     []string
	// Gin framework configuration
	GinMode string
	GinPath string
	// Storage areas and conversion limits
	UploadDir              string
	ConvertedDir           string
	StaticDir              string
	MaxUploadMB            int
	DefaultQuality         int
	DownloadDeleteDelaySec int
	JanitorIntervalMin     int
	JanitorMaxAgeMin       int
	// Redis for stats counters (disabled when RedisHost is empty)
	RedisHost     string
	RedisPort     int
	RedisDB       int
	RedisPassword string
	// Optional file ledger (disabled when DBDriver is empty)
	DBDriver    string
	DatabaseURI string
	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string
	// Logging configuration
	LogLevel      string
	LogPath       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
	LogCompress   bool
}

var cfg AppConfig
var loaded bool

// Load loads the application configuration. It should be called once during boot.
func Load() AppConfig {
	if loaded {
		return cfg
	}

	// Precedence: config/config.json -> defaults -> environment variable overrides
	if err := loadJSONConfig(filepath.Join("config", "config.json"), &cfg); err != nil {
		log.Fatalf("invalid config/config.json: %v", err)
	}
	applyDefaults(&cfg)
	if err := loadDotEnv(".env"); err != nil {
		log.Fatalf("invalid .env: %v", err)
	}
	applyEnvOverrides(&cfg)

	loaded = true
	return cfg
}

// loadDotEnv exports the variables of an optional dotenv file. Variables
// already set in the process environment keep their value.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

// Get returns the cached configuration, loading it if necessary.
func Get() AppConfig {
	if !loaded {
		return Load()
	}
	return cfg
}

// Default returns a configuration populated only with defaults. Useful for tests and tools.
func Default() AppConfig {
	var c AppConfig
	applyDefaults(&c)
	return c
}

// MaxUploadBytes is the upload size bound in bytes.
func (c AppConfig) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) * 1024 * 1024
}

// DownloadDeleteDelay is how long a downloaded file is kept before removal.
func (c AppConfig) DownloadDeleteDelay() time.Duration {
	return time.Duration(c.DownloadDeleteDelaySec) * time.Second
}

// JanitorInterval is the period between two storage sweeps.
func (c AppConfig) JanitorInterval() time.Duration {
	return time.Duration(c.JanitorIntervalMin) * time.Minute
}

// JanitorMaxAge is the age after which an abandoned file is swept.
func (c AppConfig) JanitorMaxAge() time.Duration {
	return time.Duration(c.JanitorMaxAgeMin) * time.Minute
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// loadJSONConfig reads JSON file into cfg if present. Returns error only for invalid JSON.
func loadJSONConfig(path string, out *AppConfig) error {
	f, err := os.Open(path)
	if err != nil {
		return nil // silently ignore missing file
	}
	defer f.Close()

	var raw map[string]any
	if err := json.NewDecoder(f).Decode(&raw); err != nil {
		return err
	}

	getString := func(m map[string]any, key string) string {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
		return ""
	}
	getInt := func(m map[string]any, key string) int {
		if v, ok := m[key]; ok {
			switch t := v.(type) {
			case float64:
				return int(t)
			case int:
				return t
			case string:
				i, _ := strconv.Atoi(t)
				return i
			}
		}
		return 0
	}
	getBool := func(m map[string]any, key string) bool {
		if v, ok := m[key]; ok {
			if b, ok := v.(bool); ok {
				return b
			}
		}
		return false
	}
	getStringSlice := func(m map[string]any, key string) []string {
		if v, ok := m[key]; ok {
			if arr, ok := v.([]any); ok {
				res := make([]string, 0, len(arr))
				for _, it := range arr {
					if s, ok := it.(string); ok {
						res = append(res, s)
					}
				}
				return res
			}
		}
		return nil
	}

	if app, ok := raw["app"].(map[string]any); ok {
		out.AppPort = getString(app, "AppPort")
		out.AppEnv = getString(app, "AppEnv")
		out.RateLimitPerMinute = getInt(app, "RateLimitPerMinute")
		if list := getStringSlice(app, "AllowedOrigins"); len(list) > 0 {
			out.AllowedOrigins = list
		}
	}

	if st, ok := raw["storage"].(map[string]any); ok {
		out.UploadDir = getString(st, "UploadDir")
		out.ConvertedDir = getString(st, "ConvertedDir")
		out.StaticDir = getString(st, "StaticDir")
		out.MaxUploadMB = getInt(st, "MaxUploadMB")
		out.DefaultQuality = getInt(st, "DefaultQuality")
		out.DownloadDeleteDelaySec = getInt(st, "DownloadDeleteDelaySec")
		out.JanitorIntervalMin = getInt(st, "JanitorIntervalMin")
		out.JanitorMaxAgeMin = getInt(st, "JanitorMaxAgeMin")
	}

	if rds, ok := raw["redis"].(map[string]any); ok {
		out.RedisHost = getString(rds, "RedisHost")
		out.RedisPort = getInt(rds, "RedisPort")
		out.RedisDB = getInt(rds, "RedisDB")
		out.RedisPassword = getString(rds, "RedisPassword")
	}

	if dbs, ok := raw["database"].(map[string]any); ok {
		out.DBDriver = getString(dbs, "Driver")
		out.DatabaseURI = getString(dbs, "DatabaseURI")
		out.DBHost = getString(dbs, "DBHost")
		out.DBPort = getString(dbs, "DBPort")
		out.DBUser = getString(dbs, "DBUser")
		out.DBPassword = getString(dbs, "DBPassword")
		out.DBName = getString(dbs, "DBName")
	}

	if lg, ok := raw["log"].(map[string]any); ok {
		out.LogLevel = getString(lg, "Level")
		out.LogPath = getString(lg, "Path")
		out.GinMode = getString(lg, "GinMode")
		out.GinPath = getString(lg, "GinPath")
		out.LogMaxSizeMB = getInt(lg, "MaxSizeMB")
		out.LogMaxBackups = getInt(lg, "MaxBackups")
		out.LogMaxAgeDays = getInt(lg, "MaxAgeDays")
		out.LogCompress = getBool(lg, "Compress")
	}

	// flat AppPort for backward compatibility
	if v, ok := raw["AppPort"]; ok && out.AppPort == "" {
		out.AppPort, _ = v.(string)
	}

	return nil
}

// applyDefaults sets sane defaults for zero-value fields.
func applyDefaults(c *AppConfig) {
	if c.AppPort == "" {
		c.AppPort = "3000"
	}
	if c.AppEnv == "" {
		c.AppEnv = "development"
	}
	if c.GinMode == "" {
		c.GinMode = "release"
	}
	if c.GinPath == "" {
		c.GinPath = "logs/gin.log"
	}
	if c.RateLimitPerMinute == 0 {
		c.RateLimitPerMinute = 120
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	if c.UploadDir == "" {
		c.UploadDir = "uploads"
	}
	if c.ConvertedDir == "" {
		c.ConvertedDir = "converted"
	}
	if c.StaticDir == "" {
		c.StaticDir = "static"
	}
	if c.MaxUploadMB == 0 {
		c.MaxUploadMB = 100
	}
	if c.DefaultQuality == 0 {
		c.DefaultQuality = 90
	}
	if c.DownloadDeleteDelaySec == 0 {
		c.DownloadDeleteDelaySec = 10
	}
	if c.JanitorIntervalMin == 0 {
		c.JanitorIntervalMin = 60
	}
	if c.JanitorMaxAgeMin == 0 {
		c.JanitorMaxAgeMin = 60
	}
	if c.RedisPort == 0 {
		c.RedisPort = 6379
	}
	if c.DBHost == "" {
		c.DBHost = "127.0.0.1"
	}
	if c.DBPort == "" {
		c.DBPort = "3306"
	}
	if c.DBUser == "" {
		c.DBUser = "root"
	}
	if c.DBName == "" {
		c.DBName = "imgconv"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogMaxSizeMB == 0 {
		c.LogMaxSizeMB = 100
	}
	if c.LogMaxBackups == 0 {
		c.LogMaxBackups = 3
	}
	if c.LogMaxAgeDays == 0 {
		c.LogMaxAgeDays = 7
	}
}

// applyEnvOverrides maps known environment variables onto config values when present.
func applyEnvOverrides(c *AppConfig) {
	if v := getEnv("APP_PORT", ""); v != "" {
		c.AppPort = v
	}
	// PORT wins over APP_PORT, as most hosting platforms inject it
	if v := getEnv("PORT", ""); v != "" {
		c.AppPort = v
	}
	if v := getEnv("NODE_ENV", ""); v != "" {
		c.AppEnv = v
	}
	if v := getEnv("APP_ENV", ""); v != "" {
		c.AppEnv = v
	}
	if v := getEnv("GIN_MODE", ""); v != "" {
		c.GinMode = v
	}
	if v := getEnv("GIN_PATH", ""); v != "" {
		c.GinPath = v
	}
	if v := getEnv("RATE_LIMIT_PER_MINUTE", ""); v != "" {
		c.RateLimitPerMinute = mustParseInt(v)
	}
	if v := getEnv("CORS_ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = readListEnv("CORS_ALLOWED_ORIGINS", c.AllowedOrigins)
	}
	if v := getEnv("UPLOAD_DIR", ""); v != "" {
		c.UploadDir = v
	}
	if v := getEnv("CONVERTED_DIR", ""); v != "" {
		c.ConvertedDir = v
	}
	if v := getEnv("STATIC_DIR", ""); v != "" {
		c.StaticDir = v
	}
	if v := getEnv("MAX_UPLOAD_MB", ""); v != "" {
		c.MaxUploadMB = mustParseInt(v)
	}
	if v := getEnv("DEFAULT_QUALITY", ""); v != "" {
		c.DefaultQuality = mustParseInt(v)
	}
	if v := getEnv("DOWNLOAD_DELETE_DELAY_SEC", ""); v != "" {
		c.DownloadDeleteDelaySec = mustParseInt(v)
	}
	if v := getEnv("JANITOR_INTERVAL_MIN", ""); v != "" {
		c.JanitorIntervalMin = mustParseInt(v)
	}
	if v := getEnv("JANITOR_MAX_AGE_MIN", ""); v != "" {
		c.JanitorMaxAgeMin = mustParseInt(v)
	}
	if v := getEnv("REDIS_HOST", ""); v != "" {
		c.RedisHost = v
	}
	if v := getEnv("REDIS_PORT", ""); v != "" {
		c.RedisPort = mustParseInt(v)
	}
	if v := getEnv("REDIS_DB", ""); v != "" {
		c.RedisDB = mustParseInt(v)
	}
	if v := getEnv("REDIS_PASSWORD", ""); v != "" {
		c.RedisPassword = v
	}
	if v := getEnv("DB_DRIVER", ""); v != "" {
		c.DBDriver = v
	}
	if v := getEnv("DATABASE_URI", ""); v != "" {
		c.DatabaseURI = v
	}
	if v := getEnv("DB_HOST", ""); v != "" {
		c.DBHost = v
	}
	if v := getEnv("DB_PORT", ""); v != "" {
		c.DBPort = v
	}
	if v := getEnv("DB_USER", ""); v != "" {
		c.DBUser = v
	}
	if v := getEnv("DB_PASSWORD", ""); v != "" {
		c.DBPassword = v
	}
	if v := getEnv("DB_NAME", ""); v != "" {
		c.DBName = v
	}
	if v := getEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := getEnv("LOG_PATH", ""); v != "" {
		c.LogPath = v
	}
	if v := getEnv("LOG_MAX_SIZE_MB", ""); v != "" {
		c.LogMaxSizeMB = mustParseInt(v)
	}
	if v := getEnv("LOG_MAX_BACKUPS", ""); v != "" {
		c.LogMaxBackups = mustParseInt(v)
	}
	if v := getEnv("LOG_MAX_AGE_DAYS", ""); v != "" {
		c.LogMaxAgeDays = mustParseInt(v)
	}
	if v := getEnv("LOG_COMPRESS", ""); v != "" {
		c.LogCompress = v == "true"
	}
}

func mustParseInt(val string) int {
	i, err := strconv.Atoi(val)
	if err != nil {
		log.Fatalf("invalid integer value %s: %v", val, err)
	}
	return i
}

func readListEnv(key string, defaults []string) []string {
	if raw := os.Getenv(key); raw != "" {
		return splitAndTrim(raw)
	}
	return defaults
}

func splitAndTrim(raw string) []string {
	items := []string{}
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
