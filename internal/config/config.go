package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/kiln/internal/model"
)

const (
	defaultListenAddr    = ":8080"
	defaultDBPath        = "kiln.db"
	defaultWarmLanguages = "python,javascript"
	defaultPoolIdleTTL   = 10 * time.Minute
	defaultMetricsBuffer = 1000

	envListenAddr    = "KILN_LISTEN_ADDR"
	envDBPath        = "KILN_DB_PATH"
	envLogLevel      = "KILN_LOG_LEVEL"
	envWorkspaceDir  = "KILN_WORKSPACE_DIR"
	envWaitForWarm   = "KILN_WAIT_FOR_WARM"
	envWarmLanguages = "KILN_WARM_LANGUAGES"
	envPoolIdleTTL   = "KILN_POOL_IDLE_TTL"
	envMetricsBuffer = "KILN_METRICS_BUFFER"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr   string
	DBPath       string
	LogLevel     slog.Level
	WorkspaceDir string

	// WaitForWarm makes invocations block until the warm container for their
	// key is available instead of falling back to a request-scoped container.
	WaitForWarm bool

	// WarmLanguages are pre-built on startup for every registered backend.
	WarmLanguages []model.Language

	// PoolIdleTTL is how long an idle warm container may sit unused before it
	// is reaped. Zero disables reaping.
	PoolIdleTTL time.Duration

	MetricsBuffer int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:    defaultListenAddr,
		DBPath:        defaultDBPath,
		LogLevel:      slog.LevelInfo,
		WorkspaceDir:  os.TempDir(),
		WarmLanguages: parseLanguages(defaultWarmLanguages),
		PoolIdleTTL:   defaultPoolIdleTTL,
		MetricsBuffer: defaultMetricsBuffer,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envWorkspaceDir); v != "" {
		cfg.WorkspaceDir = v
	}
	if v := os.Getenv(envWaitForWarm); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.WaitForWarm = b
		}
	}
	if v, ok := os.LookupEnv(envWarmLanguages); ok {
		cfg.WarmLanguages = parseLanguages(v)
	}
	if v := os.Getenv(envPoolIdleTTL); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.PoolIdleTTL = d
		}
	}
	if v := os.Getenv(envMetricsBuffer); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MetricsBuffer = n
		}
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parseLanguages splits a comma-separated language list, dropping blanks and
// names the platform cannot run.
func parseLanguages(s string) []model.Language {
	var langs []model.Language
	seen := make(map[model.Language]bool)
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		l := model.ParseLanguage(part)
		if !l.Supported() || seen[l] {
			continue
		}
		seen[l] = true
		langs = append(langs, l)
	}
	return langs
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
