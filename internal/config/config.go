package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all agent configuration.
type Config struct {
	ServerBaseURL string
	StreamBaseURL string
	GinMode       string
	LogLevel      string
	LogFormat     string

	// DataDir holds the durable queue database.
	DataDir string

	// BridgePort is the localhost port the exam UI connects to.
	BridgePort string
	// AllowedOrigins controls bridge CORS and WebSocket origin validation.
	// Empty slice means all origins are permitted (dev default).
	AllowedOrigins []string

	DebounceWindow    time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	MaxSendAttempts   int
	DrainConcurrency  int
	CallTimeout       time.Duration
	TeardownGrace     time.Duration
	ResyncInterval    time.Duration
	DriftTolerance    time.Duration
	CaptureInterval   time.Duration
	ProctorBacklogCap int
}

// Load reads configuration from environment variables with sensible defaults.
// It loads .env file if present but does not fail if missing.
func Load() *Config {
	_ = godotenv.Load() // Ignore error — .env is optional

	return &Config{
		ServerBaseURL: getEnv("SERVER_BASE_URL", "http://localhost:8080/api/v1"),
		StreamBaseURL: getEnv("STREAM_BASE_URL", "ws://localhost:8080/ws/v1"),
		GinMode:       getEnv("GIN_MODE", "debug"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "pretty"),

		DataDir: getEnv("DATA_DIR", defaultDataDir()),

		BridgePort:     getEnv("BRIDGE_PORT", "7468"),
		AllowedOrigins: parseOrigins(getEnv("ALLOWED_ORIGINS", "")),

		DebounceWindow:    getEnvDuration("DEBOUNCE_WINDOW", time.Second),
		BackoffBase:       getEnvDuration("BACKOFF_BASE", 2*time.Second),
		BackoffCap:        getEnvDuration("BACKOFF_CAP", time.Minute),
		MaxSendAttempts:   getEnvInt("MAX_SEND_ATTEMPTS", 8),
		DrainConcurrency:  getEnvInt("DRAIN_CONCURRENCY", 2),
		CallTimeout:       getEnvDuration("CALL_TIMEOUT", 10*time.Second),
		TeardownGrace:     getEnvDuration("TEARDOWN_GRACE", 5*time.Second),
		ResyncInterval:    getEnvDuration("TIME_RESYNC_INTERVAL", 30*time.Second),
		DriftTolerance:    getEnvDuration("DRIFT_TOLERANCE", 5*time.Second),
		CaptureInterval:   getEnvDuration("CAPTURE_INTERVAL", 30*time.Second),
		ProctorBacklogCap: getEnvInt("PROCTOR_BACKLOG_CAP", 512),
	}
}

// QueuePath returns the durable queue database path under DataDir.
func (c *Config) QueuePath() string {
	return filepath.Join(c.DataDir, "exam_queue.db")
}

func defaultDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "exstem-client")
	}
	return "./data"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// parseOrigins splits a comma-separated origins string into a trimmed slice.
// Returns nil (allow-all) if the input is empty.
func parseOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
