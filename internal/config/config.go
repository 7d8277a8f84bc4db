// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for the history archive (always absolute)
	LogLevel string
	Port     int
	DevMode  bool

	Heartbeat  HeartbeatConfig
	Dispatcher DispatcherConfig
	Budget     BudgetConfig
	Updates    UpdatesConfig
	Journal    JournalConfig
	Router     RouterConfig
	Bridge     BridgeConfig
}

// HeartbeatConfig controls the adaptive scheduler loop.
type HeartbeatConfig struct {
	IdleInterval   time.Duration // steady-state cadence when nothing is happening
	ActiveInterval time.Duration // cadence after a wake signal
	ActiveTimeout  time.Duration // how long activity keeps the loop in active mode
}

// DispatcherConfig controls the work dispatcher.
type DispatcherConfig struct {
	MaxAttempts      int           // bounded requeues before a job is reported permanently failed
	ActivityCooldown time.Duration // window after user activity during which background starts are deferred
}

// BudgetConfig controls the background resource budget.
type BudgetConfig struct {
	Window         time.Duration  // rolling window length
	DefaultCeiling float64        // ceiling for categories without an explicit entry
	Ceilings       map[string]float64
}

// UpdatesConfig controls the update coordinator.
type UpdatesConfig struct {
	TickInterval       time.Duration
	MaxPendingKeys     int
	SlowTickThreshold  time.Duration
	ErrorThreshold     int  // consecutive failures before the disabled warning fires
	DisableOnThreshold bool // when true, sources are unregistered at the threshold (default: warn only)
}

// JournalConfig controls the change journal.
type JournalConfig struct {
	RecentWindow int // number of recent events retained for diagnostics
}

// RouterConfig controls the channel router.
type RouterConfig struct {
	ChannelPriority []string // fallback resolution order, highest first
	ChunkSize       int      // max outbound message size before chunking
}

// BridgeConfig controls the optional Redis journal bridge.
type BridgeConfig struct {
	RedisAddr    string // empty disables the bridge
	RedisChannel string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("ADJUTANT_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("ADJUTANT_PORT", 8010),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Heartbeat: HeartbeatConfig{
			IdleInterval:   getEnvAsDuration("HEARTBEAT_IDLE_INTERVAL", 5*time.Minute),
			ActiveInterval: getEnvAsDuration("HEARTBEAT_ACTIVE_INTERVAL", 10*time.Second),
			ActiveTimeout:  getEnvAsDuration("HEARTBEAT_ACTIVE_TIMEOUT", 2*time.Minute),
		},
		Dispatcher: DispatcherConfig{
			MaxAttempts:      getEnvAsInt("DISPATCHER_MAX_ATTEMPTS", 3),
			ActivityCooldown: getEnvAsDuration("DISPATCHER_ACTIVITY_COOLDOWN", 15*time.Second),
		},
		Budget: BudgetConfig{
			Window:         getEnvAsDuration("BUDGET_WINDOW", time.Hour),
			DefaultCeiling: getEnvAsFloat("BUDGET_DEFAULT_CEILING", 100),
			Ceilings:       getEnvAsFloatMap("BUDGET_CEILINGS"),
		},
		Updates: UpdatesConfig{
			TickInterval:       getEnvAsDuration("UPDATES_TICK_INTERVAL", 10*time.Second),
			MaxPendingKeys:     getEnvAsInt("UPDATES_MAX_PENDING_KEYS", 100),
			SlowTickThreshold:  getEnvAsDuration("UPDATES_SLOW_TICK_THRESHOLD", time.Second),
			ErrorThreshold:     getEnvAsInt("UPDATES_ERROR_THRESHOLD", 10),
			DisableOnThreshold: getEnvAsBool("UPDATES_DISABLE_ON_THRESHOLD", false),
		},
		Journal: JournalConfig{
			RecentWindow: getEnvAsInt("JOURNAL_RECENT_WINDOW", 256),
		},
		Router: RouterConfig{
			ChannelPriority: getEnvAsList("ROUTER_CHANNEL_PRIORITY", []string{"webchat"}),
			ChunkSize:       getEnvAsInt("ROUTER_CHUNK_SIZE", 4000),
		},
		Bridge: BridgeConfig{
			RedisAddr:    getEnv("BRIDGE_REDIS_ADDR", ""),
			RedisChannel: getEnv("BRIDGE_REDIS_CHANNEL", "adjutant:changes"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Heartbeat.ActiveInterval >= c.Heartbeat.IdleInterval {
		return fmt.Errorf("heartbeat active interval (%s) must be shorter than idle interval (%s)",
			c.Heartbeat.ActiveInterval, c.Heartbeat.IdleInterval)
	}
	if c.Updates.MaxPendingKeys <= 0 {
		return fmt.Errorf("updates max pending keys must be positive, got %d", c.Updates.MaxPendingKeys)
	}
	if c.Router.ChunkSize <= 0 {
		return fmt.Errorf("router chunk size must be positive, got %d", c.Router.ChunkSize)
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvAsList parses a comma-separated list, e.g. "webchat,sms,email".
func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// getEnvAsFloatMap parses "category=ceiling" pairs, e.g. "polling=200,research=50".
func getEnvAsFloatMap(key string) map[string]float64 {
	out := make(map[string]float64)
	value := os.Getenv(key)
	if value == "" {
		return out
	}
	for _, pair := range strings.Split(value, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) != 2 {
			continue
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(kv[1]), 64); err == nil {
			out[strings.TrimSpace(kv[0])] = f
		}
	}
	return out
}
