// Package config loads aof's runtime configuration: a TOML file on disk
// (aof.toml by default) layered with AOF_* environment variable
// overrides, in that precedence order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all runtime configuration.
type Config struct {
	DatabasePath string `toml:"database_path"`
	ListenAddr   string `toml:"listen_addr"`
	ExternalURL  string `toml:"external_url"`
	Debug        bool   `toml:"debug"`

	MajorIntervalRaw     string `toml:"major_interval"`
	MinorIntervalRaw     string `toml:"minor_interval"`
	MinorItemIntervalRaw string `toml:"minor_item_interval"`
	AutoFetchWorkersRaw  int    `toml:"auto_fetch_workers"`

	MajorInterval     time.Duration `toml:"-"`
	MinorInterval     time.Duration `toml:"-"`
	MinorItemInterval time.Duration `toml:"-"`
	AutoFetchWorkers  int           `toml:"-"`
}

// defaults mirrors the hand-tuned constants named throughout §4.5/§4.6.
func defaults() Config {
	return Config{
		DatabasePath:         "aof.db",
		ListenAddr:           ":8000",
		ExternalURL:          "http://localhost:8000",
		MajorIntervalRaw:     "3600s",
		MinorIntervalRaw:     "45s",
		MinorItemIntervalRaw: "40s",
		AutoFetchWorkersRaw:  3,
	}
}

// Load reads path (if it exists) as TOML over the built-in defaults,
// then applies AOF_* environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.DatabasePath = getEnv("AOF_DATABASE_PATH", cfg.DatabasePath)
	cfg.ListenAddr = getEnv("AOF_LISTEN_ADDR", cfg.ListenAddr)
	cfg.ExternalURL = getEnv("AOF_EXTERNAL_URL", cfg.ExternalURL)
	cfg.Debug = getEnvBool("AOF_DEBUG", cfg.Debug)
	cfg.MajorIntervalRaw = getEnv("AOF_MAJOR_INTERVAL", cfg.MajorIntervalRaw)
	cfg.MinorIntervalRaw = getEnv("AOF_MINOR_INTERVAL", cfg.MinorIntervalRaw)
	cfg.MinorItemIntervalRaw = getEnv("AOF_MINOR_ITEM_INTERVAL", cfg.MinorItemIntervalRaw)
	cfg.AutoFetchWorkersRaw = parseInt(os.Getenv("AOF_AUTO_FETCH_WORKERS"), cfg.AutoFetchWorkersRaw)

	cfg.MajorInterval = parseDuration(cfg.MajorIntervalRaw, time.Hour)
	cfg.MinorInterval = parseDuration(cfg.MinorIntervalRaw, 45*time.Second)
	cfg.MinorItemInterval = parseDuration(cfg.MinorItemIntervalRaw, 40*time.Second)
	cfg.AutoFetchWorkers = cfg.AutoFetchWorkersRaw
	if cfg.AutoFetchWorkers <= 0 {
		cfg.AutoFetchWorkers = 3
	}

	return &cfg, nil
}

// WriteDefault writes a commented starter aof.toml to path.
func WriteDefault(path string) error {
	const body = `# aof configuration.
database_path = "aof.db"
listen_addr = ":8000"
external_url = "http://localhost:8000"
debug = false

# Auto-fetcher cadence; Go duration strings (e.g. "45s", "1h").
major_interval = "3600s"
minor_interval = "45s"
minor_item_interval = "40s"
auto_fetch_workers = 3
`
	return os.WriteFile(path, []byte(body), 0o644)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v == "true" || v == "1"
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return i
}
