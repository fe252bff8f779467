// Package config loads legalpipe settings from an optional TOML file with
// LEGALPIPE_* environment variable overrides on top.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds settings shared by the worker, API server and admin CLI.
type Config struct {
	RedisAddr  string `toml:"redis_addr"`
	DBPath     string `toml:"db_path"`
	ListenAddr string `toml:"listen_addr"`

	Concurrency int `toml:"concurrency"`

	MaxRetries    int           `toml:"max_retries"`
	RetryDelay    time.Duration `toml:"retry_delay"`
	SoftTimeout   time.Duration `toml:"soft_timeout"`
	HardTimeout   time.Duration `toml:"hard_timeout"`
	ResultTTL     time.Duration `toml:"result_ttl"`
	HeartbeatIdle time.Duration `toml:"heartbeat_idle"`
}

// Default returns the built-in defaults used when no file or env override
// is present.
func Default() Config {
	return Config{
		RedisAddr:     "127.0.0.1:6379",
		DBPath:        "legalpipe.db",
		ListenAddr:    ":8080",
		Concurrency:   4,
		MaxRetries:    3,
		RetryDelay:    60 * time.Second,
		SoftTimeout:   300 * time.Second,
		HardTimeout:   600 * time.Second,
		ResultTTL:     time.Hour,
		HeartbeatIdle: 30 * time.Second,
	}
}

// Load reads path (if non-empty and present) and then applies env overrides.
// A missing file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			var f fileConfig
			if _, err := toml.DecodeFile(path, &f); err != nil {
				return cfg, err
			}
			f.apply(&cfg)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

// fileConfig mirrors Config with duration fields as strings so TOML files
// can say retry_delay = "60s".
type fileConfig struct {
	RedisAddr  string `toml:"redis_addr"`
	DBPath     string `toml:"db_path"`
	ListenAddr string `toml:"listen_addr"`

	Concurrency int `toml:"concurrency"`
	MaxRetries  int `toml:"max_retries"`

	RetryDelay    string `toml:"retry_delay"`
	SoftTimeout   string `toml:"soft_timeout"`
	HardTimeout   string `toml:"hard_timeout"`
	ResultTTL     string `toml:"result_ttl"`
	HeartbeatIdle string `toml:"heartbeat_idle"`
}

func (f *fileConfig) apply(cfg *Config) {
	if f.RedisAddr != "" {
		cfg.RedisAddr = f.RedisAddr
	}
	if f.DBPath != "" {
		cfg.DBPath = f.DBPath
	}
	if f.ListenAddr != "" {
		cfg.ListenAddr = f.ListenAddr
	}
	if f.Concurrency > 0 {
		cfg.Concurrency = f.Concurrency
	}
	if f.MaxRetries > 0 {
		cfg.MaxRetries = f.MaxRetries
	}
	setDuration(&cfg.RetryDelay, f.RetryDelay)
	setDuration(&cfg.SoftTimeout, f.SoftTimeout)
	setDuration(&cfg.HardTimeout, f.HardTimeout)
	setDuration(&cfg.ResultTTL, f.ResultTTL)
	setDuration(&cfg.HeartbeatIdle, f.HeartbeatIdle)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LEGALPIPE_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("LEGALPIPE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LEGALPIPE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	cfg.Concurrency = getenvInt("LEGALPIPE_CONCURRENCY", cfg.Concurrency)
	cfg.MaxRetries = getenvInt("LEGALPIPE_MAX_RETRIES", cfg.MaxRetries)
	getenvDuration("LEGALPIPE_RETRY_DELAY", &cfg.RetryDelay)
	getenvDuration("LEGALPIPE_SOFT_TIMEOUT", &cfg.SoftTimeout)
	getenvDuration("LEGALPIPE_HARD_TIMEOUT", &cfg.HardTimeout)
	getenvDuration("LEGALPIPE_RESULT_TTL", &cfg.ResultTTL)
	getenvDuration("LEGALPIPE_HEARTBEAT_IDLE", &cfg.HeartbeatIdle)
}

// getenvInt reads positive ints from env with default.
func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func getenvDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		setDuration(dst, v)
	}
}

func setDuration(dst *time.Duration, s string) {
	if s == "" {
		return
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		*dst = d
	}
}
