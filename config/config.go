// Package config loads daemon settings from an optional TOML file with COMPANION_* environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	EnvConfigPath = "COMPANION_CONFIG"
	EnvBindAddr   = "COMPANION_BINDADDR"
	EnvDB         = "COMPANION_DB"
	EnvLocalPath  = "COMPANION_LOCAL_DB"
	EnvMemory     = "COMPANION_MEMORY"
	EnvDefaults   = "COMPANION_DEFAULTS"
	EnvNotifyMS   = "COMPANION_NOTIFY_MS"
	EnvPrometheus = "COMPANION_PROMETHEUS"
	EnvSentryDSN  = "COMPANION_SENTRY_DSN"
	EnvOTLPURL    = "COMPANION_OTLP_URL"
	EnvOTLPUser   = "COMPANION_OTLP_USERNAME"
	EnvOTLPPass   = "COMPANION_OTLP_PASSWORD"
	EnvWorkers    = "COMPANION_WARMUP_WORKERS"
	EnvLogLevel   = "COMPANION_LOG_LEVEL"
)

const (
	defaultConfigPath = "~/.config/companion/config.toml"
	defaultBindAddr   = "127.0.0.1:8008"
	defaultLocalPath  = "~/.local/share/companion/local.db"
	defaultNotifyMS   = 3000
	defaultWorkers    = 4
	defaultLogLevel   = "info"
)

type Config struct {
	BindAddr string
	// postgres DSN, see lib/pq. Empty with Memory unset is an error.
	PostgresURI string
	LocalPath   string
	// run against an in-process remote store instead of postgres
	Memory           bool
	DefaultsPath     string
	NotifyDuration   time.Duration
	EnablePrometheus bool
	SentryDSN        string
	OTLPURL          string
	OTLPUsername     string
	OTLPPassword     string
	WarmupWorkers    int
	LogLevel         string
}

type fileConfig struct {
	BindAddr      string `toml:"bind_addr"`
	Postgres      string `toml:"postgres"`
	LocalPath     string `toml:"local_path"`
	Memory        bool   `toml:"memory"`
	DefaultsPath  string `toml:"defaults_path"`
	NotifyMS      int    `toml:"notify_ms"`
	Prometheus    bool   `toml:"prometheus"`
	SentryDSN     string `toml:"sentry_dsn"`
	WarmupWorkers int    `toml:"warmup_workers"`
	LogLevel      string `toml:"log_level"`
	OTLP          struct {
		URL      string `toml:"url"`
		Username string `toml:"username"`
		Password string `toml:"password"`
	} `toml:"otlp"`
}

// Load reads the TOML file at path, or the default location when path is empty, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}
	var raw fileConfig
	file, err := os.Open(resolved)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("open config: %w", err)
	default:
		defer file.Close()
		bytes, err := io.ReadAll(file)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(bytes, &raw); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", resolved, err)
		}
	}
	if err = applyEnv(&raw); err != nil {
		return Config{}, err
	}
	return finish(raw)
}

func applyEnv(raw *fileConfig) error {
	str := func(env string, dst *string) {
		if v, ok := os.LookupEnv(env); ok {
			*dst = v
		}
	}
	str(EnvBindAddr, &raw.BindAddr)
	str(EnvDB, &raw.Postgres)
	str(EnvLocalPath, &raw.LocalPath)
	str(EnvDefaults, &raw.DefaultsPath)
	str(EnvSentryDSN, &raw.SentryDSN)
	str(EnvOTLPURL, &raw.OTLP.URL)
	str(EnvOTLPUser, &raw.OTLP.Username)
	str(EnvOTLPPass, &raw.OTLP.Password)
	str(EnvLogLevel, &raw.LogLevel)

	for env, dst := range map[string]*bool{EnvMemory: &raw.Memory, EnvPrometheus: &raw.Prometheus} {
		v, ok := os.LookupEnv(env)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", env, err)
		}
		*dst = b
	}
	for env, dst := range map[string]*int{EnvNotifyMS: &raw.NotifyMS, EnvWorkers: &raw.WarmupWorkers} {
		v, ok := os.LookupEnv(env)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", env, err)
		}
		*dst = n
	}
	return nil
}

func finish(raw fileConfig) (Config, error) {
	cfg := Config{
		BindAddr:         strings.TrimSpace(raw.BindAddr),
		PostgresURI:      strings.TrimSpace(raw.Postgres),
		Memory:           raw.Memory,
		EnablePrometheus: raw.Prometheus,
		SentryDSN:        strings.TrimSpace(raw.SentryDSN),
		OTLPURL:          strings.TrimSpace(raw.OTLP.URL),
		OTLPUsername:     raw.OTLP.Username,
		OTLPPassword:     raw.OTLP.Password,
		WarmupWorkers:    raw.WarmupWorkers,
		LogLevel:         strings.ToLower(strings.TrimSpace(raw.LogLevel)),
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = defaultBindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.WarmupWorkers <= 0 {
		cfg.WarmupWorkers = defaultWorkers
	}
	notifyMS := raw.NotifyMS
	if notifyMS <= 0 {
		notifyMS = defaultNotifyMS
	}
	cfg.NotifyDuration = time.Duration(notifyMS) * time.Millisecond

	localPath := strings.TrimSpace(raw.LocalPath)
	if localPath == "" {
		localPath = defaultLocalPath
	}
	cfg.LocalPath = mustExpand(localPath)
	if p := strings.TrimSpace(raw.DefaultsPath); p != "" {
		cfg.DefaultsPath = mustExpand(p)
	}

	if cfg.PostgresURI == "" && !cfg.Memory {
		return Config{}, fmt.Errorf("config: %s (or postgres in the config file) must be set unless memory mode is enabled", EnvDB)
	}
	if cfg.OTLPURL != "" && (cfg.OTLPUsername == "") != (cfg.OTLPPassword == "") {
		return Config{}, fmt.Errorf("config: OTLP username and password must be set together")
	}
	return cfg, nil
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return expandPath(defaultConfigPath)
	}
	return expandPath(path)
}

func mustExpand(path string) string {
	expanded, err := expandPath(path)
	if err != nil {
		return path
	}
	return expanded
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
