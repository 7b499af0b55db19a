// Package config loads client configuration from the environment. The Env
// seam exists so tests can supply values without touching the process
// environment.
package config

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Config is the fully resolved client configuration.
type Config struct {
	BaseURL          string
	DataDir          string
	Debounce         time.Duration
	RefreshThreshold time.Duration
	MaxAttempts      int
	BaseDelay        time.Duration
	SealKey          *[32]byte // nil means records are stored unsealed
}

// Env abstracts environment lookup for tests.
type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

// Load reads configuration from the process environment.
func Load() (Config, error) {
	return LoadFromEnv(osEnv{})
}

// LoadFromEnv reads configuration through env, applying defaults.
func LoadFromEnv(env Env) (Config, error) {
	cfg := Config{
		Debounce:         5 * time.Second,
		RefreshThreshold: 5 * time.Minute,
		MaxAttempts:      4,
		BaseDelay:        time.Second,
	}

	cfg.BaseURL = env.Getenv("SYNCKIT_BASE_URL")
	if cfg.BaseURL == "" {
		return Config{}, errors.New("[config.Load] SYNCKIT_BASE_URL is required")
	}

	cfg.DataDir = env.Getenv("SYNCKIT_DATA_DIR")
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, errors.Wrap(err, "[config.Load] resolve home directory")
		}
		cfg.DataDir = filepath.Join(home, ".synckit")
	}

	var err error
	if cfg.Debounce, err = durationVar(env, "SYNCKIT_DEBOUNCE", cfg.Debounce); err != nil {
		return Config{}, err
	}
	if cfg.RefreshThreshold, err = durationVar(env, "SYNCKIT_REFRESH_THRESHOLD", cfg.RefreshThreshold); err != nil {
		return Config{}, err
	}
	if cfg.BaseDelay, err = durationVar(env, "SYNCKIT_BASE_DELAY", cfg.BaseDelay); err != nil {
		return Config{}, err
	}

	if raw := env.Getenv("SYNCKIT_MAX_RETRIES"); raw != "" {
		retries, err := strconv.Atoi(raw)
		if err != nil || retries < 0 {
			return Config{}, errors.Errorf("[config.Load] invalid SYNCKIT_MAX_RETRIES %q", raw)
		}
		cfg.MaxAttempts = retries + 1
	}

	if raw := env.Getenv("SYNCKIT_SEAL_KEY"); raw != "" {
		keyBytes, err := hex.DecodeString(raw)
		if err != nil || len(keyBytes) != 32 {
			return Config{}, errors.New("[config.Load] SYNCKIT_SEAL_KEY must be 64 hex characters")
		}
		var key [32]byte
		copy(key[:], keyBytes)
		cfg.SealKey = &key
	}

	return cfg, nil
}

func durationVar(env Env, key string, fallback time.Duration) (time.Duration, error) {
	raw := env.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, errors.Errorf("[config.Load] invalid %s %q", key, raw)
	}
	return d, nil
}
