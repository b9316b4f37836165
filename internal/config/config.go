// Package config loads worker/job options the way
// Pranav1703-FlamAssignment's internal/config package does: a JSON file
// under the OS user config dir, created with defaults on first run, with
// environment variables layered on top for operational overrides.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cast"
)

const configFileName = "config.json"
const appDirName = "jobctl"

// Config holds every recognized option from spec.md §6.
type Config struct {
	RedisAddr     string  `json:"redis_addr"`
	RedisPassword string  `json:"redis_password"`
	RedisDB       int     `json:"redis_db"`
	Namespace     string  `json:"namespace"`

	Queues       []string `json:"queues"`
	Blocking     bool     `json:"blocking"`
	Interval     int      `json:"interval"`
	Timeout      int      `json:"timeout"`
	MemoryLimit  int      `json:"memory_limit"`
	DedicatedLock bool    `json:"dedicated_lock"`

	DefaultExpiryTime int `json:"default_expiry_time"`
}

// Default returns the built-in defaults, mirroring NewConfig in the
// teacher repo.
func Default() *Config {
	return &Config{
		RedisAddr:         "localhost:6379",
		RedisDB:           0,
		Queues:            []string{"*"},
		Blocking:          true,
		Interval:          5,
		Timeout:           3600,
		MemoryLimit:       512,
		DefaultExpiryTime: 86400,
	}
}

func configPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	appConfigDir := filepath.Join(configDir, appDirName)
	if err := os.MkdirAll(appConfigDir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(appConfigDir, configFileName), nil
}

// Load reads the config file, creating it with defaults on first run,
// then applies environment-variable overrides on top.
func Load() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}

	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if saveErr := Save(cfg); saveErr != nil {
				return nil, saveErr
			}
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

// Save persists cfg to the config file.
func Save(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// applyEnv layers JOBCTL_* environment variables over the loaded config.
// cast handles the string->int/bool coercion so a malformed env var
// produces a zero value instead of a parse panic.
func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("JOBCTL_REDIS_ADDR"); ok {
		cfg.RedisAddr = v
	}
	if v, ok := os.LookupEnv("JOBCTL_NAMESPACE"); ok {
		cfg.Namespace = v
	}
	if v, ok := os.LookupEnv("JOBCTL_QUEUES"); ok {
		cfg.Queues = strings.Split(v, ",")
	}
	if v, ok := os.LookupEnv("JOBCTL_BLOCKING"); ok {
		cfg.Blocking = cast.ToBool(v)
	}
	if v, ok := os.LookupEnv("JOBCTL_INTERVAL"); ok {
		cfg.Interval = cast.ToInt(v)
	}
	if v, ok := os.LookupEnv("JOBCTL_TIMEOUT"); ok {
		cfg.Timeout = cast.ToInt(v)
	}
	if v, ok := os.LookupEnv("JOBCTL_MEMORY_LIMIT"); ok {
		cfg.MemoryLimit = cast.ToInt(v)
	}
	if v, ok := os.LookupEnv("JOBCTL_DEDICATED_LOCK"); ok {
		cfg.DedicatedLock = cast.ToBool(v)
	}
}
