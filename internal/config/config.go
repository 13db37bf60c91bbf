package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Config carries the service settings. Values are resolved in order:
// defaults, then the optional JSON config file, then environment variables.
type Config struct {
	ListenAddr      string
	JWTSecret       string
	StateDSN        string
	BrokerDSN       string
	LockTimeout     time.Duration
	HistoryLimit    int
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// fileConfig is the on-disk shape; durations are strings like "10m".
type fileConfig struct {
	ListenAddr      string `json:"listenAddr"`
	JWTSecret       string `json:"jwtSecret"`
	StateDSN        string `json:"stateDsn"`
	BrokerDSN       string `json:"brokerDsn"`
	LockTimeout     string `json:"lockTimeout"`
	HistoryLimit    int    `json:"historyLimit"`
	RateLimitMax    int    `json:"rateLimitMax"`
	RateLimitWindow string `json:"rateLimitWindow"`
	MaxBodyBytes    int64  `json:"maxBodyBytes"`
}

func Default() Config {
	return Config{
		ListenAddr:      ":8080",
		JWTSecret:       "dev-secret",
		LockTimeout:     10 * time.Minute,
		HistoryLimit:    50,
		RateLimitMax:    0,
		RateLimitWindow: time.Minute,
		MaxBodyBytes:    1 << 20,
	}
}

// Load resolves the effective config. An empty path skips the file layer; a
// missing file at an explicit path is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.JWTSecret != "" {
		cfg.JWTSecret = fc.JWTSecret
	}
	if fc.StateDSN != "" {
		cfg.StateDSN = fc.StateDSN
	}
	if fc.BrokerDSN != "" {
		cfg.BrokerDSN = fc.BrokerDSN
	}
	if fc.LockTimeout != "" {
		d, err := time.ParseDuration(fc.LockTimeout)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid lockTimeout %q", fc.LockTimeout)
		}
		cfg.LockTimeout = d
	}
	if fc.HistoryLimit > 0 {
		cfg.HistoryLimit = fc.HistoryLimit
	}
	if fc.RateLimitMax > 0 {
		cfg.RateLimitMax = fc.RateLimitMax
	}
	if fc.RateLimitWindow != "" {
		d, err := time.ParseDuration(fc.RateLimitWindow)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid rateLimitWindow %q", fc.RateLimitWindow)
		}
		cfg.RateLimitWindow = d
	}
	if fc.MaxBodyBytes > 0 {
		cfg.MaxBodyBytes = fc.MaxBodyBytes
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("CANVASD_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("CANVASD_JWT_SECRET")); v != "" {
		cfg.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("CANVASD_STATE_DSN")); v != "" {
		cfg.StateDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("CANVASD_BROKER_DSN")); v != "" {
		cfg.BrokerDSN = v
	}
	if d := durationEnv("CANVASD_LOCK_TIMEOUT"); d > 0 {
		cfg.LockTimeout = d
	}
	if n := intEnv("CANVASD_HISTORY_LIMIT"); n > 0 {
		cfg.HistoryLimit = n
	}
	if n := intEnv("CANVASD_RATE_LIMIT_MAX"); n > 0 {
		cfg.RateLimitMax = n
	}
	if d := durationEnv("CANVASD_RATE_LIMIT_WINDOW"); d > 0 {
		cfg.RateLimitWindow = d
	}
	if n := intEnv("CANVASD_MAX_BODY_BYTES"); n > 0 {
		cfg.MaxBodyBytes = int64(n)
	}
}

func intEnv(key string) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return parsed
}

func durationEnv(key string) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return parsed
}

// Watch reloads the config file whenever it changes and invokes onChange
// with the newly resolved config. Editors that replace the file via rename
// are handled by watching the parent directory. Returns when ctx is done.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("config path is required")
	}
	if onChange == nil {
		return errors.New("onChange is required")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				// Keep serving with the previous config on a bad edit.
				continue
			}
			onChange(cfg)
		case _, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
		}
	}
}
