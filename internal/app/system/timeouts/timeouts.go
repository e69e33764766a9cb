// Package timeouts holds the per-class deadlines applied to handler work.
//
//   - Ping: health checks
//   - Short: single-document reads and lookups
//   - Medium: list queries
//   - Long: mutations (the write executor's own attempt timeout sits inside this)
//   - Batch: background sweeps such as invitation expiry
package timeouts

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Default timeout values.
const (
	DefaultPing   = 2 * time.Second
	DefaultShort  = 5 * time.Second
	DefaultMedium = 10 * time.Second
	DefaultLong   = 30 * time.Second
	DefaultBatch  = 60 * time.Second
)

// EnvPrefix prefixes the environment overrides read by ConfigureFromEnv.
const EnvPrefix = "CREWHUB_TIMEOUT_"

// Config holds timeout values. Zero fields are ignored by Configure.
type Config struct {
	Ping   time.Duration
	Short  time.Duration
	Medium time.Duration
	Long   time.Duration
	Batch  time.Duration
}

func defaults() Config {
	return Config{Ping: DefaultPing, Short: DefaultShort, Medium: DefaultMedium, Long: DefaultLong, Batch: DefaultBatch}
}

var (
	mu      sync.RWMutex
	current = defaults()
)

func get(pick func(Config) time.Duration) time.Duration {
	mu.RLock()
	defer mu.RUnlock()
	return pick(current)
}

// Ping is the health check timeout.
func Ping() time.Duration { return get(func(c Config) time.Duration { return c.Ping }) }

// Short is the single read timeout.
func Short() time.Duration { return get(func(c Config) time.Duration { return c.Short }) }

// Medium is the list query timeout.
func Medium() time.Duration { return get(func(c Config) time.Duration { return c.Medium }) }

// Long is the mutation timeout.
func Long() time.Duration { return get(func(c Config) time.Duration { return c.Long }) }

// Batch is the background sweep timeout.
func Batch() time.Duration { return get(func(c Config) time.Duration { return c.Batch }) }

// fields pairs each Config field with its env suffix.
func fields(c *Config) []struct {
	name string
	ptr  *time.Duration
} {
	return []struct {
		name string
		ptr  *time.Duration
	}{
		{"PING", &c.Ping},
		{"SHORT", &c.Short},
		{"MEDIUM", &c.Medium},
		{"LONG", &c.Long},
		{"BATCH", &c.Batch},
	}
}

// Configure overrides the non-zero values of cfg. Call it during startup,
// before handlers are registered.
func Configure(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	src := fields(&cfg)
	for i, dst := range fields(&current) {
		if *src[i].ptr > 0 {
			*dst.ptr = *src[i].ptr
		}
	}
}

// Reset restores the defaults.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	current = defaults()
}

// ConfigureFromEnv reads CREWHUB_TIMEOUT_{PING,SHORT,MEDIUM,LONG,BATCH}
// (time.ParseDuration syntax). Unset or invalid values are ignored. It
// returns how many values were applied.
func ConfigureFromEnv() int {
	var cfg Config
	n := 0
	for _, f := range fields(&cfg) {
		v := os.Getenv(EnvPrefix + f.name)
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*f.ptr = d
			n++
		}
	}
	Configure(cfg)
	return n
}

// Current returns the active configuration.
func Current() Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// WithTimeout is context.WithTimeout whose cancel func logs a warning when
// the deadline was the reason the context ended.
//
//	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Long(), h.Log, "create crew")
//	defer cancel()
func WithTimeout(parent context.Context, timeout time.Duration, log *zap.Logger, operation string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	return ctx, func() {
		if ctx.Err() == context.DeadlineExceeded && log != nil {
			log.Warn("operation timed out",
				zap.String("operation", operation),
				zap.Duration("timeout", timeout),
			)
		}
		cancel()
	}
}
