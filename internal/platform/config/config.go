// Package config centralizes process configuration: a single struct loaded
// from the environment and validated once at startup, before any worker
// loop begins.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	domainerrors "leafletcep/contexts/event-integration/cep-service/domain/errors"
)

// Config is the fully-resolved process configuration for the cep-service
// worker (spec §6): broker/store connectivity, the correlation rule set's
// tunables, and the ambient knobs for batching, archival, and retention.
type Config struct {
	ServiceName string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration

	PostgresDSN string

	InputStreams     []string
	IntegratedStream string
	ConsumerGroup    string
	ConsumerName     string
	BatchSize        int
	BlockDuration    time.Duration

	CorrelationWindow time.Duration
	MaxPendingEvents  int

	ArchivalInterval time.Duration
	ArchivalBatch    int

	ShutdownGracePeriod time.Duration
}

// Load reads Config from the environment and validates it. It never
// contacts the network; Connect calls happen afterward in the composition
// root.
func Load() (Config, error) {
	cfg := Config{
		ServiceName:      getEnv("SERVICE_NAME", "cep-service"),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		PostgresDSN:      getEnv("POSTGRES_DSN", ""),
		IntegratedStream: getEnv("INTEGRATED_STREAM", "events.multi-originated"),
		ConsumerGroup:    getEnv("CONSUMER_GROUP", "cep-workers"),
		ConsumerName:     getEnv("CONSUMER_NAME", defaultConsumerName()),
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return Config{}, err
	}
	if cfg.RedisTTL, err = getEnvDuration("REDIS_STREAM_TTL", 300*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.BatchSize, err = getEnvInt("BATCH_SIZE", 10); err != nil {
		return Config{}, err
	}
	if cfg.BlockDuration, err = getEnvDuration("READ_BLOCK_DURATION", 5*time.Second); err != nil {
		return Config{}, err
	}
	cfg.CorrelationWindow = 2 * time.Second
	if raw, ok := os.LookupEnv("CORRELATION_WINDOW_SECONDS"); ok && raw != "" {
		secs, perr := strconv.ParseFloat(raw, 64)
		if perr != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
			return Config{}, fmt.Errorf("%w: CORRELATION_WINDOW_SECONDS=%q is not a number of seconds", domainerrors.ErrConfig, raw)
		}
		cfg.CorrelationWindow = time.Duration(secs * float64(time.Second))
	}
	if cfg.MaxPendingEvents, err = getEnvInt("MAX_PENDING_EVENTS", 100); err != nil {
		return Config{}, err
	}
	if cfg.ArchivalInterval, err = getEnvDuration("ARCHIVAL_INTERVAL", 60*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ArchivalBatch, err = getEnvInt("ARCHIVAL_BATCH_SIZE", 1000); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownGracePeriod, err = getEnvDuration("SHUTDOWN_GRACE_PERIOD", 5*time.Second); err != nil {
		return Config{}, err
	}

	cfg.InputStreams = splitNonEmpty(getEnv("INPUT_STREAMS", "events.sensor-a,events.sensor-b,events.sensor-c"))

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if len(c.InputStreams) == 0 {
		return fmt.Errorf("%w: INPUT_STREAMS must name at least one stream", domainerrors.ErrConfig)
	}
	if strings.TrimSpace(c.IntegratedStream) == "" {
		return fmt.Errorf("%w: INTEGRATED_STREAM must not be empty", domainerrors.ErrConfig)
	}
	for _, stream := range c.InputStreams {
		if stream == c.IntegratedStream {
			return fmt.Errorf("%w: input stream %q must not equal the integrated stream", domainerrors.ErrConfig, stream)
		}
	}
	if strings.TrimSpace(c.ConsumerGroup) == "" {
		return fmt.Errorf("%w: CONSUMER_GROUP must not be empty", domainerrors.ErrConfig)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: BATCH_SIZE must be positive, got %d", domainerrors.ErrConfig, c.BatchSize)
	}
	if c.CorrelationWindow <= 0 {
		return fmt.Errorf("%w: CORRELATION_WINDOW_SECONDS must be positive, got %s", domainerrors.ErrConfig, c.CorrelationWindow)
	}
	if c.MaxPendingEvents <= 0 {
		return fmt.Errorf("%w: MAX_PENDING_EVENTS must be positive, got %d", domainerrors.ErrConfig, c.MaxPendingEvents)
	}
	if c.RedisTTL <= 0 {
		return fmt.Errorf("%w: REDIS_STREAM_TTL must be positive, got %s", domainerrors.ErrConfig, c.RedisTTL)
	}
	if c.ArchivalInterval <= 0 {
		return fmt.Errorf("%w: ARCHIVAL_INTERVAL must be positive, got %s", domainerrors.ErrConfig, c.ArchivalInterval)
	}
	if strings.TrimSpace(c.PostgresDSN) == "" {
		return fmt.Errorf("%w: POSTGRES_DSN must not be empty", domainerrors.ErrConfig)
	}
	return nil
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "cep-worker"
	}
	return host
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", domainerrors.ErrConfig, key, raw)
	}
	return v, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not a duration", domainerrors.ErrConfig, key, raw)
	}
	return v, nil
}

func splitNonEmpty(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
