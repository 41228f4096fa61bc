package api

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.temporal.io/sdk/client"

	"github.com/Apurer/orderdesk/internal/domains/orders/adapters/printing"
	"github.com/Apurer/orderdesk/internal/domains/orders/application"
	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
)

// Config carries environment-driven settings for the dashboard and watch processes.
type Config struct {
	Port              string
	LogLevel          string
	PostgresDSN       string
	SupabaseURL       string
	SupabaseAnonKey   string
	AMQPURL           string
	PrintExchange     string
	TemporalAddress   string
	TemporalNamespace string
	TemporalDisabled  bool
	StoreIDs          []int64
	Sync              application.SyncConfig
	Settings          domain.Settings
}

// LoadConfig reads .env (when present) and the environment, applies defaults, and validates.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return configFromEnv()
}

func configFromEnv() (Config, error) {
	cfg := Config{
		Port:              envDefault("PORT", "8080"),
		LogLevel:          envDefault("LOG_LEVEL", "info"),
		PostgresDSN:       strings.TrimSpace(os.Getenv("POSTGRES_DSN")),
		SupabaseURL:       strings.TrimSpace(os.Getenv("SUPABASE_URL")),
		SupabaseAnonKey:   strings.TrimSpace(os.Getenv("SUPABASE_ANON_KEY")),
		AMQPURL:           strings.TrimSpace(os.Getenv("AMQP_URL")),
		PrintExchange:     envDefault("PRINT_EXCHANGE", printing.DefaultExchange),
		TemporalAddress:   envDefault("TEMPORAL_ADDRESS", client.DefaultHostPort),
		TemporalNamespace: envDefault("TEMPORAL_NAMESPACE", client.DefaultNamespace),
		TemporalDisabled:  isTruthy(os.Getenv("TEMPORAL_DISABLED")),
		Sync:              application.DefaultSyncConfig(),
		Settings:          domain.DefaultSettings(),
	}
	if cfg.SupabaseURL != "" && cfg.SupabaseAnonKey == "" {
		return Config{}, errors.New("SUPABASE_ANON_KEY is required when SUPABASE_URL is set")
	}

	var err error
	if cfg.StoreIDs, err = parseStoreIDs(os.Getenv("STORE_IDS")); err != nil {
		return Config{}, err
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"POLL_INTERVAL", &cfg.Sync.PollInterval},
		{"FEED_BACKOFF_INITIAL", &cfg.Sync.BackoffInitial},
		{"FEED_BACKOFF_MAX", &cfg.Sync.BackoffMax},
	}
	for _, d := range durations {
		if err := envDuration(d.key, d.dst); err != nil {
			return Config{}, err
		}
	}
	if cfg.Sync.BackoffMax < cfg.Sync.BackoffInitial {
		return Config{}, errors.New("FEED_BACKOFF_MAX must not be smaller than FEED_BACKOFF_INITIAL")
	}

	flags := []struct {
		key string
		dst *bool
	}{
		{"AUTO_PRINT_ON_RECEIVE", &cfg.Settings.AutoPrintOnReceive},
		{"AUTO_PRINT_ON_START_PREP", &cfg.Settings.AutoPrintOnStartPrep},
		{"AUTO_PRINT_ON_READY", &cfg.Settings.AutoPrintOnReady},
		{"AUTO_PRINT_ON_COMPLETE", &cfg.Settings.AutoPrintOnComplete},
		{"SOUND_ON_NEW_ORDER", &cfg.Settings.SoundOnNewOrder},
		{"SOUND_ON_READY", &cfg.Settings.SoundOnReady},
	}
	for _, f := range flags {
		if err := envBool(f.key, f.dst); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func parseStoreIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("STORE_IDS: %q is not a positive integer", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func envDuration(key string, dst *time.Duration) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fmt.Errorf("%s must be a positive duration such as 30s", key)
	}
	*dst = d
	return nil
}

func envBool(key string, dst *bool) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		if isTruthy(raw) {
			*dst = true
			return nil
		}
		if strings.EqualFold(raw, "no") {
			*dst = false
			return nil
		}
		return fmt.Errorf("%s must be a boolean", key)
	}
	*dst = v
	return nil
}

func envDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func isTruthy(value string) bool {
	value = strings.TrimSpace(strings.ToLower(value))
	return value == "1" || value == "true" || value == "yes"
}
