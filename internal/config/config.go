package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrConfiguration marks a missing or invalid setting. Binaries fail fast on it.
var ErrConfiguration = errors.New("configuration error")

type APIConfig struct {
	Addr            string
	DatabaseURL     string
	SupabaseURL     string
	SupabaseAnonKey string
	DispatchSecret  string
	Push            PushConfig
	AutoMigrate     bool
}

type DispatcherConfig struct {
	DatabaseURL   string
	Push          PushConfig
	DispatchEvery time.Duration
	RunOnce       bool
}

type PushConfig struct {
	GatewayURL string
	GatewayKey string
	Timeout    time.Duration
}

type CLIConfig struct {
	APIBaseURL  string
	EffectsMode string
}

// LoadDotEnv reads a local .env file when one exists. Real environment
// variables always win over file values.
func LoadDotEnv() {
	_ = godotenv.Load()
}

func LoadAPIFromEnv() (APIConfig, error) {
	LoadDotEnv()

	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("DUEL_API_ADDR", ":8080")
	}

	cfg := APIConfig{
		Addr:            addr,
		DatabaseURL:     strings.TrimSpace(os.Getenv("DATABASE_URL")),
		SupabaseURL:     strings.TrimRight(strings.TrimSpace(os.Getenv("SUPABASE_URL")), "/"),
		SupabaseAnonKey: strings.TrimSpace(os.Getenv("SUPABASE_ANON_KEY")),
		DispatchSecret:  strings.TrimSpace(os.Getenv("DUEL_DISPATCH_SECRET")),
		Push:            loadPush(),
		AutoMigrate:     envBoolDefault("DUEL_AUTO_MIGRATE", false),
	}
	if cfg.DatabaseURL == "" {
		return cfg, missing("DATABASE_URL")
	}
	if cfg.SupabaseURL == "" {
		return cfg, missing("SUPABASE_URL")
	}
	if cfg.SupabaseAnonKey == "" {
		return cfg, missing("SUPABASE_ANON_KEY")
	}
	if cfg.DispatchSecret == "" {
		return cfg, missing("DUEL_DISPATCH_SECRET")
	}
	if err := cfg.Push.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func LoadDispatcherFromEnv() (DispatcherConfig, error) {
	LoadDotEnv()

	cfg := DispatcherConfig{
		DatabaseURL:   strings.TrimSpace(os.Getenv("DATABASE_URL")),
		Push:          loadPush(),
		DispatchEvery: envDurationDefault("DUEL_DISPATCH_EVERY", time.Minute),
		RunOnce:       envBoolDefault("DUEL_DISPATCHER_RUN_ONCE", false),
	}
	if cfg.DatabaseURL == "" {
		return cfg, missing("DATABASE_URL")
	}
	if cfg.DispatchEvery < time.Second {
		return cfg, fmt.Errorf("%w: DUEL_DISPATCH_EVERY must be at least 1s", ErrConfiguration)
	}
	if err := cfg.Push.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	LoadDotEnv()
	return CLIConfig{
		APIBaseURL:  strings.TrimRight(envDefault("DUEL_API_BASE_URL", "http://localhost:8080"), "/"),
		EffectsMode: envEffectsModeDefault(),
	}
}

func loadPush() PushConfig {
	return PushConfig{
		GatewayURL: strings.TrimRight(strings.TrimSpace(os.Getenv("PUSH_GATEWAY_URL")), "/"),
		GatewayKey: strings.TrimSpace(os.Getenv("PUSH_GATEWAY_KEY")),
		Timeout:    envDurationDefault("PUSH_GATEWAY_TIMEOUT", 15*time.Second),
	}
}

func (p PushConfig) validate() error {
	if p.GatewayURL == "" {
		return missing("PUSH_GATEWAY_URL")
	}
	if p.GatewayKey == "" {
		return missing("PUSH_GATEWAY_KEY")
	}
	return nil
}

func missing(key string) error {
	return fmt.Errorf("%w: %s is required", ErrConfiguration, key)
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envEffectsModeDefault() string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("DUEL_EFFECTS_MODE")))
	switch v {
	case "reduced", "full", "auto":
		return v
	default:
		return "auto"
	}
}
