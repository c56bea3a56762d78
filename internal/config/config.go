package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Port              int
	MasterSecret      string
	GinMode           string
	TLSCertFile       string
	TLSKeyFile        string
	TokenExpiry       time.Duration
	HostTokenTTL      time.Duration
	HostLedgerPath    string
	SessionsStateFile string
	ReconnectGrace    time.Duration
	SweepInterval     time.Duration
	DefaultCapacity   int
	SessionTTL        time.Duration
	LogLevel          zerolog.Level
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func positiveInt(env Env, key string) (int, bool, error) {
	raw := env.Getenv(key)
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, false, fmt.Errorf("invalid %s", key)
	}
	return v, true, nil
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:            3000,
		GinMode:         "release",
		TokenExpiry:     7 * 24 * time.Hour,
		HostTokenTTL:    48 * time.Hour,
		ReconnectGrace:  30 * time.Second,
		SweepInterval:   5 * time.Second,
		DefaultCapacity: 50,
		SessionTTL:      4 * time.Hour,
		LogLevel:        zerolog.InfoLevel,
	}

	if port, ok, err := positiveInt(env, "PORT"); err != nil || (ok && port > 65535) {
		return Config{}, fmt.Errorf("invalid PORT")
	} else if ok {
		cfg.Port = port
	}

	cfg.MasterSecret = env.Getenv("MASTER_SECRET")
	if cfg.MasterSecret == "" {
		return Config{}, fmt.Errorf("MASTER_SECRET is required")
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")
	cfg.HostLedgerPath = env.Getenv("HOST_LEDGER_PATH")
	cfg.SessionsStateFile = env.Getenv("SESSIONS_STATE_FILE")

	durations := []struct {
		key  string
		unit time.Duration
		dst  *time.Duration
	}{
		{"TOKEN_EXPIRY_SECONDS", time.Second, &cfg.TokenExpiry},
		{"HOST_TOKEN_TTL_HOURS", time.Hour, &cfg.HostTokenTTL},
		{"RECONNECT_GRACE_SECONDS", time.Second, &cfg.ReconnectGrace},
		{"SWEEP_INTERVAL_SECONDS", time.Second, &cfg.SweepInterval},
		{"SESSION_TTL_HOURS", time.Hour, &cfg.SessionTTL},
	}
	for _, d := range durations {
		v, ok, err := positiveInt(env, d.key)
		if err != nil {
			return Config{}, err
		}
		if ok {
			*d.dst = time.Duration(v) * d.unit
		}
	}

	if v, ok, err := positiveInt(env, "DEFAULT_SESSION_CAPACITY"); err != nil {
		return Config{}, err
	} else if ok {
		cfg.DefaultCapacity = v
	}

	if raw := env.Getenv("LOG_LEVEL"); raw != "" {
		level, err := zerolog.ParseLevel(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid LOG_LEVEL")
		}
		cfg.LogLevel = level
	}

	return cfg, nil
}
