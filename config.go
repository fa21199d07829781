package piishield

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pii-shield/pii-shield/gate"
	"github.com/pii-shield/pii-shield/pii"
	"github.com/pii-shield/pii-shield/sweep"
	"github.com/pii-shield/pii-shield/syncer"
)

// Mode names the role a process plays in the replication topology.
const (
	// ModeSource is the role allowed to originate data (secure network).
	ModeSource = "source"
	// ModeSink is the role receiving replicated data (isolated network).
	ModeSink = "sink"
)

// SessionConfig covers TTL and freshness behavior.
type SessionConfig struct {
	// Timeout is how long replicated records live.
	Timeout time.Duration
	// RefreshThreshold is how close to expiry a record may get before the
	// gate considers it stale.
	RefreshThreshold time.Duration
}

// ChannelConfig names the bus channels.
type ChannelConfig struct {
	Prefix  string
	Default string
}

// SyncConfig covers batching and consumer retry behavior.
type SyncConfig struct {
	BatchSize     int
	MaxRetries    int
	RetryDelay    time.Duration
	BackoffFactor float64
}

// AdvancedConfig covers the optional knobs.
type AdvancedConfig struct {
	AllowMixedRelations bool
	AutoReconnect       bool
	ExcludedPaths       []string
	WaitingPath         string
	// RedirectSessionKey is the key under which the original request path is
	// exposed to the waiting view.
	RedirectSessionKey string
}

// Config is the full configuration surface. Every field is optional;
// DefaultConfig supplies the documented defaults.
type Config struct {
	Mode     string
	Session  SessionConfig
	Channels ChannelConfig
	Sync     SyncConfig
	Advanced AdvancedConfig

	// Infrastructure addresses.
	BindAddr    string
	PostgresURI string
	NATSURL     string
}

func DefaultConfig() Config {
	return Config{
		Mode: ModeSink,
		Session: SessionConfig{
			Timeout:          pii.DefaultSessionTimeout,
			RefreshThreshold: gate.DefaultRefreshThreshold,
		},
		Channels: ChannelConfig{
			Prefix:  syncer.DefaultChannelPrefix,
			Default: syncer.DefaultChannel,
		},
		Sync: SyncConfig{
			BatchSize:     syncer.DefaultBatchSize,
			MaxRetries:    3,
			RetryDelay:    time.Second,
			BackoffFactor: 2,
		},
		Advanced: AdvancedConfig{
			AutoReconnect:      true,
			WaitingPath:        "/sync/waiting",
			RedirectSessionKey: "redirect_after_sync",
		},
		BindAddr: ":8010",
		NATSURL:  "nats://localhost:4222",
	}
}

// ConfigFromEnv loads configuration from PIISHIELD_* environment variables,
// starting from the defaults.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v := os.Getenv("PIISHIELD_MODE"); v != "" {
		cfg.Mode = v
	}
	if v, ok := envSeconds("PIISHIELD_SESSION_TIMEOUT_SECS"); ok {
		cfg.Session.Timeout = v
	}
	if v, ok := envSeconds("PIISHIELD_REFRESH_THRESHOLD_SECS"); ok {
		cfg.Session.RefreshThreshold = v
	}
	if v := os.Getenv("PIISHIELD_CHANNEL_PREFIX"); v != "" {
		cfg.Channels.Prefix = v
	}
	if v := os.Getenv("PIISHIELD_DEFAULT_CHANNEL"); v != "" {
		cfg.Channels.Default = v
	}
	if v, ok := envInt("PIISHIELD_BATCH_SIZE"); ok {
		cfg.Sync.BatchSize = v
	}
	if v, ok := envInt("PIISHIELD_MAX_RETRIES"); ok {
		cfg.Sync.MaxRetries = v
	}
	if v, ok := envSeconds("PIISHIELD_RETRY_DELAY_SECS"); ok {
		cfg.Sync.RetryDelay = v
	}
	if v := os.Getenv("PIISHIELD_BACKOFF_FACTOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Sync.BackoffFactor = f
		}
	}
	if v := os.Getenv("PIISHIELD_ALLOW_MIXED_RELATIONS"); v != "" {
		cfg.Advanced.AllowMixedRelations = v == "1" || v == "true"
	}
	if v := os.Getenv("PIISHIELD_AUTO_RECONNECT"); v != "" {
		cfg.Advanced.AutoReconnect = v == "1" || v == "true"
	}
	if v := os.Getenv("PIISHIELD_EXCLUDED_PATHS"); v != "" {
		cfg.Advanced.ExcludedPaths = strings.Split(v, ",")
	}
	if v := os.Getenv("PIISHIELD_WAITING_PATH"); v != "" {
		cfg.Advanced.WaitingPath = v
	}
	if v := os.Getenv("PIISHIELD_REDIRECT_SESSION_KEY"); v != "" {
		cfg.Advanced.RedirectSessionKey = v
	}
	if v := os.Getenv("PIISHIELD_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("PIISHIELD_DB"); v != "" {
		cfg.PostgresURI = v
	}
	if v := os.Getenv("PIISHIELD_NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	return cfg
}

// SweepOptions maps the config onto a default sweep run.
func (c Config) SweepOptions() sweep.Options {
	return sweep.Options{
		BatchSize: sweep.DefaultBatchSize,
		Sleep:     sweep.DefaultSleep,
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envSeconds(key string) (time.Duration, bool) {
	n, ok := envInt(key)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}
