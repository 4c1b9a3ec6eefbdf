package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/logging"
	"github.com/spf13/viper"
)

const (
	envPrefix = "COEDIT"

	defaultHTTPHost               = "0.0.0.0"
	defaultHTTPPort               = 8080
	defaultHTTPPath               = "/ws"
	defaultPingIntervalMillis     = 30000
	defaultPingTimeoutMillis      = 10000
	defaultMaxPayloadBytes        = 1 << 20
	defaultSyncThresholdMillis    = 200
	defaultHistoryLimit           = 1000
	defaultRetentionMillis        = 60000
	defaultSnapshotIntervalMillis = 5000
	defaultDatabasePath           = "coedit.db"
	defaultLogLevel               = "info"
	defaultAuthIssuer             = "coedit-auth"
	defaultCookieName             = "app_session"
	defaultTokenTTLMinutes        = 60
	defaultAllowedOrigin          = "*"
	defaultShutdownTimeoutMillis  = 10000
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPHost        string
	HTTPPort        int
	HTTPPath        string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration

	PingInterval    time.Duration
	PingTimeout     time.Duration
	MaxPayloadBytes int64
	SyncThreshold   time.Duration

	HistoryLimit      int
	DocumentRetention time.Duration
	SnapshotInterval  time.Duration

	DatabasePath string
	LogLevel     string

	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string
	AuthTokenTTL      time.Duration
}

// HTTPAddress joins host and port for net/http.
func (c AppConfig) HTTPAddress() string {
	return net.JoinHostPort(c.HTTPHost, strconv.Itoa(c.HTTPPort))
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.host", defaultHTTPHost)
	configViper.SetDefault("http.port", defaultHTTPPort)
	configViper.SetDefault("http.path", defaultHTTPPath)
	configViper.SetDefault("http.allowed_origins", []string{defaultAllowedOrigin})
	configViper.SetDefault("http.shutdown_timeout_ms", defaultShutdownTimeoutMillis)
	configViper.SetDefault("realtime.ping_interval_ms", defaultPingIntervalMillis)
	configViper.SetDefault("realtime.ping_timeout_ms", defaultPingTimeoutMillis)
	configViper.SetDefault("realtime.max_payload_bytes", defaultMaxPayloadBytes)
	configViper.SetDefault("realtime.sync_threshold_ms", defaultSyncThresholdMillis)
	configViper.SetDefault("document.history_limit", defaultHistoryLimit)
	configViper.SetDefault("document.retention_ms", defaultRetentionMillis)
	configViper.SetDefault("store.snapshot_interval_ms", defaultSnapshotIntervalMillis)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPHost:          configViper.GetString("http.host"),
		HTTPPort:          configViper.GetInt("http.port"),
		HTTPPath:          configViper.GetString("http.path"),
		AllowedOrigins:    configViper.GetStringSlice("http.allowed_origins"),
		ShutdownTimeout:   milliseconds(configViper, "http.shutdown_timeout_ms"),
		PingInterval:      milliseconds(configViper, "realtime.ping_interval_ms"),
		PingTimeout:       milliseconds(configViper, "realtime.ping_timeout_ms"),
		MaxPayloadBytes:   configViper.GetInt64("realtime.max_payload_bytes"),
		SyncThreshold:     milliseconds(configViper, "realtime.sync_threshold_ms"),
		HistoryLimit:      configViper.GetInt("document.history_limit"),
		DocumentRetention: milliseconds(configViper, "document.retention_ms"),
		SnapshotInterval:  milliseconds(configViper, "store.snapshot_interval_ms"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthCookieName:    configViper.GetString("auth.cookie_name"),
		AuthTokenTTL:      time.Duration(configViper.GetInt64("auth.token_ttl_minutes")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func milliseconds(configViper *viper.Viper, key string) time.Duration {
	return time.Duration(configViper.GetInt64(key)) * time.Millisecond
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if !strings.HasPrefix(c.HTTPPath, "/") {
		return fmt.Errorf("http.path must start with /, got %q", c.HTTPPath)
	}
	if c.PingInterval <= 0 || c.PingTimeout <= 0 {
		return fmt.Errorf("realtime.ping_interval_ms and realtime.ping_timeout_ms must be positive")
	}
	if c.MaxPayloadBytes <= 0 {
		return fmt.Errorf("realtime.max_payload_bytes must be positive")
	}
	if c.HistoryLimit < 0 {
		return fmt.Errorf("document.history_limit must not be negative")
	}
	if c.SnapshotInterval <= 0 {
		return fmt.Errorf("store.snapshot_interval_ms must be positive")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}
