package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/billm/switchboard/pkg/types"
)

// Config represents the complete configuration for the switchboard broker
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Broker   BrokerConfig   `json:"broker" yaml:"broker"`
	Upstream UpstreamConfig `json:"upstream" yaml:"upstream"`
	Poller   PollerConfig   `json:"poller" yaml:"poller"`
	Relay    RelayConfig    `json:"relay" yaml:"relay"`
	Store    StoreConfig    `json:"store" yaml:"store"`
	Client   ClientConfig   `json:"client" yaml:"client"`
}

// ServerConfig contains the channel endpoint configuration
type ServerConfig struct {
	Addr            string        `json:"addr" yaml:"addr"`
	Path            string        `json:"path" yaml:"path"`
	AllowedOrigins  []string      `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
	Output string `json:"output" yaml:"output"` // stdout, stderr, file path
}

// BrokerConfig contains channel and dispatch settings
type BrokerConfig struct {
	MaxChannels    int           `json:"max_channels" yaml:"max_channels"`
	HandlerTimeout time.Duration `json:"handler_timeout" yaml:"handler_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// UpstreamConfig describes the remote origin the pollers and the relay talk to.
// In dev mode every upstream URL points at DevHost over plain HTTP/WS.
type UpstreamConfig struct {
	Host          string `json:"host" yaml:"host"`
	TLS           bool   `json:"tls" yaml:"tls"`
	DevMode       bool   `json:"dev_mode" yaml:"dev_mode"`
	DevHost       string `json:"dev_host" yaml:"dev_host"`
	WebSocketPath string `json:"websocket_path" yaml:"websocket_path"`
	MetricsPath   string `json:"metrics_path" yaml:"metrics_path"`
	WebSocketURL  string `json:"websocket_url,omitempty" yaml:"websocket_url,omitempty"`
	MetricsURL    string `json:"metrics_url,omitempty" yaml:"metrics_url,omitempty"`
}

// PollerConfig contains polling scheduler settings
type PollerConfig struct {
	Interval     time.Duration `json:"interval" yaml:"interval"`
	FetchTimeout time.Duration `json:"fetch_timeout" yaml:"fetch_timeout"`
	MetricLimit  int           `json:"metric_limit" yaml:"metric_limit"`
}

// RelayConfig contains the upstream socket relay settings
type RelayConfig struct {
	ReconnectDelay    time.Duration `json:"reconnect_delay" yaml:"reconnect_delay"`
	ReconnectStrategy string        `json:"reconnect_strategy" yaml:"reconnect_strategy"` // constant, exponential
	MaxReconnectDelay time.Duration `json:"max_reconnect_delay" yaml:"max_reconnect_delay"`
	DialTimeout       time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	WriteTimeout      time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// StoreConfig contains the persistent store settings
type StoreConfig struct {
	Driver      string   `json:"driver" yaml:"driver"` // sqlite, redis, memory
	Name        string   `json:"name" yaml:"name"`
	Version     int      `json:"version" yaml:"version"`
	Dir         string   `json:"dir" yaml:"dir"`
	RedisAddr   string   `json:"redis_addr" yaml:"redis_addr"`
	RedisDB     int      `json:"redis_db" yaml:"redis_db"`
	Collections []string `json:"collections" yaml:"collections"`
	Seed        bool     `json:"seed" yaml:"seed"`
}

// ClientConfig contains settings used by the client-side CLI commands
type ClientConfig struct {
	URL            string        `json:"url" yaml:"url"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
}

// ResolveWebSocketURL returns the upstream socket endpoint.
func (u UpstreamConfig) ResolveWebSocketURL() string {
	if u.WebSocketURL != "" {
		return u.WebSocketURL
	}
	if u.DevMode {
		return "ws://" + u.DevHost + u.WebSocketPath
	}
	scheme := "ws"
	if u.TLS {
		scheme = "wss"
	}
	return scheme + "://" + u.Host + u.WebSocketPath
}

// ResolveMetricsURL returns the upstream metrics endpoint.
func (u UpstreamConfig) ResolveMetricsURL() string {
	if u.MetricsURL != "" {
		return u.MetricsURL
	}
	if u.DevMode {
		return "http://" + u.DevHost + u.MetricsPath
	}
	scheme := "http"
	if u.TLS {
		scheme = "https"
	}
	return scheme + "://" + u.Host + u.MetricsPath
}

// applyDefaults fills zero-valued fields with defaults
func applyDefaults(cfg *Config) {
	ds := DefaultServerConfig()
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ds.Addr
	}
	if cfg.Server.Path == "" {
		cfg.Server.Path = ds.Path
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = ds.ReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = ds.WriteTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = ds.ShutdownTimeout
	}

	dl := DefaultLoggingConfig()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = dl.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = dl.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = dl.Output
	}

	db := DefaultBrokerConfig()
	if cfg.Broker.HandlerTimeout == 0 {
		cfg.Broker.HandlerTimeout = db.HandlerTimeout
	}
	if cfg.Broker.WriteTimeout == 0 {
		cfg.Broker.WriteTimeout = db.WriteTimeout
	}

	du := DefaultUpstreamConfig()
	if cfg.Upstream.Host == "" {
		cfg.Upstream.Host = du.Host
	}
	if cfg.Upstream.DevHost == "" {
		cfg.Upstream.DevHost = du.DevHost
	}
	if cfg.Upstream.WebSocketPath == "" {
		cfg.Upstream.WebSocketPath = du.WebSocketPath
	}
	if cfg.Upstream.MetricsPath == "" {
		cfg.Upstream.MetricsPath = du.MetricsPath
	}

	dp := DefaultPollerConfig()
	if cfg.Poller.Interval == 0 {
		cfg.Poller.Interval = dp.Interval
	}
	if cfg.Poller.FetchTimeout == 0 {
		cfg.Poller.FetchTimeout = dp.FetchTimeout
	}
	if cfg.Poller.MetricLimit == 0 {
		cfg.Poller.MetricLimit = dp.MetricLimit
	}

	dr := DefaultRelayConfig()
	if cfg.Relay.ReconnectDelay == 0 {
		cfg.Relay.ReconnectDelay = dr.ReconnectDelay
	}
	if cfg.Relay.ReconnectStrategy == "" {
		cfg.Relay.ReconnectStrategy = dr.ReconnectStrategy
	}
	if cfg.Relay.MaxReconnectDelay == 0 {
		cfg.Relay.MaxReconnectDelay = dr.MaxReconnectDelay
	}
	if cfg.Relay.DialTimeout == 0 {
		cfg.Relay.DialTimeout = dr.DialTimeout
	}
	if cfg.Relay.WriteTimeout == 0 {
		cfg.Relay.WriteTimeout = dr.WriteTimeout
	}

	dst := DefaultStoreConfig()
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = dst.Driver
	}
	if cfg.Store.Name == "" {
		cfg.Store.Name = dst.Name
	}
	if cfg.Store.Version == 0 {
		cfg.Store.Version = dst.Version
	}
	if cfg.Store.Dir == "" {
		cfg.Store.Dir = dst.Dir
	}
	if cfg.Store.RedisAddr == "" {
		cfg.Store.RedisAddr = dst.RedisAddr
	}
	if len(cfg.Store.Collections) == 0 {
		cfg.Store.Collections = dst.Collections
	}

	dc := DefaultClientConfig()
	if cfg.Client.URL == "" {
		cfg.Client.URL = dc.URL
	}
	if cfg.Client.RequestTimeout == 0 {
		cfg.Client.RequestTimeout = dc.RequestTimeout
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// This is used by both Load() and the config reloader.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvServerAddr); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv(EnvServerPath); v != "" {
		cfg.Server.Path = v
	}

	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvLogOutput); v != "" {
		cfg.Logging.Output = v
	}

	if v := os.Getenv(EnvUpstreamHost); v != "" {
		cfg.Upstream.Host = v
	}
	if v := os.Getenv(EnvUpstreamTLS); v != "" {
		cfg.Upstream.TLS = parseBool(v)
	}
	if v := os.Getenv(EnvUpstreamDevMode); v != "" {
		cfg.Upstream.DevMode = parseBool(v)
	}
	if v := os.Getenv(EnvUpstreamWebSocket); v != "" {
		cfg.Upstream.WebSocketURL = v
	}
	if v := os.Getenv(EnvUpstreamMetrics); v != "" {
		cfg.Upstream.MetricsURL = v
	}

	if v := os.Getenv(EnvPollInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvPollInterval, err)
		}
		cfg.Poller.Interval = d
	}
	if v := os.Getenv(EnvReconnectDelay); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvReconnectDelay, err)
		}
		cfg.Relay.ReconnectDelay = d
	}

	if v := os.Getenv(EnvStoreDriver); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv(EnvStoreDir); v != "" {
		cfg.Store.Dir = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		cfg.Store.RedisAddr = v
	}
	if v := os.Getenv(EnvStoreSeed); v != "" {
		cfg.Store.Seed = parseBool(v)
	}

	if v := os.Getenv(EnvClientURL); v != "" {
		cfg.Client.URL = v
	}
	if v := os.Getenv(EnvRequestTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvRequestTimeout, err)
		}
		cfg.Client.RequestTimeout = d
	}
	if v := os.Getenv(EnvMaxChannels); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvMaxChannels, err)
		}
		cfg.Broker.MaxChannels = n
	}

	return nil
}

func parseBool(v string) bool {
	return strings.ToLower(v) == "true" || v == "1"
}

// Load builds the configuration from path (or the default config file when
// path is empty and that file exists), defaults and environment overrides
func Load(path string) (*Config, error) {
	var cfg *Config

	if path == "" {
		if p, err := GetDefaultConfigPath(); err == nil {
			if _, err := os.Stat(p); err == nil {
				path = p
			} else if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to check config file: %w", err)
			}
		}
	}

	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = Default()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with every section at its default
func Default() *Config {
	return &Config{
		Server:   DefaultServerConfig(),
		Logging:  DefaultLoggingConfig(),
		Broker:   DefaultBrokerConfig(),
		Upstream: DefaultUpstreamConfig(),
		Poller:   DefaultPollerConfig(),
		Relay:    DefaultRelayConfig(),
		Store:    DefaultStoreConfig(),
		Client:   DefaultClientConfig(),
	}
}

// Validate checks the configuration for validity
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "server addr cannot be empty")
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return types.NewError(types.ErrCodeInvalidArgument, "server path must start with /")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log format: %s (must be json or text)", c.Logging.Format))
	}

	if c.Broker.MaxChannels < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "broker max channels cannot be negative")
	}
	if c.Broker.HandlerTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "broker handler timeout must be positive")
	}

	if c.Poller.Interval <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "poll interval must be positive")
	}
	if c.Poller.MetricLimit < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "metric limit cannot be negative")
	}

	if c.Relay.ReconnectDelay <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "relay reconnect delay must be positive")
	}
	if c.Relay.ReconnectStrategy != "constant" && c.Relay.ReconnectStrategy != "exponential" {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid reconnect strategy: %s (must be constant or exponential)", c.Relay.ReconnectStrategy))
	}
	for _, raw := range []string{c.Upstream.ResolveWebSocketURL(), c.Upstream.ResolveMetricsURL()} {
		if _, err := url.Parse(raw); err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid upstream url "+raw, err)
		}
	}

	switch c.Store.Driver {
	case "sqlite", "memory":
	case "redis":
		if c.Store.RedisAddr == "" {
			return types.NewError(types.ErrCodeInvalidArgument, "redis store requires redis_addr")
		}
	default:
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid store driver: %s (must be sqlite, redis, or memory)", c.Store.Driver))
	}
	if c.Store.Name == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "store name cannot be empty")
	}
	if c.Store.Version < 1 {
		return types.NewError(types.ErrCodeInvalidArgument, "store version must be at least 1")
	}
	if len(c.Store.Collections) == 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "store must declare at least one collection")
	}

	if c.Client.RequestTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "client request timeout must be positive")
	}

	return nil
}

// String returns a short representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf("Config{Server: %s%s, Store: %s/%s, Upstream: %s, Log: %s/%s}",
		c.Server.Addr, c.Server.Path, c.Store.Driver, c.Store.Name,
		c.Upstream.ResolveWebSocketURL(), c.Logging.Level, c.Logging.Format)
}
