package config

import (
	"os"
	"path/filepath"
	"time"
)

// testConfigPath is an override for the default config path used in testing
// If set, GetDefaultConfigPath will return this value instead of the standard path
var testConfigPath string

// SetTestConfigPath sets a custom config path for testing purposes
// This should only be called from tests
func SetTestConfigPath(path string) {
	testConfigPath = path
}

// GetConfigDir returns the switchboard configuration directory
// Uses ~/.config/switchboard/ on Unix systems
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "switchboard"), nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() (string, error) {
	if testConfigPath != "" {
		return testConfigPath, nil
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

const (
	// Environment variable names
	EnvServerAddr        = "SWITCHBOARD_ADDR"
	EnvServerPath        = "SWITCHBOARD_PATH"
	EnvLogLevel          = "SWITCHBOARD_LOG_LEVEL"
	EnvLogFormat         = "SWITCHBOARD_LOG_FORMAT"
	EnvLogOutput         = "SWITCHBOARD_LOG_OUTPUT"
	EnvUpstreamHost      = "SWITCHBOARD_UPSTREAM_HOST"
	EnvUpstreamTLS       = "SWITCHBOARD_UPSTREAM_TLS"
	EnvUpstreamDevMode   = "SWITCHBOARD_DEV"
	EnvUpstreamWebSocket = "SWITCHBOARD_UPSTREAM_WS_URL"
	EnvUpstreamMetrics   = "SWITCHBOARD_UPSTREAM_METRICS_URL"
	EnvPollInterval      = "SWITCHBOARD_POLL_INTERVAL"
	EnvReconnectDelay    = "SWITCHBOARD_RECONNECT_DELAY"
	EnvStoreDriver       = "SWITCHBOARD_STORE_DRIVER"
	EnvStoreDir          = "SWITCHBOARD_STORE_DIR"
	EnvRedisAddr         = "SWITCHBOARD_REDIS_ADDR"
	EnvStoreSeed         = "SWITCHBOARD_SEED"
	EnvClientURL         = "SWITCHBOARD_URL"
	EnvRequestTimeout    = "SWITCHBOARD_REQUEST_TIMEOUT"
	EnvMaxChannels       = "SWITCHBOARD_MAX_CHANNELS"
)

const (
	// Default server settings
	DefaultServerAddr = ":8080"
	DefaultServerPath = "/ws"

	// Default logging settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	// Default upstream settings
	DefaultUpstreamHost  = "localhost"
	DefaultDevHost       = "localhost:3000"
	DefaultWebSocketPath = "/ws"
	DefaultMetricsPath   = "/metrics"

	// Default polling settings
	DefaultPollInterval = 3 * time.Second
	DefaultMetricLimit  = 6

	// Default relay settings
	DefaultReconnectDelay    = 3 * time.Second
	DefaultReconnectStrategy = "constant"
	DefaultMaxReconnectDelay = 30 * time.Second

	// Default store settings
	DefaultStoreDriver  = "sqlite"
	DefaultStoreName    = "shared-worker-store"
	DefaultStoreVersion = 1

	// Default request timeout for correlated calls
	DefaultRequestTimeout = 10 * time.Second
)

// DefaultCollections are the collections created when the store is first opened
var DefaultCollections = []string{"jsonservers", "htmlservers", "meta", "panel"}

// DefaultServerConfig returns the default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            DefaultServerAddr,
		Path:            DefaultServerPath,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  DefaultLogLevel,
		Format: DefaultLogFormat,
		Output: "stdout",
	}
}

// DefaultBrokerConfig returns the default broker configuration
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		MaxChannels:    0, // unlimited
		HandlerTimeout: 30 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// DefaultUpstreamConfig returns the default upstream configuration
func DefaultUpstreamConfig() UpstreamConfig {
	return UpstreamConfig{
		Host:          DefaultUpstreamHost,
		DevHost:       DefaultDevHost,
		WebSocketPath: DefaultWebSocketPath,
		MetricsPath:   DefaultMetricsPath,
	}
}

// DefaultPollerConfig returns the default polling configuration
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:     DefaultPollInterval,
		FetchTimeout: 5 * time.Second,
		MetricLimit:  DefaultMetricLimit,
	}
}

// DefaultRelayConfig returns the default relay configuration
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		ReconnectDelay:    DefaultReconnectDelay,
		ReconnectStrategy: DefaultReconnectStrategy,
		MaxReconnectDelay: DefaultMaxReconnectDelay,
		DialTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	dir := filepath.Join(os.TempDir(), "switchboard") // fallback
	if configDir, err := GetConfigDir(); err == nil {
		dir = filepath.Join(configDir, "data")
	}
	collections := make([]string, len(DefaultCollections))
	copy(collections, DefaultCollections)
	return StoreConfig{
		Driver:      DefaultStoreDriver,
		Name:        DefaultStoreName,
		Version:     DefaultStoreVersion,
		Dir:         dir,
		RedisAddr:   "localhost:6379",
		Collections: collections,
	}
}

// DefaultClientConfig returns the default client configuration
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		URL:            "ws://localhost:8080/ws",
		RequestTimeout: DefaultRequestTimeout,
	}
}
