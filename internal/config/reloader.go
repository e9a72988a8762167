package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ReloadState represents the current state of the config reloader
type ReloadState string

const (
	ReloadStateIdle      ReloadState = "idle"
	ReloadStateReloading ReloadState = "reloading"
	ReloadStateStopped   ReloadState = "stopped"
)

// reloadTimeout bounds a single SIGHUP-triggered reload including callbacks.
const reloadTimeout = 30 * time.Second

// ReloadCallback receives the freshly loaded configuration. Callbacks apply
// only the settings that can change at runtime (log level, poll interval).
type ReloadCallback func(ctx context.Context, newConfig *Config) error

// Reloader re-reads the configuration file on SIGHUP and hands the result to
// registered callbacks. A failed load or callback leaves the current config
// in place.
type Reloader struct {
	mu         sync.RWMutex
	configPath string
	current    *Config
	state      ReloadState
	signals    chan os.Signal
	cancel     context.CancelFunc
	callbacks  []ReloadCallback
	log        *slog.Logger
}

// NewReloader creates a reloader for configPath. log may be nil.
func NewReloader(configPath string, initial *Config, log *slog.Logger) *Reloader {
	if log == nil {
		log = slog.Default()
	}
	return &Reloader{
		configPath: configPath,
		current:    initial,
		state:      ReloadStateIdle,
		signals:    make(chan os.Signal, 1),
		log:        log.With("component", "config_reloader"),
	}
}

// Start begins listening for SIGHUP
func (r *Reloader) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.state = ReloadStateIdle
	signal.Notify(r.signals, syscall.SIGHUP)

	r.log.Info("Config reloader started", "config_path", r.configPath)
	go r.handleSignals(ctx)
}

// Stop stops signal handling. It is safe to call more than once.
func (r *Reloader) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel == nil {
		return
	}
	signal.Stop(r.signals)
	r.cancel()
	r.cancel = nil
	r.state = ReloadStateStopped
	r.log.Info("Config reloader stopped")
}

// Reload loads the configuration file and runs every callback against it.
// Concurrent reloads collapse into the one already running.
func (r *Reloader) Reload(ctx context.Context) error {
	r.mu.Lock()
	if r.state == ReloadStateReloading {
		r.mu.Unlock()
		r.log.Debug("Reload already in progress, skipping")
		return nil
	}
	prev := r.state
	r.state = ReloadStateReloading
	r.mu.Unlock()

	newConfig, err := Load(r.configPath)
	if err != nil {
		r.setState(prev)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := r.executeCallbacks(ctx, newConfig); err != nil {
		r.setState(prev)
		return fmt.Errorf("reload callbacks failed: %w", err)
	}

	r.mu.Lock()
	r.current = newConfig
	r.state = prev
	r.mu.Unlock()

	r.log.Info("Configuration reloaded", "config", newConfig.String())
	return nil
}

// AddCallback registers a callback run on every successful load
func (r *Reloader) AddCallback(callback ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, callback)
}

// GetConfig returns the current configuration
func (r *Reloader) GetConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// State returns the current reload state
func (r *Reloader) State() ReloadState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Reloader) handleSignals(ctx context.Context) {
	for {
		select {
		case sig := <-r.signals:
			r.log.Info("Reload signal received", "signal", sig.String())
			go func() {
				rctx, cancel := context.WithTimeout(ctx, reloadTimeout)
				defer cancel()
				if err := r.Reload(rctx); err != nil {
					r.log.Error("Configuration reload failed", "error", err)
				}
			}()
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reloader) executeCallbacks(ctx context.Context, newConfig *Config) error {
	r.mu.RLock()
	callbacks := make([]ReloadCallback, len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.RUnlock()

	for i, callback := range callbacks {
		if err := callback(ctx, newConfig); err != nil {
			r.log.Error("Reload callback failed", "callback", i, "error", err)
			return err
		}
	}
	return nil
}

func (r *Reloader) setState(state ReloadState) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
}

// String returns a string representation of the reload state
func (s ReloadState) String() string {
	return string(s)
}
