package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/billm/switchboard/internal/config"
	"github.com/billm/switchboard/internal/logger"
	"github.com/billm/switchboard/pkg/broker"
	"github.com/billm/switchboard/pkg/server"
)

// Version is the switchboard release
const Version = "0.1.0"

var (
	// CLI flags
	cfgFile   string
	logLevel  string
	logFormat string
	logOutput string
	addr      string
	storeDrv  string
	seedStore bool

	rootLog *logger.Logger
)

// rootCmd serves the broker when called without a subcommand
var rootCmd = &cobra.Command{
	Use:   "switchboard",
	Short: "Switchboard - request/response and topic broker for client contexts",
	Long: `Switchboard is a single shared broker that many client contexts connect to
over websockets. Clients send named requests and get correlated responses,
and subscribe to topics (metrics, upstream socket traffic, panel state, store
changes) whose producers run only while someone listens.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker",
	RunE:  runServe,
}

// runServe builds the broker and server and blocks until shutdown
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := initLogger(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer rootLog.Close()
	rootLog.Info("Starting switchboard", "version", Version)

	b, err := broker.New(broker.Options{Config: cfg, Logger: rootLog})
	if err != nil {
		rootLog.Error("Failed to create broker", "error", err)
		return err
	}

	srv, err := server.New(cfg.Server, cfg.Broker.WriteTimeout, b, rootLog)
	if err != nil {
		b.Close()
		return err
	}

	shutdown := server.NewShutdownManager(srv, cfg.Server.ShutdownTimeout, rootLog)

	reloader := config.NewReloader(cfgFile, cfg, rootLog.Slog())
	reloader.AddCallback(func(ctx context.Context, next *config.Config) error {
		level, err := logger.ParseLevel(next.Logging.Level)
		if err != nil {
			return err
		}
		rootLog.SetLevel(level)
		b.Reconfigure(next)
		return nil
	})
	reloader.Start()
	shutdown.AddPreHook(func(context.Context) error {
		reloader.Stop()
		return nil
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	shutdown.Start()
	defer shutdown.Stop()
	rootLog.Info("Switchboard is running. Press Ctrl+C to stop.", "addr", cfg.Server.Addr, "path", cfg.Server.Path)

	select {
	case err := <-serveErr:
		if err != nil {
			rootLog.Error("Server stopped", "error", err)
			shutdown.Shutdown(context.Background(), "server error")
			return err
		}
		// The listener closes early in shutdown; wait for the rest of it.
		<-shutdown.Done()
	case <-shutdown.Done():
	}

	rootLog.Info("Switchboard shutdown complete", "reason", shutdown.ShutdownReason())
	return nil
}

// initLogger initializes the global logger from config and CLI flags
func initLogger(cfg config.LoggingConfig) error {
	if logLevel != "" {
		cfg.Level = logLevel
	}
	if logFormat != "" {
		cfg.Format = logFormat
	}
	if logOutput != "" {
		cfg.Output = logOutput
	}

	log, err := logger.New(cfg)
	if err != nil {
		return err
	}

	rootLog = log
	logger.SetGlobal(log)
	return nil
}

// loadConfig loads the configuration file, environment and CLI overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if storeDrv != "" {
		cfg.Store.Driver = storeDrv
	}
	if seedStore {
		cfg.Store.Seed = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path (default: ~/.config/switchboard/config.yaml if present)")

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "",
		"Log output: stdout, stderr, or file path (default: from config or env)")

	for _, c := range []*cobra.Command{rootCmd, serveCmd} {
		c.Flags().StringVar(&addr, "addr", "", "Listen address (default: from config)")
		c.Flags().StringVar(&storeDrv, "store", "", "Store driver: sqlite, redis, memory")
		c.Flags().BoolVar(&seedStore, "seed", false, "Seed the store with sample listings on first connection")
	}

	rootCmd.AddCommand(serveCmd)
}
