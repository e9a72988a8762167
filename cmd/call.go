package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/billm/switchboard/internal/config"
	"github.com/billm/switchboard/internal/logger"
	"github.com/billm/switchboard/pkg/channel"
	"github.com/billm/switchboard/pkg/client"
)

var brokerURL string

var callCmd = &cobra.Command{
	Use:   "call <command> [json-payload]",
	Short: "Send one request to a running broker and print the result",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runCall,
}

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <topic>",
	Short: "Print every message published on a topic until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubscribe,
}

// dialBroker connects a client using the client section of the config
func dialBroker(ctx context.Context) (*client.Client, *config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if brokerURL != "" {
		cfg.Client.URL = brokerURL
	}

	log := logger.NewNop()
	if logLevel != "" {
		if err := initLogger(config.LoggingConfig{Level: logLevel, Format: "text", Output: "stderr"}); err != nil {
			return nil, nil, err
		}
		log = rootLog
	}

	c, err := client.New(
		client.DialWebSocket(cfg.Client.URL, channel.WebSocketOptions{}),
		client.WithTimeout(cfg.Client.RequestTimeout),
		client.WithLogger(log),
	)
	if err != nil {
		return nil, nil, err
	}
	if _, err := c.Connect(ctx); err != nil {
		return nil, nil, err
	}
	return c, cfg, nil
}

func runCall(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var payload any
	if len(args) == 2 {
		raw := json.RawMessage(args[1])
		if !json.Valid(raw) {
			return fmt.Errorf("payload is not valid JSON: %s", args[1])
		}
		payload = raw
	}

	c, _, err := dialBroker(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	result, err := c.Call(ctx, args[0], payload, 0)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(result))
	return nil
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, _, err := dialBroker(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	out := cmd.OutOrStdout()
	unsubscribe, err := c.Subscribe(ctx, args[0], func(p json.RawMessage) {
		fmt.Fprintln(out, string(p))
	})
	if err != nil {
		return err
	}
	defer unsubscribe()

	<-ctx.Done()
	return nil
}

func init() {
	for _, c := range []*cobra.Command{callCmd, subscribeCmd} {
		c.Flags().StringVar(&brokerURL, "url", "", "Broker websocket URL (default: from config)")
		rootCmd.AddCommand(c)
	}
}
