package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"larkgate/internal/agent"
	"larkgate/internal/bus"
	"larkgate/internal/channel"
	"larkgate/internal/config"
	"larkgate/internal/domain"
	"larkgate/internal/lark"
	"larkgate/internal/store"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "larkgate",
		Short: "larkgate: Lark/Feishu chat gateway",
		Long:  "larkgate normalizes Lark/Feishu webhook events into a platform-agnostic message model and paces replies back out.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.larkgate/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			cfg := config.Defaults()
			cfg.Channels.Lark.Accounts["default"] = config.LarkAccount{
				AppID:     "${LARK_APP_ID}",
				AppSecret: "${LARK_APP_SECRET}",
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway (webhook server + channels)",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyLogLevel(cfg.General.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(cfg.General.BusSize, logger)
	defer messageBus.Close()
	events := bus.NewEventBus(logger)
	events.On("*", func(e bus.Event) {
		logger.Debug("telemetry", "type", e.Type, "source", e.Source)
	})

	var dedup lark.DedupStore
	if cfg.Dedup.Enabled {
		dedupStore, err := store.NewDedupStore(cfg.Dedup.DBPath, logger)
		if err != nil {
			return err
		}
		defer dedupStore.Close()
		if err := dedupStore.Prune(); err != nil {
			logger.Warn("dedup prune failed", "err", err)
		}
		dedup = dedupStore
	}

	var channels []domain.Channel
	if cfg.Channels.Lark.Enabled {
		metricsPath := ""
		if cfg.Metrics.Enabled {
			metricsPath = cfg.Metrics.Path
		}
		channels = append(channels, channel.NewLark(channel.LarkConfig{
			BindAddr:    cfg.General.BindAddr,
			Accounts:    cfg.Channels.Lark.Accounts,
			Dedup:       dedup,
			Events:      events,
			MetricsPath: metricsPath,
			Logger:      logger,
		}))
	}
	if cfg.Channels.Telegram.Enabled {
		channels = append(channels, channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Channels.Telegram.Token,
			AllowFrom: cfg.Channels.Telegram.AllowFrom,
			Logger:    logger,
		}))
	}
	if len(channels) == 0 {
		return fmt.Errorf("no channels enabled")
	}

	if cfg.Agent.Enabled {
		responder := agent.NewResponder(agent.ResponderConfig{
			APIBase: cfg.Agent.APIBase,
			APIKey:  cfg.Agent.APIKey,
			Model:   cfg.Agent.Model,
			Logger:  logger,
		})
		go responder.Run(ctx, messageBus)
	} else {
		logger.Warn("agent disabled: inbound messages are published but nothing consumes them")
	}

	errCh := make(chan error, len(channels))
	for _, ch := range channels {
		ch := ch
		go func() {
			if err := ch.Start(ctx, messageBus); err != nil {
				logger.Error("channel stopped", "channel", ch.Name(), "err", err)
				errCh <- err
			}
		}()
	}

	logger.Info("gateway running", "version", version, "channels", len(channels))

	select {
	case <-ctx.Done():
		logger.Info("gateway shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sanitized configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("larkgate", version)
		},
	}
}

func applyLogLevel(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
