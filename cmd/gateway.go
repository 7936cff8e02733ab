package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"timelessbot/pkg/channel"
	"timelessbot/pkg/channel/telegram"
	"timelessbot/pkg/channel/whatsapp"
	"timelessbot/pkg/config"
	"timelessbot/pkg/gateway"
	"timelessbot/pkg/logger"
	"timelessbot/pkg/telemetry"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the chat gateway",
	Long:  "Runs the inbound pipeline and the result consumer for every enabled channel, with health and readiness endpoints.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.gateway")

		adapters, err := enabledAdapters(cfg, log)
		if err != nil {
			log.Error("Gateway configuration invalid", "error", err)
			return err
		}

		runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		shutdownTracing, err := telemetry.Setup(runCtx, cfg.Telemetry)
		if err != nil {
			log.Error("Failed to initialize tracing", "error", err)
			return err
		}
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				log.Warn("Failed to flush traces", "error", err)
			}
		}()

		svc, err := gateway.NewService(runCtx, cfg, adapters, log)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return err
		}

		log.Info("Gateway started",
			"channels", enabledChannelNames(adapters),
			"queue_driver", cfg.Queue.Driver,
			"allow_list_source", cfg.AllowList.Source,
			"locale", cfg.Reply.Locale,
		)
		if err := svc.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Gateway runtime failed", "error", err)
			return err
		}

		log.Info("Gateway stopped")
		return nil
	},
}

func init() {
	gatewayCmd.SilenceUsage = true
	rootCmd.AddCommand(gatewayCmd)
}

func enabledAdapters(cfg *config.Config, log *slog.Logger) ([]channel.Adapter, error) {
	adapters := make([]channel.Adapter, 0, 2)

	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(cfg.Channels.Telegram, log)
		if err != nil {
			return nil, fmt.Errorf("configure telegram channel: %w", err)
		}
		adapters = append(adapters, adapter)
	}

	if cfg.Channels.WhatsApp.Enabled {
		adapter, err := whatsapp.NewAdapter(cfg.Channels.WhatsApp, log)
		if err != nil {
			return nil, fmt.Errorf("configure whatsapp channel: %w", err)
		}
		adapters = append(adapters, adapter)
	}

	if len(adapters) == 0 {
		return nil, errors.New("no channels are enabled")
	}

	return adapters, nil
}

func enabledChannelNames(adapters []channel.Adapter) string {
	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return strings.Join(names, ",")
}
