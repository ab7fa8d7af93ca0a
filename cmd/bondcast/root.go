package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bondcast/core/config"
	"github.com/bondcast/core/internal/observability"
)

const version = "0.3.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:     "bondcast",
	Short:   "bonded multi-link media transport",
	Version: version,
	Long: `bondcast carries one media stream over several unreliable links at
once, duplicating what must not be lost, shedding what may be, and
repairing the rest with retransmits and forward error correction.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config (defaults apply when omitted)")
	rootCmd.AddCommand(sendCmd, recvCmd, benchCmd)
}

func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// setup prepares the ambient pieces every command shares: a signal-bound
// context, the logger, metrics, and tracing.
func setup(cfg config.Config) (context.Context, context.CancelFunc, *observability.Logger, *observability.Metrics, error) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	log := observability.NewLogger(cfg.Service.Name, version, os.Stderr)
	metrics := observability.NewMetrics(nil)
	if cfg.Service.MetricsAddr != "" {
		go func() {
			if err := observability.ServeMetrics(cfg.Service.MetricsAddr); err != nil {
				log.Error(err, "metrics endpoint failed")
			}
		}()
	}

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Service.Name)
	if err != nil {
		cancel()
		return nil, nil, nil, nil, err
	}
	wrapped := func() {
		cancel()
		_ = shutdownTracing(context.Background())
	}
	return ctx, wrapped, log, metrics, nil
}
