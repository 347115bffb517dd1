// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mirror License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nishisan-dev/n-mirror/internal/config"
	"github.com/nishisan-dev/n-mirror/internal/logging"
	"github.com/nishisan-dev/n-mirror/internal/sender"
)

func newSendCmd() *cobra.Command {
	var (
		configPath string
		toURL      string
		fromPath   string
		daemon     bool
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Mirror a source directory to a receiver",
		Long: `Connects to a receiver, clears its output directory and streams the
source tree over one WebSocket connection. Exit codes: 0 success,
1 connect failure, 2 source unreadable, 3 transport error.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSenderConfig(configPath, toURL, fromPath)
			if err != nil {
				return &exitError{code: 1, err: err}
			}

			logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
			defer logCloser.Close()

			if daemon {
				if err := sender.RunDaemon(configPath, cfg, logger); err != nil {
					logger.Error("daemon error", "error", err)
					return &exitError{code: 1, err: err}
				}
				return nil
			}

			// Context com cancelamento via signal
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			if err := sender.RunWithRetry(ctx, cfg, logger); err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Info("mirror interrupted")
					return nil
				}
				logger.Error("mirror failed", "error", err)
				return &exitError{code: senderExitCode(err), err: err}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to sender config file (optional)")
	cmd.Flags().StringVar(&toURL, "to", "", "receiver WebSocket URL (ws://host:port)")
	cmd.Flags().StringVar(&fromPath, "from", "", "source directory to mirror")
	cmd.Flags().BoolVar(&daemon, "daemon", false, "run on the cron schedule from the config file")

	return cmd
}

// loadSenderConfig combina arquivo de configuração (opcional) com os
// overrides de flags e valida o resultado.
func loadSenderConfig(configPath, toURL, fromPath string) (*config.SenderConfig, error) {
	var cfg *config.SenderConfig
	if configPath != "" {
		parsed, err := config.ParseSenderConfig(configPath)
		if err != nil {
			return nil, err
		}
		cfg = parsed
	} else {
		cfg = config.DefaultSenderConfig()
	}

	if toURL != "" {
		cfg.Server.URL = toURL
	}
	if fromPath != "" {
		cfg.Source.Path = fromPath
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func senderExitCode(err error) int {
	switch {
	case errors.Is(err, sender.ErrConnect):
		return 1
	case errors.Is(err, sender.ErrSourceUnreadable):
		return 2
	case errors.Is(err, sender.ErrTransport):
		return 3
	default:
		return 1
	}
}
