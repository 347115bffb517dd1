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
	"github.com/nishisan-dev/n-mirror/internal/receiver"
)

func newReceiveCmd() *cobra.Command {
	var (
		configPath string
		port       int
		outputDir  string
	)

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Serve one sender at a time into an output directory",
		Long: `Binds the configured port and mirrors incoming sessions into the
output directory, guarded by a pidfile so only one receiver runs per
directory. Exit codes: 0 normal shutdown, 1 already running, 2 bind
failure, 3 fatal IO error.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadReceiverConfig(configPath, port, outputDir)
			if err != nil {
				return &exitError{code: 3, err: err}
			}

			logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
			defer logCloser.Close()

			// Context com cancelamento via signal: interrupt é shutdown
			// graceful e sai com código 0.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			if err := receiver.Run(ctx, cfg, logger); err != nil {
				logger.Error("receiver error", "error", err)
				return &exitError{code: receiverExitCode(err), err: err}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to receiver config file (optional)")
	cmd.Flags().IntVar(&port, "port", 0, "TCP port to listen on")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "destination directory")

	return cmd
}

// loadReceiverConfig combina arquivo de configuração (opcional) com os
// overrides de flags e valida o resultado.
func loadReceiverConfig(configPath string, port int, outputDir string) (*config.ReceiverConfig, error) {
	var cfg *config.ReceiverConfig
	if configPath != "" {
		parsed, err := config.ParseReceiverConfig(configPath)
		if err != nil {
			return nil, err
		}
		cfg = parsed
	} else {
		cfg = config.DefaultReceiverConfig()
	}

	if port != 0 {
		cfg.Receiver.Port = port
	}
	if outputDir != "" {
		cfg.Receiver.OutputDir = outputDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func receiverExitCode(err error) int {
	switch {
	case errors.Is(err, receiver.ErrAlreadyRunning):
		return 1
	case errors.Is(err, receiver.ErrBind):
		return 2
	case errors.Is(err, receiver.ErrFatalIO):
		return 3
	default:
		return 3
	}
}
