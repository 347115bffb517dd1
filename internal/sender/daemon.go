// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mirror License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sender

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nishisan-dev/n-mirror/internal/config"
)

// RunDaemon inicia o sender em modo daemon com o espelhamento agendado
// via cron. Bloqueia até receber SIGTERM ou SIGINT.
// SIGHUP recarrega a configuração sem downtime (systemctl reload).
func RunDaemon(configPath string, cfg *config.SenderConfig, logger *slog.Logger) error {
	if cfg.Daemon.Schedule == "" {
		return fmt.Errorf("daemon.schedule is required for daemon mode")
	}

	logger.Info("starting daemon",
		"sender", cfg.Sender.Name,
		"schedule", cfg.Daemon.Schedule,
	)

	runFn := func(ctx context.Context, cfg *config.SenderConfig, jobLogger *slog.Logger) error {
		return RunWithRetry(ctx, cfg, jobLogger)
	}

	sched, err := NewScheduler(cfg, logger, runFn)
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}

	sched.Start()

	// Aguarda signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		sig := <-sigCh

		if sig == syscall.SIGHUP {
			logger.Info("received SIGHUP, reloading config", "path", configPath)

			newCfg, loadErr := config.LoadSenderConfig(configPath)
			if loadErr != nil {
				logger.Error("reload failed, keeping current config", "error", loadErr)
				continue
			}
			if newCfg.Daemon.Schedule == "" {
				logger.Error("reload failed, new config has no daemon.schedule")
				continue
			}

			// Para o scheduler atual
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			sched.Stop(stopCtx)
			stopCancel()

			// Recria com nova config
			cfg = newCfg
			sched, err = NewScheduler(cfg, logger, runFn)
			if err != nil {
				logger.Error("failed to create scheduler after reload", "error", err)
				return fmt.Errorf("reload scheduler: %w", err)
			}
			sched.Start()

			logger.Info("config reloaded successfully",
				"sender", cfg.Sender.Name,
				"schedule", cfg.Daemon.Schedule,
			)
			continue
		}

		// SIGTERM ou SIGINT — graceful shutdown
		logger.Info("received signal, shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		sched.Stop(ctx)
		cancel()
		return nil
	}
}
