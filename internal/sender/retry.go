// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mirror License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/nishisan-dev/n-mirror/internal/config"
)

// RunWithRetry executa um espelhamento com retry e exponential backoff.
// Apenas falhas de conexão e de transporte são retentadas; origem
// ilegível é permanente e falha imediatamente.
func RunWithRetry(ctx context.Context, cfg *config.SenderConfig, logger *slog.Logger) error {
	var lastErr error

	for attempt := 0; attempt < cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := calculateBackoff(attempt, cfg.Retry.InitialDelay, cfg.Retry.MaxDelay)
			logger.Info("retrying mirror",
				"attempt", attempt+1,
				"delay", delay,
			)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		_, err := Run(ctx, cfg, logger)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrSourceUnreadable) || errors.Is(err, context.Canceled) {
			return err
		}

		lastErr = err
		logger.Warn("mirror attempt failed",
			"attempt", attempt+1,
			"error", err,
		)
	}

	return fmt.Errorf("all %d mirror attempts failed, last error: %w", cfg.Retry.MaxAttempts, lastErr)
}

// calculateBackoff calcula o delay com exponential backoff capped.
func calculateBackoff(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	delay := time.Duration(float64(initialDelay) * math.Pow(2, float64(attempt-1)))
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
