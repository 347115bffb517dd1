// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mirror License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sender

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/n-mirror/internal/config"
)

// MirrorJobResult armazena o resultado da última execução agendada.
type MirrorJobResult struct {
	Status          string    `json:"status"` // "completed", "failed", "skipped"
	DurationSeconds float64   `json:"duration_seconds"`
	Timestamp       time.Time `json:"timestamp"`
}

// MirrorJob representa o job de espelhamento com guard de execução:
// um firing do cron nunca sobrepõe outro em andamento.
type MirrorJob struct {
	mu         sync.Mutex
	running    bool
	LastResult *MirrorJobResult
}

// Scheduler dispara o espelhamento na cron expression configurada.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	job    *MirrorJob
	cfg    *config.SenderConfig
}

// NewScheduler cria um Scheduler com o job de espelhamento registrado.
func NewScheduler(cfg *config.SenderConfig, logger *slog.Logger, runFn func(ctx context.Context, cfg *config.SenderConfig, logger *slog.Logger) error) (*Scheduler, error) {
	s := &Scheduler{
		logger: logger,
		cfg:    cfg,
		job:    &MirrorJob{},
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	if _, err := c.AddFunc(cfg.Daemon.Schedule, func() {
		s.executeJob(runFn)
	}); err != nil {
		return nil, fmt.Errorf("adding cron job: %w", err)
	}

	logger.Info("registered mirror job",
		"source", cfg.Source.Path,
		"server", cfg.Server.URL,
		"schedule", cfg.Daemon.Schedule,
	)

	s.cron = c
	return s, nil
}

// Start inicia o scheduler.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started")
	s.cron.Start()
}

// Stop para o scheduler e aguarda o job em andamento.
func (s *Scheduler) Stop(ctx context.Context) {
	s.logger.Info("scheduler stopping")
	stopCtx := s.cron.Stop()

	select {
	case <-stopCtx.Done():
		s.logger.Info("scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}

// Job retorna o job registrado.
func (s *Scheduler) Job() *MirrorJob {
	return s.job
}

func (s *Scheduler) executeJob(runFn func(ctx context.Context, cfg *config.SenderConfig, logger *slog.Logger) error) {
	job := s.job

	job.mu.Lock()
	if job.running {
		job.mu.Unlock()
		s.logger.Warn("mirror already running, skipping scheduled execution")
		job.LastResult = &MirrorJobResult{
			Status:    "skipped",
			Timestamp: time.Now(),
		}
		return
	}
	job.running = true
	job.mu.Unlock()

	defer func() {
		job.mu.Lock()
		job.running = false
		job.mu.Unlock()
	}()

	s.logger.Info("scheduled mirror triggered")
	start := time.Now()

	err := runFn(context.Background(), s.cfg, s.logger)
	duration := time.Since(start)

	if err != nil {
		s.logger.Error("mirror failed", "error", err, "duration", duration)
		job.LastResult = &MirrorJobResult{
			Status:          "failed",
			DurationSeconds: duration.Seconds(),
			Timestamp:       time.Now(),
		}
	} else {
		s.logger.Info("mirror completed", "duration", duration)
		job.LastResult = &MirrorJobResult{
			Status:          "completed",
			DurationSeconds: duration.Seconds(),
			Timestamp:       time.Now(),
		}
	}
}
