// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mirror License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package receiver

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/nishisan-dev/n-mirror/internal/config"
)

// SystemStats holds collected system metrics.
type SystemStats struct {
	CPUPercent       float64
	MemoryPercent    float64
	DiskUsagePercent float64
	DiskFreeBytes    uint64
	LoadAverage      float64
}

// SystemMonitor collects system metrics periodically and warns when the
// output directory's disk usage crosses the configured threshold.
type SystemMonitor struct {
	logger      *slog.Logger
	outputRoot  string
	interval    time.Duration
	warnPercent float64
	close       chan struct{}
	wg          sync.WaitGroup
	stats       SystemStats
	mu          sync.RWMutex
	warned      bool
}

// NewSystemMonitor creates a new SystemMonitor for the output directory.
func NewSystemMonitor(logger *slog.Logger, outputRoot string, cfg config.MonitorConfig) *SystemMonitor {
	return &SystemMonitor{
		logger:      logger.With("component", "system_monitor"),
		outputRoot:  outputRoot,
		interval:    cfg.Interval,
		warnPercent: cfg.WarnDiskPercent,
		close:       make(chan struct{}),
	}
}

// Start begins periodic metric collection.
func (sm *SystemMonitor) Start() {
	sm.wg.Add(1)
	go sm.run()
}

// Stop stops the monitor.
func (sm *SystemMonitor) Stop() {
	close(sm.close)
	sm.wg.Wait()
}

// Stats returns the latest collected stats.
func (sm *SystemMonitor) Stats() SystemStats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.stats
}

func (sm *SystemMonitor) run() {
	defer sm.wg.Done()

	ticker := time.NewTicker(sm.interval)
	defer ticker.Stop()

	// Initial collection
	sm.collect()

	for {
		select {
		case <-sm.close:
			return
		case <-ticker.C:
			sm.collect()
		}
	}
}

func (sm *SystemMonitor) collect() {
	stats := SystemStats{}

	// CPU
	if percentage, err := cpu.Percent(0, false); err == nil && len(percentage) > 0 {
		stats.CPUPercent = percentage[0]
	} else {
		sm.logger.Debug("failed to collect cpu stats", "error", err)
	}

	// Memory
	if v, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = v.UsedPercent
	} else {
		sm.logger.Debug("failed to collect memory stats", "error", err)
	}

	// Disk usage of the filesystem backing the output directory
	if d, err := disk.Usage(sm.outputRoot); err == nil {
		stats.DiskUsagePercent = d.UsedPercent
		stats.DiskFreeBytes = d.Free
	} else {
		sm.logger.Debug("failed to collect disk stats", "error", err)
	}

	// Load Avg
	if l, err := load.Avg(); err == nil {
		stats.LoadAverage = l.Load1
	} else {
		sm.logger.Debug("failed to collect load stats", "error", err)
	}

	sm.mu.Lock()
	sm.stats = stats
	sm.mu.Unlock()

	sm.logger.Debug("system stats",
		"cpu_percent", stats.CPUPercent,
		"memory_percent", stats.MemoryPercent,
		"disk_percent", stats.DiskUsagePercent,
		"disk_free_bytes", stats.DiskFreeBytes,
		"load_1m", stats.LoadAverage,
	)

	// Warn once per crossing, not on every tick.
	if sm.warnPercent > 0 && stats.DiskUsagePercent >= sm.warnPercent {
		if !sm.warned {
			sm.warned = true
			sm.logger.Warn("output disk usage above threshold",
				"disk_percent", stats.DiskUsagePercent,
				"threshold", sm.warnPercent,
				"disk_free_bytes", stats.DiskFreeBytes,
			)
		}
	} else {
		sm.warned = false
	}
}
