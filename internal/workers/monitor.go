package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ehrlich-b/dispatch/internal/state"
	"github.com/ehrlich-b/dispatch/internal/storage"
)

// Monitor periodically supervises started workers: local agent processes
// are reaped when they exit (the record flips to stopped/offline) or
// adopted when found running untracked, and every remaining started worker
// has its agent probed over HTTP to set the online status.
type Monitor struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor builds a health monitor. The interval should already be
// clamped by config validation.
func NewMonitor(manager *Manager, interval time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{manager: manager, interval: interval, logger: logger}
}

// Start launches the probe loop.
func (mon *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	mon.cancel = cancel
	mon.wg.Add(1)
	go func() {
		defer mon.wg.Done()
		ticker := time.NewTicker(mon.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mon.sweep(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for it.
func (mon *Monitor) Stop() {
	if mon.cancel != nil {
		mon.cancel()
	}
	mon.wg.Wait()
}

// sweep supervises every started worker once.
func (mon *Monitor) sweep(ctx context.Context) {
	workers, err := mon.manager.store.ListWorkers(ctx)
	if err != nil {
		mon.logger.Error("list workers", "error", err)
		return
	}
	for _, w := range workers {
		if w.Name == storage.SystemWorkerName {
			continue
		}
		if w.State != state.WorkerStarted {
			continue
		}
		if w.WorkerType == storage.WorkerTypeLocal {
			if mon.manager.reapLocal(ctx, w) {
				continue
			}
			mon.manager.adoptLocal(w)
		}
		mon.probe(ctx, w)
	}
}

func (mon *Monitor) probe(ctx context.Context, worker *storage.Worker) {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := mon.manager.agents.Health(probeCtx, worker)
	if err != nil {
		if worker.Status != state.WorkerOffline {
			mon.logger.Warn("worker went offline", "worker", worker.Name, "error", err)
			worker.Status = state.WorkerOffline
			if serr := mon.manager.store.SaveWorker(ctx, worker); serr != nil {
				mon.logger.Error("record worker status", "worker", worker.Name, "error", serr)
			}
		}
		return
	}

	now := time.Now().UTC()
	worker.LastSeen = &now
	if worker.Status != state.WorkerOnline {
		mon.logger.Info("worker back online", "worker", worker.Name, "running_jobs", health.RunningJobs)
	}
	worker.Status = state.WorkerOnline
	if err := mon.manager.store.SaveWorker(ctx, worker); err != nil {
		mon.logger.Error("record worker status", "worker", worker.Name, "error", err)
	}
}
