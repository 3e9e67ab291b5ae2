package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/diagen-io/diagen/pkg/config"
)

// WorkerPool manages a pool of queue workers.
type WorkerPool struct {
	db       *sql.DB
	config   *config.QueueConfig
	executor Executor
	workers  []*Worker
	started  bool

	// Job cancel registry: job_id → cancel function
	activeJobs map[string]context.CancelFunc
	mu         sync.RWMutex
}

// NewWorkerPool creates a worker pool.
func NewWorkerPool(db *sql.DB, cfg *config.QueueConfig, executor Executor) *WorkerPool {
	return &WorkerPool{
		db:         db,
		config:     cfg,
		executor:   executor,
		workers:    make([]*Worker, 0, cfg.WorkerCount),
		activeJobs: make(map[string]context.CancelFunc),
	}
}

// Start spawns worker goroutines. It is safe to call multiple times;
// subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call")
		return
	}
	p.started = true

	slog.Info("Starting worker pool", "worker_count", p.config.WorkerCount)
	for i := 0; i < p.config.WorkerCount; i++ {
		worker := NewWorker(fmt.Sprintf("worker-%d", i), p.db, p.config, p.executor, p)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}
}

// Stop signals all workers to stop and waits for them to finish.
// Workers finish their current jobs before exiting.
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	active := p.activeJobIDs()
	if len(active) > 0 {
		slog.Info("Waiting for active jobs to complete",
			"count", len(active), "job_ids", active)
	}

	for _, worker := range p.workers {
		worker.Stop()
	}
	slog.Info("Worker pool stopped")
}

// RegisterJob stores a cancel function for manual cancellation.
func (p *WorkerPool) RegisterJob(jobID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeJobs[jobID] = cancel
}

// UnregisterJob removes the cancel function when processing ends.
func (p *WorkerPool) UnregisterJob(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeJobs, jobID)
}

// CancelJob triggers context cancellation for a running job.
// Returns true if the job was found and cancelled.
func (p *WorkerPool) CancelJob(jobID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeJobs[jobID]; ok {
		cancel()
		return true
	}
	return false
}

// Health returns the health of every worker in the pool.
func (p *WorkerPool) Health() []WorkerHealth {
	health := make([]WorkerHealth, 0, len(p.workers))
	for _, w := range p.workers {
		health = append(health, w.Health())
	}
	return health
}

func (p *WorkerPool) activeJobIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.activeJobs))
	for id := range p.activeJobs {
		ids = append(ids, id)
	}
	return ids
}
