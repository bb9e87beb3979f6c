package federation

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/ctxfed/csr"
	"github.com/c360/ctxfed/metric"
	"github.com/c360/ctxfed/pkg/worker"
)

// StatusRecorder receives the outcome of every remote call. Implementations must not block
// the caller.
type StatusRecorder interface {
	RecordStatus(reg *csr.Registration, success bool, at time.Time)
}

// StatusUpdater persists status outcomes; registry.Store satisfies it.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, id string, success bool, at time.Time) error
}

type statusUpdate struct {
	id      string
	success bool
	at      time.Time
}

// AsyncStatusRecorder queues status updates on a worker pool so remote call results are
// returned without waiting for the store.
type AsyncStatusRecorder struct {
	pool    *worker.Pool[statusUpdate]
	store   StatusUpdater
	metrics *metric.FederationMetrics
	logger  *slog.Logger
	timeout time.Duration
}

// StatusOption configures an AsyncStatusRecorder
type StatusOption func(*AsyncStatusRecorder)

// WithStatusLogger sets the logger
func WithStatusLogger(logger *slog.Logger) StatusOption {
	return func(r *AsyncStatusRecorder) { r.logger = logger }
}

// WithStatusMetrics publishes the last known status of each registration
func WithStatusMetrics(m *metric.FederationMetrics) StatusOption {
	return func(r *AsyncStatusRecorder) { r.metrics = m }
}

// WithStatusTimeout bounds each store update
func WithStatusTimeout(d time.Duration) StatusOption {
	return func(r *AsyncStatusRecorder) { r.timeout = d }
}

// NewAsyncStatusRecorder creates a recorder backed by workers goroutines and a queue of
// queueSize pending updates. registry is optional and only used for pool metrics.
func NewAsyncStatusRecorder(store StatusUpdater, workers, queueSize int, registry *metric.MetricsRegistry, opts ...StatusOption) *AsyncStatusRecorder {
	r := &AsyncStatusRecorder{
		store:   store,
		logger:  slog.Default(),
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}

	var poolOpts []worker.Option[statusUpdate]
	if registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[statusUpdate](registry, "ctxfed_status"))
	}
	r.pool = worker.NewPool(workers, queueSize, r.apply, poolOpts...)
	return r
}

// Start launches the workers.
func (r *AsyncStatusRecorder) Start(ctx context.Context) error {
	return r.pool.Start(ctx)
}

// Stop drains queued updates, waiting at most timeout.
func (r *AsyncStatusRecorder) Stop(timeout time.Duration) error {
	return r.pool.Stop(timeout)
}

// RecordStatus queues one update. A full queue drops the update.
func (r *AsyncStatusRecorder) RecordStatus(reg *csr.Registration, success bool, at time.Time) {
	if reg == nil {
		return
	}
	r.metrics.SetRegistrationStatus(reg.ID, success)
	if err := r.pool.Submit(statusUpdate{id: reg.ID, success: success, at: at}); err != nil {
		r.logger.Warn("Dropped registration status update", "csr_id", reg.ID, "success", success, "error", err)
	}
}

func (r *AsyncStatusRecorder) apply(ctx context.Context, u statusUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.store.UpdateStatus(ctx, u.id, u.success, u.at); err != nil {
		r.logger.Error("Failed to update registration status", "csr_id", u.id, "success", u.success, "error", err)
		return err
	}
	return nil
}

// SyncStatusRecorder writes status updates inline. Tests and tools that need the store
// to reflect a call as soon as it returns use it.
type SyncStatusRecorder struct {
	Store  StatusUpdater
	Logger *slog.Logger
}

// RecordStatus writes the update before returning.
func (r SyncStatusRecorder) RecordStatus(reg *csr.Registration, success bool, at time.Time) {
	if reg == nil {
		return
	}
	if err := r.Store.UpdateStatus(context.Background(), reg.ID, success, at); err != nil && r.Logger != nil {
		r.Logger.Error("Failed to update registration status", "csr_id", reg.ID, "error", err)
	}
}

type discardStatus struct{}

func (discardStatus) RecordStatus(*csr.Registration, bool, time.Time) {}
