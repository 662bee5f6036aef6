/*
Package jobs runs the background settlement work: the daily clearing
pass and the periodic payout pass.

tracker.go - Job execution tracking

PURPOSE:
  Every run, scheduled or manual, is recorded twice: a JobRun row in the
  store (job history endpoints, "did it run last night?") and Prometheus
  series (alerting). The Tracker is handed to both schedulers; nothing
  in the jobs package touches metrics or run rows directly.

METRICS:
  settlement_jobs_runs_total{job,status}      completed runs by outcome
  settlement_jobs_items_total{job,result}     per-item successes/failures
  settlement_jobs_duration_seconds{job}       run duration
  settlement_jobs_in_flight{job}              1 while a run is active

  The Registerer is injected. Passing nil disables registration, which
  keeps tests free of global registry collisions.
*/
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fundflow/settlement-engine/ledger"
)

// ErrRunInProgress is returned when a run is requested while the same job
// is still executing. The new run is skipped, never queued.
var ErrRunInProgress = errors.New("job run already in progress")

// Tracker records job runs in the store and in Prometheus.
type Tracker struct {
	store ledger.Store
	log   *zap.Logger

	runsTotal  *prometheus.CounterVec
	itemsTotal *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	inFlight   *prometheus.GaugeVec
}

// NewTracker builds a tracker. reg may be nil to skip metric registration;
// a nil logger is replaced with a no-op logger.
func NewTracker(store ledger.Store, log *zap.Logger, reg prometheus.Registerer) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}

	t := &Tracker{
		store: store,
		log:   log,
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Completed job runs by outcome.",
		}, []string{"job", "status"}),
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Subsystem: "jobs",
			Name:      "items_total",
			Help:      "Items processed by job runs, by result.",
		}, []string{"job", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "settlement",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of job runs.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"job"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "settlement",
			Subsystem: "jobs",
			Name:      "in_flight",
			Help:      "Whether a run of this job is currently active.",
		}, []string{"job"}),
	}

	if reg != nil {
		reg.MustRegister(t.runsTotal, t.itemsTotal, t.duration, t.inFlight)
	}
	return t
}

// Begin opens a run record in the running state. A store failure here is
// logged but does not block the job: losing history beats losing the run.
func (t *Tracker) Begin(ctx context.Context, job, trigger string) *Run {
	now := time.Now().UTC()
	rec := ledger.NewJobRun(job, trigger, now)
	if err := t.store.SaveJobRun(ctx, rec); err != nil {
		t.log.Warn("job run record not saved",
			zap.String("job", job),
			zap.Error(err))
	}
	t.inFlight.WithLabelValues(job).Set(1)
	return &Run{tracker: t, rec: rec, started: now}
}

// History returns recent runs for a job, newest first.
func (t *Tracker) History(ctx context.Context, job string, limit int) ([]ledger.JobRun, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return t.store.ListJobRuns(ctx, job, limit)
}

// Run is one in-progress job execution. Not safe for concurrent use; each
// scheduler runs single-file by design.
type Run struct {
	tracker *Tracker
	rec     ledger.JobRun
	started time.Time
	mu      sync.Mutex
	done    bool
}

// ItemSucceeded counts one successfully processed item.
func (r *Run) ItemSucceeded() {
	r.rec.TotalProcessed++
	r.rec.SuccessCount++
	r.tracker.itemsTotal.WithLabelValues(r.rec.Job, "success").Inc()
}

// ItemFailed counts one failed item. Item failures do not fail the run.
func (r *Run) ItemFailed() {
	r.rec.TotalProcessed++
	r.rec.FailureCount++
	r.tracker.itemsTotal.WithLabelValues(r.rec.Job, "failure").Inc()
}

// Complete closes the run as completed and returns the final record.
func (r *Run) Complete(ctx context.Context) ledger.JobRun {
	return r.finish(ctx, ledger.JobRunCompleted, "")
}

// Fail closes the run as failed, recording why the run as a whole died.
func (r *Run) Fail(ctx context.Context, err error) ledger.JobRun {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return r.finish(ctx, ledger.JobRunFailed, msg)
}

func (r *Run) finish(ctx context.Context, status ledger.JobRunStatus, errMsg string) ledger.JobRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return r.rec
	}
	r.done = true

	now := time.Now().UTC()
	r.rec.Status = status
	r.rec.CompletedAt = &now
	r.rec.Error = errMsg
	if err := r.tracker.store.SaveJobRun(ctx, r.rec); err != nil {
		r.tracker.log.Warn("job run record not updated",
			zap.String("job", r.rec.Job),
			zap.Error(err))
	}

	r.tracker.inFlight.WithLabelValues(r.rec.Job).Set(0)
	r.tracker.runsTotal.WithLabelValues(r.rec.Job, string(status)).Inc()
	r.tracker.duration.WithLabelValues(r.rec.Job).Observe(now.Sub(r.started).Seconds())
	return r.rec
}
