/*
payouts.go - Periodic payout scheduler

PURPOSE:
  On an interval, execute every pending payout whose scheduled time has
  passed. Payouts run strictly one at a time with a short pause between
  processor calls; a payout that fails at the processor is counted and
  the pass continues with the next one.

  A payout coming back with status failed is an item failure here, but
  its funds stay reserved and nothing retries it. Operators resolve.

DESIGN:
  Same skeleton as the clearing job: ticker goroutine, overlap skipped
  not queued, RunNow for admins. The first pass fires immediately on
  Start so a restart drains anything that came due while the service
  was down.

SEE ALSO:
  - payout/engine.go: Execute, the three-step transfer discipline
  - clearing.go:      the sibling scheduler
*/
package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fundflow/settlement-engine/ledger"
	"github.com/fundflow/settlement-engine/payout"
)

// PayoutJob executes due payouts on an interval.
type PayoutJob struct {
	engine  *payout.Engine
	tracker *Tracker
	log     *zap.Logger

	// Interval between passes. Default: 1 hour.
	Interval time.Duration

	// CallDelay is the pause between consecutive processor calls within
	// one pass. Default: 1 second.
	CallDelay time.Duration

	// BatchLimit caps how many payouts one pass will attempt. Default: 100.
	BatchLimit int

	// Enabled gates Start. Default: true.
	Enabled bool

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	started bool
}

// NewPayoutJob builds the payout scheduler.
func NewPayoutJob(engine *payout.Engine, tracker *Tracker, log *zap.Logger) *PayoutJob {
	if log == nil {
		log = zap.NewNop()
	}
	return &PayoutJob{
		engine:     engine,
		tracker:    tracker,
		log:        log,
		Interval:   1 * time.Hour,
		CallDelay:  1 * time.Second,
		BatchLimit: 100,
		Enabled:    true,
		stop:       make(chan struct{}),
	}
}

// Start launches the background goroutine. No-op when disabled.
func (j *PayoutJob) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.Enabled {
		j.log.Info("payout job disabled, not starting")
		return
	}
	if j.started {
		return
	}
	j.started = true

	j.ticker = time.NewTicker(j.Interval)
	j.wg.Add(1)
	go j.run()

	j.log.Info("payout job started",
		zap.Duration("interval", j.Interval),
		zap.Duration("call_delay", j.CallDelay))
}

// Stop halts the scheduler and waits for any in-flight pass to finish.
func (j *PayoutJob) Stop() {
	j.mu.Lock()
	if !j.started {
		j.mu.Unlock()
		return
	}
	j.mu.Unlock()

	j.ticker.Stop()
	close(j.stop)
	j.wg.Wait()
	j.log.Info("payout job stopped")
}

func (j *PayoutJob) run() {
	defer j.wg.Done()

	// Drain anything that came due while the service was down.
	j.runScheduled()

	for {
		select {
		case <-j.ticker.C:
			j.runScheduled()
		case <-j.stop:
			return
		}
	}
}

func (j *PayoutJob) runScheduled() {
	if _, err := j.runOnce(context.Background(), ledger.TriggerSchedule); err != nil && err != ErrRunInProgress {
		j.log.Error("scheduled payout run failed", zap.Error(err))
	}
}

// RunNow triggers an immediate pass (admin endpoint). Returns
// ErrRunInProgress if one is already active.
func (j *PayoutJob) RunNow(ctx context.Context) (ledger.JobRun, error) {
	return j.runOnce(ctx, ledger.TriggerManual)
}

func (j *PayoutJob) runOnce(ctx context.Context, trigger string) (ledger.JobRun, error) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		j.log.Warn("payout run already in progress, skipping",
			zap.String("trigger", trigger))
		return ledger.JobRun{}, ErrRunInProgress
	}
	j.running = true
	j.mu.Unlock()
	defer func() {
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
	}()

	run := j.tracker.Begin(ctx, ledger.JobPayouts, trigger)

	due, err := j.engine.Due(ctx, j.BatchLimit)
	if err != nil {
		rec := run.Fail(ctx, err)
		return rec, err
	}

loop:
	for i := range due {
		if i > 0 && j.CallDelay > 0 {
			select {
			case <-j.stop:
				j.log.Info("payout run interrupted by shutdown",
					zap.Int("remaining", len(due)-i))
				break loop
			case <-time.After(j.CallDelay):
			}
		}

		p, err := j.engine.Execute(ctx, due[i].ID)
		if err != nil {
			// Wrong status by now, or the store failed mid-flight. The
			// pass keeps going; one payout never blocks the rest.
			run.ItemFailed()
			j.log.Error("payout execution errored",
				zap.String("payout_id", due[i].ID),
				zap.Error(err))
			continue
		}
		if p.Status == ledger.PayoutFailed {
			run.ItemFailed()
			continue
		}
		run.ItemSucceeded()
	}

	rec := run.Complete(ctx)
	j.log.Info("payout run finished",
		zap.String("trigger", trigger),
		zap.Int("payouts", rec.TotalProcessed),
		zap.Int("succeeded", rec.SuccessCount),
		zap.Int("failed", rec.FailureCount))
	return rec, nil
}
