/*
clearing.go - Daily clearing scheduler

PURPOSE:
  Once a day, promote every organization's aged pending donations to
  available. Each organization clears in its own transaction: one
  organization's failure is counted and logged, and the run moves on.

DESIGN:
  - Background goroutine waits for the configured UTC hour
  - Each pass asks the store which organizations hold uncleared credits,
    then runs the balance service's ClearAged per organization
  - Overlap is skipped, not queued: if a run is somehow still going when
    the next is due, the new one logs and bows out
  - RunNow gives admins the same pass on demand

USAGE:
  job := jobs.NewClearingJob(store, balances, tracker, log)
  job.Hour = 3 // 03:00 UTC
  job.Start()
  // ... later
  job.Stop()

SEE ALSO:
  - ledger/service.go: ClearAged, the per-organization transaction
  - tracker.go:        run records and metrics
*/
package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fundflow/settlement-engine/ledger"
)

// ClearingJob promotes aged pending funds on a daily schedule.
type ClearingJob struct {
	balances *ledger.Service
	store    ledger.Store
	tracker  *Tracker
	log      *zap.Logger

	// Hour is the UTC hour of day the job fires. Default: 2 (02:00 UTC).
	Hour int

	// Enabled gates Start. Default: true.
	Enabled bool

	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	started bool
	now     func() time.Time
}

// NewClearingJob builds the daily clearing scheduler.
func NewClearingJob(store ledger.Store, balances *ledger.Service, tracker *Tracker, log *zap.Logger) *ClearingJob {
	if log == nil {
		log = zap.NewNop()
	}
	return &ClearingJob{
		balances: balances,
		store:    store,
		tracker:  tracker,
		log:      log,
		Hour:     2,
		Enabled:  true,
		stop:     make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the background goroutine. No-op when disabled.
func (c *ClearingJob) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.Enabled {
		c.log.Info("clearing job disabled, not starting")
		return
	}
	if c.started {
		return
	}
	c.started = true

	c.wg.Add(1)
	go c.run()

	c.log.Info("clearing job started", zap.Int("hour_utc", c.Hour))
}

// Stop halts the scheduler and waits for any in-flight pass to finish.
func (c *ClearingJob) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	close(c.stop)
	c.wg.Wait()
	c.log.Info("clearing job stopped")
}

func (c *ClearingJob) run() {
	defer c.wg.Done()

	for {
		next := nextDailyRun(c.now().UTC(), c.Hour)
		timer := time.NewTimer(next.Sub(c.now().UTC()))

		select {
		case <-c.stop:
			timer.Stop()
			return
		case <-timer.C:
			if _, err := c.runOnce(context.Background(), ledger.TriggerSchedule); err != nil && err != ErrRunInProgress {
				c.log.Error("scheduled clearing run failed", zap.Error(err))
			}
		}
	}
}

// nextDailyRun returns the next occurrence of hour (UTC) strictly after now.
func nextDailyRun(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// RunNow triggers an immediate pass (admin endpoint). Returns
// ErrRunInProgress if one is already active.
func (c *ClearingJob) RunNow(ctx context.Context) (ledger.JobRun, error) {
	return c.runOnce(ctx, ledger.TriggerManual)
}

func (c *ClearingJob) runOnce(ctx context.Context, trigger string) (ledger.JobRun, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.log.Warn("clearing run already in progress, skipping",
			zap.String("trigger", trigger))
		return ledger.JobRun{}, ErrRunInProgress
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	run := c.tracker.Begin(ctx, ledger.JobClearing, trigger)

	orgs, err := c.store.UnclearedOrganizations(ctx)
	if err != nil {
		rec := run.Fail(ctx, err)
		return rec, err
	}

	for _, org := range orgs {
		res, err := c.balances.ClearAged(ctx, org)
		if err != nil {
			run.ItemFailed()
			c.log.Error("clearing failed for organization",
				zap.String("organization_id", org),
				zap.Error(err))
			continue
		}
		run.ItemSucceeded()
		if res.Credits > 0 {
			c.log.Debug("organization cleared",
				zap.String("organization_id", org),
				zap.Int("credits", res.Credits),
				zap.String("amount", ledger.FormatAmount(res.Amount)))
		}
	}

	rec := run.Complete(ctx)
	c.log.Info("clearing run finished",
		zap.String("trigger", trigger),
		zap.Int("organizations", rec.TotalProcessed),
		zap.Int("succeeded", rec.SuccessCount),
		zap.Int("failed", rec.FailureCount))
	return rec, nil
}
