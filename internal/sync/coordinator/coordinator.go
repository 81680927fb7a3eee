// Package coordinator runs the background scheduling loop: it polls the
// schedule store for due scopes and hands each one to the sync manager.
package coordinator

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/classcloud/roster-sync-server/internal/status"
	"github.com/classcloud/roster-sync-server/internal/store"
	pkgsync "github.com/classcloud/roster-sync-server/internal/sync"
	"github.com/classcloud/roster-sync-server/internal/telemetry"
)

const (
	// basePollingInterval is the base interval at which the coordinator
	// checks for due schedules
	basePollingInterval = 2 * time.Minute

	// pollingJitter is the maximum random offset applied to the polling
	// interval so that multiple instances do not poll the database in
	// lockstep
	pollingJitter = 30 * time.Second
)

// Coordinator manages background synchronization scheduling
type Coordinator interface {
	// Start begins the scheduling loop. Blocks until the context is
	// cancelled or Stop is called.
	Start(ctx context.Context) error

	// Stop gracefully stops the coordinator and waits for the loop to exit
	Stop() error
}

// defaultCoordinator is the default implementation of Coordinator
type defaultCoordinator struct {
	manager pkgsync.Manager
	st      store.Store
	logger  *slog.Logger

	pollingInterval time.Duration
	now             func() time.Time

	cancelFunc context.CancelFunc
	done       chan struct{}

	rosterMetrics *telemetry.RosterMetrics
}

// Option configures the coordinator
type Option func(*defaultCoordinator)

// WithPollingInterval overrides the base schedule polling interval
func WithPollingInterval(d time.Duration) Option {
	return func(c *defaultCoordinator) {
		if d > 0 {
			c.pollingInterval = d
		}
	}
}

// WithLogger sets the coordinator's logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *defaultCoordinator) {
		c.logger = logger
	}
}

// WithRosterMetrics sets the roster metrics recorder updated after each
// scheduled school sync
func WithRosterMetrics(metrics *telemetry.RosterMetrics) Option {
	return func(c *defaultCoordinator) {
		c.rosterMetrics = metrics
	}
}

// WithClock overrides the coordinator's clock
func WithClock(now func() time.Time) Option {
	return func(c *defaultCoordinator) {
		c.now = now
	}
}

// New creates a coordinator with injected dependencies
func New(manager pkgsync.Manager, st store.Store, opts ...Option) Coordinator {
	c := &defaultCoordinator{
		manager:         manager,
		st:              st,
		logger:          slog.Default(),
		pollingInterval: basePollingInterval,
		now:             time.Now,
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// jitteredInterval returns the polling interval with a random offset of up
// to ±pollingJitter applied.
func (c *defaultCoordinator) jitteredInterval() time.Duration {
	jitter := pollingJitter
	if jitter >= c.pollingInterval {
		jitter = c.pollingInterval / 4
	}
	if jitter <= 0 {
		return c.pollingInterval
	}
	//nolint:gosec // G404: non-cryptographic randomness is sufficient for polling jitter
	offset := time.Duration(rand.Int64N(int64(2*jitter))) - jitter
	return c.pollingInterval + offset
}

// Start begins the scheduling loop
func (c *defaultCoordinator) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	defer func() {
		close(c.done)
		c.logger.Info("sync coordinator shutting down")
	}()

	interval := c.jitteredInterval()
	c.logger.Info("starting sync coordinator",
		"base_interval", c.pollingInterval,
		"actual_interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.processDueSchedules(loopCtx)

	for {
		select {
		case <-ticker.C:
			c.processDueSchedules(loopCtx)
			// Fresh jitter each cycle
			ticker.Reset(c.jitteredInterval())
		case <-loopCtx.Done():
			c.logger.Info("sync coordinator stopping")
			return nil
		}
	}
}

// Stop gracefully stops the coordinator
func (c *defaultCoordinator) Stop() error {
	if c.cancelFunc != nil {
		c.cancelFunc()
		<-c.done
	}
	return nil
}

// processDueSchedules runs every schedule whose next run time has passed.
// Schedules execute sequentially: the sync manager bounds its own fan-out,
// and the per-scope locks make overlapping coordinators safe anyway.
func (c *defaultCoordinator) processDueSchedules(ctx context.Context) {
	due, err := c.st.DueSchedules(ctx, c.now())
	if err != nil {
		c.logger.Error("failed to query due schedules", "error", err)
		return
	}

	for _, sched := range due {
		if ctx.Err() != nil {
			return
		}
		c.runSchedule(ctx, sched)
	}
}

// runSchedule executes one due schedule and advances its next run time.
// The next run time moves forward even when the sync fails or is skipped:
// retry pacing belongs to the schedule interval, not to tight re-polling.
func (c *defaultCoordinator) runSchedule(ctx context.Context, sched store.Schedule) {
	req, err := requestForScope(sched.Scope)
	if err != nil {
		c.logger.Error("schedule has invalid scope, disabling",
			"scope", sched.Scope,
			"error", err)
		sched.Enabled = false
		if err := c.st.UpsertSchedule(ctx, sched); err != nil {
			c.logger.Error("failed to disable schedule", "scope", sched.Scope, "error", err)
		}
		return
	}

	c.logger.Info("running scheduled sync", "scope", sched.Scope, "interval", sched.Interval)
	result := c.manager.Sync(ctx, req)
	c.logger.Info("scheduled sync finished",
		"scope", sched.Scope,
		"status", result.Status,
		"processed", result.Counts.Processed,
		"failed", result.Counts.Failed)

	if result.Success() {
		c.recordActiveRecords(ctx, result)
	}

	next := c.now().Add(sched.Interval)
	if err := c.st.MarkScheduled(ctx, sched.Scope, next); err != nil {
		c.logger.Error("failed to advance schedule", "scope", sched.Scope, "error", err)
	}
}

// requestForScope maps a schedule's scope string to a sync request
func requestForScope(scope string) (pkgsync.Request, error) {
	kind, id, err := status.ParseScope(scope)
	if err != nil {
		return pkgsync.Request{}, err
	}
	req := pkgsync.Request{ID: id, InitiatedBy: "scheduled"}
	switch kind {
	case status.ScopeKindDistrict:
		req.Target = pkgsync.TargetDistrict
	default:
		req.Target = pkgsync.TargetSchool
	}
	return req, nil
}

// recordActiveRecords refreshes the active-record gauges for every school
// touched by a successful run
func (c *defaultCoordinator) recordActiveRecords(ctx context.Context, result *status.AggregateResult) {
	if c.rosterMetrics == nil {
		return
	}
	for _, child := range result.Children {
		kind, schoolID, err := status.ParseScope(child.Scope)
		if err != nil || kind != status.ScopeKindSchool || child.Status != status.RunStatusSucceeded {
			continue
		}
		for _, rt := range store.KnownRecordTypes() {
			records, err := c.st.ListRecords(ctx, schoolID, rt)
			if err != nil {
				c.logger.Warn("failed to count active records",
					"school", schoolID,
					"type", rt,
					"error", err)
				continue
			}
			active := 0
			for _, rec := range records {
				if rec.IsActive {
					active++
				}
			}
			c.rosterMetrics.RecordActiveRecords(ctx, schoolID, string(rt), int64(active))
		}
	}
}
