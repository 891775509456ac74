// Package loop drives the detect, classify, repair and persist cycle on a fixed cadence.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/healloop/internal/audit"
	"github.com/miradorstack/healloop/internal/engine"
	"github.com/miradorstack/healloop/internal/metrics"
	"github.com/miradorstack/healloop/internal/models"
	"github.com/miradorstack/healloop/internal/probe"
	"github.com/miradorstack/healloop/internal/utils"
	"github.com/miradorstack/healloop/internal/vcs"
)

// ErrStoreFailure is returned by Run once consecutive snapshot writes have failed too often.
var ErrStoreFailure = errors.New("state store failing")

// Phase is the controller's current position in a tick.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseTicking     Phase = "ticking"
	PhaseProbing     Phase = "probing"
	PhaseClassifying Phase = "classifying"
	PhaseRepairing   Phase = "repairing"
	PhaseVerifying   Phase = "verifying"
	PhasePersisting  Phase = "persisting"
	PhaseDraining    Phase = "draining"
)

// Store persists the loop state.
type Store interface {
	Load() (models.LoopState, error)
	Save(models.LoopState) error
}

// Classifier folds probe results into error records.
type Classifier interface {
	Classify(results []models.ProbeResult, prior map[string]models.ErrorRecord) engine.Classification
}

// Repairer decides on and runs repair attempts. Settle charges an attempt that ended
// outside Attempt (a panic, a restart) with the same budget rules Attempt applies.
type Repairer interface {
	Eligible(rec models.ErrorRecord, now time.Time) bool
	Attempt(ctx context.Context, rec models.ErrorRecord) (models.ErrorRecord, models.RepairAttempt)
	Settle(rec models.ErrorRecord, attempt models.RepairAttempt) models.ErrorRecord
}

// Observer receives the committed state after every persisted tick.
type Observer interface {
	Observe(state models.LoopState, results []models.ProbeResult)
}

type verifyNotifier interface {
	NotifyVerify(func())
}

type latencyReporter interface {
	LatencyPercentile(targetID string, p float64) time.Duration
}

// Options wires the controller's collaborators.
type Options struct {
	Targets    []models.MonitorTarget
	Prober     probe.Prober
	Classifier Classifier
	Repairer   Repairer
	Store      Store
	// VCS is optional; when set, ticks that fix something are committed.
	VCS      vcs.Syncer
	Audit    audit.Recorder
	Observer Observer
	Logger   *slog.Logger

	HistoryWindow     int
	FixedRetention    time.Duration
	StoreFailureLimit int
}

// Controller owns the LoopState. Only the goroutine running Run mutates it.
type Controller struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	phase atomic.Value
	state models.LoopState

	storeFailures int
}

type tickOutcome int

const (
	tickCompleted tickOutcome = iota
	tickSkipped
	tickInterrupted
)

// NewController constructs a Controller.
func NewController(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 50
	}
	c := &Controller{
		opts:   opts,
		logger: opts.Logger,
		now:    time.Now,
		state:  models.NewLoopState(),
	}
	c.phase.Store(PhaseIdle)
	if n, ok := opts.Repairer.(verifyNotifier); ok {
		n.NotifyVerify(func() { c.setPhase(PhaseVerifying) })
	}
	return c
}

// Phase returns the current phase. Safe for concurrent use.
func (c *Controller) Phase() Phase {
	return c.phase.Load().(Phase)
}

// State returns a copy of the last committed state. Only call it while Run is not executing.
func (c *Controller) State() models.LoopState {
	return c.state.Clone()
}

// Run ticks until ctx is cancelled or maxIterations ticks have completed (0 means no limit).
// Tick starts are at least interval apart and ticks never overlap.
func (c *Controller) Run(ctx context.Context, interval time.Duration, maxIterations int) error {
	state, err := c.opts.Store.Load()
	if err != nil {
		return utils.NewAppError("loop.run", "load state", err)
	}
	c.state = c.recoverInterrupted(state)
	c.logger.Info("repair loop starting",
		slog.Int("iteration", c.state.Iteration),
		slog.Int("records", len(c.state.Errors)),
		slog.Int("targets", len(c.opts.Targets)),
		slog.Duration("interval", interval),
		slog.Int("max_iterations", maxIterations),
	)

	completed := 0
	for ctx.Err() == nil {
		started := c.now()
		outcome, err := c.tick(ctx)
		if err != nil {
			c.setPhase(PhaseIdle)
			return err
		}
		if outcome == tickCompleted {
			completed++
		}
		if outcome == tickInterrupted {
			break
		}
		if maxIterations > 0 && completed >= maxIterations {
			break
		}
		if wait := interval - c.now().Sub(started); wait > 0 {
			if sleepOrCancel(ctx, wait) != nil {
				break
			}
		}
	}

	c.setPhase(PhaseDraining)
	if err := c.opts.Store.Save(c.state); err != nil {
		c.logger.Error("final state flush failed", slog.String("error", err.Error()))
	}
	c.setPhase(PhaseIdle)
	c.logger.Info("repair loop stopped",
		slog.Int("iteration", c.state.Iteration),
		slog.Int("total_errors_fixed", c.state.TotalErrorsFixed),
		slog.Int("ticks_completed", completed),
	)
	return nil
}

func (c *Controller) tick(ctx context.Context) (outcome tickOutcome, err error) {
	started := c.now()
	c.setPhase(PhaseTicking)
	defer func() {
		if r := recover(); r != nil {
			// The working copy is dropped; the committed state is untouched.
			c.logger.Error("tick panicked, skipping",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			c.opts.Audit.Record("tick_panic", map[string]any{"panic": fmt.Sprint(r), "iteration": c.state.Iteration})
			outcome, err = tickSkipped, nil
		}
		metrics.ObserveTick(c.now().Sub(started), outcomeLabel(outcome))
		c.setPhase(PhaseIdle)
	}()

	working := c.state.Clone()
	interrupted := false
	fixed := 0

	c.setPhase(PhaseProbing)
	results := c.opts.Prober.RunAll(ctx, c.opts.Targets)
	if ctx.Err() != nil {
		// Probe results of a cancelled tick are incomplete; discard them.
		interrupted = true
		results = nil
	} else {
		c.setPhase(PhaseClassifying)
		cls := c.opts.Classifier.Classify(results, working.Errors)
		for fp, rec := range cls.Records {
			working.Errors[fp] = rec
		}
		working.TotalErrorsFixed += len(cls.Fixed)
		fixed += len(cls.Fixed)
		for _, fp := range cls.Fixed {
			c.logger.Info("error recovered", slog.String("fingerprint", fp), slog.String("target", working.Errors[fp].TargetID))
		}

		c.setPhase(PhaseRepairing)
		for _, fp := range cls.Failing {
			if ctx.Err() != nil {
				interrupted = true
				break
			}
			rec := working.Errors[fp]
			if !c.opts.Repairer.Eligible(rec, c.now()) {
				continue
			}
			updated, attempt := c.attempt(ctx, rec)
			c.setPhase(PhaseRepairing)
			working.Errors[fp] = updated
			working.AppendAttempt(attempt, c.opts.HistoryWindow)
			c.auditAttempt(attempt, updated)
			c.noteEscalation(rec, updated)
			if attempt.Result == models.ResultSuccess {
				working.TotalErrorsFixed++
				fixed++
			}
		}
		interrupted = interrupted || ctx.Err() != nil
	}

	c.setPhase(PhasePersisting)
	c.prune(&working)
	if !interrupted {
		working.Iteration++
		working.LastScan = started
	}
	if err := c.opts.Store.Save(working); err != nil {
		// Keep record mutations so attempt budgets survive, but this tick did not happen.
		working.Iteration = c.state.Iteration
		working.LastScan = c.state.LastScan
		c.state = working
		c.storeFailures++
		c.logger.Error("persisting tick failed",
			slog.String("error", err.Error()),
			slog.Int("consecutive_failures", c.storeFailures),
		)
		c.opts.Audit.Record("store_failure", map[string]any{"error": err.Error(), "consecutive": c.storeFailures})
		if limit := c.opts.StoreFailureLimit; limit > 0 && c.storeFailures >= limit {
			return tickSkipped, fmt.Errorf("%w: %d consecutive save failures: %w", ErrStoreFailure, c.storeFailures, err)
		}
		return tickSkipped, nil
	}
	c.storeFailures = 0
	c.state = working

	metrics.SetRecordCounts(countByStatus(c.state))
	if c.opts.Observer != nil && !interrupted {
		c.opts.Observer.Observe(c.state.Clone(), results)
	}
	c.logger.Info("tick persisted",
		slog.Int("iteration", c.state.Iteration),
		slog.Int("fixed", fixed),
		slog.Int("active_records", countActive(c.state)),
		slog.Bool("interrupted", interrupted),
		slog.Duration("took", c.now().Sub(started)),
	)
	if !interrupted {
		c.logLatency()
	}
	if fixed > 0 {
		c.syncVCS(ctx, fixed)
	}
	if interrupted {
		return tickInterrupted, nil
	}
	return tickCompleted, nil
}

// attempt isolates one repair so a fault on one record cannot stop the others.
func (c *Controller) attempt(ctx context.Context, rec models.ErrorRecord) (updated models.ErrorRecord, attempt models.RepairAttempt) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("repair panicked",
				slog.String("fingerprint", rec.Fingerprint),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			attempt = c.lostAttempt(rec, fmt.Sprintf("repair panic: %v", r))
			updated = c.opts.Repairer.Settle(rec, attempt)
		}
	}()
	return c.opts.Repairer.Attempt(ctx, rec)
}

// recoverInterrupted settles records a previous process persisted mid-repair. The
// lost attempt is charged to the budget like any other failure.
func (c *Controller) recoverInterrupted(state models.LoopState) models.LoopState {
	if state.Errors == nil {
		state.Errors = make(map[string]models.ErrorRecord)
	}
	for fp, rec := range state.Errors {
		if rec.Status != models.StatusRepairing {
			continue
		}
		attempt := c.lostAttempt(rec, "interrupted by restart")
		updated := c.opts.Repairer.Settle(rec, attempt)
		state.Errors[fp] = updated
		state.AppendAttempt(attempt, c.opts.HistoryWindow)
		c.logger.Warn("record was mid-repair at shutdown, settled",
			slog.String("fingerprint", fp),
			slog.String("status", string(updated.Status)),
		)
		c.opts.Audit.Record("repair_interrupted", map[string]any{"fingerprint": fp, "target": rec.TargetID, "status": string(updated.Status)})
		c.noteEscalation(rec, updated)
	}
	return state
}

// lostAttempt describes an attempt that ended without producing its own record.
func (c *Controller) lostAttempt(rec models.ErrorRecord, detail string) models.RepairAttempt {
	now := c.now()
	return models.RepairAttempt{
		ID:          uuid.NewString(),
		Fingerprint: rec.Fingerprint,
		TargetID:    rec.TargetID,
		Attempt:     rec.AttemptCount + 1,
		StartedAt:   now,
		EndedAt:     now,
		Result:      models.ResultFailure,
		Detail:      detail,
	}
}

// noteEscalation audits the moment a record's repair budget runs out.
func (c *Controller) noteEscalation(before, after models.ErrorRecord) {
	if after.Escalations <= before.Escalations {
		return
	}
	c.logger.Warn("error escalated",
		slog.String("fingerprint", after.Fingerprint),
		slog.String("target", after.TargetID),
		slog.Int("attempts", after.AttemptCount),
		slog.Time("cooldown_until", after.CooldownUntil),
	)
	c.opts.Audit.Record("escalated", map[string]any{
		"fingerprint":   after.Fingerprint,
		"target":        after.TargetID,
		"category":      string(after.Category),
		"attempts":      after.AttemptCount,
		"escalations":   after.Escalations,
		"cooldownUntil": after.CooldownUntil,
	})
}

// logLatency reports recent probe latency per target when the prober tracks it.
func (c *Controller) logLatency() {
	lr, ok := c.opts.Prober.(latencyReporter)
	if !ok {
		return
	}
	for _, t := range c.opts.Targets {
		c.logger.Debug("probe latency",
			slog.String("target", t.ID),
			slog.Duration("p50", lr.LatencyPercentile(t.ID, 50)),
			slog.Duration("p95", lr.LatencyPercentile(t.ID, 95)),
		)
	}
}

func (c *Controller) prune(state *models.LoopState) {
	if c.opts.FixedRetention <= 0 {
		return
	}
	cutoff := c.now().Add(-c.opts.FixedRetention)
	for fp, rec := range state.Errors {
		if rec.Status == models.StatusFixed && rec.FixedAt.Before(cutoff) {
			delete(state.Errors, fp)
		}
	}
}

func (c *Controller) syncVCS(ctx context.Context, fixed int) {
	if c.opts.VCS == nil {
		return
	}
	msg := fmt.Sprintf("healloop: iteration %d fixed %d error(s)", c.state.Iteration, fixed)
	err := c.opts.VCS.CommitAndPush(context.WithoutCancel(ctx), msg)
	fields := map[string]any{"iteration": c.state.Iteration, "fixed": fixed}
	if err != nil {
		fields["error"] = err.Error()
		c.logger.Warn("vcs sync failed", slog.String("error", err.Error()))
	}
	c.opts.Audit.Record("vcs_sync", fields)
}

func (c *Controller) auditAttempt(attempt models.RepairAttempt, rec models.ErrorRecord) {
	c.opts.Audit.Record("repair_attempt", map[string]any{
		"id":          attempt.ID,
		"fingerprint": attempt.Fingerprint,
		"target":      attempt.TargetID,
		"attempt":     attempt.Attempt,
		"strategy":    attempt.Strategy,
		"result":      string(attempt.Result),
		"detail":      attempt.Detail,
		"backupRef":   attempt.BackupRef,
		"status":      string(rec.Status),
	})
}

func (c *Controller) setPhase(next Phase) {
	prev := c.phase.Swap(next)
	if prev == next {
		return
	}
	c.opts.Audit.Record("phase", map[string]any{
		"from":      fmt.Sprint(prev),
		"to":        string(next),
		"iteration": c.state.Iteration,
	})
}

func sleepOrCancel(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func outcomeLabel(o tickOutcome) string {
	switch o {
	case tickCompleted:
		return metrics.OutcomeCompleted
	case tickInterrupted:
		return metrics.OutcomeInterrupted
	default:
		return metrics.OutcomeSkipped
	}
}

func countByStatus(state models.LoopState) map[models.RecordStatus]int {
	counts := make(map[models.RecordStatus]int)
	for _, rec := range state.Errors {
		counts[rec.Status]++
	}
	return counts
}

func countActive(state models.LoopState) int {
	n := 0
	for _, rec := range state.Errors {
		if rec.Active() {
			n++
		}
	}
	return n
}
