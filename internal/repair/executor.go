// Package repair runs bounded, verified repair attempts against error records.
package repair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/healloop/internal/metrics"
	"github.com/miradorstack/healloop/internal/models"
	"github.com/miradorstack/healloop/internal/probe"
	"github.com/miradorstack/healloop/internal/vcs"
)

// HistoryLimit caps the attempts kept on each record.
const HistoryLimit = 20

// Policy is the repair budget.
type Policy struct {
	MaxAttempts    int
	Cooldown       time.Duration
	TransientGrace int
	RepairTimeout  time.Duration
}

// DefaultPolicy returns the budget used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		Cooldown:       time.Hour,
		TransientGrace: 2,
		RepairTimeout:  2 * time.Minute,
	}
}

// Executor applies one strategy per attempt and verifies the outcome with a fresh probe.
type Executor struct {
	policy     Policy
	strategies Table
	targets    map[string]models.MonitorTarget
	prober     probe.Prober
	commands   probe.CommandBackend
	syncer     vcs.Syncer
	snapshots  *Snapshotter
	logger     *slog.Logger
	now        func() time.Time
	onVerify   func()
}

// NewExecutor wires the executor. syncer may be nil when no strategy uses vcs-pull.
func NewExecutor(
	policy Policy,
	strategies Table,
	targets []models.MonitorTarget,
	prober probe.Prober,
	commands probe.CommandBackend,
	syncer vcs.Syncer,
	snapshots *Snapshotter,
	logger *slog.Logger,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if commands == nil {
		commands = probe.NewShellRunner()
	}
	byID := make(map[string]models.MonitorTarget, len(targets))
	for _, t := range targets {
		byID[t.ID] = t
	}
	return &Executor{
		policy:     policy,
		strategies: strategies,
		targets:    byID,
		prober:     prober,
		commands:   commands,
		syncer:     syncer,
		snapshots:  snapshots,
		logger:     logger,
		now:        time.Now,
	}
}

// NotifyVerify registers fn to be called right before each verification re-probe.
func (e *Executor) NotifyVerify(fn func()) {
	e.onVerify = fn
}

// Eligible reports whether rec may be attempted now.
func (e *Executor) Eligible(rec models.ErrorRecord, now time.Time) bool {
	if rec.Status != models.StatusOpen || !rec.Category.Repairable() {
		return false
	}
	if _, ok := e.strategies[rec.Category]; !ok {
		return false
	}
	if _, ok := e.targets[rec.TargetID]; !ok {
		return false
	}
	if rec.CycleAttempts() >= e.policy.MaxAttempts {
		return false
	}
	if now.Before(rec.CooldownUntil) {
		return false
	}
	// A lone timeout or refused connection is given a chance to clear on its own.
	if rec.Transient && rec.Occurrences < e.policy.TransientGrace {
		return false
	}
	return true
}

// Attempt runs exactly one strategy for rec and returns the updated record with the
// attempt it produced. The action and its verification are detached from ctx
// cancellation and bounded by the repair timeout instead.
func (e *Executor) Attempt(ctx context.Context, rec models.ErrorRecord) (models.ErrorRecord, models.RepairAttempt) {
	rec = rec.Clone()
	strategy := e.strategies[rec.Category]
	rec.Status = models.StatusRepairing

	attempt := models.RepairAttempt{
		ID:          uuid.NewString(),
		Fingerprint: rec.Fingerprint,
		TargetID:    rec.TargetID,
		Attempt:     rec.AttemptCount + 1,
		Strategy:    strategy.Name,
		StartedAt:   e.now(),
	}

	timeout := e.policy.RepairTimeout
	if strategy.Timeout > 0 {
		timeout = strategy.Timeout
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	log := e.logger.With(
		slog.String("target", rec.TargetID),
		slog.String("fingerprint", rec.Fingerprint),
		slog.String("strategy", strategy.Name),
		slog.Int("attempt", attempt.Attempt),
	)

	attempt.Result, attempt.Detail, attempt.BackupRef = e.execute(actx, rec, strategy, log)
	attempt.EndedAt = e.now()

	return e.Settle(rec, attempt), attempt
}

// Settle charges attempt to rec and applies the resulting transition: success fixes the
// record, a failure that exhausts the cycle's budget escalates it into cool-down, and any
// other failure leaves it open. Every path that ends an attempt goes through here,
// including attempts lost to a panic or a restart.
func (e *Executor) Settle(rec models.ErrorRecord, attempt models.RepairAttempt) models.ErrorRecord {
	rec = rec.Clone()
	log := e.logger.With(
		slog.String("target", rec.TargetID),
		slog.String("fingerprint", rec.Fingerprint),
		slog.String("strategy", attempt.Strategy),
		slog.Int("attempt", attempt.Attempt),
	)

	rec.AttemptCount++
	switch {
	case attempt.Result == models.ResultSuccess:
		rec.Status = models.StatusFixed
		rec.FixedAt = attempt.EndedAt
		log.Info("repair verified")
	case rec.CycleAttempts() >= e.policy.MaxAttempts:
		rec.Status = models.StatusCoolingDown
		rec.Escalations++
		rec.CooldownUntil = attempt.EndedAt.Add(e.policy.Cooldown)
		log.Warn("repair budget exhausted, escalating",
			slog.Int("escalations", rec.Escalations),
			slog.Time("cooldown_until", rec.CooldownUntil),
		)
	default:
		rec.Status = models.StatusOpen
		log.Info("repair attempt did not fix the target", slog.String("result", string(attempt.Result)), slog.String("detail", attempt.Detail))
	}

	rec.History = append(rec.History, attempt)
	if len(rec.History) > HistoryLimit {
		rec.History = append([]models.RepairAttempt(nil), rec.History[len(rec.History)-HistoryLimit:]...)
	}
	metrics.ObserveRepair(rec.Category, attempt.Result)
	return rec
}

func (e *Executor) execute(ctx context.Context, rec models.ErrorRecord, strategy Strategy, log *slog.Logger) (models.AttemptResult, string, string) {
	target, ok := e.targets[rec.TargetID]
	if !ok {
		return models.ResultFailure, "unknown target " + rec.TargetID, ""
	}

	var backupRef string
	if len(strategy.Paths) > 0 && e.snapshots != nil {
		id, err := e.snapshots.Take(strategy.WorkDir, strategy.Paths)
		if err != nil {
			log.Error("snapshot failed, skipping action", slog.String("error", err.Error()))
			return models.ResultFailure, "snapshot: " + err.Error(), ""
		}
		backupRef = id
	}

	if err := e.runAction(ctx, strategy); err != nil {
		log.Warn("repair action failed", slog.String("error", err.Error()))
		return e.rollback(backupRef, "action: "+err.Error(), log)
	}

	if e.onVerify != nil {
		e.onVerify()
	}
	results := e.prober.RunAll(ctx, []models.MonitorTarget{target})
	if len(results) == 1 && results[0].Success {
		return models.ResultSuccess, "verified by re-probe", backupRef
	}
	detail := "verification probe failed"
	if len(results) == 1 {
		detail += ": " + describe(results[0].Diagnostic)
	}
	return e.rollback(backupRef, detail, log)
}

func (e *Executor) rollback(backupRef, detail string, log *slog.Logger) (models.AttemptResult, string, string) {
	if backupRef == "" {
		return models.ResultFailure, detail, ""
	}
	if err := e.snapshots.Restore(backupRef); err != nil {
		log.Error("rollback failed", slog.String("backup", backupRef), slog.String("error", err.Error()))
		return models.ResultFailure, detail + "; rollback failed: " + err.Error(), backupRef
	}
	log.Info("rolled back", slog.String("backup", backupRef))
	return models.ResultRolledBack, detail, backupRef
}

func (e *Executor) runAction(ctx context.Context, strategy Strategy) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy panic: %v", r)
		}
	}()

	switch strategy.Kind {
	case KindCommand:
		out, runErr := e.commands.Run(ctx, strategy.Command, strategy.WorkDir)
		if runErr != nil {
			if errors.Is(runErr, context.DeadlineExceeded) {
				return fmt.Errorf("timed out")
			}
			return runErr
		}
		if out.ExitCode != 0 {
			return fmt.Errorf("exit %d: %s", out.ExitCode, lastLine(out.Output))
		}
		return nil
	case KindVCSPull:
		if e.syncer == nil {
			return fmt.Errorf("vcs-pull requires a configured vcs")
		}
		return e.syncer.Pull(ctx)
	default:
		return fmt.Errorf("unknown strategy kind %q", strategy.Kind)
	}
}

func describe(d models.Diagnostic) string {
	switch {
	case d.Error != "":
		return d.Error
	case d.HTTPStatus > 0:
		return fmt.Sprintf("http %d", d.HTTPStatus)
	default:
		return fmt.Sprintf("exit %d", d.ExitCode)
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
