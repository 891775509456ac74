// Package services builds the user-facing status report of the repair loop.
package services

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/miradorstack/healloop/internal/models"
	"github.com/miradorstack/healloop/internal/patterns"
	"github.com/miradorstack/healloop/internal/utils"
)

const recentAttemptsInReport = 10

// StateReader loads the persisted loop state.
type StateReader interface {
	Load() (models.LoopState, error)
}

// RecordSummary is the reportable view of an ErrorRecord.
type RecordSummary struct {
	Fingerprint   string          `json:"fingerprint"`
	TargetID      string          `json:"targetId"`
	Category      models.Category `json:"category"`
	Signature     string          `json:"signature"`
	Occurrences   int             `json:"occurrences"`
	Attempts      int             `json:"attempts"`
	FirstSeen     time.Time       `json:"firstSeen"`
	LastSeen      time.Time       `json:"lastSeen"`
	CooldownUntil time.Time       `json:"cooldownUntil,omitempty"`
	Repairable    bool            `json:"repairable"`
}

// Report is a point-in-time view of the loop's progress.
type Report struct {
	GeneratedAt      time.Time                   `json:"generatedAt"`
	Iteration        int                         `json:"iteration"`
	TotalErrorsFixed int                         `json:"totalErrorsFixed"`
	LastScan         time.Time                   `json:"lastScan"`
	Counts           map[models.RecordStatus]int `json:"counts"`
	Open             []RecordSummary             `json:"open"`
	CoolingDown      []RecordSummary             `json:"coolingDown"`
	Escalated        []RecordSummary             `json:"escalated"`
	RecentAttempts   []models.RepairAttempt      `json:"recentAttempts"`
	Hotspots         []patterns.Hotspot          `json:"hotspots,omitempty"`
}

// Healthy reports whether nothing needs attention.
func (r Report) Healthy() bool {
	return len(r.Open) == 0 && len(r.CoolingDown) == 0 && len(r.Escalated) == 0
}

// Degraded reports whether some failure exhausted its repair budget.
func (r Report) Degraded() bool {
	return len(r.CoolingDown) > 0 || len(r.Escalated) > 0
}

// StatusService answers status queries from the persisted snapshot.
type StatusService struct {
	store  StateReader
	miner  *patterns.Miner
	logger *slog.Logger
	now    func() time.Time
}

// NewStatusService constructs the status facade.
func NewStatusService(store StateReader, logger *slog.Logger) *StatusService {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusService{
		store:  store,
		miner:  patterns.NewMiner(logger),
		logger: logger,
		now:    time.Now,
	}
}

// Report loads the latest snapshot and summarises it.
func (s *StatusService) Report() (Report, error) {
	if s.store == nil {
		return Report{}, utils.NewAppError("services.report", "state store not configured", nil)
	}
	state, err := s.store.Load()
	if err != nil {
		return Report{}, utils.NewAppError("services.report", "load state", err)
	}
	return s.Build(state), nil
}

// Build summarises an in-memory state.
func (s *StatusService) Build(state models.LoopState) Report {
	report := Report{
		GeneratedAt:      s.now(),
		Iteration:        state.Iteration,
		TotalErrorsFixed: state.TotalErrorsFixed,
		LastScan:         state.LastScan,
		Counts:           make(map[models.RecordStatus]int),
		Open:             summarize(state.RecordsByStatus(models.StatusOpen, models.StatusRepairing)),
		CoolingDown:      summarize(state.RecordsByStatus(models.StatusCoolingDown)),
		Escalated:        summarize(state.RecordsByStatus(models.StatusEscalated)),
	}
	all := make([]models.ErrorRecord, 0, len(state.Errors))
	for _, rec := range state.Errors {
		report.Counts[rec.Status]++
		all = append(all, rec)
	}
	attempts := state.RecentAttempts
	if len(attempts) > recentAttemptsInReport {
		attempts = attempts[len(attempts)-recentAttemptsInReport:]
	}
	report.RecentAttempts = append([]models.RepairAttempt(nil), attempts...)
	report.Hotspots = s.miner.Mine(all)
	return report
}

func summarize(records []models.ErrorRecord) []RecordSummary {
	out := make([]RecordSummary, 0, len(records))
	for _, rec := range records {
		out = append(out, RecordSummary{
			Fingerprint:   rec.Fingerprint,
			TargetID:      rec.TargetID,
			Category:      rec.Category,
			Signature:     rec.Signature,
			Occurrences:   rec.Occurrences,
			Attempts:      rec.CycleAttempts(),
			FirstSeen:     rec.FirstSeen,
			LastSeen:      rec.LastSeen,
			CooldownUntil: rec.CooldownUntil,
			Repairable:    rec.Category.Repairable(),
		})
	}
	return out
}

// WriteText renders the report for a terminal.
func WriteText(w io.Writer, r Report) error {
	var b strings.Builder
	lastScan := "never"
	if !r.LastScan.IsZero() {
		lastScan = humanize.RelTime(r.LastScan, r.GeneratedAt, "ago", "from now")
	}
	fmt.Fprintf(&b, "iteration:          %s\n", humanize.Comma(int64(r.Iteration)))
	fmt.Fprintf(&b, "errors fixed:       %s\n", humanize.Comma(int64(r.TotalErrorsFixed)))
	fmt.Fprintf(&b, "last scan:          %s\n", lastScan)

	section := func(title string, recs []RecordSummary) {
		if len(recs) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n%s (%d)\n", title, len(recs))
		for _, rec := range recs {
			fmt.Fprintf(&b, "  %-16s %-18s %s\n", rec.TargetID, rec.Category, truncate(rec.Signature, 60))
			fmt.Fprintf(&b, "  %-16s seen %s, first %s, %s\n", "",
				humanize.Plural(rec.Occurrences, "time", "times"),
				humanize.RelTime(rec.FirstSeen, r.GeneratedAt, "ago", "from now"),
				attemptsText(rec, r.GeneratedAt),
			)
		}
	}
	section("open", r.Open)
	section("cooling down", r.CoolingDown)
	section("escalated", r.Escalated)

	if len(r.RecentAttempts) > 0 {
		fmt.Fprintf(&b, "\nrecent attempts\n")
		for _, a := range r.RecentAttempts {
			fmt.Fprintf(&b, "  %s  %-12s %-20s #%d %s\n",
				humanize.RelTime(a.EndedAt, r.GeneratedAt, "ago", "from now"),
				a.TargetID, a.Strategy, a.Attempt, a.Result)
		}
	}
	if len(r.Hotspots) > 0 {
		fmt.Fprintf(&b, "\nhotspots\n")
		for _, h := range r.Hotspots {
			fmt.Fprintf(&b, "  %-16s %s, %s, %.0f%% of records\n", h.TargetID,
				humanize.Plural(h.Occurrences, "failure", "failures"),
				humanize.Plural(h.Regressions, "regression", "regressions"),
				h.Prevalence*100)
		}
	}
	switch {
	case r.Healthy():
		b.WriteString("\nall targets healthy\n")
	case r.Degraded():
		fmt.Fprintf(&b, "\nrepair budget exhausted for %s; needs attention\n",
			humanize.Plural(len(r.CoolingDown)+len(r.Escalated), "record", "records"))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func attemptsText(rec RecordSummary, now time.Time) string {
	switch {
	case !rec.Repairable:
		return "not repairable"
	case !rec.CooldownUntil.IsZero():
		return fmt.Sprintf("%s this cycle, retry %s", humanize.Plural(rec.Attempts, "attempt", "attempts"),
			humanize.RelTime(rec.CooldownUntil, now, "ago", "from now"))
	default:
		return humanize.Plural(rec.Attempts, "attempt", "attempts") + " this cycle"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
