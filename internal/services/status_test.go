package services

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/miradorstack/healloop/internal/models"
	"github.com/miradorstack/healloop/internal/utils"
)

type stateStub struct {
	state models.LoopState
	err   error
}

func (s stateStub) Load() (models.LoopState, error) { return s.state, s.err }

func scenarioState(now time.Time) models.LoopState {
	st := models.NewLoopState()
	st.Iteration = 1204
	st.TotalErrorsFixed = 3
	st.LastScan = now.Add(-5 * time.Second)
	st.Errors["a"] = models.ErrorRecord{
		Fingerprint: "a", TargetID: "api", Category: models.CategoryBackendHealth, Signature: "http:503",
		Status: models.StatusFixed, Occurrences: 1, FirstSeen: now.Add(-time.Minute), FixedAt: now,
	}
	st.Errors["d"] = models.ErrorRecord{
		Fingerprint: "d", TargetID: "docs", Category: models.CategoryUnclassified, Signature: "exit:1 mkdocs",
		Status: models.StatusOpen, Occurrences: 2, FirstSeen: now.Add(-2 * time.Minute), LastSeen: now,
	}
	st.Errors["w"] = models.ErrorRecord{
		Fingerprint: "w", TargetID: "web", Category: models.CategoryFrontendBuild, Signature: "exit:2 error ts####",
		Status: models.StatusCoolingDown, Occurrences: 3, AttemptCount: 3, Escalations: 1,
		FirstSeen: now.Add(-3 * time.Minute), CooldownUntil: now.Add(time.Hour),
	}
	st.RecentAttempts = []models.RepairAttempt{{TargetID: "api", Strategy: "restart-api", Attempt: 1, Result: models.ResultSuccess, EndedAt: now}}
	return st
}

func TestReportSummarisesState(t *testing.T) {
	now := time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)
	svc := NewStatusService(stateStub{state: scenarioState(now)}, utils.Discard())
	svc.now = func() time.Time { return now }

	report, err := svc.Report()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Iteration != 1204 || report.TotalErrorsFixed != 3 {
		t.Fatalf("unexpected counters: %+v", report)
	}
	if len(report.Open) != 1 || report.Open[0].TargetID != "docs" || report.Open[0].Repairable {
		t.Fatalf("expected unclassified docs record reported as open, got %+v", report.Open)
	}
	if len(report.CoolingDown) != 1 || report.CoolingDown[0].Attempts != 3 {
		t.Fatalf("expected cooling-down web record, got %+v", report.CoolingDown)
	}
	if report.Counts[models.StatusFixed] != 1 {
		t.Fatalf("expected 1 fixed record counted, got %v", report.Counts)
	}
	if !report.Degraded() || report.Healthy() {
		t.Fatalf("expected degraded, unhealthy report")
	}
	if len(report.Hotspots) != 3 {
		t.Fatalf("expected a hotspot per target, got %d", len(report.Hotspots))
	}
}

func TestWriteText(t *testing.T) {
	now := time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)
	svc := NewStatusService(nil, utils.Discard())
	svc.now = func() time.Time { return now }

	var buf bytes.Buffer
	if err := WriteText(&buf, svc.Build(scenarioState(now))); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"1,204", "5 seconds ago", "open (1)", "not repairable", "cooling down (1)", "restart-api", "repair budget exhausted for 1 record"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := WriteText(&buf, svc.Build(models.NewLoopState())); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.Contains(buf.String(), "last scan:          never") || !strings.Contains(buf.String(), "all targets healthy") {
		t.Fatalf("unexpected empty-state output:\n%s", buf.String())
	}
}

func TestReportWrapsLoadErrors(t *testing.T) {
	svc := NewStatusService(stateStub{err: errors.New("permission denied")}, utils.Discard())
	_, err := svc.Report()
	if err == nil || utils.OpOf(err) != "services.report" {
		t.Fatalf("expected services.report error, got %v", err)
	}
}
