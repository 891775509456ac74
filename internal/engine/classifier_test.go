package engine

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/miradorstack/healloop/internal/models"
	"github.com/miradorstack/healloop/internal/utils"
)

var t0 = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

func newTestClassifier(policy Policy, at time.Time) *Classifier {
	c := NewClassifier(nil, policy, utils.Discard())
	c.now = func() time.Time { return at }
	return c
}

func failingHTTP(id string, status int) models.ProbeResult {
	return models.ProbeResult{TargetID: id, Kind: models.KindHTTPEndpoint, Diagnostic: models.Diagnostic{HTTPStatus: status}}
}

func healthy(id string, kind models.TargetKind) models.ProbeResult {
	return models.ProbeResult{TargetID: id, Kind: kind, Success: true}
}

func TestClassifyCreatesOpenRecord(t *testing.T) {
	c := newTestClassifier(Policy{}, t0)
	out := c.Classify([]models.ProbeResult{failingHTTP("api", 503)}, nil)

	fp := Fingerprint("api", "http:503")
	want := models.ErrorRecord{
		Fingerprint: fp,
		TargetID:    "api",
		Signature:   "http:503",
		Category:    models.CategoryBackendHealth,
		Confidence:  0.75,
		RuleID:      "builtin.backend-health",
		FirstSeen:   t0,
		LastSeen:    t0,
		Occurrences: 1,
		Status:      models.StatusOpen,
	}
	if diff := cmp.Diff(map[string]models.ErrorRecord{fp: want}, out.Records); diff != "" {
		t.Fatalf("unexpected records (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{fp}, out.Failing); diff != "" {
		t.Fatalf("unexpected failing list (-want +got):\n%s", diff)
	}
	if len(out.Fixed) != 0 {
		t.Fatalf("expected nothing fixed, got %v", out.Fixed)
	}
}

func TestClassifyUpdatesExistingWithoutTouchingBudget(t *testing.T) {
	fp := Fingerprint("api", "http:503")
	prior := map[string]models.ErrorRecord{fp: {
		Fingerprint: fp, TargetID: "api", Signature: "http:503", Category: models.CategoryBackendHealth,
		FirstSeen: t0, LastSeen: t0, Occurrences: 2, AttemptCount: 1, Status: models.StatusOpen,
	}}
	later := t0.Add(5 * time.Second)
	out := newTestClassifier(Policy{}, later).Classify([]models.ProbeResult{failingHTTP("api", 503)}, prior)

	rec := out.Records[fp]
	if rec.Occurrences != 3 || !rec.LastSeen.Equal(later) || rec.AttemptCount != 1 || rec.Status != models.StatusOpen {
		t.Fatalf("unexpected update: %+v", rec)
	}
	if prior[fp].Occurrences != 2 {
		t.Fatalf("prior map must not be mutated")
	}
}

func TestClassifyMarksRecoveredTargetsFixed(t *testing.T) {
	fpAPI := Fingerprint("api", "http:503")
	fpRepo := Fingerprint("repo", "vcs:dirty")
	prior := map[string]models.ErrorRecord{
		fpAPI:  {Fingerprint: fpAPI, TargetID: "api", Status: models.StatusOpen},
		fpRepo: {Fingerprint: fpRepo, TargetID: "repo", Status: models.StatusOpen},
	}
	// repo was not probed this tick and must be left alone.
	out := newTestClassifier(Policy{}, t0).Classify([]models.ProbeResult{healthy("api", models.KindHTTPEndpoint)}, prior)

	if diff := cmp.Diff([]string{fpAPI}, out.Fixed); diff != "" {
		t.Fatalf("unexpected fixed list (-want +got):\n%s", diff)
	}
	if got := out.Records[fpAPI]; got.Status != models.StatusFixed || !got.FixedAt.Equal(t0) {
		t.Fatalf("expected api fixed, got %+v", got)
	}
	if _, touched := out.Records[fpRepo]; touched {
		t.Fatalf("unprobed target record must not change")
	}
}

func TestClassifyReopensRegression(t *testing.T) {
	fp := Fingerprint("api", "http:503")
	prior := map[string]models.ErrorRecord{fp: {
		Fingerprint: fp, TargetID: "api", Signature: "http:503", Status: models.StatusFixed,
		AttemptCount: 2, CycleBase: 0, Occurrences: 4, FixedAt: t0,
	}}
	out := newTestClassifier(Policy{}, t0.Add(time.Minute)).Classify([]models.ProbeResult{failingHTTP("api", 503)}, prior)

	rec := out.Records[fp]
	if rec.Status != models.StatusOpen || rec.CycleBase != 2 || rec.CycleAttempts() != 0 {
		t.Fatalf("expected reopened record with fresh cycle, got %+v", rec)
	}
	if rec.Regressions != 1 || rec.Occurrences != 1 || !rec.FixedAt.IsZero() {
		t.Fatalf("unexpected regression bookkeeping: %+v", rec)
	}
}

func TestCooldownExpiry(t *testing.T) {
	fp := Fingerprint("api", "http:503")
	cooling := models.ErrorRecord{
		Fingerprint: fp, TargetID: "api", Status: models.StatusCoolingDown,
		AttemptCount: 3, CooldownUntil: t0.Add(time.Hour), Escalations: 1,
	}
	prior := map[string]models.ErrorRecord{fp: cooling}
	results := []models.ProbeResult{failingHTTP("api", 503)}

	before := newTestClassifier(Policy{MaxRearms: 1}, t0.Add(30*time.Minute)).Classify(results, prior)
	if got := before.Records[fp].Status; got != models.StatusCoolingDown {
		t.Fatalf("expected still cooling down, got %s", got)
	}

	rearmed := newTestClassifier(Policy{MaxRearms: 1}, t0.Add(time.Hour)).Classify(results, prior)
	rec := rearmed.Records[fp]
	if rec.Status != models.StatusOpen || rec.Rearms != 1 || rec.CycleBase != 3 || !rec.CooldownUntil.IsZero() {
		t.Fatalf("expected re-armed record, got %+v", rec)
	}

	cooling.Rearms = 1
	prior[fp] = cooling
	escalated := newTestClassifier(Policy{MaxRearms: 1}, t0.Add(2*time.Hour)).Classify(results, prior)
	if got := escalated.Records[fp].Status; got != models.StatusEscalated {
		t.Fatalf("expected permanent escalation, got %s", got)
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	results := []models.ProbeResult{
		failingHTTP("api", 500),
		{TargetID: "web", Kind: models.KindBuildCheck, Diagnostic: models.Diagnostic{ExitCode: 1, Excerpt: "src/app.ts(12,3): error TS2304: Cannot find name 'x'"}},
	}
	a := newTestClassifier(Policy{}, t0).Classify(results, nil)
	b := newTestClassifier(Policy{}, t0).Classify(results, nil)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("classification not deterministic:\n%s", diff)
	}
}
