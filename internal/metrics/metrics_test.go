package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/miradorstack/healloop/internal/models"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register should tolerate duplicates: %v", err)
	}
}

func TestObserveTickNormalisesOutcome(t *testing.T) {
	before := testutil.ToFloat64(ticksTotal.WithLabelValues(OutcomeSkipped))
	ObserveTick(time.Second, "bogus")
	after := testutil.ToFloat64(ticksTotal.WithLabelValues(OutcomeSkipped))
	if after-before != 1 {
		t.Fatalf("expected unknown outcome counted as skipped, delta=%v", after-before)
	}
}

func TestRecordGauges(t *testing.T) {
	SetRecordCounts(map[models.RecordStatus]int{models.StatusOpen: 2, models.StatusCoolingDown: 1})
	if got := testutil.ToFloat64(records.WithLabelValues(string(models.StatusOpen))); got != 2 {
		t.Fatalf("expected 2 open, got %v", got)
	}
	SetRecordCounts(nil)
	if got := testutil.ToFloat64(records.WithLabelValues(string(models.StatusCoolingDown))); got != 0 {
		t.Fatalf("expected gauge reset to 0, got %v", got)
	}
}

func TestObserveRepairAndProbe(t *testing.T) {
	ObserveProbe("api", false, 20*time.Millisecond)
	if got := testutil.ToFloat64(probesTotal.WithLabelValues("api", probeFail)); got < 1 {
		t.Fatalf("expected failing probe counted, got %v", got)
	}
	ObserveRepair(models.CategoryBackendHealth, models.ResultSuccess)
	if got := testutil.ToFloat64(repairsTotal.WithLabelValues("backend-health", "success")); got < 1 {
		t.Fatalf("expected repair counted, got %v", got)
	}
}
