// Package patterns mines recurrence hotspots from the loop's error records.
package patterns

import (
	"log/slog"
	"sort"
	"time"

	"github.com/miradorstack/healloop/internal/models"
)

// Hotspot summarises how often one target has failed and how repairs went.
type Hotspot struct {
	TargetID       string          `json:"targetId"`
	Records        int             `json:"records"`
	Active         int             `json:"active"`
	Occurrences    int             `json:"occurrences"`
	Regressions    int             `json:"regressions"`
	Attempts       int             `json:"attempts"`
	FailedAttempts int             `json:"failedAttempts"`
	Escalations    int             `json:"escalations"`
	Prevalence     float64         `json:"prevalence"`
	LastSeen       time.Time       `json:"lastSeen"`
	Categories     []string        `json:"categories"`
	TopSignatures  []string        `json:"topSignatures"`
	Dominant       models.Category `json:"dominant"`
}

// Miner mines simple frequency-based hotspots from error records.
type Miner struct {
	logger *slog.Logger
}

// NewMiner constructs a Miner.
func NewMiner(logger *slog.Logger) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Miner{logger: logger}
}

// Mine aggregates records by target, most troublesome target first.
func (m *Miner) Mine(records []models.ErrorRecord) []Hotspot {
	if len(records) == 0 {
		return nil
	}

	stats := make(map[string]*targetAggregate)
	for _, rec := range records {
		agg := ensureAggregate(stats, rec.TargetID)
		agg.records++
		if rec.Active() {
			agg.active++
		}
		agg.occurrences += rec.Occurrences
		agg.regressions += rec.Regressions
		agg.attempts += rec.AttemptCount
		agg.escalations += rec.Escalations
		for _, a := range rec.History {
			if a.Result != models.ResultSuccess {
				agg.failedAttempts++
			}
		}
		if rec.LastSeen.After(agg.lastSeen) {
			agg.lastSeen = rec.LastSeen
		}
		agg.categoryCounts[rec.Category]++
		if rec.Signature != "" {
			agg.signatureCounts[rec.Signature] += rec.Occurrences
		}
	}

	hotspots := make([]Hotspot, 0, len(stats))
	for target, agg := range stats {
		h := Hotspot{
			TargetID:       target,
			Records:        agg.records,
			Active:         agg.active,
			Occurrences:    agg.occurrences,
			Regressions:    agg.regressions,
			Attempts:       agg.attempts,
			FailedAttempts: agg.failedAttempts,
			Escalations:    agg.escalations,
			Prevalence:     float64(agg.records) / float64(len(records)),
			LastSeen:       agg.lastSeen,
			TopSignatures:  agg.topSignatures(3),
		}
		h.Categories, h.Dominant = agg.categories()
		hotspots = append(hotspots, h)
	}

	sort.Slice(hotspots, func(i, j int) bool {
		a, b := hotspots[i], hotspots[j]
		if a.score() != b.score() {
			return a.score() > b.score()
		}
		return a.TargetID < b.TargetID
	})

	m.logger.Debug("hotspots mined", slog.Int("records", len(records)), slog.Int("targets", len(hotspots)))
	return hotspots
}

// score weights regressions and escalations above plain recurrence.
func (h Hotspot) score() int {
	return h.Occurrences + 5*h.Regressions + 10*h.Escalations
}

type targetAggregate struct {
	records         int
	active          int
	occurrences     int
	regressions     int
	attempts        int
	failedAttempts  int
	escalations     int
	lastSeen        time.Time
	categoryCounts  map[models.Category]int
	signatureCounts map[string]int
}

func ensureAggregate(m map[string]*targetAggregate, target string) *targetAggregate {
	if target == "" {
		target = "unknown"
	}
	agg, ok := m[target]
	if !ok {
		agg = &targetAggregate{
			categoryCounts:  make(map[models.Category]int),
			signatureCounts: make(map[string]int),
		}
		m[target] = agg
	}
	return agg
}

func (agg *targetAggregate) topSignatures(limit int) []string {
	sigs := make([]string, 0, len(agg.signatureCounts))
	for sig := range agg.signatureCounts {
		sigs = append(sigs, sig)
	}
	sort.Slice(sigs, func(i, j int) bool {
		if agg.signatureCounts[sigs[i]] != agg.signatureCounts[sigs[j]] {
			return agg.signatureCounts[sigs[i]] > agg.signatureCounts[sigs[j]]
		}
		return sigs[i] < sigs[j]
	})
	if len(sigs) > limit {
		sigs = sigs[:limit]
	}
	return sigs
}

func (agg *targetAggregate) categories() ([]string, models.Category) {
	names := make([]string, 0, len(agg.categoryCounts))
	var dominant models.Category
	best := 0
	for cat, n := range agg.categoryCounts {
		names = append(names, string(cat))
		if n > best || (n == best && cat < dominant) {
			best, dominant = n, cat
		}
	}
	sort.Strings(names)
	return names, dominant
}
