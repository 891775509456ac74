// Package engine classifies failing probe results into error records and
// drives the detection side of the record lifecycle.
package engine

import (
	"log/slog"
	"sort"
	"time"

	"github.com/miradorstack/healloop/internal/models"
)

// Policy holds the classifier's share of the repair budget.
type Policy struct {
	// MaxRearms is how many times an expired cool-down may reopen a record
	// before it is escalated for good.
	MaxRearms int
}

// Classification is the outcome of one Classify call.
type Classification struct {
	// Records holds new or changed records keyed by fingerprint.
	Records map[string]models.ErrorRecord
	// Failing lists fingerprints observed failing in this tick, in target order.
	Failing []string
	// Fixed lists fingerprints that moved to fixed in this tick.
	Fixed []string
}

// Classifier is a deterministic, side-effect free rule table.
type Classifier struct {
	rules  []Rule
	policy Policy
	logger *slog.Logger
	now    func() time.Time
}

// NewClassifier constructs a Classifier. Pack rules are evaluated before the built-in rules.
func NewClassifier(pack []Rule, policy Policy, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{rules: pack, policy: policy, logger: logger, now: time.Now}
}

// Classify folds one tick of probe results into the prior records.
func (c *Classifier) Classify(results []models.ProbeResult, prior map[string]models.ErrorRecord) Classification {
	now := c.now()
	out := Classification{Records: make(map[string]models.ErrorRecord)}

	current := func(fp string) (models.ErrorRecord, bool) {
		if rec, ok := out.Records[fp]; ok {
			return rec, true
		}
		rec, ok := prior[fp]
		if ok {
			rec = rec.Clone()
		}
		return rec, ok
	}

	healthy := make(map[string]struct{}, len(results))
	for _, res := range results {
		if res.Success {
			healthy[res.TargetID] = struct{}{}
			continue
		}

		sig := Signature(res)
		fp := Fingerprint(res.TargetID, sig)
		rec, ok := current(fp)
		if !ok {
			category, confidence, ruleID := categorize(c.rules, res)
			rec = models.ErrorRecord{
				Fingerprint: fp,
				TargetID:    res.TargetID,
				Signature:   sig,
				Category:    category,
				Confidence:  confidence,
				RuleID:      ruleID,
				FirstSeen:   now,
				Status:      models.StatusOpen,
			}
			c.logger.Info("new error detected",
				slog.String("target", res.TargetID),
				slog.String("fingerprint", fp),
				slog.String("category", string(category)),
				slog.String("rule", ruleID),
			)
		} else if rec.Status == models.StatusFixed {
			rec.Status = models.StatusOpen
			rec.CycleBase = rec.AttemptCount
			rec.FixedAt = time.Time{}
			rec.Occurrences = 0
			rec.Regressions++
			c.logger.Warn("fixed error recurred, reopening",
				slog.String("target", res.TargetID),
				slog.String("fingerprint", fp),
				slog.Int("regressions", rec.Regressions),
			)
		}
		// Active records are only observed while their target keeps failing,
		// so Occurrences counts consecutive sightings.
		rec.Occurrences++
		rec.LastSeen = now
		rec.Transient = res.Diagnostic.Transient
		out.Records[fp] = rec
		out.Failing = append(out.Failing, fp)
	}

	for fp := range prior {
		rec, _ := current(fp)
		if rec.Status != models.StatusCoolingDown || now.Before(rec.CooldownUntil) {
			continue
		}
		if rec.Rearms < c.policy.MaxRearms {
			rec.Status = models.StatusOpen
			rec.CycleBase = rec.AttemptCount
			rec.Rearms++
			rec.CooldownUntil = time.Time{}
			c.logger.Info("cool-down expired, re-arming", slog.String("fingerprint", fp), slog.Int("rearms", rec.Rearms))
		} else {
			rec.Status = models.StatusEscalated
			c.logger.Warn("cool-down expired, escalating permanently", slog.String("fingerprint", fp), slog.String("target", rec.TargetID))
		}
		out.Records[fp] = rec
	}

	for fp := range prior {
		rec, _ := current(fp)
		if rec.Status == models.StatusFixed {
			continue
		}
		if _, ok := healthy[rec.TargetID]; !ok {
			continue
		}
		rec.Status = models.StatusFixed
		rec.FixedAt = now
		rec.CooldownUntil = time.Time{}
		out.Records[fp] = rec
		out.Fixed = append(out.Fixed, fp)
	}
	sort.Strings(out.Fixed)
	return out
}
