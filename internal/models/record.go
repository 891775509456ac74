package models

import "time"

// Category is the closed set of failure classes the classifier can emit.
type Category string

const (
	CategoryFrontendBuild     Category = "frontend-build"
	CategoryBackendHealth     Category = "backend-health"
	CategoryTestFailure       Category = "test-failure"
	CategoryVCSSync           Category = "vcs-sync"
	CategoryDependencyMissing Category = "dependency-missing"
	CategoryUnclassified      Category = "unclassified"
)

// Valid reports whether the category belongs to the closed enum.
func (c Category) Valid() bool {
	switch c {
	case CategoryFrontendBuild, CategoryBackendHealth, CategoryTestFailure,
		CategoryVCSSync, CategoryDependencyMissing, CategoryUnclassified:
		return true
	}
	return false
}

// Repairable reports whether records of this category may be handed to the repair executor.
// Unclassified failures are tracked and reported only.
func (c Category) Repairable() bool {
	return c.Valid() && c != CategoryUnclassified
}

// RecordStatus captures the lifecycle position of an ErrorRecord.
type RecordStatus string

const (
	StatusOpen        RecordStatus = "open"
	StatusRepairing   RecordStatus = "repairing"
	StatusCoolingDown RecordStatus = "cooling-down"
	StatusFixed       RecordStatus = "fixed"
	StatusEscalated   RecordStatus = "escalated"
)

// AttemptResult is the terminal outcome of a single repair attempt.
type AttemptResult string

const (
	ResultSuccess    AttemptResult = "success"
	ResultFailure    AttemptResult = "failure"
	ResultRolledBack AttemptResult = "rolled-back"
)

// ErrorRecord tracks a potentially recurring failure across ticks.
type ErrorRecord struct {
	Fingerprint   string          `json:"fingerprint"`
	TargetID      string          `json:"targetId"`
	Signature     string          `json:"signature"`
	Category      Category        `json:"category"`
	Confidence    float64         `json:"confidence"`
	RuleID        string          `json:"ruleId,omitempty"`
	FirstSeen     time.Time       `json:"firstSeen"`
	LastSeen      time.Time       `json:"lastSeen"`
	Occurrences   int             `json:"occurrences"`
	Transient     bool            `json:"transient,omitempty"`
	AttemptCount  int             `json:"attemptCount"`
	CycleBase     int             `json:"cycleBase"`
	Status        RecordStatus    `json:"status"`
	Escalations   int             `json:"escalations,omitempty"`
	Rearms        int             `json:"rearms,omitempty"`
	Regressions   int             `json:"regressions,omitempty"`
	CooldownUntil time.Time       `json:"cooldownUntil,omitempty"`
	FixedAt       time.Time       `json:"fixedAt,omitempty"`
	History       []RepairAttempt `json:"history,omitempty"`
}

// CycleAttempts returns the attempts spent in the current bounded cycle.
func (r ErrorRecord) CycleAttempts() int {
	n := r.AttemptCount - r.CycleBase
	if n < 0 {
		return 0
	}
	return n
}

// Active reports whether the record still needs attention.
func (r ErrorRecord) Active() bool {
	return r.Status != StatusFixed
}

// Clone returns a copy that shares no slices with the receiver.
func (r ErrorRecord) Clone() ErrorRecord {
	r.History = append([]RepairAttempt(nil), r.History...)
	return r
}

// RepairAttempt is one immutable execution of a repair strategy.
type RepairAttempt struct {
	ID          string        `json:"id"`
	Fingerprint string        `json:"fingerprint"`
	TargetID    string        `json:"targetId"`
	Attempt     int           `json:"attempt"`
	Strategy    string        `json:"strategy"`
	StartedAt   time.Time     `json:"startedAt"`
	EndedAt     time.Time     `json:"endedAt"`
	BackupRef   string        `json:"backupRef,omitempty"`
	Result      AttemptResult `json:"result"`
	Detail      string        `json:"detail,omitempty"`
}
