package models

import (
	"sort"
	"time"
)

// CurrentStateVersion is the schema version written into new snapshots.
const CurrentStateVersion = 1

// LoopState is the process-wide persisted snapshot.
type LoopState struct {
	Version          int                    `json:"version"`
	Iteration        int                    `json:"iteration"`
	TotalErrorsFixed int                    `json:"totalErrorsFixed"`
	LastScan         time.Time              `json:"lastScan"`
	Errors           map[string]ErrorRecord `json:"errors"`
	RecentAttempts   []RepairAttempt        `json:"recentAttempts,omitempty"`
}

// NewLoopState returns an empty initial state.
func NewLoopState() LoopState {
	return LoopState{
		Version: CurrentStateVersion,
		Errors:  make(map[string]ErrorRecord),
	}
}

// Clone deep-copies the state so a tick can work on it without touching the committed copy.
func (s LoopState) Clone() LoopState {
	out := s
	out.Errors = make(map[string]ErrorRecord, len(s.Errors))
	for fp, rec := range s.Errors {
		out.Errors[fp] = rec.Clone()
	}
	out.RecentAttempts = append([]RepairAttempt(nil), s.RecentAttempts...)
	return out
}

// AppendAttempt records an attempt summary, keeping at most window entries.
func (s *LoopState) AppendAttempt(attempt RepairAttempt, window int) {
	s.RecentAttempts = append(s.RecentAttempts, attempt)
	if window > 0 && len(s.RecentAttempts) > window {
		s.RecentAttempts = append([]RepairAttempt(nil), s.RecentAttempts[len(s.RecentAttempts)-window:]...)
	}
}

// RecordsByStatus returns the records in the given statuses ordered by first sighting.
func (s LoopState) RecordsByStatus(statuses ...RecordStatus) []ErrorRecord {
	want := make(map[RecordStatus]struct{}, len(statuses))
	for _, st := range statuses {
		want[st] = struct{}{}
	}
	out := make([]ErrorRecord, 0)
	for _, rec := range s.Errors {
		if _, ok := want[rec.Status]; ok {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].Fingerprint < out[j].Fingerprint
		}
		return out[i].FirstSeen.Before(out[j].FirstSeen)
	})
	return out
}
