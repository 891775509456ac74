package models

import "time"

// TargetKind enumerates the probe families the loop understands.
type TargetKind string

const (
	KindHTTPEndpoint TargetKind = "http-endpoint"
	KindBuildCheck   TargetKind = "build-check"
	KindTestSuite    TargetKind = "test-suite"
	KindVCSStatus    TargetKind = "vcs-status"
)

// Valid reports whether the kind is one of the known probe families.
func (k TargetKind) Valid() bool {
	switch k {
	case KindHTTPEndpoint, KindBuildCheck, KindTestSuite, KindVCSStatus:
		return true
	}
	return false
}

// MonitorTarget is an immutable probe definition loaded at start.
type MonitorTarget struct {
	ID           string
	Kind         TargetKind
	URL          string
	Command      string
	WorkDir      string
	Timeout      time.Duration
	ExpectStatus []int
}

// ExpectsStatus reports whether an HTTP status counts as healthy for the target.
func (t MonitorTarget) ExpectsStatus(code int) bool {
	if len(t.ExpectStatus) == 0 {
		return code >= 200 && code < 300
	}
	for _, want := range t.ExpectStatus {
		if want == code {
			return true
		}
	}
	return false
}

// ProbeResult is the outcome of one probe execution within one tick.
type ProbeResult struct {
	TargetID   string
	Kind       TargetKind
	Timestamp  time.Time
	Success    bool
	Latency    time.Duration
	Diagnostic Diagnostic
}

// Diagnostic carries the raw evidence behind a probe outcome.
type Diagnostic struct {
	HTTPStatus int
	ExitCode   int
	Excerpt    string
	Error      string
	TimedOut   bool
	// Transient marks timeouts and refused connections.
	Transient bool
	Dirty     bool
	Ahead     int
	Behind    int
}
