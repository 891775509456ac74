// Package probe runs health checks against monitored targets.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/healloop/internal/metrics"
	"github.com/miradorstack/healloop/internal/models"
	"github.com/miradorstack/healloop/internal/utils"
	"github.com/miradorstack/healloop/internal/vcs"
)

const latencyWindow = 128

// Prober is what the loop and the repair verifier depend on.
type Prober interface {
	RunAll(ctx context.Context, targets []models.MonitorTarget) []models.ProbeResult
}

// Runner fans probes out over a bounded worker pool and fans results back in target order.
type Runner struct {
	http   HTTPBackend
	cmd    CommandBackend
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	latency map[string]*utils.LatencyTracker
}

// NewRunner wires the probe backends. Nil backends fall back to the net/http and os/exec defaults.
func NewRunner(httpBackend HTTPBackend, cmdBackend CommandBackend, logger *slog.Logger) *Runner {
	if httpBackend == nil {
		httpBackend = NewHTTPClient(0)
	}
	if cmdBackend == nil {
		cmdBackend = NewShellRunner()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		http:    httpBackend,
		cmd:     cmdBackend,
		logger:  logger,
		now:     time.Now,
		latency: make(map[string]*utils.LatencyTracker),
	}
}

// RunAll probes every target concurrently and returns once all of them have
// completed or timed out. The result slice is aligned with targets.
func (r *Runner) RunAll(ctx context.Context, targets []models.MonitorTarget) []models.ProbeResult {
	results := make([]models.ProbeResult, len(targets))
	if len(targets) == 0 {
		return results
	}

	var g errgroup.Group
	g.SetLimit(len(targets))
	for i, target := range targets {
		g.Go(func() error {
			results[i] = r.safeProbe(ctx, target)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// LatencyPercentile reports the p-th percentile of recent probe latencies for a target.
func (r *Runner) LatencyPercentile(targetID string, p float64) time.Duration {
	r.mu.Lock()
	tracker := r.latency[targetID]
	r.mu.Unlock()
	if tracker == nil {
		return 0
	}
	return tracker.Percentile(p)
}

func (r *Runner) safeProbe(ctx context.Context, target models.MonitorTarget) (res models.ProbeResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("probe panicked", slog.String("target", target.ID), slog.Any("panic", rec))
			res = models.ProbeResult{
				TargetID:   target.ID,
				Kind:       target.Kind,
				Timestamp:  r.now(),
				Diagnostic: models.Diagnostic{Error: fmt.Sprintf("probe panic: %v", rec), ExitCode: -1},
			}
		}
	}()
	return r.probe(ctx, target)
}

func (r *Runner) probe(parent context.Context, target models.MonitorTarget) models.ProbeResult {
	ctx := parent
	if target.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, target.Timeout)
		defer cancel()
	}

	started := r.now()
	res := models.ProbeResult{TargetID: target.ID, Kind: target.Kind, Timestamp: started}

	switch target.Kind {
	case models.KindHTTPEndpoint:
		r.probeHTTP(ctx, parent, target, &res)
	case models.KindBuildCheck, models.KindTestSuite, models.KindVCSStatus:
		r.probeCommand(ctx, parent, target, &res)
	default:
		res.Diagnostic.Error = fmt.Sprintf("unknown target kind %q", target.Kind)
	}

	res.Latency = r.now().Sub(started)
	r.observe(target.ID, res)
	return res
}

func (r *Runner) probeHTTP(ctx, parent context.Context, target models.MonitorTarget, res *models.ProbeResult) {
	resp, err := r.http.Get(ctx, target.URL)
	if err != nil {
		r.markError(ctx, parent, err, res)
		return
	}
	res.Diagnostic.HTTPStatus = resp.StatusCode
	res.Success = target.ExpectsStatus(resp.StatusCode)
	if !res.Success {
		res.Diagnostic.Excerpt = Excerpt(resp.Body)
	}
}

func (r *Runner) probeCommand(ctx, parent context.Context, target models.MonitorTarget, res *models.ProbeResult) {
	out, err := r.cmd.Run(ctx, target.Command, target.WorkDir)
	res.Diagnostic.ExitCode = out.ExitCode
	if err != nil {
		res.Diagnostic.Excerpt = Excerpt(out.Output)
		r.markError(ctx, parent, err, res)
		return
	}

	if target.Kind == models.KindVCSStatus {
		st := vcs.ParseStatus(out.Output)
		res.Diagnostic.Dirty = st.Dirty
		res.Diagnostic.Ahead = st.Ahead
		res.Diagnostic.Behind = st.Behind
		res.Success = out.ExitCode == 0 && st.Clean()
	} else {
		res.Success = out.ExitCode == 0
	}
	if !res.Success {
		res.Diagnostic.Excerpt = Excerpt(out.Output)
	}
}

// markError fills the diagnostic for a probe that did not produce a verdict.
func (r *Runner) markError(ctx, parent context.Context, err error, res *models.ProbeResult) {
	res.Success = false
	switch {
	case parent.Err() != nil:
		res.Diagnostic.Error = "canceled"
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || isTimeout(err):
		res.Diagnostic.Error = "timeout"
		res.Diagnostic.TimedOut = true
		res.Diagnostic.Transient = true
	default:
		res.Diagnostic.Error = err.Error()
		res.Diagnostic.Transient = isTransient(err)
	}
}

func (r *Runner) observe(targetID string, res models.ProbeResult) {
	r.mu.Lock()
	tracker, ok := r.latency[targetID]
	if !ok {
		tracker = utils.NewLatencyTracker(latencyWindow)
		r.latency[targetID] = tracker
	}
	r.mu.Unlock()
	tracker.Observe(res.Latency)
	metrics.ObserveProbe(targetID, res.Success, res.Latency)

	if !res.Success {
		r.logger.Debug("probe failed",
			slog.String("target", targetID),
			slog.Int("http_status", res.Diagnostic.HTTPStatus),
			slog.Int("exit_code", res.Diagnostic.ExitCode),
			slog.String("error", res.Diagnostic.Error),
			slog.Duration("latency", res.Latency),
		)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isTransient(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}

// Excerpt trims s to at most MaxExcerpt bytes, keeping the tail and a valid UTF-8 boundary.
func Excerpt(s string) string {
	if len(s) <= MaxExcerpt {
		return s
	}
	s = s[len(s)-MaxExcerpt:]
	for len(s) > 0 && !utf8.RuneStart(s[0]) {
		s = s[1:]
	}
	return s
}
