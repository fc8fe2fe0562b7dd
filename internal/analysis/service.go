// Package analysis wraps the external PR risk-analysis service behind a
// narrow interface. The service is slow and unreliable; the core never
// assumes its outputs are deterministic.
package analysis

import (
	"context"
	"errors"
	"time"
)

// Risk levels reported by the analysis service.
const (
	RiskNone     = "none"
	RiskLow      = "low"
	RiskModerate = "moderate"
	RiskCritical = "critical"
)

var (
	// ErrUnavailable marks a transient service failure: retry with backoff.
	ErrUnavailable = errors.New("analysis service unavailable")
	// ErrNotReady marks an analysis still in progress.
	ErrNotReady = errors.New("analysis not ready")
	// ErrAnalysisFailed marks a permanently failed analysis: the review
	// must fall back to mandatory human review.
	ErrAnalysisFailed = errors.New("analysis failed")
)

// Options tunes one submission.
type Options struct {
	// IncludeSuggestions asks the service to attach remediation text.
	IncludeSuggestions bool `json:"include_suggestions"`
	// ReviewID links the analysis back to the driving review.
	ReviewID string `json:"review_id,omitempty"`
}

// Result is a completed analysis.
type Result struct {
	AnalysisID  string   `json:"analysis_id"`
	RiskLevel   string   `json:"risk_level"`
	Clusters    []string `json:"clusters,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Confidence  float64  `json:"confidence"`
}

// Service is the external PR analysis capability.
type Service interface {
	// Submit starts an analysis and returns its id.
	Submit(ctx context.Context, prURL string, opts Options) (string, error)
	// FetchResult returns the completed result, ErrNotReady while the
	// analysis is still running, or ErrAnalysisFailed.
	FetchResult(ctx context.Context, analysisID string) (*Result, error)
	// ExportMarkdown renders a detailed report for an analysis.
	ExportMarkdown(ctx context.Context, analysisID string) (string, error)
	// FetchXP returns the XP the service awarded for a human-completed
	// review.
	FetchXP(ctx context.Context, reviewID string) (int, error)
}

// Backoff is a bounded exponential backoff schedule.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Retries int
}

// DefaultBackoff suits slow external analysis calls.
func DefaultBackoff() Backoff {
	return Backoff{Initial: 500 * time.Millisecond, Max: 15 * time.Second, Retries: 5}
}

// Delay returns the wait before attempt n (0-based), capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	return d
}

// Retry runs fn until it succeeds, fails permanently, or the schedule is
// exhausted. Only ErrUnavailable and ErrNotReady are retried.
func Retry(ctx context.Context, b Backoff, fn func() error) error {
	var err error
	for attempt := 0; attempt <= b.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.Delay(attempt - 1)):
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrUnavailable) && !errors.Is(err, ErrNotReady) {
			return err
		}
	}
	return err
}
