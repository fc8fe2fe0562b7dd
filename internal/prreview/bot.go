package prreview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/botfactory/botfactory/internal/analysis"
	"github.com/botfactory/botfactory/internal/bot"
	"github.com/botfactory/botfactory/internal/bus"
	"github.com/botfactory/botfactory/internal/governance"
	"github.com/botfactory/botfactory/internal/knowledge"
)

// Kind is the bot kind registered with the orchestrator.
const Kind = "pr-review"

// Review metadata keys the bot reads.
const (
	MetaPRURL   = "pr_url"
	MetaPRState = "pr_state"
)

// Options wires the runner's collaborators.
type Options struct {
	Governance *governance.Manager
	Analysis   analysis.Service
	Knowledge  knowledge.Store
	// Reviewers is the human queue integrations are assigned to when the
	// bot cannot decide on its own.
	Reviewers []string
	// ConfidenceThreshold gates auto-approval for low/none risk.
	ConfidenceThreshold float64
	Backoff             analysis.Backoff
}

// DataPoint is the record stored in the knowledge store for every completed
// analysis.
type DataPoint struct {
	PRURL       string   `json:"pr_url"`
	AnalysisID  string   `json:"analysis_id"`
	ReviewID    string   `json:"review_id"`
	RiskLevel   string   `json:"risk_level"`
	Clusters    []string `json:"clusters,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Confidence  float64  `json:"confidence"`
	Action      string   `json:"action"`
	ReviewerXP  int      `json:"reviewer_xp,omitempty"`
}

// botState is the persisted runner state. Tracking handled reviews keeps
// restarts from re-submitting analyses or re-applying decisions.
type botState struct {
	// InFlight maps review id to the submitted analysis id.
	InFlight map[string]string `json:"in_flight,omitempty"`
	// Handled maps review id to the action taken.
	Handled map[string]string `json:"handled,omitempty"`
}

// Runner is the pr-review bot behavior.
type Runner struct {
	opts Options

	mu    sync.Mutex
	state botState
}

// NewRunner creates the pr-review runner.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Governance == nil || opts.Analysis == nil {
		return nil, fmt.Errorf("pr-review runner requires governance and analysis")
	}
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = 0.85
	}
	if opts.Backoff.Retries == 0 {
		opts.Backoff = analysis.DefaultBackoff()
	}
	return &Runner{
		opts:  opts,
		state: botState{InFlight: map[string]string{}, Handled: map[string]string{}},
	}, nil
}

// Init resumes persisted state and subscribes to completed reviews for XP
// crediting.
func (r *Runner) Init(ctx context.Context, b *bot.Bot) error {
	rec, err := b.LoadState()
	if err != nil {
		return err
	}
	if rec.Payload != "" {
		var st botState
		if err := json.Unmarshal([]byte(rec.Payload), &st); err != nil {
			return fmt.Errorf("corrupt bot state (version %d): %w", rec.Version, err)
		}
		if st.InFlight == nil {
			st.InFlight = map[string]string{}
		}
		if st.Handled == nil {
			st.Handled = map[string]string{}
		}
		r.mu.Lock()
		r.state = st
		r.mu.Unlock()
	}

	b.Events().Subscribe(bus.EventReviewCompleted, b.ID(), func(e *bus.Event) error {
		return r.onReviewCompleted(context.Background(), e)
	})
	return nil
}

// Tick polls open integration reviews and drives them from analysis.
func (r *Runner) Tick(ctx context.Context, b *bot.Bot) error {
	reviews := r.opts.Governance.PendingIntegrationReviews()
	var firstErr error
	changed := false
	for _, review := range reviews {
		prURL := review.Metadata[MetaPRURL]
		if prURL == "" {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		did, err := r.handleReview(ctx, b, review, prURL)
		changed = changed || did
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if changed {
		if err := r.saveState(b); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Cleanup persists state. In-flight external calls are abandoned
// best-effort; their analysis ids survive in state for the next run.
func (r *Runner) Cleanup(ctx context.Context, b *bot.Bot) error {
	return r.saveState(b)
}

func (r *Runner) saveState(b *bot.Bot) error {
	r.mu.Lock()
	payload, err := json.Marshal(r.state)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if _, err := b.SaveState(string(payload)); err != nil {
		return fmt.Errorf("persist pr-review state: %w", err)
	}
	return nil
}

func (r *Runner) handled(reviewID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.state.Handled[reviewID]
	return ok
}

func (r *Runner) markHandled(reviewID, action string) {
	r.mu.Lock()
	r.state.Handled[reviewID] = action
	delete(r.state.InFlight, reviewID)
	r.mu.Unlock()
}

// handleReview advances one review. Returns whether persisted state changed.
func (r *Runner) handleReview(ctx context.Context, b *bot.Bot, review governance.Review, prURL string) (bool, error) {
	if r.handled(review.ID) {
		return false, nil
	}
	// Already waiting on a human somewhere else.
	if review.Substate != "" {
		return false, nil
	}

	// A closed PR cancels the review and its integration.
	if review.Metadata[MetaPRState] == "closed" {
		if _, err := r.opts.Governance.CancelReview(ctx, review.ID, "pull request closed"); err != nil {
			return false, fmt.Errorf("cancel review %s: %w", review.ID, err)
		}
		r.markHandled(review.ID, "cancelled")
		return true, nil
	}

	r.mu.Lock()
	analysisID := r.state.InFlight[review.ID]
	r.mu.Unlock()

	submitted := false
	if analysisID == "" {
		var err error
		analysisID, err = r.submit(ctx, review.ID, prURL)
		if err != nil {
			return r.failAnalysis(ctx, review, err)
		}
		r.mu.Lock()
		r.state.InFlight[review.ID] = analysisID
		r.mu.Unlock()
		submitted = true
	}

	res, err := r.fetch(ctx, analysisID)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Shutdown mid-poll: leave the analysis in flight.
			return true, nil
		}
		if errors.Is(err, analysis.ErrNotReady) {
			// Still running on a healthy service. Keep it in flight and
			// poll again next tick instead of declaring failure.
			slog.Info("PR analysis still running", "review_id", review.ID, "analysis_id", analysisID)
			return submitted, nil
		}
		return r.failAnalysis(ctx, review, err)
	}

	decision := Decide(res, r.opts.ConfidenceThreshold)
	if err := r.apply(ctx, review, prURL, res, decision); err != nil {
		return true, err
	}
	r.storeDataPoint(ctx, review.ID, prURL, res, decision)
	r.markHandled(review.ID, decision.Action)
	slog.Info("PR review decided", "review_id", review.ID, "risk", res.RiskLevel,
		"confidence", res.Confidence, "action", decision.Action)
	return true, nil
}

func (r *Runner) submit(ctx context.Context, reviewID, prURL string) (string, error) {
	var id string
	err := analysis.Retry(ctx, r.opts.Backoff, func() error {
		var err error
		id, err = r.opts.Analysis.Submit(ctx, prURL, analysis.Options{
			IncludeSuggestions: true,
			ReviewID:           reviewID,
		})
		return err
	})
	return id, err
}

func (r *Runner) fetch(ctx context.Context, analysisID string) (*analysis.Result, error) {
	var res *analysis.Result
	err := analysis.Retry(ctx, r.opts.Backoff, func() error {
		var err error
		res, err = r.opts.Analysis.FetchResult(ctx, analysisID)
		return err
	})
	return res, err
}

// failAnalysis handles retry exhaustion: the review is marked
// analysis_failed and routed to mandatory human review. Never a silent
// auto-approve.
func (r *Runner) failAnalysis(ctx context.Context, review governance.Review, cause error) (bool, error) {
	slog.Warn("PR analysis failed, forcing human review", "review_id", review.ID, "error", cause)
	if _, err := r.opts.Governance.MarkAnalysisFailed(review.ID, cause.Error()); err != nil {
		return false, fmt.Errorf("mark analysis failed: %w", err)
	}
	if len(r.opts.Reviewers) > 0 {
		if _, err := r.opts.Governance.AssignReviewers(review.ID, r.opts.Reviewers); err != nil {
			return true, fmt.Errorf("assign human reviewers: %w", err)
		}
	}
	r.markHandled(review.ID, "analysis_failed")
	return true, fmt.Errorf("analysis for review %s: %w", review.ID, cause)
}

func (r *Runner) apply(ctx context.Context, review governance.Review, prURL string, res *analysis.Result, decision Decision) error {
	gov := r.opts.Governance
	switch decision.Action {
	case ActionAutoReject:
		report := r.buildReport(ctx, prURL, res, decision)
		rationale := decision.Reason + "; see attached report"
		if _, err := gov.RejectIntegration(ctx, review.ID, Kind, rationale); err != nil {
			return fmt.Errorf("auto-reject review %s: %w", review.ID, err)
		}
		r.storeReport(ctx, review.ID, report)
		return nil
	case ActionAutoApprove:
		if _, err := gov.ApproveIntegration(ctx, review.ID, Kind, decision.Reason); err != nil {
			return fmt.Errorf("auto-approve review %s: %w", review.ID, err)
		}
		return nil
	case ActionHumanQueue, ActionFlagHuman:
		if len(r.opts.Reviewers) > 0 {
			if _, err := gov.AssignReviewers(review.ID, r.opts.Reviewers); err != nil {
				return fmt.Errorf("assign reviewers for %s: %w", review.ID, err)
			}
		}
		reason := decision.Reason
		if len(res.Suggestions) > 0 {
			reason += fmt.Sprintf(" (%d suggestions attached)", len(res.Suggestions))
		}
		if _, err := gov.FlagForHumanReview(review.ID, reason); err != nil {
			return fmt.Errorf("flag review %s: %w", review.ID, err)
		}
		return nil
	}
	return fmt.Errorf("unknown decision action %q", decision.Action)
}

func (r *Runner) buildReport(ctx context.Context, prURL string, res *analysis.Result, decision Decision) string {
	serviceMD, err := r.opts.Analysis.ExportMarkdown(ctx, res.AnalysisID)
	if err != nil {
		slog.Warn("Report export failed", "analysis_id", res.AnalysisID, "error", err)
		serviceMD = ""
	}
	return BuildReport(prURL, res, decision, serviceMD)
}

func (r *Runner) storeReport(ctx context.Context, reviewID, report string) {
	if r.opts.Knowledge == nil {
		return
	}
	if _, err := r.opts.Knowledge.Store(ctx, knowledge.Record{
		Kind:     knowledge.KindPRReview,
		EntityID: reviewID,
		Summary:  "auto-rejected: critical risk report",
		Outcome:  governance.ReviewRejected,
		Payload:  report,
	}); err != nil {
		slog.Warn("Report store failed", "review_id", reviewID, "error", err)
	}
}

func (r *Runner) storeDataPoint(ctx context.Context, reviewID, prURL string, res *analysis.Result, decision Decision) {
	if r.opts.Knowledge == nil {
		return
	}
	dp := DataPoint{
		PRURL:       prURL,
		AnalysisID:  res.AnalysisID,
		ReviewID:    reviewID,
		RiskLevel:   res.RiskLevel,
		Clusters:    res.Clusters,
		Suggestions: res.Suggestions,
		Confidence:  res.Confidence,
		Action:      decision.Action,
	}
	payload, _ := json.Marshal(dp)
	if _, err := r.opts.Knowledge.Store(ctx, knowledge.Record{
		Kind:     knowledge.KindDataPoint,
		EntityID: reviewID,
		Summary:  fmt.Sprintf("pr analysis %s risk %s action %s", prURL, res.RiskLevel, decision.Action),
		Outcome:  decision.Action,
		Tags:     res.Clusters,
		Payload:  string(payload),
	}); err != nil {
		slog.Warn("Data point store failed", "review_id", reviewID, "error", err)
	}
}

// onReviewCompleted credits reviewer XP for human-completed reviews. The
// governance ledger makes crediting idempotent per review id, so event
// redelivery never double-credits.
func (r *Runner) onReviewCompleted(ctx context.Context, e *bus.Event) error {
	human, _ := e.Payload["human"].(bool)
	status, _ := e.Payload["status"].(string)
	reviewID, _ := e.Payload["review_id"].(string)
	actor, _ := e.Payload["actor"].(string)
	if !human || reviewID == "" || actor == "" {
		return nil
	}
	if status != governance.ReviewApproved && status != governance.ReviewRejected {
		return nil
	}

	var xp int
	err := analysis.Retry(ctx, r.opts.Backoff, func() error {
		var err error
		xp, err = r.opts.Analysis.FetchXP(ctx, reviewID)
		return err
	})
	if err != nil {
		return fmt.Errorf("fetch xp for review %s: %w", reviewID, err)
	}
	if xp <= 0 {
		return nil
	}
	if _, err := r.opts.Governance.CreditXP(reviewID, actor, xp); err != nil {
		return fmt.Errorf("credit xp for review %s: %w", reviewID, err)
	}
	return nil
}
