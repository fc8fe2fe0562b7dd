package governance

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ApprovalPolicy decides whether the submitted votes settle a review.
// Done=false leaves the review in_review awaiting more votes.
type ApprovalPolicy interface {
	Decide(r *Review) (verdict string, done bool)
	Name() string
}

// Policy names accepted in configuration.
const (
	PolicyUnanimous      = "unanimous"
	PolicySingleCritical = "single-critical"
)

// PolicyByName resolves a configured policy name. criticalReviewers only
// applies to single-critical.
func PolicyByName(name string, criticalReviewers []string) (ApprovalPolicy, error) {
	switch name {
	case "", PolicyUnanimous:
		return UnanimousPolicy{}, nil
	case PolicySingleCritical:
		set := make(map[string]bool, len(criticalReviewers))
		for _, r := range criticalReviewers {
			set[r] = true
		}
		return SingleCriticalPolicy{Critical: set}, nil
	}
	return nil, fmt.Errorf("%w: unknown approval policy %q", ErrInvalidInput, name)
}

// UnanimousPolicy approves only once every assigned reviewer approved; any
// single reject settles the review as rejected.
type UnanimousPolicy struct{}

func (UnanimousPolicy) Name() string { return PolicyUnanimous }

func (UnanimousPolicy) Decide(r *Review) (string, bool) {
	for _, v := range r.Votes {
		if v.Verdict == VerdictReject {
			return VerdictReject, true
		}
	}
	approvals := make(map[string]bool)
	for _, v := range r.Votes {
		if v.Verdict == VerdictApprove {
			approvals[v.Reviewer] = true
		}
	}
	for _, reviewer := range r.Reviewers {
		if !approvals[reviewer] {
			return "", false
		}
	}
	return VerdictApprove, true
}

// SingleCriticalPolicy settles the review on the first vote from a critical
// approver. With no critical set configured, any reviewer's first vote
// settles it.
type SingleCriticalPolicy struct {
	Critical map[string]bool
}

func (SingleCriticalPolicy) Name() string { return PolicySingleCritical }

func (p SingleCriticalPolicy) Decide(r *Review) (string, bool) {
	for _, v := range r.Votes {
		if len(p.Critical) == 0 || p.Critical[v.Reviewer] {
			return v.Verdict, true
		}
	}
	return "", false
}

// Pipeline is the generic approval-workflow state machine. Mutation is
// serialized through Manager.
type Pipeline struct {
	reviews map[string]*Review
}

// NewPipeline creates an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{reviews: make(map[string]*Review)}
}

func validReviewType(t string) bool {
	switch t {
	case ReviewTypeIntegration, ReviewTypeSecurity, ReviewTypeQuality,
		ReviewTypeArchitecture, ReviewTypeCompliance:
		return true
	}
	return false
}

func validPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// createReview starts a review at pending.
func (p *Pipeline) createReview(reviewType, priority string, metadata map[string]string) (*Review, error) {
	if !validReviewType(reviewType) {
		return nil, fmt.Errorf("%w: review type %q", ErrInvalidInput, reviewType)
	}
	if priority == "" {
		priority = PriorityMedium
	}
	if !validPriority(priority) {
		return nil, fmt.Errorf("%w: priority %q", ErrInvalidInput, priority)
	}
	r := &Review{
		ID:        uuid.NewString(),
		Type:      reviewType,
		Priority:  priority,
		Status:    ReviewPending,
		Metadata:  metadata,
		Version:   1,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	p.reviews[r.ID] = r
	return r, nil
}

// assignReviewers moves pending -> in_review. Idempotent once in_review:
// re-assigning the same set is a no-op, new reviewers are merged.
func (p *Pipeline) assignReviewers(id string, reviewers []string) (*Review, error) {
	r, ok := p.reviews[id]
	if !ok {
		return nil, fmt.Errorf("%w: review %s", ErrNotFound, id)
	}
	if r.Terminal() {
		return nil, fmt.Errorf("%w: review %s is %s", ErrTerminalState, id, r.Status)
	}
	if len(reviewers) == 0 {
		return nil, fmt.Errorf("%w: at least one reviewer required", ErrInvalidInput)
	}

	existing := make(map[string]bool, len(r.Reviewers))
	for _, rv := range r.Reviewers {
		existing[rv] = true
	}
	changed := false
	for _, rv := range reviewers {
		rv = strings.TrimSpace(rv)
		if rv == "" || existing[rv] {
			continue
		}
		r.Reviewers = append(r.Reviewers, rv)
		existing[rv] = true
		changed = true
	}
	if r.Status == ReviewPending {
		r.Status = ReviewInReview
		changed = true
	}
	if changed {
		r.Version++
		r.UpdatedAt = time.Now()
	}
	return r, nil
}

// submitDecision records one reviewer's verdict and applies the policy.
// Returns the review and whether it just reached a terminal status.
func (p *Pipeline) submitDecision(id, reviewer, verdict, rationale string, policy ApprovalPolicy) (*Review, bool, error) {
	r, ok := p.reviews[id]
	if !ok {
		return nil, false, fmt.Errorf("%w: review %s", ErrNotFound, id)
	}
	if r.Terminal() {
		return nil, false, fmt.Errorf("%w: review %s is %s", ErrTerminalState, id, r.Status)
	}
	if r.Status != ReviewInReview {
		return nil, false, fmt.Errorf("%w: review %s has no reviewers assigned", ErrInvalidInput, id)
	}
	if verdict != VerdictApprove && verdict != VerdictReject {
		return nil, false, fmt.Errorf("%w: verdict %q", ErrInvalidInput, verdict)
	}
	if verdict == VerdictReject && strings.TrimSpace(rationale) == "" {
		return nil, false, fmt.Errorf("%w: rejection requires a rationale", ErrInvalidInput)
	}
	assigned := false
	for _, rv := range r.Reviewers {
		if rv == reviewer {
			assigned = true
			break
		}
	}
	if !assigned {
		return nil, false, fmt.Errorf("%w: %s is not an assigned reviewer", ErrInvalidInput, reviewer)
	}
	if r.HasVote(reviewer) {
		return nil, false, fmt.Errorf("%w: %s already voted", ErrInvalidInput, reviewer)
	}

	r.Votes = append(r.Votes, Vote{
		Reviewer:  reviewer,
		Verdict:   verdict,
		Rationale: rationale,
		At:        time.Now(),
	})
	r.Version++
	r.UpdatedAt = time.Now()

	final, done := policy.Decide(r)
	if !done {
		return r, false, nil
	}
	switch final {
	case VerdictApprove:
		r.Status = ReviewApproved
	case VerdictReject:
		r.Status = ReviewRejected
	}
	r.Rationale = rationale
	r.Substate = ""
	r.Version++
	r.UpdatedAt = time.Now()
	return r, true, nil
}

// cancel moves pending/in_review -> cancelled.
func (p *Pipeline) cancel(id, rationale string) (*Review, error) {
	r, ok := p.reviews[id]
	if !ok {
		return nil, fmt.Errorf("%w: review %s", ErrNotFound, id)
	}
	if r.Status == ReviewCancelled {
		return r, nil
	}
	if r.Terminal() {
		return nil, fmt.Errorf("%w: review %s is %s", ErrTerminalState, id, r.Status)
	}
	r.Status = ReviewCancelled
	r.Rationale = rationale
	r.Substate = ""
	r.Version++
	r.UpdatedAt = time.Now()
	return r, nil
}

// reset is the audited path out of a terminal state, back to pending with
// votes cleared. A non-empty rationale is mandatory.
func (p *Pipeline) reset(id, rationale string) (*Review, error) {
	r, ok := p.reviews[id]
	if !ok {
		return nil, fmt.Errorf("%w: review %s", ErrNotFound, id)
	}
	if !r.Terminal() {
		return nil, fmt.Errorf("%w: review %s is not terminal (%s)", ErrInvalidInput, id, r.Status)
	}
	if strings.TrimSpace(rationale) == "" {
		return nil, fmt.Errorf("%w: reset requires a rationale", ErrInvalidInput)
	}
	r.Status = ReviewPending
	r.Votes = nil
	r.Rationale = rationale
	r.Substate = ""
	r.Version++
	r.UpdatedAt = time.Now()
	return r, nil
}

// setSubstate annotates a non-terminal review.
func (p *Pipeline) setSubstate(id, substate string) (*Review, error) {
	r, ok := p.reviews[id]
	if !ok {
		return nil, fmt.Errorf("%w: review %s", ErrNotFound, id)
	}
	if r.Terminal() {
		return nil, fmt.Errorf("%w: review %s is %s", ErrTerminalState, id, r.Status)
	}
	if r.Substate != substate {
		r.Substate = substate
		r.Version++
		r.UpdatedAt = time.Now()
	}
	return r, nil
}

func (p *Pipeline) review(id string) (*Review, bool) {
	r, ok := p.reviews[id]
	return r, ok
}

func (p *Pipeline) allReviews() []Review {
	out := make([]Review, 0, len(p.reviews))
	for _, r := range p.reviews {
		out = append(out, *r)
	}
	return out
}
