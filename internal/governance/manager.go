package governance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/botfactory/botfactory/internal/bus"
	"github.com/botfactory/botfactory/internal/knowledge"
)

// Options configures a Manager.
type Options struct {
	// Exceptions are "SOURCE:TARGET" pairs allowed to bypass the hub.
	Exceptions []string
	// Policy settles multi-reviewer decisions. Defaults to unanimous.
	Policy ApprovalPolicy
	// Evaluator overrides the compliance heuristic. Defaults to
	// DefaultEvaluator.
	Evaluator CategoryEvaluator
	// Knowledge, when set, receives every final decision and serves
	// precedent lookup. Best-effort: knowledge failures never block
	// governance.
	Knowledge knowledge.Store
}

// IntegrationRequest is the result of RequestIntegration: the pending edge,
// its driving review, and similar past decisions.
type IntegrationRequest struct {
	Integration Integration           `json:"integration"`
	Review      Review                `json:"review"`
	Precedents  []knowledge.Precedent `json:"precedents,omitempty"`
}

// Manager is the single-writer facade over registry, compliance tracker and
// review pipeline. It is the only path through which bots mutate governance
// state.
type Manager struct {
	mu       sync.Mutex
	registry *Registry
	tracker  *Tracker
	pipeline *Pipeline
	store    *Store
	know     knowledge.Store
	events   *bus.EventBus
	policy   ApprovalPolicy
}

// NewManager creates a Manager over the given store, reloading any state a
// previous process persisted.
func NewManager(store *Store, events *bus.EventBus, opts Options) (*Manager, error) {
	m := &Manager{
		registry: NewRegistry(opts.Exceptions),
		tracker:  NewTracker(opts.Evaluator),
		pipeline: NewPipeline(),
		store:    store,
		know:     opts.Knowledge,
		events:   events,
		policy:   opts.Policy,
	}
	if m.policy == nil {
		m.policy = UnanimousPolicy{}
	}
	if store != nil {
		if err := store.loadAll(m.registry, m.pipeline, m.tracker); err != nil {
			return nil, fmt.Errorf("governance reload: %w", err)
		}
	}
	// The hub is seeded by the registry, never registered, so it needs its
	// compliance record created here.
	if _, ok := m.tracker.record(HubDomain); !ok {
		rec := m.tracker.create(HubDomain)
		if store != nil {
			if err := store.saveCompliance(rec); err != nil {
				return nil, fmt.Errorf("persist hub compliance: %w", err)
			}
		}
	}
	return m, nil
}

// Store returns the backing store, for status queries.
func (m *Manager) Store() *Store { return m.store }

// RegisterDomain creates an active domain, a fresh compliance record with
// every category not_evaluated, and a connected edge to the hub.
func (m *Manager) RegisterDomain(code string, capabilities []string) (*DomainInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, edge, err := m.registry.registerDomain(code, capabilities)
	if err != nil {
		return nil, err
	}
	rec := m.tracker.create(d.Code)
	if err := m.persistDomain(d, rec); err != nil {
		return nil, err
	}
	if edge != nil {
		m.tracker.create(edge.ID)
		if err := m.persistIntegration(edge); err != nil {
			return nil, err
		}
	}

	m.events.Publish(&bus.Event{
		Type:        bus.EventDomainRegistered,
		SourceBotID: "governance",
		Payload:     map[string]any{"code": d.Code, "capabilities": capabilities},
	})
	return m.domainInfoLocked(d.Code)
}

// GetDomainInfo returns a domain with its integrations and compliance.
func (m *Manager) GetDomainInfo(code string) (*DomainInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.domainInfoLocked(code)
}

func (m *Manager) domainInfoLocked(code string) (*DomainInfo, error) {
	d, ok := m.registry.domain(code)
	if !ok {
		return nil, fmt.Errorf("%w: domain %s", ErrNotFound, code)
	}
	info := &DomainInfo{
		Domain:       *d,
		Integrations: m.registry.domainIntegrations(code),
	}
	if rec, ok := m.tracker.record(d.Code); ok {
		cp := *rec
		info.Compliance = &cp
	}
	return info, nil
}

// Domains lists all registered domains.
func (m *Manager) Domains() []Domain {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.allDomains()
}

// RequestIntegration validates hub-and-spoke policy and, when allowed,
// creates a pending Integration with its driving Review plus precedent
// suggestions. A policy violation rejects immediately and creates nothing.
func (m *Manager) RequestIntegration(ctx context.Context, source, target string, metadata map[string]string) (*IntegrationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	in, err := m.registry.requestIntegration(source, target)
	if err != nil {
		return nil, err
	}

	priority := PriorityMedium
	if v := metadata["priority"]; v != "" {
		priority = v
	}
	r, err := m.pipeline.createReview(ReviewTypeIntegration, priority, metadata)
	if err != nil {
		return nil, err
	}
	r.IntegrationID = in.ID
	in.ReviewID = r.ID
	m.tracker.create(in.ID)

	if err := m.persistIntegration(in); err != nil {
		return nil, err
	}
	if err := m.persistReview(r); err != nil {
		return nil, err
	}

	req := &IntegrationRequest{Integration: *in, Review: *r}
	if m.know != nil {
		hits, err := m.know.Search(ctx, "integration "+in.Source+" "+in.Target, 5)
		if err != nil {
			slog.Warn("Precedent lookup failed", "review_id", r.ID, "error", err)
		} else {
			req.Precedents = hits
		}
	}

	m.events.Publish(&bus.Event{
		Type:        bus.EventIntegrationRequested,
		SourceBotID: "governance",
		Payload: map[string]any{
			"integration_id": in.ID,
			"review_id":      r.ID,
			"source":         in.Source,
			"target":         in.Target,
		},
	})
	return req, nil
}

// AssignReviewers moves a review into in_review. Idempotent once in_review.
func (m *Manager) AssignReviewers(reviewID string, reviewers []string) (*Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.pipeline.assignReviewers(reviewID, reviewers)
	if err != nil {
		return nil, err
	}
	if err := m.persistReview(r); err != nil {
		return nil, err
	}
	cp := *r
	return &cp, nil
}

// SubmitDecision records one reviewer verdict; when the approval policy is
// satisfied the review reaches a terminal status and the linked integration
// flips to match in the same critical section.
func (m *Manager) SubmitDecision(ctx context.Context, reviewID, reviewer, verdict, rationale string) (*Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, done, err := m.pipeline.submitDecision(reviewID, reviewer, verdict, rationale, m.policy)
	if err != nil {
		return nil, err
	}
	if done {
		if err := m.finalizeLocked(ctx, r, reviewer, true); err != nil {
			return nil, err
		}
	} else if err := m.persistReview(r); err != nil {
		return nil, err
	}
	cp := *r
	return &cp, nil
}

// ApproveIntegration settles a review (and its integration) as approved
// without individual votes, e.g. from an automated decision. Calling it on
// an already-approved review is a no-op with no duplicate events.
func (m *Manager) ApproveIntegration(ctx context.Context, reviewID, actor, rationale string) (*Review, error) {
	return m.settle(ctx, reviewID, ReviewApproved, actor, rationale)
}

// RejectIntegration settles a review (and its integration) as rejected.
// A non-empty rationale is mandatory. Idempotent on already-rejected.
func (m *Manager) RejectIntegration(ctx context.Context, reviewID, actor, rationale string) (*Review, error) {
	if strings.TrimSpace(rationale) == "" {
		return nil, fmt.Errorf("%w: rejection requires a rationale", ErrInvalidInput)
	}
	return m.settle(ctx, reviewID, ReviewRejected, actor, rationale)
}

func (m *Manager) settle(ctx context.Context, reviewID, status, actor, rationale string) (*Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.pipeline.review(reviewID)
	if !ok {
		return nil, fmt.Errorf("%w: review %s", ErrNotFound, reviewID)
	}
	if r.Status == status {
		cp := *r
		return &cp, nil
	}
	if r.Terminal() {
		return nil, fmt.Errorf("%w: review %s is %s", ErrTerminalState, reviewID, r.Status)
	}
	r.Status = status
	r.Rationale = rationale
	r.Substate = ""
	r.Version++
	if err := m.finalizeLocked(ctx, r, actor, false); err != nil {
		return nil, err
	}
	cp := *r
	return &cp, nil
}

// CancelReview moves a pending/in_review review to cancelled and cancels
// the linked integration so it never sticks in pending.
func (m *Manager) CancelReview(ctx context.Context, reviewID, rationale string) (*Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.pipeline.review(reviewID); ok && existing.Status == ReviewCancelled {
		cp := *existing
		return &cp, nil
	}
	r, err := m.pipeline.cancel(reviewID, rationale)
	if err != nil {
		return nil, err
	}
	if err := m.finalizeLocked(ctx, r, "", false); err != nil {
		return nil, err
	}
	cp := *r
	return &cp, nil
}

// ResetReview is the audited path out of a terminal review state: back to
// pending with votes cleared, the linked integration back to pending, and
// the reset recorded in the decision log.
func (m *Manager) ResetReview(reviewID, actor, rationale string) (*Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.pipeline.reset(reviewID, rationale)
	if err != nil {
		return nil, err
	}
	var in *Integration
	if r.IntegrationID != "" {
		in, err = m.registry.setIntegrationStatus(r.IntegrationID, IntegrationPending)
		if err != nil {
			return nil, err
		}
		if err := m.persistIntegration(in); err != nil {
			return nil, err
		}
	}
	if err := m.persistReview(r); err != nil {
		return nil, err
	}
	if m.store != nil {
		if err := m.store.logDecision(r.ID, r.IntegrationID, "reset", actor, rationale); err != nil {
			return nil, fmt.Errorf("decision log: %w", err)
		}
	}
	cp := *r
	return &cp, nil
}

// MarkAnalysisFailed surfaces an exhausted external analysis as a review
// substate requiring mandatory human review.
func (m *Manager) MarkAnalysisFailed(reviewID, reason string) (*Review, error) {
	return m.flag(reviewID, SubstateAnalysisFailed, reason)
}

// FlagForHumanReview marks a review as needing a human verdict.
func (m *Manager) FlagForHumanReview(reviewID, reason string) (*Review, error) {
	return m.flag(reviewID, SubstateHumanRequired, reason)
}

func (m *Manager) flag(reviewID, substate, reason string) (*Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.pipeline.setSubstate(reviewID, substate)
	if err != nil {
		return nil, err
	}
	if err := m.persistReview(r); err != nil {
		return nil, err
	}
	m.events.Publish(&bus.Event{
		Type:        bus.EventReviewFlagged,
		SourceBotID: "governance",
		Payload: map[string]any{
			"review_id": r.ID,
			"substate":  substate,
			"reason":    reason,
		},
	})
	cp := *r
	return &cp, nil
}

// EvaluateCompliance re-scores the five categories for a domain code or an
// integration id.
func (m *Manager) EvaluateCompliance(entityID string) (*ComplianceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evaluateLocked(entityID)
}

func (m *Manager) evaluateLocked(entityID string) (*ComplianceRecord, error) {
	var rec *ComplianceRecord
	var err error
	if d, ok := m.registry.domain(entityID); ok {
		rec, err = m.tracker.evaluateEntity(d.Code, d, m.registry.domainIntegrations(d.Code))
	} else if in, ok := m.registry.integration(entityID); ok {
		rec, err = m.tracker.evaluateEntity(in.ID, in, nil)
	} else {
		return nil, fmt.Errorf("%w: entity %s", ErrNotFound, entityID)
	}
	if err != nil {
		return nil, err
	}
	if m.store != nil {
		if serr := m.store.saveCompliance(rec); serr != nil {
			slog.Warn("Compliance persist failed", "entity_id", entityID, "error", serr)
		}
	}
	cp := *rec
	return &cp, nil
}

// EcosystemCompliance averages per-domain compliance fractions with equal
// domain weighting. The hub is routing infrastructure, not a governed
// capability domain, so it is excluded from the mean.
func (m *Manager) EcosystemCompliance() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	domains := m.registry.allDomains()
	codes := make([]string, 0, len(domains))
	for _, d := range domains {
		if d.Code == HubDomain {
			continue
		}
		codes = append(codes, d.Code)
	}
	return m.tracker.ecosystemCompliance(codes)
}

// GetReview returns a review snapshot.
func (m *Manager) GetReview(reviewID string) (*Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.pipeline.review(reviewID)
	if !ok {
		return nil, fmt.Errorf("%w: review %s", ErrNotFound, reviewID)
	}
	cp := *r
	return &cp, nil
}

// GetIntegration returns an integration snapshot.
func (m *Manager) GetIntegration(id string) (*Integration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.registry.integration(id)
	if !ok {
		return nil, fmt.Errorf("%w: integration %s", ErrNotFound, id)
	}
	cp := *in
	return &cp, nil
}

// Reviews lists reviews, optionally filtered by status.
func (m *Manager) Reviews(status string) []Review {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.pipeline.allReviews()
	if status == "" {
		return all
	}
	var out []Review
	for _, r := range all {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

// PendingIntegrationReviews lists open integration reviews for bot polling.
func (m *Manager) PendingIntegrationReviews() []Review {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Review
	for _, r := range m.pipeline.allReviews() {
		if r.Type == ReviewTypeIntegration && (r.Status == ReviewPending || r.Status == ReviewInReview) {
			out = append(out, r)
		}
	}
	return out
}

// CreditXP credits reviewer XP for a completed review exactly once. The
// second delivery of the same review id returns credited=false and emits
// nothing.
func (m *Manager) CreditXP(reviewID, reviewer string, amount int) (bool, error) {
	if m.store == nil {
		return false, fmt.Errorf("xp ledger requires a store")
	}
	credited, err := m.store.creditXP(reviewID, reviewer, amount)
	if err != nil {
		return false, fmt.Errorf("xp credit: %w", err)
	}
	if credited {
		m.events.Publish(&bus.Event{
			Type:        bus.EventXPAwarded,
			SourceBotID: "governance",
			Payload: map[string]any{
				"review_id": reviewID,
				"reviewer":  reviewer,
				"amount":    amount,
			},
		})
	}
	return credited, nil
}

// ReviewerXP returns a reviewer's total credited XP.
func (m *Manager) ReviewerXP(reviewer string) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	return m.store.reviewerXP(reviewer)
}

// finalizeLocked completes a terminal review: flips the linked integration
// to the matching status, persists both, logs the decision, stores the
// precedent, re-evaluates compliance, and emits events. Caller holds m.mu.
func (m *Manager) finalizeLocked(ctx context.Context, r *Review, actor string, human bool) error {
	var in *Integration
	if r.IntegrationID != "" {
		istatus := ""
		switch r.Status {
		case ReviewApproved:
			istatus = IntegrationConnected
		case ReviewRejected:
			istatus = IntegrationRejected
		case ReviewCancelled:
			istatus = IntegrationCancelled
		}
		var err error
		in, err = m.registry.setIntegrationStatus(r.IntegrationID, istatus)
		if err != nil {
			return err
		}
		if err := m.persistIntegration(in); err != nil {
			return err
		}
	}
	if err := m.persistReview(r); err != nil {
		return err
	}
	if m.store != nil {
		if err := m.store.logDecision(r.ID, r.IntegrationID, r.Status, actor, r.Rationale); err != nil {
			return fmt.Errorf("decision log: %w", err)
		}
	}

	if in != nil {
		if _, err := m.evaluateLocked(in.Source); err != nil {
			slog.Warn("Compliance re-evaluation failed", "domain", in.Source, "error", err)
		}
		if _, err := m.evaluateLocked(in.Target); err != nil {
			slog.Warn("Compliance re-evaluation failed", "domain", in.Target, "error", err)
		}
		if _, err := m.evaluateLocked(in.ID); err != nil {
			slog.Warn("Compliance re-evaluation failed", "integration", in.ID, "error", err)
		}
	}

	if m.know != nil {
		summary := "review " + r.ID + " " + r.Status
		if in != nil {
			summary = "integration " + in.Source + " to " + in.Target + " " + r.Status
		}
		if r.Rationale != "" {
			summary += ": " + r.Rationale
		}
		rec := knowledge.Record{
			Kind:     knowledge.KindDecision,
			EntityID: r.ID,
			Summary:  summary,
			Outcome:  r.Status,
		}
		if in != nil {
			rec.Tags = []string{in.Source, in.Target}
		}
		if _, err := m.know.Store(ctx, rec); err != nil {
			slog.Warn("Decision knowledge store failed", "review_id", r.ID, "error", err)
		}
	}

	payload := map[string]any{
		"review_id": r.ID,
		"status":    r.Status,
		"rationale": r.Rationale,
		"actor":     actor,
		"human":     human,
	}
	if in != nil {
		payload["integration_id"] = in.ID
		payload["source"] = in.Source
		payload["target"] = in.Target
	}
	switch r.Status {
	case ReviewApproved:
		m.events.Publish(&bus.Event{Type: bus.EventIntegrationApproved, SourceBotID: "governance", Payload: payload})
	case ReviewRejected:
		m.events.Publish(&bus.Event{Type: bus.EventIntegrationRejected, SourceBotID: "governance", Payload: payload})
	}
	m.events.Publish(&bus.Event{Type: bus.EventReviewCompleted, SourceBotID: "governance", Payload: payload})
	return nil
}

func (m *Manager) persistDomain(d *Domain, rec *ComplianceRecord) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.saveDomain(d); err != nil {
		return fmt.Errorf("persist domain %s: %w", d.Code, err)
	}
	if rec != nil {
		if err := m.store.saveCompliance(rec); err != nil {
			return fmt.Errorf("persist compliance %s: %w", d.Code, err)
		}
	}
	return nil
}

func (m *Manager) persistIntegration(in *Integration) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.saveIntegration(in); err != nil {
		return fmt.Errorf("persist integration %s: %w", in.ID, err)
	}
	return nil
}

func (m *Manager) persistReview(r *Review) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.saveReview(r); err != nil {
		return fmt.Errorf("persist review %s: %w", r.ID, err)
	}
	return nil
}
