package governance

import (
	"fmt"
	"time"
)

// The five fixed compliance categories.
const (
	CategoryIntegrationStandards = "integration_standards"
	CategoryQualityMetrics       = "quality_metrics"
	CategorySecurityPolicy       = "security_policy"
	CategoryDataGovernance       = "data_governance"
	CategoryReviewProcess        = "review_process"
)

// Categories lists the five categories in scoring order.
var Categories = []string{
	CategoryIntegrationStandards,
	CategoryQualityMetrics,
	CategorySecurityPolicy,
	CategoryDataGovernance,
	CategoryReviewProcess,
}

// Compliance scores per category.
const (
	ScoreCompliant    = "compliant"
	ScorePartial      = "partial"
	ScoreNonCompliant = "non_compliant"
	ScoreNotEvaluated = "not_evaluated"
)

// partialWeight is the contribution of a partial score to the compliance
// fraction. The upstream weighting is unspecified; 0.5 is an explicit
// assumption pending confirmation.
const partialWeight = 0.5

// ComplianceRecord holds exactly one score per category for an entity.
type ComplianceRecord struct {
	EntityID    string            `json:"entity_id"`
	Scores      map[string]string `json:"scores"`
	EvaluatedAt time.Time         `json:"evaluated_at,omitempty"`
}

// Fraction returns the entity compliance fraction in [0,1]:
// (compliant + 0.5*partial) / 5.
func (c *ComplianceRecord) Fraction() float64 {
	var sum float64
	for _, cat := range Categories {
		switch c.Scores[cat] {
		case ScoreCompliant:
			sum += 1
		case ScorePartial:
			sum += partialWeight
		}
	}
	return sum / float64(len(Categories))
}

// CategoryEvaluator scores one category for an entity. Entity is either a
// Domain or an Integration snapshot; info carries the domain's integrations
// when the entity is a Domain.
type CategoryEvaluator func(category string, entity any, integrations []Integration) string

// Tracker owns compliance records. Mutation is serialized through Manager.
type Tracker struct {
	records  map[string]*ComplianceRecord
	evaluate CategoryEvaluator
}

// NewTracker creates a tracker using the given evaluator, or the default
// heuristic when nil.
func NewTracker(eval CategoryEvaluator) *Tracker {
	if eval == nil {
		eval = DefaultEvaluator
	}
	return &Tracker{
		records:  make(map[string]*ComplianceRecord),
		evaluate: eval,
	}
}

// create initializes a record with every category not_evaluated.
func (t *Tracker) create(entityID string) *ComplianceRecord {
	rec := &ComplianceRecord{
		EntityID: entityID,
		Scores:   make(map[string]string, len(Categories)),
	}
	for _, cat := range Categories {
		rec.Scores[cat] = ScoreNotEvaluated
	}
	t.records[entityID] = rec
	return rec
}

// evaluateEntity re-scores all five categories independently.
func (t *Tracker) evaluateEntity(entityID string, entity any, integrations []Integration) (*ComplianceRecord, error) {
	rec, ok := t.records[entityID]
	if !ok {
		return nil, fmt.Errorf("%w: compliance record %s", ErrNotFound, entityID)
	}
	for _, cat := range Categories {
		score := t.evaluate(cat, entity, integrations)
		switch score {
		case ScoreCompliant, ScorePartial, ScoreNonCompliant, ScoreNotEvaluated:
			rec.Scores[cat] = score
		default:
			return nil, fmt.Errorf("%w: evaluator returned unknown score %q for %s", ErrInvalidInput, score, cat)
		}
	}
	rec.EvaluatedAt = time.Now()
	return rec, nil
}

func (t *Tracker) record(entityID string) (*ComplianceRecord, bool) {
	rec, ok := t.records[entityID]
	return rec, ok
}

// ecosystemCompliance averages per-domain fractions with equal domain
// weighting (explicit assumption: no size weighting upstream).
func (t *Tracker) ecosystemCompliance(domainCodes []string) float64 {
	if len(domainCodes) == 0 {
		return 0
	}
	var sum float64
	for _, code := range domainCodes {
		if rec, ok := t.records[code]; ok {
			sum += rec.Fraction()
		}
	}
	return sum / float64(len(domainCodes))
}

// DefaultEvaluator is the built-in scoring heuristic. Deterministic on the
// entity snapshot so tests and replays agree.
func DefaultEvaluator(category string, entity any, integrations []Integration) string {
	switch e := entity.(type) {
	case *Domain:
		return scoreDomain(category, e, integrations)
	case *Integration:
		return scoreIntegration(category, e)
	}
	return ScoreNotEvaluated
}

func scoreDomain(category string, d *Domain, integrations []Integration) string {
	switch category {
	case CategoryIntegrationStandards:
		// Connected to the hub means the domain follows the topology rule.
		for _, in := range integrations {
			if in.Status == IntegrationConnected && (in.Source == HubDomain || in.Target == HubDomain) {
				return ScoreCompliant
			}
		}
		return ScoreNonCompliant
	case CategoryQualityMetrics:
		if len(d.Capabilities) > 0 {
			return ScoreCompliant
		}
		return ScorePartial
	case CategorySecurityPolicy:
		if d.Status == DomainSuspended {
			return ScoreNonCompliant
		}
		return ScorePartial
	case CategoryDataGovernance:
		return ScorePartial
	case CategoryReviewProcess:
		// Every non-hub edge must carry a review; pending edges count
		// against the domain.
		for _, in := range integrations {
			if in.Source != HubDomain && in.Target != HubDomain && in.ReviewID == "" {
				return ScoreNonCompliant
			}
			if in.Status == IntegrationPending {
				return ScorePartial
			}
		}
		return ScoreCompliant
	}
	return ScoreNotEvaluated
}

func scoreIntegration(category string, in *Integration) string {
	switch category {
	case CategoryIntegrationStandards:
		if in.Source == HubDomain || in.Target == HubDomain || in.Status == IntegrationConnected {
			return ScoreCompliant
		}
		return ScorePartial
	case CategoryQualityMetrics, CategorySecurityPolicy, CategoryDataGovernance:
		return ScorePartial
	case CategoryReviewProcess:
		if in.ReviewID != "" {
			return ScoreCompliant
		}
		if in.Source == HubDomain || in.Target == HubDomain {
			// Hub edges are auto-created without a review.
			return ScoreCompliant
		}
		return ScoreNonCompliant
	}
	return ScoreNotEvaluated
}
