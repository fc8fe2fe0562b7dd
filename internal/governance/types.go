// Package governance implements the cross-domain governance core: domain
// registry, compliance tracking, and the review approval pipeline, composed
// behind a single-writer Manager.
package governance

import (
	"errors"
	"time"
)

// HubDomain is the hub of the hub-and-spoke topology. Cross-domain
// integrations must route through it unless an explicit exception exists.
const HubDomain = "PIPE"

// Domain statuses.
const (
	DomainActive    = "active"
	DomainSuspended = "suspended"
)

// Integration statuses.
const (
	IntegrationPending   = "pending"
	IntegrationConnected = "connected"
	IntegrationRejected  = "rejected"
	IntegrationCancelled = "cancelled"
)

// Review statuses. Approved, rejected and cancelled are terminal; the only
// way out is an audited reset.
const (
	ReviewPending   = "pending"
	ReviewInReview  = "in_review"
	ReviewApproved  = "approved"
	ReviewRejected  = "rejected"
	ReviewCancelled = "cancelled"
)

// Review substates surfacing governance-entity failures to humans.
const (
	SubstateAnalysisFailed = "analysis_failed"
	SubstateBlocked        = "blocked"
	SubstateHumanRequired  = "human_required"
)

// Review types.
const (
	ReviewTypeIntegration  = "integration"
	ReviewTypeSecurity     = "security"
	ReviewTypeQuality      = "quality"
	ReviewTypeArchitecture = "architecture"
	ReviewTypeCompliance   = "compliance"
)

// Review priorities.
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// Verdicts for submitted decisions.
const (
	VerdictApprove = "approve"
	VerdictReject  = "reject"
)

var (
	// ErrPolicyViolation marks a request rejected on topology policy, e.g.
	// a direct integration between two non-hub domains. No Review is
	// created for these.
	ErrPolicyViolation = errors.New("governance policy violation")
	// ErrInvalidInput marks bad input, rejected without retry.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound marks a missing domain, integration or review.
	ErrNotFound = errors.New("not found")
	// ErrTerminalState marks a mutation against a finished review.
	ErrTerminalState = errors.New("review in terminal state")
)

// Domain is a registered capability domain.
type Domain struct {
	Code         string    `json:"code"`
	Capabilities []string  `json:"capabilities"`
	Status       string    `json:"status"`
	Connections  []string  `json:"connections"` // integration ids
	CreatedAt    time.Time `json:"created_at"`
}

// Integration is a directed edge between two domains. Its terminal status is
// driven by exactly one Review and must match it.
type Integration struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	Status    string    `json:"status"`
	ReviewID  string    `json:"review_id,omitempty"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Vote is one reviewer's submitted decision.
type Vote struct {
	Reviewer  string    `json:"reviewer"`
	Verdict   string    `json:"verdict"`
	Rationale string    `json:"rationale,omitempty"`
	At        time.Time `json:"at"`
}

// Review is one approval-workflow instance.
type Review struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Priority      string            `json:"priority"`
	Status        string            `json:"status"`
	Substate      string            `json:"substate,omitempty"`
	Reviewers     []string          `json:"reviewers,omitempty"`
	Votes         []Vote            `json:"votes,omitempty"`
	Rationale     string            `json:"rationale,omitempty"`
	IntegrationID string            `json:"integration_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Version       int64             `json:"version"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Terminal reports whether the review has reached a final status.
func (r *Review) Terminal() bool {
	switch r.Status {
	case ReviewApproved, ReviewRejected, ReviewCancelled:
		return true
	}
	return false
}

// HasVote reports whether the reviewer already voted.
func (r *Review) HasVote(reviewer string) bool {
	for _, v := range r.Votes {
		if v.Reviewer == reviewer {
			return true
		}
	}
	return false
}

// DomainInfo is the read-model returned by Manager.GetDomainInfo.
type DomainInfo struct {
	Domain       Domain            `json:"domain"`
	Integrations []Integration     `json:"integrations"`
	Compliance   *ComplianceRecord `json:"compliance,omitempty"`
}
