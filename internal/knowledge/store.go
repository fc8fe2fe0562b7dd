// Package knowledge provides the precedent store used for AI-assisted
// lookup of past governance decisions.
package knowledge

import (
	"context"
	"strings"
	"time"
)

// Record kinds stored by the core.
const (
	KindDecision  = "decision"
	KindPRReview  = "pr_review"
	KindOverride  = "override"
	KindDataPoint = "data_point"
)

// Record is one stored precedent.
type Record struct {
	ID        string    `json:"id,omitempty"`
	Kind      string    `json:"kind"`
	EntityID  string    `json:"entity_id"`
	Summary   string    `json:"summary"`
	Outcome   string    `json:"outcome,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	Payload   string    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Precedent is a search hit with a relevance confidence in [0,1].
type Precedent struct {
	Record     Record  `json:"record"`
	Confidence float64 `json:"confidence"`
}

// Store is the abstract precedent store. Implementations may back onto a
// knowledge graph; the core never assumes search results are reproducible.
type Store interface {
	// Store persists a record and returns its id.
	Store(ctx context.Context, rec Record) (string, error)
	// Search returns ranked precedents for a free-text query.
	Search(ctx context.Context, query string, limit int) ([]Precedent, error)
	// Cognify triggers an async, best-effort index/graph rebuild.
	Cognify(ctx context.Context) error
}

// Terms tokenizes a query or summary into lowercase search terms.
func Terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if len(f) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
