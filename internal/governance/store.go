package governance

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS domains (
	code TEXT PRIMARY KEY,
	capabilities TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS integrations (
	id TEXT PRIMARY KEY,
	source TEXT NOT NULL,
	target TEXT NOT NULL,
	status TEXT NOT NULL,
	review_id TEXT,
	version INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_integrations_domains ON integrations(source, target);
CREATE TABLE IF NOT EXISTS reviews (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	priority TEXT NOT NULL,
	status TEXT NOT NULL,
	substate TEXT NOT NULL DEFAULT '',
	reviewers TEXT NOT NULL DEFAULT '[]',
	votes TEXT NOT NULL DEFAULT '[]',
	rationale TEXT NOT NULL DEFAULT '',
	integration_id TEXT,
	metadata TEXT NOT NULL DEFAULT '{}',
	version INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_reviews_status ON reviews(status);
CREATE TABLE IF NOT EXISTS compliance (
	entity_id TEXT NOT NULL,
	category TEXT NOT NULL,
	score TEXT NOT NULL,
	evaluated_at DATETIME,
	PRIMARY KEY (entity_id, category)
);
CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	review_id TEXT NOT NULL,
	integration_id TEXT,
	action TEXT NOT NULL,
	actor TEXT,
	rationale TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_decision_log_review ON decision_log(review_id);
CREATE TABLE IF NOT EXISTS xp_ledger (
	review_id TEXT PRIMARY KEY,
	reviewer TEXT NOT NULL,
	amount INTEGER NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Store persists governance records. Each record carries its own version
// counter; writes happen under the Manager's writer lock.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the governance database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open governance db: %w", err)
	}
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply governance schema: %w", err)
	}
	// Best-effort migration for dbs created before substates existed.
	_, _ = db.Exec(`ALTER TABLE reviews ADD COLUMN substate TEXT NOT NULL DEFAULT ''`)
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for status queries.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) saveDomain(d *Domain) error {
	caps, _ := json.Marshal(d.Capabilities)
	_, err := s.db.Exec(`INSERT INTO domains (code, capabilities, status, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			capabilities = excluded.capabilities,
			status = excluded.status`,
		d.Code, string(caps), d.Status, d.CreatedAt)
	return err
}

func (s *Store) saveIntegration(in *Integration) error {
	_, err := s.db.Exec(`INSERT INTO integrations (id, source, target, status, review_id, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			review_id = excluded.review_id,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		in.ID, in.Source, in.Target, in.Status, in.ReviewID, in.Version, in.CreatedAt, in.UpdatedAt)
	return err
}

func (s *Store) saveReview(r *Review) error {
	reviewers, _ := json.Marshal(r.Reviewers)
	votes, _ := json.Marshal(r.Votes)
	metadata, _ := json.Marshal(r.Metadata)
	_, err := s.db.Exec(`INSERT INTO reviews (id, type, priority, status, substate, reviewers, votes, rationale, integration_id, metadata, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			substate = excluded.substate,
			reviewers = excluded.reviewers,
			votes = excluded.votes,
			rationale = excluded.rationale,
			integration_id = excluded.integration_id,
			metadata = excluded.metadata,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		r.ID, r.Type, r.Priority, r.Status, r.Substate, string(reviewers), string(votes),
		r.Rationale, r.IntegrationID, string(metadata), r.Version, r.CreatedAt, r.UpdatedAt)
	return err
}

func (s *Store) saveCompliance(rec *ComplianceRecord) error {
	for _, cat := range Categories {
		if _, err := s.db.Exec(`INSERT INTO compliance (entity_id, category, score, evaluated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(entity_id, category) DO UPDATE SET
				score = excluded.score,
				evaluated_at = excluded.evaluated_at`,
			rec.EntityID, cat, rec.Scores[cat], rec.EvaluatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) logDecision(reviewID, integrationID, action, actor, rationale string) error {
	_, err := s.db.Exec(`INSERT INTO decision_log (review_id, integration_id, action, actor, rationale)
		VALUES (?, ?, ?, ?, ?)`,
		reviewID, integrationID, action, actor, rationale)
	return err
}

// creditXP inserts a ledger row for the review. Returns false without error
// when the review was already credited (idempotent under redelivery).
func (s *Store) creditXP(reviewID, reviewer string, amount int) (bool, error) {
	res, err := s.db.Exec(`INSERT OR IGNORE INTO xp_ledger (review_id, reviewer, amount)
		VALUES (?, ?, ?)`,
		reviewID, reviewer, amount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// reviewerXP sums credited XP for one reviewer.
func (s *Store) reviewerXP(reviewer string) (int, error) {
	var total sql.NullInt64
	err := s.db.QueryRow(`SELECT SUM(amount) FROM xp_ledger WHERE reviewer = ?`, reviewer).Scan(&total)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	return int(total.Int64), nil
}

// loadAll rebuilds in-memory governance state after a restart.
func (s *Store) loadAll(reg *Registry, pipe *Pipeline, tracker *Tracker) error {
	rows, err := s.db.Query(`SELECT code, capabilities, status, created_at FROM domains`)
	if err != nil {
		return fmt.Errorf("load domains: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d Domain
		var caps string
		if err := rows.Scan(&d.Code, &caps, &d.Status, &d.CreatedAt); err != nil {
			return fmt.Errorf("scan domain: %w", err)
		}
		_ = json.Unmarshal([]byte(caps), &d.Capabilities)
		reg.domains[d.Code] = &d
	}
	if err := rows.Err(); err != nil {
		return err
	}

	irows, err := s.db.Query(`SELECT id, source, target, status, COALESCE(review_id, ''), version, created_at, updated_at FROM integrations`)
	if err != nil {
		return fmt.Errorf("load integrations: %w", err)
	}
	defer irows.Close()
	for irows.Next() {
		var in Integration
		if err := irows.Scan(&in.ID, &in.Source, &in.Target, &in.Status, &in.ReviewID, &in.Version, &in.CreatedAt, &in.UpdatedAt); err != nil {
			return fmt.Errorf("scan integration: %w", err)
		}
		reg.integrations[in.ID] = &in
		if d, ok := reg.domains[in.Source]; ok {
			d.Connections = append(d.Connections, in.ID)
		}
		if d, ok := reg.domains[in.Target]; ok {
			d.Connections = append(d.Connections, in.ID)
		}
	}
	if err := irows.Err(); err != nil {
		return err
	}

	rrows, err := s.db.Query(`SELECT id, type, priority, status, substate, reviewers, votes, rationale, COALESCE(integration_id, ''), metadata, version, created_at, updated_at FROM reviews`)
	if err != nil {
		return fmt.Errorf("load reviews: %w", err)
	}
	defer rrows.Close()
	for rrows.Next() {
		var r Review
		var reviewers, votes, metadata string
		if err := rrows.Scan(&r.ID, &r.Type, &r.Priority, &r.Status, &r.Substate, &reviewers, &votes,
			&r.Rationale, &r.IntegrationID, &metadata, &r.Version, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return fmt.Errorf("scan review: %w", err)
		}
		_ = json.Unmarshal([]byte(reviewers), &r.Reviewers)
		_ = json.Unmarshal([]byte(votes), &r.Votes)
		_ = json.Unmarshal([]byte(metadata), &r.Metadata)
		pipe.reviews[r.ID] = &r
	}
	if err := rrows.Err(); err != nil {
		return err
	}

	crows, err := s.db.Query(`SELECT entity_id, category, score, evaluated_at FROM compliance`)
	if err != nil {
		return fmt.Errorf("load compliance: %w", err)
	}
	defer crows.Close()
	for crows.Next() {
		var entityID, category, score string
		var evaluatedAt sql.NullTime
		if err := crows.Scan(&entityID, &category, &score, &evaluatedAt); err != nil {
			return fmt.Errorf("scan compliance: %w", err)
		}
		rec, ok := tracker.records[entityID]
		if !ok {
			rec = tracker.create(entityID)
		}
		rec.Scores[category] = score
		if evaluatedAt.Valid && evaluatedAt.Time.After(rec.EvaluatedAt) {
			rec.EvaluatedAt = evaluatedAt.Time
		}
	}
	return crows.Err()
}

// DecisionLogEntry is one audited governance action.
type DecisionLogEntry struct {
	ReviewID      string    `json:"review_id"`
	IntegrationID string    `json:"integration_id,omitempty"`
	Action        string    `json:"action"`
	Actor         string    `json:"actor,omitempty"`
	Rationale     string    `json:"rationale"`
	CreatedAt     time.Time `json:"created_at"`
}

// DecisionLog returns the newest audited actions, most recent first.
func (s *Store) DecisionLog(limit int) ([]DecisionLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT review_id, COALESCE(integration_id, ''), action, COALESCE(actor, ''), rationale, created_at
		FROM decision_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("decision log: %w", err)
	}
	defer rows.Close()
	var out []DecisionLogEntry
	for rows.Next() {
		var e DecisionLogEntry
		if err := rows.Scan(&e.ReviewID, &e.IntegrationID, &e.Action, &e.Actor, &e.Rationale, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
