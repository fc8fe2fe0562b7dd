package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS knowledge_records (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	summary TEXT NOT NULL,
	outcome TEXT NOT NULL DEFAULT '',
	tags TEXT NOT NULL DEFAULT '[]',
	payload TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_knowledge_kind ON knowledge_records(kind);
CREATE TABLE IF NOT EXISTS knowledge_terms (
	term TEXT NOT NULL,
	record_id TEXT NOT NULL,
	PRIMARY KEY (term, record_id)
);
CREATE INDEX IF NOT EXISTS idx_knowledge_terms_term ON knowledge_terms(term);
`

// SQLiteStore is the local Store implementation: records in sqlite, ranking
// by keyword-term overlap. Confidence is matched terms over query terms.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the knowledge database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open knowledge db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply knowledge schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Store persists the record and indexes its summary, tags and outcome.
func (s *SQLiteStore) Store(ctx context.Context, rec Record) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	tags, _ := json.Marshal(rec.Tags)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("knowledge store: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO knowledge_records (id, kind, entity_id, summary, outcome, tags, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Kind, rec.EntityID, rec.Summary, rec.Outcome, string(tags), rec.Payload, rec.CreatedAt,
	); err != nil {
		return "", fmt.Errorf("knowledge store: %w", err)
	}
	for _, term := range s.recordTerms(rec) {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO knowledge_terms (term, record_id) VALUES (?, ?)`,
			term, rec.ID,
		); err != nil {
			return "", fmt.Errorf("knowledge store: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("knowledge store: %w", err)
	}
	return rec.ID, nil
}

func (s *SQLiteStore) recordTerms(rec Record) []string {
	text := rec.Summary + " " + rec.Outcome + " " + rec.EntityID
	for _, t := range rec.Tags {
		text += " " + t
	}
	return Terms(text)
}

// Search ranks records by the fraction of query terms they match.
func (s *SQLiteStore) Search(ctx context.Context, query string, limit int) ([]Precedent, error) {
	terms := Terms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	matches := make(map[string]int)
	for _, term := range terms {
		rows, err := s.db.QueryContext(ctx, `SELECT record_id FROM knowledge_terms WHERE term = ?`, term)
		if err != nil {
			return nil, fmt.Errorf("knowledge search: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("knowledge search: %w", err)
			}
			matches[id]++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(matches))
	for id := range matches {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if matches[ids[i]] != matches[ids[j]] {
			return matches[ids[i]] > matches[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]Precedent, 0, len(ids))
	for _, id := range ids {
		rec, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, Precedent{
			Record:     rec,
			Confidence: float64(matches[id]) / float64(len(terms)),
		})
	}
	return out, nil
}

func (s *SQLiteStore) get(ctx context.Context, id string) (Record, error) {
	var rec Record
	var tags string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, entity_id, summary, outcome, tags, payload, created_at
		 FROM knowledge_records WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.Kind, &rec.EntityID, &rec.Summary, &rec.Outcome, &tags, &rec.Payload, &rec.CreatedAt)
	if err != nil {
		return rec, fmt.Errorf("knowledge get: %w", err)
	}
	_ = json.Unmarshal([]byte(tags), &rec.Tags)
	return rec, nil
}

// Cognify rebuilds the term index from stored records. Runs inline here;
// callers treat it as best-effort and may run it on a background goroutine.
func (s *SQLiteStore) Cognify(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM knowledge_records`)
	if err != nil {
		return fmt.Errorf("cognify: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("cognify: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		rec, err := s.get(ctx, id)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_terms WHERE record_id = ?`, id); err != nil {
			return fmt.Errorf("cognify: %w", err)
		}
		for _, term := range s.recordTerms(rec) {
			if _, err := s.db.ExecContext(ctx,
				`INSERT OR IGNORE INTO knowledge_terms (term, record_id) VALUES (?, ?)`, term, id); err != nil {
				return fmt.Errorf("cognify: %w", err)
			}
		}
	}
	return nil
}
