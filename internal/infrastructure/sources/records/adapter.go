package records

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/core/ports"
)

const schemaLockID = int64(2026101802)

// Record is one structured business record (customer, deal, ticket...).
type Record struct {
	ID         string
	Kind       string
	Title      string
	Body       string
	Attributes map[string]any
	UpdatedAt  time.Time
}

// Adapter answers SourceQuery.Text with PostgreSQL full-text search over
// business_records. Ranks use ts_rank_cd normalization 32, so scores are
// rank/(rank+1) and already fall in [0,1).
type Adapter struct {
	db     *sql.DB
	source string
}

func NewAdapter(db *sql.DB) *Adapter {
	return &Adapter{db: db, source: domain.SourceCRM}
}

func (a *Adapter) Name() string { return a.source }

func (a *Adapter) EnsureSchema(ctx context.Context) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS business_records (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	title TEXT NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	attributes JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL,
	search TSVECTOR GENERATED ALWAYS AS (to_tsvector('simple', title || ' ' || body)) STORED
);

CREATE INDEX IF NOT EXISTS idx_business_records_search ON business_records USING GIN(search);
CREATE INDEX IF NOT EXISTS idx_business_records_updated_at ON business_records(updated_at DESC);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (a *Adapter) UpsertRecord(ctx context.Context, rec Record) error {
	if strings.TrimSpace(rec.ID) == "" || strings.TrimSpace(rec.Title) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "upsert record", fmt.Errorf("record id and title are required"))
	}
	attrs := rec.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	_, err = a.db.ExecContext(ctx, `
INSERT INTO business_records (id, kind, title, body, attributes, updated_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO UPDATE
SET kind = EXCLUDED.kind, title = EXCLUDED.title, body = EXCLUDED.body,
	attributes = EXCLUDED.attributes, updated_at = EXCLUDED.updated_at
`, rec.ID, rec.Kind, rec.Title, rec.Body, attrsJSON, updated.UTC())
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

// SaveRecord maps an ingested record onto business_records. Well-known keys
// fill the columns and everything else lands in attributes. Records without
// an id get one derived from their content.
func (a *Adapter) SaveRecord(ctx context.Context, record map[string]any) error {
	rec := Record{Kind: "record", Attributes: make(map[string]any, len(record))}
	for k, v := range record {
		switch strings.ToLower(k) {
		case "id":
			rec.ID = fmt.Sprint(v)
		case "kind", "type":
			rec.Kind = fmt.Sprint(v)
		case "title", "name", "subject":
			if rec.Title == "" {
				rec.Title = fmt.Sprint(v)
			}
		case "body", "description", "notes":
			if rec.Body == "" {
				rec.Body = fmt.Sprint(v)
			}
		case "updated_at":
			if s, ok := v.(string); ok {
				if ts, err := time.Parse(time.RFC3339, s); err == nil {
					rec.UpdatedAt = ts
					continue
				}
			}
			rec.Attributes[k] = v
		default:
			rec.Attributes[k] = v
		}
	}
	if strings.TrimSpace(rec.ID) == "" {
		raw, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		sum := sha256.Sum256(raw)
		rec.ID = hex.EncodeToString(sum[:8])
	}
	return a.UpsertRecord(ctx, rec)
}

func (a *Adapter) Search(ctx context.Context, query ports.SourceQuery) ([]domain.RetrievedDocument, error) {
	text := strings.TrimSpace(query.Text)
	if text == "" {
		return []domain.RetrievedDocument{}, nil
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 5
	}

	rows, err := a.db.QueryContext(ctx, `
SELECT id, kind, title, body, attributes, updated_at,
	ts_rank_cd(search, plainto_tsquery('simple', $1), 32) AS rank
FROM business_records
WHERE search @@ plainto_tsquery('simple', $1)
ORDER BY rank DESC, id ASC
LIMIT $2
`, text, limit)
	if err != nil {
		return nil, fmt.Errorf("search records: %w", err)
	}
	defer rows.Close()

	out := make([]domain.RetrievedDocument, 0, limit)
	for rows.Next() {
		var (
			rec      Record
			attrsRaw []byte
			rank     float64
		)
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Title, &rec.Body, &attrsRaw, &rec.UpdatedAt, &rank); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if len(attrsRaw) > 0 {
			if err := json.Unmarshal(attrsRaw, &rec.Attributes); err != nil {
				return nil, fmt.Errorf("unmarshal attributes: %w", err)
			}
		}

		doc := a.toDocument(rec, rank)
		if !query.Filter.Matches(doc.Source, doc.Content, doc.Timestamp, doc.Metadata) {
			continue
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func (a *Adapter) toDocument(rec Record, rank float64) domain.RetrievedDocument {
	meta := make(map[string]any, len(rec.Attributes)+1)
	for k, v := range rec.Attributes {
		meta[k] = v
	}
	meta["kind"] = rec.Kind

	content := rec.Title
	if body := strings.TrimSpace(rec.Body); body != "" {
		content += "\n" + body
	}
	return domain.RetrievedDocument{
		ID:        "record_" + rec.ID,
		Content:   content,
		Source:    a.source,
		Score:     domain.ClampScore(rank),
		Metadata:  meta,
		Timestamp: rec.UpdatedAt.UTC(),
	}
}
