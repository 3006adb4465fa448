package pgvector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

const schemaLockID = int64(2026101801)

// Store is a ports.VectorStore over PostgreSQL with the pgvector extension.
type Store struct {
	db         *sql.DB
	dimensions int
}

func NewStore(db *sql.DB, dimensions int) *Store {
	return &Store{db: db, dimensions: dimensions}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	column := "vector"
	if s.dimensions > 0 {
		column = fmt.Sprintf("vector(%d)", s.dimensions)
	}
	query := `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS rag_documents (
	id TEXT PRIMARY KEY,
	source TEXT NOT NULL,
	content TEXT NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	embedding ` + column + ` NOT NULL,
	ts TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rag_documents_source ON rag_documents(source);
CREATE INDEX IF NOT EXISTS idx_rag_documents_ts ON rag_documents(ts DESC);
`
	if s.dimensions > 0 {
		query += `CREATE INDEX IF NOT EXISTS idx_rag_documents_embedding ON rag_documents USING hnsw (embedding vector_cosine_ops);
`
	}
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (s *Store) Add(ctx context.Context, doc domain.DocumentIndex) (bool, error) {
	n, err := s.AddBatch(ctx, []domain.DocumentIndex{doc})
	return n == 1, err
}

func (s *Store) AddBatch(ctx context.Context, docs []domain.DocumentIndex) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	for _, doc := range docs {
		if strings.TrimSpace(doc.ID) == "" || len(doc.Vector) == 0 {
			return 0, domain.WrapError(domain.ErrInvalidInput, "pgvector upsert", fmt.Errorf("document %q has no id or vector", doc.ID))
		}
		if s.dimensions > 0 && len(doc.Vector) != s.dimensions {
			return 0, domain.WrapError(domain.ErrInvalidInput, "pgvector upsert",
				fmt.Errorf("document %s has vector size %d, want %d", doc.ID, len(doc.Vector), s.dimensions))
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin upsert tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO rag_documents (id, source, content, metadata, embedding, ts, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO UPDATE
SET source = EXCLUDED.source, content = EXCLUDED.content, metadata = EXCLUDED.metadata,
	embedding = EXCLUDED.embedding, ts = EXCLUDED.ts, updated_at = EXCLUDED.updated_at
`)
	if err != nil {
		return 0, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, doc := range docs {
		meta := doc.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return 0, fmt.Errorf("marshal metadata: %w", err)
		}
		var ts sql.NullTime
		if !doc.Timestamp.IsZero() {
			ts = sql.NullTime{Time: doc.Timestamp.UTC(), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			doc.ID, strings.ToLower(doc.Source), doc.Content, metaJSON, pgvector.NewVector(doc.Vector), ts, now,
		); err != nil {
			return 0, fmt.Errorf("upsert document %s: %w", doc.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit upsert tx: %w", err)
	}
	return len(docs), nil
}

// Search ranks by cosine distance; score is max(0, 1 - distance).
func (s *Store) Search(ctx context.Context, queryVector []float32, filter *domain.SearchFilter, topK int, minScore float64) ([]domain.RetrievedDocument, error) {
	if len(queryVector) == 0 || topK <= 0 {
		return []domain.RetrievedDocument{}, nil
	}

	args := []any{pgvector.NewVector(queryVector)}
	where := buildWhere(filter, &args)
	args = append(args, topK)

	query := `
SELECT id, source, content, metadata, ts, embedding <=> $1 AS distance
FROM rag_documents` + where + `
ORDER BY distance ASC, id ASC
LIMIT $` + fmt.Sprint(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	defer rows.Close()

	out := make([]domain.RetrievedDocument, 0, topK)
	for rows.Next() {
		var (
			doc      domain.RetrievedDocument
			metaRaw  []byte
			ts       sql.NullTime
			distance float64
		)
		if err := rows.Scan(&doc.ID, &doc.Source, &doc.Content, &metaRaw, &ts, &distance); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if len(metaRaw) > 0 {
			if err := json.Unmarshal(metaRaw, &doc.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		if ts.Valid {
			doc.Timestamp = ts.Time.UTC()
		}
		doc.Score = domain.ClampScore(1 - distance)
		if doc.Score < minScore {
			continue
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rag_documents WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete document: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete document rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *Store) Count(ctx context.Context, source string) (int, error) {
	var (
		n   int
		row *sql.Row
	)
	source = strings.ToLower(strings.TrimSpace(source))
	if source == "" {
		row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rag_documents`)
	} else {
		row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rag_documents WHERE source = $1`, source)
	}
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

// buildWhere appends filter arguments to args and returns the WHERE clause.
// Metadata values are compared as text against metadata->>key.
func buildWhere(filter *domain.SearchFilter, args *[]any) string {
	if filter == nil {
		return ""
	}
	next := func(v any) string {
		*args = append(*args, v)
		return fmt.Sprintf("$%d", len(*args))
	}

	conds := make([]string, 0, 6)
	if len(filter.Sources) > 0 {
		placeholders := make([]string, 0, len(filter.Sources))
		for _, src := range filter.Sources {
			placeholders = append(placeholders, next(strings.ToLower(strings.TrimSpace(src))))
		}
		conds = append(conds, "source IN ("+strings.Join(placeholders, ",")+")")
	}
	if filter.DateFrom != nil {
		conds = append(conds, "ts >= "+next(filter.DateFrom.UTC()))
	}
	if filter.DateTo != nil {
		conds = append(conds, "ts <= "+next(filter.DateTo.UTC()))
	}
	if filter.MinContentLength > 0 {
		conds = append(conds, "char_length(content) >= "+next(filter.MinContentLength))
	}
	if filter.MaxContentLength > 0 {
		conds = append(conds, "char_length(content) <= "+next(filter.MaxContentLength))
	}
	keys := make([]string, 0, len(filter.Metadata))
	for k := range filter.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		conds = append(conds, "metadata->>"+next(k)+" = "+next(fmt.Sprint(filter.Metadata[k])))
	}

	if len(conds) == 0 {
		return ""
	}
	return "\nWHERE " + strings.Join(conds, " AND ")
}
