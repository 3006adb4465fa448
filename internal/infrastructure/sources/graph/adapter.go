package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/core/ports"
)

const searchQuery = `
CALL db.index.fulltext.queryNodes($index, $query) YIELD node, score
RETURN elementId(node) AS id,
	coalesce(node.name, node.title, '') AS name,
	coalesce(node.description, node.text, '') AS description,
	labels(node) AS labels,
	score
ORDER BY score DESC
LIMIT $limit
`

// querier runs a read query and returns each record as a map.
type querier interface {
	Query(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)
}

// Adapter searches knowledge-graph entities through a Neo4j fulltext index.
// Lucene scores are unbounded, so they are mapped to score/(score+1).
type Adapter struct {
	db    querier
	index string
}

func NewAdapter(db querier, index string) *Adapter {
	if strings.TrimSpace(index) == "" {
		index = "entity_text"
	}
	return &Adapter{db: db, index: index}
}

func (a *Adapter) Name() string { return domain.SourceGraph }

func (a *Adapter) Search(ctx context.Context, query ports.SourceQuery) ([]domain.RetrievedDocument, error) {
	text := escapeLucene(strings.TrimSpace(query.Text))
	if text == "" {
		return []domain.RetrievedDocument{}, nil
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 5
	}

	records, err := a.db.Query(ctx, searchQuery, map[string]any{
		"index": a.index,
		"query": text,
		"limit": int64(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("graph fulltext query: %w", err)
	}

	out := make([]domain.RetrievedDocument, 0, len(records))
	for _, rec := range records {
		name, _ := rec["name"].(string)
		description, _ := rec["description"].(string)
		if strings.TrimSpace(name) == "" && strings.TrimSpace(description) == "" {
			continue
		}
		labels := toStrings(rec["labels"])
		score, _ := rec["score"].(float64)
		id, _ := rec["id"].(string)

		content := name
		if description != "" {
			content = strings.TrimSpace(name + ": " + description)
		}
		doc := domain.RetrievedDocument{
			ID:       "graph_" + id,
			Content:  content,
			Source:   domain.SourceGraph,
			Score:    normalizeScore(score),
			Metadata: map[string]any{"labels": strings.Join(labels, ",")},
		}
		if !query.Filter.Matches(doc.Source, doc.Content, doc.Timestamp, doc.Metadata) {
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}

func normalizeScore(score float64) float64 {
	if score <= 0 {
		return 0
	}
	return domain.ClampScore(score / (score + 1))
}

func toStrings(v any) []string {
	switch items := v.(type) {
	case []string:
		return items
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

var luceneReplacer = strings.NewReplacer(
	`\`, `\\`, `+`, `\+`, `-`, `\-`, `!`, `\!`, `(`, `\(`, `)`, `\)`, `:`, `\:`,
	`^`, `\^`, `[`, `\[`, `]`, `\]`, `"`, `\"`, `{`, `\{`, `}`, `\}`, `~`, `\~`,
	`*`, `\*`, `?`, `\?`, `|`, `\|`, `&`, `\&`, `/`, `\/`,
)

// escapeLucene keeps user text from being parsed as fulltext query syntax.
func escapeLucene(s string) string {
	return luceneReplacer.Replace(s)
}

// Driver is the Neo4j-backed querier.
type Driver struct {
	driver   neo4j.DriverWithContext
	database string
}

func Connect(ctx context.Context, uri, user, password, database string) (*Driver, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""), func(cfg *neo4j.Config) {
		cfg.ConnectionAcquisitionTimeout = 10 * time.Second
	})
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	return &Driver{driver: driver, database: database}, nil
}

func (d *Driver) Query(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	opts := []neo4j.ExecuteQueryConfigurationOption{neo4j.ExecuteQueryWithReadersRouting()}
	if d.database != "" {
		opts = append(opts, neo4j.ExecuteQueryWithDatabase(d.database))
	}
	result, err := neo4j.ExecuteQuery(ctx, d.driver, cypher, params, neo4j.EagerResultTransformer, opts...)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(result.Records))
	for _, rec := range result.Records {
		out = append(out, rec.AsMap())
	}
	return out, nil
}

func (d *Driver) Close(ctx context.Context) error {
	return d.driver.Close(ctx)
}
