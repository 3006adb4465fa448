package qdrant

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/resilience"
)

// pointNamespace derives stable Qdrant point ids (UUIDv5) from document ids,
// so re-adding a document overwrites its point.
var pointNamespace = uuid.MustParse("6f1c3a52-8d0e-4b7a-9a43-2f5d1e0c7b19")

// Store is a ports.VectorStore over the Qdrant REST API.
type Store struct {
	conn

	ensureMu          sync.Mutex
	ensuredCollection bool
	ensuredVectorSize int
}

func New(baseURL, apiKey, collection string, executor *resilience.Executor) *Store {
	return &Store{conn: newConn(baseURL, apiKey, collection, executor)}
}

func PointID(docID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(docID)).String()
}

func (s *Store) Add(ctx context.Context, doc domain.DocumentIndex) (bool, error) {
	n, err := s.AddBatch(ctx, []domain.DocumentIndex{doc})
	return n == 1, err
}

func (s *Store) AddBatch(ctx context.Context, docs []domain.DocumentIndex) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	size := len(docs[0].Vector)
	for _, doc := range docs {
		if doc.ID == "" {
			return 0, domain.WrapError(domain.ErrInvalidInput, "qdrant upsert", fmt.Errorf("document id is empty"))
		}
		if len(doc.Vector) == 0 || len(doc.Vector) != size {
			return 0, domain.WrapError(domain.ErrInvalidInput, "qdrant upsert",
				fmt.Errorf("document %s has vector size %d, want %d", doc.ID, len(doc.Vector), size))
		}
	}
	if err := s.ensureCollection(ctx, size); err != nil {
		return 0, err
	}

	type point struct {
		ID      string         `json:"id"`
		Vector  []float32      `json:"vector"`
		Payload map[string]any `json:"payload"`
	}
	points := make([]point, 0, len(docs))
	for _, doc := range docs {
		payload := map[string]any{
			"doc_id":  doc.ID,
			"source":  doc.Source,
			"content": doc.Content,
			"meta":    doc.Metadata,
		}
		if !doc.Timestamp.IsZero() {
			payload["ts"] = doc.Timestamp.Unix()
		}
		points = append(points, point{ID: PointID(doc.ID), Vector: doc.Vector, Payload: payload})
	}

	if err := s.do(ctx, http.MethodPut, s.collectionURL("/points?wait=true"), map[string]any{"points": points}, nil, "upsert"); err != nil {
		return 0, err
	}
	return len(points), nil
}

// Search queries Qdrant with the filter pushed down where it can be expressed
// and re-checks every hit with SearchFilter.Matches.
func (s *Store) Search(ctx context.Context, queryVector []float32, filter *domain.SearchFilter, topK int, minScore float64) ([]domain.RetrievedDocument, error) {
	if len(queryVector) == 0 || topK <= 0 {
		return []domain.RetrievedDocument{}, nil
	}

	reqBody := map[string]any{
		"query":           queryVector,
		"limit":           topK,
		"with_payload":    true,
		"score_threshold": minScore,
	}
	if f := buildFilter(filter); f != nil {
		reqBody["filter"] = f
	}

	var result struct {
		Points []scoredPoint `json:"points"`
	}
	if err := s.do(ctx, http.MethodPost, s.collectionURL("/points/query"), reqBody, &result, "query"); err != nil {
		if isNotFound(err) {
			return []domain.RetrievedDocument{}, nil
		}
		return nil, err
	}

	out := make([]domain.RetrievedDocument, 0, len(result.Points))
	for _, p := range result.Points {
		meta, _ := p.Payload["meta"].(map[string]any)
		doc := domain.RetrievedDocument{
			ID:        getStringPayload(p.Payload, "doc_id"),
			Content:   getStringPayload(p.Payload, "content"),
			Source:    getStringPayload(p.Payload, "source"),
			Score:     domain.ClampScore(p.Score),
			Metadata:  meta,
			Timestamp: getTimePayload(p.Payload, "ts"),
		}
		if doc.Score < minScore || !filter.Matches(doc.Source, doc.Content, doc.Timestamp, doc.Metadata) {
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	pointID := PointID(id)
	if err := s.do(ctx, http.MethodGet, s.collectionURL("/points/"+pointID), nil, nil, "get"); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}

	body := map[string]any{"points": []string{pointID}}
	if err := s.do(ctx, http.MethodPost, s.collectionURL("/points/delete?wait=true"), body, nil, "delete"); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Count(ctx context.Context, source string) (int, error) {
	body := map[string]any{"exact": true}
	if source != "" {
		body["filter"] = buildFilter(&domain.SearchFilter{Sources: []string{source}})
	}

	var result struct {
		Count int `json:"count"`
	}
	if err := s.do(ctx, http.MethodPost, s.collectionURL("/points/count"), body, &result, "count"); err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	return result.Count, nil
}

func (s *Store) ensureCollection(ctx context.Context, vectorSize int) error {
	s.ensureMu.Lock()
	if s.ensuredCollection && s.ensuredVectorSize == vectorSize {
		s.ensureMu.Unlock()
		return nil
	}
	s.ensureMu.Unlock()

	body := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}
	err := s.do(ctx, http.MethodPut, s.collectionURL(""), body, nil, "ensure_collection")
	if err != nil {
		if statusErr, ok := asStatusError(err); !ok || statusErr.StatusCode != http.StatusConflict {
			return err
		}
	}

	if err := s.ensurePayloadIndexes(ctx); err != nil {
		return err
	}

	s.ensureMu.Lock()
	s.ensuredCollection = true
	s.ensuredVectorSize = vectorSize
	s.ensureMu.Unlock()
	return nil
}

func (s *Store) ensurePayloadIndexes(ctx context.Context) error {
	for field, schema := range map[string]string{"source": "keyword", "ts": "integer"} {
		body := map[string]any{"field_name": field, "field_schema": schema}
		if err := s.do(ctx, http.MethodPut, s.collectionURL("/index?wait=true"), body, nil, "create_index"); err != nil {
			return err
		}
	}
	return nil
}

// buildFilter translates the parts of a SearchFilter Qdrant can evaluate.
func buildFilter(filter *domain.SearchFilter) map[string]any {
	if filter == nil {
		return nil
	}
	must := make([]map[string]any, 0, 4)
	if len(filter.Sources) > 0 {
		sources := make([]string, len(filter.Sources))
		for i, src := range filter.Sources {
			sources[i] = strings.ToLower(strings.TrimSpace(src))
		}
		must = append(must, map[string]any{
			"key":   "source",
			"match": map[string]any{"any": sources},
		})
	}
	if filter.DateFrom != nil || filter.DateTo != nil {
		rng := map[string]any{}
		if filter.DateFrom != nil {
			rng["gte"] = filter.DateFrom.Unix()
		}
		if filter.DateTo != nil {
			rng["lte"] = filter.DateTo.Unix()
		}
		must = append(must, map[string]any{"key": "ts", "range": rng})
	}
	for key, value := range filter.Metadata {
		switch value.(type) {
		case string, bool, int, int64:
			must = append(must, map[string]any{
				"key":   "meta." + key,
				"match": map[string]any{"value": value},
			})
		}
	}
	if len(must) == 0 {
		return nil
	}
	return map[string]any{"must": must}
}
