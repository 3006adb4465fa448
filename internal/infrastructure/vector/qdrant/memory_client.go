package qdrant

import (
	"context"
	"net/http"
	"strings"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/core/ports"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/resilience"
)

// MemoryAdapter searches per-user conversation summaries kept in a separate
// collection. Points carry user_id, conversation_id, summary_id, turn_from,
// turn_to, text and an optional created_at payload.
type MemoryAdapter struct {
	conn
}

func NewMemoryAdapter(baseURL, apiKey, collection string, executor *resilience.Executor) *MemoryAdapter {
	return &MemoryAdapter{conn: newConn(baseURL, apiKey, collection, executor)}
}

func (a *MemoryAdapter) Name() string { return domain.SourceConversation }

// Search returns nothing for anonymous queries; memory is always scoped to a user.
func (a *MemoryAdapter) Search(ctx context.Context, query ports.SourceQuery) ([]domain.RetrievedDocument, error) {
	if len(query.Vector) == 0 || strings.TrimSpace(query.UserID) == "" {
		return []domain.RetrievedDocument{}, nil
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 4
	}

	conversationID := ""
	if query.Filter != nil {
		if v, ok := query.Filter.Metadata["conversation_id"].(string); ok {
			conversationID = v
		}
	}
	reqBody := map[string]any{
		"query":        query.Vector,
		"limit":        limit,
		"with_payload": true,
		"filter":       buildMemoryFilter(query.UserID, conversationID),
	}

	var result struct {
		Points []scoredPoint `json:"points"`
	}
	if err := a.do(ctx, http.MethodPost, a.collectionURL("/points/query"), reqBody, &result, "memory_query"); err != nil {
		if isNotFound(err) {
			return []domain.RetrievedDocument{}, nil
		}
		return nil, err
	}

	out := make([]domain.RetrievedDocument, 0, len(result.Points))
	for _, p := range result.Points {
		out = append(out, domain.RetrievedDocument{
			ID:      "memory_" + getStringPayload(p.Payload, "summary_id"),
			Content: getStringPayload(p.Payload, "text"),
			Source:  domain.SourceConversation,
			Score:   domain.ClampScore(p.Score),
			Metadata: map[string]any{
				"user_id":         getStringPayload(p.Payload, "user_id"),
				"conversation_id": getStringPayload(p.Payload, "conversation_id"),
				"turn_from":       getIntPayload(p.Payload, "turn_from"),
				"turn_to":         getIntPayload(p.Payload, "turn_to"),
			},
			Timestamp: getTimePayload(p.Payload, "created_at"),
		})
	}
	return out, nil
}

func buildMemoryFilter(userID, conversationID string) map[string]any {
	must := []map[string]any{
		{
			"key":   "user_id",
			"match": map[string]any{"value": userID},
		},
	}
	if strings.TrimSpace(conversationID) != "" {
		must = append(must, map[string]any{
			"key":   "conversation_id",
			"match": map[string]any{"value": conversationID},
		})
	}
	return map[string]any{"must": must}
}
