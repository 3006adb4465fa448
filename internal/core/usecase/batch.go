package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

const batchErrorAnswer = "Error processing query"

// ProcessBatch runs every query concurrently, bounded by BatchConcurrency.
// A failing or panicking item becomes an error-flagged response in its own
// slot; the result order matches the input order.
func (p *RAGPipeline) ProcessBatch(ctx context.Context, queries []domain.RAGQuery) []domain.RAGResponse {
	out := make([]domain.RAGResponse, len(queries))
	if len(queries) == 0 {
		return out
	}

	var g errgroup.Group
	if p.cfg.BatchConcurrency > 0 {
		g.SetLimit(p.cfg.BatchConcurrency)
	}
	for i, query := range queries {
		g.Go(func() error {
			resp, err := p.processIsolated(ctx, query)
			if err != nil {
				slog.Warn("batch_item_failed", "index", i, "error", err)
				out[i] = failedResponse(query, err)
				p.observer.ObserveBatchItem(true)
				return nil
			}
			out[i] = *resp
			p.observer.ObserveBatchItem(false)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (p *RAGPipeline) processIsolated(ctx context.Context, query domain.RAGQuery) (resp *domain.RAGResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.Process(ctx, query)
}

func failedResponse(query domain.RAGQuery, err error) domain.RAGResponse {
	return domain.RAGResponse{
		Query:      query.Text,
		Answer:     batchErrorAnswer,
		Sources:    []domain.RetrievedDocument{},
		Confidence: 0,
		Metadata: map[string]any{
			"error":  err.Error(),
			"failed": true,
		},
	}
}
