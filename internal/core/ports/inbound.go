package ports

import (
	"context"
	"io"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

// QueryService is the inbound contract for grounded question answering.
type QueryService interface {
	Process(ctx context.Context, query domain.RAGQuery) (*domain.RAGResponse, error)
	ProcessBatch(ctx context.Context, queries []domain.RAGQuery) []domain.RAGResponse
	FollowUps(ctx context.Context, query, answer string, sources []domain.RetrievedDocument) []string
}

// DocumentIngestor is the inbound contract for indexing content.
type DocumentIngestor interface {
	IngestText(ctx context.Context, text, source string, metadata map[string]any) (*domain.IngestResult, error)
	IngestRecord(ctx context.Context, record map[string]any, source string, metadata map[string]any) (*domain.IngestResult, error)
	IngestFile(ctx context.Context, filename string, body io.Reader, source string, metadata map[string]any) (*domain.IngestResult, error)
	Enqueue(ctx context.Context, req domain.IngestRequest) error
	EnqueueFile(ctx context.Context, filename string, body io.Reader, source string, metadata map[string]any) (string, error)
	Delete(ctx context.Context, id string) (bool, error)
	Count(ctx context.Context, source string) (int, error)
}

// TemplateCatalog exposes the prompt template registry.
type TemplateCatalog interface {
	Templates() []domain.PromptTemplate
	Register(tpl domain.PromptTemplate) error
}
