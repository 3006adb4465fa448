package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

// EmbeddingProvider converts text into fixed-length vectors. Implementations
// signal domain.ErrProviderUnavailable on network or quota failures and never
// truncate a batch silently.
type EmbeddingProvider interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	ModelName() string
	BatchSize() int
}

// GenerationProvider produces text from a system and user prompt.
type GenerationProvider interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string, temperature float64, maxTokens int) (string, error)
	ModelName() string
}

// TextChunker splits text into overlapping word windows and flattens
// structured records into text.
type TextChunker interface {
	Chunk(text, source string, metadata map[string]any) []domain.TextChunk
	Flatten(record any) string
}

// EmbeddingCacheStore persists cached vectors. PutIfAbsent must write at most
// once per key; a lost race is not an error.
type EmbeddingCacheStore interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	PutIfAbsent(ctx context.Context, key string, vector []float32) error
}

// VectorStore indexes documents and performs similarity search. Add and
// AddBatch have upsert semantics keyed by DocumentIndex.ID. Search scores are
// normalized into [0,1].
type VectorStore interface {
	Add(ctx context.Context, doc domain.DocumentIndex) (bool, error)
	AddBatch(ctx context.Context, docs []domain.DocumentIndex) (int, error)
	Search(ctx context.Context, queryVector []float32, filter *domain.SearchFilter, topK int, minScore float64) ([]domain.RetrievedDocument, error)
	Delete(ctx context.Context, id string) (bool, error)
	Count(ctx context.Context, source string) (int, error)
}

// SourceQuery is what a SourceAdapter receives for one aggregated search.
type SourceQuery struct {
	Text   string
	Vector []float32
	UserID string
	Filter *domain.SearchFilter
	Limit  int
}

// SourceAdapter is a non-vector search backend participating in aggregation.
type SourceAdapter interface {
	Name() string
	Search(ctx context.Context, query SourceQuery) ([]domain.RetrievedDocument, error)
}

// RecordSink is a source adapter that also stores the structured records it
// searches. Name matches the ingest source it accepts.
type RecordSink interface {
	Name() string
	SaveRecord(ctx context.Context, record map[string]any) error
}

// DocumentLoader extracts text or records from an uploaded file.
type DocumentLoader interface {
	Load(ctx context.Context, filename string, body io.Reader) (*domain.LoadedDocument, error)
}

// ObjectStorage keeps uploaded files until the worker ingests them.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// IngestionQueue publishes/consumes asynchronous ingestion requests.
type IngestionQueue interface {
	PublishIngestRequest(ctx context.Context, req domain.IngestRequest) error
	SubscribeIngestRequests(ctx context.Context, handler func(context.Context, domain.IngestRequest) error) error
}

// PipelineObserver receives pipeline measurements. Implementations must be
// safe for concurrent use.
type PipelineObserver interface {
	ObserveQuery(status string, duration time.Duration, sources int, confidence float64)
	ObserveCacheLookup(hit bool)
	ObserveSourceFailure(source string)
	ObserveBatchItem(failed bool)
}

// NopObserver discards all measurements.
type NopObserver struct{}

func (NopObserver) ObserveQuery(string, time.Duration, int, float64) {}
func (NopObserver) ObserveCacheLookup(bool)                          {}
func (NopObserver) ObserveSourceFailure(string)                      {}
func (NopObserver) ObserveBatchItem(bool)                            {}
