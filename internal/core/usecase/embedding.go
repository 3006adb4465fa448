package usecase

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/core/ports"
)

// sharedEmbedTimeout bounds a provider call that outlives the caller that
// started it.
const sharedEmbedTimeout = 30 * time.Second

// EmbeddingService turns queries, documents and records into vectors, consulting
// the cache before the provider.
type EmbeddingService struct {
	provider ports.EmbeddingProvider
	chunker  ports.TextChunker
	cache    *EmbeddingCache
	inflight singleflight.Group
}

func NewEmbeddingService(provider ports.EmbeddingProvider, chunker ports.TextChunker, cache *EmbeddingCache) *EmbeddingService {
	return &EmbeddingService{
		provider: provider,
		chunker:  chunker,
		cache:    cache,
	}
}

func (s *EmbeddingService) ModelName() string {
	return s.provider.ModelName()
}

// EmbedQuery returns the vector for a single query text. Concurrent misses for
// the same key share one provider call; the shared call is detached from any
// single caller's cancellation and each caller waits only as long as its own
// context allows.
func (s *EmbeddingService) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	normalized := normalizeText(text)
	if normalized == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "embed query", fmt.Errorf("text is empty"))
	}

	key := CacheKey(normalized, s.provider.ModelName())
	if vector, ok := s.cache.Lookup(ctx, key); ok {
		return cloneVector(vector), nil
	}

	ch := s.inflight.DoChan(key, func() (any, error) {
		sharedCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedEmbedTimeout)
		defer cancel()
		return s.embedAndStore(sharedCtx, key, normalized)
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("embed query: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return cloneVector(res.Val.([]float32)), nil
	}
}

func (s *EmbeddingService) embedAndStore(ctx context.Context, key, text string) ([]float32, error) {
	vector, err := s.provider.EmbedText(ctx, text)
	if err != nil {
		return nil, providerError("embed query", err)
	}
	if len(vector) == 0 {
		return nil, domain.WrapError(domain.ErrProviderUnavailable, "embed query", fmt.Errorf("empty vector"))
	}
	s.cache.Store(ctx, key, vector)
	return vector, nil
}

// EmbedDocument chunks text and embeds every chunk. Cached chunks skip the
// provider; the rest are sent in slices of the provider batch size.
func (s *EmbeddingService) EmbedDocument(ctx context.Context, text, source string, metadata map[string]any) ([]domain.EmbeddingResult, error) {
	started := time.Now()
	chunks := s.chunker.Chunk(text, source, metadata)
	if len(chunks) == 0 {
		return []domain.EmbeddingResult{}, nil
	}

	model := s.provider.ModelName()
	vectors := make([][]float32, len(chunks))
	keys := make([]string, len(chunks))
	misses := make([]int, 0, len(chunks))
	for i, chunk := range chunks {
		keys[i] = CacheKey(chunk.Text, model)
		if vector, ok := s.cache.Lookup(ctx, keys[i]); ok {
			vectors[i] = cloneVector(vector)
			continue
		}
		misses = append(misses, i)
	}

	batchSize := s.provider.BatchSize()
	if batchSize <= 0 {
		batchSize = len(misses)
	}
	for start := 0; start < len(misses); start += batchSize {
		end := min(start+batchSize, len(misses))
		idx := misses[start:end]
		texts := make([]string, len(idx))
		for j, i := range idx {
			texts[j] = chunks[i].Text
		}

		batch, err := s.provider.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, providerError("embed document batch", err)
		}
		if len(batch) != len(texts) {
			return nil, domain.WrapError(domain.ErrProviderUnavailable, "embed document batch",
				fmt.Errorf("provider returned %d vectors for %d texts", len(batch), len(texts)))
		}
		for j, i := range idx {
			if len(batch[j]) == 0 {
				return nil, domain.WrapError(domain.ErrProviderUnavailable, "embed document batch",
					fmt.Errorf("empty vector for chunk %s", chunks[i].ID))
			}
			vectors[i] = batch[j]
			s.cache.Store(ctx, keys[i], batch[j])
		}
	}

	elapsed := time.Since(started)
	out := make([]domain.EmbeddingResult, len(chunks))
	for i, chunk := range chunks {
		meta := make(map[string]any, len(chunk.Metadata)+4)
		for k, v := range chunk.Metadata {
			meta[k] = v
		}
		meta["chunk_id"] = chunk.ID
		meta["source"] = chunk.Source
		meta["start_word"] = chunk.StartWord
		meta["end_word"] = chunk.EndWord
		out[i] = domain.EmbeddingResult{
			Text:           chunk.Text,
			Vector:         vectors[i],
			Model:          model,
			Dimensions:     len(vectors[i]),
			ProcessingTime: elapsed,
			Metadata:       meta,
		}
	}
	return out, nil
}

// EmbedRecord flattens a structured record into "key: value" lines before
// chunking it.
func (s *EmbeddingService) EmbedRecord(ctx context.Context, record map[string]any, source string, metadata map[string]any) ([]domain.EmbeddingResult, error) {
	return s.EmbedDocument(ctx, s.chunker.Flatten(record), source, metadata)
}

// Similarity is the cosine similarity of a and b; 0 when either has zero norm
// or their lengths differ.
func Similarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func providerError(operation string, err error) error {
	if domain.IsKind(err, domain.ErrProviderUnavailable) {
		return fmt.Errorf("%s: %w", operation, err)
	}
	return domain.WrapError(domain.ErrProviderUnavailable, operation, err)
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
