package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"

	"github.com/kirillkom/grounded-rag/internal/core/ports"
)

// EmbeddingCache is a content-addressed view over an EmbeddingCacheStore.
// Backend failures degrade to misses so a broken cache only costs latency.
type EmbeddingCache struct {
	store    ports.EmbeddingCacheStore
	observer ports.PipelineObserver
}

func NewEmbeddingCache(store ports.EmbeddingCacheStore, observer ports.PipelineObserver) *EmbeddingCache {
	if observer == nil {
		observer = ports.NopObserver{}
	}
	return &EmbeddingCache{store: store, observer: observer}
}

// CacheKey hashes normalized text together with the model name.
func CacheKey(text, model string) string {
	sum := sha256.Sum256([]byte(normalizeText(text) + "\x00" + model))
	return hex.EncodeToString(sum[:])
}

func (c *EmbeddingCache) Lookup(ctx context.Context, key string) ([]float32, bool) {
	if c == nil || c.store == nil {
		return nil, false
	}
	vector, ok, err := c.store.Get(ctx, key)
	if err != nil {
		slog.Warn("embedding_cache_get_failed", "error", err)
		c.observer.ObserveCacheLookup(false)
		return nil, false
	}
	c.observer.ObserveCacheLookup(ok)
	if !ok {
		return nil, false
	}
	return vector, true
}

func (c *EmbeddingCache) Store(ctx context.Context, key string, vector []float32) {
	if c == nil || c.store == nil || len(vector) == 0 {
		return
	}
	if err := c.store.PutIfAbsent(ctx, key, vector); err != nil {
		slog.Warn("embedding_cache_put_failed", "error", err)
	}
}

func normalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
