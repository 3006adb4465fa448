package usecase

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/core/ports"
)

// RankingWeights tunes the aggregator's composite score. The values are
// heuristic and meant to be adjusted per deployment.
type RankingWeights struct {
	SourcePriority       map[string]float64
	RecencyWeight        float64
	RecencyHorizonDays   float64
	QualityLengthDivisor float64
	QualityCap           float64
}

func DefaultRankingWeights() RankingWeights {
	return RankingWeights{
		SourcePriority: map[string]float64{
			domain.SourceHandbook:     0.10,
			domain.SourceCRM:          0.08,
			domain.SourceGraph:        0.05,
			domain.SourceConversation: 0.03,
		},
		RecencyWeight:        0.1,
		RecencyHorizonDays:   365,
		QualityLengthDivisor: 1000,
		QualityCap:           0.1,
	}
}

// RetrievalAggregator merges vector store hits with every registered
// SourceAdapter, then deduplicates and ranks the union.
type RetrievalAggregator struct {
	store    ports.VectorStore
	adapters []ports.SourceAdapter
	weights  RankingWeights
	observer ports.PipelineObserver
	now      func() time.Time
}

func NewRetrievalAggregator(
	store ports.VectorStore,
	adapters []ports.SourceAdapter,
	weights RankingWeights,
	observer ports.PipelineObserver,
) *RetrievalAggregator {
	if observer == nil {
		observer = ports.NopObserver{}
	}
	return &RetrievalAggregator{
		store:    store,
		adapters: adapters,
		weights:  weights,
		observer: observer,
		now:      time.Now,
	}
}

// Search returns at most query.Limit documents. Adapter failures only remove
// that adapter's contribution; a vector store failure fails the call.
func (a *RetrievalAggregator) Search(ctx context.Context, query ports.SourceQuery, minScore float64) ([]domain.RetrievedDocument, error) {
	maxResults := query.Limit
	if maxResults <= 0 {
		maxResults = 5
	}

	candidates, err := a.store.Search(ctx, query.Vector, query.Filter, 2*maxResults, minScore)
	if err != nil {
		return nil, fmt.Errorf("search vector store: %w", err)
	}

	adapterQuery := query
	adapterQuery.Limit = maxResults
	for _, docs := range a.searchAdapters(ctx, adapterQuery) {
		candidates = append(candidates, docs...)
	}

	kept := make([]domain.RetrievedDocument, 0, len(candidates))
	for _, doc := range candidates {
		doc.Score = domain.ClampScore(doc.Score)
		if doc.Score < minScore {
			continue
		}
		kept = append(kept, doc)
	}

	return a.rank(dedupByContent(kept), maxResults), nil
}

func (a *RetrievalAggregator) searchAdapters(ctx context.Context, query ports.SourceQuery) [][]domain.RetrievedDocument {
	results := make([][]domain.RetrievedDocument, len(a.adapters))
	var g errgroup.Group
	for i, adapter := range a.adapters {
		if !query.Filter.AllowsSource(adapter.Name()) {
			continue
		}
		g.Go(func() error {
			docs, err := adapter.Search(ctx, query)
			if err != nil {
				slog.Warn("source_adapter_failed", "source", adapter.Name(), "error", err)
				a.observer.ObserveSourceFailure(adapter.Name())
				return nil
			}
			results[i] = docs
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (a *RetrievalAggregator) rank(docs []domain.RetrievedDocument, maxResults int) []domain.RetrievedDocument {
	now := a.now()
	scores := make([]float64, len(docs))
	for i := range docs {
		scores[i] = a.finalScore(docs[i], now)
		docs[i].Metadata = withMetadata(docs[i].Metadata, "rank_score", scores[i])
	}

	order := make([]int, len(docs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return scores[order[i]] > scores[order[j]]
	})

	if len(order) > maxResults {
		order = order[:maxResults]
	}
	out := make([]domain.RetrievedDocument, len(order))
	for i, idx := range order {
		out[i] = docs[idx]
	}
	return out
}

func (a *RetrievalAggregator) finalScore(doc domain.RetrievedDocument, now time.Time) float64 {
	w := a.weights
	score := doc.Score + w.SourcePriority[strings.ToLower(doc.Source)]

	if !doc.Timestamp.IsZero() && w.RecencyHorizonDays > 0 {
		ageDays := now.Sub(doc.Timestamp).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		score += max(0, w.RecencyWeight*(1-ageDays/w.RecencyHorizonDays))
	}

	if w.QualityLengthDivisor > 0 {
		score += min(float64(utf8.RuneCountInString(doc.Content))/w.QualityLengthDivisor, w.QualityCap)
	}
	return score
}

// dedupByContent keeps the first document for every trimmed, lower-cased content.
func dedupByContent(docs []domain.RetrievedDocument) []domain.RetrievedDocument {
	seen := make(map[[sha256.Size]byte]struct{}, len(docs))
	out := make([]domain.RetrievedDocument, 0, len(docs))
	for _, doc := range docs {
		key := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(doc.Content))))
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, doc)
	}
	return out
}

func withMetadata(meta map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out[key] = value
	return out
}
