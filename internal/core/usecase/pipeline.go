package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/core/ports"
)

const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusFallback = "fallback"
	statusInvalid  = "invalid"

	minPartialBlock = 100
	truncationMark  = "...\n"
)

type PipelineConfig struct {
	MaxRetrievedDocs  int
	MinRelevanceScore float64
	MaxContextLength  int
	RerankEnabled     bool
	DefaultMaxResults int
	BatchConcurrency  int
	FollowUpsEnabled  bool
	DefaultTemplate   string

	EmbedTimeout      time.Duration
	RetrievalTimeout  time.Duration
	GenerationTimeout time.Duration

	Rerank     RerankWeights
	Confidence PipelineConfidenceWeights
}

// PipelineConfidenceWeights parameterizes the response-level confidence. It is
// intentionally separate from the generation-level ConfidenceWeights.
type PipelineConfidenceWeights struct {
	NoSourceFloor      float64
	DiversityPerSource float64
	DiversityCap       float64
	LengthDivisor      float64
	LengthCap          float64
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		MaxRetrievedDocs:  10,
		MinRelevanceScore: 0.3,
		MaxContextLength:  8000,
		RerankEnabled:     true,
		DefaultMaxResults: 5,
		BatchConcurrency:  4,
		DefaultTemplate:   DefaultTemplateName,
		EmbedTimeout:      15 * time.Second,
		RetrievalTimeout:  10 * time.Second,
		GenerationTimeout: 60 * time.Second,
		Rerank:            DefaultRerankWeights(),
		Confidence: PipelineConfidenceWeights{
			NoSourceFloor:      0.1,
			DiversityPerSource: 0.1,
			DiversityCap:       0.3,
			LengthDivisor:      1000,
			LengthCap:          0.2,
		},
	}
}

// RAGPipeline answers one query at a time through a fixed stage sequence:
// query processing, retrieval, optional rerank, context assembly, generation
// and response assembly.
type RAGPipeline struct {
	embeddings *EmbeddingService
	retrieval  *RetrievalAggregator
	generation *GenerationService
	cfg        PipelineConfig
	observer   ports.PipelineObserver
}

func NewRAGPipeline(
	embeddings *EmbeddingService,
	retrieval *RetrievalAggregator,
	generation *GenerationService,
	cfg PipelineConfig,
	observer ports.PipelineObserver,
) *RAGPipeline {
	if cfg.DefaultMaxResults <= 0 {
		cfg.DefaultMaxResults = 5
	}
	if cfg.MaxRetrievedDocs <= 0 {
		cfg.MaxRetrievedDocs = 10
	}
	if cfg.MaxContextLength <= 0 {
		cfg.MaxContextLength = 8000
	}
	if observer == nil {
		observer = ports.NopObserver{}
	}
	return &RAGPipeline{
		embeddings: embeddings,
		retrieval:  retrieval,
		generation: generation,
		cfg:        cfg,
		observer:   observer,
	}
}

// Validate rejects malformed queries before any I/O happens.
func Validate(query domain.RAGQuery) error {
	if strings.TrimSpace(query.Text) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "validate query", fmt.Errorf("query text is empty"))
	}
	if query.MaxResults < 0 {
		return domain.WrapError(domain.ErrInvalidInput, "validate query", fmt.Errorf("max_results must not be negative"))
	}
	if query.MinScore < 0 || query.MinScore > 1 {
		return domain.WrapError(domain.ErrInvalidInput, "validate query", fmt.Errorf("min_score must be within [0,1]"))
	}
	if g := query.Generation; g != nil {
		if g.Temperature != nil && (*g.Temperature < 0 || *g.Temperature > 2) {
			return domain.WrapError(domain.ErrInvalidInput, "validate query", fmt.Errorf("temperature must be within [0,2]"))
		}
		if g.MaxTokens != nil && *g.MaxTokens < 0 {
			return domain.WrapError(domain.ErrInvalidInput, "validate query", fmt.Errorf("max_tokens must not be negative"))
		}
	}
	return nil
}

// Process runs the full pipeline. Only validation errors are returned; every
// downstream failure degrades into the response.
func (p *RAGPipeline) Process(ctx context.Context, query domain.RAGQuery) (*domain.RAGResponse, error) {
	started := time.Now()
	if err := Validate(query); err != nil {
		p.observer.ObserveQuery(statusInvalid, time.Since(started), 0, 0)
		return nil, err
	}

	maxResults := query.MaxResults
	if maxResults <= 0 {
		maxResults = p.cfg.DefaultMaxResults
	}
	working := workingQueryText(query)
	status := statusOK
	timings := make(map[string]float64, 4)
	meta := map[string]any{}

	stage := time.Now()
	docs, err := p.retrieve(ctx, working, query, maxResults)
	timings["retrieval"] = elapsedMS(stage)
	if err != nil {
		slog.Warn("retrieval_degraded", "error", err)
		meta["retrieval_error"] = err.Error()
		status = statusDegraded
	}
	meta["retrieved_count"] = len(docs)

	reranked := false
	if p.cfg.RerankEnabled && len(docs) > 1 {
		stage = time.Now()
		docs = rerankDocuments(docs, p.cfg.Rerank)
		timings["rerank"] = elapsedMS(stage)
		reranked = true
	}

	contextText, included := buildContext(docs, p.cfg.MaxContextLength)

	sources := docs
	if len(sources) > maxResults {
		sources = sources[:maxResults]
	}

	template := query.Template
	if template == "" {
		template = p.cfg.DefaultTemplate
	}

	stage = time.Now()
	genCtx, cancel := withStageTimeout(ctx, p.cfg.GenerationTimeout)
	ai := p.generation.GenerateResponse(genCtx, working, contextText, sources, template, query.Generation)
	cancel()
	timings["generation"] = elapsedMS(stage)

	if ai.Fallback() {
		meta["generation_error"] = ai.Metadata["error"]
		status = statusFallback
	}

	if p.cfg.FollowUpsEnabled && !ai.Fallback() {
		stage = time.Now()
		followCtx, cancel := withStageTimeout(ctx, p.cfg.GenerationTimeout)
		meta["follow_ups"] = p.generation.GenerateFollowUpSuggestions(followCtx, query.Text, ai.Answer, sources)
		cancel()
		timings["follow_ups"] = elapsedMS(stage)
	}

	confidence := p.responseConfidence(ai, sources)
	meta["template"] = ai.Metadata["template"]
	meta["model"] = ai.Model
	meta["tokens_used"] = ai.TokensUsed
	meta["generation_confidence"] = ai.Confidence
	meta["context_length"] = utf8.RuneCountInString(contextText)
	meta["context_documents"] = included
	meta["used_sources"] = len(sources)
	meta["reranked"] = reranked
	meta["timings_ms"] = timings
	if query.UserID != "" {
		meta["user_id"] = query.UserID
	}

	elapsed := time.Since(started)
	p.observer.ObserveQuery(status, elapsed, len(sources), confidence)

	return &domain.RAGResponse{
		Query:            query.Text,
		Answer:           ai.Answer,
		Sources:          sources,
		Confidence:       confidence,
		ProcessingTimeMS: float64(elapsed.Microseconds()) / 1000,
		Metadata:         meta,
	}, nil
}

// FollowUps is the standalone follow-up entry point.
func (p *RAGPipeline) FollowUps(ctx context.Context, query, answer string, sources []domain.RetrievedDocument) []string {
	return p.generation.GenerateFollowUpSuggestions(ctx, query, answer, sources)
}

func (p *RAGPipeline) retrieve(ctx context.Context, working string, query domain.RAGQuery, maxResults int) ([]domain.RetrievedDocument, error) {
	embedCtx, cancel := withStageTimeout(ctx, p.cfg.EmbedTimeout)
	vector, err := p.embeddings.EmbedQuery(embedCtx, working)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	searchCtx, cancel := withStageTimeout(ctx, p.cfg.RetrievalTimeout)
	defer cancel()
	docs, err := p.retrieval.Search(searchCtx, ports.SourceQuery{
		Text:   working,
		Vector: vector,
		UserID: query.UserID,
		Filter: query.Filter,
		Limit:  max(p.cfg.MaxRetrievedDocs, maxResults),
	}, query.MinScore)
	if err != nil {
		return nil, fmt.Errorf("retrieve documents: %w", err)
	}

	out := docs[:0]
	for _, doc := range docs {
		if doc.Score < p.cfg.MinRelevanceScore {
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}

func (p *RAGPipeline) responseConfidence(ai *domain.AIResponse, sources []domain.RetrievedDocument) float64 {
	if ai.Fallback() {
		return 0
	}
	w := p.cfg.Confidence
	if len(sources) == 0 {
		return w.NoSourceFloor
	}
	confidence := averageScore(sources) +
		min(w.DiversityPerSource*float64(len(uniqueSources(sources))), w.DiversityCap) +
		ratioCapped(utf8.RuneCountInString(ai.Answer), w.LengthDivisor, w.LengthCap)
	return domain.ClampScore(confidence)
}

// workingQueryText prefixes the trimmed text with the caller's context when a
// user id is present. The caller's RAGQuery is not modified.
func workingQueryText(query domain.RAGQuery) string {
	text := strings.TrimSpace(query.Text)
	if query.UserID == "" || len(query.Context) == 0 {
		return text
	}
	keys := make([]string, 0, len(query.Context))
	for k := range query.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = fmt.Sprintf("%s=%v", k, query.Context[k])
	}
	return "User context: " + strings.Join(pairs, ", ") + " | " + text
}

// buildContext appends "[Source: X]\ntext\n" blocks in ranked order without
// exceeding maxLength runes. A block that only partly fits is truncated with
// an ellipsis when more than minPartialBlock runes remain; assembly stops
// there. It returns the context and the number of blocks it contains.
func buildContext(docs []domain.RetrievedDocument, maxLength int) (string, int) {
	var b strings.Builder
	length := 0
	included := 0
	for _, doc := range docs {
		header := "[Source: " + strings.ToUpper(sourceLabel(doc.Source)) + "]\n"
		block := header + doc.Content + "\n"
		blockLen := utf8.RuneCountInString(block)
		if length+blockLen <= maxLength {
			b.WriteString(block)
			length += blockLen
			included++
			continue
		}

		remaining := maxLength - length
		if remaining > minPartialBlock {
			room := remaining - utf8.RuneCountInString(header) - utf8.RuneCountInString(truncationMark)
			if room > 0 {
				content := []rune(doc.Content)
				b.WriteString(header)
				b.WriteString(string(content[:min(room, len(content))]))
				b.WriteString(truncationMark)
				included++
			}
		}
		break
	}
	return b.String(), included
}

func withStageTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
