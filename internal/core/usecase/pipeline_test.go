package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/core/ports"
)

type pipelineFixture struct {
	embedder  *embedderFake
	store     *vectorStoreFake
	generator *generatorFake
	observer  *observerFake
	pipeline  *RAGPipeline
}

func newPipelineFixture(cfg PipelineConfig, adapters ...ports.SourceAdapter) *pipelineFixture {
	f := &pipelineFixture{
		embedder:  &embedderFake{},
		store:     newVectorStoreFake(),
		generator: &generatorFake{answer: "Employees get 20 vacation days."},
		observer:  &observerFake{},
	}
	embeddings := newTestEmbeddingService(f.embedder, 50, 10)
	aggregator := NewRetrievalAggregator(f.store, adapters, DefaultRankingWeights(), f.observer)
	generation := NewGenerationService(f.generator, NewTemplateRegistry(), DefaultGenerationConfidence())
	f.pipeline = NewRAGPipeline(embeddings, aggregator, generation, cfg, f.observer)
	return f
}

func handbookDocs(n int) []domain.RetrievedDocument {
	out := make([]domain.RetrievedDocument, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, domain.RetrievedDocument{
			ID:      "hb_" + string(rune('a'+i)),
			Content: "Handbook section " + string(rune('A'+i)) + " about vacation days",
			Source:  domain.SourceHandbook,
			Score:   0.9 - float64(i)*0.05,
		})
	}
	return out
}

func TestProcessEmptyQueryFailsBeforeIO(t *testing.T) {
	f := newPipelineFixture(DefaultPipelineConfig())

	_, err := f.pipeline.Process(context.Background(), domain.RAGQuery{Text: "", MaxResults: 5})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if f.embedder.calls() != 0 || f.store.searchCalls != 0 || f.generator.callCount() != 0 {
		t.Fatalf("expected no I/O, got embed=%d search=%d generate=%d",
			f.embedder.calls(), f.store.searchCalls, f.generator.callCount())
	}
}

func TestValidateRejectsOutOfRangeParameters(t *testing.T) {
	cases := []domain.RAGQuery{
		{Text: "   "},
		{Text: "q", MaxResults: -1},
		{Text: "q", MinScore: 1.5},
		{Text: "q", MinScore: -0.1},
	}
	for _, q := range cases {
		if err := Validate(q); !domain.IsKind(err, domain.ErrInvalidInput) {
			t.Fatalf("expected invalid input for %+v, got %v", q, err)
		}
	}
	if err := Validate(domain.RAGQuery{Text: "ok", MaxResults: 3, MinScore: 0.5}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestProcessReturnsGroundedAnswer(t *testing.T) {
	f := newPipelineFixture(DefaultPipelineConfig())
	f.store.results = handbookDocs(6)

	resp, err := f.pipeline.Process(context.Background(), domain.RAGQuery{Text: " How many vacation days? ", MaxResults: 3})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	if resp.Query != " How many vacation days? " {
		t.Fatalf("expected original query text, got %q", resp.Query)
	}
	if resp.Answer != "Employees get 20 vacation days." {
		t.Fatalf("unexpected answer %q", resp.Answer)
	}
	if len(resp.Sources) != 3 {
		t.Fatalf("expected sources capped at 3, got %d", len(resp.Sources))
	}
	if resp.Confidence <= 0.1 || resp.Confidence > 1 {
		t.Fatalf("unexpected confidence %v", resp.Confidence)
	}
	if resp.Metadata["reranked"] != true {
		t.Fatalf("expected rerank metadata, got %#v", resp.Metadata)
	}
	if !strings.Contains(f.generator.calls[0].user, "[Source: HANDBOOK]") {
		t.Fatalf("expected context blocks in prompt, got %q", f.generator.calls[0].user)
	}
	if f.embedder.textCalls[0] != "How many vacation days?" {
		t.Fatalf("expected trimmed working text, got %q", f.embedder.textCalls[0])
	}
	if f.observer.statuses[0] != statusOK {
		t.Fatalf("expected ok status, got %v", f.observer.statuses)
	}
}

func TestProcessPrefixesUserContext(t *testing.T) {
	f := newPipelineFixture(DefaultPipelineConfig())
	query := domain.RAGQuery{
		Text:    "what is my plan?",
		UserID:  "u-1",
		Context: map[string]any{"team": "ops", "plan": "pro"},
	}

	resp, err := f.pipeline.Process(context.Background(), query)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	want := "User context: plan=pro, team=ops | what is my plan?"
	if f.embedder.textCalls[0] != want {
		t.Fatalf("expected %q, got %q", want, f.embedder.textCalls[0])
	}
	if resp.Query != "what is my plan?" || query.Text != "what is my plan?" {
		t.Fatalf("caller query must not change, got %q", resp.Query)
	}
}

func TestProcessEmbeddingFailureDegradesToEmptyRetrieval(t *testing.T) {
	f := newPipelineFixture(DefaultPipelineConfig())
	f.embedder.err = errors.New("ollama down")
	f.store.results = handbookDocs(2)

	resp, err := f.pipeline.Process(context.Background(), domain.RAGQuery{Text: "q"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(resp.Sources) != 0 {
		t.Fatalf("expected no sources, got %d", len(resp.Sources))
	}
	if _, ok := resp.Metadata["retrieval_error"]; !ok {
		t.Fatalf("expected retrieval_error metadata, got %#v", resp.Metadata)
	}
	if resp.Confidence != 0.1 {
		t.Fatalf("expected pipeline floor 0.1, got %v", resp.Confidence)
	}
	if f.observer.statuses[0] != statusDegraded {
		t.Fatalf("expected degraded status, got %v", f.observer.statuses)
	}
}

func TestProcessGenerationFailureYieldsFallback(t *testing.T) {
	f := newPipelineFixture(DefaultPipelineConfig())
	f.store.results = handbookDocs(2)
	f.generator.err = errors.New("deadline exceeded")

	resp, err := f.pipeline.Process(context.Background(), domain.RAGQuery{Text: "q"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if resp.Answer != generationFallbackAnswer || resp.Confidence != 0 {
		t.Fatalf("expected fallback with zero confidence, got %q %v", resp.Answer, resp.Confidence)
	}
	if len(resp.Sources) != 2 {
		t.Fatalf("expected sources preserved, got %d", len(resp.Sources))
	}
}

func TestProcessAppliesMinRelevanceFloor(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.MinRelevanceScore = 0.5
	f := newPipelineFixture(cfg)
	f.store.results = []domain.RetrievedDocument{
		{ID: "keep", Content: "relevant", Source: domain.SourceHandbook, Score: 0.7},
		{ID: "drop", Content: "barely", Source: domain.SourceHandbook, Score: 0.35},
	}

	resp, err := f.pipeline.Process(context.Background(), domain.RAGQuery{Text: "q"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(resp.Sources) != 1 || resp.Sources[0].ID != "keep" {
		t.Fatalf("expected only the relevant doc, got %+v", resp.Sources)
	}
}

func TestProcessFollowUpsWhenEnabled(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.FollowUpsEnabled = true
	f := newPipelineFixture(cfg)
	f.generator.respond = func(user string) (string, error) {
		if strings.Contains(user, "Suggest up to") {
			return "Can I carry days over?", nil
		}
		return "20 days.", nil
	}

	resp, err := f.pipeline.Process(context.Background(), domain.RAGQuery{Text: "vacation?"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	followUps, _ := resp.Metadata["follow_ups"].([]string)
	if len(followUps) != 1 || followUps[0] != "Can I carry days over?" {
		t.Fatalf("unexpected follow ups %#v", resp.Metadata["follow_ups"])
	}
}

func TestProcessFollowUpsHonourGenerationTimeout(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.FollowUpsEnabled = true
	cfg.GenerationTimeout = 50 * time.Millisecond
	f := newPipelineFixture(cfg)
	f.generator.respondCtx = func(ctx context.Context, user string) (string, error) {
		if strings.Contains(user, "Suggest up to") {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "20 days.", nil
	}

	done := make(chan *domain.RAGResponse, 1)
	go func() {
		resp, err := f.pipeline.Process(context.Background(), domain.RAGQuery{Text: "vacation?"})
		if err != nil {
			t.Errorf("process: %v", err)
		}
		done <- resp
	}()

	select {
	case resp := <-done:
		if resp == nil {
			return
		}
		if resp.Answer != "20 days." {
			t.Fatalf("unexpected answer %q", resp.Answer)
		}
		if followUps, _ := resp.Metadata["follow_ups"].([]string); len(followUps) != 0 {
			t.Fatalf("expected no follow ups after timeout, got %#v", followUps)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("follow-up generation was not bounded by the generation timeout")
	}
}

func TestBuildContextNeverExceedsBudget(t *testing.T) {
	docs := make([]domain.RetrievedDocument, 0, 8)
	for i := 0; i < 8; i++ {
		docs = append(docs, domain.RetrievedDocument{
			Source:  domain.SourceHandbook,
			Content: strings.Repeat("word ", 20+i*15),
		})
	}
	for budget := 0; budget <= 2000; budget += 37 {
		got, _ := buildContext(docs, budget)
		if n := utf8.RuneCountInString(got); n > budget {
			t.Fatalf("budget %d exceeded: %d", budget, n)
		}
	}
}

func TestBuildContextTruncatesPartialBlock(t *testing.T) {
	docs := []domain.RetrievedDocument{
		{Source: "handbook", Content: strings.Repeat("a", 100)},
		{Source: "crm", Content: strings.Repeat("b", 500)},
	}

	got, included := buildContext(docs, 300)
	if included != 2 {
		t.Fatalf("expected partial second block, got %d blocks", included)
	}
	if !strings.HasSuffix(got, "...\n") || !strings.Contains(got, "[Source: CRM]\n") {
		t.Fatalf("unexpected context %q", got)
	}
	if utf8.RuneCountInString(got) > 300 {
		t.Fatalf("budget exceeded: %d", utf8.RuneCountInString(got))
	}

	got, included = buildContext(docs, 200)
	if included != 1 || strings.Contains(got, "CRM") {
		t.Fatalf("expected second block dropped when little room remains, got %q", got)
	}
}

func TestRerankDocumentsKeepsScoresAndReorders(t *testing.T) {
	docs := []domain.RetrievedDocument{
		{ID: "crm", Content: "short", Source: domain.SourceCRM, Score: 0.70},
		{ID: "hb", Content: "short", Source: domain.SourceHandbook, Score: 0.69},
	}

	out := rerankDocuments(docs, DefaultRerankWeights())
	if out[0].ID != "hb" {
		t.Fatalf("expected handbook first after rerank, got %s", out[0].ID)
	}
	if out[0].Score != 0.69 {
		t.Fatalf("rerank must not change the similarity score, got %v", out[0].Score)
	}
	if docs[0].ID != "crm" || docs[0].Metadata != nil {
		t.Fatalf("input slice must not be modified")
	}
}
