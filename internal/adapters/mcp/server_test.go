package mcpadapter

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

type queryServiceFake struct {
	last domain.RAGQuery
	err  error
}

func (f *queryServiceFake) Process(_ context.Context, query domain.RAGQuery) (*domain.RAGResponse, error) {
	f.last = query
	if f.err != nil {
		return nil, f.err
	}
	return &domain.RAGResponse{
		Query:      query.Text,
		Answer:     "Employees get 20 days of PTO [1].",
		Confidence: 0.75,
		Sources: []domain.RetrievedDocument{
			{ID: "faq_0_1", Source: "faq", Score: 0.9},
		},
	}, nil
}

func (f *queryServiceFake) ProcessBatch(context.Context, []domain.RAGQuery) []domain.RAGResponse {
	return nil
}

func (f *queryServiceFake) FollowUps(context.Context, string, string, []domain.RetrievedDocument) []string {
	return nil
}

type ingestorFake struct {
	text     string
	source   string
	metadata map[string]any
}

func (f *ingestorFake) IngestText(_ context.Context, text, source string, metadata map[string]any) (*domain.IngestResult, error) {
	f.text, f.source, f.metadata = text, source, metadata
	return &domain.IngestResult{Source: source, Indexed: 2}, nil
}

func (f *ingestorFake) IngestRecord(context.Context, map[string]any, string, map[string]any) (*domain.IngestResult, error) {
	return nil, errors.New("not implemented")
}

func (f *ingestorFake) IngestFile(context.Context, string, io.Reader, string, map[string]any) (*domain.IngestResult, error) {
	return nil, errors.New("not implemented")
}

func (f *ingestorFake) Enqueue(context.Context, domain.IngestRequest) error { return nil }

func (f *ingestorFake) EnqueueFile(context.Context, string, io.Reader, string, map[string]any) (string, error) {
	return "", nil
}

func (f *ingestorFake) Delete(context.Context, string) (bool, error) { return false, nil }

func (f *ingestorFake) Count(_ context.Context, source string) (int, error) {
	if source == "faq" {
		return 4, nil
	}
	return 10, nil
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatalf("empty tool result")
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return text.Text
}

func TestQueryToolFormatsAnswerWithSources(t *testing.T) {
	query := &queryServiceFake{}
	s := NewServer(query, &ingestorFake{})

	res, err := s.handleQuery(context.Background(), callRequest("rag_query", map[string]any{
		"query":       "how much pto?",
		"sources":     "faq, handbook",
		"max_results": float64(3),
	}))
	if err != nil {
		t.Fatalf("handleQuery: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, res))
	}

	text := resultText(t, res)
	if !strings.Contains(text, "20 days of PTO") || !strings.Contains(text, "[1] faq_0_1 (faq, score 0.90)") {
		t.Fatalf("unexpected answer text: %q", text)
	}
	if query.last.MaxResults != 3 || query.last.Filter == nil || len(query.last.Filter.Sources) != 2 || query.last.Filter.Sources[1] != "handbook" {
		t.Fatalf("query not mapped correctly: %+v", query.last)
	}
}

func TestQueryToolRequiresQuery(t *testing.T) {
	s := NewServer(&queryServiceFake{}, &ingestorFake{})
	res, err := s.handleQuery(context.Background(), callRequest("rag_query", map[string]any{}))
	if err != nil {
		t.Fatalf("handleQuery: %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected tool error for missing query")
	}
}

func TestQueryToolReportsPipelineErrors(t *testing.T) {
	query := &queryServiceFake{err: domain.WrapError(domain.ErrProviderUnavailable, "generate", errors.New("down"))}
	s := NewServer(query, &ingestorFake{})
	res, err := s.handleQuery(context.Background(), callRequest("rag_query", map[string]any{"query": "x"}))
	if err != nil {
		t.Fatalf("handleQuery: %v", err)
	}
	if !res.IsError || !strings.Contains(resultText(t, res), "provider unavailable") {
		t.Fatalf("expected provider error result, got %+v", res)
	}
}

func TestIngestToolParsesMetadata(t *testing.T) {
	ingest := &ingestorFake{}
	s := NewServer(&queryServiceFake{}, ingest)

	res, err := s.handleIngest(context.Background(), callRequest("rag_ingest", map[string]any{
		"text":     "Gym membership is covered.",
		"source":   "benefits",
		"metadata": `{"owner":"hr"}`,
	}))
	if err != nil {
		t.Fatalf("handleIngest: %v", err)
	}
	if resultText(t, res) != "indexed 2 chunks into benefits" {
		t.Fatalf("unexpected result: %q", resultText(t, res))
	}
	if ingest.metadata["owner"] != "hr" || ingest.source != "benefits" {
		t.Fatalf("ingest not forwarded: %+v", ingest)
	}

	res, _ = s.handleIngest(context.Background(), callRequest("rag_ingest", map[string]any{
		"text": "x", "source": "faq", "metadata": "[1,2]",
	}))
	if !res.IsError {
		t.Fatalf("expected error for non-object metadata")
	}
}

func TestCountTool(t *testing.T) {
	s := NewServer(&queryServiceFake{}, &ingestorFake{})
	res, err := s.handleCount(context.Background(), callRequest("rag_count", map[string]any{"source": "faq"}))
	if err != nil {
		t.Fatalf("handleCount: %v", err)
	}
	if resultText(t, res) != "4 chunks indexed for faq" {
		t.Fatalf("unexpected result: %q", resultText(t, res))
	}
}
