package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/kirillkom/grounded-rag/internal/config"
	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/observability/metrics"
)

type queryServiceFake struct {
	mu      sync.Mutex
	queries []domain.RAGQuery
	err     error
}

func (f *queryServiceFake) Process(_ context.Context, query domain.RAGQuery) (*domain.RAGResponse, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if strings.TrimSpace(query.Text) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "process query", errors.New("query text is required"))
	}
	return &domain.RAGResponse{
		Query:      query.Text,
		Answer:     "answer to " + query.Text,
		Confidence: 0.8,
	}, nil
}

func (f *queryServiceFake) ProcessBatch(ctx context.Context, queries []domain.RAGQuery) []domain.RAGResponse {
	out := make([]domain.RAGResponse, len(queries))
	for i, q := range queries {
		resp, err := f.Process(ctx, q)
		if err != nil {
			out[i] = domain.RAGResponse{Query: q.Text, Metadata: map[string]any{"failed": true, "error": err.Error()}}
			continue
		}
		out[i] = *resp
	}
	return out
}

func (f *queryServiceFake) FollowUps(_ context.Context, query, _ string, _ []domain.RetrievedDocument) []string {
	return []string{"more about " + query}
}

type ingestorFake struct {
	mu        sync.Mutex
	texts     []string
	files     map[string]string
	enqueued  []domain.IngestRequest
	metadata  map[string]any
	source    string
	deletable map[string]bool
	err       error
}

func newIngestorFake() *ingestorFake {
	return &ingestorFake{files: map[string]string{}, deletable: map[string]bool{}}
}

func (f *ingestorFake) IngestText(_ context.Context, text, source string, metadata map[string]any) (*domain.IngestResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	f.source, f.metadata = source, metadata
	return &domain.IngestResult{Source: source, ChunkIDs: []string{"c1"}, Indexed: 1}, nil
}

func (f *ingestorFake) IngestRecord(_ context.Context, record map[string]any, source string, metadata map[string]any) (*domain.IngestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.source, f.metadata = source, metadata
	return &domain.IngestResult{Source: source, ChunkIDs: []string{"r1"}, Indexed: len(record)}, nil
}

func (f *ingestorFake) IngestFile(_ context.Context, filename string, body io.Reader, source string, metadata map[string]any) (*domain.IngestResult, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[filename] = string(data)
	f.source, f.metadata = source, metadata
	return &domain.IngestResult{Source: source, ChunkIDs: []string{"f1", "f2"}, Indexed: 2}, nil
}

func (f *ingestorFake) Enqueue(_ context.Context, req domain.IngestRequest) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, req)
	return nil
}

func (f *ingestorFake) EnqueueFile(_ context.Context, filename string, body io.Reader, source string, _ map[string]any) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := "k_" + filename
	f.files[key] = string(data)
	f.enqueued = append(f.enqueued, domain.IngestRequest{Source: source, Filename: filename, StorageKey: key})
	return key, nil
}

func (f *ingestorFake) Delete(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ok := f.deletable[id]
	delete(f.deletable, id)
	return ok, nil
}

func (f *ingestorFake) Count(_ context.Context, source string) (int, error) {
	if source == "faq" {
		return 3, nil
	}
	return 7, nil
}

type templateCatalogFake struct {
	mu        sync.Mutex
	templates []domain.PromptTemplate
}

func (f *templateCatalogFake) Templates() []domain.PromptTemplate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.PromptTemplate(nil), f.templates...)
}

func (f *templateCatalogFake) Register(tpl domain.PromptTemplate) error {
	if !strings.Contains(tpl.UserTemplate, "{query}") {
		return domain.WrapError(domain.ErrInvalidInput, "register template", errors.New("user template must reference {query}"))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.templates = append(f.templates, tpl)
	return nil
}

type routerFixture struct {
	handler   http.Handler
	query     *queryServiceFake
	ingest    *ingestorFake
	templates *templateCatalogFake
}

func newRouterFixture(t *testing.T, cfg config.Config, httpMetrics *metrics.HTTPServerMetrics) routerFixture {
	t.Helper()
	fx := routerFixture{
		query:     &queryServiceFake{},
		ingest:    newIngestorFake(),
		templates: &templateCatalogFake{templates: []domain.PromptTemplate{{Name: "general", UserTemplate: "{context}\n{query}"}}},
	}
	rt, err := NewRouter(cfg, fx.query, fx.ingest, fx.templates, httpMetrics)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	fx.handler = rt.Handler()
	return fx
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	return res
}

func decodeBody(t *testing.T, res *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(res.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", res.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	fx := newRouterFixture(t, config.Config{}, nil)
	res := doJSON(t, fx.handler, http.MethodGet, "/healthz", "")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if res.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header")
	}
}

func TestQueryReturnsAnswer(t *testing.T) {
	fx := newRouterFixture(t, config.Config{}, nil)
	res := doJSON(t, fx.handler, http.MethodPost, "/v1/rag/query",
		`{"text":"what is the vacation policy","filter":{"sources":["faq"]},"max_results":3}`)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}

	var resp domain.RAGResponse
	decodeBody(t, res, &resp)
	if resp.Answer != "answer to what is the vacation policy" {
		t.Fatalf("unexpected answer: %q", resp.Answer)
	}
	got := fx.query.queries[0]
	if got.MaxResults != 3 || got.Filter == nil || len(got.Filter.Sources) != 1 || got.Filter.Sources[0] != "faq" {
		t.Fatalf("query was not decoded correctly: %+v", got)
	}
}

func TestQueryEmptyTextIsBadRequest(t *testing.T) {
	fx := newRouterFixture(t, config.Config{}, nil)
	res := doJSON(t, fx.handler, http.MethodPost, "/v1/rag/query", `{"text":"   "}`)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
	var body errorBody
	decodeBody(t, res, &body)
	if !strings.Contains(body.Error, "query text is required") {
		t.Fatalf("unexpected error body: %+v", body)
	}
	if body.RequestID == "" {
		t.Fatalf("expected request id in error body")
	}
}

func TestQuerySchemaViolationIsRejectedBeforeHandler(t *testing.T) {
	fx := newRouterFixture(t, config.Config{}, nil)
	res := doJSON(t, fx.handler, http.MethodPost, "/v1/rag/query", `{"user_id":"u1","min_score":3}`)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
	if len(fx.query.queries) != 0 {
		t.Fatalf("handler must not run for invalid request")
	}
}

func TestQueryProviderUnavailableMapsTo503(t *testing.T) {
	fx := newRouterFixture(t, config.Config{}, nil)
	fx.query.err = domain.WrapError(domain.ErrProviderUnavailable, "generate", errors.New("ollama down"))
	res := doJSON(t, fx.handler, http.MethodPost, "/v1/rag/query", `{"text":"hello"}`)
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.Code)
	}
}

func TestQueryUnexpectedErrorHidesDetails(t *testing.T) {
	fx := newRouterFixture(t, config.Config{}, nil)
	fx.query.err = errors.New("pq: secret connection string leaked")
	res := doJSON(t, fx.handler, http.MethodPost, "/v1/rag/query", `{"text":"hello"}`)
	if res.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", res.Code)
	}
	if strings.Contains(res.Body.String(), "secret") {
		t.Fatalf("internal error details leaked: %s", res.Body.String())
	}
}

func TestBatchKeepsInputOrderAndIsolatesFailures(t *testing.T) {
	fx := newRouterFixture(t, config.Config{}, nil)
	res := doJSON(t, fx.handler, http.MethodPost, "/v1/rag/batch",
		`{"queries":[{"text":"first"},{"text":""},{"text":"third"}]}`)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}

	var body struct {
		Responses []domain.RAGResponse `json:"responses"`
		Failed    int                  `json:"failed"`
	}
	decodeBody(t, res, &body)
	if len(body.Responses) != 3 {
		t.Fatalf("expected 3 responses, got %d", len(body.Responses))
	}
	if body.Responses[0].Query != "first" || body.Responses[2].Query != "third" {
		t.Fatalf("responses out of order: %+v", body.Responses)
	}
	if !body.Responses[1].Failed() || body.Failed != 1 {
		t.Fatalf("expected only the second response to fail: %+v", body)
	}
}

func TestBatchRejectsTooManyQueries(t *testing.T) {
	fx := newRouterFixture(t, config.Config{RAGBatchMaxQueries: 2}, nil)
	res := doJSON(t, fx.handler, http.MethodPost, "/v1/rag/batch",
		`{"queries":[{"text":"a"},{"text":"b"},{"text":"c"}]}`)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
	if len(fx.query.queries) != 0 {
		t.Fatalf("no query should be processed")
	}
}

func TestFollowUps(t *testing.T) {
	fx := newRouterFixture(t, config.Config{}, nil)
	res := doJSON(t, fx.handler, http.MethodPost, "/v1/rag/follow-ups", `{"query":"pto","answer":"20 days"}`)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var body struct {
		Suggestions []string `json:"suggestions"`
	}
	decodeBody(t, res, &body)
	if len(body.Suggestions) != 1 || body.Suggestions[0] != "more about pto" {
		t.Fatalf("unexpected suggestions: %+v", body.Suggestions)
	}
}

func TestIngestTextSynchronously(t *testing.T) {
	fx := newRouterFixture(t, config.Config{}, nil)
	res := doJSON(t, fx.handler, http.MethodPost, "/v1/documents",
		`{"source":"faq","text":"Employees get 20 days of PTO.","metadata":{"team":"hr"}}`)
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.Code, res.Body.String())
	}
	if len(fx.ingest.texts) != 1 || fx.ingest.source != "faq" || fx.ingest.metadata["team"] != "hr" {
		t.Fatalf("unexpected ingest call: %+v", fx.ingest)
	}
}

func TestIngestRequiresSource(t *testing.T) {
	fx := newRouterFixture(t, config.Config{}, nil)
	res := doJSON(t, fx.handler, http.MethodPost, "/v1/documents", `{"text":"orphan"}`)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestIngestAsyncEnqueues(t *testing.T) {
	fx := newRouterFixture(t, config.Config{}, nil)
	res := doJSON(t, fx.handler, http.MethodPost, "/v1/documents?async=true",
		`{"source":"crm","record":{"name":"Acme","tier":"gold"}}`)
	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", res.Code, res.Body.String())
	}
	if len(fx.ingest.enqueued) != 1 || fx.ingest.enqueued[0].Record["name"] != "Acme" {
		t.Fatalf("unexpected enqueued requests: %+v", fx.ingest.enqueued)
	}
}

func TestIngestAsyncQueueUnavailableMapsTo503(t *testing.T) {
	fx := newRouterFixture(t, config.Config{}, nil)
	fx.ingest.err = domain.WrapError(domain.ErrTemporary, "publish ingest request", errors.New("nats: timeout"))
	res := doJSON(t, fx.handler, http.MethodPost, "/v1/documents?async=true", `{"source":"faq","text":"x"}`)
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.Code)
	}
}

func newUploadRequest(t *testing.T, path, filename, content, source, metadata string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.WriteField("source", source); err != nil {
		t.Fatalf("write source: %v", err)
	}
	if metadata != "" {
		if err := mw.WriteField("metadata", metadata); err != nil {
			t.Fatalf("write metadata: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestIngestMultipartUpload(t *testing.T) {
	fx := newRouterFixture(t, config.Config{}, nil)
	req := newUploadRequest(t, "/v1/documents", "handbook.md", "# Handbook\nBe kind.", "handbook", `{"version":2}`)
	res := httptest.NewRecorder()
	fx.handler.ServeHTTP(res, req)
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.Code, res.Body.String())
	}
	if fx.ingest.files["handbook.md"] != "# Handbook\nBe kind." {
		t.Fatalf("uploaded body not forwarded: %+v", fx.ingest.files)
	}
	if fx.ingest.source != "handbook" || fx.ingest.metadata["version"] != float64(2) {
		t.Fatalf("unexpected source/metadata: %q %+v", fx.ingest.source, fx.ingest.metadata)
	}
}

func TestIngestMultipartUploadAsync(t *testing.T) {
	fx := newRouterFixture(t, config.Config{}, nil)
	req := newUploadRequest(t, "/v1/documents?async=1", "report.pdf", "%PDF-1.4", "reports", "")
	res := httptest.NewRecorder()
	fx.handler.ServeHTTP(res, req)
	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", res.Code, res.Body.String())
	}
	var body map[string]string
	decodeBody(t, res, &body)
	if body["storage_key"] != "k_report.pdf" {
		t.Fatalf("unexpected storage key: %+v", body)
	}
}

func TestIngestMultipartRejectsBadMetadata(t *testing.T) {
	fx := newRouterFixture(t, config.Config{}, nil)
	req := newUploadRequest(t, "/v1/documents", "a.txt", "hello", "faq", `not-json`)
	res := httptest.NewRecorder()
	fx.handler.ServeHTTP(res, req)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestDeleteDocument(t *testing.T) {
	fx := newRouterFixture(t, config.Config{}, nil)
	fx.ingest.deletable["faq_0_abc"] = true

	res := doJSON(t, fx.handler, http.MethodDelete, "/v1/documents/faq_0_abc", "")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	res = doJSON(t, fx.handler, http.MethodDelete, "/v1/documents/faq_0_abc", "")
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", res.Code)
	}
}

func TestCountDocuments(t *testing.T) {
	fx := newRouterFixture(t, config.Config{}, nil)
	res := doJSON(t, fx.handler, http.MethodGet, "/v1/documents/count?source=faq", "")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var body struct {
		Count int `json:"count"`
	}
	decodeBody(t, res, &body)
	if body.Count != 3 {
		t.Fatalf("expected count 3, got %d", body.Count)
	}
}

func TestTemplatesListAndRegister(t *testing.T) {
	fx := newRouterFixture(t, config.Config{}, nil)

	res := doJSON(t, fx.handler, http.MethodPost, "/v1/templates",
		`{"name":"support","system_prompt":"be brief","user_template":"{context}\n\nQ: {query}","max_tokens":256}`)
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.Code, res.Body.String())
	}

	res = doJSON(t, fx.handler, http.MethodPost, "/v1/templates", `{"name":"broken","user_template":"no placeholder"}`)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for template without query placeholder, got %d", res.Code)
	}

	res = doJSON(t, fx.handler, http.MethodGet, "/v1/templates", "")
	var body struct {
		Templates []domain.PromptTemplate `json:"templates"`
	}
	decodeBody(t, res, &body)
	if len(body.Templates) != 2 || body.Templates[1].Name != "support" || body.Templates[1].MaxTokens != 256 {
		t.Fatalf("unexpected templates: %+v", body.Templates)
	}
}

func TestMetricsEndpointExposesHTTPCounters(t *testing.T) {
	fx := newRouterFixture(t, config.Config{}, metrics.NewHTTPServerMetrics("api", nil))
	_ = doJSON(t, fx.handler, http.MethodGet, "/healthz", "")

	res := doJSON(t, fx.handler, http.MethodGet, "/metrics", "")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), "rag_http_requests_total") {
		t.Fatalf("metrics output missing request counter")
	}
}
