package httpadapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/grounded-rag/internal/config"
	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/core/ports"
	"github.com/kirillkom/grounded-rag/internal/observability/logging"
	"github.com/kirillkom/grounded-rag/internal/observability/metrics"
)

const (
	serviceName      = "api"
	maxJSONBodyBytes = 4 << 20
	backpressureWait = 250 * time.Millisecond
)

type Router struct {
	query     ports.QueryService
	ingest    ports.DocumentIngestor
	templates ports.TemplateCatalog
	metrics   *metrics.HTTPServerMetrics
	validator *requestValidator

	maxBatchQueries int
	uploadMaxBytes  int64
	rateLimitRPS    float64
	rateLimitBurst  int
	maxInFlight     int
}

func NewRouter(
	cfg config.Config,
	query ports.QueryService,
	ingest ports.DocumentIngestor,
	templates ports.TemplateCatalog,
	httpMetrics *metrics.HTTPServerMetrics,
) (*Router, error) {
	validator, err := newRequestValidator()
	if err != nil {
		return nil, err
	}
	maxBatch := cfg.RAGBatchMaxQueries
	if maxBatch <= 0 {
		maxBatch = 50
	}
	uploadMax := cfg.UploadMaxBytes
	if uploadMax <= 0 {
		uploadMax = 20 << 20
	}
	return &Router{
		query:           query,
		ingest:          ingest,
		templates:       templates,
		metrics:         httpMetrics,
		validator:       validator,
		maxBatchQueries: maxBatch,
		uploadMaxBytes:  uploadMax,
		rateLimitRPS:    cfg.HTTPRateLimitRPS,
		rateLimitBurst:  cfg.HTTPRateLimitBurst,
		maxInFlight:     cfg.HTTPMaxInFlight,
	}, nil
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("POST /v1/rag/query", rt.queryRAG)
	mux.HandleFunc("POST /v1/rag/batch", rt.batchRAG)
	mux.HandleFunc("POST /v1/rag/follow-ups", rt.followUps)
	mux.HandleFunc("POST /v1/documents", rt.ingestDocument)
	mux.HandleFunc("GET /v1/documents/count", rt.countDocuments)
	mux.HandleFunc("DELETE /v1/documents/{id}", rt.deleteDocument)
	mux.HandleFunc("GET /v1/templates", rt.listTemplates)
	mux.HandleFunc("POST /v1/templates", rt.registerTemplate)

	var onReject func(string)
	var rejectHooks []func(string)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
		onReject = func(reason string) { rt.metrics.RecordRejected(serviceName, reason) }
		rejectHooks = append(rejectHooks, onReject)
	}

	var handler http.Handler = rt.validator.middleware(mux)
	handler = backpressureMiddleware(handler, rt.maxInFlight, backpressureWait, rejectHooks...)
	handler = rateLimitMiddleware(handler, rt.rateLimitRPS, rt.rateLimitBurst, onReject)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) queryRAG(w http.ResponseWriter, r *http.Request) {
	var query domain.RAGQuery
	if !decodeJSON(w, r, &query) {
		return
	}

	resp, err := rt.query.Process(r.Context(), query)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) batchRAG(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Queries []domain.RAGQuery `json:"queries"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Queries) == 0 || len(req.Queries) > rt.maxBatchQueries {
		writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "batch query",
			fmt.Errorf("queries must contain between 1 and %d items", rt.maxBatchQueries)))
		return
	}

	responses := rt.query.ProcessBatch(r.Context(), req.Queries)
	failed := 0
	for _, resp := range responses {
		if resp.Failed() {
			failed++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"responses": responses,
		"failed":    failed,
	})
}

func (rt *Router) followUps(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query   string                     `json:"query"`
		Answer  string                     `json:"answer"`
		Sources []domain.RetrievedDocument `json:"sources"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	suggestions := rt.query.FollowUps(r.Context(), req.Query, req.Answer, req.Sources)
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
}

func (rt *Router) ingestDocument(w http.ResponseWriter, r *http.Request) {
	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		rt.ingestUpload(w, r, async)
		return
	}

	var req domain.IngestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if async {
		req.Filename, req.StorageKey = "", ""
		if err := rt.ingest.Enqueue(r.Context(), req); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "source": req.Source})
		return
	}

	var (
		res *domain.IngestResult
		err error
	)
	switch {
	case len(req.Record) > 0:
		res, err = rt.ingest.IngestRecord(r.Context(), req.Record, req.Source, req.Metadata)
	default:
		res, err = rt.ingest.IngestText(r.Context(), req.Text, req.Source, req.Metadata)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (rt *Router) ingestUpload(w http.ResponseWriter, r *http.Request, async bool) {
	r.Body = http.MaxBytesReader(w, r.Body, rt.uploadMaxBytes+(1<<20))
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "upload", errors.New("multipart field 'file' is required")))
		return
	}
	defer file.Close()

	source := r.FormValue("source")
	var metadata map[string]any
	if raw := strings.TrimSpace(r.FormValue("metadata")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "upload", fmt.Errorf("metadata must be a json object: %w", err)))
			return
		}
	}

	if async {
		key, err := rt.ingest.EnqueueFile(r.Context(), header.Filename, file, source, metadata)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "source": source, "storage_key": key})
		return
	}

	res, err := rt.ingest.IngestFile(r.Context(), header.Filename, file, source, metadata)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (rt *Router) countDocuments(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	n, err := rt.ingest.Count(r.Context(), source)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": source, "count": n})
}

func (rt *Router) deleteDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	deleted, err := rt.ingest.Delete(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !deleted {
		writeError(w, r, domain.WrapError(domain.ErrDocumentNotFound, "delete document", fmt.Errorf("id=%s", id)))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

func (rt *Router) listTemplates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"templates": rt.templates.Templates()})
}

func (rt *Router) registerTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl domain.PromptTemplate
	if !decodeJSON(w, r, &tpl) {
		return
	}
	if err := rt.templates.Register(tpl); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": tpl.Name})
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "decode request", fmt.Errorf("invalid json: %w", err)))
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error("http_handler_failed", "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, RequestID: requestIDFromContext(r.Context())})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("http_response_encode_failed", "error", err)
	}
}
