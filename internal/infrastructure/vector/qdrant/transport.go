package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/resilience"
)

type StatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if msg := strings.TrimSpace(e.Body); msg != "" {
		return fmt.Sprintf("qdrant %s status: %s: %s", e.Operation, e.Status, msg)
	}
	return fmt.Sprintf("qdrant %s status: %s", e.Operation, e.Status)
}

func isNotFound(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}

type conn struct {
	baseURL    string
	apiKey     string
	collection string
	httpClient *http.Client
	executor   *resilience.Executor
}

func newConn(baseURL, apiKey, collection string, executor *resilience.Executor) conn {
	return conn{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		collection: collection,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		executor:   executor,
	}
}

func (c *conn) collectionURL(suffix string) string {
	return fmt.Sprintf("%s/collections/%s%s", c.baseURL, c.collection, suffix)
}

// do sends a JSON request through the executor and decodes the "result" field.
func (c *conn) do(ctx context.Context, method, url string, payload any, out any, operation string) error {
	var body []byte
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", operation, err)
		}
		body = raw
	}

	err := c.executor.Execute(ctx, "qdrant."+operation, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create %s request: %w", operation, err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("api-key", c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("qdrant %s request: %w", operation, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return &StatusError{Operation: operation, StatusCode: resp.StatusCode, Status: resp.Status, Body: string(raw)}
		}
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		envelope := struct {
			Result any `json:"result"`
		}{Result: out}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return fmt.Errorf("decode %s response: %w", operation, err)
		}
		return nil
	}, classifyQdrantError)
	if err != nil && !isNotFound(err) && !resilience.IsContextError(err) && classifyQdrantError(err).Retryable {
		return domain.WrapError(domain.ErrTemporary, "qdrant "+operation, err)
	}
	return err
}

func classifyQdrantError(err error) resilience.ErrorClassification {
	switch {
	case err == nil, resilience.IsContextError(err):
		return resilience.ErrorClassification{}
	case resilience.IsCircuitOpen(err):
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests {
			return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
		}
		return resilience.ErrorClassification{}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return resilience.ErrorClassification{RecordFailure: true}
}

type scoredPoint struct {
	ID      any            `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func getIntPayload(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}

func getTimePayload(payload map[string]any, key string) time.Time {
	switch v := payload[key].(type) {
	case float64:
		if v > 0 {
			return time.Unix(int64(v), 0).UTC()
		}
	case string:
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

func asStatusError(err error) (*StatusError, bool) {
	var statusErr *StatusError
	ok := errors.As(err, &statusErr)
	return statusErr, ok
}
