package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/resilience"
)

// Options configures a client for any OpenAI-compatible endpoint
// (api.openai.com, vLLM, LM Studio, llama.cpp server).
type Options struct {
	BaseURL        string
	APIKey         string
	ChatModel      string
	EmbeddingModel string
	Dimensions     int
	BatchSize      int
	Timeout        time.Duration
	Executor       *resilience.Executor
}

type Client struct {
	baseURL    string
	apiKey     string
	chatModel  string
	embedModel string
	batchSize  int
	dimensions atomic.Int64
	httpClient *http.Client
	executor   *resilience.Executor
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 90 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	c := &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		chatModel:  opts.ChatModel,
		embedModel: opts.EmbeddingModel,
		batchSize:  opts.BatchSize,
		httpClient: &http.Client{Timeout: opts.Timeout},
		executor:   opts.Executor,
	}
	c.dimensions.Store(int64(opts.Dimensions))
	return c
}

type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("openai %s status %d: %s", e.Operation, e.StatusCode, strings.TrimSpace(e.Body))
}

type Embedder struct {
	client *Client
}

func NewEmbedder(client *Client) *Embedder {
	return &Embedder{client: client}
}

func (e *Embedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	request := map[string]any{
		"model": e.client.embedModel,
		"input": texts,
	}
	var parsed struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	err := e.client.executor.Execute(ctx, "openai.embeddings", func(ctx context.Context) error {
		return e.client.postJSON(ctx, "/embeddings", request, &parsed, "embeddings")
	}, classifyOpenAIError)
	if err != nil {
		return nil, wrapProviderError("openai embeddings", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, wrapProviderError("openai embeddings",
			fmt.Errorf("got %d embeddings for %d inputs", len(parsed.Data), len(texts)))
	}

	sort.SliceStable(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })
	out := make([][]float32, len(parsed.Data))
	for i, item := range parsed.Data {
		out[i] = item.Embedding
	}
	if len(out[0]) > 0 {
		e.client.dimensions.CompareAndSwap(0, int64(len(out[0])))
	}
	return out, nil
}

func (e *Embedder) Dimensions() int   { return int(e.client.dimensions.Load()) }
func (e *Embedder) ModelName() string { return e.client.embedModel }
func (e *Embedder) BatchSize() int    { return e.client.batchSize }

type Generator struct {
	client *Client
}

func NewGenerator(client *Client) *Generator {
	return &Generator{client: client}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (g *Generator) Generate(ctx context.Context, systemPrompt, userPrompt string, temperature float64, maxTokens int) (string, error) {
	messages := make([]chatMessage, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userPrompt})

	request := map[string]any{
		"model":       g.client.chatModel,
		"messages":    messages,
		"temperature": temperature,
		"stream":      false,
	}
	if maxTokens > 0 {
		request["max_tokens"] = maxTokens
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	err := g.client.executor.Execute(ctx, "openai.chat", func(ctx context.Context) error {
		return g.client.postJSON(ctx, "/chat/completions", request, &parsed, "chat")
	}, classifyOpenAIError)
	if err != nil {
		return "", wrapProviderError("openai chat", err)
	}
	if len(parsed.Choices) == 0 {
		return "", wrapProviderError("openai chat", errors.New("empty choices"))
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

func (g *Generator) ModelName() string { return g.client.chatModel }

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any, operation string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", operation, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("openai %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &StatusError{Operation: operation, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

func classifyOpenAIError(err error) resilience.ErrorClassification {
	switch {
	case err == nil, resilience.IsContextError(err):
		return resilience.ErrorClassification{}
	case resilience.IsCircuitOpen(err):
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusRequestTimeout:
			return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
		}
		if statusErr.StatusCode >= 500 {
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

func wrapProviderError(operation string, err error) error {
	if err == nil || domain.IsKind(err, domain.ErrProviderUnavailable) {
		return err
	}
	return domain.WrapError(domain.ErrProviderUnavailable, operation, err)
}
