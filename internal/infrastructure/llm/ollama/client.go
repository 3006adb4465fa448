package ollama

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kirillkom/grounded-rag/internal/infrastructure/resilience"
)

type Options struct {
	BaseURL         string
	GenerationModel string
	EmbeddingModel  string
	// Dimensions is learned from the first embedding when zero.
	Dimensions int
	BatchSize  int
	Timeout    time.Duration
	Executor   *resilience.Executor
}

type Client struct {
	baseURL    string
	genModel   string
	embedModel string
	batchSize  int
	dimensions atomic.Int64
	httpClient *http.Client
	executor   *resilience.Executor
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	c := &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		genModel:   opts.GenerationModel,
		embedModel: opts.EmbeddingModel,
		batchSize:  opts.BatchSize,
		httpClient: &http.Client{Timeout: opts.Timeout},
		executor:   opts.Executor,
	}
	c.dimensions.Store(int64(opts.Dimensions))
	return c
}

// Embedder implements ports.EmbeddingProvider over /api/embed.
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
	var response struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	err := e.client.executor.Execute(ctx, "ollama.embed", func(ctx context.Context) error {
		return e.client.postJSON(ctx, "/api/embed", request, &response, "embed")
	}, classifyOllamaError)
	if err != nil {
		return nil, wrapProviderError("ollama embed", err)
	}
	if len(response.Embeddings) != len(texts) {
		return nil, wrapProviderError("ollama embed",
			fmt.Errorf("got %d embeddings for %d inputs", len(response.Embeddings), len(texts)))
	}
	if len(response.Embeddings[0]) > 0 {
		e.client.dimensions.CompareAndSwap(0, int64(len(response.Embeddings[0])))
	}
	return response.Embeddings, nil
}

func (e *Embedder) Dimensions() int   { return int(e.client.dimensions.Load()) }
func (e *Embedder) ModelName() string { return e.client.embedModel }
func (e *Embedder) BatchSize() int    { return e.client.batchSize }

// Generator implements ports.GenerationProvider over /api/chat.
type Generator struct {
	client *Client
}

func NewGenerator(client *Client) *Generator {
	return &Generator{client: client}
}

func (g *Generator) Generate(ctx context.Context, systemPrompt, userPrompt string, temperature float64, maxTokens int) (string, error) {
	messages := make([]map[string]string, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, map[string]string{"role": "system", "content": systemPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": userPrompt})

	options := map[string]any{"temperature": temperature}
	if maxTokens > 0 {
		options["num_predict"] = maxTokens
	}
	request := map[string]any{
		"model":    g.client.genModel,
		"messages": messages,
		"stream":   false,
		"options":  options,
	}

	var response struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	err := g.client.executor.Execute(ctx, "ollama.chat", func(ctx context.Context) error {
		return g.client.postJSON(ctx, "/api/chat", request, &response, "chat")
	}, classifyOllamaError)
	if err != nil {
		return "", wrapProviderError("ollama chat", err)
	}
	return strings.TrimSpace(response.Message.Content), nil
}

func (g *Generator) ModelName() string { return g.client.genModel }
