// Package bootstrap assembles the RAG application from configuration.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/kirillkom/grounded-rag/internal/config"
	"github.com/kirillkom/grounded-rag/internal/core/ports"
	"github.com/kirillkom/grounded-rag/internal/core/usecase"
	memorycache "github.com/kirillkom/grounded-rag/internal/infrastructure/cache/memory"
	rediscache "github.com/kirillkom/grounded-rag/internal/infrastructure/cache/redis"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/chunking"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/llm/openai"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/loader"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/queue/nats"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/resilience"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/sources/graph"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/sources/records"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/storage/localfs"
	memoryvector "github.com/kirillkom/grounded-rag/internal/infrastructure/vector/memory"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/vector/pgvector"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/grounded-rag/internal/observability/metrics"
)

type App struct {
	Config   config.Config
	Registry *prometheus.Registry

	Pipeline  *usecase.RAGPipeline
	Ingest    *usecase.IngestUseCase
	Templates *usecase.TemplateRegistry
	Store     ports.VectorStore
	// Queue is nil unless asynchronous ingestion is enabled.
	Queue *nats.Queue

	closers []func()
}

// New wires every component selected by cfg. service labels the metrics.
func New(ctx context.Context, cfg config.Config, service string) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	app := &App{Config: cfg, Registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()
	app.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observer := metrics.NewPipelineMetrics(service, app.Registry)

	resCfg := resilience.DefaultConfig()
	resCfg.RetryMaxAttempts = cfg.RetryMaxAttempts
	resCfg.BreakerEnabled = cfg.BreakerEnabled
	newExecutor := func() *resilience.Executor {
		executor := resilience.NewExecutor(resCfg)
		executor.OnStateChange(observer.ObserveBreakerState)
		return executor
	}

	embedder, err := newEmbeddingProvider(cfg, newExecutor())
	if err != nil {
		return nil, err
	}
	generator, err := newGenerationProvider(cfg, newExecutor())
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	openPostgres := func() (*sql.DB, error) {
		if db != nil {
			return db, nil
		}
		conn, err := pgvector.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db = conn
		app.closers = append(app.closers, func() { _ = conn.Close() })
		return db, nil
	}

	store, err := newVectorStore(ctx, cfg, newExecutor(), openPostgres)
	if err != nil {
		return nil, err
	}
	app.Store = store

	cacheStore, err := newCacheStore(ctx, cfg, app)
	if err != nil {
		return nil, err
	}

	adapters, err := newSourceAdapters(ctx, cfg, newExecutor(), openPostgres, app)
	if err != nil {
		return nil, err
	}

	templates := usecase.NewTemplateRegistry()
	if cfg.PromptTemplatesFile != "" {
		loaded, err := config.LoadPromptTemplates(cfg.PromptTemplatesFile)
		if err != nil {
			return nil, err
		}
		for _, tpl := range loaded {
			if err := templates.Register(tpl); err != nil {
				return nil, fmt.Errorf("register template %q: %w", tpl.Name, err)
			}
		}
	}
	app.Templates = templates

	chunker := chunking.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap, cfg.ChunkMaxInputChars)
	embeddings := usecase.NewEmbeddingService(embedder, chunker, usecase.NewEmbeddingCache(cacheStore, observer))
	retrieval := usecase.NewRetrievalAggregator(store, adapters, usecase.DefaultRankingWeights(), observer)
	generation := usecase.NewGenerationService(generator, templates, usecase.DefaultGenerationConfidence())

	pipelineCfg := usecase.DefaultPipelineConfig()
	pipelineCfg.MaxRetrievedDocs = cfg.RAGMaxRetrievedDocs
	pipelineCfg.MinRelevanceScore = cfg.RAGMinRelevance
	pipelineCfg.MaxContextLength = cfg.RAGMaxContextLength
	pipelineCfg.RerankEnabled = cfg.RAGRerankEnabled
	pipelineCfg.DefaultMaxResults = cfg.RAGDefaultMaxResults
	pipelineCfg.BatchConcurrency = cfg.RAGBatchConcurrency
	pipelineCfg.FollowUpsEnabled = cfg.RAGFollowUpsEnabled
	pipelineCfg.DefaultTemplate = cfg.RAGDefaultTemplate
	pipelineCfg.EmbedTimeout = cfg.EmbedTimeout
	pipelineCfg.RetrievalTimeout = cfg.RetrievalTimeout
	pipelineCfg.GenerationTimeout = cfg.GenerationTimeout
	app.Pipeline = usecase.NewRAGPipeline(embeddings, retrieval, generation, pipelineCfg, observer)

	var (
		queue ports.IngestionQueue
		files ports.ObjectStorage
	)
	if cfg.AsyncIngestEnabled {
		q, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{ResilienceExecutor: newExecutor()})
		if err != nil {
			return nil, fmt.Errorf("init message queue: %w", err)
		}
		app.Queue = q
		app.closers = append(app.closers, q.Close)
		queue = q

		storage, err := localfs.New(cfg.UploadPath)
		if err != nil {
			return nil, fmt.Errorf("init upload storage: %w", err)
		}
		files = storage
	}
	app.Ingest = usecase.NewIngestUseCase(embeddings, store, loader.New(cfg.UploadMaxBytes), queue, files)
	for _, adapter := range adapters {
		if sink, ok := adapter.(ports.RecordSink); ok {
			app.Ingest.WithRecordSinks(sink)
		}
	}

	slog.Info("bootstrap_complete",
		"embedding_provider", cfg.EmbeddingProvider,
		"generation_provider", cfg.GenerationProvider,
		"vector_backend", cfg.VectorBackend,
		"cache_backend", cfg.CacheBackend,
		"source_adapters", len(adapters),
		"async_ingest", cfg.AsyncIngestEnabled,
	)
	return app, nil
}

func newEmbeddingProvider(cfg config.Config, executor *resilience.Executor) (ports.EmbeddingProvider, error) {
	switch cfg.EmbeddingProvider {
	case "openai":
		return openai.NewEmbedder(openai.New(openAIOptions(cfg, executor))), nil
	case "ollama", "":
		return ollama.NewEmbedder(ollama.New(ollamaOptions(cfg, executor))), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
	}
}

func newGenerationProvider(cfg config.Config, executor *resilience.Executor) (ports.GenerationProvider, error) {
	switch cfg.GenerationProvider {
	case "openai":
		return openai.NewGenerator(openai.New(openAIOptions(cfg, executor))), nil
	case "ollama", "":
		return ollama.NewGenerator(ollama.New(ollamaOptions(cfg, executor))), nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.GenerationProvider)
	}
}

func ollamaOptions(cfg config.Config, executor *resilience.Executor) ollama.Options {
	return ollama.Options{
		BaseURL:         cfg.OllamaURL,
		GenerationModel: cfg.OllamaGenModel,
		EmbeddingModel:  cfg.OllamaEmbedModel,
		Dimensions:      cfg.EmbeddingDimensions,
		BatchSize:       cfg.EmbeddingBatchSize,
		Timeout:         cfg.ProviderTimeout,
		Executor:        executor,
	}
}

func openAIOptions(cfg config.Config, executor *resilience.Executor) openai.Options {
	return openai.Options{
		BaseURL:        cfg.OpenAIBaseURL,
		APIKey:         cfg.OpenAIAPIKey,
		ChatModel:      cfg.OpenAIChatModel,
		EmbeddingModel: cfg.OpenAIEmbedModel,
		Dimensions:     cfg.EmbeddingDimensions,
		BatchSize:      cfg.EmbeddingBatchSize,
		Timeout:        cfg.ProviderTimeout,
		Executor:       executor,
	}
}

func newVectorStore(ctx context.Context, cfg config.Config, executor *resilience.Executor, openPostgres func() (*sql.DB, error)) (ports.VectorStore, error) {
	switch cfg.VectorBackend {
	case "qdrant":
		return qdrant.New(cfg.QdrantURL, cfg.QdrantAPIKey, cfg.QdrantCollection, executor), nil
	case "pgvector":
		db, err := openPostgres()
		if err != nil {
			return nil, err
		}
		store := pgvector.NewStore(db, cfg.EmbeddingDimensions)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure pgvector schema: %w", err)
		}
		return store, nil
	case "memory", "":
		return memoryvector.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.VectorBackend)
	}
}

func newCacheStore(ctx context.Context, cfg config.Config, app *App) (ports.EmbeddingCacheStore, error) {
	switch cfg.CacheBackend {
	case "redis":
		client, err := rediscache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		app.closers = append(app.closers, func() { _ = client.Close() })
		return rediscache.NewStore(client, cfg.CacheTTL), nil
	case "memory", "":
		return memorycache.NewStore(cfg.CacheMaxEntries, cfg.CacheTTL), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}

func newSourceAdapters(
	ctx context.Context,
	cfg config.Config,
	executor *resilience.Executor,
	openPostgres func() (*sql.DB, error),
	app *App,
) ([]ports.SourceAdapter, error) {
	var adapters []ports.SourceAdapter

	if cfg.RecordsEnabled {
		db, err := openPostgres()
		if err != nil {
			return nil, err
		}
		adapter := records.NewAdapter(db)
		if err := adapter.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure records schema: %w", err)
		}
		adapters = append(adapters, adapter)
	}

	if cfg.MemoryEnabled {
		adapters = append(adapters, qdrant.NewMemoryAdapter(cfg.QdrantURL, cfg.QdrantAPIKey, cfg.QdrantMemoryCollection, executor))
	}

	if cfg.GraphEnabled {
		driver, err := graph.Connect(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword, cfg.Neo4jDatabase)
		if err != nil {
			return nil, fmt.Errorf("connect neo4j: %w", err)
		}
		app.closers = append(app.closers, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = driver.Close(closeCtx)
		})
		adapters = append(adapters, graph.NewAdapter(driver, cfg.Neo4jIndex))
	}

	return adapters, nil
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
