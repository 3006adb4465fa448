package usecase

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/core/ports"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/chunking"
)

type embedderFake struct {
	mu         sync.Mutex
	textCalls  []string
	batchCalls [][]string
	err        error
	short      bool
	batchSize  int
}

func (f *embedderFake) EmbedText(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.textCalls = append(f.textCalls, text)
	if f.err != nil {
		return nil, f.err
	}
	return fakeVector(text), nil
}

func (f *embedderFake) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls = append(f.batchCalls, append([]string(nil), texts...))
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		out = append(out, fakeVector(text))
	}
	if f.short && len(out) > 0 {
		out = out[:len(out)-1]
	}
	return out, nil
}

func (f *embedderFake) Dimensions() int   { return 3 }
func (f *embedderFake) ModelName() string { return "fake-embed" }
func (f *embedderFake) BatchSize() int    { return f.batchSize }

func (f *embedderFake) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.textCalls) + len(f.batchCalls)
}

// gatedEmbedderFake blocks EmbedText until release is closed or the call
// context ends.
type gatedEmbedderFake struct {
	embedderFake
	started     chan struct{}
	release     chan struct{}
	startedOnce sync.Once
}

func newGatedEmbedderFake() *gatedEmbedderFake {
	return &gatedEmbedderFake{started: make(chan struct{}), release: make(chan struct{})}
}

func (f *gatedEmbedderFake) EmbedText(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.textCalls = append(f.textCalls, text)
	f.mu.Unlock()
	f.startedOnce.Do(func() { close(f.started) })

	select {
	case <-f.release:
		return fakeVector(text), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func fakeVector(text string) []float32 {
	return []float32{float32(len(text)), float32(strings.Count(text, "a")), 1}
}

type cacheStoreFake struct {
	mu     sync.Mutex
	items  map[string][]float32
	puts   int
	getErr error
}

func newCacheStoreFake() *cacheStoreFake {
	return &cacheStoreFake{items: make(map[string][]float32)}
}

func (f *cacheStoreFake) Get(_ context.Context, key string) ([]float32, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, false, f.getErr
	}
	v, ok := f.items[key]
	return v, ok, nil
}

func (f *cacheStoreFake) PutIfAbsent(_ context.Context, key string, vector []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[key]; ok {
		return nil
	}
	f.items[key] = vector
	f.puts++
	return nil
}

type vectorStoreFake struct {
	mu          sync.Mutex
	docs        map[string]domain.DocumentIndex
	results     []domain.RetrievedDocument
	searchErr   error
	searchCalls int
	lastTopK    int
	addErr      error
}

func newVectorStoreFake() *vectorStoreFake {
	return &vectorStoreFake{docs: make(map[string]domain.DocumentIndex)}
}

func (f *vectorStoreFake) Add(ctx context.Context, doc domain.DocumentIndex) (bool, error) {
	n, err := f.AddBatch(ctx, []domain.DocumentIndex{doc})
	return n == 1, err
}

func (f *vectorStoreFake) AddBatch(_ context.Context, docs []domain.DocumentIndex) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return 0, f.addErr
	}
	for _, doc := range docs {
		f.docs[doc.ID] = doc
	}
	return len(docs), nil
}

func (f *vectorStoreFake) Search(_ context.Context, _ []float32, _ *domain.SearchFilter, topK int, minScore float64) ([]domain.RetrievedDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++
	f.lastTopK = topK
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	out := make([]domain.RetrievedDocument, 0, len(f.results))
	for _, doc := range f.results {
		if doc.Score >= minScore {
			out = append(out, doc)
		}
	}
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (f *vectorStoreFake) Delete(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[id]; !ok {
		return false, nil
	}
	delete(f.docs, id)
	return true, nil
}

func (f *vectorStoreFake) Count(_ context.Context, source string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, doc := range f.docs {
		if source == "" || doc.Source == source {
			n++
		}
	}
	return n, nil
}

func (f *vectorStoreFake) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.docs))
	for id := range f.docs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type adapterFake struct {
	name  string
	docs  []domain.RetrievedDocument
	err   error
	mu    sync.Mutex
	calls int
	last  ports.SourceQuery
}

func (f *adapterFake) Name() string { return f.name }

func (f *adapterFake) Search(_ context.Context, query ports.SourceQuery) ([]domain.RetrievedDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = query
	if f.err != nil {
		return nil, f.err
	}
	return f.docs, nil
}

type generateCall struct {
	system      string
	user        string
	temperature float64
	maxTokens   int
}

type generatorFake struct {
	mu      sync.Mutex
	answer  string
	err     error
	respond func(user string) (string, error)
	// respondCtx, when set, takes precedence over respond.
	respondCtx func(ctx context.Context, user string) (string, error)
	calls      []generateCall
}

func (f *generatorFake) Generate(ctx context.Context, system, user string, temperature float64, maxTokens int) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, generateCall{system: system, user: user, temperature: temperature, maxTokens: maxTokens})
	f.mu.Unlock()
	if f.respondCtx != nil {
		return f.respondCtx(ctx, user)
	}
	if f.respond != nil {
		return f.respond(user)
	}
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

func (f *generatorFake) ModelName() string { return "fake-gen" }

func (f *generatorFake) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type observerFake struct {
	mu             sync.Mutex
	statuses       []string
	sourceFailures []string
	batchFailed    int
	batchOK        int
	cacheHits      int
	cacheMisses    int
}

func (f *observerFake) ObserveQuery(status string, _ time.Duration, _ int, _ float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
}

func (f *observerFake) ObserveCacheLookup(hit bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if hit {
		f.cacheHits++
		return
	}
	f.cacheMisses++
}

func (f *observerFake) ObserveSourceFailure(source string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sourceFailures = append(f.sourceFailures, source)
}

func (f *observerFake) ObserveBatchItem(failed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if failed {
		f.batchFailed++
		return
	}
	f.batchOK++
}

type loaderFake struct {
	doc      *domain.LoadedDocument
	err      error
	lastBody string
}

func (f *loaderFake) Load(_ context.Context, _ string, body io.Reader) (*domain.LoadedDocument, error) {
	raw, _ := io.ReadAll(body)
	f.lastBody = string(raw)
	return f.doc, f.err
}

type queueFake struct {
	published []domain.IngestRequest
	err       error
}

func (f *queueFake) PublishIngestRequest(_ context.Context, req domain.IngestRequest) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, req)
	return nil
}

func (f *queueFake) SubscribeIngestRequests(context.Context, func(context.Context, domain.IngestRequest) error) error {
	return errors.New("not implemented")
}

func newTestEmbeddingService(provider *embedderFake, chunkSize, overlap int) *EmbeddingService {
	return NewEmbeddingService(provider, chunking.NewSplitter(chunkSize, overlap, 0), NewEmbeddingCache(newCacheStoreFake(), nil))
}

type recordSinkFake struct {
	mu    sync.Mutex
	name  string
	saved []map[string]any
	err   error
}

func (f *recordSinkFake) Name() string { return f.name }

func (f *recordSinkFake) SaveRecord(_ context.Context, record map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, record)
	return nil
}

type storageFake struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newStorageFake() *storageFake {
	return &storageFake{files: map[string][]byte{}}
}

func (f *storageFake) Save(_ context.Context, key string, data io.Reader) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[key] = raw
	return nil
}

func (f *storageFake) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.files[key]
	if !ok {
		return nil, errors.New("no such file")
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}
