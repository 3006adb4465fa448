package usecase

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/core/ports"
)

const ingestLockStripes = 64

// IngestUseCase embeds content and upserts it into the vector store. Writes
// for the same document id are serialized through striped locks; writes for
// other ids proceed concurrently.
type IngestUseCase struct {
	embeddings *EmbeddingService
	store      ports.VectorStore
	loader     ports.DocumentLoader
	queue      ports.IngestionQueue
	files      ports.ObjectStorage
	sinks      []ports.RecordSink
	locks      [ingestLockStripes]sync.Mutex
	now        func() time.Time
}

func NewIngestUseCase(
	embeddings *EmbeddingService,
	store ports.VectorStore,
	loader ports.DocumentLoader,
	queue ports.IngestionQueue,
	files ports.ObjectStorage,
) *IngestUseCase {
	return &IngestUseCase{
		embeddings: embeddings,
		store:      store,
		loader:     loader,
		queue:      queue,
		files:      files,
		now:        time.Now,
	}
}

// WithRecordSinks registers sinks that also receive records ingested under
// their source name.
func (uc *IngestUseCase) WithRecordSinks(sinks ...ports.RecordSink) *IngestUseCase {
	uc.sinks = append(uc.sinks, sinks...)
	return uc
}

func (uc *IngestUseCase) IngestText(ctx context.Context, text, source string, metadata map[string]any) (*domain.IngestResult, error) {
	source, err := normalizeSource(source)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "ingest text", errors.New("text is empty"))
	}

	results, err := uc.embeddings.EmbedDocument(ctx, text, source, metadata)
	if err != nil {
		return nil, fmt.Errorf("embed document: %w", err)
	}
	return uc.index(ctx, source, results)
}

func (uc *IngestUseCase) IngestRecord(ctx context.Context, record map[string]any, source string, metadata map[string]any) (*domain.IngestResult, error) {
	source, err := normalizeSource(source)
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "ingest record", errors.New("record is empty"))
	}

	results, err := uc.embeddings.EmbedRecord(ctx, record, source, metadata)
	if err != nil {
		return nil, fmt.Errorf("embed record: %w", err)
	}
	out, err := uc.index(ctx, source, results)
	if err != nil {
		return nil, err
	}
	for _, sink := range uc.sinks {
		if sink.Name() != source {
			continue
		}
		if err := sink.SaveRecord(ctx, record); err != nil {
			return nil, fmt.Errorf("save record to %s: %w", sink.Name(), err)
		}
	}
	return out, nil
}

// IngestFile extracts an uploaded file through the loader and indexes its text
// and every record it contains.
func (uc *IngestUseCase) IngestFile(ctx context.Context, filename string, body io.Reader, source string, metadata map[string]any) (*domain.IngestResult, error) {
	if uc.loader == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "ingest file", errors.New("file loading is not configured"))
	}
	loaded, err := uc.loader.Load(ctx, filename, body)
	if err != nil {
		return nil, fmt.Errorf("load file: %w", err)
	}

	meta := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["filename"] = loaded.Filename

	total := &domain.IngestResult{ChunkIDs: []string{}}
	if strings.TrimSpace(loaded.Text) != "" {
		res, err := uc.IngestText(ctx, loaded.Text, source, meta)
		if err != nil {
			return nil, err
		}
		mergeIngestResult(total, res)
	}
	for i, record := range loaded.Records {
		recordMeta := withMetadata(meta, "record_index", i)
		res, err := uc.IngestRecord(ctx, record, source, recordMeta)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		mergeIngestResult(total, res)
	}
	if total.Source == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "ingest file", errors.New("file has no extractable content"))
	}
	return total, nil
}

// Enqueue hands the request to the asynchronous ingestion queue.
func (uc *IngestUseCase) Enqueue(ctx context.Context, req domain.IngestRequest) error {
	if uc.queue == nil {
		return domain.WrapError(domain.ErrInvalidInput, "enqueue ingest", errors.New("async ingestion is not configured"))
	}
	if _, err := normalizeSource(req.Source); err != nil {
		return err
	}
	if strings.TrimSpace(req.Text) == "" && len(req.Record) == 0 && req.StorageKey == "" {
		return domain.WrapError(domain.ErrInvalidInput, "enqueue ingest", errors.New("text, record or file is required"))
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = uc.now().UTC()
	}
	if err := uc.queue.PublishIngestRequest(ctx, req); err != nil {
		return fmt.Errorf("publish ingest request: %w", err)
	}
	return nil
}

// EnqueueFile stores the upload and publishes a request referencing it; the
// worker loads the file back from storage.
func (uc *IngestUseCase) EnqueueFile(ctx context.Context, filename string, body io.Reader, source string, metadata map[string]any) (string, error) {
	if uc.files == nil || uc.queue == nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "enqueue file", errors.New("async file ingestion is not configured"))
	}
	if _, err := normalizeSource(source); err != nil {
		return "", err
	}
	base := filepath.Base(strings.TrimSpace(filename))
	if base == "." || base == "/" || base == "" {
		return "", domain.WrapError(domain.ErrInvalidInput, "enqueue file", errors.New("filename is required"))
	}

	key := uuid.NewString() + "_" + base
	if err := uc.files.Save(ctx, key, body); err != nil {
		return "", fmt.Errorf("save upload: %w", err)
	}
	req := domain.IngestRequest{Source: source, Metadata: metadata, Filename: base, StorageKey: key}
	if err := uc.Enqueue(ctx, req); err != nil {
		return "", err
	}
	return key, nil
}

// HandleRequest is the queue consumer entry point.
func (uc *IngestUseCase) HandleRequest(ctx context.Context, req domain.IngestRequest) error {
	var err error
	switch {
	case req.StorageKey != "":
		err = uc.handleStoredFile(ctx, req)
	case len(req.Record) > 0:
		_, err = uc.IngestRecord(ctx, req.Record, req.Source, req.Metadata)
	default:
		_, err = uc.IngestText(ctx, req.Text, req.Source, req.Metadata)
	}
	return err
}

func (uc *IngestUseCase) handleStoredFile(ctx context.Context, req domain.IngestRequest) error {
	if uc.files == nil {
		return domain.WrapError(domain.ErrInvalidInput, "ingest stored file", errors.New("file storage is not configured"))
	}
	body, err := uc.files.Open(ctx, req.StorageKey)
	if err != nil {
		return fmt.Errorf("open stored file: %w", err)
	}
	defer body.Close()

	filename := req.Filename
	if filename == "" {
		filename = req.StorageKey
	}
	_, err = uc.IngestFile(ctx, filename, body, req.Source, req.Metadata)
	return err
}

func (uc *IngestUseCase) Delete(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, domain.WrapError(domain.ErrInvalidInput, "delete document", errors.New("id is empty"))
	}
	lock := uc.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	deleted, err := uc.store.Delete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("delete from vector store: %w", err)
	}
	return deleted, nil
}

func (uc *IngestUseCase) Count(ctx context.Context, source string) (int, error) {
	n, err := uc.store.Count(ctx, strings.TrimSpace(source))
	if err != nil {
		return 0, fmt.Errorf("count vector store: %w", err)
	}
	return n, nil
}

func (uc *IngestUseCase) index(ctx context.Context, source string, results []domain.EmbeddingResult) (*domain.IngestResult, error) {
	out := &domain.IngestResult{Source: source, ChunkIDs: make([]string, 0, len(results))}
	if len(results) == 0 {
		return out, nil
	}

	now := uc.now().UTC()
	docs := make([]domain.DocumentIndex, 0, len(results))
	for _, res := range results {
		id, _ := res.Metadata["chunk_id"].(string)
		if id == "" {
			return nil, fmt.Errorf("embedding result without chunk id")
		}
		docs = append(docs, domain.DocumentIndex{
			ID:        id,
			Content:   res.Text,
			Source:    source,
			Vector:    res.Vector,
			Metadata:  res.Metadata,
			Timestamp: now,
		})
		out.ChunkIDs = append(out.ChunkIDs, id)
	}

	unlock := uc.lockAll(out.ChunkIDs)
	defer unlock()

	n, err := uc.store.AddBatch(ctx, docs)
	if err != nil {
		return nil, fmt.Errorf("add to vector store: %w", err)
	}
	out.Indexed = n
	return out, nil
}

func (uc *IngestUseCase) lockFor(id string) *sync.Mutex {
	return &uc.locks[stripe(id)]
}

// lockAll takes the stripes covering ids in ascending order so concurrent
// batches cannot deadlock.
func (uc *IngestUseCase) lockAll(ids []string) func() {
	var held [ingestLockStripes]bool
	for _, id := range ids {
		held[stripe(id)] = true
	}
	for i := range held {
		if held[i] {
			uc.locks[i].Lock()
		}
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			if held[i] {
				uc.locks[i].Unlock()
			}
		}
	}
}

func stripe(id string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % ingestLockStripes)
}

func normalizeSource(source string) (string, error) {
	source = strings.ToLower(strings.TrimSpace(source))
	if source == "" {
		return "", domain.WrapError(domain.ErrInvalidInput, "validate source", errors.New("source is required"))
	}
	for _, r := range source {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return "", domain.WrapError(domain.ErrInvalidInput, "validate source", fmt.Errorf("invalid character %q in source", r))
		}
	}
	return source, nil
}

func mergeIngestResult(total, res *domain.IngestResult) {
	total.Source = res.Source
	total.ChunkIDs = append(total.ChunkIDs, res.ChunkIDs...)
	total.Indexed += res.Indexed
}
