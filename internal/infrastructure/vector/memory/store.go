package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

const shardCount = 16

type shard struct {
	mu   sync.RWMutex
	docs map[string]domain.DocumentIndex
}

// Store is an in-process ports.VectorStore. Documents are sharded by id hash;
// a write locks one shard and searches read-lock shards one at a time.
type Store struct {
	shards [shardCount]*shard
}

func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{docs: make(map[string]domain.DocumentIndex)}
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return s.shards[h.Sum32()%shardCount]
}

func (s *Store) Add(ctx context.Context, doc domain.DocumentIndex) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validate(doc); err != nil {
		return false, err
	}
	doc.Vector = append([]float32(nil), doc.Vector...)
	doc.Source = strings.ToLower(doc.Source)

	sh := s.shardFor(doc.ID)
	sh.mu.Lock()
	sh.docs[doc.ID] = doc
	sh.mu.Unlock()
	return true, nil
}

func (s *Store) AddBatch(ctx context.Context, docs []domain.DocumentIndex) (int, error) {
	for _, doc := range docs {
		if err := validate(doc); err != nil {
			return 0, err
		}
	}
	added := 0
	for _, doc := range docs {
		ok, err := s.Add(ctx, doc)
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	return added, nil
}

func (s *Store) Search(ctx context.Context, queryVector []float32, filter *domain.SearchFilter, topK int, minScore float64) ([]domain.RetrievedDocument, error) {
	if len(queryVector) == 0 || topK <= 0 {
		return []domain.RetrievedDocument{}, nil
	}

	out := make([]domain.RetrievedDocument, 0, topK)
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sh.mu.RLock()
		for _, doc := range sh.docs {
			if !filter.Matches(doc.Source, doc.Content, doc.Timestamp, doc.Metadata) {
				continue
			}
			score := domain.ClampScore(cosine(queryVector, doc.Vector))
			if score < minScore {
				continue
			}
			out = append(out, domain.RetrievedDocument{
				ID:        doc.ID,
				Content:   doc.Content,
				Source:    doc.Source,
				Score:     score,
				Metadata:  doc.Metadata,
				Timestamp: doc.Timestamp,
			})
		}
		sh.mu.RUnlock()
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].ID < out[j].ID
		}
		return out[i].Score > out[j].Score
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (s *Store) Delete(_ context.Context, id string) (bool, error) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.docs[id]; !ok {
		return false, nil
	}
	delete(sh.docs, id)
	return true, nil
}

func (s *Store) Count(_ context.Context, source string) (int, error) {
	source = strings.ToLower(strings.TrimSpace(source))
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		if source == "" {
			total += len(sh.docs)
		} else {
			for _, doc := range sh.docs {
				if doc.Source == source {
					total++
				}
			}
		}
		sh.mu.RUnlock()
	}
	return total, nil
}

func validate(doc domain.DocumentIndex) error {
	if strings.TrimSpace(doc.ID) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "memory store add", fmt.Errorf("document id is empty"))
	}
	if len(doc.Vector) == 0 {
		return domain.WrapError(domain.ErrInvalidInput, "memory store add", fmt.Errorf("document %s has no vector", doc.ID))
	}
	return nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
