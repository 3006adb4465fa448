package usecase

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

// RerankWeights drives the pipeline-local rerank that runs after the
// aggregator's own ranking.
type RerankWeights struct {
	SourceRank    map[string]float64
	SourceWeight  float64
	LengthWeight  float64
	LengthDivisor float64
}

func DefaultRerankWeights() RerankWeights {
	return RerankWeights{
		SourceRank: map[string]float64{
			domain.SourceHandbook:     1.0,
			domain.SourceCRM:          0.8,
			domain.SourceGraph:        0.6,
			domain.SourceConversation: 0.5,
		},
		SourceWeight:  0.1,
		LengthWeight:  0.1,
		LengthDivisor: 1000,
	}
}

// rerankDocuments orders documents by score + source rank + length signal.
// Scores themselves are left untouched; the composite value is recorded as
// rerank_score.
func rerankDocuments(docs []domain.RetrievedDocument, w RerankWeights) []domain.RetrievedDocument {
	if len(docs) == 0 {
		return docs
	}

	out := make([]domain.RetrievedDocument, len(docs))
	copy(out, docs)
	for i := range out {
		length := 0.0
		if w.LengthDivisor > 0 {
			length = min(float64(utf8.RuneCountInString(out[i].Content))/w.LengthDivisor, 1.0)
		}
		score := out[i].Score +
			w.SourceWeight*w.SourceRank[strings.ToLower(out[i].Source)] +
			w.LengthWeight*length
		out[i].Metadata = withMetadata(out[i].Metadata, "rerank_score", score)
	}

	sort.SliceStable(out, func(i, j int) bool {
		si, _ := out[i].Metadata["rerank_score"].(float64)
		sj, _ := out[j].Metadata["rerank_score"].(float64)
		if si != sj {
			return si > sj
		}
		return out[i].Score > out[j].Score
	})
	return out
}
