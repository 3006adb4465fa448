package chunking

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strconv"
	"strings"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

const defaultMaxInputChars = 200_000

// Splitter slides a fixed window of words over normalized text.
type Splitter struct {
	ChunkSize     int
	Overlap       int
	MaxInputChars int
}

func NewSplitter(chunkSize, overlap, maxInputChars int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = 200
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	if maxInputChars <= 0 {
		maxInputChars = defaultMaxInputChars
	}
	return &Splitter{
		ChunkSize:     chunkSize,
		Overlap:       overlap,
		MaxInputChars: maxInputChars,
	}
}

// Chunk splits text into overlapping windows. Chunk ids are derived from the
// source, the starting word offset and the chunk text, so unchanged chunks keep
// their id across re-ingestion.
func (s *Splitter) Chunk(text, source string, metadata map[string]any) []domain.TextChunk {
	runes := []rune(text)
	if len(runes) > s.MaxInputChars {
		slog.Warn("chunk_input_truncated",
			"source", source,
			"chars", len(runes),
			"max_chars", s.MaxInputChars,
		)
		text = string(runes[:s.MaxInputChars])
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	step := s.ChunkSize - s.Overlap
	if step <= 0 {
		step = s.ChunkSize
	}

	out := make([]domain.TextChunk, 0, len(words)/step+1)
	for start := 0; start < len(words); start += step {
		end := start + s.ChunkSize
		if end > len(words) {
			end = len(words)
		}
		chunkText := strings.Join(words[start:end], " ")
		out = append(out, domain.TextChunk{
			ID:        ChunkID(source, start, chunkText),
			Text:      chunkText,
			Source:    source,
			Metadata:  chunkMetadata(metadata, source, start, end, len(out)),
			StartWord: start,
			EndWord:   end,
		})
		if end == len(words) {
			break
		}
	}
	return out
}

// ChunkID returns source_start_hash8.
func ChunkID(source string, start int, chunkText string) string {
	sum := sha256.Sum256([]byte(chunkText))
	return source + "_" + strconv.Itoa(start) + "_" + hex.EncodeToString(sum[:])[:8]
}

func chunkMetadata(base map[string]any, source string, start, end, window int) map[string]any {
	out := make(map[string]any, len(base)+4)
	for k, v := range base {
		out[k] = v
	}
	out["source"] = source
	out["start_word"] = start
	out["end_word"] = end
	out["window_index"] = window
	return out
}
