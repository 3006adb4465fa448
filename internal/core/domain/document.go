package domain

import (
	"math"
	"time"
)

const (
	SourceHandbook     = "handbook"
	SourceCRM          = "crm"
	SourceConversation = "conversation"
	SourceGraph        = "graph"
)

// TextChunk is a bounded word window of a larger text, the unit of embedding.
type TextChunk struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	Source    string         `json:"source"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	StartWord int            `json:"start_word"`
	EndWord   int            `json:"end_word"`
}

type EmbeddingResult struct {
	Text           string         `json:"text"`
	Vector         []float32      `json:"vector"`
	Model          string         `json:"model"`
	Dimensions     int            `json:"dimensions"`
	ProcessingTime time.Duration  `json:"processing_time"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// DocumentIndex is a stored, searchable unit owned by a vector store.
type DocumentIndex struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Source    string         `json:"source"`
	Vector    []float32      `json:"vector"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// RetrievedDocument is a search hit. Score is always normalized into [0,1].
type RetrievedDocument struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Source    string         `json:"source"`
	Score     float64        `json:"score"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ClampScore maps any native similarity value into [0,1].
func ClampScore(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
