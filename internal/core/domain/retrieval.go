package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// SearchFilter restricts retrieval at query time. The zero value matches everything.
type SearchFilter struct {
	Sources          []string       `json:"sources,omitempty"`
	DateFrom         *time.Time     `json:"date_from,omitempty"`
	DateTo           *time.Time     `json:"date_to,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	MinContentLength int            `json:"min_content_length,omitempty"`
	MaxContentLength int            `json:"max_content_length,omitempty"`
}

func (f *SearchFilter) AllowsSource(source string) bool {
	if f == nil || len(f.Sources) == 0 {
		return true
	}
	for _, s := range f.Sources {
		if strings.EqualFold(s, source) {
			return true
		}
	}
	return false
}

func (f *SearchFilter) Matches(source, content string, ts time.Time, metadata map[string]any) bool {
	if f == nil {
		return true
	}
	if !f.AllowsSource(source) {
		return false
	}
	if f.DateFrom != nil && ts.Before(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && ts.After(*f.DateTo) {
		return false
	}
	length := utf8.RuneCountInString(content)
	if f.MinContentLength > 0 && length < f.MinContentLength {
		return false
	}
	if f.MaxContentLength > 0 && length > f.MaxContentLength {
		return false
	}
	for key, want := range f.Metadata {
		got, ok := metadata[key]
		if !ok || !MetadataValueEqual(got, want) {
			return false
		}
	}
	return true
}

// MetadataValueEqual compares metadata values by their printed form so that
// numbers decoded from JSON (float64) match ints supplied by callers.
func MetadataValueEqual(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// RAGQuery is one inbound question. Template selects a registered prompt
// template; empty means the default.
type RAGQuery struct {
	Text       string              `json:"text"`
	UserID     string              `json:"user_id,omitempty"`
	Context    map[string]any      `json:"context,omitempty"`
	Filter     *SearchFilter       `json:"filter,omitempty"`
	MaxResults int                 `json:"max_results,omitempty"`
	MinScore   float64             `json:"min_score,omitempty"`
	Template   string              `json:"template,omitempty"`
	Generation *GenerationOverride `json:"generation,omitempty"`
}

type RAGResponse struct {
	Query            string              `json:"query"`
	Answer           string              `json:"answer"`
	Sources          []RetrievedDocument `json:"sources"`
	Confidence       float64             `json:"confidence"`
	ProcessingTimeMS float64             `json:"processing_time_ms"`
	Metadata         map[string]any      `json:"metadata,omitempty"`
}

// Failed reports whether the response was produced by batch error isolation.
func (r RAGResponse) Failed() bool {
	failed, _ := r.Metadata["failed"].(bool)
	return failed
}
