package domain

import "time"

// PromptTemplate is a named generation strategy. UserTemplate may reference
// {query} and {context}.
type PromptTemplate struct {
	Name         string         `json:"name" yaml:"name"`
	SystemPrompt string         `json:"system_prompt" yaml:"system_prompt"`
	UserTemplate string         `json:"user_template" yaml:"user_template"`
	MaxTokens    int            `json:"max_tokens" yaml:"max_tokens"`
	Temperature  float64        `json:"temperature" yaml:"temperature"`
	Metadata     map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// GenerationOverride replaces template defaults for a single call.
type GenerationOverride struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

type AIResponse struct {
	Answer           string         `json:"answer"`
	Model            string         `json:"model"`
	TokensUsed       int            `json:"tokens_used"`
	ProcessingTimeMS float64        `json:"processing_time_ms"`
	Confidence       float64        `json:"confidence"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Fallback reports whether the answer is the substitute produced after a provider failure.
func (r *AIResponse) Fallback() bool {
	if r == nil {
		return false
	}
	_, failed := r.Metadata["error"]
	return failed
}

// IngestResult summarizes one ingestion call.
type IngestResult struct {
	Source   string   `json:"source"`
	ChunkIDs []string `json:"chunk_ids"`
	Indexed  int      `json:"indexed"`
}

// IngestRequest is the asynchronous ingestion message carried by the queue.
// StorageKey references an upload saved in object storage.
type IngestRequest struct {
	Source     string         `json:"source"`
	Text       string         `json:"text,omitempty"`
	Record     map[string]any `json:"record,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Filename   string         `json:"filename,omitempty"`
	StorageKey string         `json:"storage_key,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// LoadedDocument is the extracted content of an uploaded file: plain text,
// structured records, or both.
type LoadedDocument struct {
	Filename string
	Text     string
	Records  []map[string]any
}
