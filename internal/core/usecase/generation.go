package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/core/ports"
)

const (
	generationFallbackAnswer = "I encountered an error while generating a response. Please try again."
	maxFollowUps             = 5
)

// ConfidenceWeights parameterizes the answer-level confidence estimate.
type ConfidenceWeights struct {
	NoSourceFloor      float64
	DiversityPerSource float64
	DiversityCap       float64
	LengthDivisor      float64
	LengthCap          float64
	CountDivisor       float64
	CountCap           float64
}

func DefaultGenerationConfidence() ConfidenceWeights {
	return ConfidenceWeights{
		NoSourceFloor:      0.3,
		DiversityPerSource: 0.1,
		DiversityCap:       0.3,
		LengthDivisor:      1000,
		LengthCap:          0.2,
		CountDivisor:       10,
		CountCap:           0.2,
	}
}

type GenerationService struct {
	provider   ports.GenerationProvider
	templates  *TemplateRegistry
	confidence ConfidenceWeights
}

func NewGenerationService(provider ports.GenerationProvider, templates *TemplateRegistry, confidence ConfidenceWeights) *GenerationService {
	if templates == nil {
		templates = NewTemplateRegistry()
	}
	return &GenerationService{
		provider:   provider,
		templates:  templates,
		confidence: confidence,
	}
}

func (s *GenerationService) Templates() *TemplateRegistry {
	return s.templates
}

// GenerateResponse never returns a provider failure: it substitutes a fixed
// fallback answer with zero confidence and records the error in metadata.
func (s *GenerationService) GenerateResponse(
	ctx context.Context,
	query string,
	contextText string,
	sources []domain.RetrievedDocument,
	templateName string,
	override *domain.GenerationOverride,
) *domain.AIResponse {
	started := time.Now()
	tpl := s.templates.Resolve(templateName)

	temperature := tpl.Temperature
	maxTokens := tpl.MaxTokens
	if override != nil {
		if override.Temperature != nil {
			temperature = *override.Temperature
		}
		if override.MaxTokens != nil && *override.MaxTokens > 0 {
			maxTokens = *override.MaxTokens
		}
	}

	enhanced := contextText
	if summary := sourceSummary(sources); summary != "" {
		enhanced = summary + "\n\n" + contextText
	}
	userPrompt := renderTemplate(tpl.UserTemplate, query, enhanced)

	meta := map[string]any{
		"template":       tpl.Name,
		"source_count":   len(sources),
		"context_length": utf8.RuneCountInString(enhanced),
		"temperature":    temperature,
		"max_tokens":     maxTokens,
	}

	answer, err := s.provider.Generate(ctx, tpl.SystemPrompt, userPrompt, temperature, maxTokens)
	if err != nil {
		slog.Warn("generation_failed", "template", tpl.Name, "error", err)
		meta["error"] = err.Error()
		return &domain.AIResponse{
			Answer:           generationFallbackAnswer,
			Model:            s.provider.ModelName(),
			ProcessingTimeMS: elapsedMS(started),
			Confidence:       0,
			Metadata:         meta,
		}
	}
	answer = strings.TrimSpace(answer)

	return &domain.AIResponse{
		Answer:           answer,
		Model:            s.provider.ModelName(),
		TokensUsed:       estimateTokens(tpl.SystemPrompt) + estimateTokens(userPrompt) + estimateTokens(answer),
		ProcessingTimeMS: elapsedMS(started),
		Confidence:       s.answerConfidence(answer, sources),
		Metadata:         meta,
	}
}

// GenerateFollowUpSuggestions is best effort: any failure yields an empty list.
func (s *GenerationService) GenerateFollowUpSuggestions(ctx context.Context, query, answer string, sources []domain.RetrievedDocument) []string {
	labels := make([]string, 0, len(sources))
	for _, label := range uniqueSources(sources) {
		labels = append(labels, strings.ToUpper(label))
	}

	system := "You suggest short follow-up questions. Reply with one question per line and nothing else."
	user := fmt.Sprintf(
		"Original question: %s\n\nAnswer given: %s\n\nSources consulted: %s\n\nSuggest up to %d follow-up questions.",
		query, answer, strings.Join(labels, ", "), maxFollowUps,
	)

	raw, err := s.provider.Generate(ctx, system, user, 0.7, 200)
	if err != nil {
		slog.Debug("follow_up_generation_failed", "error", err)
		return []string{}
	}
	return parseFollowUps(raw)
}

func (s *GenerationService) answerConfidence(answer string, sources []domain.RetrievedDocument) float64 {
	w := s.confidence
	if len(sources) == 0 {
		return w.NoSourceFloor
	}
	confidence := averageScore(sources) +
		min(w.DiversityPerSource*float64(len(uniqueSources(sources))), w.DiversityCap) +
		ratioCapped(utf8.RuneCountInString(answer), w.LengthDivisor, w.LengthCap) +
		ratioCapped(len(sources), w.CountDivisor, w.CountCap)
	return domain.ClampScore(confidence)
}

// sourceSummary renders "[Information Sources: 2 HANDBOOK document(s), 1 CRM document(s)]".
func sourceSummary(sources []domain.RetrievedDocument) string {
	if len(sources) == 0 {
		return ""
	}
	counts := make(map[string]int)
	for _, doc := range sources {
		counts[strings.ToUpper(sourceLabel(doc.Source))]++
	}
	labels := make([]string, 0, len(counts))
	for label := range counts {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if counts[labels[i]] != counts[labels[j]] {
			return counts[labels[i]] > counts[labels[j]]
		}
		return labels[i] < labels[j]
	})

	parts := make([]string, len(labels))
	for i, label := range labels {
		parts[i] = fmt.Sprintf("%d %s document(s)", counts[label], label)
	}
	return "[Information Sources: " + strings.Join(parts, ", ") + "]"
}

func parseFollowUps(raw string) []string {
	out := make([]string, 0, maxFollowUps)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*•0123456789.) ")
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasSuffix(line, "?") {
			continue
		}
		out = append(out, line)
		if len(out) == maxFollowUps {
			break
		}
	}
	return out
}

func averageScore(sources []domain.RetrievedDocument) float64 {
	if len(sources) == 0 {
		return 0
	}
	total := 0.0
	for _, doc := range sources {
		total += doc.Score
	}
	return total / float64(len(sources))
}

func uniqueSources(sources []domain.RetrievedDocument) []string {
	seen := make(map[string]struct{}, len(sources))
	out := make([]string, 0, len(sources))
	for _, doc := range sources {
		label := strings.ToLower(sourceLabel(doc.Source))
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		out = append(out, label)
	}
	return out
}

func sourceLabel(source string) string {
	if strings.TrimSpace(source) == "" {
		return "unknown"
	}
	return source
}

func ratioCapped(n int, divisor, limit float64) float64 {
	if divisor <= 0 {
		return 0
	}
	return min(float64(n)/divisor, limit)
}

func estimateTokens(text string) int {
	return int(math.Ceil(float64(utf8.RuneCountInString(text)) / 4))
}

func elapsedMS(started time.Time) float64 {
	return float64(time.Since(started).Microseconds()) / 1000
}
