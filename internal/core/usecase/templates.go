package usecase

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

const DefaultTemplateName = "general"

// TemplateRegistry holds the named prompt templates. Safe for concurrent use.
type TemplateRegistry struct {
	mu        sync.RWMutex
	templates map[string]domain.PromptTemplate
}

func NewTemplateRegistry() *TemplateRegistry {
	r := &TemplateRegistry{templates: make(map[string]domain.PromptTemplate)}
	for _, tpl := range builtinTemplates() {
		r.templates[tpl.Name] = tpl
	}
	return r
}

// Register adds or replaces a template.
func (r *TemplateRegistry) Register(tpl domain.PromptTemplate) error {
	tpl.Name = strings.TrimSpace(tpl.Name)
	if tpl.Name == "" {
		return domain.WrapError(domain.ErrInvalidInput, "register template", fmt.Errorf("name is required"))
	}
	if strings.TrimSpace(tpl.UserTemplate) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "register template", fmt.Errorf("user_template is required"))
	}
	if tpl.Temperature < 0 || tpl.Temperature > 2 {
		return domain.WrapError(domain.ErrInvalidInput, "register template", fmt.Errorf("temperature must be within [0,2]"))
	}
	if tpl.MaxTokens <= 0 {
		tpl.MaxTokens = 1000
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[tpl.Name] = tpl
	return nil
}

// Resolve returns the named template, falling back to the general one.
func (r *TemplateRegistry) Resolve(name string) domain.PromptTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tpl, ok := r.templates[strings.TrimSpace(name)]; ok {
		return tpl
	}
	return r.templates[DefaultTemplateName]
}

func (r *TemplateRegistry) Templates() []domain.PromptTemplate {
	r.mu.RLock()
	out := make([]domain.PromptTemplate, 0, len(r.templates))
	for _, tpl := range r.templates {
		out = append(out, tpl)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func renderTemplate(userTemplate, query, context string) string {
	return strings.NewReplacer("{query}", query, "{context}", context).Replace(userTemplate)
}

func builtinTemplates() []domain.PromptTemplate {
	return []domain.PromptTemplate{
		{
			Name: DefaultTemplateName,
			SystemPrompt: "You are a helpful assistant. Answer using only the provided context. " +
				"If the context does not contain the answer, say so plainly.",
			UserTemplate: "Context:\n{context}\n\nQuestion: {query}\n\nAnswer:",
			MaxTokens:    1000,
			Temperature:  0.7,
		},
		{
			Name: "handbook",
			SystemPrompt: "You are an assistant for the company handbook. Quote policies precisely, " +
				"name the section they come from and do not speculate beyond the context.",
			UserTemplate: "Handbook excerpts:\n{context}\n\nEmployee question: {query}\n\nAnswer:",
			MaxTokens:    800,
			Temperature:  0.3,
		},
		{
			Name: "crm",
			SystemPrompt: "You are a sales operations assistant. Summarize customer records factually " +
				"and highlight next steps when the records suggest them.",
			UserTemplate: "Customer records:\n{context}\n\nRequest: {query}\n\nResponse:",
			MaxTokens:    800,
			Temperature:  0.5,
		},
	}
}
