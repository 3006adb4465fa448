package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

type templateFile struct {
	Templates []domain.PromptTemplate `yaml:"templates"`
}

// LoadPromptTemplates reads extra prompt templates from a YAML file of the form
//
//	templates:
//	  - name: legal
//	    system_prompt: ...
//	    user_template: "{context}\n\n{query}"
//	    temperature: 0.2
//	    max_tokens: 600
//
// An empty path yields no templates.
func LoadPromptTemplates(path string) ([]domain.PromptTemplate, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt templates: %w", err)
	}
	var file templateFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode prompt templates: %w", err)
	}
	return file.Templates, nil
}
