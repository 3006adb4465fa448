package loader

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

func jsonContent(raw []byte) (string, []map[string]any, error) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", nil, fmt.Errorf("decode json: %w", err)
	}
	text, records := splitValue(value)
	return text, records, nil
}

// yamlContent accepts multi-document streams; every document contributes.
func yamlContent(raw []byte) (string, []map[string]any, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	var (
		texts   []string
		records []map[string]any
	)
	for {
		var value any
		err := dec.Decode(&value)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, fmt.Errorf("decode yaml: %w", err)
		}
		text, recs := splitValue(value)
		if text != "" {
			texts = append(texts, text)
		}
		records = append(records, recs...)
	}
	return joinLines(texts), records, nil
}

// splitValue turns objects and arrays of objects into records; anything else
// is kept as text.
func splitValue(value any) (string, []map[string]any) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case map[string]any:
		return "", []map[string]any{v}
	case []any:
		var (
			records []map[string]any
			texts   []string
		)
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				records = append(records, m)
				continue
			}
			if item != nil {
				texts = append(texts, fmt.Sprint(item))
			}
		}
		return joinLines(texts), records
	default:
		return fmt.Sprint(v), nil
	}
}

func joinLines(lines []string) string {
	var buf bytes.Buffer
	for i, line := range lines {
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(line)
	}
	return buf.String()
}
