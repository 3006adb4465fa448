package chunking

import (
	"fmt"
	"sort"
	"strings"
)

// Flatten renders a structured record (nested maps and sequences, as decoded
// from YAML or JSON) into "key: value" lines suitable for chunking.
func Flatten(value any) string {
	var b strings.Builder
	flattenInto(&b, "", value, 0)
	return strings.TrimSpace(b.String())
}

func flattenInto(b *strings.Builder, key string, value any, depth int) {
	indent := strings.Repeat("  ", depth)
	switch v := value.(type) {
	case map[string]any:
		if key != "" {
			b.WriteString(indent + key + ":\n")
			depth++
		}
		for _, k := range sortedKeys(v) {
			flattenInto(b, k, v[k], depth)
		}
	case map[any]any:
		converted := make(map[string]any, len(v))
		for k, item := range v {
			converted[fmt.Sprint(k)] = item
		}
		flattenInto(b, key, converted, depth)
	case []any:
		if allScalars(v) {
			parts := make([]string, 0, len(v))
			for _, item := range v {
				parts = append(parts, scalarString(item))
			}
			writeLine(b, indent, key, strings.Join(parts, ", "))
			return
		}
		if key != "" {
			b.WriteString(indent + key + ":\n")
			depth++
		}
		for _, item := range v {
			flattenInto(b, "", item, depth)
		}
	case []string:
		writeLine(b, indent, key, strings.Join(v, ", "))
	default:
		writeLine(b, indent, key, scalarString(v))
	}
}

func writeLine(b *strings.Builder, indent, key, value string) {
	if key == "" {
		b.WriteString(indent + value + "\n")
		return
	}
	b.WriteString(indent + key + ": " + value + "\n")
}

func allScalars(items []any) bool {
	for _, item := range items {
		switch item.(type) {
		case map[string]any, map[any]any, []any:
			return false
		}
	}
	return true
}

func scalarString(v any) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Splitter) Flatten(record any) string {
	return Flatten(record)
}
