package loader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

const defaultMaxBytes = 20 << 20

// Loader extracts text and records from uploaded files, dispatching on the
// file extension.
type Loader struct {
	maxBytes int64
}

func New(maxBytes int64) *Loader {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &Loader{maxBytes: maxBytes}
}

// Extensions lists the accepted file extensions.
func Extensions() []string {
	return []string{".txt", ".md", ".json", ".yaml", ".yml", ".pdf", ".xlsx", ".html", ".htm"}
}

func (l *Loader) Load(ctx context.Context, filename string, body io.Reader) (*domain.LoadedDocument, error) {
	raw, err := io.ReadAll(io.LimitReader(body, l.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(raw)) > l.maxBytes {
		return nil, domain.WrapError(domain.ErrInvalidInput, "load file", fmt.Errorf("%s exceeds %d bytes", filename, l.maxBytes))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc := &domain.LoadedDocument{Filename: filepath.Base(filename)}
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".txt", ".md", "":
		doc.Text, err = plainText(raw, filename)
	case ".json":
		doc.Text, doc.Records, err = jsonContent(raw)
	case ".yaml", ".yml":
		doc.Text, doc.Records, err = yamlContent(raw)
	case ".pdf":
		doc.Text, err = pdfText(raw)
	case ".xlsx":
		doc.Records, err = spreadsheetRecords(raw)
	case ".html", ".htm":
		doc.Text, err = htmlText(raw)
	default:
		return nil, domain.WrapError(domain.ErrInvalidInput, "load file", fmt.Errorf("unsupported file type %q", ext))
	}
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "load "+doc.Filename, err)
	}
	doc.Text = strings.TrimSpace(doc.Text)
	return doc, nil
}

func plainText(raw []byte, filename string) (string, error) {
	if !utf8.Valid(raw) || bytes.IndexByte(raw, 0) >= 0 {
		return "", fmt.Errorf("binary content in %s", filename)
	}
	return string(raw), nil
}
