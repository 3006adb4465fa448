// Package mcpadapter exposes the RAG pipeline as Model Context Protocol tools.
package mcpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/core/ports"
)

const (
	serverName    = "grounded-rag"
	serverVersion = "1.0.0"
)

type Server struct {
	query  ports.QueryService
	ingest ports.DocumentIngestor
	mcp    *server.MCPServer
}

func NewServer(query ports.QueryService, ingest ports.DocumentIngestor) *Server {
	s := &Server{
		query:  query,
		ingest: ingest,
		mcp:    server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false)),
	}

	s.mcp.AddTool(mcp.NewTool("rag_query",
		mcp.WithDescription("Answer a question using documents indexed in the knowledge base. Returns the answer with cited sources."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Question to answer")),
		mcp.WithString("sources", mcp.Description("Comma separated list of sources to search, e.g. faq,handbook")),
		mcp.WithNumber("max_results", mcp.Description("Maximum number of documents to ground the answer on")),
		mcp.WithString("template", mcp.Description("Prompt template name")),
	), s.handleQuery)

	s.mcp.AddTool(mcp.NewTool("rag_ingest",
		mcp.WithDescription("Index a piece of text into the knowledge base."),
		mcp.WithString("text", mcp.Required(), mcp.Description("Text to index")),
		mcp.WithString("source", mcp.Required(), mcp.Description("Source label, e.g. faq")),
		mcp.WithString("metadata", mcp.Description("Optional JSON object stored with every chunk")),
	), s.handleIngest)

	s.mcp.AddTool(mcp.NewTool("rag_count",
		mcp.WithDescription("Count indexed chunks, optionally for one source."),
		mcp.WithString("source", mcp.Description("Source label")),
	), s.handleCount)

	return s
}

// ServeStdio blocks serving JSON-RPC over stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	query := domain.RAGQuery{
		Text:       text,
		MaxResults: int(req.GetFloat("max_results", 0)),
		Template:   req.GetString("template", ""),
	}
	if raw := req.GetString("sources", ""); raw != "" {
		var sources []string
		for _, src := range strings.Split(raw, ",") {
			if src = strings.TrimSpace(src); src != "" {
				sources = append(sources, src)
			}
		}
		query.Filter = &domain.SearchFilter{Sources: sources}
	}

	resp, err := s.query.Process(ctx, query)
	if err != nil {
		slog.Warn("mcp_tool_failed", "tool", "rag_query", "error", err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(formatAnswer(resp)), nil
}

func (s *Server) handleIngest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	source, err := req.RequireString("source")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var metadata map[string]any
	if raw := req.GetString("metadata", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return mcp.NewToolResultError("metadata must be a json object"), nil
		}
	}

	res, err := s.ingest.IngestText(ctx, text, source, metadata)
	if err != nil {
		slog.Warn("mcp_tool_failed", "tool", "rag_ingest", "error", err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("indexed %d chunks into %s", res.Indexed, res.Source)), nil
}

func (s *Server) handleCount(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source := req.GetString("source", "")
	n, err := s.ingest.Count(ctx, source)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if source == "" {
		return mcp.NewToolResultText(fmt.Sprintf("%d chunks indexed", n)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%d chunks indexed for %s", n, source)), nil
}

func formatAnswer(resp *domain.RAGResponse) string {
	var b strings.Builder
	b.WriteString(resp.Answer)
	if len(resp.Sources) == 0 {
		return b.String()
	}
	b.WriteString("\n\nSources:\n")
	for i, doc := range resp.Sources {
		fmt.Fprintf(&b, "[%d] %s (%s, score %.2f)\n", i+1, doc.ID, doc.Source, doc.Score)
	}
	fmt.Fprintf(&b, "Confidence: %.2f", resp.Confidence)
	return b.String()
}
