package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/kirillkom/grounded-rag/internal/bootstrap"
	"github.com/kirillkom/grounded-rag/internal/config"
	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/observability/logging"
)

const usage = `usage: ragctl <command> [flags]

commands:
  ingest -source NAME FILE...   index files (txt, md, json, yaml, pdf, xlsx, html)
  query  [-sources a,b] TEXT    answer one question
  batch  FILE                   answer every non-empty line of FILE
  chat                          interactive question loop
  count  [-source NAME]         number of indexed chunks
`

var (
	boldGreen = color.New(color.FgGreen, color.Bold).SprintFunc()
	boldCyan  = color.New(color.FgCyan, color.Bold).SprintFunc()
	faint     = color.New(color.Faint).SprintFunc()
	red       = color.New(color.FgRed).SprintFunc()
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, red(err))
		os.Exit(1)
	}
	cfg := config.Load()
	slog.SetDefault(logging.New(os.Stderr, "ragctl", "warn"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, "ragctl")
	if err != nil {
		fmt.Fprintln(os.Stderr, red("bootstrap: "+err.Error()))
		os.Exit(1)
	}
	defer app.Close()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "ingest":
		err = runIngest(ctx, app, args)
	case "query":
		err = runQuery(ctx, app, args)
	case "batch":
		err = runBatch(ctx, app, args)
	case "chat":
		err = runChat(ctx, app)
	case "count":
		err = runCount(ctx, app, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, red(err))
		app.Close()
		os.Exit(1)
	}
}

func runIngest(ctx context.Context, app *bootstrap.App, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	source := fs.String("source", "", "source label for every file")
	metadata := fs.String("metadata", "", "json object stored with every chunk")
	_ = fs.Parse(args)
	if fs.NArg() == 0 {
		return fmt.Errorf("ingest: at least one file is required")
	}

	var meta map[string]any
	if *metadata != "" {
		if err := json.Unmarshal([]byte(*metadata), &meta); err != nil {
			return fmt.Errorf("ingest: metadata must be a json object: %w", err)
		}
	}

	for _, path := range fs.Args() {
		src := *source
		if src == "" {
			src = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		res, err := app.Ingest.IngestFile(ctx, filepath.Base(path), f, src, meta)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}
		fmt.Printf("%s %s -> %s (%d chunks)\n", boldGreen("indexed"), path, res.Source, res.Indexed)
	}
	return nil
}

func runQuery(ctx context.Context, app *bootstrap.App, args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	sources := fs.String("sources", "", "comma separated sources to search")
	template := fs.String("template", "", "prompt template name")
	maxResults := fs.Int("max-results", 0, "documents to ground on")
	_ = fs.Parse(args)

	text := strings.Join(fs.Args(), " ")
	query := domain.RAGQuery{Text: text, Template: *template, MaxResults: *maxResults}
	if *sources != "" {
		query.Filter = &domain.SearchFilter{Sources: strings.Split(*sources, ",")}
	}

	resp, err := app.Pipeline.Process(ctx, query)
	if err != nil {
		return err
	}
	printResponse(*resp)
	return nil
}

func runBatch(ctx context.Context, app *bootstrap.App, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("batch: exactly one file is required")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	var queries []domain.RAGQuery
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			queries = append(queries, domain.RAGQuery{Text: line})
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	for i, resp := range app.Pipeline.ProcessBatch(ctx, queries) {
		fmt.Printf("%s %s\n", boldCyan(fmt.Sprintf("[%d]", i+1)), queries[i].Text)
		printResponse(resp)
	}
	return nil
}

func runChat(ctx context.Context, app *bootstrap.App) error {
	fmt.Println(boldGreen("grounded-rag chat"))
	fmt.Println("Type a question and press Enter. Type 'exit' to quit.")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(boldGreen("You: "))
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if strings.EqualFold(input, "exit") {
			return nil
		}

		resp, err := app.Pipeline.Process(ctx, domain.RAGQuery{Text: input, UserID: "ragctl"})
		if err != nil {
			fmt.Fprintln(os.Stderr, red(err))
			continue
		}
		printResponse(*resp)
		for _, q := range app.Pipeline.FollowUps(ctx, input, resp.Answer, resp.Sources) {
			fmt.Println(faint("  ? " + q))
		}
		fmt.Println()
	}
}

func runCount(ctx context.Context, app *bootstrap.App, args []string) error {
	fs := flag.NewFlagSet("count", flag.ExitOnError)
	source := fs.String("source", "", "source label")
	_ = fs.Parse(args)

	n, err := app.Ingest.Count(ctx, *source)
	if err != nil {
		return err
	}
	fmt.Println(n)
	return nil
}

func printResponse(resp domain.RAGResponse) {
	if resp.Failed() {
		fmt.Println(red(fmt.Sprintf("failed: %v", resp.Metadata["error"])))
		return
	}
	fmt.Printf("%s %s\n", boldCyan("Assistant:"), resp.Answer)
	for i, doc := range resp.Sources {
		fmt.Println(faint(fmt.Sprintf("  [%d] %s (%s, %.2f)", i+1, doc.ID, doc.Source, doc.Score)))
	}
	fmt.Println(faint(fmt.Sprintf("  confidence %.2f, %.0f ms", resp.Confidence, resp.ProcessingTimeMS)))
}
