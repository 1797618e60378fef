package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/yanqian/study-abroad-rag/internal/domain/ingest"
	"github.com/yanqian/study-abroad-rag/internal/domain/query"
	"github.com/yanqian/study-abroad-rag/internal/infra/config"
	apperrors "github.com/yanqian/study-abroad-rag/pkg/errors"
	"github.com/yanqian/study-abroad-rag/pkg/logger"
)

// CLI exit codes. 0 is success; the rest distinguish usage mistakes from
// input validation failures from upstream/provider failures so scripts
// driving the CLI can branch without scraping stderr text.
const (
	exitOK         = 0
	exitInternal   = 1
	exitUsage      = 2
	exitValidation = 3
	exitProvider   = 4
)

// cliCommands lists the subcommands runCLI dispatches on. Anything else
// falls through to the HTTP server in main.
var cliCommands = map[string]bool{
	"ingest":        true,
	"query":         true,
	"bulk-ingest":   true,
	"rebuild-index": true,
}

// runCLI handles the process's one-shot CLI surface: ingesting a document,
// asking a question, bulk-ingesting a directory, or forcing an index
// rebuild, all against the same wiring the HTTP server uses, without
// binding a listener. Returns the process exit code.
func runCLI(args []string) int {
	command := args[0]
	rest := args[1:]

	cfg, err := config.Load()
	if err != nil {
		color.Red("config error: %v", err)
		return exitInternal
	}
	log := logger.New()

	switch command {
	case "ingest":
		return runIngest(cfg, log, rest)
	case "bulk-ingest":
		return runBulkIngest(cfg, log, rest)
	case "query":
		return runQuery(cfg, log, rest)
	case "rebuild-index":
		return runRebuildIndex(cfg, log, rest)
	default:
		color.Red("unknown command: %s", command)
		printCLIUsage()
		return exitUsage
	}
}

func printCLIUsage() {
	fmt.Fprintf(os.Stderr, `Usage:
  app serve                           Start the HTTP server (default)
  app ingest <path> [--doc-id=id] [--source=name] [--lang=en|zh]
  app bulk-ingest <dir> [--lang=en|zh]
  app query <text> [--lang=en|zh] [--session=id] [--top-k=n]
  app rebuild-index
`)
}

func runIngest(cfg *config.Config, log *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	docID := fs.String("doc-id", "", "document id (defaults to the file name)")
	source := fs.String("source", "", "human readable source name")
	lang := fs.String("lang", "en", "document language: en or zh")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		color.Red("ingest requires exactly one file path")
		return exitUsage
	}
	path := fs.Arg(0)

	pipeline, idx, err := buildIngestDeps(cfg, log)
	if err != nil {
		color.Red("wiring error: %v", err)
		return exitInternal
	}

	req, err := fileToIngestRequest(path, *docID, *source, *lang)
	if err != nil {
		color.Red("invalid input: %v", err)
		return exitValidation
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	count, err := pipeline.Run(ctx, req)
	if err != nil {
		return reportPipelineError(err)
	}

	health := idx.Health()
	color.Green("ingested %s: %d chunk(s) written", req.DocID, count)
	fmt.Printf("index now holds %d document(s), %d chunk(s)\n", health.DocumentCount, health.ChunkCount)
	return exitOK
}

func runBulkIngest(cfg *config.Config, log *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("bulk-ingest", flag.ContinueOnError)
	lang := fs.String("lang", "en", "document language: en or zh")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		color.Red("bulk-ingest requires exactly one directory path")
		return exitUsage
	}
	dir := fs.Arg(0)

	entries, err := os.ReadDir(dir)
	if err != nil {
		color.Red("cannot read directory: %v", err)
		return exitValidation
	}

	pipeline, idx, err := buildIngestDeps(cfg, log)
	if err != nil {
		color.Red("wiring error: %v", err)
		return exitInternal
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	var (
		ok, failed int
	)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := dir + string(os.PathSeparator) + entry.Name()
		req, err := fileToIngestRequest(path, "", "", *lang)
		if err != nil {
			color.Yellow("skip %s: %v", entry.Name(), err)
			failed++
			continue
		}
		count, err := pipeline.Run(ctx, req)
		if err != nil {
			color.Red("fail %s: %v", entry.Name(), err)
			failed++
			continue
		}
		color.Green("ok %s: %d chunk(s)", entry.Name(), count)
		ok++
	}

	health := idx.Health()
	fmt.Printf("bulk-ingest done: %d ok, %d failed, index holds %d document(s)\n", ok, failed, health.DocumentCount)
	if failed > 0 && ok == 0 {
		return exitValidation
	}
	return exitOK
}

func runQuery(cfg *config.Config, log *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	lang := fs.String("lang", "", "answer language: en or zh (default: session or auto)")
	sessionID := fs.String("session", "", "session id to continue (default: new session)")
	topK := fs.Int("top-k", 0, "override retrieval top-k (0: use server default)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		color.Red("query requires exactly one question argument (quote it)")
		return exitUsage
	}
	question := fs.Arg(0)

	orch, err := buildQueryDeps(cfg, log)
	if err != nil {
		color.Red("wiring error: %v", err)
		return exitInternal
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	resp, err := orch.Answer(ctx, query.Request{
		UserID:    "cli",
		SessionID: *sessionID,
		Question:  question,
		Language:  *lang,
		UseRAG:    true,
		TopK:      *topK,
	})
	if err != nil {
		return reportPipelineError(err)
	}

	fmt.Println(resp.Answer)
	if len(resp.Citations) > 0 {
		color.Cyan("\ncitations:")
		for _, c := range resp.Citations {
			fmt.Printf("  [%s] %s (score=%.3f)\n", c.DocID, c.SourceName, c.Score)
		}
	}
	if resp.Diagnostics.LowConfidence {
		color.Yellow("low confidence answer (citation_coverage=%.2f)", resp.Diagnostics.CitationCoverage)
	}
	return exitOK
}

func runRebuildIndex(cfg *config.Config, log *slog.Logger, _ []string) int {
	_, idx, err := buildIngestDeps(cfg, log)
	if err != nil {
		color.Red("wiring error: %v", err)
		return exitInternal
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := idx.Rebuild(ctx); err != nil {
		color.Red("rebuild failed: %v", err)
		return exitProvider
	}
	health := idx.Health()
	color.Green("index rebuilt: %d document(s), %d chunk(s)", health.DocumentCount, health.ChunkCount)
	return exitOK
}

// reportPipelineError maps a pkg/errors.AppError to a CLI exit code,
// printing its message in red.
func reportPipelineError(err error) int {
	color.Red("error: %v", err)
	switch {
	case isValidationErr(err):
		return exitValidation
	case isProviderErr(err):
		return exitProvider
	default:
		return exitInternal
	}
}

func isValidationErr(err error) bool {
	return apperrors.IsCode(err, apperrors.CodeValidation) || apperrors.IsCode(err, apperrors.CodeExtraction) || apperrors.IsCode(err, apperrors.CodeNotFound)
}

func isProviderErr(err error) bool {
	return apperrors.IsCode(err, apperrors.CodeProvider)
}

func fileToIngestRequest(path, docID, source, lang string) (ingest.IngestRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ingest.IngestRequest{}, err
	}
	if docID == "" {
		docID = baseNameWithoutExt(path)
	}
	if source == "" {
		source = docID
	}
	mimeType := mimeTypeForExt(path)
	req := ingest.IngestRequest{
		DocID:      docID,
		SourceName: source,
		Language:   lang,
		MimeType:   mimeType,
	}
	if mimeType == "text/plain" {
		req.Text = string(data)
	} else {
		req.Content = data
	}
	return req, nil
}

func baseNameWithoutExt(path string) string {
	base := path
	if idx := strings.LastIndexAny(base, "/\\"); idx >= 0 {
		base = base[idx+1:]
	}
	if idx := strings.LastIndex(base, "."); idx > 0 {
		base = base[:idx]
	}
	return base
}

func mimeTypeForExt(path string) string {
	switch {
	case strings.HasSuffix(path, ".pdf"):
		return "application/pdf"
	default:
		return "text/plain"
	}
}
