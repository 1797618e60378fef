package main

import (
	"log/slog"

	"github.com/yanqian/study-abroad-rag/internal/domain/ingest"
	"github.com/yanqian/study-abroad-rag/internal/domain/query"
	"github.com/yanqian/study-abroad-rag/internal/domain/retrieval/index"
	"github.com/yanqian/study-abroad-rag/internal/infra/config"
	"github.com/yanqian/study-abroad-rag/internal/infra/metrics/registry"
)

// buildIngestDeps assembles just enough of the DI graph to run the
// ingest pipeline standalone, reusing the same providers.go constructors
// the HTTP server wires, so CLI ingestion and API ingestion stay on one
// code path.
func buildIngestDeps(cfg *config.Config, log *slog.Logger) (*ingest.Pipeline, *index.Index, error) {
	chatClient, err := provideChatGPTClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	chunkStore := provideChunkStore(cfg, log)
	embedder := provideEmbedder(chatClient, cfg, log)
	idx := provideIndex(chunkStore, embedder)
	chunker := provideChunker()
	extractor := provideExtractor()
	pipeline := providePipeline(chunkStore, chunker, extractor, idx)
	return pipeline, idx, nil
}

// buildQueryDeps assembles the orchestrator standalone for the query CLI
// command, mirroring wire_gen.go's query-side wiring.
func buildQueryDeps(cfg *config.Config, log *slog.Logger) (*query.Service, error) {
	chatClient, err := provideChatGPTClient(cfg)
	if err != nil {
		return nil, err
	}
	metrics := registry.New()
	chunkStore := provideChunkStore(cfg, log)
	embedder := provideEmbedder(chatClient, cfg, log)
	idx := provideIndex(chunkStore, embedder)
	rerank := provideReranker(cfg, metrics)
	chat := provideChatProvider(chatClient, log)
	catalog := provideSlotCatalog()
	messages := provideMessageLog()
	sessions := provideSessionStore(messages)
	orch := provideOrchestrator(provideOrchestratorConfig(cfg), sessions, chunkStore, idx, rerank, chat, metrics, catalog)
	return orch, nil
}

