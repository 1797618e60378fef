//go:build !wireinject
// +build !wireinject

// Code generated by Wire's `wire.Build` shape in wire.go. Regenerate with
// `wire` after changing a provider signature; this file stands in for
// that codegen step so the binary builds without the wire CLI installed.

package main

import (
	"github.com/yanqian/study-abroad-rag/internal/bootstrap"
	"github.com/yanqian/study-abroad-rag/internal/domain/auth"
	"github.com/yanqian/study-abroad-rag/internal/infra/config"
	httpiface "github.com/yanqian/study-abroad-rag/internal/interface/http"
	"github.com/yanqian/study-abroad-rag/pkg/logger"
)

func initializeApp() (*bootstrap.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New()

	chatClient, err := provideChatGPTClient(cfg)
	if err != nil {
		return nil, err
	}

	authRepo := provideAuthRepository(cfg, log)
	authSvc := auth.NewService(provideAuthConfig(cfg), authRepo, log)

	metrics := provideMetricsRegistry()
	chunkStore := provideChunkStore(cfg, log)
	embedder := provideEmbedder(chatClient, cfg, log)
	idx := provideIndex(chunkStore, embedder)
	rerankClient := provideReranker(cfg, metrics)
	chatProvider := provideChatProvider(chatClient, log)
	catalog := provideSlotCatalog()
	messages := provideMessageLog()
	sessions := provideSessionStore(messages)
	orch := provideOrchestrator(provideOrchestratorConfig(cfg), sessions, chunkStore, idx, rerankClient, chatProvider, metrics, catalog)

	chunkerC := provideChunker()
	extractor := provideExtractor()
	pipeline := providePipeline(chunkStore, chunkerC, extractor, idx)
	jobStore := provideJobStore(cfg, log)
	queue := provideJobQueue(cfg, jobStore, pipeline, log)
	storage := provideObjectStorage(cfg, log)
	ingestAdapters := provideIngestAdapters(pipeline, idx, queue, storage, catalog)

	limiter := provideRateLimiter(cfg)
	routerDeps := provideRouterDeps(ingestAdapters, idx, jobStore, limiter, catalog)

	handler := httpiface.NewHandler(authSvc, chunkStore, sessions, orch, metrics, log)
	server := httpiface.NewRouter(cfg, handler, routerDeps)

	return bootstrap.NewApp(cfg, log, server), nil
}
