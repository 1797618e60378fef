//go:build wireinject
// +build wireinject

package main

import (
	"github.com/google/wire"

	"github.com/yanqian/study-abroad-rag/internal/bootstrap"
	"github.com/yanqian/study-abroad-rag/internal/domain/auth"
	"github.com/yanqian/study-abroad-rag/internal/infra/config"
	httpiface "github.com/yanqian/study-abroad-rag/internal/interface/http"
	"github.com/yanqian/study-abroad-rag/pkg/logger"
)

func initializeApp() (*bootstrap.App, error) {
	wire.Build(
		config.Load,
		logger.New,
		provideChatGPTClient,
		provideAuthConfig,
		provideAuthRepository,
		auth.NewService,
		provideMetricsRegistry,
		provideChunkStore,
		provideEmbedder,
		provideIndex,
		provideReranker,
		provideChatProvider,
		provideSlotCatalog,
		provideMessageLog,
		provideSessionStore,
		provideOrchestratorConfig,
		provideOrchestrator,
		provideChunker,
		provideExtractor,
		providePipeline,
		provideJobStore,
		provideJobQueue,
		provideObjectStorage,
		provideIngestAdapters,
		provideRateLimiter,
		provideRouterDeps,
		httpiface.NewHandler,
		httpiface.NewRouter,
		bootstrap.NewApp,
	)
	return nil, nil
}
