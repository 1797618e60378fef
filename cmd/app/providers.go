package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/valkey-io/valkey-go"

	"github.com/yanqian/study-abroad-rag/internal/domain/auth"
	"github.com/yanqian/study-abroad-rag/internal/domain/ingest"
	"github.com/yanqian/study-abroad-rag/internal/domain/ingest/chunker"
	domainextractor "github.com/yanqian/study-abroad-rag/internal/domain/ingest/extractor"
	"github.com/yanqian/study-abroad-rag/internal/domain/ingest/jobqueue"
	"github.com/yanqian/study-abroad-rag/internal/domain/query"
	"github.com/yanqian/study-abroad-rag/internal/domain/retrieval"
	"github.com/yanqian/study-abroad-rag/internal/domain/retrieval/index"
	"github.com/yanqian/study-abroad-rag/internal/domain/session"
	"github.com/yanqian/study-abroad-rag/internal/infra/config"
	extractorinfra "github.com/yanqian/study-abroad-rag/internal/infra/ingest/extractor"
	"github.com/yanqian/study-abroad-rag/internal/infra/ingest/memchunkstore"
	"github.com/yanqian/study-abroad-rag/internal/infra/ingest/memjobqueue"
	"github.com/yanqian/study-abroad-rag/internal/infra/ingest/objectstorage"
	"github.com/yanqian/study-abroad-rag/internal/infra/ingest/pgchunkstore"
	"github.com/yanqian/study-abroad-rag/internal/infra/ingest/pgjobqueue"
	"github.com/yanqian/study-abroad-rag/internal/infra/ingest/valkeydoorbell"
	"github.com/yanqian/study-abroad-rag/internal/infra/llm/chatgpt"
	"github.com/yanqian/study-abroad-rag/internal/infra/metrics/registry"
	queryprovider "github.com/yanqian/study-abroad-rag/internal/infra/query/chatprovider"
	"github.com/yanqian/study-abroad-rag/internal/infra/retrieval/embedder"
	"github.com/yanqian/study-abroad-rag/internal/infra/retrieval/reranker"
	"github.com/yanqian/study-abroad-rag/internal/infra/session/memlog"
	"github.com/yanqian/study-abroad-rag/internal/infra/userrepo"
	httpiface "github.com/yanqian/study-abroad-rag/internal/interface/http"
	"github.com/yanqian/study-abroad-rag/internal/interface/http/ratelimit"
)

func provideAuthConfig(cfg *config.Config) auth.Config {
	return auth.Config{
		Secret:          cfg.Auth.JWTSecret,
		TokenTTL:        cfg.Auth.AccessTokenTTL,
		RefreshTokenTTL: cfg.Auth.RefreshTokenTTL,
	}
}

func provideChatGPTClient(cfg *config.Config) (*chatgpt.Client, error) {
	if strings.TrimSpace(cfg.Provider.APIKey) == "" {
		return nil, nil
	}
	return chatgpt.NewClient(cfg.Provider.APIKey, cfg.Provider.BaseURL)
}

func provideAuthRepository(cfg *config.Config, logger *slog.Logger) auth.Repository {
	fallback := userrepo.NewMemoryRepository()
	dsn := strings.TrimSpace(cfg.Auth.Postgres.DSN)
	if dsn == "" {
		logger.Info("auth postgres dsn not set, using memory repository")
		return fallback
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		logger.Error("invalid auth postgres dsn, using memory repository", "error", err)
		return fallback
	}
	if cfg.Auth.Postgres.MaxConns > 0 {
		poolConfig.MaxConns = cfg.Auth.Postgres.MaxConns
	}
	if cfg.Auth.Postgres.MinConns > 0 {
		poolConfig.MinConns = cfg.Auth.Postgres.MinConns
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		logger.Error("failed to initialize auth postgres pool, using memory repository", "error", err)
		return fallback
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		logger.Error("auth postgres ping failed, using memory repository", "error", err)
		pool.Close()
		return fallback
	}
	logger.Info("auth postgres repository enabled")
	return userrepo.NewPostgresRepository(pool)
}

// provideChunker constructs the C1 chunker with the chunker's own
// defaults (800/120); no config key sets the chunk budget or overlap.
func provideChunker() *chunker.Chunker {
	return chunker.New(chunker.DefaultMaxChars, chunker.DefaultOverlap)
}

// extractAdapter satisfies ingest.Extractor by wrapping the domain
// extractor façade's Hints-based signature, so the pipeline depends only
// on the narrow (data, mimeType, ocrFallback, language) -> text shape.
type extractAdapter struct {
	inner *domainextractor.Extractor
}

func (a extractAdapter) Extract(ctx context.Context, data []byte, mimeType string, ocrFallback bool, language string) (string, error) {
	result, err := a.inner.Extract(ctx, data, mimeType, domainextractor.Hints{OCRFallback: ocrFallback, Language: language})
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

func provideExtractor() ingest.Extractor {
	return extractAdapter{inner: domainextractor.New(extractorinfra.NewDummyOCR(), extractorinfra.NewDummySTT(), extractorinfra.NewPDFExtractor())}
}

var (
	ragPoolOnce sync.Once
	ragPool     *pgxpool.Pool
)

// ragPostgresPool lazily builds the single shared pool the chunk store and
// job queue persist into, following the teacher's sync.Once-guarded
// pattern so both providers reuse one connection pool.
func ragPostgresPool(cfg *config.Config, logger *slog.Logger) *pgxpool.Pool {
	ragPoolOnce.Do(func() {
		dsn := strings.TrimSpace(cfg.Ingest.Postgres.DSN)
		if dsn == "" {
			logger.Info("ingest postgres dsn not set, using in-memory chunk store and job queue")
			return
		}
		poolConfig, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			logger.Error("invalid ingest postgres dsn, using in-memory chunk store and job queue", "error", err)
			return
		}
		registerPgVector(poolConfig, logger)
		if cfg.Ingest.Postgres.MaxConns > 0 {
			poolConfig.MaxConns = cfg.Ingest.Postgres.MaxConns
		}
		if cfg.Ingest.Postgres.MinConns > 0 {
			poolConfig.MinConns = cfg.Ingest.Postgres.MinConns
		}
		pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
		if err != nil {
			logger.Error("failed to initialize ingest postgres pool, using in-memory chunk store and job queue", "error", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			logger.Error("ingest postgres ping failed, using in-memory chunk store and job queue", "error", err)
			pool.Close()
			return
		}
		logger.Info("ingest postgres pool enabled")
		ragPool = pool
	})
	return ragPool
}

func registerPgVector(poolConfig *pgxpool.Config, logger *slog.Logger) {
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		var oid uint32
		if err := conn.QueryRow(ctx, "SELECT 'vector'::regtype::oid").Scan(&oid); err != nil {
			logger.Error("failed to lookup pgvector oid", "error", err)
			return err
		}
		conn.TypeMap().RegisterType(&pgtype.Type{
			Name:  "vector",
			OID:   oid,
			Codec: pgtype.TextCodec{},
		})
		return nil
	}
}

func provideChunkStore(cfg *config.Config, logger *slog.Logger) ingest.ChunkStore {
	if pool := ragPostgresPool(cfg, logger); pool != nil {
		return pgchunkstore.New(pool)
	}
	return memchunkstore.New()
}

func provideJobStore(cfg *config.Config, logger *slog.Logger) jobqueue.Store {
	if pool := ragPostgresPool(cfg, logger); pool != nil {
		return pgjobqueue.New(pool)
	}
	return memjobqueue.New()
}

func provideEmbedder(client *chatgpt.Client, cfg *config.Config, logger *slog.Logger) retrieval.Embedder {
	model := strings.TrimSpace(cfg.Provider.EmbedModel)
	if client != nil && model != "" {
		return embedder.NewChatGPTEmbedder(client, model, logger)
	}
	logger.Warn("embedding provider unavailable, using deterministic embedder")
	return embedder.NewDeterministicEmbedder(cfg.Ingest.VectorDim)
}

func provideIndex(store ingest.ChunkStore, embedder retrieval.Embedder) *index.Index {
	return index.New(store, embedder)
}

func provideObjectStorage(cfg *config.Config, logger *slog.Logger) ingest.ObjectStorage {
	endpoint := strings.TrimSpace(cfg.Ingest.Storage.Endpoint)
	accessKey := strings.TrimSpace(cfg.Ingest.Storage.AccessKey)
	secretKey := strings.TrimSpace(cfg.Ingest.Storage.SecretKey)
	bucket := strings.TrimSpace(cfg.Ingest.Storage.Bucket)
	region := strings.TrimSpace(cfg.Ingest.Storage.Region)

	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		logger.Info("ingest object storage not fully configured, using memory storage")
		return objectstorage.NewMemoryStorage()
	}
	r2, err := objectstorage.NewR2Storage(endpoint, accessKey, secretKey, bucket, region, logger)
	if err != nil {
		logger.Error("failed to initialize r2 storage, using memory storage", "error", err)
		return objectstorage.NewMemoryStorage()
	}
	logger.Info("ingest r2 storage enabled", "endpoint", endpoint, "bucket", bucket)
	return r2
}

func provideReranker(cfg *config.Config, metrics *registry.Registry) *reranker.Client {
	return reranker.New(reranker.Config{
		BaseURL:      cfg.Provider.BaseURL,
		APIKey:       cfg.Provider.APIKey,
		Model:        cfg.Provider.RerankModel,
		MaxAttempts:  cfg.Reranker.MaxAttempts,
		Timeout:      cfg.Reranker.Timeout,
		FailureLimit: cfg.Reranker.CircuitThreshold,
		ResetSeconds: cfg.Reranker.CircuitResetAfter,
	}, metrics)
}

func provideChatProvider(client *chatgpt.Client, logger *slog.Logger) query.ChatProvider {
	if client == nil {
		logger.Warn("chat provider unavailable, using offline echo provider")
		return queryprovider.NewEcho()
	}
	return queryprovider.NewRemote(client)
}

// provideSlotCatalog is the empty slot schema catalog by default; the
// admin suite has no endpoint to mutate it (it is a deploy-time concern),
// so a fixed zero-value catalog means no slot is ever required unless a
// future deployment wires one in here.
func provideSlotCatalog() []session.SlotSchema {
	return nil
}

func provideMessageLog() session.MessageLog {
	return memlog.New()
}

func provideSessionStore(messages session.MessageLog) *session.Store {
	return session.New(24*time.Hour, messages)
}

func provideOrchestratorConfig(cfg *config.Config) query.Config {
	return query.Config{
		TopKDefault:  cfg.Index.TopKDefault,
		KCiteDefault: cfg.Index.KCiteDefault,
		Alpha:        cfg.Index.Alpha,
		Model:        cfg.Provider.ChatModel,
		Temperature:  cfg.Provider.Temperature,
	}
}

func provideOrchestrator(cfg query.Config, sessions *session.Store, store ingest.ChunkStore, idx *index.Index, rerank *reranker.Client, chat query.ChatProvider, metrics *registry.Registry, catalog []session.SlotSchema) *query.Service {
	return query.New(cfg, sessions, store, idx, rerank, chat, metrics, catalog)
}

func provideMetricsRegistry() *registry.Registry {
	return registry.New()
}

func provideRateLimiter(cfg *config.Config) *ratelimit.Limiter {
	if !cfg.HTTP.RateLimit.Enabled {
		return nil
	}
	return ratelimit.New(cfg.HTTP.RateLimit.Limit, cfg.HTTP.RateLimit.Window)
}

func providePipeline(store ingest.ChunkStore, c *chunker.Chunker, ex ingest.Extractor, idx *index.Index) *ingest.Pipeline {
	return &ingest.Pipeline{Store: store, Chunker: c, Extract: ex, Index: idx}
}

// provideJobQueue wires the C10 job queue to the ingest pipeline and, when
// ingest.redis is enabled, a valkey doorbell for low-latency wakeups.
func provideJobQueue(cfg *config.Config, jobStore jobqueue.Store, pipeline *ingest.Pipeline, logger *slog.Logger) *jobqueue.Queue {
	q := jobqueue.New(jobStore)
	if cfg.Ingest.Redis.Enabled {
		opt, err := buildValkeyOptions(cfg.Ingest.Redis.Addr)
		if err != nil {
			logger.Error("invalid ingest valkey configuration, polling only", "error", err)
		} else if client, err := valkey.NewClient(opt); err != nil {
			logger.Error("failed to create ingest valkey client, polling only", "error", err)
		} else {
			q.SetDoorbell(valkeydoorbell.New(client, "ingest:jobs:doorbell", logger))
		}
	}
	if cfg.Ingest.Worker.Enabled {
		q.SetHandler(context.Background(), func(ctx context.Context, job ingest.IngestJob) error {
			_, err := pipeline.Run(ctx, job.Payload)
			return err
		})
	}
	return q
}

func provideIngestAdapters(pipeline *ingest.Pipeline, idx *index.Index, queue *jobqueue.Queue, storage ingest.ObjectStorage, catalog []session.SlotSchema) *httpiface.IngestAdapters {
	return &httpiface.IngestAdapters{
		Pipeline: pipeline,
		Index:    idx,
		Queue:    queue,
		Storage:  storage,
		SlotCtlg: catalog,
	}
}

func provideRouterDeps(ingestAdapters *httpiface.IngestAdapters, idx *index.Index, jobStore jobqueue.Store, limiter *ratelimit.Limiter, catalog []session.SlotSchema) *httpiface.RouterDeps {
	return &httpiface.RouterDeps{
		Ingest:   ingestAdapters,
		Index:    idx,
		JobStore: jobStore,
		Limiter:  limiter,
		Catalog:  catalog,
	}
}

func buildValkeyOptions(addr string) (valkey.ClientOption, error) {
	var (
		opt valkey.ClientOption
		err error
	)
	addr = strings.TrimSpace(addr)
	if strings.Contains(addr, "://") {
		opt, err = valkey.ParseURL(addr)
	} else {
		opt = valkey.ClientOption{InitAddress: []string{addr}}
	}
	if err != nil {
		return valkey.ClientOption{}, err
	}
	return opt, nil
}
