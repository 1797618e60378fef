package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yanqian/study-abroad-rag/internal/domain/ingest/jobqueue"
	"github.com/yanqian/study-abroad-rag/internal/domain/retrieval/index"
	"github.com/yanqian/study-abroad-rag/internal/domain/session"
	"github.com/yanqian/study-abroad-rag/internal/infra/config"
	"github.com/yanqian/study-abroad-rag/internal/interface/http/ratelimit"
)

// RouterDeps groups the collaborators NewRouter closes handler methods
// over. They live outside Handler itself because several (the index, the
// job store) are also shared with the background worker and CLI.
type RouterDeps struct {
	Ingest   *IngestAdapters
	Index    *index.Index
	JobStore jobqueue.Store
	Limiter  *ratelimit.Limiter
	Catalog  []session.SlotSchema
}

// NewRouter wires up the HTTP handlers and returns a configured server.
func NewRouter(cfg *config.Config, handler *Handler, deps *RouterDeps) *http.Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(
		gin.Recovery(),
		errorHandlingMiddleware(handler.logger),
		requestLogger(handler.logger),
		corsMiddleware(cfg.HTTP.AllowedOrigins),
		rateLimitMiddleware(deps.Limiter, handler.logger),
	)

	authRoutes := router.Group("/v1/auth")
	{
		authRoutes.POST("/register", handler.Register)
		authRoutes.POST("/login", handler.Login)
		authRoutes.POST("/refresh", handler.Refresh)
	}

	v1 := router.Group("/v1")
	v1.Use(authMiddleware(handler.authSvc, cfg.Auth.AllowAnonymous), rateLimitMiddleware(deps.Limiter, handler.logger))
	{
		v1.POST("/auth/logout", handler.Logout)
		v1.GET("/auth/me", handler.Profile)

		v1.POST("/ingest", func(c *gin.Context) { handler.Ingest(c, deps.Ingest) })
		v1.POST("/ingest-upload", func(c *gin.Context) { handler.IngestUpload(c, deps.Ingest) })

		v1.POST("/query", handler.Query)

		v1.GET("/index/health", func(c *gin.Context) { handler.IndexHealth(c, deps.Index) })
		v1.POST("/index/rebuild", func(c *gin.Context) { handler.IndexRebuild(c, deps.Index) })

		v1.GET("/chunks/:chunk_id", handler.GetChunk)

		v1.GET("/slots", func(c *gin.Context) { handler.Slots(c, deps.Catalog) })

		v1.GET("/session/:session_id", handler.GetSession)
		v1.PATCH("/session/:session_id", handler.PatchSession)
		v1.DELETE("/session/:session_id", handler.DeleteSession)

		v1.GET("/metrics", handler.Metrics)
		v1.GET("/status", func(c *gin.Context) { handler.Status(c, deps.Index) })

		admin := v1.Group("/admin")
		{
			admin.GET("/sources", handler.AdminListSources)
			admin.DELETE("/sources/:doc_id", func(c *gin.Context) { handler.AdminDeleteSource(c, deps.Index) })
			admin.GET("/prompts", handler.AdminGetPrompt)
			admin.PUT("/prompts", handler.AdminSetPrompt)
			admin.GET("/tuning", handler.AdminGetTuning)
			admin.PUT("/tuning", handler.AdminSetTuning)
			admin.GET("/audit", handler.AdminAudit)
			admin.GET("/jobs/:job_id", func(c *gin.Context) { handler.AdminGetJob(c, deps.JobStore) })
		}
	}

	return &http.Server{
		Addr:           cfg.HTTP.Address,
		Handler:        withRetry(router, cfg.HTTP.Retry, handler.logger),
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		logger.Info("http request", "method", c.Request.Method, "path", c.Request.URL.Path, "status", c.Writer.Status(), "latency_ms", latency.Milliseconds())
	}
}
