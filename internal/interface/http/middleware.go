package http

import (
	"net/http"

	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/yanqian/study-abroad-rag/internal/interface/http/ratelimit"
)

func errorHandlingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		httpErr := asHTTPError(c.Errors.Last().Err)
		message := httpErr.Message
		if message == "" {
			message = httpErr.Error()
		}

		if httpErr.Status >= http.StatusInternalServerError {
			logger.Error("request failed", "code", httpErr.Code, "status", httpErr.Status, "path", c.Request.URL.Path, "error", httpErr.Err)
		} else {
			logger.Warn("request failed", "code", httpErr.Code, "status", httpErr.Status, "path", c.Request.URL.Path, "error", httpErr.Err)
		}

		c.JSON(httpErr.Status, gin.H{
			"error": gin.H{
				"code":    httpErr.Code,
				"message": message,
			},
		})
	}
}

// rateLimitMiddleware admits requests through the C9 sliding-window
// limiter, keyed by the authenticated principal (falling back to client
// IP for anonymous callers).
func rateLimitMiddleware(limiter *ratelimit.Limiter, logger *slog.Logger) gin.HandlerFunc {
	if limiter == nil || limiter.Limit <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		key := resolvePrincipal(c)
		allowed, retryAfter := limiter.Allow(key)
		if allowed {
			c.Next()
			return
		}
		logger.Warn("rate limit exceeded", "principal", key, "path", c.Request.URL.Path)
		c.Header("Retry-After", retryAfter.String())
		abortWithError(c, NewHTTPError(http.StatusTooManyRequests, "rate_limit_exceeded", "too many requests", nil))
	}
}
