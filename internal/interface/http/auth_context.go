package http

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yanqian/study-abroad-rag/internal/domain/auth"
)

const authClaimsKey = "auth_claims"

func setClaims(c *gin.Context, claims auth.Claims) {
	c.Set(authClaimsKey, claims)
}

func getClaims(c *gin.Context) (auth.Claims, bool) {
	value, ok := c.Get(authClaimsKey)
	if !ok {
		return auth.Claims{}, false
	}
	claims, ok := value.(auth.Claims)
	return claims, ok
}

// resolvePrincipal identifies the caller for session/rate-limit scoping:
// the authenticated user ID when present, otherwise an IP-derived
// anonymous principal (only reachable when AUTH_ALLOW_ANONYMOUS is set).
func resolvePrincipal(c *gin.Context) string {
	if claims, ok := getClaims(c); ok {
		return "user:" + strconv.FormatInt(claims.UserID, 10)
	}
	return "anon:" + c.ClientIP()
}
