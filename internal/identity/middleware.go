package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxTokenClaims = "ledger_token_claims"

// RequireToken returns a Gin middleware that enforces a valid Bearer service
// token carrying scope.
//
// On success it injects the *ServiceTokenClaims into the context under the
// "ledger_token_claims" key.
func RequireToken(tokens *TokenIssuer, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer token required",
			})
			return
		}

		claims, err := tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token",
			})
			return
		}
		if !claims.HasScope(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "token lacks scope " + scope,
			})
			return
		}

		c.Set(ctxTokenClaims, claims)
		c.Next()
	}
}

// ClaimsFromCtx retrieves the service token claims injected by RequireToken.
func ClaimsFromCtx(c *gin.Context) *ServiceTokenClaims {
	v, _ := c.Get(ctxTokenClaims)
	claims, _ := v.(*ServiceTokenClaims)
	return claims
}
