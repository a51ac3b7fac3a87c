package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/heliumvc/focus/internal/auth"
)

// TokenValidator authenticates a bearer token. internal/auth.Validator and
// internal/auth.MockValidator both satisfy it.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

const claimsContextKey = "admin_claims"

// RequireAuth rejects requests without a valid bearer token, the guard in
// front of the admin HTTP surface's pin/unpin/list-pins routes.
func RequireAuth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := validator.ValidateToken(strings.TrimPrefix(header, prefix))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(claimsContextKey, claims)
		c.Next()
	}
}

// ClaimsFromContext retrieves the claims RequireAuth attached, if any.
func ClaimsFromContext(c *gin.Context) (*auth.CustomClaims, bool) {
	v, ok := c.Get(claimsContextKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.CustomClaims)
	return claims, ok
}
