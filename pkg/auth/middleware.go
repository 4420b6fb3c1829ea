package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware provides JWT authentication and permission checks for the
// HTTP control surface.
type AuthMiddleware struct {
	jwtService *JWTService
}

// NewAuthMiddleware builds an AuthMiddleware around jwtService.
func NewAuthMiddleware(jwtService *JWTService) *AuthMiddleware {
	return &AuthMiddleware{jwtService: jwtService}
}

// RequireAuth aborts the request with 401 unless it carries a valid bearer
// token, otherwise stores its claims in the Gin context under "claims".
func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := am.extractToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "authorization token required",
				"code":  "AUTH_TOKEN_MISSING",
			})
			c.Abort()
			return
		}

		claims, err := am.jwtService.ValidateToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
				"code":  "AUTH_TOKEN_INVALID",
			})
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Next()
	}
}

// RequirePermission chains RequireAuth and additionally requires permission.
func (am *AuthMiddleware) RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		am.RequireAuth()(c)
		if c.IsAborted() {
			return
		}

		claims, _ := GetCurrentClaims(c)
		if !claims.HasPermission(permission) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":    "insufficient permissions",
				"code":     "AUTH_INSUFFICIENT_PERMISSIONS",
				"required": permission,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// extractToken pulls a bearer token from the Authorization header.
func (am *AuthMiddleware) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

// GetCurrentClaims retrieves the authenticated claims stored by RequireAuth.
func GetCurrentClaims(c *gin.Context) (*Claims, bool) {
	claims, exists := c.Get("claims")
	if !exists {
		return nil, false
	}
	claimsData, ok := claims.(*Claims)
	return claimsData, ok
}
