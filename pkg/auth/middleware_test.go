package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*gin.Engine, *AuthMiddleware) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	jwtSvc, err := NewJWTService("test-secret", 0)
	require.NoError(t, err)
	return gin.New(), NewAuthMiddleware(jwtSvc)
}

func TestAuthMiddleware_RequireAuth_RejectsMissingToken(t *testing.T) {
	router, mw := newTestRouter(t)
	router.GET("/protected", mw.RequireAuth(), func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddleware_RequireAuth_RejectsMalformedHeader(t *testing.T) {
	router, mw := newTestRouter(t)
	router.GET("/protected", mw.RequireAuth(), func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Basic deadbeef")
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddleware_RequireAuth_AcceptsValidToken(t *testing.T) {
	router, mw := newTestRouter(t)
	var gotRole string
	router.GET("/protected", mw.RequireAuth(), func(c *gin.Context) {
		claims, ok := GetCurrentClaims(c)
		require.True(t, ok)
		gotRole = claims.Role
		c.Status(http.StatusOK)
	})

	pair, err := mw.jwtService.GenerateToken("operator-1", RoleOperator)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, RoleOperator, gotRole)
}

func TestAuthMiddleware_RequirePermission_ForbidsMissingPermission(t *testing.T) {
	router, mw := newTestRouter(t)
	router.GET("/admin-only", mw.RequirePermission(PermissionPipelineManage), func(c *gin.Context) { c.Status(http.StatusOK) })

	pair, err := mw.jwtService.GenerateToken("reader", "")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin-only", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuthMiddleware_RequirePermission_AllowsSufficientPermission(t *testing.T) {
	router, mw := newTestRouter(t)
	router.GET("/admin-only", mw.RequirePermission(PermissionPipelineManage), func(c *gin.Context) { c.Status(http.StatusOK) })

	pair, err := mw.jwtService.GenerateToken("admin-1", RoleAdmin)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin-only", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
