package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/fraud-engine/internal/auth"
)

func newAuthRouter(manager *auth.JWTManager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	router.GET("/protected", auth.AuthMiddleware(manager), func(c *gin.Context) {
		id, _ := auth.GetUserIDFromContext(c)
		role, _ := auth.GetUserRoleFromContext(c)
		c.JSON(http.StatusOK, gin.H{"user_id": id, "role": role})
	})
	router.GET("/admin", auth.AuthMiddleware(manager), auth.RoleMiddleware("admin", "analyst"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	router.GET("/miswired", auth.RoleMiddleware("admin"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	router.GET("/open", auth.OptionalAuthMiddleware(manager), func(c *gin.Context) {
		var id any
		if userID, ok := auth.GetUserIDFromContext(c); ok {
			id = userID
		}
		c.JSON(http.StatusOK, gin.H{"user_id": id})
	})

	return router
}

func serveGet(router *gin.Engine, path, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddleware_RejectsMissingAndMalformedHeaders(t *testing.T) {
	router := newAuthRouter(auth.NewJWTManager("feed-secret", time.Hour))

	for _, header := range []string{"", "Token abc", "bearer lowercase"} {
		rec := serveGet(router, "/protected", header)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "authorization header")
	}
}

func TestAuthMiddleware_RejectsInvalidToken(t *testing.T) {
	router := newAuthRouter(auth.NewJWTManager("feed-secret", time.Hour))

	rec := serveGet(router, "/protected", "Bearer not-a-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid token")
}

func TestAuthMiddleware_ReportsExpiredToken(t *testing.T) {
	expired := auth.NewJWTManager("feed-secret", -time.Minute)
	token, err := expired.GenerateToken(uuid.New(), "ops@example.com", "admin")
	require.NoError(t, err)

	router := newAuthRouter(auth.NewJWTManager("feed-secret", time.Hour))
	rec := serveGet(router, "/protected", "Bearer "+token)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "token has expired")
}

func TestAuthMiddleware_PassesClaimsThrough(t *testing.T) {
	manager := auth.NewJWTManager("feed-secret", time.Hour)
	userID := uuid.New()
	token, err := manager.GenerateToken(userID, "ops@example.com", "analyst")
	require.NoError(t, err)

	rec := serveGet(newAuthRouter(manager), "/protected", "Bearer "+token)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), userID.String())
	assert.Contains(t, rec.Body.String(), "analyst")
}

func TestRoleMiddleware_EnforcesRoles(t *testing.T) {
	manager := auth.NewJWTManager("feed-secret", time.Hour)
	router := newAuthRouter(manager)

	adminToken, err := manager.GenerateToken(uuid.New(), "admin@example.com", "admin")
	require.NoError(t, err)
	userToken, err := manager.GenerateToken(uuid.New(), "user@example.com", "user")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, serveGet(router, "/admin", "Bearer "+adminToken).Code)

	rec := serveGet(router, "/admin", "Bearer "+userToken)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "insufficient permissions")
}

func TestRoleMiddleware_RequiresUpstreamAuth(t *testing.T) {
	router := newAuthRouter(auth.NewJWTManager("feed-secret", time.Hour))

	rec := serveGet(router, "/miswired", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "role not found")
}

func TestOptionalAuthMiddleware_NeverRejects(t *testing.T) {
	manager := auth.NewJWTManager("feed-secret", time.Hour)
	router := newAuthRouter(manager)

	userID := uuid.New()
	token, err := manager.GenerateToken(userID, "ops@example.com", "user")
	require.NoError(t, err)

	authed := serveGet(router, "/open", "Bearer "+token)
	require.Equal(t, http.StatusOK, authed.Code)
	assert.Contains(t, authed.Body.String(), userID.String())

	anonymous := serveGet(router, "/open", "")
	require.Equal(t, http.StatusOK, anonymous.Code)
	assert.Contains(t, anonymous.Body.String(), "null")

	garbage := serveGet(router, "/open", "Bearer garbage")
	require.Equal(t, http.StatusOK, garbage.Code)
	assert.Contains(t, garbage.Body.String(), "null")
}
