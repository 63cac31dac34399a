package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pixelarcade/chat/internal/auth"
	"github.com/pixelarcade/chat/internal/memstore"
	"github.com/pixelarcade/chat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubShared struct {
	allowed bool
	err     error
	calls   int
}

func (s *stubShared) AllowAction(context.Context, uuid.UUID, string, int, int) (bool, error) {
	s.calls++
	return s.allowed, s.err
}

func TestRateLimiterPrefersSharedLimiter(t *testing.T) {
	shared := &stubShared{allowed: false}
	rl := NewRateLimiter(100, 100, shared, zaptest.NewLogger(t))

	assert.False(t, rl.Allow(t.Context(), uuid.New()))
	assert.Equal(t, 1, shared.calls)
}

func TestRateLimiterFallsBackToLocal(t *testing.T) {
	shared := &stubShared{err: errors.New("redis down")}
	rl := NewRateLimiter(1, 2, shared, zaptest.NewLogger(t))
	user := uuid.New()

	assert.True(t, rl.Allow(t.Context(), user))
	assert.True(t, rl.Allow(t.Context(), user))
	assert.False(t, rl.Allow(t.Context(), user))
	assert.True(t, rl.Allow(t.Context(), uuid.New()))
}

func TestRateLimiterSweepDropsIdle(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil, zaptest.NewLogger(t))
	rl.getLimiter(uuid.New())

	rl.sweep(time.Now().Add(time.Hour), time.Minute)
	assert.Empty(t, rl.limiters)
}

func newAuthRouter(t *testing.T, jwtService *auth.JWTService, profiles *memstore.Store) *gin.Engine {
	t.Helper()
	r := gin.New()
	r.GET("/me", AuthMiddleware(jwtService, profiles), func(c *gin.Context) {
		p, _ := Profile(c)
		c.JSON(http.StatusOK, gin.H{"name": p.DisplayName, "role": p.Role})
	})
	r.GET("/mod", AuthMiddleware(jwtService, profiles), RequireModerator(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	jwtService := auth.NewJWTService("secret", 1)
	profiles := memstore.New()
	r := newAuthRouter(t, jwtService, profiles)

	userID := uuid.New()
	token, err := jwtService.GenerateToken(userID, "pixelpete")
	require.NoError(t, err)

	t.Run("missing token", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer nope")
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("header token creates profile", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		r.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"name":"pixelpete","role":"user"}`, w.Body.String())

		p, err := profiles.GetProfile(t.Context(), userID)
		require.NoError(t, err)
		assert.Equal(t, "pixelpete", p.DisplayName)
	})

	t.Run("out of range display name falls back", func(t *testing.T) {
		for _, name := range []string{"x", strings.Repeat("a", 101)} {
			id := uuid.New()
			tok, err := jwtService.GenerateToken(id, name)
			require.NoError(t, err)

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			req.Header.Set("Authorization", "Bearer "+tok)
			r.ServeHTTP(w, req)
			require.Equal(t, http.StatusOK, w.Code)

			p, err := profiles.GetProfile(t.Context(), id)
			require.NoError(t, err)
			assert.Equal(t, "player-"+id.String()[:8], p.DisplayName)
		}
	})

	t.Run("query token", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me?token="+token, nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("moderator route", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/mod", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)

		modID := uuid.New()
		require.NoError(t, profiles.EnsureProfile(t.Context(), &models.Profile{ID: modID, DisplayName: "mod", Role: models.RoleModerator}))
		modToken, err := jwtService.GenerateToken(modID, "mod")
		require.NoError(t, err)

		w = httptest.NewRecorder()
		req = httptest.NewRequest(http.MethodGet, "/mod", nil)
		req.Header.Set("Authorization", "Bearer "+modToken)
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNoContent, w.Code)
	})
}

func TestCORSMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(CORSMiddleware([]string{"https://arcade.example"}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://arcade.example")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://arcade.example", w.Header().Get("Access-Control-Allow-Origin"))

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
