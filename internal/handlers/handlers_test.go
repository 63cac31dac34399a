package handlers_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pixelarcade/chat/internal/automod"
	"github.com/pixelarcade/chat/internal/chat"
	"github.com/pixelarcade/chat/internal/handlers"
	"github.com/pixelarcade/chat/internal/memstore"
	"github.com/pixelarcade/chat/internal/middleware"
	"github.com/pixelarcade/chat/internal/models"
	"github.com/pixelarcade/chat/internal/moderation"
	"github.com/pixelarcade/chat/internal/oracle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type server struct {
	store  *memstore.Store
	gate   *automod.Gate
	router *gin.Engine
	users  map[string]*models.Profile
}

func newServer(t *testing.T, o oracle.Oracle) *server {
	t.Helper()
	logger := zaptest.NewLogger(t)
	s := memstore.New()
	gate := automod.NewGate(o, s, s, automod.Config{Timeout: time.Second}, logger)
	mod := moderation.NewService(s, s, uuid.New(), logger)
	svc := chat.NewService(s, s, s, gate, mod, chat.Options{}, logger)

	srv := &server{store: s, gate: gate, users: map[string]*models.Profile{}}
	for name, role := range map[string]models.Role{"alice": models.RoleUser, "bob": models.RoleUser, "mod": models.RoleModerator} {
		p := &models.Profile{ID: uuid.New(), DisplayName: name, Role: role}
		require.NoError(t, s.EnsureProfile(t.Context(), p))
		srv.users[name] = p
	}

	identity := func(c *gin.Context) {
		p, ok := srv.users[c.GetHeader("X-User")]
		if !ok {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		middleware.SetIdentity(c, p)
		c.Next()
	}

	automodHandler := handlers.NewAutomodHandler(gate, logger)
	chatHandler := handlers.NewChatHandler(svc, logger)
	modHandler := handlers.NewModerationHandler(mod, logger)

	r := gin.New()
	api := r.Group("/api/v1", identity)
	api.POST("/automod", automodHandler.Moderate)
	api.GET("/chat/messages", chatHandler.GetMessages)
	api.POST("/chat/messages", chatHandler.SendMessage)
	api.DELETE("/chat/messages/:id", chatHandler.DeleteMessage)
	api.POST("/dm/:user_id", chatHandler.SendDirect)
	api.GET("/dm/:user_id", chatHandler.GetDirect)
	mods := api.Group("/moderation", middleware.RequireModerator())
	mods.POST("/actions", modHandler.ApplyAction)
	mods.GET("/users/:id/logs", modHandler.GetLogs)
	mods.GET("/users/:id/ban-state", modHandler.GetBanState)
	mods.GET("/users/:id/automod", modHandler.GetAutomodRecords)
	srv.router = r
	return srv
}

func (s *server) do(t *testing.T, user, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		raw, err := sonic.Marshal(body)
		require.NoError(t, err)
		buf.Write(raw)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User", user)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func allowAll() oracle.Oracle {
	return oracle.Func(func(context.Context, oracle.Request) (models.Verdict, error) {
		return models.Verdict{Allowed: true}, nil
	})
}

func TestAutomodAlwaysAnswers200(t *testing.T) {
	t.Parallel()
	broken := oracle.Func(func(context.Context, oracle.Request) (models.Verdict, error) {
		return models.Verdict{}, oracle.ErrUnavailable
	})
	srv := newServer(t, broken)
	uid := srv.users["alice"].ID.String()

	tests := []struct {
		name   string
		body   any
		reason string
	}{
		{"oracle down", map[string]any{"content": "hi", "userId": uid, "type": "global"}, models.ReasonServiceUnavailable},
		{"bad user id", map[string]any{"content": "hi", "userId": "nope", "type": "global"}, "invalid userId"},
		{"bad type", map[string]any{"content": "hi", "userId": uid, "type": "party"}, "invalid type"},
		{"bad message id", map[string]any{"content": "hi", "userId": uid, "type": "global", "messageId": "x"}, "invalid messageId"},
		{"not json", "garbage", "invalid request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := srv.do(t, "alice", http.MethodPost, "/api/v1/automod", tt.body)
			require.Equal(t, http.StatusOK, w.Code)
			v := decode[models.Verdict](t, w)
			assert.True(t, v.Allowed)
			assert.Equal(t, tt.reason, v.Reason)
		})
	}
}

func TestAutomodCannotActForOthers(t *testing.T) {
	t.Parallel()
	deny := oracle.Func(func(context.Context, oracle.Request) (models.Verdict, error) {
		return models.Verdict{Allowed: false, Reason: "hate speech", Severity: models.SeverityHigh}, nil
	})
	srv := newServer(t, deny)
	bob := srv.users["bob"]

	victim := &models.Message{AuthorID: bob.ID, Content: "gg everyone, nice round"}
	require.NoError(t, srv.store.Insert(t.Context(), victim))

	t.Run("foreign message id", func(t *testing.T) {
		w := srv.do(t, "alice", http.MethodPost, "/api/v1/automod", map[string]any{
			"content": "badword", "type": "global", "messageId": victim.ID.String(),
		})
		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, decode[models.Verdict](t, w).Allowed)
	})

	t.Run("foreign user id", func(t *testing.T) {
		w := srv.do(t, "alice", http.MethodPost, "/api/v1/automod", map[string]any{
			"content": "badword", "type": "global", "userId": bob.ID.String(),
		})
		require.Equal(t, http.StatusOK, w.Code)
		v := decode[models.Verdict](t, w)
		assert.True(t, v.Allowed)
		assert.Equal(t, "invalid userId", v.Reason)
	})

	got, err := srv.store.GetByID(t.Context(), victim.ID)
	require.NoError(t, err)
	assert.False(t, got.IsDeleted)
	assert.Equal(t, "gg everyone, nice round", got.Content)
	assert.Empty(t, srv.store.AutomodRecords())

	t.Run("moderator acts on the stored row", func(t *testing.T) {
		w := srv.do(t, "mod", http.MethodPost, "/api/v1/automod", map[string]any{
			"type": "global", "messageId": victim.ID.String(),
		})
		require.Equal(t, http.StatusOK, w.Code)
		assert.False(t, decode[models.Verdict](t, w).Allowed)

		records := srv.store.AutomodRecords()
		require.Len(t, records, 1)
		assert.Equal(t, bob.ID, records[0].AuthorID)
		assert.Equal(t, "gg everyone, nice round", records[0].Content)
	})
}

func TestAutomodDirectReturnsFilteredContent(t *testing.T) {
	t.Parallel()
	srv := newServer(t, oracle.NewWordlistOracle([]string{"noob"}))

	w := srv.do(t, "alice", http.MethodPost, "/api/v1/automod", map[string]any{
		"content": "you noob",
		"userId":  srv.users["alice"].ID.String(),
		"type":    "dm",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"allowed":false,"reason":"banned word","severity":"medium","filteredContent":"you ****"}`, w.Body.String())
}

func TestChatEndpoints(t *testing.T) {
	t.Parallel()
	srv := newServer(t, allowAll())

	w := srv.do(t, "alice", http.MethodPost, "/api/v1/chat/messages", map[string]any{"content": "glhf"})
	require.Equal(t, http.StatusCreated, w.Code)
	msg := decode[models.Message](t, w)
	srv.gate.Wait()

	w = srv.do(t, "bob", http.MethodPost, "/api/v1/chat/messages", map[string]any{"content": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	missing := uuid.New()
	w = srv.do(t, "bob", http.MethodPost, "/api/v1/chat/messages", map[string]any{"content": "re", "reply_to_id": missing})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "reply_to_id", decode[map[string]string](t, w)["field"])

	w = srv.do(t, "bob", http.MethodDelete, "/api/v1/chat/messages/"+msg.ID.String(), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = srv.do(t, "bob", http.MethodDelete, "/api/v1/chat/messages/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = srv.do(t, "mod", http.MethodDelete, "/api/v1/chat/messages/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = srv.do(t, "alice", http.MethodDelete, "/api/v1/chat/messages/"+msg.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = srv.do(t, "bob", http.MethodGet, "/api/v1/chat/messages?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode[[]map[string]any](t, w)
	require.Len(t, entries, 1)
	assert.Equal(t, models.DeletedPlaceholder, entries[0]["content"])
	assert.Equal(t, "alice", entries[0]["author_name"])
}

func TestDirectEndpoints(t *testing.T) {
	t.Parallel()
	deny := oracle.Func(func(_ context.Context, req oracle.Request) (models.Verdict, error) {
		if req.Content == "threat" {
			return models.Verdict{Allowed: false, Reason: "threat", Severity: models.SeverityHigh}, nil
		}
		return models.Verdict{Allowed: true}, nil
	})
	srv := newServer(t, deny)
	bob := srv.users["bob"].ID.String()

	w := srv.do(t, "alice", http.MethodPost, "/api/v1/dm/"+bob, map[string]any{"content": "gg"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = srv.do(t, "alice", http.MethodPost, "/api/v1/dm/"+bob, map[string]any{"content": "threat"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = srv.do(t, "alice", http.MethodPost, "/api/v1/dm/"+uuid.NewString(), map[string]any{"content": "hi"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = srv.do(t, "bob", http.MethodGet, "/api/v1/dm/"+srv.users["alice"].ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	msgs := decode[[]models.DirectMessage](t, w)
	require.Len(t, msgs, 1)
	assert.Equal(t, "gg", msgs[0].Content)
}

func TestModerationEndpoints(t *testing.T) {
	t.Parallel()
	srv := newServer(t, allowAll())
	alice := srv.users["alice"].ID

	w := srv.do(t, "bob", http.MethodPost, "/api/v1/moderation/actions", map[string]any{
		"target_user_id": alice, "action": "ban", "reason": "x",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	tests := []struct {
		name  string
		body  map[string]any
		field string
	}{
		{"unknown action", map[string]any{"target_user_id": alice, "action": "mute", "reason": "x"}, "action"},
		{"missing reason", map[string]any{"target_user_id": alice, "action": "ban"}, "reason"},
		{"timeout without duration", map[string]any{"target_user_id": alice, "action": "timeout", "reason": "x"}, "duration_minutes"},
		{"missing target", map[string]any{"action": "warn", "reason": "x"}, "target_user_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := srv.do(t, "mod", http.MethodPost, "/api/v1/moderation/actions", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.field, decode[map[string]string](t, w)["field"])
		})
	}

	w = srv.do(t, "mod", http.MethodPost, "/api/v1/moderation/actions", map[string]any{
		"target_user_id": uuid.New(), "action": "warn", "reason": "x",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = srv.do(t, "mod", http.MethodPost, "/api/v1/moderation/actions", map[string]any{
		"target_user_id": alice, "action": "timeout", "reason": "cool off", "duration_minutes": 10,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = srv.do(t, "alice", http.MethodPost, "/api/v1/chat/messages", map[string]any{"content": "hello?"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = srv.do(t, "mod", http.MethodGet, "/api/v1/moderation/users/"+alice.String()+"/ban-state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	state := decode[models.BanState](t, w)
	assert.True(t, state.IsSuspended)
	require.NotNil(t, state.ExpiresAt)

	w = srv.do(t, "mod", http.MethodGet, "/api/v1/moderation/users/"+alice.String()+"/logs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	logs := decode[[]models.ModerationLogEntry](t, w)
	require.Len(t, logs, 1)
	assert.Equal(t, models.ActionTimeout, logs[0].Action)

	w = srv.do(t, "mod", http.MethodGet, "/api/v1/moderation/users/"+alice.String()+"/automod", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}
