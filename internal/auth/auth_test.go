package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/discard/internal/clock"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newManager() (*Manager, *clock.Fake) {
	fc := clock.NewFake(time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC))
	return NewManager(NewMemoryStore(), fc), fc
}

func TestGenerateAndValidateKey(t *testing.T) {
	m, _ := newManager()
	ctx := context.Background()

	raw, key, err := m.GenerateKey(ctx, "user_1", "mobile", 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "sk_"))
	assert.True(t, strings.HasPrefix(key.ID, "ak_"))
	assert.NotContains(t, key.Hash, raw)

	got, err := m.ValidateKey(ctx, "Bearer "+raw)
	require.NoError(t, err)
	assert.Equal(t, "user_1", got.UserID)
	assert.False(t, got.LastUsed.IsZero())
}

func TestValidateKey_Rejections(t *testing.T) {
	m, fc := newManager()
	ctx := context.Background()

	_, err := m.ValidateKey(ctx, "")
	assert.ErrorIs(t, err, ErrNoAPIKey)

	_, err = m.ValidateKey(ctx, "pk_nope")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	_, err = m.ValidateKey(ctx, "sk_unknown")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	raw, _, err := m.GenerateKey(ctx, "user_1", "short", time.Minute)
	require.NoError(t, err)
	fc.Advance(time.Minute)
	_, err = m.ValidateKey(ctx, raw)
	assert.ErrorIs(t, err, ErrInvalidAPIKey, "expired")
}

func TestRevokeKey(t *testing.T) {
	m, _ := newManager()
	ctx := context.Background()

	raw, key, err := m.GenerateKey(ctx, "user_1", "", 0)
	require.NoError(t, err)

	assert.ErrorIs(t, m.RevokeKey(ctx, key.ID, "user_2"), ErrKeyNotFound, "other users cannot revoke")
	require.NoError(t, m.RevokeKey(ctx, key.ID, "user_1"))

	_, err = m.ValidateKey(ctx, raw)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestMiddleware_SetsUserAndSession(t *testing.T) {
	m, _ := newManager()
	raw, key, err := m.GenerateKey(context.Background(), "user_1", "", 0)
	require.NoError(t, err)

	r := gin.New()
	r.Use(Middleware(m))
	r.GET("/whoami", RequireAuth(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": GetUserID(c), "session": GetSessionID(c)})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/whoami", nil)
	req.Header.Set("X-API-Key", raw)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"user":"user_1"`)
	assert.Contains(t, w.Body.String(), key.ID)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/whoami", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAdmin(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		header string
		authed bool
		want   int
	}{
		{"correct secret", "s3cret", "s3cret", false, http.StatusOK},
		{"wrong secret", "s3cret", "nope", true, http.StatusForbidden},
		{"missing header", "s3cret", "", true, http.StatusForbidden},
		{"dev mode authenticated", "", "", true, http.StatusOK},
		{"dev mode anonymous", "", "", false, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest("POST", "/v1/admin/breakers", nil)
			if tt.header != "" {
				c.Request.Header.Set("X-Admin-Secret", tt.header)
			}
			if tt.authed {
				c.Set(ContextKeyAPIKey, &APIKey{ID: "ak_1", UserID: "ops"})
			}

			RequireAdmin(tt.secret)(c)

			if tt.want == http.StatusOK {
				assert.False(t, c.IsAborted())
			} else {
				assert.Equal(t, tt.want, w.Code)
			}
		})
	}
}

func TestHandler_CreateAndListKeys(t *testing.T) {
	m, _ := newManager()
	h := NewHandler(m)

	r := gin.New()
	r.Use(Middleware(m))
	h.RegisterAdminRoutes(r.Group("/v1/admin"))
	h.RegisterRoutes(r.Group("/v1", RequireAuth()))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/admin/users/user_9/keys", strings.NewReader(`{"name":"cli"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"apiKey":"sk_`)

	keys, err := m.ListKeys(context.Background(), "user_9")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "cli", keys[0].Name)
}
