package cardctx

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/discard/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T, userID string) (*gin.Engine, *Registry) {
	t.Helper()
	reg, _, _ := newTestRegistry(t)
	r := gin.New()
	g := r.Group("/v1")
	g.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyAPIKey, &auth.APIKey{ID: "ak_test", UserID: userID})
		c.Set(auth.ContextKeyUserID, userID)
		c.Next()
	})
	NewHandler(reg).RegisterRoutes(g)
	return r, reg
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_ProvisionAndGet(t *testing.T) {
	r, _ := setupRouter(t, "user_1")

	w := doJSON(r, http.MethodPost, "/v1/cards", map[string]any{"cardId": "card_1"})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Card map[string]any `json:"card"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "active", resp.Card["status"])
	assert.NotContains(t, resp.Card, "UserID")

	w = doJSON(r, http.MethodPost, "/v1/cards", map[string]any{"cardId": "card_1"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(r, http.MethodGet, "/v1/cards/card_1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_ProvisionRequiresCardID(t *testing.T) {
	r, _ := setupRouter(t, "user_1")
	w := doJSON(r, http.MethodPost, "/v1/cards", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_OtherUsersCardIsNotFound(t *testing.T) {
	r, reg := setupRouter(t, "user_2")
	_, err := reg.Provision(t.Context(), ProvisionRequest{UserID: "user_1", CardID: "card_1"})
	require.NoError(t, err)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/cards/card_1"},
		{http.MethodPost, "/v1/cards/card_1/freeze"},
		{http.MethodDelete, "/v1/cards/card_1"},
		{http.MethodPost, "/v1/cards/card_1/session/rotate"},
	} {
		w := doJSON(r, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, tc.path)
	}
}

func TestHandler_FreezeAndTerminate(t *testing.T) {
	r, _ := setupRouter(t, "user_1")
	require.Equal(t, http.StatusCreated, doJSON(r, http.MethodPost, "/v1/cards", map[string]any{"cardId": "card_1"}).Code)

	w := doJSON(r, http.MethodPost, "/v1/cards/card_1/freeze", map[string]any{"reason": "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/v1/cards/card_1/freeze", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"freezeReason":"user_request"`)

	w = doJSON(r, http.MethodPost, "/v1/cards/card_1/pause", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(r, http.MethodDelete, "/v1/cards/card_1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodGet, "/v1/cards/card_1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
