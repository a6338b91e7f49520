package breaker

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

func setupRouter(r *Registry, userID string) *gin.Engine {
	e := gin.New()
	g := e.Group("/v1")
	g.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyUserID, userID)
		c.Next()
	})
	NewHandler(r).RegisterRoutes(g)
	return e
}

func do(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
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

func TestHandler_EmergencyStopFlow(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	r := setupRouter(reg, "user_1")

	w := do(r, http.MethodPost, "/v1/breakers/emergency-stop", map[string]string{"reason": "stolen"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "global_breaker_missing")

	w = do(r, http.MethodPost, "/v1/breakers/defaults", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodPost, "/v1/breakers/emergency-stop", map[string]string{"reason": "stolen"})
	require.Equal(t, http.StatusOK, w.Code)
	var res Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Changed)
	assert.Equal(t, "stolen", res.Breaker.TripReason)

	w = do(r, http.MethodPost, "/v1/breakers/check", map[string]string{"actionType": "fund_card"})
	require.Equal(t, http.StatusOK, w.Code)
	var check CheckResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &check))
	assert.True(t, check.Blocked)

	w = do(r, http.MethodPost, "/v1/breakers/global-kill-switch/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"changed":true`)
}

func TestHandler_CustomBreakers(t *testing.T) {
	reg, _, _ := seeded(t)
	r := setupRouter(reg, "user_1")

	w := do(r, http.MethodPost, "/v1/breakers", map[string]any{"breakerType": "protocol", "scope": "aave", "breakerId": "proto-aave"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(r, http.MethodPost, "/v1/breakers", map[string]any{"breakerType": "protocol"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodDelete, "/v1/breakers/action-swap", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodDelete, "/v1/breakers/proto-aave", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(r, http.MethodGet, "/v1/breakers/proto-aave", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodPost, "/v1/breakers/check", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_BreakersAreUserScoped(t *testing.T) {
	reg, _, _ := seeded(t)
	r := setupRouter(reg, "user_2")

	w := do(r, http.MethodPost, "/v1/breakers/action-transfer/trip", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodGet, "/v1/breakers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"breakers":[]}`, w.Body.String())
}
