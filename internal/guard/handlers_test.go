package guard

import (
	"bytes"
	"context"
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

func setupRouter(f *fixture, userID string) *gin.Engine {
	r := gin.New()
	g := r.Group("/v1")
	g.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyAPIKey, &auth.APIKey{ID: "key_1", UserID: userID})
		c.Set(auth.ContextKeyUserID, userID)
		c.Next()
	})
	NewHandler(f.gate).RegisterRoutes(g)
	return r
}

func post(r http.Handler, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(body)
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_Authorize(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f, "user_1")

	w := post(r, "/v1/cards/card_b/authorize", map[string]any{"action": "fund_card", "amount": "25.00"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"outcome":"allowed"`)

	// The handler released the scope, so another card is usable at once.
	w = post(r, "/v1/cards/card_d/authorize", map[string]any{"action": "fund_card"}, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = post(r, "/v1/cards/card_a/authorize", map[string]any{"action": "transfer", "amount": "12000", "deviceId": "dev_new"}, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp struct {
		Decision struct {
			Outcome   string `json:"outcome"`
			Challenge struct {
				ChallengeID string `json:"challengeId"`
			} `json:"challenge"`
		} `json:"decision"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "challenge_required", resp.Decision.Outcome)

	w = post(r, "/v1/cards/card_a/authorize", map[string]any{
		"action":   "transfer",
		"amount":   "12000",
		"deviceId": "dev_new",
		"challenge": map[string]string{
			"challengeId": resp.Decision.Challenge.ChallengeID,
			"code":        f.wrongCode(t),
		},
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_AuthorizeErrors(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f, "user_1")

	w := post(r, "/v1/cards/card_b/authorize", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(r, "/v1/cards/card_b/authorize", map[string]any{"action": "fund_card", "amount": "-5"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(r, "/v1/cards/card_c/authorize", map[string]any{"action": "fund_card"}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = post(r, "/v1/cards/card_b/authorize", map[string]any{"action": "fund_card"}, map[string]string{BoundaryHeader: "old"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "boundary_rotated")

	_, err := f.breakers.EmergencyStop(context.Background(), "user_1", "")
	require.NoError(t, err)
	w = post(r, "/v1/cards/card_b/authorize", map[string]any{"action": "fund_card"}, nil)
	assert.Equal(t, http.StatusLocked, w.Code)
	assert.Contains(t, w.Body.String(), "global-kill-switch")
}

func TestHandler_DisableMFA(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f, "user_1")

	w := post(r, "/v1/cards/card_a/mfa/disable", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(r, "/v1/cards/card_a/mfa/disable", map[string]string{"code": f.wrongCode(t)}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = post(r, "/v1/cards/card_a/mfa/disable", map[string]string{"code": f.code(t, f.secret)}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"disabled":true}`, w.Body.String())

	w = post(r, "/v1/cards/card_b/mfa/disable", map[string]string{"code": "123456"}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}
