package webhooks

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter() (*gin.Engine, *MemoryStore) {
	gin.SetMode(gin.TestMode)
	store := NewMemoryStore()
	r := gin.New()
	NewHandler(store, testLogger()).RegisterAdminRoutes(r.Group("/v1"))
	return r, store
}

func doJSON(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
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

func TestCreateWebhook(t *testing.T) {
	r, store := setupTestRouter()

	w := doJSON(r, http.MethodPost, "/v1/admin/webhooks", gin.H{
		"url":    "https://bot.example.com/hook",
		"events": []string{"transaction.created", "withdrawal.sent"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Webhook Subscription `json:"webhook"`
		Secret  string       `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Secret, 64)
	assert.True(t, resp.Webhook.Active)
	assert.NotContains(t, w.Body.String(), `"Secret"`)

	sub, err := store.Get(t.Context(), resp.Webhook.ID)
	require.NoError(t, err)
	assert.Equal(t, resp.Secret, sub.Secret)
	assert.Equal(t, []EventType{EventTransactionCreated, EventWithdrawalSent}, sub.Events)
}

func TestCreateWebhook_Invalid(t *testing.T) {
	r, _ := setupTestRouter()

	tests := []struct {
		name string
		body interface{}
	}{
		{"missing url", gin.H{"events": []string{"transaction.created"}}},
		{"relative url", gin.H{"url": "/hook", "events": []string{"transaction.created"}}},
		{"bad scheme", gin.H{"url": "ftp://bot.example.com", "events": []string{"transaction.created"}}},
		{"no events", gin.H{"url": "https://bot.example.com", "events": []string{}}},
		{"unknown event", gin.H{"url": "https://bot.example.com", "events": []string{"payment.received"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, http.MethodPost, "/v1/admin/webhooks", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestListAndDeleteWebhooks(t *testing.T) {
	r, _ := setupTestRouter()

	w := doJSON(r, http.MethodGet, "/v1/admin/webhooks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)

	w = doJSON(r, http.MethodPost, "/v1/admin/webhooks", gin.H{
		"url": "https://bot.example.com/hook", "events": []string{"dispute.opened"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Webhook Subscription `json:"webhook"`
		Secret  string       `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(r, http.MethodGet, "/v1/admin/webhooks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
	assert.NotContains(t, w.Body.String(), created.Secret)

	w = doJSON(r, http.MethodDelete, "/v1/admin/webhooks/"+created.Webhook.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodDelete, "/v1/admin/webhooks/"+created.Webhook.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
