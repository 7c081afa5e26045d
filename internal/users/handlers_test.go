package users

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowbot/internal/auth"
)

func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	reg := NewRegistry(NewMemoryStore(), slog.New(slog.DiscardHandler))

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(auth.Middleware(), auth.RequireAuth())
	NewHandler(reg).RegisterRoutes(v1)
	return r
}

func do(r *gin.Engine, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderUserID, user)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_TouchAndGet(t *testing.T) {
	r := setupTestRouter()

	w := do(r, "POST", "/v1/contacts", "7", Contact{ID: 7, Handle: "@dave"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(r, "POST", "/v1/contacts", "7", Contact{ID: 7, Handle: "@dave"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, "GET", "/v1/users/7", "7", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"handle":"dave"`)
}

func TestHandler_TouchRejectsOtherUser(t *testing.T) {
	r := setupTestRouter()
	w := do(r, "POST", "/v1/contacts", "7", Contact{ID: 8})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_SetLocale(t *testing.T) {
	r := setupTestRouter()
	do(r, "POST", "/v1/contacts", "7", Contact{ID: 7})

	w := do(r, "PUT", "/v1/users/7/locale", "7", SetLocaleRequest{Locale: "FR"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"locale":"fr"`)

	w = do(r, "PUT", "/v1/users/7/locale", "7", SetLocaleRequest{Locale: "klingon"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_locale")

	w = do(r, "PUT", "/v1/users/8/locale", "7", SetLocaleRequest{Locale: "fr"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}
