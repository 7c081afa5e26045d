package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowbot/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestContext(method, path string) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest(method, path, nil)
	return c, w
}

// --- Middleware() ---

func TestMiddleware_ValidUserID_SetsContext(t *testing.T) {
	c, _ := newTestContext("GET", "/test")
	c.Request.Header.Set(HeaderUserID, "42")

	Middleware()(c)

	id, ok := UserID(c)
	if !ok {
		t.Fatal("Expected user id to be set in context")
	}
	if id != 42 {
		t.Errorf("Expected 42, got %d", id)
	}
	if got := logging.UserID(c.Request.Context()); got != 42 {
		t.Errorf("Expected request context user 42, got %d", got)
	}
}

func TestMiddleware_InvalidUserID_PassesThrough(t *testing.T) {
	for _, raw := range []string{"abc", "-1", "0", "1.5"} {
		c, _ := newTestContext("GET", "/test")
		c.Request.Header.Set(HeaderUserID, raw)

		Middleware()(c)

		if c.IsAborted() {
			t.Errorf("%q: middleware must not abort", raw)
		}
		if _, ok := UserID(c); ok {
			t.Errorf("%q: expected no user id in context", raw)
		}
	}
}

// --- RequireAuth() ---

func TestRequireAuth_NoUser_Returns401(t *testing.T) {
	c, w := newTestContext("GET", "/test")

	RequireAuth()(c)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestRequireAuth_WithUser_Passes(t *testing.T) {
	c, _ := newTestContext("GET", "/test")
	c.Set(ContextKeyUserID, int64(7))

	RequireAuth()(c)

	if c.IsAborted() {
		t.Error("Expected authenticated request to pass")
	}
}

// --- RequireSelf() ---

func TestRequireSelf(t *testing.T) {
	tests := []struct {
		name   string
		caller int64
		param  string
		admin  bool
		want   int
	}{
		{"own account", 7, "7", false, http.StatusOK},
		{"other account", 7, "8", false, http.StatusForbidden},
		{"admin reads other", 7, "8", true, http.StatusOK},
		{"bad param", 7, "x", false, http.StatusBadRequest},
		{"no caller", 0, "7", false, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, w := newTestContext("GET", "/users/"+tt.param)
			c.Params = gin.Params{{Key: "id", Value: tt.param}}
			if tt.caller != 0 {
				c.Set(ContextKeyUserID, tt.caller)
			}
			if tt.admin {
				c.Set(ContextKeyAdmin, true)
			}

			RequireSelf("id")(c)

			if tt.want == http.StatusOK {
				if c.IsAborted() {
					t.Errorf("Expected request to pass, got %d", w.Code)
				}
				return
			}
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

// --- RequireAdmin() ---

func TestRequireAdmin_DevMode_AuthenticatedPasses(t *testing.T) {
	c, _ := newTestContext("POST", "/admin/sweep")
	c.Set(ContextKeyUserID, int64(1))

	RequireAdmin("")(c)

	if c.IsAborted() {
		t.Error("Expected authenticated request to pass in dev mode")
	}
	if !IsAdmin(c) {
		t.Error("Expected admin flag to be set")
	}
}

func TestRequireAdmin_DevMode_UnauthenticatedRejects(t *testing.T) {
	c, w := newTestContext("POST", "/admin/sweep")

	RequireAdmin("")(c)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 in dev mode without auth, got %d", w.Code)
	}
}

func TestRequireAdmin_CorrectSecret(t *testing.T) {
	c, _ := newTestContext("POST", "/admin/sweep")
	c.Request.Header.Set(HeaderAdminSecret, "supersecret123")

	RequireAdmin("supersecret123")(c)

	if c.IsAborted() {
		t.Error("Expected correct admin secret to pass")
	}
}

func TestRequireAdmin_WrongSecret(t *testing.T) {
	c, w := newTestContext("POST", "/admin/sweep")
	c.Request.Header.Set(HeaderAdminSecret, "wrongsecret")

	RequireAdmin("supersecret123")(c)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for wrong secret, got %d", w.Code)
	}
}

func TestRequireAdmin_MissingHeader(t *testing.T) {
	c, w := newTestContext("POST", "/admin/sweep")
	c.Set(ContextKeyUserID, int64(1))

	RequireAdmin("supersecret123")(c)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for missing admin header, got %d", w.Code)
	}
}

func TestMarkAdmin(t *testing.T) {
	c, _ := newTestContext("GET", "/users/1")
	c.Request.Header.Set(HeaderAdminSecret, "s3")
	MarkAdmin("s3")(c)
	if !IsAdmin(c) {
		t.Error("Expected admin flag with correct secret")
	}

	c, _ = newTestContext("GET", "/users/1")
	MarkAdmin("s3")(c)
	if IsAdmin(c) {
		t.Error("Expected no admin flag without secret")
	}
	if c.IsAborted() {
		t.Error("MarkAdmin must never abort")
	}
}
