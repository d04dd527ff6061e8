package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddleware_AcceptsHeaderIdentity(t *testing.T) {
	var got User
	handler := Middleware(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserHeaderName, "user-1")
	req.Header.Set(RoleHeaderName, "counselor")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got.ID != "user-1" || got.Role != RoleCounselor {
		t.Errorf("unexpected principal: %+v", got)
	}
}

func TestMiddleware_RejectsAnonymous(t *testing.T) {
	handler := Middleware(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not run for anonymous request")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_DevQueryFallback(t *testing.T) {
	var got User
	handler := Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/?user_id=dev-user&role=patient", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got.ID != "dev-user" || got.Role != RolePatient {
		t.Errorf("unexpected principal: %+v", got)
	}
}

func TestMiddleware_RejectsMalformedID(t *testing.T) {
	handler := Middleware(false)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserHeaderName, "bad id with spaces")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for malformed id, got %d", w.Code)
	}
}

func TestParseRoleDefaultsToPatient(t *testing.T) {
	if parseRole("gardener") != RolePatient {
		t.Error("unknown role should default to patient")
	}
	if parseRole(" Counselor ") != RoleCounselor {
		t.Error("role parsing should trim and lowercase")
	}
}
