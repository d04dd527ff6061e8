// Package identity resolves the pre-authenticated caller for each request.
//
// Authentication itself happens upstream (the edge proxy terminates the
// session and stamps identity headers); the core trusts the resolved user
// id and never re-derives it.
package identity

import (
	"context"
	"net/http"
	"regexp"
	"strings"
)

const (
	UserHeaderName = "X-Telecare-User-ID"
	RoleHeaderName = "X-Telecare-Role"
)

// Role is the caller's position in the platform.
type Role string

const (
	RolePatient   Role = "patient"
	RoleCounselor Role = "counselor"
)

// User is the authenticated principal attached to a request.
type User struct {
	ID   string
	Role Role
}

type contextKey int

const userKey contextKey = iota

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// FromContext extracts the authenticated user from the request context.
// The second return is false when no identity was attached.
func FromContext(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(userKey).(User)
	return u, ok
}

// UserIDFromContext extracts just the user id, or empty when anonymous.
func UserIDFromContext(ctx context.Context) string {
	u, _ := FromContext(ctx)
	return u.ID
}

// WithUser returns a context carrying the given principal. Used by tests
// and by transports that resolve identity themselves.
func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

func parseRole(raw string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleCounselor:
		return RoleCounselor
	default:
		return RolePatient
	}
}

func userFromRequest(r *http.Request, isDev bool) (User, bool) {
	id := strings.TrimSpace(r.Header.Get(UserHeaderName))
	role := r.Header.Get(RoleHeaderName)

	// Development convenience: identity via query params, so a browser or
	// curl can exercise the API without the edge proxy in front.
	if id == "" && isDev {
		id = strings.TrimSpace(r.URL.Query().Get("user_id"))
		if role == "" {
			role = r.URL.Query().Get("role")
		}
	}

	if id == "" || !userIDPattern.MatchString(id) {
		return User{}, false
	}
	return User{ID: id, Role: parseRole(role)}, true
}

// Middleware injects the pre-authenticated principal into the request
// context and rejects requests without one.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := userFromRequest(r, isDev)
			if !ok {
				http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}
