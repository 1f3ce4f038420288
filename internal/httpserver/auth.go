package httpserver

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Role distinguishes a client-scoped caller from a cross-tenant admin.
type Role string

const (
	RoleClient Role = "client"
	RoleAdmin  Role = "admin"
)

// Identity is the authenticated caller attached to the request context.
type Identity struct {
	ClientID uuid.UUID
	Role     Role
}

type identityContextKey struct{}

// NewContext attaches an Identity to ctx.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// FromContext extracts the Identity stored by the auth middleware, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityContextKey{}).(*Identity)
	return id
}

// ClientLookup resolves a bearer token to the client it authenticates.
// Implementations compare the presented token against the stored bcrypt
// hash (pkg/client.Store.AuthenticateToken).
type ClientLookup func(ctx context.Context, rawToken string) (clientID uuid.UUID, err error)

// Middleware authenticates requests by bearer token. A token equal to
// adminToken (constant-time compared) authenticates a cross-tenant admin;
// any other token is resolved against lookup as a client token. Missing or
// unrecognized tokens are rejected with 401.
func Middleware(lookup ClientLookup, adminToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				RespondError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}
			rawToken := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
			if rawToken == "" {
				RespondError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}

			if adminToken != "" && constantTimeEqual(rawToken, adminToken) {
				ctx := NewContext(r.Context(), &Identity{Role: RoleAdmin})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			clientID, err := lookup(r.Context(), rawToken)
			if err != nil {
				RespondError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}

			ctx := NewContext(r.Context(), &Identity{ClientID: clientID, Role: RoleClient})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin rejects any request whose Identity is not an admin.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := FromContext(r.Context())
		if id == nil || id.Role != RoleAdmin {
			RespondError(w, http.StatusForbidden, "forbidden", "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func constantTimeEqual(a, b string) bool {
	// bcrypt.CompareHashAndPassword is unsuitable here (the admin token is a
	// plain shared secret, not a stored hash); length-leak is acceptable
	// for an operator-configured constant compared on every request.
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// HashToken hashes a raw client token for storage.
func HashToken(raw string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyToken reports whether raw matches the stored bcrypt hash.
func VerifyToken(hash, raw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(raw)) == nil
}
