package auth

import (
	"context"
	"net/http"
	"strings"

	uperr "github.com/driftdesk/driftdesk/internal/errors"
	"github.com/driftdesk/driftdesk/internal/jsonutil"
)

type contextKey string

const ownerContextKey contextKey = "driftdesk.owner"

// skipPaths is the set of paths that do not require authentication.
var skipPaths = map[string]bool{
	"/health":       true,
	"/healthz":      true,
	"/readyz":       true,
	"/metrics":      true,
	"/docs":         true,
	"/docs/":        true,
	"/openapi":      true,
	"/openapi.json": true,
}

// Middleware returns HTTP middleware that enforces bearer-token
// authentication on all requests except the excluded operational paths.
// On success, the authenticated owner identity is set on the request
// context.
func Middleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if skipPaths[path] || strings.HasPrefix(path, "/docs") {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				jsonutil.WriteErrorResponse(w, r, uperr.ErrAccessDenied)
				return
			}
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				jsonutil.WriteErrorResponse(w, r, uperr.ErrAccessDenied.WithMessage(
					"Authorization header must use the Bearer scheme"))
				return
			}

			ownerID, err := VerifyToken(token, secret)
			if err != nil {
				jsonutil.WriteErrorResponse(w, r, uperr.ErrAccessDenied)
				return
			}

			ctx := ContextWithOwner(r.Context(), ownerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ContextWithOwner returns a context carrying the authenticated owner ID.
func ContextWithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerContextKey, ownerID)
}

// OwnerFromContext returns the authenticated owner ID, or "" when the
// request was not authenticated.
func OwnerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerContextKey).(string)
	return owner
}
