package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"custos.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// Public paths: health plumbing plus the device ingress and signal stream.
// Devices authenticate at the gateway edge, not with operator tokens.
var publicPaths = []string{
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/v1/access/events",
	"/v1/signals",
	"/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	if !auth.SupportsTokens() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := auth.ParseAndValidate(token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, http.StatusUnauthorized, "invalid token")
			} else {
				writeError(w, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		principal := auth.NewPrincipal(claims.Subject, claims.Permissions)
		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermission enforces a capability key when tokens are configured.
func (a *API) requirePermission(ctx context.Context, perm string) error {
	if !auth.SupportsTokens() {
		return nil
	}
	principal, ok := auth.PrincipalFromContext(ctx)
	if !ok || !principal.HasPermission(perm) {
		return auth.ErrUnauthorized
	}
	return nil
}

// actorFromContext names the operator for audit records.
func actorFromContext(ctx context.Context) string {
	if principal, ok := auth.PrincipalFromContext(ctx); ok {
		return principal.Subject
	}
	return "anonymous"
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
