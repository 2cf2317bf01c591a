package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"covenant.church/internal/auth"
	"covenant.church/internal/identity"
	"covenant.church/internal/obs"
)

const (
	authHeader     = "Authorization"
	bearer         = "Bearer "
	identityHeader = "X-Identity-ID"

	kindUnauthenticated = "Unauthenticated"
	kindForbidden       = "Forbidden"
)

var publicPaths = []string{
	"/metrics",
	"/healthz",
	"/readyz",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if a.opts.AuthDisabled {
			id := strings.TrimSpace(r.Header.Get(identityHeader))
			if id == "" {
				writeError(w, r, http.StatusUnauthorized, kindUnauthenticated, "missing "+identityHeader+" header", nil)
				return
			}
			ctx := auth.ContextWithUser(r.Context(), id, "")
			recordCaller(ctx)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, kindUnauthenticated, err.Error(), nil)
			return
		}
		claims, err := a.deps.Tokens.ParseAndValidate(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, kindUnauthenticated, "invalid token", nil)
			return
		}
		ctx := auth.ContextWithUser(r.Context(), claims.Subject, claims.Email)
		recordCaller(ctx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole resolves the caller's effective role and checks it against min.
// Token claims never carry the role; a resolution failure denies the request.
func (a *API) requireRole(w http.ResponseWriter, r *http.Request, min identity.Role) (string, identity.EffectiveRole, bool) {
	caller, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, kindUnauthenticated, "authentication required", nil)
		return "", identity.EffectiveRole{}, false
	}
	role, err := a.callerRole(r.Context(), caller)
	if err != nil {
		writeIdentityError(w, r, err)
		return "", identity.EffectiveRole{}, false
	}
	if !role.Role.AtLeast(min) {
		obs.Logger().Warn().
			Str("request_id", RequestIDFromContext(r.Context())).
			Str("caller", caller).
			Str("role", string(role.Role)).
			Str("required", string(min)).
			Str("path", r.URL.Path).
			Msg("authorization denied")
		writeError(w, r, http.StatusForbidden, kindForbidden, "insufficient role", nil)
		return "", identity.EffectiveRole{}, false
	}
	return caller, role, true
}

// requireSelfOrRole admits the identity itself without a role lookup.
func (a *API) requireSelfOrRole(w http.ResponseWriter, r *http.Request, subject string, min identity.Role) (string, bool) {
	caller, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, kindUnauthenticated, "authentication required", nil)
		return "", false
	}
	if caller == subject {
		return caller, true
	}
	caller, _, ok = a.requireRole(w, r, min)
	return caller, ok
}

// callerRole resolves the caller's own role. A token for an identity with no
// credential carries RoleNone.
func (a *API) callerRole(ctx context.Context, caller string) (identity.EffectiveRole, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.InteractiveTimeout)
	defer cancel()
	role, err := a.deps.Resolver.ResolveRole(ctx, caller)
	if errors.Is(err, identity.ErrNotFound) {
		return identity.EffectiveRole{
			IdentityID: caller,
			Role:       identity.RoleNone,
			Source:     identity.SourceDefault,
			Trust:      identity.TrustDefault,
			ComputedAt: time.Now().UTC(),
		}, nil
	}
	return role, err
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
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
