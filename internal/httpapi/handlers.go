package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"covenant.church/internal/auth"
	"covenant.church/internal/identity"
	"covenant.church/internal/obs"
)

// Pinger is anything the readiness probe can check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe reports ready when every dependency answers a ping.
type ReadyProbe struct {
	Deps []Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	for _, d := range rp.Deps {
		if d == nil {
			continue
		}
		if err := d.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Deps are the engine components served over HTTP.
type Deps struct {
	Credentials identity.CredentialReader
	Reconciler  *identity.Reconciler
	Resolver    *identity.Resolver
	Runner      *identity.Runner
	Allowlist   *identity.Allowlist
	Tokens      *auth.Tokens
	Ready       readinessChecker
}

// Options tune the HTTP surface.
type Options struct {
	Version string
	// AuthDisabled trusts the X-Identity-ID header instead of a bearer token.
	AuthDisabled       bool
	InteractiveTimeout time.Duration
	// ReconcileTimeout bounds one reconcile request including retries.
	ReconcileTimeout time.Duration
	Retry            identity.RetryPolicy
	MaxBodyBytes     int64
	RatePerSecond    float64
	RateBurst        int
	CORSOrigins      []string
}

// API is the HTTP layer.
type API struct {
	mux  *http.ServeMux
	deps Deps
	opts Options
}

func New(deps Deps, opts Options) (*API, error) {
	if deps.Credentials == nil || deps.Reconciler == nil || deps.Resolver == nil {
		return nil, errors.New("credentials, reconciler and resolver are required")
	}
	if deps.Tokens == nil && !opts.AuthDisabled {
		return nil, errors.New("token validator is required unless auth is disabled")
	}
	if deps.Ready == nil {
		deps.Ready = ReadyProbe{}
	}
	if opts.InteractiveTimeout <= 0 {
		opts.InteractiveTimeout = 300 * time.Millisecond
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = identity.DefaultRetryPolicy
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 16
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 50
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 100
	}
	a := &API{mux: http.NewServeMux(), deps: deps, opts: opts}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /identity/{id}/reconcile", a.handleReconcile)
	a.mux.HandleFunc("GET /identity/{id}/role", a.handleRole)
	a.mux.HandleFunc("GET /identity/{id}/role/hint", a.handleRoleHint)
	a.mux.HandleFunc("GET /identity/{id}/grants", a.handleListGrants)
	a.mux.HandleFunc("POST /identity/{id}/grants", a.handleGrant)
	a.mux.HandleFunc("POST /identity/{id}/grants/{grant}/revoke", a.handleRevoke)

	a.mux.HandleFunc("POST /admin/repair", a.handleRepair)
	a.mux.HandleFunc("POST /admin/allowlist/reload", a.handleAllowlistReload)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, identity.KindNotFound, "resource not found", nil)
	})
	return a, nil
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	h = RateLimit(h, a.opts.RateBurst, a.opts.RatePerSecond)
	h = CORS(h, a.opts.CORSOrigins)
	h = SecurityHeaders(h)
	h = AccessLog(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": obs.ServiceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.deps.Ready.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

type errorBody struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, kind, msg string, details map[string]any) {
	payload := map[string]any{
		"error": errorBody{Kind: kind, Message: msg, Details: details},
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeIdentityError maps engine errors onto status codes. Transient failures
// get a generic message; the cause is only logged.
func writeIdentityError(w http.ResponseWriter, r *http.Request, err error) {
	kind := identity.Kind(err)
	switch kind {
	case identity.KindInvalidEmail, identity.KindInvalidInput:
		writeError(w, r, http.StatusBadRequest, kind, err.Error(), nil)
	case identity.KindNotFound:
		writeError(w, r, http.StatusNotFound, kind, "identity not found", nil)
	case identity.KindReconciliationConflict:
		var details map[string]any
		var ce *identity.ConflictError
		if errors.As(err, &ce) {
			details = ce.Details()
		}
		writeError(w, r, http.StatusConflict, kind,
			"account records could not be linked automatically; contact support", details)
	case identity.KindResolutionUnavailable, identity.KindStoreUnavailable:
		logFailure(r, kind, err)
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, kind, "temporarily unavailable, try again", nil)
	case identity.KindStoreTimeout:
		logFailure(r, kind, err)
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusGatewayTimeout, kind, "request timed out, try again", nil)
	default:
		logFailure(r, kind, err)
		writeError(w, r, http.StatusInternalServerError, kind, "internal error", nil)
	}
}

func logFailure(r *http.Request, kind string, err error) {
	obs.Logger().Error().
		Str("request_id", RequestIDFromContext(r.Context())).
		Str("path", r.URL.Path).
		Str("kind", kind).
		Err(err).
		Msg("request failed")
}

func decodeJSON(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			if optional {
				return nil
			}
			return errors.New("request body is required")
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errors.New("request body too large")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

func pathID(r *http.Request, name string) string {
	return strings.TrimSpace(r.PathValue(name))
}

func queryBool(r *http.Request, name string) bool {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get(name))) {
	case "1", "true", "yes":
		return true
	}
	return false
}
