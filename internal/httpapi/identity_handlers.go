package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"covenant.church/internal/identity"
)

type grantRequest struct {
	Role      identity.GrantRole `json:"role"`
	ExpiresAt *time.Time         `json:"expires_at"`
}

type repairRequest struct {
	Scope      string `json:"scope"`
	IdentityID string `json:"identity_id"`
	DryRun     bool   `json:"dry_run"`
}

// handleReconcile runs reconciliation for the signed-in identity. Passing
// dry_run=true returns the plan without writing.
func (a *API) handleReconcile(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "id")
	if _, ok := a.requireSelfOrRole(w, r, id, identity.RoleAdmin); !ok {
		return
	}
	ctx := r.Context()
	if a.opts.ReconcileTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.ReconcileTimeout)
		defer cancel()
	}
	cred, err := identity.Retry(ctx, a.opts.Retry, func(ctx context.Context) (identity.Credential, error) {
		return a.deps.Credentials.GetCredential(ctx, id)
	})
	if err != nil {
		writeIdentityError(w, r, err)
		return
	}

	run := a.deps.Reconciler.Reconcile
	if queryBool(r, "dry_run") {
		run = a.deps.Reconciler.Plan
	}
	res, err := identity.Retry(ctx, a.opts.Retry, func(ctx context.Context) (identity.ReconcileResult, error) {
		return run(ctx, cred)
	})
	if err != nil {
		writeIdentityError(w, r, err)
		return
	}
	if res.Changed() && !res.DryRun {
		a.deps.Resolver.Invalidate(ctx, id)
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleRole(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "id")
	if _, ok := a.requireSelfOrRole(w, r, id, identity.RoleAdmin); !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.opts.InteractiveTimeout)
	defer cancel()
	role, err := a.deps.Resolver.ResolveRole(ctx, id)
	if err != nil {
		writeIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

// handleRoleHint serves the cached role for optimistic UI rendering.
func (a *API) handleRoleHint(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "id")
	if _, ok := a.requireSelfOrRole(w, r, id, identity.RoleAdmin); !ok {
		return
	}
	hint, err := a.deps.Resolver.Hint(r.Context(), id)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, identity.KindNotFound, "no cached role", nil)
			return
		}
		writeIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hint)
}

func (a *API) handleListGrants(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "id")
	if _, _, ok := a.requireRole(w, r, identity.RoleAdmin); !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.opts.InteractiveTimeout)
	defer cancel()
	grants, err := a.deps.Resolver.Grants(ctx, id)
	if err != nil {
		writeIdentityError(w, r, err)
		return
	}
	if grants == nil {
		grants = []identity.RoleGrant{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"identity_id": id, "grants": grants})
}

func (a *API) handleGrant(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "id")
	var req grantRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, identity.KindInvalidInput, err.Error(), nil)
		return
	}
	req.Role = identity.GrantRole(strings.TrimSpace(string(req.Role)))
	if !req.Role.Valid() {
		writeError(w, r, http.StatusBadRequest, identity.KindInvalidInput,
			fmt.Sprintf("role must be %s or %s", identity.GrantAdmin, identity.GrantSuperAdmin), nil)
		return
	}
	caller, _, ok := a.requireRole(w, r, minRoleFor(req.Role))
	if !ok {
		return
	}
	g, err := a.deps.Resolver.Grant(r.Context(), id, req.Role, caller, req.ExpiresAt)
	if err != nil {
		writeIdentityError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/identity/%s/grants", id))
	writeJSON(w, http.StatusCreated, g)
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "id")
	grantID := pathID(r, "grant")
	caller, role, ok := a.requireRole(w, r, identity.RoleAdmin)
	if !ok {
		return
	}
	grants, err := a.deps.Resolver.Grants(r.Context(), id)
	if err != nil {
		writeIdentityError(w, r, err)
		return
	}
	var target *identity.RoleGrant
	for i := range grants {
		if grants[i].ID == grantID {
			target = &grants[i]
			break
		}
	}
	if target == nil {
		writeError(w, r, http.StatusNotFound, identity.KindNotFound, "grant not found", nil)
		return
	}
	if !role.Role.AtLeast(minRoleFor(target.Role)) {
		writeError(w, r, http.StatusForbidden, kindForbidden, "insufficient role", nil)
		return
	}
	if err := a.deps.Resolver.Revoke(r.Context(), id, grantID, caller); err != nil {
		writeIdentityError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRepair(w http.ResponseWriter, r *http.Request) {
	if a.deps.Runner == nil {
		writeError(w, r, http.StatusServiceUnavailable, identity.KindStoreUnavailable, "repair runner not configured", nil)
		return
	}
	var req repairRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, http.StatusBadRequest, identity.KindInvalidInput, err.Error(), nil)
		return
	}
	scope, err := identity.ParseScope(req.Scope, req.IdentityID, req.DryRun)
	if err != nil {
		writeIdentityError(w, r, err)
		return
	}
	if _, _, ok := a.requireRole(w, r, identity.RoleAdmin); !ok {
		return
	}
	report, err := a.deps.Runner.RunRepair(r.Context(), scope)
	if err != nil && !identity.IsTransient(err) {
		writeIdentityError(w, r, err)
		return
	}
	if err != nil {
		// A transient listing failure still returns what was scanned.
		kind := identity.Kind(err)
		logFailure(r, kind, err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":      errorBody{Kind: kind, Message: "repair run aborted, try again"},
			"report":     report,
			"request_id": RequestIDFromContext(r.Context()),
		})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleAllowlistReload(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := a.requireRole(w, r, identity.RoleAdmin); !ok {
		return
	}
	if a.deps.Allowlist == nil {
		writeError(w, r, http.StatusServiceUnavailable, identity.KindStoreUnavailable, "allowlist not configured", nil)
		return
	}
	n, err := a.deps.Allowlist.Reload(r.Context())
	if err != nil {
		logFailure(r, identity.KindInternal, err)
		writeError(w, r, http.StatusInternalServerError, identity.KindInternal, "allowlist reload failed; previous entries kept", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": n})
}

func minRoleFor(g identity.GrantRole) identity.Role {
	if g == identity.GrantSuperAdmin {
		return identity.RoleSuperAdmin
	}
	return identity.RoleAdmin
}
