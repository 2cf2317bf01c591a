package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"covenant.church/internal/audit"
	"covenant.church/internal/ids"
	"covenant.church/internal/obs"
)

const (
	defaultRoleTTL  = 30 * time.Second
	defaultWaitFor  = 250 * time.Millisecond
	maxGrantHorizon = 5 * 365 * 24 * time.Hour
)

// AllowlistSource answers whether a normalized email is a configured administrator.
type AllowlistSource interface {
	Contains(email string) bool
}

// Waiter blocks until an identity has no reconciliation in flight.
type Waiter interface {
	Wait(ctx context.Context, identityID string) error
}

// Resolver computes effective roles in a fixed precedence order:
// active SuperAdmin grant, active Admin grant, allowlist, membership
// category, default. It never reads its cache as a source of truth.
type Resolver struct {
	store     RoleStore
	allowlist AllowlistSource
	cache     RoleCache
	cacheTTL  time.Duration
	waiter    Waiter
	waitFor   time.Duration
	now       func() time.Time
	newID     func() string
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithRoleCache enables the short-lived hint cache.
func WithRoleCache(c RoleCache, ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.cache = c
		if ttl > 0 {
			r.cacheTTL = ttl
		}
	}
}

// WithReconcileWaiter makes resolution wait up to bound for an in-flight
// reconciliation of the same identity before answering.
func WithReconcileWaiter(w Waiter, bound time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.waiter = w
		if bound > 0 {
			r.waitFor = bound
		}
	}
}

// WithResolverClock overrides the time source used for grant expiry.
func WithResolverClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// NewResolver constructs a Resolver. allowlist may be nil, meaning empty.
func NewResolver(store RoleStore, allowlist AllowlistSource, opts ...ResolverOption) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("role store is required")
	}
	r := &Resolver{
		store:     store,
		allowlist: allowlist,
		cacheTTL:  defaultRoleTTL,
		waitFor:   defaultWaitFor,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     ids.New,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// ResolveRole returns the authoritative effective role for identityID. Any
// lookup failure the precedence walk depends on yields
// ErrResolutionUnavailable; it never defaults on failure.
func (r *Resolver) ResolveRole(ctx context.Context, identityID string) (EffectiveRole, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return EffectiveRole{}, fmt.Errorf("%w: identity id is required", ErrInvalidInput)
	}
	if err := r.awaitReconcile(ctx, identityID); err != nil {
		obs.ObserveRoleFailure(Kind(err))
		return EffectiveRole{}, err
	}

	role, err := r.resolve(ctx, identityID)
	if err != nil {
		kind := Kind(err)
		obs.ObserveRoleFailure(kind)
		obs.Logger().Warn().Str("identity_id", identityID).Str("kind", kind).Err(err).Msg("role resolution failed")
		return EffectiveRole{}, err
	}
	obs.ObserveRole(string(role.Role), string(role.Source))
	r.refreshHint(ctx, role)
	return role, nil
}

// Hint returns the last cached resolution, marked as a hint. It is for UI
// optimism only and must be replaced by ResolveRole's answer.
func (r *Resolver) Hint(ctx context.Context, identityID string) (EffectiveRole, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return EffectiveRole{}, fmt.Errorf("%w: identity id is required", ErrInvalidInput)
	}
	if r.cache == nil {
		return EffectiveRole{}, ErrNotFound
	}
	role, ok, err := r.cache.Get(ctx, identityID)
	if err != nil || !ok {
		return EffectiveRole{}, ErrNotFound
	}
	role.Hint = true
	return role, nil
}

// Grants lists every grant recorded for identityID, revoked ones included.
func (r *Resolver) Grants(ctx context.Context, identityID string) ([]RoleGrant, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return nil, fmt.Errorf("%w: identity id is required", ErrInvalidInput)
	}
	if _, err := r.store.GetCredential(ctx, identityID); err != nil {
		return nil, storeErr(ctx, err)
	}
	grants, err := r.store.ListRoleGrants(ctx, identityID)
	if err != nil {
		return nil, storeErr(ctx, err)
	}
	return grants, nil
}

// Grant appends a new RoleGrant. expiresAt is optional.
func (r *Resolver) Grant(ctx context.Context, identityID string, role GrantRole, grantedBy string, expiresAt *time.Time) (RoleGrant, error) {
	identityID = strings.TrimSpace(identityID)
	grantedBy = strings.TrimSpace(grantedBy)
	if identityID == "" || grantedBy == "" {
		return RoleGrant{}, fmt.Errorf("%w: identity and grantor are required", ErrInvalidInput)
	}
	if !role.Valid() {
		return RoleGrant{}, fmt.Errorf("%w: unknown grant role %q", ErrInvalidInput, role)
	}
	now := r.now()
	if expiresAt != nil {
		if !expiresAt.After(now) || expiresAt.Sub(now) > maxGrantHorizon {
			return RoleGrant{}, fmt.Errorf("%w: expires_at out of range", ErrInvalidInput)
		}
	}
	if _, err := r.store.GetCredential(ctx, identityID); err != nil {
		return RoleGrant{}, storeErr(ctx, err)
	}
	g := RoleGrant{
		ID:         r.newID(),
		IdentityID: identityID,
		Role:       role,
		GrantedAt:  now,
		GrantedBy:  grantedBy,
		ExpiresAt:  expiresAt,
	}
	if err := r.store.AppendRoleGrant(ctx, g); err != nil {
		return RoleGrant{}, storeErr(ctx, err)
	}
	r.invalidate(ctx, identityID)
	_ = audit.LogEvent(ctx, "identity.role.granted", map[string]any{
		"identity_id": identityID,
		"grant_id":    g.ID,
		"role":        string(role),
		"granted_by":  grantedBy,
	})
	return g, nil
}

// Revoke flags a grant as revoked. The row is retained for audit history.
func (r *Resolver) Revoke(ctx context.Context, identityID, grantID, revokedBy string) error {
	identityID = strings.TrimSpace(identityID)
	grantID = strings.TrimSpace(grantID)
	revokedBy = strings.TrimSpace(revokedBy)
	if identityID == "" || grantID == "" || revokedBy == "" {
		return fmt.Errorf("%w: identity, grant and revoker are required", ErrInvalidInput)
	}
	if err := r.store.RevokeRoleGrant(ctx, identityID, grantID, revokedBy, r.now()); err != nil {
		return storeErr(ctx, err)
	}
	r.invalidate(ctx, identityID)
	_ = audit.LogEvent(ctx, "identity.role.revoked", map[string]any{
		"identity_id": identityID,
		"grant_id":    grantID,
		"revoked_by":  revokedBy,
	})
	return nil
}

// Invalidate drops any cached hint for identityID.
func (r *Resolver) Invalidate(ctx context.Context, identityID string) {
	r.invalidate(ctx, identityID)
}

func (r *Resolver) awaitReconcile(ctx context.Context, identityID string) error {
	if r.waiter == nil {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, r.waitFor)
	defer cancel()
	if err := r.waiter.Wait(waitCtx, identityID); err != nil {
		if ctx.Err() != nil {
			return storeErr(ctx, ctx.Err())
		}
		return fmt.Errorf("%w: reconciliation of %s still in flight", ErrResolutionUnavailable, identityID)
	}
	return nil
}

func (r *Resolver) resolve(ctx context.Context, identityID string) (EffectiveRole, error) {
	cred, err := r.store.GetCredential(ctx, identityID)
	switch {
	case errors.Is(err, ErrNotFound):
		return EffectiveRole{}, fmt.Errorf("%w: identity %s", ErrNotFound, identityID)
	case err != nil:
		return EffectiveRole{}, unavailable(ctx, err)
	}

	grants, err := r.store.ListRoleGrants(ctx, identityID)
	if err != nil {
		return EffectiveRole{}, unavailable(ctx, err)
	}
	now := r.now()
	if hasActive(grants, GrantSuperAdmin, now) {
		return r.decide(identityID, RoleSuperAdmin, SourceGrant), nil
	}
	if hasActive(grants, GrantAdmin, now) {
		return r.decide(identityID, RoleAdmin, SourceGrant), nil
	}

	if r.allowlist != nil {
		if email, err := NormalizeEmail(cred.Email); err == nil && r.allowlist.Contains(email) {
			return r.decide(identityID, RoleAdmin, SourceAllowlist), nil
		}
	}

	m, err := r.store.GetMembershipByIdentity(ctx, identityID)
	switch {
	case err == nil:
		if m.Active && (m.Category == CategoryAdministrator || m.Category == CategoryLeader) {
			obs.Logger().Info().Str("identity_id", identityID).Str("category", string(m.Category)).
				Str("trust", string(TrustAdvisory)).Msg("role.advisory: admin from membership category")
			return r.decide(identityID, RoleAdmin, SourceMembershipCategory), nil
		}
	case !errors.Is(err, ErrNotFound):
		return EffectiveRole{}, unavailable(ctx, err)
	}
	return r.decide(identityID, RoleMember, SourceDefault), nil
}

func (r *Resolver) decide(identityID string, role Role, src Source) EffectiveRole {
	return EffectiveRole{
		IdentityID: identityID,
		Role:       role,
		Source:     src,
		Trust:      trustFor(src),
		ComputedAt: r.now(),
	}
}

// refreshHint overwrites the cached hint with a fresh resolution. Cache
// failures never affect the answer.
func (r *Resolver) refreshHint(ctx context.Context, fresh EffectiveRole) {
	if r.cache == nil {
		return
	}
	if prev, ok, err := r.cache.Get(ctx, fresh.IdentityID); err == nil && ok {
		if prev.Role != fresh.Role || prev.Source != fresh.Source {
			obs.ObserveHintMismatch()
			obs.Logger().Info().Str("identity_id", fresh.IdentityID).
				Str("hint_role", string(prev.Role)).Str("role", string(fresh.Role)).
				Msg("stale role hint replaced")
		}
	}
	if err := r.cache.Set(ctx, fresh, r.cacheTTL); err != nil {
		obs.Logger().Warn().Err(err).Str("identity_id", fresh.IdentityID).Msg("role cache write failed")
	}
}

func (r *Resolver) invalidate(ctx context.Context, identityID string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Invalidate(ctx, identityID); err != nil {
		obs.Logger().Warn().Err(err).Str("identity_id", identityID).Msg("role cache invalidate failed")
	}
}

func hasActive(grants []RoleGrant, role GrantRole, now time.Time) bool {
	for _, g := range grants {
		if g.Role == role && g.ActiveAt(now) {
			return true
		}
	}
	return false
}

func unavailable(ctx context.Context, err error) error {
	return fmt.Errorf("%w: %w", ErrResolutionUnavailable, storeErr(ctx, err))
}
