package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mapCache is a RoleCache backed by a map; TTLs are ignored.
type mapCache struct {
	mu      sync.Mutex
	entries map[string]EffectiveRole
	failSet bool
}

func newMapCache() *mapCache { return &mapCache{entries: make(map[string]EffectiveRole)} }

func (c *mapCache) Get(_ context.Context, id string) (EffectiveRole, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.entries[id]
	return r, ok, nil
}

func (c *mapCache) Set(_ context.Context, r EffectiveRole, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSet {
		return errors.New("cache down")
	}
	c.entries[r.IdentityID] = r
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	return nil
}

type blockingWaiter struct{}

func (blockingWaiter) Wait(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func seededStore(t *testing.T) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	store.PutCredential(Credential{ID: "u1", Email: "Pat@Org.com"})
	store.SeedMembership(Membership{ID: "m1", IdentityID: "u1", Email: "pat@org.com", Category: CategoryMember, Active: true})
	return store
}

func mustResolver(t *testing.T, store RoleStore, allow AllowlistSource, opts ...ResolverOption) *Resolver {
	t.Helper()
	r, err := NewResolver(store, allow, opts...)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	return r
}

func TestResolvePrecedence(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	cases := []struct {
		name     string
		category Category
		active   bool
		grants   []RoleGrant
		allow    []string
		role     Role
		source   Source
	}{
		{name: "default", category: CategoryMember, active: true, role: RoleMember, source: SourceDefault},
		{name: "super grant beats member category", category: CategoryMember, active: true,
			grants: []RoleGrant{{ID: "g1", Role: GrantSuperAdmin}}, role: RoleSuperAdmin, source: SourceGrant},
		{name: "super grant beats admin grant", category: CategoryAdministrator, active: true,
			grants: []RoleGrant{{ID: "g1", Role: GrantAdmin}, {ID: "g2", Role: GrantSuperAdmin}}, role: RoleSuperAdmin, source: SourceGrant},
		{name: "admin grant beats allowlist", category: CategoryMember, active: true,
			grants: []RoleGrant{{ID: "g1", Role: GrantAdmin}}, allow: []string{"pat@org.com"}, role: RoleAdmin, source: SourceGrant},
		{name: "allowlist beats category", category: CategoryAdministrator, active: true,
			allow: []string{"PAT@org.com"}, role: RoleAdmin, source: SourceAllowlist},
		{name: "administrator category", category: CategoryAdministrator, active: true, role: RoleAdmin, source: SourceMembershipCategory},
		{name: "leader category", category: CategoryLeader, active: true, role: RoleAdmin, source: SourceMembershipCategory},
		{name: "inactive administrator", category: CategoryAdministrator, active: false, role: RoleMember, source: SourceDefault},
		{name: "revoked grant ignored", category: CategoryMember, active: true,
			grants: []RoleGrant{{ID: "g1", Role: GrantSuperAdmin, Revoked: true, RevokedAt: &past}}, role: RoleMember, source: SourceDefault},
		{name: "expired grant ignored", category: CategoryMember, active: true,
			grants: []RoleGrant{{ID: "g1", Role: GrantAdmin, ExpiresAt: &past}}, role: RoleMember, source: SourceDefault},
		{name: "unexpired grant counts", category: CategoryMember, active: true,
			grants: []RoleGrant{{ID: "g1", Role: GrantAdmin, ExpiresAt: &future}}, role: RoleAdmin, source: SourceGrant},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := NewMemoryStore()
			store.PutCredential(Credential{ID: "u1", Email: "Pat@Org.com"})
			store.SeedMembership(Membership{ID: "m1", IdentityID: "u1", Email: "pat@org.com", Category: tc.category, Active: tc.active})
			for _, g := range tc.grants {
				g.IdentityID = "u1"
				if err := store.AppendRoleGrant(ctx, g); err != nil {
					t.Fatalf("append grant: %v", err)
				}
			}
			r := mustResolver(t, store, NewAllowlist(tc.allow...), WithResolverClock(func() time.Time { return now }))
			got, err := r.ResolveRole(ctx, "u1")
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if got.Role != tc.role || got.Source != tc.source {
				t.Fatalf("got %s/%s, want %s/%s", got.Role, got.Source, tc.role, tc.source)
			}
			if got.Trust != trustFor(tc.source) || !got.ComputedAt.Equal(now) || got.Hint {
				t.Fatalf("unexpected metadata: %+v", got)
			}
		})
	}
}

func TestResolveFailsClosed(t *testing.T) {
	transient := func(string) error { return ErrStoreUnavailable }
	ops := []string{"GetCredential", "ListRoleGrants", "GetMembershipByIdentity"}
	for _, op := range ops {
		t.Run(op, func(t *testing.T) {
			store := seededStore(t)
			failing := op
			store.SetFault(func(got string) error {
				if got == failing {
					return transient(got)
				}
				return nil
			})
			r := mustResolver(t, store, NewAllowlist())
			role, err := r.ResolveRole(context.Background(), "u1")
			if !errors.Is(err, ErrResolutionUnavailable) {
				t.Fatalf("expected ResolutionUnavailable, got role=%+v err=%v", role, err)
			}
			if role.Role != "" {
				t.Fatalf("expected no role on failure, got %s", role.Role)
			}
		})
	}

	t.Run("all lookups", func(t *testing.T) {
		store := seededStore(t)
		store.SetFault(transient)
		_, err := mustResolver(t, store, nil).ResolveRole(context.Background(), "u1")
		if Kind(err) != KindResolutionUnavailable || !IsTransient(err) {
			t.Fatalf("expected transient ResolutionUnavailable, got %v", err)
		}
	})
}

func TestResolveGrantShortCircuitsMembershipFailure(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)
	if err := store.AppendRoleGrant(ctx, RoleGrant{ID: "g1", IdentityID: "u1", Role: GrantAdmin}); err != nil {
		t.Fatalf("append: %v", err)
	}
	store.SetFault(func(op string) error {
		if op == "GetMembershipByIdentity" {
			return ErrStoreUnavailable
		}
		return nil
	})
	got, err := mustResolver(t, store, nil).ResolveRole(ctx, "u1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Role != RoleAdmin || got.Source != SourceGrant {
		t.Fatalf("unexpected role: %+v", got)
	}
}

func TestResolveUnknownIdentity(t *testing.T) {
	_, err := mustResolver(t, NewMemoryStore(), nil).ResolveRole(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveOverwritesStaleHint(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)
	cache := newMapCache()
	cache.entries["u1"] = EffectiveRole{IdentityID: "u1", Role: RoleSuperAdmin, Source: SourceGrant}
	r := mustResolver(t, store, nil, WithRoleCache(cache, time.Minute))

	hint, err := r.Hint(ctx, "u1")
	if err != nil {
		t.Fatalf("hint: %v", err)
	}
	if !hint.Hint || hint.Role != RoleSuperAdmin {
		t.Fatalf("unexpected hint: %+v", hint)
	}

	fresh, err := r.ResolveRole(ctx, "u1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if fresh.Role != RoleMember || fresh.Hint {
		t.Fatalf("resolution trusted the hint: %+v", fresh)
	}
	hint, _ = r.Hint(ctx, "u1")
	if hint.Role != RoleMember {
		t.Fatalf("hint not overwritten: %+v", hint)
	}
}

func TestResolveSurvivesCacheFailure(t *testing.T) {
	cache := newMapCache()
	cache.failSet = true
	r := mustResolver(t, seededStore(t), nil, WithRoleCache(cache, time.Minute))
	if _, err := r.ResolveRole(context.Background(), "u1"); err != nil {
		t.Fatalf("cache failure leaked into resolution: %v", err)
	}
}

func TestResolveWaitsForReconcile(t *testing.T) {
	r := mustResolver(t, seededStore(t), nil, WithReconcileWaiter(blockingWaiter{}, 5*time.Millisecond))
	_, err := r.ResolveRole(context.Background(), "u1")
	if !errors.Is(err, ErrResolutionUnavailable) {
		t.Fatalf("expected ResolutionUnavailable while reconcile in flight, got %v", err)
	}
}

func TestGrantAndRevoke(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)
	cache := newMapCache()
	r := mustResolver(t, store, nil, WithRoleCache(cache, time.Minute))

	if _, err := r.ResolveRole(ctx, "u1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	g, err := r.Grant(ctx, "u1", GrantSuperAdmin, "root", nil)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, ok, _ := cache.Get(ctx, "u1"); ok {
		t.Fatalf("grant did not invalidate cache")
	}
	got, _ := r.ResolveRole(ctx, "u1")
	if got.Role != RoleSuperAdmin {
		t.Fatalf("expected super-admin after grant, got %+v", got)
	}

	if err := r.Revoke(ctx, "u1", g.ID, "root"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := r.Revoke(ctx, "u1", g.ID, "root"); err != nil {
		t.Fatalf("second revoke should be a no-op: %v", err)
	}
	got, _ = r.ResolveRole(ctx, "u1")
	if got.Role != RoleMember {
		t.Fatalf("expected member after revoke, got %+v", got)
	}
	grants, err := r.Grants(ctx, "u1")
	if err != nil {
		t.Fatalf("grants: %v", err)
	}
	if len(grants) != 1 || !grants[0].Revoked {
		t.Fatalf("revoked grant not retained: %+v", grants)
	}
}

func TestGrantValidation(t *testing.T) {
	ctx := context.Background()
	r := mustResolver(t, seededStore(t), nil)
	past := time.Now().Add(-time.Minute)
	if _, err := r.Grant(ctx, "u1", GrantRole("Owner"), "root", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid role error, got %v", err)
	}
	if _, err := r.Grant(ctx, "u1", GrantAdmin, "", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected missing grantor error, got %v", err)
	}
	if _, err := r.Grant(ctx, "u1", GrantAdmin, "root", &past); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected expiry error, got %v", err)
	}
	if _, err := r.Grant(ctx, "ghost", GrantAdmin, "root", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := r.Revoke(ctx, "u1", "missing", "root"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on unknown grant, got %v", err)
	}
}
