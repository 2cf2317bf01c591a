package identity

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"covenant.church/internal/obs"
)

func newTestReconciler(t *testing.T, store Store) *Reconciler {
	t.Helper()
	rec, err := NewReconciler(store)
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	return rec
}

func membershipsFor(store *MemoryStore, identityID string) []Membership {
	var out []Membership
	for _, m := range store.Memberships() {
		if m.IdentityID == identityID {
			out = append(out, m)
		}
	}
	return out
}

func TestReconcileCreatesProfileAndMembership(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cred := Credential{ID: "u1", Email: "Pat@Org.com"}
	store.PutCredential(cred)
	rec := newTestReconciler(t, store)

	res, err := rec.Reconcile(ctx, cred)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !res.Has(OutcomeProfileCreated) || !res.Has(OutcomeMembershipCreated) || len(res.Outcomes) != 2 {
		t.Fatalf("unexpected outcomes: %v", res.Outcomes)
	}

	p, err := store.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if p.Email != "pat@org.com" || p.FullName != "pat" {
		t.Fatalf("unexpected profile: %+v", p)
	}
	m, err := store.GetMembershipByIdentity(ctx, "u1")
	if err != nil {
		t.Fatalf("get membership: %v", err)
	}
	if m.Category != CategoryMember || !m.Active || m.Email != "pat@org.com" || m.ID != res.MembershipID {
		t.Fatalf("unexpected membership: %+v", m)
	}

	resolver, err := NewResolver(store, NewAllowlist(), WithReconcileWaiter(rec, 0))
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	role, err := resolver.ResolveRole(ctx, "u1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if role.Role != RoleMember || role.Source != SourceDefault {
		t.Fatalf("unexpected role: %+v", role)
	}
}

func TestReconcileAdoptsLegacyMembership(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cred := Credential{ID: "u1", Email: "Pat@Org.com"}
	store.PutCredential(cred)
	store.SeedMembership(Membership{ID: "legacy-1", Email: "pat@org.com", DisplayName: "Pat", Category: CategoryAdministrator, Active: true})

	rec := newTestReconciler(t, store)
	res, err := rec.Reconcile(ctx, cred)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !res.Has(OutcomeMembershipAdopted) || res.Has(OutcomeMembershipCreated) {
		t.Fatalf("unexpected outcomes: %v", res.Outcomes)
	}
	all := store.Memberships()
	if len(all) != 1 || all[0].ID != "legacy-1" || all[0].IdentityID != "u1" {
		t.Fatalf("unexpected memberships after adoption: %+v", all)
	}

	resolver, _ := NewResolver(store, nil)
	role, err := resolver.ResolveRole(ctx, "u1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if role.Role != RoleAdmin || role.Source != SourceMembershipCategory || role.Trust != TrustAdvisory {
		t.Fatalf("unexpected role: %+v", role)
	}
}

func TestReconcileAdoptsOrphanedAndCorrectsEmail(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cred := Credential{ID: "u2", Email: "sam@org.com"}
	store.PutCredential(cred)
	// Linked to a credential that was deleted; stored email differs in case.
	store.SeedMembership(Membership{ID: "legacy-2", IdentityID: "gone", Email: "Sam@Org.com", Category: CategoryMember, Active: true})

	res, err := newTestReconciler(t, store).Reconcile(ctx, cred)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !res.Has(OutcomeMembershipAdopted) || !res.Has(OutcomeMembershipCorrected) {
		t.Fatalf("unexpected outcomes: %v", res.Outcomes)
	}
	m, err := store.GetMembershipByIdentity(ctx, "u2")
	if err != nil {
		t.Fatalf("get membership: %v", err)
	}
	if m.ID != "legacy-2" || m.Email != "sam@org.com" {
		t.Fatalf("unexpected membership: %+v", m)
	}
}

func TestReconcileConflictOnClaimedEmail(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	first := Credential{ID: "a1", Email: "dup@org.com"}
	second := Credential{ID: "a2", Email: "DUP@org.com"}
	store.PutCredential(first)
	store.PutCredential(second)
	store.SeedMembership(Membership{ID: "legacy-dup", Email: "dup@org.com", Category: CategoryLeader, Active: true})

	rec := newTestReconciler(t, store)
	if _, err := rec.Reconcile(ctx, first); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	before := store.Memberships()
	writes := store.Writes()

	_, err := rec.Reconcile(ctx, second)
	if !errors.Is(err, ErrReconciliationConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *ConflictError, got %T", err)
	}
	if len(conflict.ClaimedBy) != 1 || conflict.ClaimedBy[0] != "a1" || conflict.MembershipIDs[0] != "legacy-dup" {
		t.Fatalf("unexpected conflict details: %+v", conflict)
	}
	if store.Writes() != writes {
		t.Fatalf("conflict wrote %d records", store.Writes()-writes)
	}
	after := store.Memberships()
	if len(after) != len(before) || after[0] != before[0] {
		t.Fatalf("memberships mutated: before %+v after %+v", before, after)
	}
	if _, err := store.GetProfile(ctx, "a2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("profile created despite conflict: %v", err)
	}
}

func TestReconcileConflictOnAmbiguousLegacyRows(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cred := Credential{ID: "u3", Email: "twin@org.com"}
	store.PutCredential(cred)
	store.SeedMembership(Membership{ID: "l-a", Email: "twin@org.com", Category: CategoryMember})
	store.SeedMembership(Membership{ID: "l-b", Email: "Twin@org.com", Category: CategoryAdministrator})

	_, err := newTestReconciler(t, store).Reconcile(ctx, cred)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if len(conflict.MembershipIDs) != 2 {
		t.Fatalf("expected both rows named, got %v", conflict.MembershipIDs)
	}
	if store.Writes() != 0 {
		t.Fatalf("expected no writes, got %d", store.Writes())
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cred := Credential{ID: "u1", Email: "Pat@Org.com"}
	store.PutCredential(cred)
	rec := newTestReconciler(t, store)

	if _, err := rec.Reconcile(ctx, cred); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	writes := store.Writes()
	for i := 0; i < 3; i++ {
		res, err := rec.Reconcile(ctx, cred)
		if err != nil {
			t.Fatalf("reconcile %d: %v", i, err)
		}
		if len(res.Outcomes) != 1 || res.Outcomes[0] != OutcomeNoChange || res.Changed() {
			t.Fatalf("reconcile %d outcomes: %v", i, res.Outcomes)
		}
	}
	if store.Writes() != writes {
		t.Fatalf("repeat reconciles wrote %d records", store.Writes()-writes)
	}
}

func TestReconcileCorrectsEmailDrift(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cred := Credential{ID: "u1", Email: "pat@org.com"}
	store.PutCredential(cred)
	rec := newTestReconciler(t, store)
	if _, err := rec.Reconcile(ctx, cred); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	cred.Email = "Pat.New@Org.com"
	store.PutCredential(cred)
	res, err := rec.Reconcile(ctx, cred)
	if err != nil {
		t.Fatalf("reconcile after change: %v", err)
	}
	if !res.Has(OutcomeProfileCorrected) || !res.Has(OutcomeMembershipCorrected) {
		t.Fatalf("unexpected outcomes: %v", res.Outcomes)
	}
	if len(res.Corrections) != 2 || res.Corrections[0].From != "pat@org.com" || res.Corrections[0].To != "pat.new@org.com" {
		t.Fatalf("unexpected corrections: %+v", res.Corrections)
	}
	p, _ := store.GetProfile(ctx, "u1")
	m, _ := store.GetMembershipByIdentity(ctx, "u1")
	if p.Email != "pat.new@org.com" || m.Email != "pat.new@org.com" {
		t.Fatalf("drift not repaired: profile=%q membership=%q", p.Email, m.Email)
	}
}

func TestReconcileDriftIntoClaimedEmailConflicts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cred := Credential{ID: "u1", Email: "pat@org.com"}
	store.PutCredential(cred)
	rec := newTestReconciler(t, store)
	if _, err := rec.Reconcile(ctx, cred); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	store.SeedMembership(Membership{ID: "other", IdentityID: "u9", Email: "taken@org.com"})
	writes := store.Writes()

	cred.Email = "taken@org.com"
	if _, err := rec.Reconcile(ctx, cred); !errors.Is(err, ErrReconciliationConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if store.Writes() != writes {
		t.Fatalf("conflict wrote %d records", store.Writes()-writes)
	}
}

func TestReconcileRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rec := newTestReconciler(t, store)

	if _, err := rec.Reconcile(ctx, Credential{ID: "u1", Email: "not-an-email"}); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail, got %v", err)
	}
	if _, err := rec.Reconcile(ctx, Credential{Email: "pat@org.com"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if store.Writes() != 0 {
		t.Fatalf("expected no writes, got %d", store.Writes())
	}
}

func TestReconcileHonorsDeadline(t *testing.T) {
	store := NewMemoryStore()
	cred := Credential{ID: "u1", Email: "pat@org.com"}
	store.PutCredential(cred)
	store.SetLatency(50 * time.Millisecond)
	rec := newTestReconciler(t, store)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := rec.Reconcile(ctx, cred)
	if Kind(err) != KindStoreTimeout {
		t.Fatalf("expected StoreTimeout, got %v (%s)", err, Kind(err))
	}
	if !IsTransient(err) {
		t.Fatalf("expected timeout to be transient")
	}
	if store.Writes() != 0 {
		t.Fatalf("expected no writes, got %d", store.Writes())
	}
}

func TestConcurrentReconcileConverges(t *testing.T) {
	for _, legacy := range []bool{false, true} {
		store := NewMemoryStore()
		cred := Credential{ID: "u1", Email: "Pat@Org.com"}
		store.PutCredential(cred)
		if legacy {
			store.SeedMembership(Membership{ID: "legacy-1", Email: "pat@org.com", Category: CategoryMember, Active: true})
		}
		// Separate reconcilers model separate processes, so coalescing
		// cannot hide a race and only the conditional writes keep order.
		const writers = 16
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			rec := newTestReconciler(t, store)
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := rec.Reconcile(context.Background(), cred)
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("legacy=%v: concurrent reconcile: %v", legacy, err)
			}
		}
		if got := membershipsFor(store, "u1"); len(got) != 1 {
			t.Fatalf("legacy=%v: expected one membership, got %+v", legacy, got)
		}
		if n := len(store.Memberships()); n != 1 {
			t.Fatalf("legacy=%v: expected one membership row overall, got %d", legacy, n)
		}
	}
}

func TestPlanDoesNotWrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cred := Credential{ID: "u1", Email: "pat@org.com"}
	store.PutCredential(cred)
	store.SeedMembership(Membership{ID: "legacy-1", Email: "pat@org.com"})

	res, err := newTestReconciler(t, store).Plan(ctx, cred)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !res.DryRun || !res.Has(OutcomeProfileCreated) || !res.Has(OutcomeMembershipAdopted) {
		t.Fatalf("unexpected plan: %+v", res)
	}
	if store.Writes() != 0 {
		t.Fatalf("plan wrote %d records", store.Writes())
	}
}

func TestForgetRevokesGrantsAndRemovesRecords(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cred := Credential{ID: "u1", Email: "pat@org.com"}
	store.PutCredential(cred)
	rec := newTestReconciler(t, store)
	if _, err := rec.Reconcile(ctx, cred); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if err := store.AppendRoleGrant(ctx, RoleGrant{ID: "g1", IdentityID: "u1", Role: GrantAdmin, GrantedBy: "root"}); err != nil {
		t.Fatalf("append grant: %v", err)
	}

	store.DeleteCredential("u1")
	if err := rec.Forget(ctx, "u1", "auth"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if _, err := store.GetProfile(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("profile still present: %v", err)
	}
	if _, err := store.GetMembershipByIdentity(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("membership still present: %v", err)
	}
	grants, _ := store.ListRoleGrants(ctx, "u1")
	if len(grants) != 1 || !grants[0].Revoked || grants[0].RevokedBy != "auth" {
		t.Fatalf("grant not retained as revoked: %+v", grants)
	}
}

func TestWaitReturnsWhenIdle(t *testing.T) {
	rec := newTestReconciler(t, NewMemoryStore())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rec.Wait(ctx, "nobody"); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestWaitBlocksOnInflight(t *testing.T) {
	var f flights
	done := f.begin("u1")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := f.wait(ctx, "u1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while in flight, got %v", err)
	}
	done()
	if err := f.wait(context.Background(), "u1"); err != nil {
		t.Fatalf("wait after done: %v", err)
	}
}

// signalOnFirst returns a fault hook that closes the channel on the first
// store call and never fails.
func signalOnFirst() (func(op string) error, <-chan struct{}) {
	started := make(chan struct{})
	var once sync.Once
	return func(string) error {
		once.Do(func() { close(started) })
		return nil
	}, started
}

func TestCoalescedReconcileOutlivesFirstCallerDeadline(t *testing.T) {
	store := NewMemoryStore()
	cred := Credential{ID: "u1", Email: "pat@org.com"}
	store.PutCredential(cred)
	store.SetLatency(30 * time.Millisecond)
	rec := newTestReconciler(t, store)

	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	shortErr := make(chan error, 1)
	go func() {
		_, err := rec.Reconcile(short, cred)
		shortErr <- err
	}()
	time.Sleep(2 * time.Millisecond)

	res, err := rec.Reconcile(context.Background(), cred)
	if err != nil {
		t.Fatalf("patient caller: %v (%s)", err, Kind(err))
	}
	if !res.Has(OutcomeMembershipCreated) && !res.Has(OutcomeNoChange) {
		t.Fatalf("unexpected outcomes: %v", res.Outcomes)
	}
	if err := <-shortErr; Kind(err) != KindStoreTimeout {
		t.Fatalf("short caller: expected StoreTimeout, got %v", err)
	}
	if _, err := store.GetProfile(context.Background(), "u1"); err != nil {
		t.Fatalf("profile missing: %v", err)
	}
}

func TestConcurrentReconcileAppliesNewerCredential(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.PutCredential(Credential{ID: "u1", Email: "new@org.com"})
	store.SetLatency(10 * time.Millisecond)
	hook, started := signalOnFirst()
	store.SetFault(hook)
	rec := newTestReconciler(t, store)

	oldErr := make(chan error, 1)
	go func() {
		_, err := rec.Reconcile(ctx, Credential{ID: "u1", Email: "old@org.com"})
		oldErr <- err
	}()
	<-started

	if _, err := rec.Reconcile(ctx, Credential{ID: "u1", Email: "new@org.com"}); err != nil {
		t.Fatalf("newer credential: %v", err)
	}
	if err := <-oldErr; err != nil {
		t.Fatalf("older credential: %v", err)
	}
	p, _ := store.GetProfile(ctx, "u1")
	m, _ := store.GetMembershipByIdentity(ctx, "u1")
	if p.Email != "new@org.com" || m.Email != "new@org.com" {
		t.Fatalf("newer email not applied: profile=%q membership=%q", p.Email, m.Email)
	}
}

func TestLostMembershipRaceLeavesNoProfile(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cred := Credential{ID: "u2", Email: "x@org.com"}
	store.PutCredential(Credential{ID: "u1", Email: "x@org.com"})
	store.PutCredential(cred)
	var once sync.Once
	store.SetFault(func(op string) error {
		if op == "InsertMembership" {
			// Another identity links the row between planning and writing.
			once.Do(func() {
				store.SeedMembership(Membership{ID: "m-u1", IdentityID: "u1", Email: "x@org.com", Category: CategoryMember, Active: true})
			})
		}
		return nil
	})

	_, err := newTestReconciler(t, store).Reconcile(ctx, cred)
	if !errors.Is(err, ErrReconciliationConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := store.GetProfile(ctx, "u2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("profile written despite conflict: %v", err)
	}
	if got := membershipsFor(store, "u2"); len(got) != 0 {
		t.Fatalf("membership written despite conflict: %+v", got)
	}
}

func TestCoalescedReconcileObservedOnce(t *testing.T) {
	var buf bytes.Buffer
	prev := obs.SetLogger(zerolog.New(&buf))
	defer obs.SetLogger(prev)

	ctx := context.Background()
	store := NewMemoryStore()
	cred := Credential{ID: "u1", Email: "pat@org.com"}
	store.PutCredential(cred)
	store.SetLatency(10 * time.Millisecond)
	hook, started := signalOnFirst()
	store.SetFault(hook)
	rec := newTestReconciler(t, store)

	const callers = 5
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	call := func() {
		defer wg.Done()
		_, err := rec.Reconcile(ctx, cred)
		errs <- err
	}
	wg.Add(1)
	go call()
	<-started
	for i := 1; i < callers; i++ {
		wg.Add(1)
		go call()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("reconcile: %v", err)
		}
	}
	if n := strings.Count(buf.String(), `"message":"identity reconciled"`); n != 1 {
		t.Fatalf("expected one reconciled log line, got %d:\n%s", n, buf.String())
	}
}
