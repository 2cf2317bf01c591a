package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"covenant.church/internal/audit"
	"covenant.church/internal/ids"
	"covenant.church/internal/obs"
)

// casAttempts bounds re-read/retry loops after a lost compare-and-set.
const casAttempts = 3

// Reconciler keeps Profile and Membership in agreement with a Credential.
// It is the only writer of Profile.Email and Membership.IdentityID.
type Reconciler struct {
	store Store
	now   func() time.Time
	newID func() string

	group   singleflight.Group
	runs    sharedRuns
	flights flights
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcileClock overrides the time source.
func WithReconcileClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIDGenerator overrides how new membership ids are minted.
func WithIDGenerator(fn func() string) ReconcilerOption {
	return func(r *Reconciler) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// NewReconciler constructs a Reconciler over store.
func NewReconciler(store Store, opts ...ReconcilerOption) (*Reconciler, error) {
	if store == nil {
		return nil, errors.New("identity store is required")
	}
	r := &Reconciler{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		newID: ids.New,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// plan is the read-only decision taken before any write.
type plan struct {
	cred  Credential
	email string
	name  string

	profile        Profile
	createProfile  bool
	correctProfile bool

	membership        Membership
	haveMembership    bool
	createMembership  bool
	adopt             bool
	correctMembership bool
}

func (p plan) outcomes() []Outcome {
	var out []Outcome
	if p.createProfile {
		out = append(out, OutcomeProfileCreated)
	}
	if p.correctProfile {
		out = append(out, OutcomeProfileCorrected)
	}
	if p.createMembership {
		out = append(out, OutcomeMembershipCreated)
	}
	if p.adopt {
		out = append(out, OutcomeMembershipAdopted)
	}
	if p.correctMembership {
		out = append(out, OutcomeMembershipCorrected)
	}
	if len(out) == 0 {
		out = append(out, OutcomeNoChange)
	}
	return out
}

// Reconcile ensures the credential has exactly one linked Profile and
// Membership that agree with it. Conflicts are detected before any write.
// Concurrent calls for the same identity within the process share one
// execution; across processes convergence relies on conditional writes.
//
// The shared execution runs on a context detached from any single caller and
// is cancelled once no caller is waiting for it. A caller whose credential
// differs from the one being applied waits for that run and then applies its
// own.
func (r *Reconciler) Reconcile(ctx context.Context, cred Credential) (ReconcileResult, error) {
	cred.ID = strings.TrimSpace(cred.ID)
	if cred.ID == "" {
		return ReconcileResult{}, fmt.Errorf("%w: credential id is required", ErrInvalidInput)
	}
	runCtx, leave := r.runs.join(ctx, cred.ID, r.group.Forget)
	defer leave()

	want := fingerprint(cred)
	for attempt := 0; attempt < casAttempts; attempt++ {
		ch := r.group.DoChan(cred.ID, func() (any, error) {
			res, err := r.run(runCtx, cred)
			return sharedResult{fingerprint: want, res: res}, err
		})
		select {
		case <-ctx.Done():
			return ReconcileResult{}, storeErr(ctx, ctx.Err())
		case out := <-ch:
			shared, _ := out.Val.(sharedResult)
			if shared.fingerprint == want {
				return shared.res, out.Err
			}
		}
	}
	return r.run(runCtx, cred)
}

type sharedResult struct {
	fingerprint string
	res         ReconcileResult
}

// fingerprint identifies the credential fields reconciliation applies.
func fingerprint(cred Credential) string {
	return strings.ToLower(strings.TrimSpace(cred.Email)) + "\x00" + strings.TrimSpace(cred.DisplayName)
}

func (r *Reconciler) run(ctx context.Context, cred Credential) (ReconcileResult, error) {
	done := r.flights.begin(cred.ID)
	defer done()
	res, err := r.reconcile(ctx, cred)
	r.observe(ctx, res, err)
	return res, err
}

// Plan reports what Reconcile would do without writing anything.
func (r *Reconciler) Plan(ctx context.Context, cred Credential) (ReconcileResult, error) {
	cred.ID = strings.TrimSpace(cred.ID)
	if cred.ID == "" {
		return ReconcileResult{}, fmt.Errorf("%w: credential id is required", ErrInvalidInput)
	}
	p, err := r.plan(ctx, cred)
	if err != nil {
		return ReconcileResult{IdentityID: cred.ID, DryRun: true}, err
	}
	res := ReconcileResult{IdentityID: cred.ID, Outcomes: p.outcomes(), DryRun: true}
	if p.haveMembership {
		res.MembershipID = p.membership.ID
	}
	return res, nil
}

// Wait blocks until no reconciliation of identityID is in flight.
func (r *Reconciler) Wait(ctx context.Context, identityID string) error {
	return r.flights.wait(ctx, identityID)
}

// Forget handles deletion of a credential: the Profile and Membership are
// removed and every RoleGrant is revoked, never deleted.
func (r *Reconciler) Forget(ctx context.Context, identityID, actor string) error {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return fmt.Errorf("%w: identity id is required", ErrInvalidInput)
	}
	if actor == "" {
		actor = "identity.deleted"
	}
	if err := r.store.DeleteProfile(ctx, identityID); err != nil {
		return storeErr(ctx, err)
	}
	if err := r.store.DeleteMembershipByIdentity(ctx, identityID); err != nil {
		return storeErr(ctx, err)
	}
	revoked, err := r.store.RevokeAllRoleGrants(ctx, identityID, actor, r.now())
	if err != nil {
		return storeErr(ctx, err)
	}
	_ = audit.LogEvent(ctx, "identity.forgotten", map[string]any{
		"identity_id":    identityID,
		"grants_revoked": revoked,
	})
	return nil
}

// reconcile settles the Membership before touching the Profile. Profiles carry
// no uniqueness constraint, so every conflict surfaces before a profile write.
func (r *Reconciler) reconcile(ctx context.Context, cred Credential) (ReconcileResult, error) {
	res := ReconcileResult{IdentityID: cred.ID}
	p, err := r.plan(ctx, cred)
	if err != nil {
		return res, err
	}
	if err := r.applyMembership(ctx, p, &res); err != nil {
		return res, err
	}
	profile := ReconcileResult{IdentityID: cred.ID}
	err = r.applyProfile(ctx, p, &profile)
	res.Outcomes = append(profile.Outcomes, res.Outcomes...)
	res.Corrections = append(profile.Corrections, res.Corrections...)
	if err != nil {
		return res, err
	}
	if len(res.Outcomes) == 0 {
		res.Outcomes = []Outcome{OutcomeNoChange}
	}
	return res, nil
}

func (r *Reconciler) plan(ctx context.Context, cred Credential) (plan, error) {
	email, name, err := Normalize(cred.Email, cred.DisplayName)
	if err != nil {
		return plan{}, err
	}
	p := plan{cred: cred, email: email, name: name}

	profile, err := r.store.GetProfile(ctx, cred.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		p.createProfile = true
	case err != nil:
		return plan{}, storeErr(ctx, err)
	default:
		p.profile = profile
		p.correctProfile = profile.Email != email
	}

	m, err := r.store.GetMembershipByIdentity(ctx, cred.ID)
	switch {
	case err == nil:
		p.membership, p.haveMembership = m, true
		if m.Email != email {
			if err := r.checkEmailFree(ctx, cred.ID, email, m.ID); err != nil {
				return plan{}, err
			}
			p.correctMembership = true
		}
		return p, nil
	case !errors.Is(err, ErrNotFound):
		return plan{}, storeErr(ctx, err)
	}

	candidate, found, err := r.adoptionCandidate(ctx, cred.ID, email)
	if err != nil {
		return plan{}, err
	}
	if !found {
		p.createMembership = true
		return p, nil
	}
	p.membership, p.haveMembership = candidate, true
	p.adopt = candidate.IdentityID != cred.ID
	p.correctMembership = candidate.Email != email
	return p, nil
}

// adoptionCandidate finds the single legacy membership for email that may be
// linked to identityID. A row is adoptable when it is unlinked or linked to a
// credential that no longer exists.
func (r *Reconciler) adoptionCandidate(ctx context.Context, identityID, email string) (Membership, bool, error) {
	rows, err := r.store.FindMembershipsByEmail(ctx, email)
	if err != nil {
		return Membership{}, false, storeErr(ctx, err)
	}
	var adoptable []Membership
	var claimedBy, claimedIDs []string
	for _, m := range rows {
		switch {
		case m.IdentityID == "":
			adoptable = append(adoptable, m)
		case m.IdentityID == identityID:
			// Linked between our two reads; the caller will converge on it.
			return m, true, nil
		default:
			_, err := r.store.GetCredential(ctx, m.IdentityID)
			switch {
			case errors.Is(err, ErrNotFound):
				adoptable = append(adoptable, m)
			case err != nil:
				return Membership{}, false, storeErr(ctx, err)
			default:
				claimedBy = append(claimedBy, m.IdentityID)
				claimedIDs = append(claimedIDs, m.ID)
			}
		}
	}
	if len(claimedBy) > 0 {
		return Membership{}, false, &ConflictError{
			IdentityID:    identityID,
			Email:         email,
			MembershipIDs: claimedIDs,
			ClaimedBy:     claimedBy,
			Reason:        "membership email is held by another identity",
		}
	}
	if len(adoptable) > 1 {
		conflict := &ConflictError{IdentityID: identityID, Email: email, Reason: "multiple legacy memberships match the email"}
		for _, m := range adoptable {
			conflict.MembershipIDs = append(conflict.MembershipIDs, m.ID)
		}
		return Membership{}, false, conflict
	}
	if len(adoptable) == 1 {
		return adoptable[0], true, nil
	}
	return Membership{}, false, nil
}

func (r *Reconciler) checkEmailFree(ctx context.Context, identityID, email, ownID string) error {
	rows, err := r.store.FindMembershipsByEmail(ctx, email)
	if err != nil {
		return storeErr(ctx, err)
	}
	conflict := &ConflictError{IdentityID: identityID, Email: email, Reason: "membership email is held by another row"}
	for _, m := range rows {
		if m.ID == ownID {
			continue
		}
		conflict.MembershipIDs = append(conflict.MembershipIDs, m.ID)
		if m.IdentityID != "" {
			conflict.ClaimedBy = append(conflict.ClaimedBy, m.IdentityID)
		}
	}
	if len(conflict.MembershipIDs) > 0 {
		return conflict
	}
	return nil
}

func (r *Reconciler) applyProfile(ctx context.Context, p plan, res *ReconcileResult) error {
	if p.createProfile {
		err := r.store.InsertProfile(ctx, Profile{
			ID:        p.cred.ID,
			Email:     p.email,
			FullName:  p.name,
			UpdatedAt: r.now(),
		})
		switch {
		case err == nil:
			res.Outcomes = append(res.Outcomes, OutcomeProfileCreated)
			return nil
		case !errors.Is(err, ErrAlreadyExists):
			return storeErr(ctx, err)
		}
		// Lost the insert race; fall through to a correction pass.
	} else if !p.correctProfile {
		return nil
	}

	expected := p.profile.Email
	for attempt := 0; attempt < casAttempts; attempt++ {
		if attempt > 0 || p.createProfile {
			current, err := r.store.GetProfile(ctx, p.cred.ID)
			if err != nil {
				return storeErr(ctx, err)
			}
			if current.Email == p.email {
				return nil
			}
			expected = current.Email
		}
		err := r.store.UpdateProfileEmail(ctx, p.cred.ID, expected, p.email)
		switch {
		case err == nil:
			res.Outcomes = append(res.Outcomes, OutcomeProfileCorrected)
			r.recordCorrection(ctx, res, Correction{Record: "profile", Field: "email", From: expected, To: p.email})
			return nil
		case errors.Is(err, ErrStale):
			continue
		default:
			return storeErr(ctx, err)
		}
	}
	return fmt.Errorf("%w: profile %s kept changing during correction", ErrStoreUnavailable, p.cred.ID)
}

func (r *Reconciler) applyMembership(ctx context.Context, p plan, res *ReconcileResult) error {
	switch {
	case p.createMembership:
		return r.createMembership(ctx, p, res)
	case p.adopt:
		return r.adoptMembership(ctx, p, res)
	case p.correctMembership:
		res.MembershipID = p.membership.ID
		return r.correctMembershipEmail(ctx, p.cred.ID, p.membership, p.email, res)
	default:
		res.MembershipID = p.membership.ID
		return nil
	}
}

func (r *Reconciler) createMembership(ctx context.Context, p plan, res *ReconcileResult) error {
	m := Membership{
		ID:          r.newID(),
		IdentityID:  p.cred.ID,
		Email:       p.email,
		DisplayName: p.name,
		Category:    CategoryMember,
		Active:      true,
		JoinedAt:    r.now(),
	}
	err := r.store.InsertMembership(ctx, m)
	switch {
	case err == nil:
		res.MembershipID = m.ID
		res.Outcomes = append(res.Outcomes, OutcomeMembershipCreated)
		return nil
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrEmailClaimed):
		return r.converge(ctx, p, res, err)
	default:
		return storeErr(ctx, err)
	}
}

func (r *Reconciler) adoptMembership(ctx context.Context, p plan, res *ReconcileResult) error {
	err := r.store.AdoptMembership(ctx, p.membership.ID, p.membership.IdentityID, p.cred.ID)
	switch {
	case err == nil:
		res.MembershipID = p.membership.ID
		res.Outcomes = append(res.Outcomes, OutcomeMembershipAdopted)
		_ = audit.LogEvent(ctx, "identity.membership.adopted", map[string]any{
			"identity_id":       p.cred.ID,
			"membership_id":     p.membership.ID,
			"previous_identity": p.membership.IdentityID,
		})
	case errors.Is(err, ErrStale), errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrNotFound):
		return r.converge(ctx, p, res, err)
	default:
		return storeErr(ctx, err)
	}
	if p.correctMembership {
		adopted := p.membership
		adopted.IdentityID = p.cred.ID
		return r.correctMembershipEmail(ctx, p.cred.ID, adopted, p.email, res)
	}
	return nil
}

// converge re-reads after a lost conditional write. If another writer linked
// a membership to this identity the result is accepted; otherwise the row was
// taken by someone else and the conflict is surfaced.
func (r *Reconciler) converge(ctx context.Context, p plan, res *ReconcileResult, cause error) error {
	m, err := r.store.GetMembershipByIdentity(ctx, p.cred.ID)
	switch {
	case err == nil:
		res.MembershipID = m.ID
		if m.Email != p.email {
			return r.correctMembershipEmail(ctx, p.cred.ID, m, p.email, res)
		}
		return nil
	case !errors.Is(err, ErrNotFound):
		return storeErr(ctx, err)
	}
	conflict := &ConflictError{
		IdentityID: p.cred.ID,
		Email:      p.email,
		Reason:     fmt.Sprintf("membership changed concurrently: %v", cause),
	}
	if p.haveMembership {
		conflict.MembershipIDs = []string{p.membership.ID}
	}
	return conflict
}

func (r *Reconciler) correctMembershipEmail(ctx context.Context, identityID string, m Membership, email string, res *ReconcileResult) error {
	expected := m.Email
	for attempt := 0; attempt < casAttempts; attempt++ {
		if attempt > 0 {
			current, err := r.store.GetMembershipByIdentity(ctx, identityID)
			if err != nil {
				return storeErr(ctx, err)
			}
			if current.Email == email {
				return nil
			}
			m, expected = current, current.Email
		}
		err := r.store.UpdateMembershipEmail(ctx, m.ID, expected, email)
		switch {
		case err == nil:
			res.Outcomes = append(res.Outcomes, OutcomeMembershipCorrected)
			r.recordCorrection(ctx, res, Correction{Record: "membership", Field: "email", From: expected, To: email})
			return nil
		case errors.Is(err, ErrStale):
			continue
		case errors.Is(err, ErrEmailClaimed):
			return &ConflictError{
				IdentityID:    identityID,
				Email:         email,
				MembershipIDs: []string{m.ID},
				Reason:        "membership email is held by another row",
			}
		default:
			return storeErr(ctx, err)
		}
	}
	return fmt.Errorf("%w: membership %s kept changing during correction", ErrStoreUnavailable, m.ID)
}

func (r *Reconciler) recordCorrection(ctx context.Context, res *ReconcileResult, c Correction) {
	res.Corrections = append(res.Corrections, c)
	_ = audit.LogEvent(ctx, "identity."+c.Record+".corrected", map[string]any{
		"identity_id": res.IdentityID,
		"field":       c.Field,
		"from":        c.From,
		"to":          c.To,
	})
}

func (r *Reconciler) observe(ctx context.Context, res ReconcileResult, err error) {
	if err != nil {
		kind := Kind(err)
		obs.ObserveReconcile(nil, kind)
		ev := obs.Logger().Warn()
		if kind == KindReconciliationConflict {
			ev = obs.Logger().Error()
		}
		ev.Str("identity_id", res.IdentityID).Str("kind", kind).Err(err).
			Str("request_id", audit.RequestIDFromContext(ctx)).Msg("reconcile failed")
		return
	}
	outcomes := make([]string, len(res.Outcomes))
	for i, o := range res.Outcomes {
		outcomes[i] = string(o)
	}
	obs.ObserveReconcile(outcomes, "")
	if res.Changed() {
		obs.Logger().Info().Str("identity_id", res.IdentityID).Strs("outcomes", outcomes).Msg("identity reconciled")
	}
}

// sharedRuns keeps the context of a coalesced reconciliation alive while at
// least one caller waits on it.
type sharedRuns struct {
	mu sync.Mutex
	m  map[string]*sharedRun
}

type sharedRun struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// join registers a waiter for key and returns the shared run context. The
// returned func must be called once the waiter is done; the last one out
// cancels the run and calls forget so later callers start a fresh execution.
func (s *sharedRuns) join(ctx context.Context, key string, forget func(string)) (context.Context, func()) {
	s.mu.Lock()
	if s.m == nil {
		s.m = make(map[string]*sharedRun)
	}
	run, ok := s.m[key]
	if !ok {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		run = &sharedRun{ctx: runCtx, cancel: cancel}
		s.m[key] = run
	}
	run.waiters++
	s.mu.Unlock()

	var once sync.Once
	return run.ctx, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			run.waiters--
			if run.waiters == 0 {
				run.cancel()
				delete(s.m, key)
				forget(key)
			}
		})
	}
}

// flights tracks reconciliations in progress per identity.
type flights struct {
	mu sync.Mutex
	m  map[string]*flight
}

type flight struct {
	done chan struct{}
	refs int
}

func (f *flights) begin(id string) func() {
	f.mu.Lock()
	if f.m == nil {
		f.m = make(map[string]*flight)
	}
	fl, ok := f.m[id]
	if !ok {
		fl = &flight{done: make(chan struct{})}
		f.m[id] = fl
	}
	fl.refs++
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			fl.refs--
			if fl.refs == 0 {
				close(fl.done)
				delete(f.m, id)
			}
		})
	}
}

func (f *flights) wait(ctx context.Context, id string) error {
	f.mu.Lock()
	fl, ok := f.m[id]
	f.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-fl.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
