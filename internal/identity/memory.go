package identity

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store in process. It enforces the same uniqueness
// rules as the relational schema: one membership per identity and one per
// email, one profile per identity.
type MemoryStore struct {
	mu          sync.RWMutex
	creds       map[string]Credential
	profiles    map[string]Profile
	memberships map[string]Membership // membership id -> row
	grants      map[string][]RoleGrant
	writes      int

	fault   func(op string) error
	latency time.Duration
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		creds:       make(map[string]Credential),
		profiles:    make(map[string]Profile),
		memberships: make(map[string]Membership),
		grants:      make(map[string][]RoleGrant),
	}
}

// SetFault installs a hook consulted before every operation; a non-nil
// return is reported as the operation's error.
func (s *MemoryStore) SetFault(fn func(op string) error) {
	s.mu.Lock()
	s.fault = fn
	s.mu.Unlock()
}

// SetLatency delays every operation by d, honoring context deadlines.
func (s *MemoryStore) SetLatency(d time.Duration) {
	s.mu.Lock()
	s.latency = d
	s.mu.Unlock()
}

// Writes returns the number of successful mutations since creation.
func (s *MemoryStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// PutCredential records a credential as the authentication subsystem would.
func (s *MemoryStore) PutCredential(c Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.creds[c.ID] = c
}

// DeleteCredential removes a credential as the authentication subsystem would.
func (s *MemoryStore) DeleteCredential(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, id)
}

// SeedMembership inserts a membership row unchecked, for legacy data fixtures.
func (s *MemoryStore) SeedMembership(m Membership) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberships[m.ID] = m
}

// Memberships returns a snapshot of every membership row ordered by id.
func (s *MemoryStore) Memberships() []Membership {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Membership, 0, len(s.memberships))
	for _, m := range s.memberships {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) enter(ctx context.Context, op string) error {
	s.mu.RLock()
	fault, latency := s.fault, s.latency
	s.mu.RUnlock()
	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return storeErr(ctx, ctx.Err())
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return storeErr(ctx, err)
	}
	if fault != nil {
		if err := fault(op); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) GetCredential(ctx context.Context, id string) (Credential, error) {
	if err := s.enter(ctx, "GetCredential"); err != nil {
		return Credential{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[id]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) ListCredentials(ctx context.Context, afterID string, limit int) ([]Credential, error) {
	if err := s.enter(ctx, "ListCredentials"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	ids := make([]string, 0, len(s.creds))
	for id := range s.creds {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]Credential, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.creds[id])
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *MemoryStore) GetProfile(ctx context.Context, id string) (Profile, error) {
	if err := s.enter(ctx, "GetProfile"); err != nil {
		return Profile{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) InsertProfile(ctx context.Context, p Profile) error {
	if err := s.enter(ctx, "InsertProfile"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[p.ID]; ok {
		return ErrAlreadyExists
	}
	s.profiles[p.ID] = p
	s.writes++
	return nil
}

func (s *MemoryStore) UpdateProfileEmail(ctx context.Context, id, expected, email string) error {
	if err := s.enter(ctx, "UpdateProfileEmail"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return ErrNotFound
	}
	if p.Email != expected {
		return ErrStale
	}
	p.Email = email
	p.UpdatedAt = time.Now().UTC()
	s.profiles[id] = p
	s.writes++
	return nil
}

func (s *MemoryStore) DeleteProfile(ctx context.Context, id string) error {
	if err := s.enter(ctx, "DeleteProfile"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[id]; ok {
		delete(s.profiles, id)
		s.writes++
	}
	return nil
}

func (s *MemoryStore) GetMembershipByIdentity(ctx context.Context, identityID string) (Membership, error) {
	if err := s.enter(ctx, "GetMembershipByIdentity"); err != nil {
		return Membership{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.byIdentityLocked(identityID); ok {
		return m, nil
	}
	return Membership{}, ErrNotFound
}

func (s *MemoryStore) FindMembershipsByEmail(ctx context.Context, email string) ([]Membership, error) {
	if err := s.enter(ctx, "FindMembershipsByEmail"); err != nil {
		return nil, err
	}
	email = strings.ToLower(strings.TrimSpace(email))
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Membership
	for _, m := range s.memberships {
		if strings.ToLower(strings.TrimSpace(m.Email)) == email {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) InsertMembership(ctx context.Context, m Membership) error {
	if err := s.enter(ctx, "InsertMembership"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memberships[m.ID]; ok {
		return ErrAlreadyExists
	}
	if m.IdentityID != "" {
		if _, ok := s.byIdentityLocked(m.IdentityID); ok {
			return ErrAlreadyExists
		}
	}
	if s.emailTakenLocked(m.Email, "") {
		return ErrEmailClaimed
	}
	s.memberships[m.ID] = m
	s.writes++
	return nil
}

func (s *MemoryStore) AdoptMembership(ctx context.Context, membershipID, expectedIdentityID, identityID string) error {
	if err := s.enter(ctx, "AdoptMembership"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[membershipID]
	if !ok {
		return ErrNotFound
	}
	if m.IdentityID != expectedIdentityID {
		return ErrStale
	}
	if other, ok := s.byIdentityLocked(identityID); ok && other.ID != membershipID {
		return ErrAlreadyExists
	}
	m.IdentityID = identityID
	s.memberships[membershipID] = m
	s.writes++
	return nil
}

func (s *MemoryStore) UpdateMembershipEmail(ctx context.Context, membershipID, expected, email string) error {
	if err := s.enter(ctx, "UpdateMembershipEmail"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[membershipID]
	if !ok {
		return ErrNotFound
	}
	if m.Email != expected {
		return ErrStale
	}
	if s.emailTakenLocked(email, membershipID) {
		return ErrEmailClaimed
	}
	m.Email = email
	s.memberships[membershipID] = m
	s.writes++
	return nil
}

func (s *MemoryStore) DeleteMembershipByIdentity(ctx context.Context, identityID string) error {
	if err := s.enter(ctx, "DeleteMembershipByIdentity"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.byIdentityLocked(identityID); ok {
		delete(s.memberships, m.ID)
		s.writes++
	}
	return nil
}

func (s *MemoryStore) ListRoleGrants(ctx context.Context, identityID string) ([]RoleGrant, error) {
	if err := s.enter(ctx, "ListRoleGrants"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.grants[identityID]
	out := make([]RoleGrant, len(src))
	copy(out, src)
	return out, nil
}

func (s *MemoryStore) AppendRoleGrant(ctx context.Context, g RoleGrant) error {
	if err := s.enter(ctx, "AppendRoleGrant"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.grants[g.IdentityID] {
		if existing.ID == g.ID {
			return ErrAlreadyExists
		}
	}
	s.grants[g.IdentityID] = append(s.grants[g.IdentityID], g)
	s.writes++
	return nil
}

func (s *MemoryStore) RevokeRoleGrant(ctx context.Context, identityID, grantID, revokedBy string, at time.Time) error {
	if err := s.enter(ctx, "RevokeRoleGrant"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.grants[identityID]
	for i := range list {
		if list[i].ID != grantID {
			continue
		}
		if list[i].Revoked {
			return nil
		}
		revokedAt := at
		list[i].Revoked = true
		list[i].RevokedAt = &revokedAt
		list[i].RevokedBy = revokedBy
		s.writes++
		return nil
	}
	return ErrNotFound
}

func (s *MemoryStore) RevokeAllRoleGrants(ctx context.Context, identityID, revokedBy string, at time.Time) (int, error) {
	if err := s.enter(ctx, "RevokeAllRoleGrants"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	list := s.grants[identityID]
	for i := range list {
		if list[i].Revoked {
			continue
		}
		revokedAt := at
		list[i].Revoked = true
		list[i].RevokedAt = &revokedAt
		list[i].RevokedBy = revokedBy
		n++
	}
	if n > 0 {
		s.writes++
	}
	return n, nil
}

func (s *MemoryStore) byIdentityLocked(identityID string) (Membership, bool) {
	if identityID == "" {
		return Membership{}, false
	}
	for _, m := range s.memberships {
		if m.IdentityID == identityID {
			return m, true
		}
	}
	return Membership{}, false
}

func (s *MemoryStore) emailTakenLocked(email, exceptID string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	for id, m := range s.memberships {
		if id == exceptID {
			continue
		}
		if strings.ToLower(strings.TrimSpace(m.Email)) == email {
			return true
		}
	}
	return false
}
