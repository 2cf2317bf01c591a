package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"covenant.church/internal/identity"
)

type Store struct {
	db *sql.DB
}

var _ identity.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return mapErr(ctx, s.db.PingContext(ctx))
}

// --- credentials (owned by the authentication subsystem, read only here) ---

func (s *Store) GetCredential(ctx context.Context, id string) (identity.Credential, error) {
	var c identity.Credential
	err := s.db.QueryRowContext(ctx, `
		select id, email, email_verified, coalesce(display_name, ''), created_at
		from credentials where id = $1
	`, id).Scan(&c.ID, &c.Email, &c.EmailVerified, &c.DisplayName, &c.CreatedAt)
	if err != nil {
		return identity.Credential{}, mapErr(ctx, err)
	}
	return c, nil
}

func (s *Store) ListCredentials(ctx context.Context, afterID string, limit int) ([]identity.Credential, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, email, email_verified, coalesce(display_name, ''), created_at
		from credentials
		where id > $1
		order by id asc
		limit $2
	`, afterID, limit)
	if err != nil {
		return nil, mapErr(ctx, err)
	}
	defer rows.Close()

	var res []identity.Credential
	for rows.Next() {
		var c identity.Credential
		if err := rows.Scan(&c.ID, &c.Email, &c.EmailVerified, &c.DisplayName, &c.CreatedAt); err != nil {
			return nil, mapErr(ctx, err)
		}
		res = append(res, c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(ctx, err)
	}
	return res, nil
}

// --- profiles ---

func (s *Store) GetProfile(ctx context.Context, id string) (identity.Profile, error) {
	var p identity.Profile
	err := s.db.QueryRowContext(ctx, `
		select id, email, full_name, coalesce(role, ''), updated_at
		from profiles where id = $1
	`, id).Scan(&p.ID, &p.Email, &p.FullName, &p.Role, &p.UpdatedAt)
	if err != nil {
		return identity.Profile{}, mapErr(ctx, err)
	}
	return p, nil
}

func (s *Store) InsertProfile(ctx context.Context, p identity.Profile) error {
	res, err := s.db.ExecContext(ctx, `
		insert into profiles (id, email, full_name, role, updated_at)
		values ($1, $2, $3, $4, $5)
		on conflict (id) do nothing
	`, p.ID, p.Email, p.FullName, nullIfEmpty(p.Role), p.UpdatedAt)
	if err != nil {
		return mapErr(ctx, err)
	}
	return expectOne(res, identity.ErrAlreadyExists)
}

func (s *Store) UpdateProfileEmail(ctx context.Context, id, expected, email string) error {
	res, err := s.db.ExecContext(ctx, `
		update profiles set email = $3, updated_at = now()
		where id = $1 and email = $2
	`, id, expected, email)
	if err != nil {
		return mapErr(ctx, err)
	}
	if err := expectOne(res, identity.ErrStale); err != nil {
		return s.staleOrMissing(ctx, `select 1 from profiles where id = $1`, id, err)
	}
	return nil
}

func (s *Store) DeleteProfile(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `delete from profiles where id = $1`, id)
	return mapErr(ctx, err)
}

// --- memberships ---

const membershipColumns = `id, coalesce(identity_id, ''), email, display_name, category, active, joined_at`

func scanMembership(sc interface{ Scan(...any) error }) (identity.Membership, error) {
	var (
		m   identity.Membership
		cat string
	)
	if err := sc.Scan(&m.ID, &m.IdentityID, &m.Email, &m.DisplayName, &cat, &m.Active, &m.JoinedAt); err != nil {
		return identity.Membership{}, err
	}
	m.Category = identity.Category(cat)
	return m, nil
}

func (s *Store) GetMembershipByIdentity(ctx context.Context, identityID string) (identity.Membership, error) {
	row := s.db.QueryRowContext(ctx, `select `+membershipColumns+` from memberships where identity_id = $1`, identityID)
	m, err := scanMembership(row)
	if err != nil {
		return identity.Membership{}, mapErr(ctx, err)
	}
	return m, nil
}

func (s *Store) FindMembershipsByEmail(ctx context.Context, email string) ([]identity.Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+membershipColumns+`
		from memberships
		where lower(btrim(email)) = lower(btrim($1))
		order by id asc
	`, email)
	if err != nil {
		return nil, mapErr(ctx, err)
	}
	defer rows.Close()

	var res []identity.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, mapErr(ctx, err)
		}
		res = append(res, m)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(ctx, err)
	}
	return res, nil
}

func (s *Store) InsertMembership(ctx context.Context, m identity.Membership) error {
	res, err := s.db.ExecContext(ctx, `
		insert into memberships (id, identity_id, email, display_name, category, active, joined_at)
		values ($1, $2, $3, $4, $5, $6, $7)
		on conflict (identity_id) do nothing
	`, m.ID, nullIfEmpty(m.IdentityID), m.Email, m.DisplayName, string(m.Category), m.Active, m.JoinedAt)
	if err != nil {
		return mapErr(ctx, err)
	}
	return expectOne(res, identity.ErrAlreadyExists)
}

func (s *Store) AdoptMembership(ctx context.Context, membershipID, expectedIdentityID, identityID string) error {
	res, err := s.db.ExecContext(ctx, `
		update memberships set identity_id = $3
		where id = $1 and coalesce(identity_id, '') = $2
	`, membershipID, expectedIdentityID, identityID)
	if err != nil {
		return mapErr(ctx, err)
	}
	if err := expectOne(res, identity.ErrStale); err != nil {
		return s.staleOrMissing(ctx, `select 1 from memberships where id = $1`, membershipID, err)
	}
	return nil
}

func (s *Store) UpdateMembershipEmail(ctx context.Context, membershipID, expected, email string) error {
	res, err := s.db.ExecContext(ctx, `
		update memberships set email = $3
		where id = $1 and email = $2
	`, membershipID, expected, email)
	if err != nil {
		return mapErr(ctx, err)
	}
	if err := expectOne(res, identity.ErrStale); err != nil {
		return s.staleOrMissing(ctx, `select 1 from memberships where id = $1`, membershipID, err)
	}
	return nil
}

func (s *Store) DeleteMembershipByIdentity(ctx context.Context, identityID string) error {
	_, err := s.db.ExecContext(ctx, `delete from memberships where identity_id = $1`, identityID)
	return mapErr(ctx, err)
}

// --- role grants (append only) ---

func (s *Store) ListRoleGrants(ctx context.Context, identityID string) ([]identity.RoleGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, identity_id, role, granted_at, granted_by, expires_at, revoked, revoked_at, coalesce(revoked_by, '')
		from role_grants
		where identity_id = $1
		order by granted_at asc, id asc
	`, identityID)
	if err != nil {
		return nil, mapErr(ctx, err)
	}
	defer rows.Close()

	var res []identity.RoleGrant
	for rows.Next() {
		var (
			g         identity.RoleGrant
			role      string
			expiresAt sql.NullTime
			revokedAt sql.NullTime
		)
		if err := rows.Scan(&g.ID, &g.IdentityID, &role, &g.GrantedAt, &g.GrantedBy, &expiresAt, &g.Revoked, &revokedAt, &g.RevokedBy); err != nil {
			return nil, mapErr(ctx, err)
		}
		g.Role = identity.GrantRole(role)
		if expiresAt.Valid {
			t := expiresAt.Time
			g.ExpiresAt = &t
		}
		if revokedAt.Valid {
			t := revokedAt.Time
			g.RevokedAt = &t
		}
		res = append(res, g)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(ctx, err)
	}
	return res, nil
}

func (s *Store) AppendRoleGrant(ctx context.Context, g identity.RoleGrant) error {
	var expires sql.NullTime
	if g.ExpiresAt != nil {
		expires = sql.NullTime{Time: *g.ExpiresAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		insert into role_grants (id, identity_id, role, granted_at, granted_by, expires_at)
		values ($1, $2, $3, $4, $5, $6)
	`, g.ID, g.IdentityID, string(g.Role), g.GrantedAt, g.GrantedBy, expires)
	return mapErr(ctx, err)
}

func (s *Store) RevokeRoleGrant(ctx context.Context, identityID, grantID, revokedBy string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update role_grants set revoked = true, revoked_at = $4, revoked_by = $3
		where identity_id = $1 and id = $2 and not revoked
	`, identityID, grantID, revokedBy, at)
	if err != nil {
		return mapErr(ctx, err)
	}
	if aff, err := res.RowsAffected(); err != nil {
		return mapErr(ctx, err)
	} else if aff == 1 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `select 1 from role_grants where identity_id = $1 and id = $2`, identityID, grantID).Scan(&one)
	return mapErr(ctx, err)
}

func (s *Store) RevokeAllRoleGrants(ctx context.Context, identityID, revokedBy string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update role_grants set revoked = true, revoked_at = $3, revoked_by = $2
		where identity_id = $1 and not revoked
	`, identityID, revokedBy, at)
	if err != nil {
		return 0, mapErr(ctx, err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, mapErr(ctx, err)
	}
	return int(aff), nil
}

// --- helpers ---

func expectOne(res sql.Result, none error) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return none
	}
	return nil
}

// staleOrMissing distinguishes a failed compare-and-set from a missing row.
func (s *Store) staleOrMissing(ctx context.Context, query, id string, stale error) error {
	if !errors.Is(stale, identity.ErrStale) {
		return mapErr(ctx, stale)
	}
	var one int
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&one); err != nil {
		return mapErr(ctx, err)
	}
	return fmt.Errorf("%w: %s", identity.ErrStale, id)
}
