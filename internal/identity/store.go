package identity

import (
	"context"
	"time"
)

// CredentialReader exposes credentials issued by the authentication subsystem.
type CredentialReader interface {
	GetCredential(ctx context.Context, id string) (Credential, error)
	// ListCredentials returns up to limit credentials with id > afterID, ordered by id.
	ListCredentials(ctx context.Context, afterID string, limit int) ([]Credential, error)
}

// ProfileStore persists profiles.
type ProfileStore interface {
	GetProfile(ctx context.Context, id string) (Profile, error)
	// InsertProfile inserts p if no profile exists for p.ID, else ErrAlreadyExists.
	InsertProfile(ctx context.Context, p Profile) error
	// UpdateProfileEmail sets the email only if it still equals expected, else ErrStale.
	UpdateProfileEmail(ctx context.Context, id, expected, email string) error
	DeleteProfile(ctx context.Context, id string) error
}

// MembershipStore persists memberships.
type MembershipStore interface {
	GetMembershipByIdentity(ctx context.Context, identityID string) (Membership, error)
	// FindMembershipsByEmail matches the normalized email case-insensitively.
	FindMembershipsByEmail(ctx context.Context, email string) ([]Membership, error)
	// InsertMembership inserts m if absent. ErrAlreadyExists when a membership for
	// m.IdentityID exists, ErrEmailClaimed when another row holds m.Email.
	InsertMembership(ctx context.Context, m Membership) error
	// AdoptMembership links a membership to identityID only if its identity is
	// still expectedIdentityID ("" meaning unlinked), else ErrStale.
	AdoptMembership(ctx context.Context, membershipID, expectedIdentityID, identityID string) error
	// UpdateMembershipEmail sets the email only if it still equals expected.
	UpdateMembershipEmail(ctx context.Context, membershipID, expected, email string) error
	DeleteMembershipByIdentity(ctx context.Context, identityID string) error
}

// GrantStore persists append-only role grants.
type GrantStore interface {
	ListRoleGrants(ctx context.Context, identityID string) ([]RoleGrant, error)
	AppendRoleGrant(ctx context.Context, g RoleGrant) error
	// RevokeRoleGrant flags a grant as revoked; revoking twice is a no-op.
	RevokeRoleGrant(ctx context.Context, identityID, grantID, revokedBy string, at time.Time) error
	RevokeAllRoleGrants(ctx context.Context, identityID, revokedBy string, at time.Time) (int, error)
}

// Store is the persistence adapter the engine is built on.
type Store interface {
	CredentialReader
	ProfileStore
	MembershipStore
	GrantStore
}

// RoleStore is the read/append surface the resolver needs.
type RoleStore interface {
	GetCredential(ctx context.Context, id string) (Credential, error)
	GetMembershipByIdentity(ctx context.Context, identityID string) (Membership, error)
	GrantStore
}

// RoleCache stores short-lived effective roles. Entries are hints only.
type RoleCache interface {
	Get(ctx context.Context, identityID string) (EffectiveRole, bool, error)
	Set(ctx context.Context, role EffectiveRole, ttl time.Duration) error
	Invalidate(ctx context.Context, identityID string) error
}
