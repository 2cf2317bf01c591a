package identity

import "time"

// Credential is the identity anchor issued by the authentication subsystem.
// The engine only observes credentials; it never creates them.
type Credential struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	EmailVerified bool      `json:"email_verified"`
	CreatedAt     time.Time `json:"created_at"`
	// DisplayName is the optional name captured at signup.
	DisplayName string `json:"display_name,omitempty"`
}

// Profile holds descriptive data about a person, keyed by the credential id.
type Profile struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	Role      string    `json:"role,omitempty"` // free-form hint, not used for authorization
	UpdatedAt time.Time `json:"updated_at"`
}

// Category is the organizational category of a membership.
type Category string

const (
	CategoryMember        Category = "Member"
	CategoryLeader        Category = "Leader"
	CategoryAdministrator Category = "Administrator"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryMember, CategoryLeader, CategoryAdministrator:
		return true
	}
	return false
}

// Membership links a credential to organizational data. IdentityID is empty
// for legacy rows that were keyed by email only.
type Membership struct {
	ID          string    `json:"id"`
	IdentityID  string    `json:"identity_id,omitempty"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	Category    Category  `json:"category"`
	Active      bool      `json:"active"`
	JoinedAt    time.Time `json:"joined_at"`
}

// GrantRole is the role carried by an explicit grant.
type GrantRole string

const (
	GrantAdmin      GrantRole = "Admin"
	GrantSuperAdmin GrantRole = "SuperAdmin"
)

// Valid reports whether r is a known grant role.
func (r GrantRole) Valid() bool {
	return r == GrantAdmin || r == GrantSuperAdmin
}

// RoleGrant is an append-only authorization assignment.
type RoleGrant struct {
	ID         string     `json:"id"`
	IdentityID string     `json:"identity_id"`
	Role       GrantRole  `json:"role"`
	GrantedAt  time.Time  `json:"granted_at"`
	GrantedBy  string     `json:"granted_by"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Revoked    bool       `json:"revoked"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	RevokedBy  string     `json:"revoked_by,omitempty"`
}

// ActiveAt reports whether the grant is in force at t.
func (g RoleGrant) ActiveAt(t time.Time) bool {
	if g.Revoked {
		return false
	}
	if g.ExpiresAt != nil && !t.Before(*g.ExpiresAt) {
		return false
	}
	return true
}

// Role is an effective authorization level. RoleNone is the level of an
// identity with no credential; it satisfies no role requirement.
type Role string

const (
	RoleNone       Role = "none"
	RoleMember     Role = "member"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super-admin"
)

// Rank orders roles for "at least" comparisons.
func (r Role) Rank() int {
	switch r {
	case RoleMember:
		return 1
	case RoleAdmin:
		return 2
	case RoleSuperAdmin:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether r grants everything min grants.
func (r Role) AtLeast(min Role) bool { return r.Rank() >= min.Rank() }

// Source names the signal that decided an effective role.
type Source string

const (
	SourceGrant              Source = "grant"
	SourceAllowlist          Source = "allowlist"
	SourceMembershipCategory Source = "membership-category"
	SourceDefault            Source = "default"
)

// Trust qualifies how much weight an effective role carries.
type Trust string

const (
	TrustAuthoritative Trust = "authoritative"
	TrustConfigured    Trust = "configured"
	TrustAdvisory      Trust = "advisory"
	TrustDefault       Trust = "default"
)

func trustFor(src Source) Trust {
	switch src {
	case SourceGrant:
		return TrustAuthoritative
	case SourceAllowlist:
		return TrustConfigured
	case SourceMembershipCategory:
		return TrustAdvisory
	default:
		return TrustDefault
	}
}

// EffectiveRole is the resolver's decision for an identity. It is derived and
// never stored as the decision itself; Hint marks values read from a cache.
type EffectiveRole struct {
	IdentityID string    `json:"identity_id"`
	Role       Role      `json:"role"`
	Source     Source    `json:"source"`
	Trust      Trust     `json:"trust"`
	ComputedAt time.Time `json:"computed_at"`
	Hint       bool      `json:"hint,omitempty"`
}

// Outcome is a single observable effect of a reconciliation.
type Outcome string

const (
	OutcomeProfileCreated      Outcome = "ProfileCreated"
	OutcomeProfileCorrected    Outcome = "ProfileCorrected"
	OutcomeMembershipCreated   Outcome = "MembershipCreated"
	OutcomeMembershipAdopted   Outcome = "MembershipAdopted"
	OutcomeMembershipCorrected Outcome = "MembershipCorrected"
	OutcomeNoChange            Outcome = "NoChange"
)

// Correction records a field overwritten because the credential is authoritative.
type Correction struct {
	Record string `json:"record"`
	Field  string `json:"field"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// ReconcileResult enumerates what a reconciliation did.
type ReconcileResult struct {
	IdentityID   string       `json:"identity_id"`
	Outcomes     []Outcome    `json:"outcomes"`
	Corrections  []Correction `json:"corrections,omitempty"`
	MembershipID string       `json:"membership_id,omitempty"`
	DryRun       bool         `json:"dry_run,omitempty"`
}

// Has reports whether o occurred.
func (r ReconcileResult) Has(o Outcome) bool {
	for _, got := range r.Outcomes {
		if got == o {
			return true
		}
	}
	return false
}

// Changed reports whether the reconciliation wrote (or would write) anything.
func (r ReconcileResult) Changed() bool {
	return len(r.Outcomes) > 0 && !r.Has(OutcomeNoChange)
}
