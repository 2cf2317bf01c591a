package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidEmail           = errors.New("invalid email")
	ErrInvalidInput           = errors.New("invalid input")
	ErrReconciliationConflict = errors.New("reconciliation conflict")
	ErrResolutionUnavailable  = errors.New("role resolution unavailable")
	ErrStoreTimeout           = errors.New("store timeout")
	ErrStoreUnavailable       = errors.New("store unavailable")
	ErrNotFound               = errors.New("not found")
)

// Conditional-write outcomes reported by Store implementations.
var (
	// ErrAlreadyExists: insert-if-absent found an existing row for the key.
	ErrAlreadyExists = errors.New("already exists")
	// ErrStale: compare-and-set found a row that no longer matches the expected state.
	ErrStale = errors.New("stale record")
	// ErrEmailClaimed: a membership for the email is held by another row.
	ErrEmailClaimed = errors.New("email claimed by another membership")
)

// Error kinds used on the wire.
const (
	KindInvalidEmail           = "InvalidEmail"
	KindInvalidInput           = "InvalidInput"
	KindReconciliationConflict = "ReconciliationConflict"
	KindResolutionUnavailable  = "ResolutionUnavailable"
	KindStoreTimeout           = "StoreTimeout"
	KindStoreUnavailable       = "StoreUnavailable"
	KindNotFound               = "NotFound"
	KindInternal               = "Internal"
)

// ConflictError describes ambiguous or contested legacy data. It matches
// ErrReconciliationConflict with errors.Is.
type ConflictError struct {
	IdentityID    string
	Email         string
	MembershipIDs []string
	ClaimedBy     []string
	Reason        string
}

func (e *ConflictError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "reconciliation conflict for identity %s (%s): %s", e.IdentityID, e.Email, e.Reason)
	if len(e.MembershipIDs) > 0 {
		fmt.Fprintf(&b, " memberships=%s", strings.Join(e.MembershipIDs, ","))
	}
	if len(e.ClaimedBy) > 0 {
		fmt.Fprintf(&b, " claimed_by=%s", strings.Join(e.ClaimedBy, ","))
	}
	return b.String()
}

func (e *ConflictError) Is(target error) bool { return target == ErrReconciliationConflict }

// Details returns the conflicting records for API and report output.
func (e *ConflictError) Details() map[string]any {
	return map[string]any{
		"identity_id":    e.IdentityID,
		"email":          e.Email,
		"membership_ids": e.MembershipIDs,
		"claimed_by":     e.ClaimedBy,
		"reason":         e.Reason,
	}
}

// Kind maps err onto the error taxonomy.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidEmail):
		return KindInvalidEmail
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrReconciliationConflict):
		return KindReconciliationConflict
	case errors.Is(err, ErrResolutionUnavailable):
		return KindResolutionUnavailable
	case errors.Is(err, ErrStoreTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindStoreTimeout
	case errors.Is(err, ErrStoreUnavailable):
		return KindStoreUnavailable
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindInternal
	}
}

// IsTransient reports whether a caller may retry err.
func IsTransient(err error) bool {
	switch Kind(err) {
	case KindResolutionUnavailable, KindStoreTimeout, KindStoreUnavailable:
		return true
	}
	return false
}

// storeErr normalizes a context error raised while talking to the store.
func storeErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreTimeout) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrStoreTimeout, err)
	}
	return err
}
