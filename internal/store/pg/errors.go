package pg

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"covenant.church/internal/identity"
)

const (
	pgErrUniqueViolation = "23505"
	pgErrTooManyConns    = "53300"
	pgErrAdminShutdown   = "57P01"
	pgErrCannotConnect   = "57P03"
	pgErrQueryCanceled   = "57014"

	constraintMembershipEmail = "memberships_email_lower_key"
)

// mapErr translates driver errors into the identity store taxonomy.
func mapErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return identity.ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", identity.ErrStoreTimeout, err)
	}
	if pgErr, ok := maybePgError(err); ok {
		switch {
		case pgErr.Code == pgErrUniqueViolation && pgErr.ConstraintName == constraintMembershipEmail:
			return fmt.Errorf("%w: %s", identity.ErrEmailClaimed, pgErr.Detail)
		case pgErr.Code == pgErrUniqueViolation:
			return fmt.Errorf("%w: %s", identity.ErrAlreadyExists, pgErr.ConstraintName)
		case pgErr.Code == pgErrQueryCanceled:
			return fmt.Errorf("%w: %s", identity.ErrStoreTimeout, pgErr.Message)
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == pgErrTooManyConns,
			pgErr.Code == pgErrAdminShutdown, pgErr.Code == pgErrCannotConnect:
			return fmt.Errorf("%w: %s", identity.ErrStoreUnavailable, pgErr.Message)
		}
		return err
	}
	var connectErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connectErr) || errors.As(err, &netErr) ||
		errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", identity.ErrStoreUnavailable, err)
	}
	return err
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
