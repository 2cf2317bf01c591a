package auth

import (
	"context"
	"strings"
)

type ctxKey string

const (
	userIDKey ctxKey = "auth_user_id"
	emailKey  ctxKey = "auth_email"
)

// ContextWithUser stores the authenticated identity in the context.
func ContextWithUser(ctx context.Context, userID, email string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, strings.TrimSpace(userID))
	if email = strings.TrimSpace(email); email != "" {
		ctx = context.WithValue(ctx, emailKey, email)
	}
	return ctx
}

// UserIDFromContext extracts the authenticated identity id.
func UserIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(userIDKey).(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// EmailFromContext returns the email claim, if the token carried one.
func EmailFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(emailKey).(string)
	return v
}
