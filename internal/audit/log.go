package audit

import (
	"context"
	"errors"
	"strings"

	"covenant.church/internal/auth"
	"covenant.church/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry enriched with request and acting user.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	e := obs.Logger().Info().Str("type", "audit").Str("event", event)
	if rid := RequestIDFromContext(ctx); rid != "" {
		e = e.Str("request_id", rid)
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		e = e.Str("user_id", userID)
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	e.Interface("fields", copyFields).Send()
	return nil
}
