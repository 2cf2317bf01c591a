package auth

import "errors"

var (
	ErrInvalidToken  = errors.New("auth: invalid token")
	ErrMissingSecret = errors.New("auth: token secret is not configured")
	ErrUnauthorized  = errors.New("auth: unauthorized")
	ErrForbidden     = errors.New("auth: forbidden")
)
