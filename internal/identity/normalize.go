package identity

import (
	"fmt"
	"strings"
)

// NormalizeEmail lower-cases and trims an email address. The result must
// contain a non-empty local part and domain around a single "@".
func NormalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", fmt.Errorf("%w: email is empty", ErrInvalidEmail)
	}
	at := strings.IndexByte(email, '@')
	if at <= 0 || at != strings.LastIndexByte(email, '@') || at == len(email)-1 {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, raw)
	}
	return email, nil
}

// Normalize canonicalizes an email and display name before comparison or
// persistence. An empty name falls back to the email local part, taken
// verbatim from the normalized email (so it is always lower-case).
func Normalize(rawEmail, rawName string) (string, string, error) {
	email, err := NormalizeEmail(rawEmail)
	if err != nil {
		return "", "", err
	}
	name := strings.TrimSpace(rawName)
	if name == "" {
		name = FallbackName(email)
	}
	return email, name, nil
}

// FallbackName returns the display name used when none was supplied.
func FallbackName(normalizedEmail string) string {
	local, _, _ := strings.Cut(normalizedEmail, "@")
	return local
}
