// Package events consumes identity lifecycle events raised by the
// authentication subsystem and publishes reconciliation conflicts.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	TypeIdentityCreated = "identity.created"
	TypeIdentityDeleted = "identity.deleted"
	TypeIdentityLogin   = "identity.login"
	TypeConflict        = "identity.conflict"
)

// Event is the wire shape of an authentication subsystem event. Email and
// name are informational; the stored credential is authoritative.
type Event struct {
	Type          string    `json:"type"`
	IdentityID    string    `json:"identity_id"`
	Email         string    `json:"email,omitempty"`
	EmailVerified bool      `json:"email_verified,omitempty"`
	DisplayName   string    `json:"display_name,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Decode parses and validates an event payload.
func Decode(value []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(value, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	ev.Type = strings.TrimSpace(ev.Type)
	ev.IdentityID = strings.TrimSpace(ev.IdentityID)
	if ev.IdentityID == "" {
		return Event{}, fmt.Errorf("event %q missing identity_id", ev.Type)
	}
	return ev, nil
}

// ConflictEvent is published when reconciliation needs manual attention.
type ConflictEvent struct {
	Type       string         `json:"type"`
	IdentityID string         `json:"identity_id"`
	Details    map[string]any `json:"details"`
	DetectedAt time.Time      `json:"detected_at"`
}
