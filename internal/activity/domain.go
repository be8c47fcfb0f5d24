// Package activity is the per-request ledger: an append-only, time-ordered history of
// submissions, field changes and messages.
package activity

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/agency-portal/internal/identity"
)

// Ledger actions.
const (
	ActionRequestSubmitted = "request_submitted"
	ActionFieldUpdated     = "field_updated"
	ActionMessageSent      = "message_sent"
)

// Entity types.
const (
	EntityRequest = "request"
	EntityMessage = "message"
)

var (
	// ErrNotFound indicates the entry does not exist (or not on that request).
	ErrNotFound = errors.New("activity: entry not found")
	// ErrMessageForbidden is returned when the principal may not change the entry.
	ErrMessageForbidden = errors.New("activity: not allowed to change this message")
	// ErrNotMessage is returned when an edit or delete targets a non-message entry.
	ErrNotMessage = errors.New("activity: only messages can be changed")
	// ErrEmptyMessage rejects blank message text.
	ErrEmptyMessage = errors.New("activity: message text required")
)

// ActorSnapshot is a copy of the acting principal taken when the entry was written. It is
// never re-resolved against live user records.
type ActorSnapshot struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	UserRole string `json:"userRole"`
}

// SnapshotOf copies the fields of p that the ledger keeps.
func SnapshotOf(p identity.Principal) ActorSnapshot {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = p.Email
	}
	return ActorSnapshot{UserID: p.ID, UserName: name, UserRole: string(p.Role)}
}

// Entry is one ledger row. Only Description of a message entry may ever change.
type Entry struct {
	ID          string         `json:"id"`
	RequestID   string         `json:"requestId"`
	Action      string         `json:"action"`
	Description string         `json:"description,omitempty"`
	EntityType  string         `json:"entityType,omitempty"`
	Actor       *ActorSnapshot `json:"actorSnapshot,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// NewEntry builds an entry with a fresh id.
func NewEntry(requestID, action, description, entityType string, actor *ActorSnapshot, at time.Time) Entry {
	var snapshot *ActorSnapshot
	if actor != nil {
		copied := *actor
		snapshot = &copied
	}
	return Entry{
		ID:          uuid.NewString(),
		RequestID:   requestID,
		Action:      action,
		Description: description,
		EntityType:  entityType,
		Actor:       snapshot,
		CreatedAt:   at.UTC(),
	}
}

// IsMessage reports whether the entry is a chat message.
func (e Entry) IsMessage() bool {
	return e.EntityType == EntityMessage
}

// SortForDisplay orders entries oldest first, chat style. Ties break on id so the order
// is stable across reads.
func SortForDisplay(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}

// CanEditMessage reports whether p may rewrite the text of e. Admins may edit any message;
// everyone else only the messages they wrote. Non-message entries are history and nobody
// may edit them.
func CanEditMessage(e Entry, p *identity.Principal) bool {
	if p == nil || !e.IsMessage() {
		return false
	}
	if p.IsAdmin() {
		return true
	}
	return e.Actor != nil && e.Actor.UserID != "" && e.Actor.UserID == p.ID
}

// CanDeleteMessage applies the same rule as CanEditMessage.
func CanDeleteMessage(e Entry, p *identity.Principal) bool {
	return CanEditMessage(e, p)
}
