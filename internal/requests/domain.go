// Package requests holds service request records and the field-update pipeline that
// patches them and records each change in the activity ledger.
package requests

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/agency-portal/internal/identity"
)

// Status of a request. Any status may be set from any other; there is no transition
// graph.
type Status string

const (
	StatusSubmitted  Status = "submitted"
	StatusInProgress Status = "in_progress"
	StatusInReview   Status = "in_review"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every accepted status in display order.
func Statuses() []Status {
	return []Status{StatusSubmitted, StatusInProgress, StatusInReview, StatusCompleted, StatusCancelled}
}

// Priority of a request. PriorityNone is what a client form sends when left untouched.
type Priority string

const (
	PriorityNone   Priority = "none"
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Priorities lists every accepted priority.
func Priorities() []Priority {
	return []Priority{PriorityNone, PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}
}

// Field names a single editable column of a request.
type Field string

const (
	FieldStatus      Field = "status"
	FieldPriority    Field = "priority"
	FieldAssignedTo  Field = "assigned_to"
	FieldDueDate     Field = "due_date"
	FieldTitle       Field = "title"
	FieldDescription Field = "description"
)

const (
	dateLayout     = "2006-01-02"
	maxTitleLength = 200
)

var (
	// ErrNotFound indicates the request does not exist or is not visible to the caller.
	ErrNotFound = errors.New("requests: request not found")
	// ErrInvalidField is returned for a field outside the editable set.
	ErrInvalidField = errors.New("requests: field is not editable")
	// ErrInvalidValue is returned when a value does not fit the field.
	ErrInvalidValue = errors.New("requests: invalid value")
)

// Record is a service request.
type Record struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	ClientID    string     `json:"clientId"`
	AssignedTo  string     `json:"assignedTo,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// NewRequestInput is the payload of a submission.
type NewRequestInput struct {
	Title       string `json:"title" validate:"required,max=200"`
	Description string `json:"description" validate:"max=10000"`
	Priority    string `json:"priority" validate:"omitempty,oneof=none low medium high urgent"`
	ClientID    string `json:"clientId"`
	DueDate     string `json:"dueDate" validate:"omitempty,datetime=2006-01-02"`
}

// ParseField resolves a wire field name. Both snake and camel case are accepted.
func ParseField(name string) (Field, error) {
	switch strings.TrimSpace(name) {
	case "status":
		return FieldStatus, nil
	case "priority":
		return FieldPriority, nil
	case "assigned_to", "assignedTo":
		return FieldAssignedTo, nil
	case "due_date", "dueDate":
		return FieldDueDate, nil
	case "title":
		return FieldTitle, nil
	case "description":
		return FieldDescription, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidField, name)
}

// Normalize validates value for the field and returns its canonical form. An empty
// value clears assigned_to and due_date.
func (f Field) Normalize(value string) (string, error) {
	switch f {
	case FieldStatus:
		v := Status(strings.TrimSpace(value))
		for _, s := range Statuses() {
			if v == s {
				return string(v), nil
			}
		}
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidValue, value)
	case FieldPriority:
		v := Priority(strings.TrimSpace(value))
		for _, p := range Priorities() {
			if v == p {
				return string(v), nil
			}
		}
		return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidValue, value)
	case FieldAssignedTo:
		return strings.TrimSpace(value), nil
	case FieldDueDate:
		v := strings.TrimSpace(value)
		if v == "" {
			return "", nil
		}
		if t, err := time.Parse(dateLayout, v); err == nil {
			return t.Format(dateLayout), nil
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.UTC().Format(dateLayout), nil
		}
		return "", fmt.Errorf("%w: due date must be YYYY-MM-DD", ErrInvalidValue)
	case FieldTitle:
		v := strings.TrimSpace(value)
		if v == "" || len(v) > maxTitleLength {
			return "", fmt.Errorf("%w: title must be 1-%d characters", ErrInvalidValue, maxTitleLength)
		}
		return v, nil
	case FieldDescription:
		return value, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidField, string(f))
}

// Describe renders the ledger description of a change.
func (f Field) Describe(value string) string {
	if value == "" {
		value = "none"
	}
	return fmt.Sprintf("%s updated to %s", f, value)
}

// mergeField returns r with only field and UpdatedAt taken from src.
func (r Record) mergeField(field Field, src Record) Record {
	switch field {
	case FieldStatus:
		r.Status = src.Status
	case FieldPriority:
		r.Priority = src.Priority
	case FieldAssignedTo:
		r.AssignedTo = src.AssignedTo
	case FieldDueDate:
		r.DueDate = src.DueDate
	case FieldTitle:
		r.Title = src.Title
	case FieldDescription:
		r.Description = src.Description
	}
	r.UpdatedAt = src.UpdatedAt
	return r
}

// Visible reports whether p may see r. Clients only see their own client record's
// requests; agency staff see everything their permissions allow.
func Visible(p identity.Principal, r Record) bool {
	if p.Kind != identity.KindClient {
		return true
	}
	return p.ClientRecordID != "" && p.ClientRecordID == r.ClientID
}
