package requests

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/agency-portal/internal/identity"
)

func TestStatusHasNoTransitionGraph(t *testing.T) {
	for _, from := range Statuses() {
		for _, to := range Statuses() {
			got, err := FieldStatus.Normalize(string(to))
			require.NoError(t, err, "%s -> %s", from, to)
			assert.Equal(t, string(to), got)
		}
	}
}

func TestParseField(t *testing.T) {
	for name, want := range map[string]Field{
		"status":      FieldStatus,
		"priority":    FieldPriority,
		"assigned_to": FieldAssignedTo,
		"assignedTo":  FieldAssignedTo,
		"due_date":    FieldDueDate,
		"dueDate":     FieldDueDate,
		"title":       FieldTitle,
		"description": FieldDescription,
	} {
		got, err := ParseField(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got)
	}

	for _, name := range []string{"", "id", "client_id", "created_at", "updated_at"} {
		_, err := ParseField(name)
		assert.ErrorIs(t, err, ErrInvalidField, name)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		field Field
		in    string
		want  string
		err   error
	}{
		{FieldPriority, "none", "none", nil},
		{FieldPriority, " urgent ", "urgent", nil},
		{FieldDueDate, "2024-02-29", "2024-02-29", nil},
		{FieldDueDate, "2024-02-30", "", ErrInvalidValue},
		{FieldDueDate, "", "", nil},
		{FieldAssignedTo, " m2 ", "m2", nil},
		{FieldDescription, "  keep spacing ", "  keep spacing ", nil},
		{FieldStatus, "in_review", "in_review", nil},
		{FieldStatus, "pending_response", "", ErrInvalidValue},
	}
	for _, tc := range tests {
		got, err := tc.field.Normalize(tc.in)
		if tc.err != nil {
			assert.ErrorIs(t, err, tc.err, "%s=%q", tc.field, tc.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestVisible(t *testing.T) {
	rec := sampleRecord("r1", "c42")
	own := identity.NewClient("u1", "a@acme.test", "A", "c42", "Acme", "")
	other := identity.NewClient("u2", "b@globex.test", "B", "c7", "Globex", "")
	staff := identity.NewAdmin("a1", "ada@agency.test", "Ada")

	assert.True(t, Visible(own, rec))
	assert.False(t, Visible(other, rec))
	assert.True(t, Visible(staff, rec))
	assert.False(t, Visible(identity.Principal{Kind: identity.KindClient}, Record{}))
}
