package auth

import (
	"time"

	"github.com/odyssey-erp/agency-portal/internal/identity"
)

// User represents a portal account. Client users carry their client record.
type User struct {
	ID            string
	Email         string
	Name          string
	PasswordHash  string
	Role          string
	ClientID      string
	ClientName    string
	ClientCompany string
	IsActive      bool
	EmailVerified bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Account converts the row into what the identity layer classifies.
func (u User) Account() identity.Account {
	return identity.Account{
		ID:             u.ID,
		Email:          u.Email,
		Name:           u.Name,
		Role:           u.Role,
		ClientRecordID: u.ClientID,
		ClientName:     u.ClientName,
		ClientCompany:  u.ClientCompany,
	}
}
