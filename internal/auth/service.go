package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/agency-portal/internal/identity"
	"github.com/odyssey-erp/agency-portal/internal/shared"
)

// dummyHash is compared against when no usable account exists so every failed login
// pays the same bcrypt cost.
var dummyHash = sync.OnceValue(func() []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte("agency-portal/no-such-account"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return hash
})

// Service wraps authentication business rules.
type Service struct {
	repo    Repository
	compare func(hash, password []byte) error
}

// NewService constructs a new Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, compare: bcrypt.CompareHashAndPassword}
}

// Authenticate validates email/password credentials. Unknown, inactive and
// wrong-password accounts all yield shared.ErrInvalidCredentials; a correct password on
// an unverified account yields shared.ErrUnverifiedAccount. It implements
// identity.Authenticator. Unknown and inactive accounts still run a bcrypt comparison
// so response time does not reveal which emails are registered.
func (s *Service) Authenticate(ctx context.Context, email, password string) (identity.Account, error) {
	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			_ = s.compare(dummyHash(), []byte(password))
			return identity.Account{}, shared.ErrInvalidCredentials
		}
		return identity.Account{}, err
	}
	if !user.IsActive {
		_ = s.compare(dummyHash(), []byte(password))
		return identity.Account{}, shared.ErrInvalidCredentials
	}
	if err := s.compare([]byte(user.PasswordHash), []byte(password)); err != nil {
		return identity.Account{}, shared.ErrInvalidCredentials
	}
	if !user.EmailVerified {
		return identity.Account{}, shared.ErrUnverifiedAccount
	}
	return user.Account(), nil
}

// RegisterSession persists the session metadata in postgres.
func (s *Service) RegisterSession(ctx context.Context, id, userID string, expiresAt time.Time, ip, ua string) error {
	return s.repo.CreateSession(ctx, id, userID, expiresAt, ip, ua)
}

// RemoveSession deletes a session record from postgres.
func (s *Service) RemoveSession(ctx context.Context, id string) error {
	return s.repo.DeleteSession(ctx, id)
}

// UpdateProfile persists a profile change of userID.
func (s *Service) UpdateProfile(ctx context.Context, userID, name, email string) error {
	return s.repo.UpdateProfile(ctx, userID, name, email)
}

// DeleteExpiredSessions purges login sessions that expired before now.
func (s *Service) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	return s.repo.DeleteExpiredSessions(ctx, now)
}

var _ identity.Authenticator = (*Service)(nil)
