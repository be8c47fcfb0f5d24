package activity

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/odyssey-erp/agency-portal/internal/identity"
	"github.com/odyssey-erp/agency-portal/internal/shared"
)

const idempotencyModule = "activity.message"

// Repository is the ledger storage. *Queries implements it.
type Repository interface {
	Insert(ctx context.Context, e Entry) (Entry, error)
	Get(ctx context.Context, id string) (Entry, error)
	ListByRequest(ctx context.Context, requestID string) ([]Entry, error)
	UpdateDescription(ctx context.Context, id, description string) (Entry, error)
	Delete(ctx context.Context, id string) error
}

// Transactor runs fn against a repository and audit recorder that commit together.
type Transactor interface {
	InTx(ctx context.Context, fn func(repo Repository, audit AuditRecorder) error) error
}

// Notifier is told about new entries. Failures never fail the write.
type Notifier interface {
	NotifyActivity(ctx context.Context, e Entry) error
}

// AuditRecorder keeps the text a message had before it was changed.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyGuard deduplicates message posts carrying an Idempotency-Key.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// ServiceConfig bundles the optional collaborators of a Service.
type ServiceConfig struct {
	Notifier    Notifier
	Audit       AuditRecorder
	Idempotency IdempotencyGuard
	// Tx makes message edits atomic with their audit rows. Without it both write
	// through the plain repository and Audit.
	Tx     Transactor
	Logger *slog.Logger
	Now    func() time.Time
}

// Service reads and writes the ledger.
type Service struct {
	repo        Repository
	notifier    Notifier
	audit       AuditRecorder
	idempotency IdempotencyGuard
	tx          Transactor
	logger      *slog.Logger
	now         func() time.Time
}

// NewService constructs the ledger service.
func NewService(repo Repository, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:        repo,
		notifier:    cfg.Notifier,
		audit:       cfg.Audit,
		idempotency: cfg.Idempotency,
		tx:          cfg.Tx,
		logger:      logger,
		now:         now,
	}
}

// Append writes an entry built by the caller and notifies listeners.
func (s *Service) Append(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e = NewEntry(e.RequestID, e.Action, e.Description, e.EntityType, e.Actor, s.now())
	}
	saved, err := s.repo.Insert(ctx, e)
	if err != nil {
		return Entry{}, err
	}
	s.Notify(ctx, saved)
	return saved, nil
}

// Notify hands e to the notifier, logging failures.
func (s *Service) Notify(ctx context.Context, e Entry) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyActivity(ctx, e); err != nil {
		s.logger.Warn("activity notification failed", slog.String("entry_id", e.ID), slog.Any("error", err))
	}
}

// List returns a request's history oldest first.
func (s *Service) List(ctx context.Context, requestID string) ([]Entry, error) {
	entries, err := s.repo.ListByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	SortForDisplay(entries)
	return entries, nil
}

// PostMessage appends a chat message written by p. A non-empty idempotencyKey makes
// a repeated post fail with shared.ErrIdempotencyConflict instead of duplicating.
func (s *Service) PostMessage(ctx context.Context, requestID string, p identity.Principal, text, idempotencyKey string) (Entry, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Entry{}, ErrEmptyMessage
	}
	if idempotencyKey != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, requestID+":"+idempotencyKey, idempotencyModule); err != nil {
			return Entry{}, err
		}
	}
	actor := SnapshotOf(p)
	entry, err := s.Append(ctx, NewEntry(requestID, ActionMessageSent, text, EntityMessage, &actor, s.now()))
	if err != nil {
		if idempotencyKey != "" && s.idempotency != nil {
			if delErr := s.idempotency.Delete(ctx, requestID+":"+idempotencyKey, idempotencyModule); delErr != nil {
				s.logger.Warn("release idempotency key", slog.Any("error", delErr))
			}
		}
		return Entry{}, err
	}
	return entry, nil
}

// EditMessage replaces the text of a message on requestID. The previous text is
// audited in the same transaction as the update; if either write fails the message is
// left untouched.
func (s *Service) EditMessage(ctx context.Context, requestID, entryID, text string, p identity.Principal) (Entry, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Entry{}, ErrEmptyMessage
	}
	var updated Entry
	err := s.inTx(ctx, func(repo Repository, audit AuditRecorder) error {
		current, err := loadMessage(ctx, repo, requestID, entryID, p)
		if err != nil {
			return err
		}
		if err := s.recordPrevious(ctx, audit, "message.edit", current, p, text); err != nil {
			return err
		}
		updated, err = repo.UpdateDescription(ctx, entryID, text)
		return err
	})
	if err != nil {
		return Entry{}, err
	}
	return updated, nil
}

// DeleteMessage removes a message on requestID, auditing its text in the same
// transaction.
func (s *Service) DeleteMessage(ctx context.Context, requestID, entryID string, p identity.Principal) error {
	return s.inTx(ctx, func(repo Repository, audit AuditRecorder) error {
		current, err := loadMessage(ctx, repo, requestID, entryID, p)
		if err != nil {
			return err
		}
		if err := s.recordPrevious(ctx, audit, "message.delete", current, p, ""); err != nil {
			return err
		}
		return repo.Delete(ctx, entryID)
	})
}

func (s *Service) inTx(ctx context.Context, fn func(repo Repository, audit AuditRecorder) error) error {
	if s.tx == nil {
		return fn(s.repo, s.audit)
	}
	return s.tx.InTx(ctx, fn)
}

func loadMessage(ctx context.Context, repo Repository, requestID, entryID string, p identity.Principal) (Entry, error) {
	current, err := repo.Get(ctx, entryID)
	if err != nil {
		return Entry{}, err
	}
	if current.RequestID != requestID {
		return Entry{}, ErrNotFound
	}
	if !current.IsMessage() {
		return Entry{}, ErrNotMessage
	}
	if !CanEditMessage(current, &p) {
		return Entry{}, ErrMessageForbidden
	}
	return current, nil
}

func (s *Service) recordPrevious(ctx context.Context, audit AuditRecorder, action string, e Entry, p identity.Principal, replacement string) error {
	if audit == nil {
		return nil
	}
	log := shared.AuditLog{
		ActorID:   p.ID,
		ActorRole: string(p.Role),
		Action:    action,
		Entity:    EntityMessage,
		EntityID:  e.ID,
		Meta: map[string]any{
			"request_id":    e.RequestID,
			"previous_text": e.Description,
		},
		At: s.now(),
	}
	if e.Actor != nil {
		log.Meta["author_id"] = e.Actor.UserID
	}
	if replacement != "" {
		log.Meta["new_text"] = replacement
	}
	if original, ok := identity.ImpersonatorFromContext(ctx); ok {
		log.OnBehalfOf = original.ID
	}
	if err := audit.Record(ctx, log); err != nil {
		return errors.Join(errors.New("activity: audit previous message"), err)
	}
	return nil
}
