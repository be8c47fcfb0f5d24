package requests

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/agency-portal/internal/activity"
	"github.com/odyssey-erp/agency-portal/internal/identity"
	"github.com/odyssey-erp/agency-portal/internal/platform/db"
)

// maxTxAttempts bounds how often a field update is re-run after losing a race.
const maxTxAttempts = 3

// Store is the persistence collaborator. *Repository implements it.
type Store interface {
	Get(ctx context.Context, id string) (Record, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// Recorder receives pipeline metrics. *observability.Metrics implements it.
type Recorder interface {
	RecordFieldUpdate(field, outcome string)
	RecordStaleResponse(field string)
}

// UpdateResult is the outcome of a field update.
type UpdateResult struct {
	// Record is the workspace copy after the merge.
	Record Record `json:"request"`
	// Entry is the ledger entry written with the patch.
	Entry activity.Entry `json:"activity"`
	// Stale is set when a newer update to the same field had already been applied, so
	// this response left the workspace untouched.
	Stale bool `json:"stale,omitempty"`
}

// Config bundles the optional collaborators of a Service.
type Config struct {
	Notifier activity.Notifier
	Metrics  Recorder
	Logger   *slog.Logger
	Now      func() time.Time
}

// Service runs request submission and the field-update pipeline.
type Service struct {
	store     Store
	workspace *Workspace
	notifier  activity.Notifier
	metrics   Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewService wires the pipeline over store, merging into workspace.
func NewService(store Store, workspace *Workspace, cfg Config) *Service {
	if workspace == nil {
		workspace = NewWorkspace(OrderLastRequest)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:     store,
		workspace: workspace,
		notifier:  cfg.Notifier,
		metrics:   cfg.Metrics,
		logger:    logger,
		now:       now,
	}
}

// Workspace returns the held records.
func (s *Service) Workspace() *Workspace {
	return s.workspace
}

// Get loads a request from the store and refreshes the held copy.
func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	s.workspace.Hold(rec)
	return rec, nil
}

// Submit creates a request and its request_submitted ledger entry together.
func (s *Service) Submit(ctx context.Context, in NewRequestInput) (Record, error) {
	actor, err := currentActor(ctx)
	if err != nil {
		return Record{}, err
	}
	priority := Priority(in.Priority)
	if priority == "" {
		priority = PriorityNone
	}
	if _, err := FieldPriority.Normalize(string(priority)); err != nil {
		return Record{}, err
	}
	title, err := FieldTitle.Normalize(in.Title)
	if err != nil {
		return Record{}, err
	}
	now := s.now().UTC()
	rec := Record{
		ID:          uuid.NewString(),
		Title:       title,
		Description: in.Description,
		Status:      StatusSubmitted,
		Priority:    priority,
		ClientID:    in.ClientID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.DueDate != "" {
		due, err := FieldDueDate.Normalize(in.DueDate)
		if err != nil {
			return Record{}, err
		}
		d, _ := time.Parse(dateLayout, due)
		rec.DueDate = &d
	}

	var entry activity.Entry
	err = s.store.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		saved, err := tx.InsertRecord(ctx, rec)
		if err != nil {
			return err
		}
		rec = saved
		entry, err = tx.AppendActivity(ctx, activity.NewEntry(rec.ID, activity.ActionRequestSubmitted,
			"request submitted: "+rec.Title, activity.EntityRequest, &actor, now))
		return err
	})
	if err != nil {
		return Record{}, err
	}
	s.workspace.Hold(rec)
	s.notify(ctx, entry)
	s.logger.Info("request submitted", slog.String("request_id", rec.ID), slog.String("client_id", rec.ClientID), slog.String("actor_id", actor.UserID))
	return rec, nil
}

// UpdateField patches one field of a request and appends a field_updated entry
// attributed to the acting principal in ctx (the impersonated identity while
// impersonating). Both writes commit together or not at all. Callers authorise the
// change before calling.
func (s *Service) UpdateField(ctx context.Context, requestID, fieldName, value string) (UpdateResult, error) {
	field, err := ParseField(fieldName)
	if err != nil {
		return UpdateResult{}, err
	}
	normalized, err := field.Normalize(value)
	if err != nil {
		s.record(field, "rejected")
		return UpdateResult{}, err
	}
	actor, err := currentActor(ctx)
	if err != nil {
		return UpdateResult{}, err
	}

	seq := s.workspace.begin(requestID, field)
	var (
		patched Record
		entry   activity.Entry
	)
	for attempt := 1; ; attempt++ {
		err = s.store.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			rec, err := tx.PatchField(ctx, requestID, field, normalized)
			if err != nil {
				return err
			}
			patched = rec
			entry, err = tx.AppendActivity(ctx, activity.NewEntry(requestID, activity.ActionFieldUpdated,
				field.Describe(normalized), activity.EntityRequest, &actor, s.now()))
			return err
		})
		if err == nil || !db.IsRetryable(err) || attempt == maxTxAttempts {
			break
		}
		s.logger.Debug("retrying field update after serialization failure",
			slog.String("request_id", requestID), slog.String("field", string(field)), slog.Int("attempt", attempt))
	}
	if err != nil {
		s.workspace.abandon(requestID)
		s.record(field, "failed")
		return UpdateResult{}, err
	}

	merged, applied := s.workspace.merge(patched, field, seq)
	if !applied {
		if s.metrics != nil {
			s.metrics.RecordStaleResponse(string(field))
		}
		s.logger.Warn("stale field update discarded",
			slog.String("request_id", requestID), slog.String("field", string(field)), slog.Uint64("seq", seq))
	}
	s.record(field, "applied")
	s.notify(ctx, entry)
	return UpdateResult{Record: merged, Entry: entry, Stale: !applied}, nil
}

func (s *Service) record(field Field, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordFieldUpdate(string(field), outcome)
	}
}

func (s *Service) notify(ctx context.Context, e activity.Entry) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyActivity(ctx, e); err != nil {
		s.logger.Warn("activity notification failed", slog.String("entry_id", e.ID), slog.Any("error", err))
	}
}

func currentActor(ctx context.Context) (activity.ActorSnapshot, error) {
	p, ok := identity.PrincipalFromContext(ctx)
	if !ok {
		return activity.ActorSnapshot{}, identity.ErrNotAuthenticated
	}
	return activity.SnapshotOf(p), nil
}
