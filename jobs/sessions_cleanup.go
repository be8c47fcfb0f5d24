package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/agency-portal/internal/jobs"
)

const (
	// TaskSessionsCleanup purges expired login sessions and stale idempotency keys.
	TaskSessionsCleanup = "auth:sessions_cleanup"
	// SessionsCleanupSpec runs the cleanup hourly.
	SessionsCleanupSpec = "@hourly"

	defaultIdempotencyRetention = 24 * time.Hour
)

// SessionsCleanupPayload tunes a cleanup run.
type SessionsCleanupPayload struct {
	IdempotencyRetentionHours int `json:"idempotency_retention_hours"`
}

// NewSessionsCleanupTask builds the cleanup task.
func NewSessionsCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(SessionsCleanupPayload{IdempotencyRetentionHours: int(retention / time.Hour)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSessionsCleanup, body, asynq.Queue(QueueDefault)), nil
}

// SessionPurger deletes login sessions that expired before now.
type SessionPurger interface {
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// KeyPurger deletes idempotency keys older than the retention window.
type KeyPurger interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// SessionsCleanupJob runs TaskSessionsCleanup.
type SessionsCleanupJob struct {
	Sessions    SessionPurger
	Idempotency KeyPurger
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	clock       func() time.Time
}

// NewSessionsCleanupJob wires the cleanup handler.
func NewSessionsCleanupJob(sessions SessionPurger, keys KeyPurger, logger *slog.Logger, metrics *jobmetrics.Metrics) *SessionsCleanupJob {
	return &SessionsCleanupJob{
		Sessions:    sessions,
		Idempotency: keys,
		Logger:      logger,
		Metrics:     metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle purges both tables; a failure in one does not skip the other.
func (j *SessionsCleanupJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Sessions == nil {
		return errors.New("sessions cleanup: handler not configured")
	}
	var payload SessionsCleanupPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	retention := time.Duration(payload.IdempotencyRetentionHours) * time.Hour
	if retention <= 0 {
		retention = defaultIdempotencyRetention
	}

	tracker := j.Metrics.Track(TaskSessionsCleanup)
	defer func() {
		err = tracker.End(err)
	}()
	logger := j.logger()

	var errs []error
	sessions, sessErr := j.Sessions.DeleteExpiredSessions(ctx, j.now())
	if sessErr != nil {
		logger.Error("purge expired sessions", slog.Any("error", sessErr))
		errs = append(errs, sessErr)
	}
	j.Metrics.AddPurged("sessions", sessions)

	var keys int64
	if j.Idempotency != nil {
		var keyErr error
		keys, keyErr = j.Idempotency.Cleanup(ctx, retention)
		if keyErr != nil {
			logger.Error("purge idempotency keys", slog.Any("error", keyErr))
			errs = append(errs, keyErr)
		}
		j.Metrics.AddPurged("idempotency_keys", keys)
	}

	logger.Info("sessions cleanup finished",
		slog.Int64("sessions", sessions),
		slog.Int64("idempotency_keys", keys),
		slog.Duration("retention", retention))
	return errors.Join(errs...)
}

func (j *SessionsCleanupJob) now() time.Time {
	if j.clock == nil {
		return time.Now().UTC()
	}
	return j.clock()
}

func (j *SessionsCleanupJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
