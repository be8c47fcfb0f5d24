package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/agency-portal/internal/activity"
	jobmetrics "github.com/odyssey-erp/agency-portal/internal/jobs"
	"github.com/odyssey-erp/agency-portal/internal/shared"
)

const (
	// TaskActivityNotify tells the people on a request about a new ledger entry.
	TaskActivityNotify = "activity:notify"
)

// ActivityNotifyPayload is the entry snapshot carried by the task.
type ActivityNotifyPayload struct {
	EntryID     string    `json:"entry_id"`
	RequestID   string    `json:"request_id"`
	Action      string    `json:"action"`
	Description string    `json:"description"`
	ActorID     string    `json:"actor_id"`
	ActorName   string    `json:"actor_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewActivityNotifyTask builds the task for e. The entry id doubles as the task id so
// a retried enqueue does not notify twice.
func NewActivityNotifyTask(e activity.Entry) (*asynq.Task, error) {
	payload := ActivityNotifyPayload{
		EntryID:     e.ID,
		RequestID:   e.RequestID,
		Action:      e.Action,
		Description: e.Description,
		CreatedAt:   e.CreatedAt,
	}
	if e.Actor != nil {
		payload.ActorID = e.Actor.UserID
		payload.ActorName = e.Actor.UserName
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskActivityNotify, body,
		asynq.Queue(QueueDefault), asynq.TaskID("activity:"+e.ID), asynq.MaxRetry(5)), nil
}

// Recipient is someone to notify about a request.
type Recipient struct {
	UserID string
	Email  string
}

// RecipientLookup resolves who follows a request.
type RecipientLookup interface {
	RecipientsFor(ctx context.Context, requestID string) ([]Recipient, error)
}

// MailQueue accepts outgoing mail.
type MailQueue interface {
	EnqueueSendEmail(ctx context.Context, payload SendEmailPayload, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// ActivityNotifyJob fans a ledger entry out to the request's followers.
type ActivityNotifyJob struct {
	Recipients RecipientLookup
	Mail       MailQueue
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewActivityNotifyJob wires the notification handler.
func NewActivityNotifyJob(recipients RecipientLookup, mail MailQueue, logger *slog.Logger, metrics *jobmetrics.Metrics) *ActivityNotifyJob {
	return &ActivityNotifyJob{Recipients: recipients, Mail: mail, Logger: logger, Metrics: metrics}
}

// Handle processes TaskActivityNotify tasks. The actor is never notified of their own
// change. Each mail carries a task id derived from the entry and recipient, so a retry
// after a partial fan-out skips the recipients that were already queued.
func (j *ActivityNotifyJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Recipients == nil || j.Mail == nil {
		return errors.New("activity notify: handler not configured")
	}
	var payload ActivityNotifyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.RequestID == "" {
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(TaskActivityNotify)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.logger().With(slog.String("request_id", payload.RequestID), slog.String("entry_id", payload.EntryID))
	recipients, err := j.Recipients.RecipientsFor(ctx, payload.RequestID)
	if err != nil {
		logger.Error("resolve recipients", slog.Any("error", err))
		return err
	}
	sent, dup := 0, 0
	for _, r := range recipients {
		if r.Email == "" || r.UserID == payload.ActorID {
			continue
		}
		_, err := j.Mail.EnqueueSendEmail(ctx, notificationEmail(r.Email, payload),
			asynq.TaskID(notificationTaskID(payload.EntryID, r.UserID)))
		switch {
		case errors.Is(err, asynq.ErrTaskIDConflict):
			dup++
			continue
		case err != nil:
			logger.Error("enqueue notification", slog.String("to", r.Email), slog.Any("error", err))
			return err
		}
		sent++
	}
	logger.Info("activity notification queued", slog.String("action", payload.Action),
		slog.Int("recipients", sent), slog.Int("already_queued", dup))
	return nil
}

func (j *ActivityNotifyJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}

func notificationTaskID(entryID, userID string) string {
	return "mail:" + entryID + ":" + userID
}

func notificationEmail(to string, p ActivityNotifyPayload) SendEmailPayload {
	actor := p.ActorName
	if actor == "" {
		actor = "Someone"
	}
	var subject string
	switch p.Action {
	case activity.ActionMessageSent:
		subject = fmt.Sprintf("%s sent a message on your request", actor)
	case activity.ActionRequestSubmitted:
		subject = "New request submitted"
	default:
		subject = "Your request was updated"
	}
	var body strings.Builder
	fmt.Fprintf(&body, "%s\n\n", p.Description)
	fmt.Fprintf(&body, "By %s at %s\n", actor, p.CreatedAt.UTC().Format(time.RFC1123))
	fmt.Fprintf(&body, "Request: %s\n", p.RequestID)
	return SendEmailPayload{To: to, Subject: subject, Body: body.String()}
}

// PGRecipients resolves followers from the database: active users of the request's
// client plus the assigned team member.
type PGRecipients struct {
	pool *pgxpool.Pool
}

// NewPGRecipients constructs the lookup.
func NewPGRecipients(pool *pgxpool.Pool) *PGRecipients {
	return &PGRecipients{pool: pool}
}

// RecipientsFor implements RecipientLookup.
func (r *PGRecipients) RecipientsFor(ctx context.Context, requestID string) ([]Recipient, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT u.id, u.email
		FROM service_requests sr
		JOIN portal_users u ON (u.client_id = sr.client_id OR u.id = sr.assigned_to)
		WHERE sr.id = $1 AND u.is_active`, requestID)
	if err != nil {
		return nil, shared.Transport("jobs: recipients", err)
	}
	defer rows.Close()
	var out []Recipient
	for rows.Next() {
		var rcpt Recipient
		if err := rows.Scan(&rcpt.UserID, &rcpt.Email); err != nil {
			return nil, shared.Transport("jobs: recipients scan", err)
		}
		out = append(out, rcpt)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.Transport("jobs: recipients", err)
	}
	return out, nil
}
