package requests

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/agency-portal/internal/activity"
	"github.com/odyssey-erp/agency-portal/internal/platform/db"
	"github.com/odyssey-erp/agency-portal/internal/shared"
)

// TxRepository exposes the writes that must commit together.
type TxRepository interface {
	InsertRecord(ctx context.Context, r Record) (Record, error)
	PatchField(ctx context.Context, id string, field Field, value string) (Record, error)
	AppendActivity(ctx context.Context, e activity.Entry) (activity.Entry, error)
}

// Repository persists requests in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx runs fn in a read-committed transaction; the record patch and its ledger entry
// commit or roll back together.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx, ledger: activity.NewQueries(tx)})
	})
}

const recordColumns = `id, title, description, status, priority, client_id, assigned_to, due_date, created_at, updated_at`

// Get loads a request by id.
func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM service_requests WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, shared.Transport("requests: get", err)
	}
	return rec, nil
}

type txRepo struct {
	tx     pgx.Tx
	ledger *activity.Queries
}

func (t *txRepo) InsertRecord(ctx context.Context, rec Record) (Record, error) {
	var due pgtype.Date
	if rec.DueDate != nil {
		due = pgtype.Date{Time: *rec.DueDate, Valid: true}
	}
	row := t.tx.QueryRow(ctx, `INSERT INTO service_requests (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $9)
		RETURNING `+recordColumns,
		rec.ID, rec.Title, rec.Description, rec.Status, rec.Priority, rec.ClientID, rec.AssignedTo, due, rec.CreatedAt)
	out, err := scanRecord(row)
	if err != nil {
		return Record{}, shared.Transport("requests: insert", err)
	}
	return out, nil
}

// patchExpressions whitelists the SET clause per field; values are always bound.
var patchExpressions = map[Field]string{
	FieldStatus:      "status = $2",
	FieldPriority:    "priority = $2",
	FieldAssignedTo:  "assigned_to = NULLIF($2, '')",
	FieldDueDate:     "due_date = NULLIF($2, '')::date",
	FieldTitle:       "title = $2",
	FieldDescription: "description = $2",
}

func (t *txRepo) PatchField(ctx context.Context, id string, field Field, value string) (Record, error) {
	expr, ok := patchExpressions[field]
	if !ok {
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidField, string(field))
	}
	row := t.tx.QueryRow(ctx, `UPDATE service_requests SET `+expr+`, updated_at = now()
		WHERE id = $1 RETURNING `+recordColumns, id, value)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, shared.Transport("requests: patch "+string(field), err)
	}
	return rec, nil
}

func (t *txRepo) AppendActivity(ctx context.Context, e activity.Entry) (activity.Entry, error) {
	return t.ledger.Insert(ctx, e)
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec        Record
		assignedTo pgtype.Text
		due        pgtype.Date
		createdAt  pgtype.Timestamptz
		updatedAt  pgtype.Timestamptz
	)
	if err := row.Scan(&rec.ID, &rec.Title, &rec.Description, &rec.Status, &rec.Priority,
		&rec.ClientID, &assignedTo, &due, &createdAt, &updatedAt); err != nil {
		return Record{}, err
	}
	rec.AssignedTo = assignedTo.String
	if due.Valid {
		d := due.Time
		rec.DueDate = &d
	}
	rec.CreatedAt = createdAt.Time.UTC()
	rec.UpdatedAt = updatedAt.Time.UTC()
	return rec, nil
}
