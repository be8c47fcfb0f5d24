package activity

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/agency-portal/internal/platform/db"
	"github.com/odyssey-erp/agency-portal/internal/shared"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx, so ledger writes can join a caller's
// transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries implements the ledger's SQL against any DBTX.
type Queries struct {
	db DBTX
}

// NewQueries binds the queries to db.
func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

// NewRepository returns ledger queries bound to the pool.
func NewRepository(pool *pgxpool.Pool) *Queries {
	return NewQueries(pool)
}

// PGTransactor runs message edits and their audit rows in one database transaction.
type PGTransactor struct {
	pool *pgxpool.Pool
}

// NewTransactor returns a Transactor backed by pool.
func NewTransactor(pool *pgxpool.Pool) *PGTransactor {
	return &PGTransactor{pool: pool}
}

// InTx implements Transactor.
func (t *PGTransactor) InTx(ctx context.Context, fn func(repo Repository, audit AuditRecorder) error) error {
	return db.WithTx(ctx, t.pool, func(tx pgx.Tx) error {
		return fn(NewQueries(tx), shared.NewTxAuditLogger(tx))
	})
}

const entryColumns = `id, request_id, action, description, entity_type, user_id, user_name, user_role, created_at`

// Insert appends an entry. Rows are never updated except for message text.
func (q *Queries) Insert(ctx context.Context, e Entry) (Entry, error) {
	var userID, userName, userRole pgtype.Text
	if e.Actor != nil {
		userID = pgtype.Text{String: e.Actor.UserID, Valid: true}
		userName = pgtype.Text{String: e.Actor.UserName, Valid: true}
		userRole = pgtype.Text{String: e.Actor.UserRole, Valid: true}
	}
	row := q.db.QueryRow(ctx, `INSERT INTO activity_logs (`+entryColumns+`)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9)
		RETURNING `+entryColumns,
		e.ID, e.RequestID, e.Action, e.Description, e.EntityType, userID, userName, userRole, e.CreatedAt)
	out, err := scanEntry(row)
	if err != nil {
		return Entry{}, shared.Transport("activity: insert", err)
	}
	return out, nil
}

// Get fetches a single entry.
func (q *Queries) Get(ctx context.Context, id string) (Entry, error) {
	row := q.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM activity_logs WHERE id = $1`, id)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, shared.Transport("activity: get", err)
	}
	return e, nil
}

// ListByRequest returns a request's entries oldest first.
func (q *Queries) ListByRequest(ctx context.Context, requestID string) ([]Entry, error) {
	rows, err := q.db.Query(ctx, `SELECT `+entryColumns+` FROM activity_logs WHERE request_id = $1 ORDER BY created_at, id`, requestID)
	if err != nil {
		return nil, shared.Transport("activity: list", err)
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, shared.Transport("activity: scan", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.Transport("activity: list", err)
	}
	return entries, nil
}

// UpdateDescription rewrites the text of a message entry. The actor columns and
// created_at are not touched; non-message rows never match.
func (q *Queries) UpdateDescription(ctx context.Context, id, description string) (Entry, error) {
	row := q.db.QueryRow(ctx, `UPDATE activity_logs SET description = $2
		WHERE id = $1 AND entity_type = 'message'
		RETURNING `+entryColumns, id, description)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, shared.Transport("activity: update description", err)
	}
	return e, nil
}

// Delete removes a message entry.
func (q *Queries) Delete(ctx context.Context, id string) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM activity_logs WHERE id = $1 AND entity_type = 'message'`, id)
	if err != nil {
		return shared.Transport("activity: delete", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e                          Entry
		description, entityType    pgtype.Text
		userID, userName, userRole pgtype.Text
		createdAt                  pgtype.Timestamptz
	)
	if err := row.Scan(&e.ID, &e.RequestID, &e.Action, &description, &entityType, &userID, &userName, &userRole, &createdAt); err != nil {
		return Entry{}, err
	}
	e.Description = description.String
	e.EntityType = entityType.String
	if userID.Valid {
		e.Actor = &ActorSnapshot{UserID: userID.String, UserName: userName.String, UserRole: userRole.String}
	}
	if createdAt.Valid {
		e.CreatedAt = createdAt.Time.UTC()
	}
	return e, nil
}
