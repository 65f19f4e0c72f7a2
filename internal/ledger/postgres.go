package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"invoice-approval/internal/model"
	"invoice-approval/pkg/clock"
)

// DB is the subset of *pgxpool.Pool used by PostgresStore.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps invoices in a single table; content is a bytea
// column. Each mutation is one statement on one id row.
type PostgresStore struct {
	db    DB
	clock clock.Clock
}

func NewPostgresStore(db DB, clk clock.Clock) *PostgresStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &PostgresStore{db: db, clock: clk}
}

const schema = `
CREATE TABLE IF NOT EXISTS invoices (
    id              TEXT PRIMARY KEY,
    filename        TEXT NOT NULL,
    content         BYTEA NOT NULL,
    submitter       TEXT NOT NULL,
    status          TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL,
    decided_by      TEXT NOT NULL DEFAULT '',
    decision_reason TEXT NOT NULL DEFAULT '',
    archive_locator TEXT NOT NULL DEFAULT '',
    archive_link    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS invoices_status_created_idx ON invoices (status, created_at);
`

// EnsureSchema creates the invoices table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return storageErr("schema", err)
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, content []byte, filename, submitter string) (string, error) {
	id := newID()
	now := s.clock.Now().UTC()
	query := `
        INSERT INTO invoices (id, filename, content, submitter, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $6)
    `
	if _, err := s.db.Exec(ctx, query, id, filename, content, submitter, model.StatusPending, now); err != nil {
		return "", storageErr("put", err)
	}
	return id, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*model.Invoice, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	query := `
        SELECT id, filename, content, submitter, status, created_at, updated_at,
               decided_by, decision_reason, archive_locator, archive_link
        FROM invoices
        WHERE id = $1
    `
	var inv model.Invoice
	err := s.db.QueryRow(ctx, query, id).Scan(
		&inv.ID,
		&inv.Filename,
		&inv.Content,
		&inv.Submitter,
		&inv.Status,
		&inv.CreatedAt,
		&inv.UpdatedAt,
		&inv.DecidedBy,
		&inv.DecisionReason,
		&inv.ArchiveLocator,
		&inv.ArchiveLink,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get", err)
	}
	return &inv, nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, id string, u model.StatusUpdate) error {
	if err := checkUpdate(u); err != nil {
		return err
	}
	if !validID(id) {
		return ErrNotFound
	}
	// content is deliberately absent from the SET list
	query := `
        UPDATE invoices
        SET status          = $2,
            updated_at      = $3,
            decided_by      = COALESCE(NULLIF($4, ''), decided_by),
            decision_reason = COALESCE(NULLIF($5, ''), decision_reason),
            archive_locator = CASE WHEN $2 = $8 THEN COALESCE(NULLIF($6, ''), archive_locator) ELSE '' END,
            archive_link    = CASE WHEN $2 = $8 THEN COALESCE(NULLIF($7, ''), archive_link) ELSE '' END
        WHERE id = $1
    `
	tag, err := s.db.Exec(ctx, query,
		id, u.Status, s.clock.Now().UTC(),
		u.DecidedBy, u.Reason, u.ArchiveLocator, u.ArchiveLink,
		model.StatusApproved,
	)
	if err != nil {
		return storageErr("set status", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	query := `
        DELETE FROM invoices
        WHERE status <> $1 AND created_at < $2
    `
	tag, err := s.db.Exec(ctx, query, model.StatusPending, olderThan.UTC())
	if err != nil {
		return 0, storageErr("purge", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) List(ctx context.Context, f model.ListFilter) ([]model.Invoice, error) {
	query := `
        SELECT id, filename, submitter, status, created_at, updated_at,
               decided_by, decision_reason, archive_locator, archive_link
        FROM invoices
        WHERE ($1 = '' OR status = $1)
        ORDER BY created_at DESC
    `
	args := []any{string(f.Status)}
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list", err)
	}
	defer rows.Close()

	invoices := []model.Invoice{}
	for rows.Next() {
		var inv model.Invoice
		if err := rows.Scan(
			&inv.ID,
			&inv.Filename,
			&inv.Submitter,
			&inv.Status,
			&inv.CreatedAt,
			&inv.UpdatedAt,
			&inv.DecidedBy,
			&inv.DecisionReason,
			&inv.ArchiveLocator,
			&inv.ArchiveLink,
		); err != nil {
			return nil, storageErr("list scan", err)
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list", err)
	}
	return invoices, nil
}
