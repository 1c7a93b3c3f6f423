package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/shortlet/internal/pagination"
)

// PostgresStore persists disputes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, booking_id, opened_by, subject, status, reason, customer_claim,
		realtor_claim, escalated_at, admin_deadline_at, decision, claimed_amount,
		customer_amount, realtor_amount, platform_amount, resolved_by, resolution_notes,
		resolved_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		disputeArgs(d)...,
	)
	if err != nil {
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) ListByBooking(ctx context.Context, bookingID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE booking_id = $1
		ORDER BY created_at`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDisputes(rows)
}

func (p *PostgresStore) ListOverdue(ctx context.Context, now time.Time, after *pagination.Cursor, limit int) ([]*Dispute, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+disputeColumns+` FROM disputes
			WHERE status = $1 AND admin_deadline_at < $2
			ORDER BY admin_deadline_at, id
			LIMIT $3`, string(StatusEscalated), now, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+disputeColumns+` FROM disputes
			WHERE status = $1 AND admin_deadline_at < $2
			  AND (admin_deadline_at, id) > ($3, $4)
			ORDER BY admin_deadline_at, id
			LIMIT $5`, string(StatusEscalated), now, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDisputes(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, after *pagination.Cursor, limit int) ([]*Dispute, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+disputeColumns+` FROM disputes
			WHERE status = $1
			ORDER BY created_at, id
			LIMIT $2`, string(status), limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+disputeColumns+` FROM disputes
			WHERE status = $1 AND (created_at, id) > ($2, $3)
			ORDER BY created_at, id
			LIMIT $4`, string(status), after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDisputes(rows)
}

// Transition locks the row, checks its status and writes fn's changes in
// one transaction.
func (p *PostgresStore) Transition(ctx context.Context, id string, from []Status, fn func(*Dispute) error) (*Dispute, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	d, err := scanDispute(tx.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	if !statusIn(d.Status, from) {
		return nil, ErrInvalidTransition
	}
	if err := fn(d); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE disputes SET
			status = $2, customer_claim = $3, realtor_claim = $4, escalated_at = $5,
			admin_deadline_at = $6, decision = $7, claimed_amount = $8, customer_amount = $9,
			realtor_amount = $10, platform_amount = $11, resolved_by = $12,
			resolution_notes = $13, resolved_at = $14, updated_at = $15
		WHERE id = $1`,
		d.ID, string(d.Status), nullString(d.CustomerClaim), nullString(d.RealtorClaim),
		nullTime(d.EscalatedAt), nullTime(d.AdminDeadlineAt), nullString(string(d.Decision)),
		nullInt64(d.ClaimedAmount), d.CustomerAmount, d.RealtorAmount, d.PlatformAmount,
		nullString(d.ResolvedBy), nullString(d.ResolutionNotes), nullTime(d.ResolvedAt), d.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("update dispute: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return d, nil
}

func disputeArgs(d *Dispute) []interface{} {
	return []interface{}{
		d.ID, d.BookingID, d.OpenedBy, string(d.Subject), string(d.Status), d.Reason,
		nullString(d.CustomerClaim), nullString(d.RealtorClaim),
		nullTime(d.EscalatedAt), nullTime(d.AdminDeadlineAt), nullString(string(d.Decision)),
		nullInt64(d.ClaimedAmount), d.CustomerAmount, d.RealtorAmount, d.PlatformAmount,
		nullString(d.ResolvedBy), nullString(d.ResolutionNotes), nullTime(d.ResolvedAt),
		d.CreatedAt, d.UpdatedAt,
	}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		subject, status                       string
		customerClaim, realtorClaim, decision sql.NullString
		resolvedBy, notes                     sql.NullString
		escalatedAt, deadline, resolvedAt     sql.NullTime
		claimed                               sql.NullInt64
	)
	err := s.Scan(
		&d.ID, &d.BookingID, &d.OpenedBy, &subject, &status, &d.Reason, &customerClaim,
		&realtorClaim, &escalatedAt, &deadline, &decision, &claimed,
		&d.CustomerAmount, &d.RealtorAmount, &d.PlatformAmount, &resolvedBy, &notes,
		&resolvedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Subject = Subject(subject)
	d.Status = Status(status)
	d.CustomerClaim = customerClaim.String
	d.RealtorClaim = realtorClaim.String
	d.Decision = Decision(decision.String)
	d.ResolvedBy = resolvedBy.String
	d.ResolutionNotes = notes.String
	if escalatedAt.Valid {
		d.EscalatedAt = &escalatedAt.Time
	}
	if deadline.Valid {
		d.AdminDeadlineAt = &deadline.Time
	}
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	if claimed.Valid {
		d.ClaimedAmount = &claimed.Int64
	}
	return d, nil
}

func scanDisputes(rows *sql.Rows) ([]*Dispute, error) {
	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
