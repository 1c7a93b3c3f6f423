package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists webhook receipts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed receipt store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Record(ctx context.Context, r *Receipt) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_receipts (id, provider, provider_event_id, type, reference, booking_id,
			escrow_event_id, outcome, status, error, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.Provider, r.ProviderEventID, nullString(r.Type), nullString(r.Reference), nullString(r.BookingID),
		nullString(r.EscrowEventID), nullString(r.Outcome), string(r.Status), nullString(r.Error), r.ReceivedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert webhook receipt: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListByBooking(ctx context.Context, bookingID string, limit int) ([]*Receipt, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, provider, provider_event_id, type, reference, booking_id, escrow_event_id,
			outcome, status, error, received_at
		FROM webhook_receipts
		WHERE booking_id = $1
		ORDER BY received_at DESC
		LIMIT $2`, bookingID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Receipt
	for rows.Next() {
		r := &Receipt{}
		var typ, ref, booking, event, outcome, errMsg sql.NullString
		var status string
		if err := rows.Scan(&r.ID, &r.Provider, &r.ProviderEventID, &typ, &ref, &booking, &event,
			&outcome, &status, &errMsg, &r.ReceivedAt); err != nil {
			return nil, err
		}
		r.Type = typ.String
		r.Reference = ref.String
		r.BookingID = booking.String
		r.EscrowEventID = event.String
		r.Outcome = outcome.String
		r.Status = Status(status)
		r.Error = errMsg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Stats(ctx context.Context, since time.Time) (Stats, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM webhook_receipts
		WHERE received_at >= $1
		GROUP BY status`, since)
	if err != nil {
		return Stats{}, err
	}
	defer func() { _ = rows.Close() }()

	var s Stats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		s.add(Status(status), n)
	}
	return s, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
