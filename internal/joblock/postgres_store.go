package joblock

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore keeps one row per job name in job_locks.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed lock store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const lockColumns = `id, job_name, holder, acquired_at, expires_at, booking_ids`

// Acquire upserts the row for the job name, but only overwrites it when the
// existing lease has expired. No returned row means someone else holds it.
func (p *PostgresStore) Acquire(ctx context.Context, l *Lock, now time.Time) error {
	var id string
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO job_locks (`+lockColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_name) DO UPDATE SET
			id = EXCLUDED.id,
			holder = EXCLUDED.holder,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at,
			booking_ids = EXCLUDED.booking_ids
		WHERE job_locks.expires_at <= $7
		RETURNING id`,
		l.ID, l.JobName, l.Holder, l.AcquiredAt, l.ExpiresAt, pq.Array(l.BookingIDs), now,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrConflict
	}
	return err
}

func (p *PostgresStore) Release(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM job_locks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireOne(res)
}

func (p *PostgresStore) Claim(ctx context.Context, id string, bookingIDs []string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE job_locks SET booking_ids = $1 WHERE id = $2`, pq.Array(bookingIDs), id)
	if err != nil {
		return err
	}
	return requireOne(res)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Lock, error) {
	l, err := scanLock(p.db.QueryRowContext(ctx, `SELECT `+lockColumns+` FROM job_locks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return l, err
}

func (p *PostgresStore) ListActive(ctx context.Context, now time.Time) ([]*Lock, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+lockColumns+`
		FROM job_locks
		WHERE expires_at > $1
		ORDER BY job_name`, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Remove(ctx context.Context, id string) (*Lock, error) {
	l, err := scanLock(p.db.QueryRowContext(ctx,
		`DELETE FROM job_locks WHERE id = $1 RETURNING `+lockColumns, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return l, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanLock(s scanner) (*Lock, error) {
	l := &Lock{}
	var ids pq.StringArray
	if err := s.Scan(&l.ID, &l.JobName, &l.Holder, &l.AcquiredAt, &l.ExpiresAt, &ids); err != nil {
		return nil, err
	}
	l.BookingIDs = []string(ids)
	if l.BookingIDs == nil {
		l.BookingIDs = []string{}
	}
	return l, nil
}

func requireOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
