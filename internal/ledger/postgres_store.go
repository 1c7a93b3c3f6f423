package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists the ledger in PostgreSQL. Update holds row locks on
// the booking and payment for the whole unit of work.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// WithClock overrides the time source used for unit-of-work timestamps.
func (p *PostgresStore) WithClock(now func() time.Time) *PostgresStore {
	p.now = now
	return p
}

const bookingColumns = `id, guest_id, realtor_id, property_id, realtor_subaccount, currency,
		check_in_at, check_out_at, nightly_rate, nights, status, stay_status,
		room_fee_release_eligible_at, payout_eligible_at, created_at, updated_at`

const paymentColumns = `booking_id, currency, total_amount, room_fee, cleaning_fee, service_fee,
		security_deposit, status, payment_reference, room_fee_split_done, deposit_refunded,
		deposit_settled, commission_paid_out, room_fee_release_reference, payout_reference,
		refund_reference, realtor_released, platform_released, customer_refunded,
		payout_status, payout_attempts, payout_last_error, settlement_holds, held_at, created_at, updated_at`

const eventColumns = `id, seq, booking_id, event_type, amount, currency, from_party, to_party,
		split, reference, provider_tx_id, outcome, retry_count, last_attempt_at, notes,
		actor, compensates_event_id, executed_at`

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (p *PostgresStore) CreateBooking(ctx context.Context, b *Booking) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		b.ID, b.GuestID, b.RealtorID, b.PropertyID, nullString(b.RealtorSubaccount), b.Currency,
		b.CheckInAt, b.CheckOutAt, b.NightlyRate, b.Nights, string(b.Status), string(b.StayStatus),
		b.RoomFeeReleaseEligibleAt, b.PayoutEligibleAt, b.CreatedAt, b.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrBookingExists
	}
	return err
}

func (p *PostgresStore) GetBooking(ctx context.Context, id string) (*Booking, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	return b, err
}

func (p *PostgresStore) CreatePayment(ctx context.Context, pay *Payment, held *Event) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM bookings WHERE id = $1 FOR UPDATE)`, pay.BookingID,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrBookingNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)`,
		paymentArgs(pay)...,
	)
	if isUniqueViolation(err) {
		return ErrPaymentExists
	}
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}

	if err := insertEvent(ctx, tx, held); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) GetPayment(ctx context.Context, bookingID string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE booking_id = $1`, bookingID)
	pay, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

func (p *PostgresStore) GetPaymentByReference(ctx context.Context, reference string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE payment_reference = $1`, reference)
	pay, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

func (p *PostgresStore) Update(ctx context.Context, bookingID string, fn func(*Record) error) ([]*Event, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// NO KEY keeps inserts that reference the booking (disputes) from
	// blocking on this lock while fn runs.
	b, err := scanBooking(tx.QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR NO KEY UPDATE`, bookingID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock booking: %w", err)
	}

	pay, err := scanPayment(tx.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE booking_id = $1 FOR UPDATE`, bookingID))
	if errors.Is(err, sql.ErrNoRows) {
		pay = nil
	} else if err != nil {
		return nil, fmt.Errorf("lock payment: %w", err)
	}

	var moved int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(movement), 0) FROM escrow_events WHERE booking_id = $1`, bookingID,
	).Scan(&moved); err != nil {
		return nil, fmt.Errorf("sum movement: %w", err)
	}

	rec := NewRecord(b, pay, moved, p.now(), ActorFromContext(ctx).String())
	if err := fn(rec); err != nil {
		return nil, err
	}
	if refs := rec.References(); len(refs) > 0 {
		var taken bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM escrow_events WHERE reference = ANY($1))`, pq.Array(refs),
		).Scan(&taken); err != nil {
			return nil, fmt.Errorf("check references: %w", err)
		}
		if taken {
			return nil, ErrDuplicateReference
		}
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE bookings SET status = $1, stay_status = $2, updated_at = $3
		WHERE id = $4`,
		string(b.Status), string(b.StayStatus), b.UpdatedAt, b.ID,
	); err != nil {
		return nil, fmt.Errorf("update booking: %w", err)
	}

	if pay != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE payments SET
				status = $1, room_fee_split_done = $2, deposit_refunded = $3,
				deposit_settled = $4, commission_paid_out = $5, room_fee_release_reference = $6,
				payout_reference = $7, refund_reference = $8, realtor_released = $9,
				platform_released = $10, customer_refunded = $11, payout_status = $12,
				payout_attempts = $13, payout_last_error = $14, settlement_holds = $15, updated_at = $16
			WHERE booking_id = $17`,
			string(pay.Status), pay.RoomFeeSplitDone, pay.DepositRefunded,
			pay.DepositSettled, pay.CommissionPaidOut, nullString(pay.RoomFeeReleaseReference),
			nullString(pay.PayoutReference), nullString(pay.RefundReference), pay.RealtorReleased,
			pay.PlatformReleased, pay.CustomerRefunded, string(pay.PayoutStatus),
			pay.PayoutAttempts, nullString(pay.PayoutLastError), pq.Array(holdsOrEmpty(pay.Holds)), pay.UpdatedAt,
			pay.BookingID,
		); err != nil {
			return nil, fmt.Errorf("update payment: %w", err)
		}
	}

	out := make([]*Event, 0, len(rec.emitted))
	for _, e := range rec.emitted {
		if err := insertEvent(ctx, tx, e); err != nil {
			return nil, err
		}
		cp := *e
		out = append(out, &cp)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func insertEvent(ctx context.Context, q queryer, e *Event) error {
	var split []byte
	if e.Split != nil {
		split, _ = json.Marshal(e.Split)
	}
	outcome, err := MarshalOutcome(e.Outcome)
	if err != nil {
		return err
	}
	err = q.QueryRowContext(ctx, `
		INSERT INTO escrow_events (
			id, booking_id, event_type, amount, currency, from_party, to_party,
			split, reference, provider_tx_id, outcome_kind, outcome, needs_delivery,
			retry_count, last_attempt_at, notes, actor, compensates_event_id,
			movement, executed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18,
			$19, $20
		) RETURNING seq`,
		e.ID, e.BookingID, string(e.Type), e.Amount, e.Currency, string(e.From), string(e.To),
		split, nullString(e.Reference), nullString(e.ProviderTxID), string(e.DeliveryStatusKind()), outcome, e.NeedsDelivery(),
		e.RetryCount, nullTime(e.LastAttemptAt), nullString(e.Notes), e.Actor, nullString(e.CompensatesEventID),
		e.Movement(), e.ExecutedAt,
	).Scan(&e.Seq)
	if isUniqueViolation(err) {
		return ErrDuplicateReference
	}
	if err != nil {
		return fmt.Errorf("insert escrow event: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetEvent(ctx context.Context, id string) (*Event, error) {
	e, err := scanEvent(p.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM escrow_events WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return e, err
}

func (p *PostgresStore) ListEvents(ctx context.Context, bookingID string) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM escrow_events
		WHERE booking_id = $1
		ORDER BY seq ASC`, bookingID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (p *PostgresStore) FindEventByReference(ctx context.Context, reference string) (*Event, error) {
	e, err := scanEvent(p.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM escrow_events WHERE reference = $1`, reference))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return e, err
}

func (p *PostgresStore) UpdateDelivery(ctx context.Context, eventID string, fn func(*Delivery) error) (*Event, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	e, err := scanEvent(tx.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM escrow_events WHERE id = $1 FOR UPDATE`, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}

	d := e.delivery()
	if err := fn(d); err != nil {
		return nil, err
	}
	e.applyDelivery(d)

	outcome, err := MarshalOutcome(e.Outcome)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE escrow_events SET
			outcome_kind = $1, outcome = $2, provider_tx_id = $3,
			retry_count = $4, last_attempt_at = $5
		WHERE id = $6`,
		string(e.DeliveryStatusKind()), outcome, nullString(e.ProviderTxID),
		e.RetryCount, nullTime(e.LastAttemptAt), e.ID,
	); err != nil {
		return nil, fmt.Errorf("update delivery: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e, nil
}

func (p *PostgresStore) ListRoomFeeReleaseCandidates(ctx context.Context, now time.Time, limit int) ([]*Booking, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT b.id, b.guest_id, b.realtor_id, b.property_id, b.realtor_subaccount, b.currency,
		       b.check_in_at, b.check_out_at, b.nightly_rate, b.nights, b.status, b.stay_status,
		       b.room_fee_release_eligible_at, b.payout_eligible_at, b.created_at, b.updated_at
		FROM bookings b
		JOIN payments p ON p.booking_id = b.id
		WHERE b.status IN ('ACTIVE', 'DISPUTED')
		  AND b.stay_status IN ('CHECKED_IN', 'CHECKED_OUT')
		  AND b.room_fee_release_eligible_at <= $1
		  AND p.status = 'HELD'
		  AND NOT p.room_fee_split_done
		  AND NOT (p.settlement_holds && ARRAY['ROOM_FEE', 'GENERAL']::TEXT[])
		ORDER BY b.room_fee_release_eligible_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func (p *PostgresStore) MarkPayoutsReady(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE payments p SET payout_status = 'READY', updated_at = $1
		FROM bookings b
		WHERE b.id = p.booking_id
		  AND p.payout_status = 'PENDING'
		  AND b.payout_eligible_at <= $1
		  AND p.status IN ('PARTIALLY_RELEASED', 'SETTLED')
		RETURNING p.booking_id`, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) ListDuePayouts(ctx context.Context, maxAttempts, limit int) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE cardinality(settlement_holds) = 0
		  AND (payout_status = 'READY'
		       OR (payout_status = 'FAILED' AND ($1 <= 0 OR payout_attempts < $1)))
		ORDER BY updated_at ASC
		LIMIT $2`, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPayments(rows)
}

func (p *PostgresStore) ListPaymentsUpdatedSince(ctx context.Context, since time.Time, limit int) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE updated_at >= $1
		ORDER BY updated_at ASC
		LIMIT $2`, since, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPayments(rows)
}

func (p *PostgresStore) ListUndelivered(ctx context.Context, attemptedBefore time.Time, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM escrow_events
		WHERE needs_delivery
		  AND outcome_kind IN ('pending', 'failed')
		  AND COALESCE(last_attempt_at, executed_at) < $1
		ORDER BY seq ASC
		LIMIT $2`, attemptedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (p *PostgresStore) DeliveryStats(ctx context.Context, since time.Time) (*DeliveryStats, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT outcome_kind, COUNT(*), COALESCE(SUM(retry_count), 0),
		       COUNT(*) FILTER (WHERE retry_count > 0),
		       MIN(executed_at) FILTER (WHERE outcome_kind = 'pending')
		FROM escrow_events
		WHERE needs_delivery AND executed_at >= $1
		GROUP BY outcome_kind`, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	stats := &DeliveryStats{ByOutcome: make(map[OutcomeKind]int)}
	for rows.Next() {
		var (
			kind           string
			count, retries int
			retried        int
			oldest         sql.NullTime
		)
		if err := rows.Scan(&kind, &count, &retries, &retried, &oldest); err != nil {
			return nil, err
		}
		stats.ByOutcome[OutcomeKind(kind)] = count
		stats.DeliveryEvents += count
		stats.TotalRetries += retries
		stats.EventsRetried += retried
		if oldest.Valid {
			t := oldest.Time
			stats.OldestPendingAt = &t
		}
	}
	return stats, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBooking(s scanner) (*Booking, error) {
	b := &Booking{}
	var (
		subaccount sql.NullString
		status     string
		stay       string
	)
	err := s.Scan(
		&b.ID, &b.GuestID, &b.RealtorID, &b.PropertyID, &subaccount, &b.Currency,
		&b.CheckInAt, &b.CheckOutAt, &b.NightlyRate, &b.Nights, &status, &stay,
		&b.RoomFeeReleaseEligibleAt, &b.PayoutEligibleAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.RealtorSubaccount = subaccount.String
	b.Status = BookingStatus(status)
	b.StayStatus = StayStatus(stay)
	return b, nil
}

func paymentArgs(p *Payment) []interface{} {
	return []interface{}{
		p.BookingID, p.Currency, p.TotalAmount, p.Fees.RoomFee, p.Fees.CleaningFee, p.Fees.ServiceFee,
		p.Fees.SecurityDeposit, string(p.Status), p.PaymentReference, p.RoomFeeSplitDone, p.DepositRefunded,
		p.DepositSettled, p.CommissionPaidOut, nullString(p.RoomFeeReleaseReference), nullString(p.PayoutReference),
		nullString(p.RefundReference), p.RealtorReleased, p.PlatformReleased, p.CustomerRefunded,
		string(p.PayoutStatus), p.PayoutAttempts, nullString(p.PayoutLastError), pq.Array(holdsOrEmpty(p.Holds)),
		p.HeldAt, p.CreatedAt, p.UpdatedAt,
	}
}

// holdsOrEmpty keeps the NOT NULL array column from receiving NULL.
func holdsOrEmpty(h []string) []string {
	if h == nil {
		return []string{}
	}
	return h
}

func scanPayment(s scanner) (*Payment, error) {
	p := &Payment{}
	var (
		status, payoutStatus                        string
		releaseRef, payoutRef, refundRef, lastError sql.NullString
	)
	err := s.Scan(
		&p.BookingID, &p.Currency, &p.TotalAmount, &p.Fees.RoomFee, &p.Fees.CleaningFee, &p.Fees.ServiceFee,
		&p.Fees.SecurityDeposit, &status, &p.PaymentReference, &p.RoomFeeSplitDone, &p.DepositRefunded,
		&p.DepositSettled, &p.CommissionPaidOut, &releaseRef, &payoutRef,
		&refundRef, &p.RealtorReleased, &p.PlatformReleased, &p.CustomerRefunded,
		&payoutStatus, &p.PayoutAttempts, &lastError, pq.Array(&p.Holds), &p.HeldAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = PaymentStatus(status)
	p.PayoutStatus = PayoutStatus(payoutStatus)
	p.RoomFeeReleaseReference = releaseRef.String
	p.PayoutReference = payoutRef.String
	p.RefundReference = refundRef.String
	p.PayoutLastError = lastError.String
	return p, nil
}

func scanPayments(rows *sql.Rows) ([]*Payment, error) {
	var result []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func scanEvent(s scanner) (*Event, error) {
	e := &Event{}
	var (
		eventType, from, to          string
		split, outcome               []byte
		reference, providerTx, notes sql.NullString
		compensates                  sql.NullString
		lastAttempt                  sql.NullTime
	)
	err := s.Scan(
		&e.ID, &e.Seq, &e.BookingID, &eventType, &e.Amount, &e.Currency, &from, &to,
		&split, &reference, &providerTx, &outcome, &e.RetryCount, &lastAttempt, &notes,
		&e.Actor, &compensates, &e.ExecutedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Type = EventType(eventType)
	e.From = Party(from)
	e.To = Party(to)
	if len(split) > 0 {
		e.Split = &Split{}
		if err := json.Unmarshal(split, e.Split); err != nil {
			return nil, fmt.Errorf("decode split for %s: %w", e.ID, err)
		}
	}
	e.Reference = reference.String
	e.ProviderTxID = providerTx.String
	e.Outcome = UnmarshalOutcome(outcome)
	e.Notes = notes.String
	e.CompensatesEventID = compensates.String
	if lastAttempt.Valid {
		e.LastAttemptAt = &lastAttempt.Time
	}
	return e, nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var result []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
