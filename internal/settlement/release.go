package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/shortlet/internal/dispute"
	"github.com/mbd888/shortlet/internal/jobs"
	"github.com/mbd888/shortlet/internal/ledger"
	"github.com/mbd888/shortlet/internal/money"
	"github.com/mbd888/shortlet/internal/notify"
)

// ReleaseRoomFee splits the held room fee between realtor and platform and
// transfers the realtor's share. It fails with ErrDisputeOpen while a
// room-fee or general dispute is open and ErrAlreadyReleased if another
// path got there first.
func (s *Service) ReleaseRoomFee(ctx context.Context, bookingID string) (*ledger.Event, error) {
	if err := s.blocked(ctx, bookingID, dispute.SubjectRoomFee); err != nil {
		return nil, err
	}

	ref, _, _ := references(bookingID)
	var booking ledger.Booking
	events, err := s.ledger.Update(ctx, bookingID, func(r *ledger.Record) error {
		p := r.Payment
		if p == nil {
			return ledger.ErrPaymentNotFound
		}
		if p.RoomFeeSplitDone || p.Status != ledger.PaymentHeld {
			return ErrAlreadyReleased
		}
		if p.Frozen(ledger.HoldRoomFee) {
			return ErrDisputeOpen
		}
		b := r.Booking
		if (b.Status != ledger.BookingActive && b.Status != ledger.BookingDisputed) ||
			(b.StayStatus != ledger.StayCheckedIn && b.StayStatus != ledger.StayCheckedOut) ||
			b.RoomFeeReleaseEligibleAt.After(r.Now()) {
			return ErrNotEligible
		}

		realtor, platform := money.Split2(p.Fees.RoomFee, money.Whole-s.cfg.CommissionRate)
		if realtor+platform > 0 {
			r.Emit(&ledger.Event{
				Type:      ledger.EventReleaseRoomFeeSplit,
				Amount:    realtor + platform,
				From:      ledger.PartyEscrow,
				To:        ledger.PartySplit,
				Split:     &ledger.Split{Realtor: realtor, Platform: platform},
				Reference: ref,
				Notes:     "room fee released after dispute window",
			})
		}
		p.RoomFeeSplitDone = true
		p.RoomFeeReleaseReference = ref
		p.Status = ledger.PaymentPartiallyReleased
		booking = *b
		return nil
	})
	if err != nil {
		return nil, err
	}

	roomFeeReleases.Inc()
	s.deliver(ctx, events)
	s.notify(ctx, notify.KindRoomFeeReleased, &booking, map[string]interface{}{"reference": ref})
	if len(events) == 0 {
		return nil, nil
	}
	return events[0], nil
}

// RoomFeeReleaseJob releases room fees whose dispute window has passed.
type RoomFeeReleaseJob struct {
	service *Service
}

func NewRoomFeeReleaseJob(s *Service) *RoomFeeReleaseJob {
	return &RoomFeeReleaseJob{service: s}
}

func (j *RoomFeeReleaseJob) Name() string { return "room_fee_release" }

func (j *RoomFeeReleaseJob) Run(ctx context.Context, run *jobs.Run) error {
	s := j.service
	candidates, err := s.ledger.Store().ListRoomFeeReleaseCandidates(ctx, s.now(), s.cfg.ReleaseBatch)
	if err != nil {
		return fmt.Errorf("list release candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil
	}
	ids := make([]string, 0, len(candidates))
	for _, b := range candidates {
		ids = append(ids, b.ID)
	}
	if err := run.Claim(ctx, ids); err != nil {
		return err
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := s.ReleaseRoomFee(ctx, id)
		switch {
		case err == nil:
			run.Succeed()
		case errors.Is(err, ErrDisputeOpen):
			run.Skip(id, "open dispute")
		case errors.Is(err, ErrAlreadyReleased), errors.Is(err, ErrNotEligible):
			run.Skip(id, err.Error())
		default:
			run.Fail(id, err)
		}
	}
	return nil
}

var _ jobs.Job = (*RoomFeeReleaseJob)(nil)
