package tally

import (
	"context"
	"errors"
	"fmt"

	"github.com/drand/tally/common"
	"github.com/drand/tally/internal/metrics"
	"github.com/drand/tally/internal/state"
)

type refundJob struct {
	periodID    uint32
	participant common.Identity
}

// ClaimRefund pays the stake of participant in a closed or failed period
// back. The refund is marked processed before the payment is made, and
// undone if the payment fails. The payment runs outside the service lock:
// calling back into the service with the payment context fails with
// ErrReentrancyDetected, any other call sees the claim already processed.
func (s *Service) ClaimRefund(ctx context.Context, participant common.Identity, periodID uint32) error {
	const op = "claim_refund"
	if err := nonReentrant(ctx); err != nil {
		metrics.Rejected(op, err)
		return err
	}
	stake, err := s.markRefunded(ctx, op, periodID, participant)
	if err != nil {
		return err
	}

	if err := s.c.escrow.Release(inPayout(ctx), participant, stake); err != nil {
		rerr := s.locked(ctx, op, func(t *txn) error {
			c, err := t.Contribution(periodID, participant)
			if err != nil {
				return err
			}
			c.Refunded = false
			return t.PutContribution(c)
		})
		if rerr != nil {
			s.l.Errorw("reverting failed refund", "period", periodID, "participant", participant, "err", rerr)
		}
		return fmt.Errorf("paying refund: %w", err)
	}

	err = s.locked(ctx, op, func(t *txn) error {
		return t.emit(&state.Event{
			Kind:        state.RefundIssued,
			PeriodID:    periodID,
			Participant: participant,
			Amount:      stake,
		})
	})
	if err != nil {
		s.l.Errorw("recording refund", "period", periodID, "participant", participant, "err", err)
	}
	metrics.RefundsPaid.Inc()
	metrics.RefundedStake.Add(float64(stake))
	s.l.Debugw("refund paid", "period", periodID, "participant", participant, "stake", stake)
	return nil
}

// markRefunded checks the claim and commits it, returning the stake to pay.
func (s *Service) markRefunded(ctx context.Context, op string, periodID uint32, participant common.Identity) (uint64, error) {
	var stake uint64
	err := s.locked(ctx, op, func(t *txn) error {
		if err := t.whenNotPaused(); err != nil {
			return err
		}
		p, err := t.Period(periodID)
		if errors.Is(err, state.ErrNotFound) {
			return fmt.Errorf("period %d: %w", periodID, common.ErrRefundUnavailable)
		} else if err != nil {
			return err
		}
		if !p.State.Final() {
			return fmt.Errorf("period %d is %s: %w", periodID, p.State, common.ErrRefundUnavailable)
		}
		c, err := t.Contribution(periodID, participant)
		if errors.Is(err, state.ErrNotFound) {
			return fmt.Errorf("%q did not contribute to period %d: %w", participant, periodID, common.ErrRefundUnavailable)
		} else if err != nil {
			return err
		}
		if c.Refunded {
			return fmt.Errorf("%q in period %d: %w", participant, periodID, common.ErrRefundAlreadyProcessed)
		}
		if !c.Refundable {
			return fmt.Errorf("%q in period %d: %w", participant, periodID, common.ErrRefundUnavailable)
		}
		c.Refunded = true
		stake = c.Stake
		return t.PutContribution(c)
	})
	return stake, err
}

func (s *Service) enqueueRefund(periodID uint32, participant common.Identity) {
	select {
	case s.refunds <- refundJob{periodID, participant}:
		metrics.RefundQueue.Set(float64(s.queued.Inc()))
	default:
		s.l.Warnw("refund queue full, leaving the claim to the participant", "period", periodID, "participant", participant)
	}
}

func (s *Service) refundWorker(i int) {
	defer s.wg.Done()
	l := s.l.Named("refunds").With("worker", i)
	for {
		select {
		case j := <-s.refunds:
			metrics.RefundQueue.Set(float64(s.queued.Dec()))
			err := s.ClaimRefund(s.ctx, j.participant, j.periodID)
			switch {
			case err == nil:
			case errors.Is(err, common.ErrRefundAlreadyProcessed):
				l.Debugw("refund already claimed", "period", j.periodID, "participant", j.participant)
			default:
				l.Warnw("refund failed", "period", j.periodID, "participant", j.participant, "err", err)
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// requeueRefunds queues the unpaid refunds of the last period, in case the
// process stopped before paying them all.
func (s *Service) requeueRefunds() {
	var jobs []refundJob
	err := s.c.store.View(s.ctx, func(tx state.Tx) error {
		m, err := tx.Meta()
		if err != nil {
			return err
		}
		p, err := current(tx, m)
		if err != nil || p == nil || !p.State.Final() {
			return err
		}
		for _, participant := range p.Participants {
			c, err := tx.Contribution(p.ID, participant)
			if err != nil {
				return err
			}
			if c.Refundable && !c.Refunded {
				jobs = append(jobs, refundJob{p.ID, participant})
			}
		}
		return nil
	})
	if err != nil {
		s.l.Errorw("scanning unpaid refunds", "err", err)
		return
	}
	for _, j := range jobs {
		s.enqueueRefund(j.periodID, j.participant)
	}
}
