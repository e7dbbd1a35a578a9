package tally

import (
	"context"
	"fmt"

	"github.com/drand/tally/common"
	"github.com/drand/tally/internal/fhe"
	"github.com/drand/tally/internal/metrics"
	"github.com/drand/tally/internal/state"
	"github.com/drand/tally/internal/window"
)

// Submit records the encrypted contribution of participant to the open
// period and takes stake into custody. Out of bounds values are accepted but
// add zero to the aggregates; nobody learns which ones were.
func (s *Service) Submit(ctx context.Context, participant common.Identity, valueA, valueB fhe.Ciphertext, stake uint64) error {
	var held bool
	err := s.mutate(ctx, "submit", func(t *txn) error {
		if err := t.whenNotPaused(); err != nil {
			return err
		}
		if participant.IsZero() {
			return common.ErrZeroAddress
		}
		if !window.IsContribution(t.now, s.sched.Offset()) {
			return fmt.Errorf("submit at %d: %w", t.now, common.ErrWindowViolation)
		}
		p, err := current(t, t.meta)
		if err != nil {
			return err
		}
		if p == nil || p.State != state.Open {
			return fmt.Errorf("no open period: %w", common.ErrWindowViolation)
		}
		if _, err := t.Contribution(p.ID, participant); err == nil {
			return fmt.Errorf("%q in period %d: %w", participant, p.ID, common.ErrDuplicateContribution)
		} else if err != state.ErrNotFound {
			return err
		}
		if stake < s.c.minStake {
			return fmt.Errorf("stake %d below %d: %w", stake, s.c.minStake, common.ErrInvalidAmount)
		}

		valid, selA, selB, err := s.selectValid(valueA, valueB)
		if err != nil {
			return err
		}
		if p.AggregateA, err = s.c.engine.Add(p.AggregateA, selA); err != nil {
			return err
		}
		if p.AggregateB, err = s.c.engine.Add(p.AggregateB, selB); err != nil {
			return err
		}
		p.Participants = append(p.Participants, participant)

		c := &state.Contribution{
			PeriodID:    p.ID,
			Participant: participant,
			ValueA:      valueA,
			ValueB:      valueB,
			Valid:       valid,
			SubmittedAt: t.now,
			Stake:       stake,
		}
		if err := t.PutContribution(c); err != nil {
			return err
		}
		if err := t.PutPeriod(p); err != nil {
			return err
		}
		if err := t.emit(&state.Event{
			Kind:             state.ContributionRecorded,
			PeriodID:         p.ID,
			Participant:      participant,
			Amount:           stake,
			ParticipantCount: len(p.Participants),
		}); err != nil {
			return err
		}
		if err := s.c.escrow.Hold(ctx, participant, stake); err != nil {
			return err
		}
		held = true
		return nil
	})
	if err != nil {
		if held {
			// the commit failed after custody was taken
			if rerr := s.c.escrow.Release(ctx, participant, stake); rerr != nil {
				s.l.Errorw("returning stake after failed commit", "participant", participant, "stake", stake, "err", rerr)
			}
		}
		return err
	}
	metrics.Contributions.Inc()
	s.l.Debugw("contribution recorded", "participant", participant, "stake", stake)
	return nil
}

// selectValid computes, on ciphertexts only, valid = a <= MaxA && b <= MaxB
// and the values to accumulate, valid ? x : 0.
func (s *Service) selectValid(a, b fhe.Ciphertext) (fhe.Bool, fhe.Ciphertext, fhe.Ciphertext, error) {
	e := s.c.engine
	validA, err := e.LessOrEqual(a, s.c.maxA)
	if err != nil {
		return nil, nil, nil, err
	}
	validB, err := e.LessOrEqual(b, s.c.maxB)
	if err != nil {
		return nil, nil, nil, err
	}
	valid, err := e.And(validA, validB)
	if err != nil {
		return nil, nil, nil, err
	}
	zero, err := s.zero()
	if err != nil {
		return nil, nil, nil, err
	}
	selA, err := e.Select(valid, a, zero)
	if err != nil {
		return nil, nil, nil, err
	}
	selB, err := e.Select(valid, b, zero)
	if err != nil {
		return nil, nil, nil, err
	}
	return valid, selA, selB, nil
}
