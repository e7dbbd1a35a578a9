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

// OpenPeriod starts a new collection period. Anyone may call it during a
// contribution window, once the previous period reached a final state.
func (s *Service) OpenPeriod(ctx context.Context, opener common.Identity) (uint32, error) {
	var id uint32
	err := s.mutate(ctx, "open_period", func(t *txn) error {
		if err := t.whenNotPaused(); err != nil {
			return err
		}
		if opener.IsZero() {
			return fmt.Errorf("opener: %w", common.ErrZeroAddress)
		}
		if !window.IsContribution(t.now, s.sched.Offset()) {
			return fmt.Errorf("open period at %d: %w", t.now, common.ErrWindowViolation)
		}
		last := t.meta.LastPeriodID
		if last > 0 {
			prev, err := t.Period(last)
			if err != nil {
				return err
			}
			if prev.State.Active() {
				return fmt.Errorf("period %d is %s: %w", last, prev.State, common.ErrPeriodAlreadyActive)
			}
		}
		if last >= s.c.maxPeriods {
			return common.ErrMaxPeriodsReached
		}

		zeroA, err := s.zero()
		if err != nil {
			return err
		}
		zeroB, err := s.zero()
		if err != nil {
			return err
		}
		rnd, err := s.c.entropy.Entropy(ctx)
		if err != nil {
			return fmt.Errorf("drawing entropy: %w", err)
		}

		id = last + 1
		p := &state.Period{
			ID:           id,
			State:        state.Open,
			StartTime:    t.now,
			Opener:       opener,
			AggregateA:   zeroA,
			AggregateB:   zeroB,
			Participants: []common.Identity{},
			Multiplier:   Multiplier(t.now, rnd, id, opener),
		}
		if err := t.PutPeriod(p); err != nil {
			return err
		}
		t.meta.LastPeriodID = id
		return t.emit(&state.Event{Kind: state.PeriodOpened, PeriodID: id, By: opener})
	})
	if err != nil {
		return 0, err
	}
	metrics.PeriodsOpened.Inc()
	metrics.CurrentPeriod.Set(float64(id))
	s.l.Infow("period opened", "period", id, "opener", opener)
	return id, nil
}

// current returns the last opened period, or nil when none was.
func current(t state.Tx, m *state.Meta) (*state.Period, error) {
	if m.LastPeriodID == 0 {
		return nil, nil
	}
	return t.Period(m.LastPeriodID)
}

func (s *Service) zero() (fhe.Ciphertext, error) {
	return s.c.engine.Encrypt(0)
}
