package tally

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drand/tally/common"
	"github.com/drand/tally/internal/metrics"
	"github.com/drand/tally/internal/state"
)

// HandleTimeout fails a period whose oracle request expired unanswered,
// unlocking the refunds. Anyone may call it.
func (s *Service) HandleTimeout(ctx context.Context, periodID uint32) error {
	var failed *state.Period
	err := s.mutate(ctx, "handle_timeout", func(t *txn) error {
		if err := t.whenNotPaused(); err != nil {
			return err
		}
		p, err := t.Period(periodID)
		if errors.Is(err, state.ErrNotFound) {
			return fmt.Errorf("period %d: %w", periodID, common.ErrPeriodNotFound)
		} else if err != nil {
			return err
		}
		if p.RequestID == "" || t.now <= p.RequestDeadline {
			return fmt.Errorf("period %d deadline %d: %w", periodID, p.RequestDeadline, common.ErrTimeoutNotYetElapsed)
		}
		if p.State.Final() {
			return fmt.Errorf("period %d is %s: %w", periodID, p.State, common.ErrAlreadyClosed)
		}

		r, err := t.Request(p.RequestID)
		if err != nil {
			return err
		}
		r.Failed = true
		if err := t.PutRequest(r); err != nil {
			return err
		}
		if err := t.Resolve(r.ID); err != nil {
			return err
		}
		p.State = state.Failed
		p.FinalizedAt = t.now
		if err := t.PutPeriod(p); err != nil {
			return err
		}
		if err := markRefundable(t, p); err != nil {
			return err
		}
		failed = p
		return t.emit(&state.Event{
			Kind:             state.PeriodFailed,
			PeriodID:         p.ID,
			RequestID:        r.ID,
			ParticipantCount: len(p.Participants),
		})
	})
	if err != nil {
		return err
	}
	metrics.PeriodsResolved.WithLabelValues(state.Failed.String()).Inc()
	s.l.Warnw("period failed, oracle did not answer in time", "period", failed.ID, "request", failed.RequestID)
	return nil
}

func (s *Service) notifyWatcher() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// watchTimeouts recovers every expired request as soon as its deadline
// passes.
func (s *Service) watchTimeouts() {
	defer s.wg.Done()
	l := s.l.Named("watcher")
	for {
		var wait <-chan time.Time
		next, err := s.nextPending()
		switch {
		case err != nil:
			l.Errorw("listing pending requests", "err", err)
			wait = s.c.clock.After(watchRetry)
		case next == nil:
		case s.now() > next.Deadline:
			err := s.HandleTimeout(s.ctx, next.PeriodID)
			if err == nil {
				continue
			}
			if errors.Is(err, common.ErrAlreadyClosed) {
				// the period is final, only the index entry is left
				if err := s.dropPending(next.ID); err == nil {
					continue
				}
			}
			l.Warnw("automatic recovery failed", "period", next.PeriodID, "err", err)
			wait = s.c.clock.After(watchRetry)
		default:
			wait = s.c.clock.After(time.Duration(next.Deadline-s.now()+1) * time.Second)
		}

		select {
		case <-wait:
		case <-s.wake:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) nextPending() (*state.OracleRequest, error) {
	var next *state.OracleRequest
	err := s.c.store.View(s.ctx, func(tx state.Tx) error {
		pending, err := tx.Pending()
		if err != nil || len(pending) == 0 {
			return err
		}
		next = pending[0]
		return nil
	})
	return next, err
}

func (s *Service) dropPending(id state.RequestID) error {
	s.Lock()
	defer s.Unlock()
	return s.c.store.Update(s.ctx, func(tx state.Tx) error {
		return tx.Resolve(id)
	})
}
