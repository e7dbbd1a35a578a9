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

// OnDecrypted receives the plaintext aggregates from the oracle. Unknown,
// stale and duplicate responses are ignored. A response arriving after the
// deadline only marks the request failed: the period is then recovered
// through HandleTimeout.
func (s *Service) OnDecrypted(ctx context.Context, caller common.Identity, id state.RequestID, rawA, rawB uint64) error {
	var (
		closed *state.Period
		late   bool
		issued int64
	)
	err := s.mutate(ctx, "on_decrypted", func(t *txn) error {
		if err := t.whenNotPaused(); err != nil {
			return err
		}
		if caller.IsZero() || caller != s.c.oracleID {
			return fmt.Errorf("callback from %q: %w", caller, common.ErrNotAuthorized)
		}
		r, err := t.Request(id)
		if errors.Is(err, state.ErrNotFound) {
			s.l.Debugw("ignoring unknown request", "request", id)
			return nil
		} else if err != nil {
			return err
		}
		if r.Resolved() {
			s.l.Debugw("ignoring resolved request", "request", id, "completed", r.Completed)
			return nil
		}
		p, err := t.Period(r.PeriodID)
		if err != nil {
			return err
		}
		if p.State != state.AwaitingDecryption || p.RequestID != id {
			return nil
		}

		if t.now > r.Deadline {
			late = true
			r.Failed = true
			if err := t.PutRequest(r); err != nil {
				return err
			}
			return t.emit(&state.Event{Kind: state.LateCallbackDiscarded, PeriodID: p.ID, RequestID: id})
		}

		p.PublicA = rawA
		p.PublicB = rawB
		p.ObfuscatedA = Obfuscate(rawA, p.Multiplier)
		p.ObfuscatedB = Obfuscate(rawB, p.Multiplier)
		p.State = state.Closed
		p.FinalizedAt = t.now
		if err := t.PutPeriod(p); err != nil {
			return err
		}
		r.Completed = true
		if err := t.PutRequest(r); err != nil {
			return err
		}
		if err := t.Resolve(id); err != nil {
			return err
		}
		if err := markRefundable(t, p); err != nil {
			return err
		}
		closed = p
		issued = r.IssuedAt
		return t.emit(&state.Event{
			Kind:             state.PeriodFinalized,
			PeriodID:         p.ID,
			RequestID:        id,
			ObfuscatedA:      p.ObfuscatedA,
			ObfuscatedB:      p.ObfuscatedB,
			ParticipantCount: len(p.Participants),
		})
	})
	if err != nil {
		return err
	}
	if late {
		metrics.LateCallbacks.Inc()
		s.l.Warnw("late oracle callback discarded", "request", id)
		s.notifyWatcher()
		return nil
	}
	if closed == nil {
		return nil
	}
	metrics.PeriodsResolved.WithLabelValues(state.Closed.String()).Inc()
	metrics.OracleLatency.Observe((time.Duration(closed.FinalizedAt-issued) * time.Second).Seconds())
	s.l.Infow("period finalized", "period", closed.ID, "participants", len(closed.Participants))
	for _, participant := range closed.Participants {
		s.enqueueRefund(closed.ID, participant)
	}
	return nil
}

// markRefundable unlocks the stakes of every contribution to p.
func markRefundable(t *txn, p *state.Period) error {
	for _, participant := range p.Participants {
		c, err := t.Contribution(p.ID, participant)
		if err != nil {
			return err
		}
		c.Refundable = true
		if err := t.PutContribution(c); err != nil {
			return err
		}
	}
	return nil
}
