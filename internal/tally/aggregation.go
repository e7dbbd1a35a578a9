package tally

import (
	"context"
	"fmt"
	"time"

	"github.com/drand/tally/common"
	"github.com/drand/tally/internal/fhe"
	"github.com/drand/tally/internal/state"
	"github.com/drand/tally/internal/window"
)

// RequestAggregation sends the aggregates of the open period to the oracle.
// It returns once the request is registered: the result arrives through
// OnDecrypted, or the period fails when the deadline passes.
func (s *Service) RequestAggregation(ctx context.Context, caller common.Identity) (state.RequestID, error) {
	var req *state.OracleRequest
	err := s.mutate(ctx, "request_aggregation", func(t *txn) error {
		if err := t.whenNotPaused(); err != nil {
			return err
		}
		if !t.meta.Roles.IsAuthority(caller) {
			return fmt.Errorf("request aggregation by %q: %w", caller, common.ErrNotAuthorized)
		}
		if !window.IsAggregation(t.now, s.sched.Offset()) {
			return fmt.Errorf("request aggregation at %d: %w", t.now, common.ErrWindowViolation)
		}
		p, err := current(t, t.meta)
		if err != nil {
			return err
		}
		if p == nil || p.State != state.Open {
			return common.ErrNoDataCollected
		}
		if len(p.Participants) < s.c.minParticipants {
			return fmt.Errorf("period %d has %d participants, need %d: %w",
				p.ID, len(p.Participants), s.c.minParticipants, common.ErrInsufficientParticipants)
		}

		id, err := s.c.oracle.RequestDecryption(ctx, []fhe.Ciphertext{p.AggregateA, p.AggregateB})
		if err != nil {
			return fmt.Errorf("oracle request: %w", err)
		}
		req = &state.OracleRequest{
			ID:       id,
			PeriodID: p.ID,
			IssuedAt: t.now,
			Deadline: t.now + int64(s.c.requestTimeout/time.Second),
		}
		if err := t.PutRequest(req); err != nil {
			return err
		}
		p.State = state.AwaitingDecryption
		p.RequestID = id
		p.RequestDeadline = req.Deadline
		if err := t.PutPeriod(p); err != nil {
			return err
		}
		return t.emit(&state.Event{
			Kind:             state.AggregationRequested,
			PeriodID:         p.ID,
			RequestID:        id,
			ParticipantCount: len(p.Participants),
			By:               caller,
		})
	})
	if err != nil {
		return "", err
	}
	s.l.Infow("aggregation requested", "period", req.PeriodID, "request", req.ID, "deadline", req.Deadline)
	s.notifyWatcher()
	return req.ID, nil
}
