package tally

import (
	"context"
	"errors"
	"time"

	"github.com/drand/tally/common"
	"github.com/drand/tally/common/log"
	"github.com/drand/tally/internal/window"
)

// Drive acts on every window start on behalf of as: it opens a period when a
// contribution window begins and requests the aggregation when an
// aggregation window begins. It blocks until ctx is done.
func (s *Service) Drive(ctx context.Context, as common.Identity) {
	l := s.l.Named("driver").With("as", as)
	l.Infow("driver started")
	for {
		now := s.c.clock.Now()
		s.act(ctx, l, s.sched.At(now), as)

		next := s.sched.Until(s.c.clock.Now())
		if next <= 0 {
			next = time.Second
		}
		select {
		case <-s.c.clock.After(next):
		case <-ctx.Done():
			l.Infow("driver stopped")
			return
		}
	}
}

func (s *Service) act(ctx context.Context, l log.Logger, w window.Window, as common.Identity) {
	switch w {
	case window.Contribution:
		id, err := s.OpenPeriod(ctx, as)
		switch {
		case err == nil:
			l.Infow("opened period", "period", id)
		case errors.Is(err, common.ErrPeriodAlreadyActive), errors.Is(err, common.ErrContractPaused):
			l.Infow("not opening a period", "reason", err)
		default:
			l.Warnw("opening period", "err", err)
		}
	case window.Aggregation:
		id, err := s.RequestAggregation(ctx, as)
		switch {
		case err == nil:
			l.Infow("requested aggregation", "request", id)
		case errors.Is(err, common.ErrNoDataCollected),
			errors.Is(err, common.ErrInsufficientParticipants),
			errors.Is(err, common.ErrContractPaused):
			l.Infow("not requesting aggregation", "reason", err)
		default:
			l.Warnw("requesting aggregation", "err", err)
		}
	}
}
