package tally

import (
	"context"
	"errors"
	"fmt"

	"github.com/drand/tally/common"
	"github.com/drand/tally/internal/fhe"
	"github.com/drand/tally/internal/state"
)

// Report is the public view of a period: no ciphertext and no raw
// aggregate. Results are only set once the period is closed with enough
// participants.
type Report struct {
	ID           uint32          `json:"id"`
	State        string          `json:"state"`
	StartTime    int64           `json:"start_time"`
	Participants int             `json:"participants"`
	RequestID    state.RequestID `json:"request_id,omitempty"`
	Deadline     int64           `json:"deadline,omitempty"`
	FinalizedAt  int64           `json:"finalized_at,omitempty"`
	Opener       common.Identity `json:"opener"`
	ObfuscatedA  uint64          `json:"obfuscated_a,omitempty"`
	ObfuscatedB  uint64          `json:"obfuscated_b,omitempty"`
	AverageA     uint64          `json:"average_a,omitempty"`
	AverageB     uint64          `json:"average_b,omitempty"`
}

// ContributionView is a contribution without its validity flag.
type ContributionView struct {
	PeriodID    uint32          `json:"period_id"`
	Participant common.Identity `json:"participant"`
	ValueA      fhe.Ciphertext  `json:"value_a"`
	ValueB      fhe.Ciphertext  `json:"value_b"`
	SubmittedAt int64           `json:"submitted_at"`
	Stake       uint64          `json:"stake"`
	Refundable  bool            `json:"refundable"`
	Refunded    bool            `json:"refunded"`
}

func (s *Service) period(ctx context.Context, id uint32) (*state.Period, error) {
	var p *state.Period
	err := s.c.store.View(ctx, func(tx state.Tx) error {
		var err error
		p, err = tx.Period(id)
		return err
	})
	if errors.Is(err, state.ErrNotFound) {
		return nil, fmt.Errorf("period %d: %w", id, common.ErrPeriodNotFound)
	}
	return p, err
}

// Period returns the full record of a period, raw aggregates included.
func (s *Service) Period(ctx context.Context, id uint32) (*state.Period, error) {
	return s.period(ctx, id)
}

// Current returns the last opened period, or ErrPeriodNotFound.
func (s *Service) Current(ctx context.Context) (*state.Period, error) {
	var p *state.Period
	err := s.c.store.View(ctx, func(tx state.Tx) error {
		m, err := tx.Meta()
		if err != nil {
			return err
		}
		p, err = current(tx, m)
		return err
	})
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("no period opened yet: %w", common.ErrPeriodNotFound)
	}
	return p, nil
}

// Report returns the public view of a period.
func (s *Service) Report(ctx context.Context, id uint32) (*Report, error) {
	p, err := s.period(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.report(p), nil
}

func (s *Service) report(p *state.Period) *Report {
	r := &Report{
		ID:           p.ID,
		State:        p.State.String(),
		StartTime:    p.StartTime,
		Participants: len(p.Participants),
		RequestID:    p.RequestID,
		Deadline:     p.RequestDeadline,
		FinalizedAt:  p.FinalizedAt,
		Opener:       p.Opener,
	}
	n := len(p.Participants)
	if p.State == state.Closed && n >= s.c.minParticipants {
		r.ObfuscatedA = p.ObfuscatedA
		r.ObfuscatedB = p.ObfuscatedB
		r.AverageA = p.ObfuscatedA / uint64(n)
		r.AverageB = p.ObfuscatedB / uint64(n)
	}
	return r
}

// Contribution returns the contribution of participant to a period.
func (s *Service) Contribution(ctx context.Context, periodID uint32, participant common.Identity) (*ContributionView, error) {
	var c *state.Contribution
	err := s.c.store.View(ctx, func(tx state.Tx) error {
		var err error
		c, err = tx.Contribution(periodID, participant)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &ContributionView{
		PeriodID:    c.PeriodID,
		Participant: c.Participant,
		ValueA:      c.ValueA,
		ValueB:      c.ValueB,
		SubmittedAt: c.SubmittedAt,
		Stake:       c.Stake,
		Refundable:  c.Refundable,
		Refunded:    c.Refunded,
	}, nil
}

// Events returns up to limit audit events starting at sequence from.
func (s *Service) Events(ctx context.Context, from uint64, limit int) ([]*state.Event, error) {
	var evs []*state.Event
	err := s.c.store.View(ctx, func(tx state.Tx) error {
		var err error
		evs, err = tx.Events(from, limit)
		return err
	})
	return evs, err
}
