package tally

import (
	"context"

	"github.com/drand/tally/common"
	"github.com/drand/tally/internal/roles"
	"github.com/drand/tally/internal/state"
)

func (s *Service) roleChange(ctx context.Context, op string, kind state.EventKind, by, subject common.Identity,
	fn func(r *roles.Registry) error) error {
	err := s.mutate(ctx, op, func(t *txn) error {
		if err := fn(t.meta.Roles); err != nil {
			return err
		}
		return t.emit(&state.Event{Kind: kind, By: by, Participant: subject})
	})
	if err == nil {
		s.l.Infow("roles updated", "op", op, "by", by, "subject", subject)
	}
	return err
}

// Pause stops every mutating operation until Unpause.
func (s *Service) Pause(ctx context.Context, caller common.Identity) error {
	return s.roleChange(ctx, "pause", state.Paused, caller, "", func(r *roles.Registry) error {
		return r.Pause(caller)
	})
}

// Unpause resumes normal operation. Refunds the workers could not pay while
// paused are queued again.
func (s *Service) Unpause(ctx context.Context, caller common.Identity) error {
	err := s.roleChange(ctx, "unpause", state.Unpaused, caller, "", func(r *roles.Registry) error {
		return r.Unpause(caller)
	})
	if err == nil {
		s.notifyWatcher()
		if s.running.Load() {
			s.requeueRefunds()
		}
	}
	return err
}

// AddPauser grants the pauser role to id.
func (s *Service) AddPauser(ctx context.Context, caller, id common.Identity) error {
	return s.roleChange(ctx, "add_pauser", state.PauserAdded, caller, id, func(r *roles.Registry) error {
		return r.AddPauser(caller, id)
	})
}

// RemovePauser revokes the pauser role of id.
func (s *Service) RemovePauser(ctx context.Context, caller, id common.Identity) error {
	return s.roleChange(ctx, "remove_pauser", state.PauserRemoved, caller, id, func(r *roles.Registry) error {
		return r.RemovePauser(caller, id)
	})
}

// TransferAuthority hands the authority role over to id.
func (s *Service) TransferAuthority(ctx context.Context, caller, id common.Identity) error {
	return s.roleChange(ctx, "transfer_authority", state.AuthorityTransferred, caller, id, func(r *roles.Registry) error {
		return r.TransferAuthority(caller, id)
	})
}

// Roles returns a copy of the role registry.
func (s *Service) Roles(ctx context.Context) (*roles.Registry, error) {
	var r *roles.Registry
	err := s.c.store.View(ctx, func(tx state.Tx) error {
		m, err := tx.Meta()
		if err != nil {
			return err
		}
		if m.Roles == nil {
			r = &roles.Registry{}
			return nil
		}
		r = m.Roles.Clone()
		return nil
	})
	return r, err
}
