// Package roles holds the authority and pauser identities that gate the
// privileged operations, and the emergency pause switch.
package roles

import (
	"fmt"
	"sort"

	"github.com/drand/tally/common"
)

// Registry is the serializable role state. The zero value has no authority
// and therefore rejects every privileged call.
type Registry struct {
	Authority common.Identity   `json:"authority"`
	Pausers   []common.Identity `json:"pausers"`
	Paused    bool              `json:"paused"`
}

// New returns a registry where authority is also the first pauser.
func New(authority common.Identity) (*Registry, error) {
	if authority.IsZero() {
		return nil, common.ErrZeroAddress
	}
	return &Registry{
		Authority: authority,
		Pausers:   []common.Identity{authority},
	}, nil
}

// Clone returns a deep copy of r.
func (r *Registry) Clone() *Registry {
	c := *r
	c.Pausers = append([]common.Identity(nil), r.Pausers...)
	return &c
}

// IsAuthority reports whether id is the authority.
func (r *Registry) IsAuthority(id common.Identity) bool {
	return !id.IsZero() && id == r.Authority
}

// IsPauser reports whether id may pause and unpause.
func (r *Registry) IsPauser(id common.Identity) bool {
	if id.IsZero() {
		return false
	}
	i := sort.Search(len(r.Pausers), func(i int) bool { return r.Pausers[i] >= id })
	return i < len(r.Pausers) && r.Pausers[i] == id
}

// WhenNotPaused returns ErrContractPaused while the registry is paused.
func (r *Registry) WhenNotPaused() error {
	if r.Paused {
		return common.ErrContractPaused
	}
	return nil
}

// Pause stops all mutating operations. Pausing twice is a no-op.
func (r *Registry) Pause(caller common.Identity) error {
	if !r.IsPauser(caller) {
		return fmt.Errorf("pause by %q: %w", caller, common.ErrNotAuthorized)
	}
	r.Paused = true
	return nil
}

// Unpause resumes normal operation.
func (r *Registry) Unpause(caller common.Identity) error {
	if !r.IsPauser(caller) {
		return fmt.Errorf("unpause by %q: %w", caller, common.ErrNotAuthorized)
	}
	r.Paused = false
	return nil
}

// AddPauser grants the pauser role. Adding an existing pauser is a no-op.
func (r *Registry) AddPauser(caller, id common.Identity) error {
	if err := r.onlyAuthority(caller, id); err != nil {
		return err
	}
	if r.IsPauser(id) {
		return nil
	}
	r.Pausers = append(r.Pausers, id)
	sort.Slice(r.Pausers, func(i, j int) bool { return r.Pausers[i] < r.Pausers[j] })
	return nil
}

// RemovePauser revokes the pauser role.
func (r *Registry) RemovePauser(caller, id common.Identity) error {
	if err := r.onlyAuthority(caller, id); err != nil {
		return err
	}
	out := r.Pausers[:0]
	for _, p := range r.Pausers {
		if p != id {
			out = append(out, p)
		}
	}
	r.Pausers = out
	return nil
}

// TransferAuthority hands the authority role over to id.
func (r *Registry) TransferAuthority(caller, id common.Identity) error {
	if err := r.onlyAuthority(caller, id); err != nil {
		return err
	}
	r.Authority = id
	return nil
}

func (r *Registry) onlyAuthority(caller, id common.Identity) error {
	if !r.IsAuthority(caller) {
		return fmt.Errorf("caller %q: %w", caller, common.ErrNotAuthorized)
	}
	if id.IsZero() {
		return common.ErrZeroAddress
	}
	return nil
}
