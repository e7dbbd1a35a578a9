// Package memdb is an in-memory state.Store. Records are kept encoded so
// callers never share memory with the store.
package memdb

import (
	"context"
	"sort"
	"sync"

	"github.com/drand/tally/common"
	"github.com/drand/tally/internal/state"
)

// Store keeps every record in maps guarded by a RWMutex. Update holds the
// write lock for the whole transaction, so transactions are serialized.
type Store struct {
	mtx sync.RWMutex

	meta          []byte
	periods       map[uint32][]byte
	contributions map[contribKey][]byte
	requests      map[state.RequestID][]byte
	pending       map[state.RequestID]struct{}
	events        map[uint64][]byte
}

type contribKey struct {
	period      uint32
	participant common.Identity
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		periods:       make(map[uint32][]byte),
		contributions: make(map[contribKey][]byte),
		requests:      make(map[state.RequestID][]byte),
		pending:       make(map[state.RequestID]struct{}),
		events:        make(map[uint64][]byte),
	}
}

// View runs fn on a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(state.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return fn(newTx(s, false))
}

// Update runs fn and applies its writes only when it returns nil.
func (s *Store) Update(ctx context.Context, fn func(state.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	t := newTx(s, true)
	if err := fn(t); err != nil {
		return err
	}
	t.commit()
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

type tx struct {
	s        *Store
	writable bool

	meta          []byte
	periods       map[uint32][]byte
	contributions map[contribKey][]byte
	requests      map[state.RequestID][]byte
	pendingAdd    map[state.RequestID]struct{}
	pendingDel    map[state.RequestID]struct{}
	events        map[uint64][]byte
}

func newTx(s *Store, writable bool) *tx {
	return &tx{
		s:             s,
		writable:      writable,
		periods:       make(map[uint32][]byte),
		contributions: make(map[contribKey][]byte),
		requests:      make(map[state.RequestID][]byte),
		pendingAdd:    make(map[state.RequestID]struct{}),
		pendingDel:    make(map[state.RequestID]struct{}),
		events:        make(map[uint64][]byte),
	}
}

func (t *tx) commit() {
	if t.meta != nil {
		t.s.meta = t.meta
	}
	for k, v := range t.periods {
		t.s.periods[k] = v
	}
	for k, v := range t.contributions {
		t.s.contributions[k] = v
	}
	for k, v := range t.requests {
		t.s.requests[k] = v
	}
	for k := range t.pendingAdd {
		t.s.pending[k] = struct{}{}
	}
	for k := range t.pendingDel {
		delete(t.s.pending, k)
	}
	for k, v := range t.events {
		t.s.events[k] = v
	}
}

func (t *tx) Meta() (*state.Meta, error) {
	buff := t.meta
	if buff == nil {
		buff = t.s.meta
	}
	m := &state.Meta{}
	if buff == nil {
		return m, nil
	}
	return m, m.Unmarshal(buff)
}

func (t *tx) PutMeta(m *state.Meta) error {
	if !t.writable {
		return state.ErrReadOnly
	}
	buff, err := m.Marshal()
	if err != nil {
		return err
	}
	t.meta = buff
	return nil
}

func (t *tx) Period(id uint32) (*state.Period, error) {
	buff, ok := t.periods[id]
	if !ok {
		buff, ok = t.s.periods[id]
	}
	if !ok {
		return nil, state.ErrNotFound
	}
	p := &state.Period{}
	return p, p.Unmarshal(buff)
}

func (t *tx) PutPeriod(p *state.Period) error {
	if !t.writable {
		return state.ErrReadOnly
	}
	buff, err := p.Marshal()
	if err != nil {
		return err
	}
	t.periods[p.ID] = buff
	return nil
}

func (t *tx) Contribution(periodID uint32, participant common.Identity) (*state.Contribution, error) {
	k := contribKey{periodID, participant}
	buff, ok := t.contributions[k]
	if !ok {
		buff, ok = t.s.contributions[k]
	}
	if !ok {
		return nil, state.ErrNotFound
	}
	c := &state.Contribution{}
	return c, c.Unmarshal(buff)
}

func (t *tx) PutContribution(c *state.Contribution) error {
	if !t.writable {
		return state.ErrReadOnly
	}
	buff, err := c.Marshal()
	if err != nil {
		return err
	}
	t.contributions[contribKey{c.PeriodID, c.Participant}] = buff
	return nil
}

func (t *tx) Request(id state.RequestID) (*state.OracleRequest, error) {
	buff, ok := t.requests[id]
	if !ok {
		buff, ok = t.s.requests[id]
	}
	if !ok {
		return nil, state.ErrNotFound
	}
	r := &state.OracleRequest{}
	return r, r.Unmarshal(buff)
}

func (t *tx) PutRequest(r *state.OracleRequest) error {
	if !t.writable {
		return state.ErrReadOnly
	}
	buff, err := r.Marshal()
	if err != nil {
		return err
	}
	t.requests[r.ID] = buff
	if !r.Resolved() {
		t.pendingAdd[r.ID] = struct{}{}
		delete(t.pendingDel, r.ID)
	}
	return nil
}

func (t *tx) Pending() ([]*state.OracleRequest, error) {
	ids := make(map[state.RequestID]struct{})
	for id := range t.s.pending {
		ids[id] = struct{}{}
	}
	for id := range t.pendingAdd {
		ids[id] = struct{}{}
	}
	for id := range t.pendingDel {
		delete(ids, id)
	}
	out := make([]*state.OracleRequest, 0, len(ids))
	for id := range ids {
		r, err := t.Request(id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline < out[j].Deadline })
	return out, nil
}

func (t *tx) Resolve(id state.RequestID) error {
	if !t.writable {
		return state.ErrReadOnly
	}
	delete(t.pendingAdd, id)
	t.pendingDel[id] = struct{}{}
	return nil
}

func (t *tx) AppendEvent(e *state.Event) error {
	if !t.writable {
		return state.ErrReadOnly
	}
	buff, err := e.Marshal()
	if err != nil {
		return err
	}
	t.events[e.Seq] = buff
	return nil
}

func (t *tx) Events(from uint64, limit int) ([]*state.Event, error) {
	var seqs []uint64
	for seq := range t.s.events {
		if seq >= from {
			seqs = append(seqs, seq)
		}
	}
	for seq := range t.events {
		if _, dup := t.s.events[seq]; !dup && seq >= from {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	if limit > 0 && len(seqs) > limit {
		seqs = seqs[:limit]
	}
	out := make([]*state.Event, 0, len(seqs))
	for _, seq := range seqs {
		buff, ok := t.events[seq]
		if !ok {
			buff = t.s.events[seq]
		}
		e := &state.Event{}
		if err := e.Unmarshal(buff); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
