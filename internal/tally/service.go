// Package tally runs the periodic confidential aggregation: it opens
// collection periods, accumulates encrypted contributions, asks the oracle to
// reveal the sums, and pays the collateral back whatever the outcome.
package tally

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/drand/tally/common"
	"github.com/drand/tally/common/log"
	"github.com/drand/tally/internal/metrics"
	"github.com/drand/tally/internal/roles"
	"github.com/drand/tally/internal/state"
	"github.com/drand/tally/internal/window"
)

// Service is the aggregation state machine. Every mutating operation runs
// under the service lock and commits in a single store transaction, so a
// failed call leaves no trace.
type Service struct {
	sync.Mutex
	c     *Config
	l     log.Logger
	sched *window.Scheduler

	cbMtx  sync.Mutex
	cbs    map[string]func(*state.Event)
	events chan []*state.Event

	refunds chan refundJob
	queued  *atomic.Int64
	wake    chan struct{}

	running *atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New returns a service over the configured store. A fresh store is seeded
// with the configured authority.
func New(ctx context.Context, c *Config) (*Service, error) {
	switch {
	case c.engine == nil:
		return nil, errors.New("tally: no engine configured")
	case c.oracle == nil:
		return nil, errors.New("tally: no oracle configured")
	case c.oracleID.IsZero():
		return nil, fmt.Errorf("tally: oracle identity: %w", common.ErrZeroAddress)
	case c.store == nil:
		return nil, errors.New("tally: no store configured")
	case c.escrow == nil:
		return nil, errors.New("tally: no escrow configured")
	case c.minParticipants < 1:
		return nil, errors.New("tally: minimum participants must be positive")
	case c.maxPeriods == 0:
		return nil, errors.New("tally: maximum periods must be positive")
	}

	err := c.store.Update(ctx, func(tx state.Tx) error {
		m, err := tx.Meta()
		if err != nil {
			return err
		}
		if m.Roles != nil {
			return nil
		}
		r, err := roles.New(c.authority)
		if err != nil {
			return fmt.Errorf("tally: authority: %w", err)
		}
		for _, p := range c.pausers {
			if err := r.AddPauser(c.authority, p); err != nil {
				return fmt.Errorf("tally: pauser %q: %w", p, err)
			}
		}
		m.Roles = r
		return tx.PutMeta(m)
	})
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(context.Background())
	queue := c.refundQueue
	if queue < 1 {
		queue = 1
	}
	return &Service{
		c:       c,
		l:       c.logger.Named("tally"),
		sched:   window.NewScheduler(c.tzOffset),
		cbs:     make(map[string]func(*state.Event)),
		events:  make(chan []*state.Event, eventQueue),
		refunds: make(chan refundJob, queue),
		queued:  atomic.NewInt64(0),
		wake:    make(chan struct{}, 1),
		running: atomic.NewBool(false),
		ctx:     sctx,
		cancel:  cancel,
	}, nil
}

// Start launches the event dispatcher, the refund workers and the timeout
// watcher. It is a no-op on a running service.
func (s *Service) Start() {
	if !s.running.CAS(false, true) {
		return
	}
	s.wg.Add(1)
	go s.dispatch()
	for i := 0; i < s.c.refundWorkers; i++ {
		s.wg.Add(1)
		go s.refundWorker(i)
	}
	if !s.c.noWatcher {
		s.wg.Add(1)
		go s.watchTimeouts()
	}
	s.requeueRefunds()
	s.l.Infow("service started", "refund_workers", s.c.refundWorkers, "watcher", !s.c.noWatcher)
}

// Stop halts the background goroutines and waits for them.
func (s *Service) Stop() {
	s.cancel()
	s.wg.Wait()
	s.l.Infow("service stopped")
}

// Params returns the public parameters.
func (s *Service) Params() Params {
	return s.c.params()
}

// AddCallback registers fn to be called, in order, with every committed event.
func (s *Service) AddCallback(id string, fn func(*state.Event)) {
	s.cbMtx.Lock()
	defer s.cbMtx.Unlock()
	s.cbs[id] = fn
}

// RemoveCallback unregisters the callback under id.
func (s *Service) RemoveCallback(id string) {
	s.cbMtx.Lock()
	defer s.cbMtx.Unlock()
	delete(s.cbs, id)
}

func (s *Service) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case evs := <-s.events:
			s.cbMtx.Lock()
			for _, e := range evs {
				for _, cb := range s.cbs {
					cb(e)
				}
			}
			s.cbMtx.Unlock()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) now() int64 {
	return s.c.clock.Now().Unix()
}

// txn is the state of one mutating operation.
type txn struct {
	state.Tx
	meta   *state.Meta
	now    int64
	events []*state.Event
}

func (t *txn) emit(e *state.Event) error {
	t.meta.EventSeq++
	e.Seq = t.meta.EventSeq
	e.Time = t.now
	t.events = append(t.events, e)
	return t.AppendEvent(e)
}

func (t *txn) whenNotPaused() error {
	return t.meta.Roles.WhenNotPaused()
}

// update runs fn atomically. The events fn emits are persisted with its
// writes and handed to the callbacks once committed.
func (s *Service) update(ctx context.Context, op string, fn func(*txn) error) error {
	var t *txn
	err := s.c.store.Update(ctx, func(tx state.Tx) error {
		m, err := tx.Meta()
		if err != nil {
			return err
		}
		if m.Roles == nil {
			m.Roles = &roles.Registry{}
		}
		t = &txn{Tx: tx, meta: m, now: s.now()}
		if err := fn(t); err != nil {
			return err
		}
		return tx.PutMeta(t.meta)
	})
	if err != nil {
		metrics.Rejected(op, err)
		s.l.Debugw("operation rejected", "op", op, "err", err)
		return err
	}
	if len(t.events) > 0 {
		select {
		case s.events <- t.events:
		default:
			s.l.Warnw("event queue full, dropping notification", "op", op, "events", len(t.events))
		}
	}
	return nil
}

type payoutKey struct{}

// nonReentrant fails when ctx belongs to a payout in progress.
func nonReentrant(ctx context.Context) error {
	if ctx.Value(payoutKey{}) != nil {
		return common.ErrReentrancyDetected
	}
	return nil
}

func inPayout(ctx context.Context) context.Context {
	return context.WithValue(ctx, payoutKey{}, true)
}

// mutate is the entry point of every mutating operation.
func (s *Service) mutate(ctx context.Context, op string, fn func(*txn) error) error {
	if err := nonReentrant(ctx); err != nil {
		metrics.Rejected(op, err)
		return err
	}
	return s.locked(ctx, op, fn)
}

// locked runs update under the service lock. No external call may be made
// while the lock is held.
func (s *Service) locked(ctx context.Context, op string, fn func(*txn) error) error {
	s.Lock()
	defer s.Unlock()
	return s.update(ctx, op, fn)
}
