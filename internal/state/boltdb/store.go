package boltdb

import (
	"context"
	"io"
	"path"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/drand/tally/common"
	"github.com/drand/tally/common/log"
	"github.com/drand/tally/internal/state"
)

// Store implements state.Store on top of boltdb. Records are stored
// JSON-encoded, one bucket per record kind.
type Store struct {
	db  *bolt.DB
	log log.Logger
}

var (
	metaBucket         = []byte("meta")
	periodBucket       = []byte("periods")
	contributionBucket = []byte("contributions")
	requestBucket      = []byte("requests")
	pendingBucket      = []byte("pending")
	eventBucket        = []byte("events")

	metaKey = []byte("meta")

	buckets = [][]byte{metaBucket, periodBucket, contributionBucket, requestBucket, pendingBucket, eventBucket}
)

// FileName is the name of the file boltdb writes to.
const FileName = "tally.db"

// OpenPerm is the permission of the database file.
const OpenPerm = 0660

// NewStore opens (or creates) the database under folder.
func NewStore(ctx context.Context, l log.Logger, folder string, opts *bolt.Options) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path.Join(folder, FileName), OpenPerm, opts)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, log: l}, nil
}

// View runs fn in a read-only bolt transaction.
func (s *Store) View(ctx context.Context, fn func(state.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&tx{btx})
	})
}

// Update runs fn in a read-write bolt transaction; bolt rolls back every
// write when fn returns an error.
func (s *Store) Update(ctx context.Context, fn func(state.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(btx *bolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(&tx{btx})
	})
}

// Close closes the database file.
func (s *Store) Close() error {
	err := s.db.Close()
	if err != nil {
		s.log.Errorw("closing store", "err", err)
	}
	return err
}

// SaveTo writes a consistent copy of the database to w.
func (s *Store) SaveTo(ctx context.Context, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(w)
		return err
	})
}

type tx struct {
	*bolt.Tx
}

func (t *tx) put(bucket, key []byte, v interface{ Marshal() ([]byte, error) }) error {
	if !t.Writable() {
		return state.ErrReadOnly
	}
	buff, err := v.Marshal()
	if err != nil {
		return err
	}
	return t.Bucket(bucket).Put(key, buff)
}

func (t *tx) get(bucket, key []byte, v interface{ Unmarshal([]byte) error }) error {
	buff := t.Bucket(bucket).Get(key)
	if buff == nil {
		return state.ErrNotFound
	}
	return v.Unmarshal(buff)
}

func (t *tx) Meta() (*state.Meta, error) {
	m := &state.Meta{}
	if err := t.get(metaBucket, metaKey, m); err != nil && err != state.ErrNotFound {
		return nil, err
	}
	return m, nil
}

func (t *tx) PutMeta(m *state.Meta) error {
	return t.put(metaBucket, metaKey, m)
}

func (t *tx) Period(id uint32) (*state.Period, error) {
	p := &state.Period{}
	if err := t.get(periodBucket, state.PeriodToBytes(id), p); err != nil {
		return nil, err
	}
	return p, nil
}

func (t *tx) PutPeriod(p *state.Period) error {
	return t.put(periodBucket, state.PeriodToBytes(p.ID), p)
}

func contributionKey(periodID uint32, participant common.Identity) []byte {
	return append(state.PeriodToBytes(periodID), []byte(participant)...)
}

func (t *tx) Contribution(periodID uint32, participant common.Identity) (*state.Contribution, error) {
	c := &state.Contribution{}
	if err := t.get(contributionBucket, contributionKey(periodID, participant), c); err != nil {
		return nil, err
	}
	return c, nil
}

func (t *tx) PutContribution(c *state.Contribution) error {
	return t.put(contributionBucket, contributionKey(c.PeriodID, c.Participant), c)
}

func (t *tx) Request(id state.RequestID) (*state.OracleRequest, error) {
	r := &state.OracleRequest{}
	if err := t.get(requestBucket, []byte(id), r); err != nil {
		return nil, err
	}
	return r, nil
}

func (t *tx) PutRequest(r *state.OracleRequest) error {
	if err := t.put(requestBucket, []byte(r.ID), r); err != nil {
		return err
	}
	if r.Resolved() {
		return nil
	}
	return t.Bucket(pendingBucket).Put([]byte(r.ID), []byte{})
}

func (t *tx) Pending() ([]*state.OracleRequest, error) {
	var out []*state.OracleRequest
	err := t.Bucket(pendingBucket).ForEach(func(k, _ []byte) error {
		r, err := t.Request(state.RequestID(k))
		if err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline < out[j].Deadline })
	return out, err
}

func (t *tx) Resolve(id state.RequestID) error {
	if !t.Writable() {
		return state.ErrReadOnly
	}
	return t.Bucket(pendingBucket).Delete([]byte(id))
}

func (t *tx) AppendEvent(e *state.Event) error {
	return t.put(eventBucket, state.SeqToBytes(e.Seq), e)
}

func (t *tx) Events(from uint64, limit int) ([]*state.Event, error) {
	var out []*state.Event
	c := t.Bucket(eventBucket).Cursor()
	for k, v := c.Seek(state.SeqToBytes(from)); k != nil; k, v = c.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		e := &state.Event{}
		if err := e.Unmarshal(v); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
