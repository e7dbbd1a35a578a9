package state

import (
	"context"
	"errors"

	"github.com/drand/tally/common"
)

// ErrNotFound is returned by Tx getters when the record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrReadOnly is returned when writing from a View transaction.
var ErrReadOnly = errors.New("read-only transaction")

// Tx is a view of the store inside a transaction. Records returned by the
// getters are copies: mutations only take effect through the Put methods.
type Tx interface {
	// Meta returns an empty Meta until the first PutMeta.
	Meta() (*Meta, error)
	PutMeta(*Meta) error

	Period(id uint32) (*Period, error)
	PutPeriod(*Period) error

	Contribution(periodID uint32, participant common.Identity) (*Contribution, error)
	PutContribution(*Contribution) error

	Request(id RequestID) (*OracleRequest, error)
	PutRequest(*OracleRequest) error
	// Pending lists the requests stored while unresolved and not yet removed
	// by Resolve, earliest deadline first.
	Pending() ([]*OracleRequest, error)
	// Resolve removes id from the pending index. The request stays readable.
	Resolve(id RequestID) error

	AppendEvent(*Event) error
	// Events returns up to limit events with a sequence number >= from.
	Events(from uint64, limit int) ([]*Event, error)
}

// Store persists the service state. Update runs fn atomically: either all of
// its writes are applied, or none when fn (or the commit) fails.
type Store interface {
	View(ctx context.Context, fn func(Tx) error) error
	Update(ctx context.Context, fn func(Tx) error) error
	Close() error
}
