package tally

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/drand/tally/common"
	"github.com/drand/tally/common/log"
	"github.com/drand/tally/internal/entropy"
	"github.com/drand/tally/internal/escrow"
	"github.com/drand/tally/internal/fhe"
	"github.com/drand/tally/internal/oracle"
	"github.com/drand/tally/internal/state"
)

// ConfigOption is a function that applies a specific setting to a Config.
type ConfigOption func(*Config)

// Config holds everything a Service needs to run.
type Config struct {
	clock    clockwork.Clock
	logger   log.Logger
	engine   fhe.Engine
	oracle   oracle.Oracle
	oracleID common.Identity
	store    state.Store
	escrow   escrow.Escrow
	entropy  entropy.Source

	authority common.Identity
	pausers   []common.Identity

	tzOffset        time.Duration
	maxA            uint64
	maxB            uint64
	minParticipants int
	minStake        uint64
	requestTimeout  time.Duration
	maxPeriods      uint32

	refundWorkers int
	refundQueue   int
	noWatcher     bool
}

// NewConfig returns the config with the default options set and the updated
// values given by the options.
func NewConfig(opts ...ConfigOption) *Config {
	c := &Config{
		clock:           clockwork.NewRealClock(),
		logger:          log.DefaultLogger(),
		entropy:         entropy.NewReaderSource(nil),
		maxA:            DefaultMaxA,
		maxB:            DefaultMaxB,
		minParticipants: DefaultMinParticipants,
		minStake:        DefaultMinStake,
		requestTimeout:  DefaultRequestTimeout,
		maxPeriods:      DefaultMaxPeriods,
		refundWorkers:   DefaultRefundWorkers,
		refundQueue:     DefaultRefundQueue,
	}
	for i := range opts {
		opts[i](c)
	}
	return c
}

// WithClock sets the clock every deadline and window is computed with.
func WithClock(clock clockwork.Clock) ConfigOption {
	return func(c *Config) {
		c.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) ConfigOption {
	return func(c *Config) {
		c.logger = l
	}
}

// WithEngine sets the homomorphic engine.
func WithEngine(e fhe.Engine) ConfigOption {
	return func(c *Config) {
		c.engine = e
	}
}

// WithOracle sets the decryption oracle and the identity its callbacks come
// from.
func WithOracle(o oracle.Oracle, id common.Identity) ConfigOption {
	return func(c *Config) {
		c.oracle = o
		c.oracleID = id
	}
}

// WithStore sets the state store.
func WithStore(s state.Store) ConfigOption {
	return func(c *Config) {
		c.store = s
	}
}

// WithEscrow sets the custody of the stakes.
func WithEscrow(e escrow.Escrow) ConfigOption {
	return func(c *Config) {
		c.escrow = e
	}
}

// WithEntropy sets the entropy source of the obfuscation multiplier.
func WithEntropy(s entropy.Source) ConfigOption {
	return func(c *Config) {
		c.entropy = s
	}
}

// WithAuthority sets the initial authority. It is only used on a fresh
// store; afterwards the persisted roles win.
func WithAuthority(id common.Identity, pausers ...common.Identity) ConfigOption {
	return func(c *Config) {
		c.authority = id
		c.pausers = pausers
	}
}

// WithTimezoneOffset shifts the window schedule.
func WithTimezoneOffset(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.tzOffset = d
	}
}

// WithBounds sets the inclusive bounds of valid A and B values.
func WithBounds(maxA, maxB uint64) ConfigOption {
	return func(c *Config) {
		c.maxA = maxA
		c.maxB = maxB
	}
}

// WithMinParticipants sets the k-anonymity threshold.
func WithMinParticipants(n int) ConfigOption {
	return func(c *Config) {
		c.minParticipants = n
	}
}

// WithMinStake sets the minimum collateral.
func WithMinStake(s uint64) ConfigOption {
	return func(c *Config) {
		c.minStake = s
	}
}

// WithRequestTimeout sets how long the oracle has to answer.
func WithRequestTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.requestTimeout = d
	}
}

// WithMaxPeriods sets the ceiling of the period counter.
func WithMaxPeriods(n uint32) ConfigOption {
	return func(c *Config) {
		c.maxPeriods = n
	}
}

// WithRefundWorkers sets the number of refund workers and the queue size.
func WithRefundWorkers(workers, queue int) ConfigOption {
	return func(c *Config) {
		c.refundWorkers = workers
		c.refundQueue = queue
	}
}

// WithoutTimeoutWatcher disables the automatic recovery of expired requests;
// HandleTimeout must then be called explicitly.
func WithoutTimeoutWatcher() ConfigOption {
	return func(c *Config) {
		c.noWatcher = true
	}
}

// Params are the public parameters of a running service.
type Params struct {
	MaxA            uint64          `json:"max_a"`
	MaxB            uint64          `json:"max_b"`
	MinParticipants int             `json:"min_participants"`
	MinStake        uint64          `json:"min_stake"`
	RequestTimeout  int64           `json:"request_timeout"`
	MaxPeriods      uint32          `json:"max_periods"`
	TimezoneOffset  int64           `json:"timezone_offset"`
	Oracle          common.Identity `json:"oracle"`
}

func (c *Config) params() Params {
	return Params{
		MaxA:            c.maxA,
		MaxB:            c.maxB,
		MinParticipants: c.minParticipants,
		MinStake:        c.minStake,
		RequestTimeout:  int64(c.requestTimeout / time.Second),
		MaxPeriods:      c.maxPeriods,
		TimezoneOffset:  int64(c.tzOffset / time.Second),
		Oracle:          c.oracleID,
	}
}
