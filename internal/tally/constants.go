package tally

import "time"

// DefaultMaxA is the inclusive upper bound of a valid A value.
const DefaultMaxA uint64 = 10000

// DefaultMaxB is the inclusive upper bound of a valid B value.
const DefaultMaxB uint64 = 100

// DefaultMinParticipants is the k-anonymity threshold: fewer contributions
// are never aggregated nor averaged.
const DefaultMinParticipants = 3

// DefaultMinStake is the minimum collateral posted with a contribution.
const DefaultMinStake uint64 = 1000

// DefaultRequestTimeout is how long the oracle has to answer.
const DefaultRequestTimeout = time.Hour

// DefaultMaxPeriods is the ceiling of the period counter.
const DefaultMaxPeriods uint32 = 10000

// DefaultRefundWorkers is the number of goroutines settling queued refunds.
const DefaultRefundWorkers = 4

// DefaultRefundQueue is the capacity of the refund queue.
const DefaultRefundQueue = 1024

// eventQueue is the capacity of the sink dispatch queue.
const eventQueue = 1024

// watchRetry is how long the timeout watcher waits after a failed recovery.
const watchRetry = time.Minute

const (
	// MultiplierBase is the fixed point unit of the obfuscation multiplier.
	MultiplierBase uint64 = 1000
	// MultiplierMin is the lowest multiplier, half of the base.
	MultiplierMin uint64 = 500
	// MultiplierSpan is the width of the multiplier range.
	MultiplierSpan uint64 = 1000
)
