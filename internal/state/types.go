// Package state holds the persisted records of the aggregation service and
// the storage interfaces used to read and update them atomically.
package state

import (
	"bytes"
	"encoding/binary"
	"fmt"

	json "github.com/nikkolasg/hexjson"

	"github.com/drand/tally/common"
	"github.com/drand/tally/internal/fhe"
	"github.com/drand/tally/internal/roles"
)

// PeriodState is the lifecycle stage of a period.
type PeriodState uint8

const (
	// Open periods accept contributions.
	Open PeriodState = iota
	// AwaitingDecryption periods have an outstanding oracle request.
	AwaitingDecryption
	// Closed periods were finalized by a timely oracle callback.
	Closed
	// Failed periods timed out waiting for the oracle.
	Failed
)

func (s PeriodState) String() string {
	switch s {
	case Open:
		return "open"
	case AwaitingDecryption:
		return "awaiting_decryption"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Active reports whether the period still blocks a new one from opening.
func (s PeriodState) Active() bool {
	return s == Open || s == AwaitingDecryption
}

// Final reports whether the period reached Closed or Failed.
func (s PeriodState) Final() bool {
	return s == Closed || s == Failed
}

// RequestID identifies an oracle decryption request.
type RequestID string

// Period is one collection cycle.
type Period struct {
	ID           uint32            `json:"id"`
	State        PeriodState       `json:"state"`
	StartTime    int64             `json:"start_time"`
	Opener       common.Identity   `json:"opener"`
	AggregateA   fhe.Ciphertext    `json:"aggregate_a"`
	AggregateB   fhe.Ciphertext    `json:"aggregate_b"`
	Participants []common.Identity `json:"participants"`

	RequestID       RequestID `json:"request_id,omitempty"`
	RequestDeadline int64     `json:"request_deadline,omitempty"`

	Multiplier  uint64 `json:"multiplier"`
	PublicA     uint64 `json:"public_a"`
	PublicB     uint64 `json:"public_b"`
	ObfuscatedA uint64 `json:"obfuscated_a"`
	ObfuscatedB uint64 `json:"obfuscated_b"`
	FinalizedAt int64  `json:"finalized_at,omitempty"`
}

// Marshal encodes p with hex byte slices.
func (p *Period) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// Unmarshal decodes p.
func (p *Period) Unmarshal(buff []byte) error {
	return json.Unmarshal(buff, p)
}

// Contribution is the record of one participant's submission to a period.
type Contribution struct {
	PeriodID    uint32          `json:"period_id"`
	Participant common.Identity `json:"participant"`
	ValueA      fhe.Ciphertext  `json:"value_a"`
	ValueB      fhe.Ciphertext  `json:"value_b"`
	Valid       fhe.Bool        `json:"valid"`
	SubmittedAt int64           `json:"submitted_at"`
	Stake       uint64          `json:"stake"`
	Refundable  bool            `json:"refundable"`
	Refunded    bool            `json:"refunded"`
}

// Marshal encodes c.
func (c *Contribution) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// Unmarshal decodes c.
func (c *Contribution) Unmarshal(buff []byte) error {
	return json.Unmarshal(buff, c)
}

// OracleRequest tracks one decryption round-trip.
type OracleRequest struct {
	ID        RequestID `json:"id"`
	PeriodID  uint32    `json:"period_id"`
	IssuedAt  int64     `json:"issued_at"`
	Deadline  int64     `json:"deadline"`
	Completed bool      `json:"completed"`
	Failed    bool      `json:"failed"`
}

// Resolved reports whether the request was either completed or failed.
func (r *OracleRequest) Resolved() bool {
	return r.Completed || r.Failed
}

// Marshal encodes r.
func (r *OracleRequest) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal decodes r.
func (r *OracleRequest) Unmarshal(buff []byte) error {
	return json.Unmarshal(buff, r)
}

// Meta is the singleton record holding the period counter and the roles.
type Meta struct {
	LastPeriodID uint32          `json:"last_period_id"`
	Roles        *roles.Registry `json:"roles"`
	EventSeq     uint64          `json:"event_seq"`
}

// Marshal encodes m.
func (m *Meta) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal decodes m.
func (m *Meta) Unmarshal(buff []byte) error {
	return json.Unmarshal(buff, m)
}

// PeriodToBytes serializes a period id as a 4 bytes big-endian key.
func PeriodToBytes(id uint32) []byte {
	var buff bytes.Buffer
	_ = binary.Write(&buff, binary.BigEndian, id)
	return buff.Bytes()
}

// SeqToBytes serializes an event sequence number as an 8 bytes big-endian key.
func SeqToBytes(seq uint64) []byte {
	var buff bytes.Buffer
	_ = binary.Write(&buff, binary.BigEndian, seq)
	return buff.Bytes()
}
