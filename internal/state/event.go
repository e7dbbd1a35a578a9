package state

import (
	json "github.com/nikkolasg/hexjson"

	"github.com/drand/tally/common"
)

// EventKind names an observable state change.
type EventKind string

const (
	PeriodOpened          EventKind = "PeriodOpened"
	ContributionRecorded  EventKind = "ContributionRecorded"
	AggregationRequested  EventKind = "AggregationRequested"
	PeriodFinalized       EventKind = "PeriodFinalized"
	PeriodFailed          EventKind = "PeriodFailed"
	RefundIssued          EventKind = "RefundIssued"
	Paused                EventKind = "Paused"
	Unpaused              EventKind = "Unpaused"
	PauserAdded           EventKind = "PauserAdded"
	PauserRemoved         EventKind = "PauserRemoved"
	AuthorityTransferred  EventKind = "AuthorityTransferred"
	LateCallbackDiscarded EventKind = "LateCallbackDiscarded"
)

// Event is one entry of the append-only audit trail. Only the fields relevant
// to Kind are set.
type Event struct {
	Seq              uint64          `json:"seq"`
	Kind             EventKind       `json:"kind"`
	Time             int64           `json:"time"`
	PeriodID         uint32          `json:"period_id,omitempty"`
	Participant      common.Identity `json:"participant,omitempty"`
	RequestID        RequestID       `json:"request_id,omitempty"`
	Amount           uint64          `json:"amount,omitempty"`
	ObfuscatedA      uint64          `json:"obfuscated_a,omitempty"`
	ObfuscatedB      uint64          `json:"obfuscated_b,omitempty"`
	ParticipantCount int             `json:"participant_count,omitempty"`
	By               common.Identity `json:"by,omitempty"`
}

// Marshal encodes e.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes e.
func (e *Event) Unmarshal(buff []byte) error {
	return json.Unmarshal(buff, e)
}
