package bus

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// BaseEvent contains fields common to all events.
type BaseEvent struct {
	EventID       string    `json:"event_id"`
	Timestamp     time.Time `json:"ts"`
	Producer      string    `json:"producer"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// NewBaseEvent creates a new BaseEvent with a generated ID.
func NewBaseEvent(producer string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		Timestamp: time.Now(),
		Producer:  producer,
	}
}

// Kind is the pipeline stage an event reports.
type Kind string

const (
	KindDiscovered Kind = "discovered"
	KindAnalyzed   Kind = "analyzed"
	KindGated      Kind = "gated"
	KindSubmitted  Kind = "submitted"
	KindConfirmed  Kind = "confirmed"
	KindFailed     Kind = "failed"
	KindDropped    Kind = "dropped"
)

// Kinds lists every kind in pipeline order.
var Kinds = []Kind{KindDiscovered, KindAnalyzed, KindGated, KindSubmitted, KindConfirmed, KindFailed, KindDropped}

// Event is one step of a candidate through the pipeline. Events for the same
// candidate share a CorrelationID.
type Event struct {
	BaseEvent
	Kind    Kind           `json:"kind"`
	Token   common.Address `json:"token"`
	TxHash  common.Hash    `json:"tx_hash,omitempty"` // discovering tx, or the swap once submitted
	SnipeID string         `json:"snipe_id,omitempty"`
	Score   float64        `json:"score,omitempty"`
	Reasons []string       `json:"reasons,omitempty"`
	Detail  string         `json:"detail,omitempty"`
}

// NewEvent creates an event of kind for token.
func NewEvent(producer string, kind Kind, token common.Address) Event {
	return Event{
		BaseEvent: NewBaseEvent(producer),
		Kind:      kind,
		Token:     token,
	}
}

// Terminal reports whether no further events follow for the candidate.
func (e Event) Terminal() bool {
	switch e.Kind {
	case KindGated, KindConfirmed, KindFailed, KindDropped:
		return true
	}
	return false
}
