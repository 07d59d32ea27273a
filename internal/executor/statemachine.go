package executor

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// State is the lifecycle state of one swap submission.
type State string

const (
	StatePending     State = "PENDING"
	StateSubmitted   State = "SUBMITTED"
	StateResubmitted State = "RESUBMITTED"
	StateConfirmed   State = "CONFIRMED"
	StateFailed      State = "FAILED"
)

// Event triggers a state transition.
type Event string

const (
	EventSubmit   Event = "SUBMIT"
	EventResubmit Event = "RESUBMIT"
	EventConfirm  Event = "CONFIRM"
	EventFail     Event = "FAIL"
)

type transition struct {
	from  State
	event Event
}

// transitions is the authoritative transition table. A submission may be
// replaced at most once, so there is no RESUBMITTED + RESUBMIT edge.
var transitions = map[transition]State{
	{StatePending, EventSubmit}:      StateSubmitted,
	{StatePending, EventFail}:        StateFailed,
	{StateSubmitted, EventResubmit}:  StateResubmitted,
	{StateSubmitted, EventConfirm}:   StateConfirmed,
	{StateSubmitted, EventFail}:      StateFailed,
	{StateResubmitted, EventConfirm}: StateConfirmed,
	{StateResubmitted, EventFail}:    StateFailed,
}

// Submission tracks one swap transaction (and its single replacement)
// through the state machine. Safe for concurrent use.
type Submission struct {
	mu sync.Mutex

	SnipeID     string
	Token       common.Address
	Nonce       uint64
	Hashes      []common.Hash // original first, replacement second
	State       State
	Reason      string
	CreatedAt   time.Time
	SubmittedAt time.Time
	CompletedAt time.Time
}

func newSubmission(snipeID string, token common.Address) *Submission {
	return &Submission{
		SnipeID:   snipeID,
		Token:     token,
		State:     StatePending,
		CreatedAt: time.Now(),
	}
}

// Transition advances the submission. hash is recorded for SUBMIT and
// RESUBMIT; reason for FAIL.
func (s *Submission) Transition(event Event, hash common.Hash, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.State
	next, ok := transitions[transition{from: s.State, event: event}]
	if !ok {
		return fmt.Errorf("invalid transition: state=%s event=%s", s.State, event)
	}

	now := time.Now()
	switch event {
	case EventSubmit:
		s.SubmittedAt = now
		s.Hashes = append(s.Hashes, hash)
	case EventResubmit:
		s.Hashes = append(s.Hashes, hash)
	case EventFail:
		s.Reason = reason
	}
	s.State = next
	if s.isTerminalLocked() {
		s.CompletedAt = now
	}

	log.Info().
		Str("snipe_id", s.SnipeID).
		Str("token", s.Token.Hex()).
		Uint64("nonce", s.Nonce).
		Str("prev_state", string(prev)).
		Str("event", string(event)).
		Str("new_state", string(s.State)).
		Str("reason", s.Reason).
		Msg("executor: submission state transition")
	return nil
}

// IsTerminal reports whether the submission is CONFIRMED or FAILED.
func (s *Submission) IsTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isTerminalLocked()
}

func (s *Submission) isTerminalLocked() bool {
	return s.State == StateConfirmed || s.State == StateFailed
}

// GetState returns the current state.
func (s *Submission) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

// TxHashes returns a copy of the submitted hashes.
func (s *Submission) TxHashes() []common.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]common.Hash, len(s.Hashes))
	copy(out, s.Hashes)
	return out
}
