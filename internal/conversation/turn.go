package conversation

import (
	"sync/atomic"
	"time"
)

// Speaker identifies who owns a turn.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// TurnState is the lifecycle state of a turn.
type TurnState string

const (
	// TurnOpen is a turn still accumulating content.
	TurnOpen TurnState = "open"

	// TurnFinalizing is a user turn whose final transcript arrived and whose
	// agent reply has not started yet.
	TurnFinalizing TurnState = "finalizing"

	// TurnFinalized is a completed turn; its text is part of history.
	TurnFinalized TurnState = "finalized"

	// TurnCancelled is an agent turn cut short by barge-in.
	TurnCancelled TurnState = "cancelled"
)

// Turn is one utterance by one speaker. IDs are allocated session-wide and
// strictly increase across both speakers.
type Turn struct {
	ID        uint64
	Speaker   Speaker
	State     TurnState
	Text      string
	StartedAt time.Time
	EndedAt   time.Time
}

// TurnAllocator hands out session-wide strictly increasing turn IDs. Safe
// for concurrent use.
type TurnAllocator struct {
	n atomic.Uint64
}

// Next returns the next turn ID, starting at 1.
func (a *TurnAllocator) Next() uint64 {
	return a.n.Add(1)
}
