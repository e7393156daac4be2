package session

import (
	"github.com/kalambet/chatter/internal/chat"
)

// Status is the state of a session's current turn.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusSubmitted Status = "submitted"
	StatusStreaming Status = "streaming"
	StatusReady     Status = "ready"
	StatusError     Status = "error"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether s ends a turn.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusError || s == StatusAborted
}

// InFlight reports whether a turn is between submission and finalization.
func (s Status) InFlight() bool {
	return s == StatusSubmitted || s == StatusStreaming
}

// Snapshot is a copy of the live state of a session. It is safe to keep and
// read from any goroutine.
type Snapshot struct {
	ConversationID     string            `json:"conversation_id"`
	UserMessageID      string            `json:"user_message_id,omitempty"`
	AssistantMessageID string            `json:"assistant_message_id,omitempty"`
	Model              string            `json:"model,omitempty"`
	Status             Status            `json:"status"`
	Content            string            `json:"content"`
	Reasoning          string            `json:"reasoning,omitempty"`
	Annotations        []chat.Annotation `json:"annotations,omitempty"`
	Usage              *chat.Usage       `json:"usage,omitempty"`
	CreditsConsumed    *int64            `json:"credits_consumed,omitempty"`
	Error              string            `json:"error,omitempty"`
}

// accumulator aggregates the deltas of one assistant turn. It is owned by
// the turn's stream goroutine and read by others only under Session.mu.
type accumulator struct {
	content     string
	reasoning   string
	annotations []chat.Annotation
	usage       *chat.Usage
}
