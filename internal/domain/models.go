package domain

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidTransition is returned when a status change would move a session backwards
// or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid status transition")

// AgentConfig is the persona snapshot resolved once at session start.
type AgentConfig struct {
	AgentID      string `json:"agent_id"`
	Name         string `json:"name"`
	VoiceName    string `json:"voice_name,omitempty"`
	Language     string `json:"language,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Greeting     string `json:"greeting,omitempty"`
	EVIConfigID  string `json:"evi_config_id,omitempty"`
}

// ConversationTurn is one append-only transcript entry.
type ConversationTurn struct {
	ID            string             `json:"turn_id"`
	SessionID     string             `json:"session_id"`
	Role          Role               `json:"role"`
	Text          string             `json:"text"`
	Timestamp     time.Time          `json:"timestamp"`
	Sentiment     string             `json:"sentiment,omitempty"`
	EmotionScores map[string]float64 `json:"emotion_scores,omitempty"`
}

// CallSession is the state of one active call. It is mutated only by the relay
// session that owns it; everyone else reads it.
type CallSession struct {
	id        string
	agent     AgentConfig
	startedAt time.Time

	mu          sync.RWMutex
	streamID    string
	status      CallStatus
	history     []CallStatus
	endedAt     time.Time
	chatGroupID string
}

// NewCallSession creates a session in the connecting state.
func NewCallSession(id string, agent AgentConfig, startedAt time.Time) *CallSession {
	return &CallSession{
		id:        id,
		agent:     agent,
		startedAt: startedAt,
		status:    CallStatusConnecting,
		history:   []CallStatus{CallStatusConnecting},
	}
}

func (c *CallSession) ID() string { return c.id }
func (c *CallSession) Agent() AgentConfig { return c.agent }
func (c *CallSession) StartedAt() time.Time { return c.startedAt }

// Status returns the current status.
func (c *CallSession) Status() CallStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// StreamID returns the provider media-stream id, empty before "start".
func (c *CallSession) StreamID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streamID
}

// SetStreamID records the media-stream id. Only the first non-empty value sticks.
func (c *CallSession) SetStreamID(streamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamID == "" {
		c.streamID = streamID
	}
}

// ChatGroupID returns the AI chat group used to resume conversations on reconnect.
func (c *CallSession) ChatGroupID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chatGroupID
}

// SetChatGroupID records the AI chat group.
func (c *CallSession) SetChatGroupID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chatGroupID = id
}

// EndedAt returns the time the session reached a terminal state (zero if still live).
func (c *CallSession) EndedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endedAt
}

// History returns every status the session has been in, in order.
func (c *CallSession) History() []CallStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CallStatus, len(c.history))
	copy(out, c.history)
	return out
}

// Transition moves the session forward. Terminal states set EndedAt exactly once.
func (c *CallSession) Transition(to CallStatus, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status.Terminal() || to.rank() <= c.status.rank() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.status, to)
	}
	c.status = to
	c.history = append(c.history, to)
	if to.Terminal() {
		c.endedAt = at
	}
	return nil
}

// SessionSnapshot is a read-only view of a session for the internal API.
type SessionSnapshot struct {
	CallID      string     `json:"call_sid"`
	StreamID    string     `json:"stream_sid,omitempty"`
	AgentID     string     `json:"agent_id"`
	Status      CallStatus `json:"status"`
	ChatGroupID string     `json:"chat_group_id,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Snapshot returns a consistent copy of the session's public fields.
func (c *CallSession) Snapshot() SessionSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := SessionSnapshot{
		CallID:      c.id,
		StreamID:    c.streamID,
		AgentID:     c.agent.AgentID,
		Status:      c.status,
		ChatGroupID: c.chatGroupID,
		StartedAt:   c.startedAt,
	}
	if !c.endedAt.IsZero() {
		ended := c.endedAt
		snap.EndedAt = &ended
	}
	return snap
}
