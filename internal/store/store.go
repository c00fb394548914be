// Package store persists agents, call records and conversation turns.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/xiaot623/gogo/voicebridge/internal/domain"
)

// ErrNotFound is returned when no agent can be resolved for a call.
var ErrNotFound = errors.New("not found")

// Call status values stored in the calls table.
const (
	CallRecordInitiated  = "initiated"
	CallRecordInProgress = "in-progress"
	CallRecordCompleted  = "completed"
	CallRecordFailed     = "failed"
)

// CallRecord is a persisted call row.
type CallRecord struct {
	CallSID     string
	AgentID     string
	StreamSID   string
	Status      string
	ChatGroupID string
	StartedAt   *time.Time
	EndedAt     *time.Time
	CreatedAt   time.Time
}

// Store defines the interface for data persistence.
type Store interface {
	// Agent operations
	UpsertAgent(ctx context.Context, agent domain.AgentConfig) error
	GetAgent(ctx context.Context, agentID string) (*domain.AgentConfig, error)
	ResolveAgent(ctx context.Context, callSID string) (domain.AgentConfig, error)

	// Call operations
	CreateCall(ctx context.Context, call *CallRecord) error
	GetCall(ctx context.Context, callSID string) (*CallRecord, error)
	MarkCallStarted(ctx context.Context, callSID, agentID, streamSID string, at time.Time) error
	MarkCallEnded(ctx context.Context, callSID string, status domain.CallStatus, chatGroupID string, at time.Time) error

	// Turn operations
	AppendTurn(ctx context.Context, turn domain.ConversationTurn) error
	ListTurns(ctx context.Context, callSID string, limit int) ([]domain.ConversationTurn, error)

	// Lifecycle
	Close() error
}
