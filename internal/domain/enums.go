// Package domain defines the core call and conversation models for the voice bridge.
package domain

// CallStatus represents the lifecycle state of a bridged call.
type CallStatus string

const (
	CallStatusConnecting CallStatus = "connecting"
	CallStatusStreaming  CallStatus = "streaming"
	CallStatusEnded      CallStatus = "ended"
	CallStatusFailed     CallStatus = "failed"
)

// rank orders statuses so transitions can only move forward.
func (s CallStatus) rank() int {
	switch s {
	case CallStatusConnecting:
		return 0
	case CallStatusStreaming:
		return 1
	case CallStatusEnded, CallStatusFailed:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether no further transitions are allowed.
func (s CallStatus) Terminal() bool {
	return s == CallStatusEnded || s == CallStatusFailed
}

// Role identifies the speaker of a conversation turn.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
	RoleSystem   Role = "system"
)

// Direction identifies one of the two audio paths of a session.
type Direction string

const (
	DirectionInbound  Direction = "inbound"  // telephony -> AI
	DirectionOutbound Direction = "outbound" // AI -> telephony
)
