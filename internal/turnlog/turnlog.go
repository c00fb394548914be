// Package turnlog fans conversation turns out to one or more durable sinks.
package turnlog

import (
	"context"
	"errors"

	"github.com/xiaot623/gogo/voicebridge/internal/domain"
)

// Sink is anything that can durably append a conversation turn.
type Sink interface {
	AppendTurn(ctx context.Context, turn domain.ConversationTurn) error
}

// Fanout appends every turn to all sinks, even when an earlier one fails.
type Fanout []Sink

// AppendTurn writes turn to each sink and joins their errors.
func (f Fanout) AppendTurn(ctx context.Context, turn domain.ConversationTurn) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.AppendTurn(ctx, turn); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
