// Package outbox delivers commands recorded in the store to engine processes.
//
// A command is enqueued in the same transaction as the business change it
// describes, so either both commit or neither does. The Dispatcher later
// hands each message to the handler registered for its kind, strictly in
// index order per queue, and advances the queue's cursor only after the
// handler succeeds. Delivery is at least once; handlers must be idempotent.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/seantiz/babel/internal/model"
	"github.com/seantiz/babel/internal/store"
)

// ErrNoHandler is returned when a message's kind has no registered handler.
var ErrNoHandler = errors.New("no handler registered for message kind")

// HandlerFunc consumes one outbox message. A returned error halts the
// message's queue until the next dispatch cycle.
type HandlerFunc func(ctx context.Context, msg *model.OutboxMessage) error

// Enqueue appends a JSON-encoded command to a queue. tx must be the
// transaction that performs the change the command describes.
func Enqueue(ctx context.Context, tx store.OutboxStore, outboxRef, kind string, payload any) (uint64, error) {
	content, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode %s command: %w", kind, err)
	}
	index, err := tx.EnqueueOutboxMessage(ctx, outboxRef, kind, content)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s on %s: %w", kind, outboxRef, err)
	}
	return index, nil
}

// Decode unmarshals a message's content into v.
func Decode(msg *model.OutboxMessage, v any) error {
	if err := json.Unmarshal(msg.Content, v); err != nil {
		return fmt.Errorf("decode %s message %s/%d: %w", msg.Kind, msg.OutboxRef, msg.Index, err)
	}
	return nil
}
