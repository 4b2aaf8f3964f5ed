package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
)

// Event[T] binds a topic name to its payload type.
type Event[T any] struct {
	name string
}

// NewEvent declares a typed event on the given topic.
func NewEvent[T any](name string) Event[T] {
	return Event[T]{name: name}
}

// Name returns the topic name.
func (e Event[T]) Name() string {
	return e.name
}

// Publish sends a typed event. The compiler ensures payload matches T.
func Publish[T any](ctx context.Context, p Publisher, event Event[T], userID string, payload T) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event.name, err)
	}
	return p.Publish(ctx, Message{
		Topic:   event.name,
		UserID:  userID,
		Payload: data,
	})
}

// Subscribe registers a handler that receives decoded T payloads.
func Subscribe[T any](ctx context.Context, s Subscriber, event Event[T], handle func(ctx context.Context, payload T) error) error {
	return s.Subscribe(ctx, event.name, func(ctx context.Context, msg Message) error {
		var payload T
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshal %s payload: %w", event.name, err)
		}
		return handle(ctx, payload)
	})
}
