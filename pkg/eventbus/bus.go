// Package eventbus describes the ordered-per-key, at-least-once channel between
// the write side and the read side. pkg/kafka provides the production
// implementation; MemoryBus serves tests and single-process runs.
package eventbus

import (
	"context"
)

type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int32
	Offset    int64
}

// Publisher blocks until the bus acknowledges the message or ctx ends.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Handler processes one delivered message. A non-nil error leaves the message
// unacknowledged so it is delivered again.
type Handler func(ctx context.Context, msg Message) error

// Subscriber delivers messages of topics to h until ctx is cancelled. Messages
// sharing a key are handed to h one at a time, in publish order.
type Subscriber interface {
	Subscribe(ctx context.Context, groupID string, topics []string, h Handler) error
}
