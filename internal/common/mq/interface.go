package mq

import (
	"context"
	"time"
)

// Publisher sends messages to a topic. Delivery is at-least-once.
type Publisher interface {
	Publish(ctx context.Context, topic string, message *Message) error

	// Ping verifies a broker is reachable
	Ping(ctx context.Context) error

	Close() error
}

// Message is a broker-neutral envelope.
type Message struct {
	// ID doubles as the partition key, so messages sharing an ID stay ordered.
	ID        string            `json:"id"`
	Body      []byte            `json:"body"`
	Headers   map[string]string `json:"headers"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewMessage creates a message stamped with the current time.
func NewMessage(id string, body []byte) *Message {
	return &Message{
		ID:        id,
		Body:      body,
		Headers:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// SetHeader sets a header value
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}
