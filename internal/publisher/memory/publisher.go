// Package memory provides an in-process publisher for local runs and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Message captures one publish call. Payload holds the JSON the message
// would carry on the wire.
type Message struct {
	ID      string
	Topic   string
	Payload json.RawMessage
}

// Publisher records messages instead of sending them.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
	err      error
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes subsequent Publish calls return err. Pass nil to recover.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish encodes the payload as JSON, records it and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Payload: data})
	return id, nil
}

// Messages returns a copy of every recorded message, optionally limited to
// the given topics.
func (p *Publisher) Messages(topics ...string) []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, 0, len(p.messages))
	for _, m := range p.messages {
		if len(topics) > 0 && !contains(topics, m.Topic) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Close implements io.Closer for symmetry with the Pub/Sub publisher.
func (p *Publisher) Close() error {
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
