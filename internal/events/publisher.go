// Package events publishes sandbox lifecycle events to NATS JetStream.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	streamName    = "SANDBOX_EVENTS"
	subjectPrefix = "sandbox.events."
)

// Event is the JSON payload published per lifecycle transition.
type Event struct {
	Type      string          `json:"type"`
	SandboxID string          `json:"sandbox_id"`
	UserID    string          `json:"user_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Publisher sends lifecycle events to a JetStream stream. Publishing is
// best-effort: a broker outage never blocks sandbox operations.
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisher connects to NATS and ensures the event stream exists.
func NewPublisher(natsURL string) (*Publisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ">"},
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil {
		// Stream may already exist, that's OK
		log.Printf("events: stream setup: %v", err)
	}

	return &Publisher{nc: nc, js: js}, nil
}

// Publish sends one event; failures are logged and dropped.
func (p *Publisher) Publish(eventType, sandboxID, userID string, payload any) {
	payloadJSON, _ := json.Marshal(payload)
	event := Event{
		Type:      eventType,
		SandboxID: sandboxID,
		UserID:    userID,
		Payload:   payloadJSON,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("events: failed to encode %s event: %v", eventType, err)
		return
	}
	if _, err := p.js.PublishAsync(subjectPrefix+eventType, data); err != nil {
		log.Printf("events: failed to publish %s for sandbox %s: %v", eventType, sandboxID, err)
	}
}

// Close drains the connection.
func (p *Publisher) Close() {
	_ = p.nc.Drain()
}
