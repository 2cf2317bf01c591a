package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"covenant.church/internal/identity"
)

// Writer is the subset of *kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher emits conflict notifications for support follow-up.
type Publisher struct {
	writer Writer
	now    func() time.Time
}

// NewPublisher writes to topic on brokers.
func NewPublisher(brokers []string, topic string) *Publisher {
	return NewPublisherWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	})
}

// NewPublisherWithWriter wraps an existing writer.
func NewPublisherWithWriter(w Writer) *Publisher {
	return &Publisher{writer: w, now: func() time.Time { return time.Now().UTC() }}
}

// PublishConflict keys the message by identity id.
func (p *Publisher) PublishConflict(ctx context.Context, c *identity.ConflictError) error {
	body, err := json.Marshal(ConflictEvent{
		Type:       TypeConflict,
		IdentityID: c.IdentityID,
		Details:    c.Details(),
		DetectedAt: p.now(),
	})
	if err != nil {
		return fmt.Errorf("encode conflict: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(c.IdentityID), Value: body}); err != nil {
		return fmt.Errorf("publish conflict: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error { return p.writer.Close() }
