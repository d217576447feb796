package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"agrichat/internal/app/outbox"
)

const defaultSource = "app://agrichat"

var ErrPublisherNotConfigured = errors.New("kafka: publisher missing producer")

// Sender is what EventPublisher needs from a producer.
type Sender interface {
	Send(ctx context.Context, msgs ...Message) error
}

// EventPublisher wraps chat events in a CloudEvents envelope and sends them
// keyed by conversation id, so per-conversation order is kept per partition.
type EventPublisher struct {
	Producer    Sender
	TopicPrefix string
	Source      string
}

func (p *EventPublisher) Publish(ctx context.Context, records ...outbox.EventRecord) error {
	if p == nil || p.Producer == nil {
		return ErrPublisherNotConfigured
	}
	if len(records) == 0 {
		return nil
	}
	msgs := make([]Message, 0, len(records))
	for _, rec := range records {
		payload, headers, err := p.envelope(rec)
		if err != nil {
			return fmt.Errorf("kafka: format %s: %w", rec.Name, err)
		}
		msgs = append(msgs, Message{
			Topic:   p.topicFor(rec.Name),
			Key:     rec.Aggregate,
			Payload: payload,
			Headers: headers,
		})
	}
	return p.Producer.Send(ctx, msgs...)
}

func (p *EventPublisher) envelope(rec outbox.EventRecord) ([]byte, map[string]string, error) {
	data := map[string]any{}
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &data); err != nil {
			return nil, nil, err
		}
	}
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	evt := map[string]any{
		"specversion":     "1.0",
		"id":              id,
		"type":            rec.Name + ".v1",
		"source":          p.source(),
		"subject":         rec.Aggregate,
		"time":            rec.OccurredAt,
		"datacontenttype": "application/json",
		"data":            data,
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, nil, err
	}
	headers := map[string]string{}
	for k, v := range rec.Headers {
		headers[k] = v
	}
	headers["content-type"] = "application/cloudevents+json"
	headers["ce_type"] = rec.Name + ".v1"
	return payload, headers, nil
}

// topicFor maps chat.message_sent to <prefix>chat.events.v1.
func (p *EventPublisher) topicFor(name string) string {
	base := name
	if idx := strings.IndexRune(name, '.'); idx > 0 {
		base = name[:idx]
	}
	return p.TopicPrefix + base + ".events.v1"
}

func (p *EventPublisher) source() string {
	if p.Source != "" {
		return p.Source
	}
	return defaultSource
}

var _ outbox.Publisher = (*EventPublisher)(nil)
