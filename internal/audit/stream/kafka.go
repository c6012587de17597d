// Package stream mirrors audit records to Kafka for off-box retention and
// dispute review tooling. The worker binary consumes the topic and ships the
// records to Loki.
package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"portal-sessions/backend/internal/audit/domain"
)

// Message is the wire shape of one mirrored audit record.
type Message struct {
	ID             string            `json:"id"`
	SessionID      string            `json:"sessionId"`
	EventType      string            `json:"eventType"`
	ActorType      string            `json:"actorType"`
	PreviousStatus string            `json:"previousStatus,omitempty"`
	NewStatus      string            `json:"newStatus,omitempty"`
	RequestID      string            `json:"requestId,omitempty"`
	Data           map[string]string `json:"data,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// KafkaProducer implements audit.Producer using segmentio/kafka-go.
type KafkaProducer struct {
	writer *kafka.Writer
}

// NewKafkaProducer creates a producer for the given topic. Returns (nil, nil)
// when brokers or topic are unset so callers can wire it optionally.
// Call Close when shutting down.
func NewKafkaProducer(brokers []string, topic string) (*KafkaProducer, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, nil
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaProducer{writer: writer}, nil
}

// Emit serializes the record and writes it, keyed by session id so one
// session's trail stays ordered within a partition.
func (p *KafkaProducer) Emit(ctx context.Context, r *domain.Record) error {
	if p == nil || p.writer == nil || r == nil {
		return nil
	}
	payload, err := json.Marshal(Message{
		ID:             r.ID,
		SessionID:      r.SessionID,
		EventType:      string(r.EventType),
		ActorType:      string(r.ActorType),
		PreviousStatus: r.PreviousStatus,
		NewStatus:      r.NewStatus,
		RequestID:      r.RequestID,
		Data:           r.Data,
		CreatedAt:      r.CreatedAt,
	})
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(r.SessionID),
		Value: payload,
	})
}

// Close closes the Kafka writer. Safe to call multiple times.
func (p *KafkaProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
