/**
 * @description
 * This package publishes the append-only audit trail of ledger and loan state changes.
 * Events go to a Kafka topic keyed by entity id, so every change to one chama, loan or
 * order lands on the same partition in order. When no brokers are configured the
 * events are written to the structured log instead.
 *
 * @dependencies
 * - github.com/segmentio/kafka-go: Kafka writer.
 */
package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/chamalink/chama-service/internal/domain"
	"github.com/segmentio/kafka-go"
)

// Sink records audit events.
type Sink interface {
	Record(ctx context.Context, event domain.AuditEvent) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			RequiredAcks:           kafka.RequireAll,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			WriteTimeout:           10 * time.Second,
		},
		topic: topic,
	}, nil
}

func (p *KafkaPublisher) Record(ctx context.Context, event domain.AuditEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.topic,
		Key:   []byte(event.EntityID),
		Value: payload,
		Time:  event.OccurredAt.UTC(),
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(event.Action)},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogSink writes audit events to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) Record(ctx context.Context, event domain.AuditEvent) error {
	attrs := []any{
		"component", "audit",
		"audit_id", event.ID.String(),
		"action", string(event.Action),
		"actor_id", event.ActorID.String(),
		"entity_id", event.EntityID,
	}
	if event.TxRef != "" {
		attrs = append(attrs, "tx_ref", event.TxRef)
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, "attr_"+k, v)
	}
	s.Logger.InfoContext(ctx, "audit event", attrs...)
	return nil
}

func (s *LogSink) Close() error { return nil }
