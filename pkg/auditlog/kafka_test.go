package auditlog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/chamalink/chama-service/internal/domain"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherKeysByEntity(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, topic: "chama.audit"}

	loanID := uuid.NewString()
	event := domain.AuditEvent{
		ID:         uuid.New(),
		Action:     domain.AuditLoanRepayment,
		ActorID:    uuid.New(),
		EntityID:   loanID,
		TxRef:      "0xfeed",
		Attributes: map[string]string{"amount": "1.5"},
		OccurredAt: time.Now(),
	}
	if err := p.Record(context.Background(), event); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if msg.Topic != "chama.audit" || string(msg.Key) != loanID {
		t.Fatalf("unexpected topic/key %s/%s", msg.Topic, msg.Key)
	}

	var decoded domain.AuditEvent
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Action != domain.AuditLoanRepayment || decoded.TxRef != "0xfeed" {
		t.Fatalf("unexpected payload %+v", decoded)
	}

	if err := p.Close(); err != nil || !w.closed {
		t.Fatal("expected writer to be closed")
	}
}

func TestNewKafkaPublisherRequiresBrokers(t *testing.T) {
	if _, err := NewKafkaPublisher(nil, "chama.audit"); err == nil {
		t.Fatal("expected error without brokers")
	}
	if _, err := NewKafkaPublisher([]string{"localhost:9092"}, ""); err == nil {
		t.Fatal("expected error without topic")
	}
}

func TestLogSinkWritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	sink := &LogSink{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}

	err := sink.Record(context.Background(), domain.AuditEvent{
		ID:       uuid.New(),
		Action:   domain.AuditChamaCreated,
		EntityID: "chama-1",
		TxRef:    "0xabc",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	line := buf.String()
	for _, want := range []string{`"action":"chama.created"`, `"entity_id":"chama-1"`, `"tx_ref":"0xabc"`} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %s missing %s", line, want)
		}
	}
}
