package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type recordingWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("expected deadline")
	}
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestMemoryPublisherRecordsInOrder(t *testing.T) {
	pub := NewMemoryPublisher()
	ctx := context.Background()
	if err := pub.Publish(ctx, Event{Type: RequestCreated}, Event{Type: RequestApproved}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := pub.Types(); len(got) != 2 || got[0] != RequestCreated || got[1] != RequestApproved {
		t.Fatalf("unexpected types %v", got)
	}
	pub.FailWith(errors.New("down"))
	if err := pub.Publish(ctx, Event{Type: RequestFulfilled}); err == nil {
		t.Fatalf("expected failure")
	}
	if len(pub.Events()) != 2 {
		t.Fatalf("failed publish must not record")
	}
}

func TestKafkaPublisherEncodesEvents(t *testing.T) {
	w := &recordingWriter{}
	pub := NewKafkaPublisherWithWriter(w, time.Second)
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	err := pub.Publish(context.Background(), Event{Type: RequestFulfilled, Key: "req-1", CorrelationID: "c-1", OccurredAt: at})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "req-1" || !msg.Time.Equal(at) {
		t.Fatalf("unexpected message %+v", msg)
	}
	var decoded Event
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Type != RequestFulfilled || decoded.CorrelationID != "c-1" {
		t.Fatalf("unexpected payload %+v", decoded)
	}
	if err := pub.Close(); err != nil || !w.closed {
		t.Fatalf("expected writer closed")
	}
}

func TestKafkaPublisherWrapsWriteError(t *testing.T) {
	w := &recordingWriter{err: errors.New("broker down")}
	pub := NewKafkaPublisherWithWriter(w, 0)
	if err := pub.Publish(context.Background(), Event{Type: InventoryAdjusted}); err == nil {
		t.Fatalf("expected write error")
	}
	if err := pub.Publish(context.Background()); err != nil {
		t.Fatalf("empty publish should be a no-op: %v", err)
	}
}

func TestNewKafkaPublisherValidatesConfig(t *testing.T) {
	if _, err := NewKafkaPublisher(KafkaConfig{}); err == nil {
		t.Fatalf("expected missing brokers error")
	}
	pub, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "pharmachain", Username: "u", Password: "p", TLS: true})
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	_ = pub.Close()
}
