package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus"
)

type stubPublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

type publishCall struct {
	topic string
	key   string
	value any
}

func (s *stubPublisher) PublishJSON(_ context.Context, topic, key string, value any) (int32, int64, error) {
	s.mu.Lock()
	s.calls = append(s.calls, publishCall{topic: topic, key: key, value: value})
	s.mu.Unlock()
	if s.err != nil {
		return 0, 0, s.err
	}
	return 0, 0, nil
}

func (s *stubPublisher) Close() error { return nil }

func TestDLQPublisherPublishesOnError(t *testing.T) {
	primary := &stubPublisher{err: errors.New("publish failed")}
	dlq := &stubPublisher{}
	publisher := NewDLQPublisher(primary, dlq, "dead_letter", slog.Default())

	_, _, err := publisher.PublishJSON(context.Background(), "ai.chat.completed", "user-1", map[string]string{"id": "1"})
	if err == nil {
		t.Fatalf("expected publish error")
	}
	if len(dlq.calls) != 1 {
		t.Fatalf("expected dlq publish, got %d", len(dlq.calls))
	}
	if dlq.calls[0].topic != "dead_letter" {
		t.Fatalf("expected dlq topic, got %s", dlq.calls[0].topic)
	}
	payload, ok := dlq.calls[0].value.(DeadLetter)
	if !ok {
		t.Fatalf("expected DeadLetter, got %T", dlq.calls[0].value)
	}
	if payload.OriginalTopic != "ai.chat.completed" {
		t.Fatalf("expected original topic to match, got %s", payload.OriginalTopic)
	}
	if payload.Error == "" {
		t.Fatalf("expected error in dlq payload")
	}
	if payload.Stage != StagePublish || payload.Partition != nil {
		t.Fatalf("expected publish stage without partition, got %+v", payload)
	}
	if string(payload.Body) != `{"id":"1"}` {
		t.Fatalf("expected json body embedded, got %q", payload.Body)
	}
}

func TestDLQPublisherSkipsOnSuccess(t *testing.T) {
	primary := &stubPublisher{}
	dlq := &stubPublisher{}
	publisher := NewDLQPublisher(primary, dlq, "dead_letter", slog.Default())

	if _, _, err := publisher.PublishJSON(context.Background(), "ai.chat.completed", "user-1", map[string]string{"id": "1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dlq.calls) != 0 {
		t.Fatalf("expected no dlq publish, got %d", len(dlq.calls))
	}
}

func TestSyncProducerEncodesJSON(t *testing.T) {
	mock := mocks.NewSyncProducer(t, nil)
	mock.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var decoded map[string]string
		if err := json.Unmarshal(val, &decoded); err != nil {
			return err
		}
		if decoded["user_id"] != "user-1" {
			return errors.New("unexpected payload")
		}
		return nil
	})

	metrics := NewProducerMetrics(prometheus.NewRegistry())
	producer := NewSyncProducerFrom(mock, slog.Default(), metrics)
	defer producer.Close()

	if _, _, err := producer.PublishJSON(context.Background(), "ai.chat.completed", "user-1", map[string]string{"user_id": "user-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestSyncProducerHonoursCancelledContext(t *testing.T) {
	mock := mocks.NewSyncProducer(t, nil)
	producer := NewSyncProducerFrom(mock, slog.Default(), nil)
	defer producer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := producer.PublishJSON(ctx, "ai.chat.completed", "user-1", map[string]string{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRecordHeadersFromEnvelope(t *testing.T) {
	event := struct {
		Envelope
		UserID string `json:"user_id"`
	}{
		Envelope: Envelope{EventType: "ai.chat.completed", CorrelationID: "req-42"},
		UserID:   "U001",
	}

	got := map[string]string{}
	for _, h := range recordHeaders(event) {
		got[string(h.Key)] = string(h.Value)
	}
	if got[HeaderContentType] != "application/json" {
		t.Fatalf("expected json content type, got %v", got)
	}
	if got[HeaderEventType] != "ai.chat.completed" || got[HeaderCorrelationID] != "req-42" {
		t.Fatalf("expected envelope headers, got %v", got)
	}

	plain := recordHeaders(map[string]string{"id": "1"})
	if len(plain) != 1 {
		t.Fatalf("expected only content type for plain values, got %d headers", len(plain))
	}
}

var _ sarama.SyncProducer = (*mocks.SyncProducer)(nil)
