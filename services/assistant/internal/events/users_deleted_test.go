package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/AfshinJalili/fintrack/libs/kafka"
	"github.com/AfshinJalili/fintrack/libs/logging"
	"github.com/AfshinJalili/fintrack/services/assistant/internal/conversation"
)

type failingPurger struct{ err error }

func (f failingPurger) Delete(context.Context, string) error { return f.err }

func eventMessage(t *testing.T, userID string) *sarama.ConsumerMessage {
	t.Helper()
	env, err := kafka.NewEnvelope(usersDeletedEventType, 1, "")
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	body, err := json.Marshal(UserDeletedEvent{Envelope: env, UserID: userID})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: usersDeletedEventType, Value: body}
}

func TestUserDeletedPurgesConversation(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewMemoryStore(10, time.Hour, 40)
	session, _ := store.GetOrCreate(ctx, "U001")
	if err := session.AppendExchange(ctx, "hi", "hello"); err != nil {
		t.Fatalf("append: %v", err)
	}

	reg := prometheus.NewRegistry()
	h := NewUserDeletedHandler(store, logging.Discard(), reg)
	if err := h.HandleMessage(ctx, eventMessage(t, "U001")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	fresh, _ := store.GetOrCreate(ctx, "U001")
	turns, _ := fresh.History(ctx)
	if len(turns) != 0 {
		t.Fatalf("expected purged history, got %+v", turns)
	}
	if got := testutil.ToFloat64(h.processed.WithLabelValues("ok")); got != 1 {
		t.Fatalf("expected ok counted, got %v", got)
	}
}

func TestUserDeletedMalformedGoesToDLQ(t *testing.T) {
	h := NewUserDeletedHandler(conversation.NewMemoryStore(10, time.Hour, 40), logging.Discard(), nil)

	for name, msg := range map[string]*sarama.ConsumerMessage{
		"empty":     {Value: nil},
		"garbage":   {Value: []byte("{not json")},
		"no user":   eventMessage(t, " "),
		"no header": {Value: []byte(`{"user_id":"U001"}`)},
	} {
		err := h.HandleMessage(context.Background(), msg)
		var dlq *kafka.DLQError
		if !errors.As(err, &dlq) {
			t.Fatalf("%s: expected DLQ error, got %v", name, err)
		}
	}
}

func TestUserDeletedStoreFailureIsRetryable(t *testing.T) {
	h := NewUserDeletedHandler(failingPurger{err: errors.New("redis down")}, logging.Discard(), nil)

	err := h.HandleMessage(context.Background(), eventMessage(t, "U001"))
	if err == nil {
		t.Fatalf("expected error")
	}
	var dlq *kafka.DLQError
	if errors.As(err, &dlq) {
		t.Fatalf("store failures must be retried, not dead-lettered")
	}
}
