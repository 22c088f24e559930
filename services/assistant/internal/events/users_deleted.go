package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AfshinJalili/fintrack/libs/kafka"
)

const usersDeletedEventType = "users.deleted"

type UserDeletedEvent struct {
	kafka.Envelope
	UserID string `json:"user_id"`
}

// SessionPurger drops a user's conversation.
type SessionPurger interface {
	Delete(ctx context.Context, userID string) error
}

// UserDeletedHandler forgets the conversation of users whose account was
// removed. Malformed events go straight to the dead-letter topic; store
// failures are retried by the consumer.
type UserDeletedHandler struct {
	sessions  SessionPurger
	logger    *slog.Logger
	processed *prometheus.CounterVec
}

func NewUserDeletedHandler(sessions SessionPurger, logger *slog.Logger, registry *prometheus.Registry) *UserDeletedHandler {
	if logger == nil {
		logger = slog.Default()
	}
	processed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "assistant_user_deleted_events_total",
		Help: "users.deleted events handled by outcome.",
	}, []string{"status"})
	if registry != nil {
		registry.MustRegister(processed)
	}
	return &UserDeletedHandler{sessions: sessions, logger: logger, processed: processed}
}

func (h *UserDeletedHandler) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		h.record("invalid")
		return kafka.DLQ(errors.New("empty kafka message"), "empty")
	}

	var event UserDeletedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		h.record("invalid")
		return kafka.DLQ(fmt.Errorf("decode %s: %w", usersDeletedEventType, err), "decode")
	}
	if err := event.Validate(); err != nil {
		h.record("invalid")
		return kafka.DLQ(err, "validation")
	}
	if event.EventType != usersDeletedEventType {
		h.record("skipped")
		h.logger.Debug("ignoring unexpected event type", "event_type", event.EventType)
		return nil
	}
	userID := strings.TrimSpace(event.UserID)
	if userID == "" {
		h.record("invalid")
		return kafka.DLQ(errors.New("user_id is required"), "validation")
	}

	if err := h.sessions.Delete(ctx, userID); err != nil {
		h.record("error")
		return fmt.Errorf("purge session %s: %w", userID, err)
	}
	h.record("ok")
	h.logger.Info("conversation purged for deleted user", "user_id", userID, "event_id", event.EventID)
	return nil
}

func (h *UserDeletedHandler) record(status string) {
	h.processed.WithLabelValues(status).Inc()
}
