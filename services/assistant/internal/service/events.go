package service

import (
	"context"

	"github.com/AfshinJalili/fintrack/libs/kafka"
	"github.com/AfshinJalili/fintrack/services/assistant/internal/permissions"
)

const chatCompletedEventType = "ai.chat.completed"

// ChatCompletedEvent audits which access level produced an answer. It
// never carries the question or the answer text.
type ChatCompletedEvent struct {
	kafka.Envelope
	UserID        string             `json:"user_id"`
	Permissions   permissions.Record `json:"permissions"`
	Refused       bool               `json:"refused"`
	Iterations    int                `json:"iterations"`
	ToolCalls     int                `json:"tool_calls"`
	QueriesRun    int                `json:"queries_run"`
	QueriesDenied int                `json:"queries_denied"`
	DurationMs    int64              `json:"duration_ms"`
}

func (s *ChatService) publishChatCompleted(ctx context.Context, correlationID string, event ChatCompletedEvent) {
	if s.producer == nil || s.opts.ChatCompletedTopic == "" {
		return
	}
	env, err := kafka.NewEnvelope(chatCompletedEventType, 1, correlationID)
	if err != nil {
		s.logger.Error("build chat completed envelope failed", "error", err)
		return
	}
	event.Envelope = env
	if _, _, err := s.producer.PublishJSON(ctx, s.opts.ChatCompletedTopic, event.UserID, event); err != nil {
		s.logger.Error("publish chat completed failed", "user_id", event.UserID, "error", err)
	}
}
