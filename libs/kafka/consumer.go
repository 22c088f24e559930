package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

// HandlerFunc adapts a plain function to MessageHandler.
type HandlerFunc func(context.Context, *sarama.ConsumerMessage) error

func (f HandlerFunc) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	return f(ctx, msg)
}

type ConsumerOptions struct {
	DLQPublisher Publisher
	DLQTopic     string
	// MaxAttempts bounds redeliveries of a failing message before it is
	// dead-lettered. Zero means 3.
	MaxAttempts int
}

type Consumer struct {
	group  sarama.ConsumerGroup
	logger *slog.Logger
	opts   ConsumerOptions
}

func NewConsumer(brokers []string, groupID string, logger *slog.Logger, opts ConsumerOptions) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.ClientID = groupID
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{
		group:  group,
		logger: logger,
		opts:   opts,
	}, nil
}

// Consume blocks until ctx is cancelled, rejoining the group after each
// rebalance or transient failure.
func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	cgHandler := newConsumerGroupHandler(handler, c.logger, c.opts)

	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Error("kafka consume error", "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

type consumerGroupHandler struct {
	handler      MessageHandler
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	retryTracker *retryTracker
}

func newConsumerGroupHandler(handler MessageHandler, logger *slog.Logger, opts ConsumerOptions) *consumerGroupHandler {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &consumerGroupHandler{
		handler:      handler,
		logger:       logger,
		dlqPublisher: opts.DLQPublisher,
		dlqTopic:     opts.DLQTopic,
		retryTracker: newRetryTracker(maxAttempts, 10*time.Minute),
	}
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		err := h.handler.HandleMessage(session.Context(), msg)
		if err == nil {
			h.retryTracker.forget(msg)
			session.MarkMessage(msg, "")
			continue
		}

		h.logger.Error("kafka message handler error",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)

		attempts := h.retryTracker.record(msg)
		var dlqErr *DLQError
		if !errors.As(err, &dlqErr) {
			if !h.retryTracker.exhausted(attempts) {
				// Leave the offset unmarked so the message is redelivered.
				continue
			}
			dlqErr = &DLQError{Err: err, Reason: "retries_exhausted"}
		}

		if h.publishDLQ(session.Context(), msg, dlqErr, attempts) {
			h.retryTracker.forget(msg)
			session.MarkMessage(msg, "")
		}
	}
	return nil
}

func (h *consumerGroupHandler) publishDLQ(ctx context.Context, msg *sarama.ConsumerMessage, err *DLQError, attempts int) bool {
	if h.dlqPublisher == nil || h.dlqTopic == "" {
		h.logger.Warn("dropping poison message without dlq", "topic", msg.Topic, "offset", msg.Offset, "reason", err.Reason)
		return true
	}
	payload := consumedDeadLetter(msg, err, attempts)
	if _, _, pubErr := h.dlqPublisher.PublishJSON(ctx, h.dlqTopic, string(msg.Key), payload); pubErr != nil {
		h.logger.Error("dlq publish failed", "topic", h.dlqTopic, "error", pubErr)
		return false
	}
	return true
}

type retryKey struct {
	topic     string
	partition int32
	offset    int64
}

type retryEntry struct {
	attempts int
	seen     time.Time
}

type retryTracker struct {
	mu          sync.Mutex
	maxAttempts int
	ttl         time.Duration
	entries     map[retryKey]retryEntry
}

func newRetryTracker(maxAttempts int, ttl time.Duration) *retryTracker {
	return &retryTracker{
		maxAttempts: maxAttempts,
		ttl:         ttl,
		entries:     make(map[retryKey]retryEntry),
	}
}

func (r *retryTracker) record(msg *sarama.ConsumerMessage) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for k, e := range r.entries {
		if now.Sub(e.seen) > r.ttl {
			delete(r.entries, k)
		}
	}

	key := retryKey{topic: msg.Topic, partition: msg.Partition, offset: msg.Offset}
	e := r.entries[key]
	e.attempts++
	e.seen = now
	r.entries[key] = e
	return e.attempts
}

func (r *retryTracker) exhausted(attempts int) bool {
	return attempts >= r.maxAttempts
}

func (r *retryTracker) forget(msg *sarama.ConsumerMessage) {
	r.mu.Lock()
	delete(r.entries, retryKey{topic: msg.Topic, partition: msg.Partition, offset: msg.Offset})
	r.mu.Unlock()
}
