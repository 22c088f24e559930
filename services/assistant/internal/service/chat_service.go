package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/AfshinJalili/fintrack/libs/kafka"
	"github.com/AfshinJalili/fintrack/libs/trace"
	"github.com/AfshinJalili/fintrack/services/assistant/internal/conversation"
	"github.com/AfshinJalili/fintrack/services/assistant/internal/permissions"
	"github.com/AfshinJalili/fintrack/services/assistant/internal/reasoning"
	"github.com/AfshinJalili/fintrack/services/assistant/internal/sqlguard"
)

const (
	statusOK                 = "ok"
	statusRefused            = "refused"
	statusNotReady           = "not_ready"
	statusUnavailable        = "unavailable"
	statusUpstreamQuota      = "upstream_quota"
	statusStorageUnavailable = "storage_unavailable"
	statusError              = "error"
)

var (
	ErrInvalidInput       = errors.New("invalid chat input")
	ErrAgentUnavailable   = errors.New("assistant agent not initialised")
	ErrUnavailable        = errors.New("assistant temporarily unavailable")
	ErrUpstreamQuota      = errors.New("reasoning backend quota exhausted")
	ErrStorageUnavailable = errors.New("financial store unavailable")
)

type PermissionResolver interface {
	Resolve(ctx context.Context, userID string) permissions.Record
}

type Agent interface {
	Run(ctx context.Context, turn reasoning.Turn) (*reasoning.TurnResult, error)
}

// AgentBuilder constructs a fresh agent from current configuration.
type AgentBuilder func(ctx context.Context) (Agent, error)

type Options struct {
	// Timeout is the wall-clock budget of one reasoning loop.
	Timeout            time.Duration
	ChatCompletedTopic string
}

type ChatInput struct {
	UserID        string
	Question      string
	CorrelationID string
}

type ChatResult struct {
	UserID      string
	Question    string
	Answer      string
	Permissions permissions.Record
}

type agentBox struct{ agent Agent }

type ChatService struct {
	resolver PermissionResolver
	sessions conversation.Store
	build    AgentBuilder
	producer kafka.Publisher
	logger   *slog.Logger
	metrics  *Metrics
	opts     Options

	agent    atomic.Pointer[agentBox]
	reloadMu sync.Mutex
}

func NewChatService(resolver PermissionResolver, sessions conversation.Store, build AgentBuilder, producer kafka.Publisher, logger *slog.Logger, metrics *Metrics, opts Options) *ChatService {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &ChatService{
		resolver: resolver,
		sessions: sessions,
		build:    build,
		producer: producer,
		logger:   logger,
		metrics:  metrics,
		opts:     opts,
	}
}

// ReloadAgent rebuilds the agent. On failure the previous agent, if any,
// stays in place.
func (s *ChatService) ReloadAgent(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if s.build == nil {
		return errors.New("no agent builder configured")
	}
	agent, err := s.build(ctx)
	if err != nil {
		s.recordReload(statusError)
		return fmt.Errorf("build agent: %w", err)
	}
	s.agent.Store(&agentBox{agent: agent})
	s.recordReload(statusOK)
	s.logger.Info("reasoning agent ready")
	return nil
}

// AwaitAgent retries ReloadAgent every interval until an agent is in
// place or ctx ends.
func (s *ChatService) AwaitAgent(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for !s.Ready() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		reloadCtx, cancel := context.WithTimeout(ctx, interval)
		err := s.ReloadAgent(reloadCtx)
		cancel()
		if err != nil {
			s.logger.Warn("agent still unavailable", "error", err)
		}
	}
}

// RequireStorage wraps build so no agent is built while ping fails.
func RequireStorage(ping func(context.Context) error, build AgentBuilder) AgentBuilder {
	return func(ctx context.Context) (Agent, error) {
		if err := ping(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		return build(ctx)
	}
}

func (s *ChatService) Ready() bool {
	return s.currentAgent() != nil
}

func (s *ChatService) currentAgent() Agent {
	box := s.agent.Load()
	if box == nil {
		return nil
	}
	return box.agent
}

func (s *ChatService) Chat(ctx context.Context, input ChatInput) (*ChatResult, error) {
	start := time.Now()
	userID := strings.TrimSpace(input.UserID)
	question := strings.TrimSpace(input.Question)
	if userID == "" || question == "" {
		return nil, ErrInvalidInput
	}

	agent := s.currentAgent()
	if agent == nil {
		s.record(statusNotReady, start)
		return nil, ErrAgentUnavailable
	}

	ctx, span := trace.Tracer("assistant/service").Start(ctx, "chat_turn")
	span.SetAttributes(attribute.String("user.id", userID))
	defer span.End()

	perms := s.resolver.Resolve(ctx, userID)

	session, err := s.sessions.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, s.fail(span, start, statusError, fmt.Errorf("load session: %w", err))
	}
	turns, err := session.History(ctx)
	if err != nil {
		return nil, s.fail(span, start, statusError, fmt.Errorf("load history: %w", err))
	}

	runCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	res, err := agent.Run(runCtx, reasoning.Turn{
		Scope:       sqlguard.Scope{UserID: userID, Permissions: perms},
		Instruction: BuildInstruction(userID, permissions.Render(perms), question),
		History:     historyMessages(turns),
	})
	if err != nil {
		status, mapped := classifyRunErr(ctx, err)
		if status == statusError {
			s.logger.Error("chat turn failed", "user_id", userID, "error", err)
		} else {
			s.logger.Warn("chat turn failed", "user_id", userID, "status", status, "error", err)
		}
		return nil, s.fail(span, start, status, mapped)
	}

	answer := reasoning.Normalize(res.Output)
	refused := false
	if res.Stats.Denied > 0 && res.Stats.Succeeded == 0 {
		// Every data request hit a denied category; whatever the model said,
		// the only allowed answer is the refusal.
		if answer != permissions.RefusalMessage {
			s.logger.Warn("replacing answer after denied-only turn", "user_id", userID, "denied", res.Stats.Denied)
		}
		answer = permissions.RefusalMessage
		refused = true
	}

	if err := session.AppendExchange(ctx, question, answer); err != nil {
		return nil, s.fail(span, start, statusError, fmt.Errorf("append exchange: %w", err))
	}

	status := statusOK
	if refused {
		status = statusRefused
	}
	s.record(status, start)
	span.SetAttributes(
		attribute.Int("chat.iterations", res.Iterations),
		attribute.Int("chat.queries_denied", res.Stats.Denied),
	)

	s.publishChatCompleted(ctx, input.CorrelationID, ChatCompletedEvent{
		UserID:        userID,
		Permissions:   perms,
		Refused:       refused,
		Iterations:    res.Iterations,
		ToolCalls:     res.ToolCalls,
		QueriesRun:    res.Stats.Succeeded,
		QueriesDenied: res.Stats.Denied,
		DurationMs:    time.Since(start).Milliseconds(),
	})

	return &ChatResult{
		UserID:      userID,
		Question:    question,
		Answer:      answer,
		Permissions: perms,
	}, nil
}

// classifyRunErr maps reasoning failures to service errors. A deadline hit
// by the turn budget is retryable; a caller that went away gets its own
// context error back.
func classifyRunErr(parent context.Context, err error) (string, error) {
	switch {
	case parent.Err() != nil:
		return statusError, parent.Err()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, reasoning.ErrIterationsExhausted):
		return statusUnavailable, fmt.Errorf("%w: %w", ErrUnavailable, err)
	case errors.Is(err, reasoning.ErrQuotaExhausted):
		return statusUpstreamQuota, fmt.Errorf("%w: %w", ErrUpstreamQuota, err)
	case errors.Is(err, reasoning.ErrStorageUnavailable):
		return statusStorageUnavailable, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	default:
		return statusError, fmt.Errorf("run agent: %w", err)
	}
}

func (s *ChatService) fail(span oteltrace.Span, start time.Time, status string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, status)
	s.record(status, start)
	return err
}

func (s *ChatService) record(status string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.ChatTurns.WithLabelValues(status).Inc()
	s.metrics.ChatLatency.WithLabelValues(status).Observe(time.Since(start).Seconds())
}

func (s *ChatService) recordReload(status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.AgentReloads.WithLabelValues(status).Inc()
}

// BuildInstruction binds the turn to userID and carries the permission
// rules ahead of the question. History travels separately.
func BuildInstruction(userID, permissionText, question string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "IMPORTANT CONTEXT: You are answering for user_id: %s\n", userID)
	fmt.Fprintf(&b, "When querying the database, ALWAYS filter by WHERE user_id = '%s' for tables: assets, investments, liabilities, transactions.\n\n", userID)
	b.WriteString(permissionText)
	b.WriteString("\n\nUser Question: ")
	b.WriteString(question)
	return b.String()
}

func historyMessages(turns []conversation.Turn) []reasoning.Message {
	msgs := make([]reasoning.Message, 0, len(turns))
	for _, t := range turns {
		role := reasoning.RoleUser
		if t.Speaker == conversation.SpeakerAssistant {
			role = reasoning.RoleAssistant
		}
		msgs = append(msgs, reasoning.Message{Role: role, Content: t.Text})
	}
	return msgs
}
