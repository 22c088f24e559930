package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AfshinJalili/fintrack/libs/logging"
	"github.com/AfshinJalili/fintrack/services/assistant/internal/conversation"
	"github.com/AfshinJalili/fintrack/services/assistant/internal/permissions"
	"github.com/AfshinJalili/fintrack/services/assistant/internal/reasoning"
	"github.com/AfshinJalili/fintrack/services/assistant/internal/storage"
)

type modelStep func(reasoning.Request) (*reasoning.Completion, error)

// replayModel serves the agent and the SQL engine from one script.
type replayModel struct {
	mu    sync.Mutex
	steps []modelStep
}

func (m *replayModel) Complete(_ context.Context, req reasoning.Request) (*reasoning.Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.steps) == 0 {
		return nil, errors.New("script exhausted")
	}
	s := m.steps[0]
	m.steps = m.steps[1:]
	return s(req)
}

func toolCall(name, arg, value string) modelStep {
	return func(reasoning.Request) (*reasoning.Completion, error) {
		args, _ := json.Marshal(map[string]string{arg: value})
		return &reasoning.Completion{ToolCalls: []reasoning.ToolCall{{ID: "call-" + name, Name: name, Arguments: string(args)}}}, nil
	}
}

func reply(text string) modelStep {
	return func(reasoning.Request) (*reasoning.Completion, error) {
		return &reasoning.Completion{Output: reasoning.TextOutput(text)}, nil
	}
}

type countingRunner struct {
	mu      sync.Mutex
	queries []string
}

func (r *countingRunner) QueryReadOnly(_ context.Context, sql string, _ []any, _ int) (*storage.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, sql)
	return &storage.Result{Columns: []string{"total"}, Rows: [][]string{{"50000"}}}, nil
}

func TestChatRefusesDeniedInvestmentsEndToEnd(t *testing.T) {
	rec := permissions.AllowAll()
	rec.Investments = false

	model := &replayModel{steps: []modelStep{
		toolCall(reasoning.FinanceToolName, "request", "total value of my investments"),
		toolCall(reasoning.SQLToolName, "query", "SELECT SUM(current_value) AS total FROM investments"),
		reply("I could not read the investments table."),
		reply("You have 50,000 invested across your portfolio."),
	}}
	runner := &countingRunner{}
	build := func(context.Context) (Agent, error) {
		engine := reasoning.NewSQLEngine(model, runner, logging.Discard(), nil, reasoning.EngineOptions{MaxIterations: 6, DefaultRows: 10, MaxRows: 50})
		return reasoning.NewAgent(model, engine, logging.Discard(), nil, 10), nil
	}

	sessions := conversation.NewMemoryStore(10, time.Hour, 40)
	producer := &recordProducer{}
	svc := NewChatService(fakeResolver{records: map[string]permissions.Record{"U001": rec}}, sessions, build, producer,
		logging.Discard(), NewMetrics(prometheus.NewRegistry()), Options{ChatCompletedTopic: "ai.chat.completed"})
	if err := svc.ReloadAgent(context.Background()); err != nil {
		t.Fatalf("reload agent: %v", err)
	}

	res, err := svc.Chat(context.Background(), ChatInput{UserID: "U001", Question: "how much do I have in investments?"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if res.Answer != permissions.RefusalMessage {
		t.Fatalf("expected refusal, got %q", res.Answer)
	}
	if res.Permissions.Investments {
		t.Fatalf("expected investments reported as denied")
	}
	if len(runner.queries) != 0 {
		t.Fatalf("denied query must not reach the database, got %v", runner.queries)
	}

	h := &harness{sessions: sessions}
	turns := h.history(t, "U001")
	if len(turns) != 2 || turns[1].Text != permissions.RefusalMessage {
		t.Fatalf("expected refusal recorded in history, got %+v", turns)
	}
	if len(producer.calls) != 1 {
		t.Fatalf("expected one audit event, got %d", len(producer.calls))
	}
	event, ok := producer.calls[0].value.(ChatCompletedEvent)
	if !ok || !event.Refused || event.QueriesDenied != 1 || event.QueriesRun != 0 {
		t.Fatalf("unexpected audit event %+v", producer.calls[0].value)
	}
}
