package reasoning

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/AfshinJalili/fintrack/libs/logging"
	"github.com/AfshinJalili/fintrack/services/assistant/internal/storage"
)

func TestAgentDelegatesToFinanceTool(t *testing.T) {
	model := &scriptedModel{steps: []step{
		callTool(FinanceToolName, "request", "total spending by category"),
		callTool(SQLToolName, "query", "SELECT category, SUM(amount) FROM transactions GROUP BY category LIMIT 10"),
		answer("Food: 450"),
		answer("You spent 450 on food."),
	}}
	runner := &fakeRunner{results: []*storage.Result{{Columns: []string{"category", "sum"}, Rows: [][]string{{"Food", "450"}}}}}
	engine := newEngine(model, runner)
	agent := NewAgent(model, engine, logging.Discard(), nil, 10)

	history := []Message{
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant, Content: "Hi!"},
	}
	res, err := agent.Run(context.Background(), Turn{Scope: fullScope(), Instruction: "how much did I spend?", History: history})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if Normalize(res.Output) != "You spent 450 on food." {
		t.Fatalf("unexpected output %q", Normalize(res.Output))
	}
	if res.Stats.Succeeded != 1 || res.ToolCalls != 1 {
		t.Fatalf("unexpected stats %+v tool calls %d", res.Stats, res.ToolCalls)
	}

	first := model.requests[0]
	if first.System != SystemPrompt {
		t.Fatalf("expected agent system prompt")
	}
	if len(first.Messages) != 3 || first.Messages[0].Content != "hello" || first.Messages[2].Content != "how much did I spend?" {
		t.Fatalf("expected history followed by instruction, got %+v", first.Messages)
	}
	if len(first.Tools) != 1 || first.Tools[0].Name != FinanceToolName {
		t.Fatalf("expected only the finance tool, got %+v", first.Tools)
	}
	for _, p := range first.Tools[0].Params {
		if strings.Contains(p.Name, "user") {
			t.Fatalf("user identity must not be a tool argument")
		}
	}

	final := model.requests[3].Messages
	if obs := final[len(final)-1]; obs.Role != RoleTool || obs.Name != FinanceToolName || obs.Content != "Food: 450" {
		t.Fatalf("expected engine answer as observation, got %+v", obs)
	}
}

func TestAgentStopsAtIterationBudget(t *testing.T) {
	var steps []step
	for i := 0; i < 3; i++ {
		steps = append(steps, callTool(FinanceToolName, "request", ""))
	}
	agent := NewAgent(&scriptedModel{steps: steps}, newEngine(&scriptedModel{}, &fakeRunner{}), logging.Discard(), nil, 3)

	_, err := agent.Run(context.Background(), Turn{Scope: fullScope(), Instruction: "q"})
	if !errors.Is(err, ErrIterationsExhausted) {
		t.Fatalf("expected ErrIterationsExhausted, got %v", err)
	}
}

func TestAgentHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	agent := NewAgent(&scriptedModel{steps: []step{answer("late")}}, nil, logging.Discard(), nil, 3)

	if _, err := agent.Run(ctx, Turn{Scope: fullScope(), Instruction: "q"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
