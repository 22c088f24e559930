package reasoning

import (
	"context"
	"log/slog"
	"strings"

	"github.com/AfshinJalili/fintrack/services/assistant/internal/sqlguard"
)

// Turn is one user question, already wrapped in its instruction payload.
type Turn struct {
	Scope       sqlguard.Scope
	Instruction string
	History     []Message
}

type TurnResult struct {
	Output     Output
	Iterations int
	ToolCalls  int
	Stats      QueryStats
}

// Agent is the conversational loop. Its only capability is the finance
// tool, which is bound to the turn's user; the model never chooses whose
// data is read.
type Agent struct {
	model         Model
	engine        *SQLEngine
	logger        *slog.Logger
	metrics       *Metrics
	maxIterations int
}

func NewAgent(model Model, engine *SQLEngine, logger *slog.Logger, metrics *Metrics, maxIterations int) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	if maxIterations <= 0 {
		maxIterations = 10
	}
	return &Agent{model: model, engine: engine, logger: logger, metrics: metrics, maxIterations: maxIterations}
}

func (a *Agent) Run(ctx context.Context, turn Turn) (*TurnResult, error) {
	stats := &QueryStats{}
	l := &loop{
		logger:        a.logger,
		model:         a.model,
		system:        SystemPrompt,
		tools:         []Tool{&financeTool{engine: a.engine, scope: turn.Scope, stats: stats}},
		maxIterations: a.maxIterations,
		metrics:       a.metrics,
		name:          "agent",
	}

	msgs := make([]Message, 0, len(turn.History)+1)
	msgs = append(msgs, turn.History...)
	msgs = append(msgs, Message{Role: RoleUser, Content: turn.Instruction})

	res, err := l.run(ctx, msgs)
	if err != nil {
		return nil, err
	}
	return &TurnResult{
		Output:     res.output,
		Iterations: res.iterations,
		ToolCalls:  res.toolCalls,
		Stats:      *stats,
	}, nil
}

type financeTool struct {
	engine *SQLEngine
	scope  sqlguard.Scope
	stats  *QueryStats
}

func (f *financeTool) Spec() ToolSpec {
	return ToolSpec{
		Name:        FinanceToolName,
		Description: financeToolDescription,
		Params: []ToolParam{
			{Name: "request", Description: "The financial question or data needed, in plain language."},
		},
	}
}

func (f *financeTool) Call(ctx context.Context, args map[string]string) (string, error) {
	request := strings.TrimSpace(args["request"])
	if request == "" {
		return "Error: the request argument is empty.", nil
	}
	return f.engine.query(ctx, request, f.scope, f.stats)
}
