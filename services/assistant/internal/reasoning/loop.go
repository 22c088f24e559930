package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// Tool is a capability the model may call during a loop.
type Tool interface {
	Spec() ToolSpec
	// Call returns the observation shown to the model. An error aborts the
	// whole loop, so tools report recoverable problems as observations.
	Call(ctx context.Context, args map[string]string) (string, error)
}

// closable tools drop out of the offered tool list once closed.
type closable interface {
	Closed() bool
}

type loopResult struct {
	output     Output
	iterations int
	toolCalls  int
}

type loop struct {
	logger        *slog.Logger
	model         Model
	system        string
	tools         []Tool
	maxIterations int
	metrics       *Metrics
	name          string
}

func (l *loop) specs() []ToolSpec {
	var out []ToolSpec
	for _, t := range l.tools {
		if c, ok := t.(closable); ok && c.Closed() {
			continue
		}
		out = append(out, t.Spec())
	}
	return out
}

func (l *loop) lookup(name string) Tool {
	for _, t := range l.tools {
		if t.Spec().Name != name {
			continue
		}
		if c, ok := t.(closable); ok && c.Closed() {
			return nil
		}
		return t
	}
	return nil
}

func (l *loop) run(ctx context.Context, messages []Message) (*loopResult, error) {
	msgs := append([]Message(nil), messages...)
	res := &loopResult{}

	for i := 0; i < l.maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.iterations = i + 1

		comp, err := l.model.Complete(ctx, Request{System: l.system, Messages: msgs, Tools: l.specs()})
		if err != nil {
			return nil, classifyModelErr(ctx, err)
		}

		if len(comp.ToolCalls) == 0 {
			res.output = comp.Output
			l.logger.Debug("reasoning loop finished", "loop", l.name, "iterations", res.iterations, "tool_calls", res.toolCalls)
			return res, nil
		}

		msgs = append(msgs, Message{Role: RoleAssistant, Content: comp.Output.Text(), ToolCalls: comp.ToolCalls})
		for _, tc := range comp.ToolCalls {
			res.toolCalls++
			obs, err := l.call(ctx, tc)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, Message{Role: RoleTool, ToolCallID: tc.ID, Name: tc.Name, Content: obs})
		}
	}

	l.logger.Warn("reasoning loop exhausted", "loop", l.name, "iterations", l.maxIterations)
	return nil, ErrIterationsExhausted
}

func (l *loop) call(ctx context.Context, tc ToolCall) (string, error) {
	tool := l.lookup(tc.Name)
	if tool == nil {
		l.metrics.toolCall(tc.Name, "unavailable")
		return fmt.Sprintf("Error: tool %q is not available.", tc.Name), nil
	}

	args, err := decodeArgs(tc.Arguments)
	if err != nil {
		l.metrics.toolCall(tc.Name, "bad_arguments")
		return "Error: tool arguments must be a JSON object of strings.", nil
	}

	obs, err := tool.Call(ctx, args)
	if err != nil {
		l.metrics.toolCall(tc.Name, "error")
		return "", err
	}
	l.metrics.toolCall(tc.Name, "ok")
	return obs, nil
}

func decodeArgs(raw string) (map[string]string, error) {
	if raw == "" {
		return map[string]string{}, nil
	}
	var generic map[string]any
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(generic))
	for k, v := range generic {
		switch x := v.(type) {
		case string:
			out[k] = x
		case nil:
		default:
			b, _ := json.Marshal(x)
			out[k] = string(b)
		}
	}
	return out, nil
}

// classifyModelErr keeps context and quota errors recognisable and folds
// everything else into ErrBackend.
func classifyModelErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if isContextErr(err) || errors.Is(err, ErrQuotaExhausted) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrBackend, err)
}
