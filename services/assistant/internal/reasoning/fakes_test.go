package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/AfshinJalili/fintrack/services/assistant/internal/storage"
)

type step func(req Request) (*Completion, error)

// scriptedModel replays steps in order and records every request.
type scriptedModel struct {
	mu       sync.Mutex
	steps    []step
	requests []Request
}

func (m *scriptedModel) Complete(_ context.Context, req Request) (*Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.steps) == 0 {
		return nil, errors.New("script exhausted")
	}
	s := m.steps[0]
	m.steps = m.steps[1:]
	return s(req)
}

func answer(text string) step {
	return func(Request) (*Completion, error) {
		return &Completion{Output: TextOutput(text)}, nil
	}
}

func callTool(name, arg, value string) step {
	return func(Request) (*Completion, error) {
		args, _ := json.Marshal(map[string]string{arg: value})
		return &Completion{ToolCalls: []ToolCall{{ID: "call-" + value, Name: name, Arguments: string(args)}}}, nil
	}
}

func fail(err error) step {
	return func(Request) (*Completion, error) { return nil, err }
}

type fakeRunner struct {
	mu      sync.Mutex
	results []*storage.Result
	errs    []error
	queries []string
	args    [][]any
}

func (f *fakeRunner) QueryReadOnly(_ context.Context, sql string, args []any, _ int) (*storage.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, sql)
	f.args = append(f.args, args)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.results) == 0 {
		return &storage.Result{}, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r, nil
}
