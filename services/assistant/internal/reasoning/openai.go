package reasoning

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// OpenAIModel talks to any OpenAI-compatible chat completions API,
// including Groq.
type OpenAIModel struct {
	client *openai.Client
	model  string
}

func NewOpenAIModel(apiKey, baseURL, model string) (*OpenAIModel, error) {
	if apiKey == "" {
		return nil, ErrMissingCredential
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIModel{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

func (m *OpenAIModel) Complete(ctx context.Context, req Request) (*Completion, error) {
	creq := openai.ChatCompletionRequest{
		Model:    m.model,
		Messages: toOpenAIMessages(req),
		// A zero temperature is dropped by omitempty; this is as close to
		// deterministic as the field allows.
		Temperature: math.SmallestNonzeroFloat32,
	}
	if len(req.Tools) > 0 {
		creq.Tools = toOpenAITools(req.Tools)
	}

	resp, err := m.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, classifyOpenAIErr(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in completion")
	}
	return fromOpenAIMessage(resp.Choices[0].Message), nil
}

func toOpenAIMessages(req Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content})
		case RoleAssistant:
			am := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				am.ToolCalls = append(am.ToolCalls, openai.ToolCall{
					ID:       tc.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
				})
			}
			out = append(out, am)
		case RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				Name:       msg.Name,
				ToolCallID: msg.ToolCallID,
			})
		}
	}
	return out
}

func toOpenAITools(specs []ToolSpec) []openai.Tool {
	tools := make([]openai.Tool, 0, len(specs))
	for _, s := range specs {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  jsonSchema(s.Params),
			},
		})
	}
	return tools
}

func jsonSchema(params []ToolParam) map[string]any {
	props := make(map[string]any, len(params))
	required := make([]string, 0, len(params))
	for _, p := range params {
		props[p.Name] = map[string]any{"type": "string", "description": p.Description}
		required = append(required, p.Name)
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func fromOpenAIMessage(msg openai.ChatCompletionMessage) *Completion {
	comp := &Completion{}
	switch {
	case msg.Content != "":
		comp.Output = TextOutput(msg.Content)
	case len(msg.MultiContent) > 0:
		var parts []string
		for _, p := range msg.MultiContent {
			if p.Type == openai.ChatMessagePartTypeText {
				parts = append(parts, p.Text)
			}
		}
		comp.Output = FragmentsOutput(parts...)
	default:
		comp.Output = EmptyOutput()
	}
	for _, tc := range msg.ToolCalls {
		comp.ToolCalls = append(comp.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return comp
}

func classifyOpenAIErr(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", ErrQuotaExhausted, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", ErrQuotaExhausted, err)
	}
	return err
}
