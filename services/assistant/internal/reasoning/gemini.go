package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

// GeminiModel uses the Gemini API. Gemini answers in parts, so its text
// output arrives as fragments.
type GeminiModel struct {
	client *genai.Client
	model  string
}

func NewGeminiModel(ctx context.Context, apiKey, model string) (*GeminiModel, error) {
	if apiKey == "" {
		return nil, ErrMissingCredential
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiModel{client: client, model: model}, nil
}

func (m *GeminiModel) Complete(ctx context.Context, req Request) (*Completion, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0),
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if len(req.Tools) > 0 {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: toGeminiDeclarations(req.Tools)}}
	}

	contents, err := toGeminiContents(req.Messages)
	if err != nil {
		return nil, err
	}

	resp, err := m.client.Models.GenerateContent(ctx, m.model, contents, cfg)
	if err != nil {
		return nil, classifyGeminiErr(err)
	}
	return fromGeminiResponse(resp), nil
}

func toGeminiDeclarations(specs []ToolSpec) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, s := range specs {
		props := make(map[string]*genai.Schema, len(s.Params))
		required := make([]string, 0, len(s.Params))
		for _, p := range s.Params {
			props[p.Name] = &genai.Schema{Type: genai.TypeString, Description: p.Description}
			required = append(required, p.Name)
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        s.Name,
			Description: s.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: props,
				Required:   required,
			},
		})
	}
	return decls
}

func toGeminiContents(msgs []Message) ([]*genai.Content, error) {
	out := make([]*genai.Content, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case RoleUser:
			out = append(out, genai.NewContentFromText(msg.Content, genai.RoleUser))
		case RoleAssistant:
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, genai.NewPartFromText(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				args := map[string]any{}
				if tc.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
						return nil, fmt.Errorf("decode tool arguments: %w", err)
					}
				}
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args}})
			}
			if len(parts) == 0 {
				continue
			}
			out = append(out, genai.NewContentFromParts(parts, genai.RoleModel))
		case RoleTool:
			part := &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       msg.ToolCallID,
				Name:     msg.Name,
				Response: map[string]any{"output": msg.Content},
			}}
			out = append(out, genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser))
		}
	}
	return out, nil
}

func fromGeminiResponse(resp *genai.GenerateContentResponse) *Completion {
	comp := &Completion{Output: EmptyOutput()}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return comp
	}

	var fragments []string
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil {
			continue
		}
		if part.FunctionCall != nil {
			args, _ := json.Marshal(part.FunctionCall.Args)
			id := part.FunctionCall.ID
			if id == "" {
				id = uuid.NewString()
			}
			comp.ToolCalls = append(comp.ToolCalls, ToolCall{ID: id, Name: part.FunctionCall.Name, Arguments: string(args)})
			continue
		}
		if part.Text != "" && !part.Thought {
			fragments = append(fragments, part.Text)
		}
	}
	comp.Output = FragmentsOutput(fragments...)
	return comp
}

func classifyGeminiErr(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && (apiErr.Code == http.StatusTooManyRequests || apiErr.Status == "RESOURCE_EXHAUSTED") {
		return fmt.Errorf("%w: %w", ErrQuotaExhausted, err)
	}
	return err
}
