// Package reasoning drives the language model through bounded tool loops:
// an outer conversational agent with one data tool, and an inner SQL engine
// that answers that tool's requests against the user-scoped database.
package reasoning

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrMissingCredential = errors.New("reasoning backend credential not configured")
	// ErrQuotaExhausted means the backend refused work for rate or resource
	// limits. It is retryable by the caller.
	ErrQuotaExhausted      = errors.New("reasoning backend quota exhausted")
	ErrBackend             = errors.New("reasoning backend failure")
	ErrIterationsExhausted = errors.New("reasoning loop exceeded its iteration budget")
	ErrStorageUnavailable  = errors.New("financial store unavailable")
)

// NoResponse replaces an empty model answer.
const NoResponse = "I'm sorry, I couldn't generate a response."

// DontKnow is the engine's answer when it cannot produce one.
const DontKnow = "I don't know."

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	// Name is the tool that produced a RoleTool message.
	Name string
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

type ToolParam struct {
	Name        string
	Description string
}

// ToolSpec declares a tool whose parameters are all required strings.
type ToolSpec struct {
	Name        string
	Description string
	Params      []ToolParam
}

type Request struct {
	System   string
	Messages []Message
	Tools    []ToolSpec
}

type Completion struct {
	Output    Output
	ToolCalls []ToolCall
}

// Model is one chat completion backend with tool calling.
type Model interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}

type outputKind int

const (
	outputEmpty outputKind = iota
	outputText
	outputFragments
)

// Output is the raw shape of a model answer. Backends disagree on whether
// an answer is one string or a list of parts, so both are carried until
// Normalize picks the final text.
type Output struct {
	kind      outputKind
	text      string
	fragments []string
}

func EmptyOutput() Output { return Output{} }

func TextOutput(text string) Output {
	return Output{kind: outputText, text: text}
}

func FragmentsOutput(fragments ...string) Output {
	if len(fragments) == 0 {
		return EmptyOutput()
	}
	return Output{kind: outputFragments, fragments: append([]string(nil), fragments...)}
}

// Text joins the output without substituting anything for empty answers.
func (o Output) Text() string {
	switch o.kind {
	case outputText:
		return o.text
	case outputFragments:
		return strings.Join(o.fragments, "\n")
	default:
		return ""
	}
}

// Normalize returns the single text answer for an output: fragments are
// joined with newlines, text passes through, and blank answers become
// NoResponse.
func Normalize(o Output) string {
	text := o.Text()
	if strings.TrimSpace(text) == "" {
		return NoResponse
	}
	return text
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
