package providers

import (
	"context"
	"fmt"
	"strings"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is one model answer.
type Completion struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Usage        *Usage `json:"usage,omitempty"`
}

// CallOptions tune a single completion. Zero values leave the backend's
// own defaults in place.
type CallOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// ChatModel is a chat-style completion backend.
type ChatModel interface {
	Complete(ctx context.Context, messages []Message, opts CallOptions) (*Completion, error)
	DefaultModel() string
}

// Generator turns a single prompt into text. The persona pipeline only ever
// needs this narrow shape; modelHint may be empty.
type Generator interface {
	Generate(ctx context.Context, prompt, modelHint string) (string, error)
}

// GeneratorFunc adapts a plain function to Generator.
type GeneratorFunc func(ctx context.Context, prompt, modelHint string) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt, modelHint string) (string, error) {
	return f(ctx, prompt, modelHint)
}

// promptGenerator sends each prompt as one user turn. An empty model hint
// falls back to defaults.Model.
type promptGenerator struct {
	model    ChatModel
	defaults CallOptions
}

// NewGenerator wraps a ChatModel as a Generator.
func NewGenerator(model ChatModel, defaults CallOptions) Generator {
	return &promptGenerator{model: model, defaults: defaults}
}

func (g *promptGenerator) Generate(ctx context.Context, prompt, modelHint string) (string, error) {
	if g == nil || g.model == nil {
		return "", fmt.Errorf("generator not initialized")
	}
	opts := g.defaults
	if hint := strings.TrimSpace(modelHint); hint != "" {
		opts.Model = hint
	}
	out, err := g.model.Complete(ctx, []Message{{Role: "user", Content: prompt}}, opts)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Content), nil
}
