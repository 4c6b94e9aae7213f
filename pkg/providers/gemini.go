package providers

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/dotsetgreg/dotpersona/pkg/config"
)

const defaultGeminiModel = "gemini-2.5-flash"

func init() {
	mustRegister(Backend{
		Name:       ProviderGemini,
		Summary:    "Google Gemini provider via the genai SDK.",
		Auth:       "Requires `api_key`.",
		Build:      newGeminiModel,
		Validate:   validateGeminiConfig,
		Credential: geminiCredentialStatus,
	})
}

func validateGeminiConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if strings.TrimSpace(cfg.Providers.Gemini.APIKey) == "" {
		return fmt.Errorf("Gemini API key is required (set providers.gemini.api_key or DOTPERSONA_PROVIDERS_GEMINI_API_KEY)")
	}
	return nil
}

func geminiCredentialStatus(cfg *config.Config) (bool, string) {
	if cfg == nil || strings.TrimSpace(cfg.Providers.Gemini.APIKey) == "" {
		return false, ""
	}
	return true, string(credAPIKey)
}

// geminiModel talks to the Gemini API through the genai SDK. System
// messages become the system instruction and assistant turns map to the
// model role.
type geminiModel struct {
	client       *genai.Client
	defaultModel string
}

func newGeminiModel(cfg *config.Config) (ChatModel, error) {
	if err := validateGeminiConfig(cfg); err != nil {
		return nil, err
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.Providers.Gemini.APIKey),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	model := strings.TrimSpace(cfg.Providers.Gemini.Model)
	if model == "" {
		model = defaultGeminiModel
	}
	return &geminiModel{client: client, defaultModel: model}, nil
}

func (p *geminiModel) Complete(ctx context.Context, messages []Message, opts CallOptions) (*Completion, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider not initialized")
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" || strings.Contains(model, "/") {
		// OpenRouter-style ids like openai/gpt-5.2 mean nothing to Gemini.
		model = p.defaultModel
	}

	contents, system := toGeminiContents(messages)
	genCfg := &genai.GenerateContentConfig{}
	if system != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if opts.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(opts.MaxTokens)
	}
	if opts.Temperature > 0 {
		t := float32(opts.Temperature)
		genCfg.Temperature = &t
	}

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, genCfg)
	if err != nil {
		return nil, fmt.Errorf("gemini API request failed: %s", withHint(ProviderGemini, err.Error()))
	}

	out := &Completion{Content: resp.Text(), FinishReason: "stop"}
	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != "" {
		out.FinishReason = strings.ToLower(string(resp.Candidates[0].FinishReason))
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = &Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

func (p *geminiModel) DefaultModel() string {
	if p == nil {
		return ""
	}
	return p.defaultModel
}

func toGeminiContents(messages []Message) ([]*genai.Content, string) {
	contents := make([]*genai.Content, 0, len(messages))
	var system []string
	for _, m := range messages {
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		switch strings.ToLower(m.Role) {
		case "system":
			system = append(system, text)
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(text, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
		}
	}
	return contents, strings.Join(system, "\n\n")
}
