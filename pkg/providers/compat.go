package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dotsetgreg/dotpersona/pkg/config"
	"github.com/dotsetgreg/dotpersona/pkg/logger"
)

const (
	defaultOpenAIAPIBase     = "https://api.openai.com/v1"
	defaultOpenAIModel       = "gpt-5-mini"
	defaultOpenRouterAPIBase = "https://openrouter.ai/api/v1"
	defaultOpenRouterModel   = "openai/gpt-5.2"

	compatTimeout     = 300 * time.Second
	compatMaxAttempts = 2
)

// retryBackoff is a var so tests can shorten it.
var retryBackoff = 500 * time.Millisecond

func init() {
	mustRegister(Backend{
		Name:       ProviderOpenRouter,
		Summary:    "OpenRouter chat completions provider.",
		Auth:       "Requires `api_key`.",
		Build:      newOpenRouterModel,
		Validate:   validateOpenRouter,
		Credential: openRouterCredential,
	})
	mustRegister(Backend{
		Name:       ProviderOpenAI,
		Summary:    "OpenAI chat completions provider.",
		Auth:       "Requires exactly one credential source: `api_key` OR `oauth_access_token` OR `oauth_token_file`.",
		Build:      newOpenAIModel,
		Validate:   validateOpenAI,
		Credential: openAICredential,
	})
}

func openRouterKey(cfg *config.Config) credential {
	return credential{kind: credAPIKey, field: "providers.openrouter.api_key", value: cfg.Providers.OpenRouter.APIKey}
}

func validateOpenRouter(cfg *config.Config) error {
	if !openRouterKey(cfg).set() {
		return fmt.Errorf("OpenRouter API key is required (set providers.openrouter.api_key or DOTPERSONA_PROVIDERS_OPENROUTER_API_KEY)")
	}
	return nil
}

func openRouterCredential(cfg *config.Config) (bool, string) {
	if cfg == nil || !openRouterKey(cfg).set() {
		return false, ""
	}
	return true, string(credAPIKey)
}

func newOpenRouterModel(cfg *config.Config) (ChatModel, error) {
	pc := cfg.Providers.OpenRouter
	return newCompatModel(compatEndpoint{
		provider:     ProviderOpenRouter,
		apiBase:      valueOrDefault(pc.APIBase, defaultOpenRouterAPIBase),
		defaultModel: defaultOpenRouterModel,
		proxy:        pc.Proxy,
		cred:         openRouterKey(cfg),
		headers:      map[string]string{"X-Title": "dotpersona"},
	})
}

func openAICredentials(cfg *config.Config) (credential, error) {
	pc := cfg.Providers.OpenAI
	return exactlyOne("OpenAI",
		credential{kind: credAPIKey, field: "providers.openai.api_key", value: pc.APIKey},
		credential{kind: credAccessToken, field: "providers.openai.oauth_access_token", value: pc.OAuthAccessToken},
		credential{kind: credTokenFile, field: "providers.openai.oauth_token_file", value: pc.OAuthTokenFile},
	)
}

func validateOpenAI(cfg *config.Config) error {
	cred, err := openAICredentials(cfg)
	if err != nil {
		return err
	}
	if err := cred.check(); err != nil {
		return fmt.Errorf("OpenAI %w", err)
	}
	return nil
}

func openAICredential(cfg *config.Config) (bool, string) {
	if cfg == nil {
		return false, ""
	}
	cred, err := openAICredentials(cfg)
	if err != nil {
		return false, ""
	}
	return true, string(cred.kind)
}

func newOpenAIModel(cfg *config.Config) (ChatModel, error) {
	cred, err := openAICredentials(cfg)
	if err != nil {
		return nil, err
	}
	pc := cfg.Providers.OpenAI
	return newCompatModel(compatEndpoint{
		provider:     ProviderOpenAI,
		apiBase:      valueOrDefault(pc.APIBase, defaultOpenAIAPIBase),
		defaultModel: defaultOpenAIModel,
		proxy:        pc.Proxy,
		cred:         cred,
		headers: map[string]string{
			"OpenAI-Organization": pc.Organization,
			"OpenAI-Project":      pc.Project,
		},
	})
}

// compatEndpoint is anything speaking the OpenAI chat completions dialect.
type compatEndpoint struct {
	provider     string
	apiBase      string
	defaultModel string
	proxy        string
	cred         credential
	// Blank header values are dropped.
	headers map[string]string
}

type compatModel struct {
	ep     compatEndpoint
	client *http.Client
}

func newCompatModel(ep compatEndpoint) (*compatModel, error) {
	ep.apiBase = strings.TrimRight(strings.TrimSpace(ep.apiBase), "/")
	if ep.apiBase == "" {
		return nil, fmt.Errorf("%s API base not configured", ep.provider)
	}
	client := &http.Client{Timeout: compatTimeout}
	if proxy := strings.TrimSpace(ep.proxy); proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse %s proxy: %w", ep.provider, err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(u)}
	}
	return &compatModel{ep: ep, client: client}, nil
}

func (m *compatModel) DefaultModel() string { return m.ep.defaultModel }

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (m *compatModel) Complete(ctx context.Context, messages []Message, opts CallOptions) (*Completion, error) {
	req := completionRequest{
		Model:     valueOrDefault(opts.Model, m.ep.defaultModel),
		Messages:  messages,
		MaxTokens: opts.MaxTokens,
	}
	if opts.Temperature > 0 {
		t := opts.Temperature
		req.Temperature = &t
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", m.ep.provider, err)
	}

	started := time.Now()
	var (
		status int
		raw    []byte
	)
	for attempt := 1; ; attempt++ {
		status, raw, err = m.post(ctx, body)
		if err != nil {
			return nil, err
		}
		if !retryableStatus(status) || attempt >= compatMaxAttempts {
			break
		}
		logger.DebugCF("providers", "Retrying completion", map[string]interface{}{
			"provider": m.ep.provider,
			"status":   status,
			"attempt":  attempt,
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryBackoff):
		}
	}

	var resp completionResponse
	decodeErr := json.Unmarshal(raw, &resp)
	if status != http.StatusOK {
		msg := strings.TrimSpace(string(raw))
		if decodeErr == nil && resp.Error != nil && resp.Error.Message != "" {
			msg = resp.Error.Message
		}
		return nil, fmt.Errorf("%s API request failed: status=%d: %s", m.ep.provider, status, withHint(m.ep.provider, msg))
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode %s response: %w", m.ep.provider, decodeErr)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", m.ep.provider)
	}

	choice := resp.Choices[0]
	out := &Completion{
		Content:      contentText(choice.Message.Content),
		FinishReason: valueOrDefault(choice.FinishReason, "stop"),
		Usage:        resp.Usage,
	}
	logger.DebugCF("providers", "Completion finished", map[string]interface{}{
		"provider":    m.ep.provider,
		"model":       req.Model,
		"duration_ms": time.Since(started).Milliseconds(),
		"finish":      out.FinishReason,
	})
	return out, nil
}

func (m *compatModel) post(ctx context.Context, body []byte) (int, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.ep.apiBase+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build %s request: %w", m.ep.provider, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range m.ep.headers {
		if v = strings.TrimSpace(v); v != "" {
			httpReq.Header.Set(k, v)
		}
	}
	tok, err := m.ep.cred.bearer()
	if err != nil {
		return 0, nil, fmt.Errorf("resolve %s credentials: %w", m.ep.provider, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+tok)

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("%s API request failed: %w", m.ep.provider, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read %s response: %w", m.ep.provider, err)
	}
	return resp.StatusCode, raw, nil
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable:
		return true
	}
	return false
}

// contentText accepts a plain string or an array of typed text parts.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &parts) != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "" || p.Type == "text" || p.Type == "output_text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func valueOrDefault(v, fallback string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return fallback
}
