package providers

import "strings"

type errorHint struct {
	provider string
	needles  []string
	hint     string
}

var errorHints = []errorHint{
	{ProviderOpenAI, []string{"missing scopes: model.request", "insufficient permissions for this operation"},
		"OpenAI API calls require model.request access for this key or project."},
	{ProviderOpenAI, []string{"incorrect api key provided"},
		"provider openai expects a Platform API credential (providers.openai.api_key)."},
	{ProviderOpenRouter, []string{"no endpoints found", "is not a valid model"},
		"check generation.model against the OpenRouter model list, e.g. openai/gpt-5.2."},
	{ProviderGemini, []string{"api key not valid", "api_key_invalid"},
		"set providers.gemini.api_key to a Google AI Studio key."},
}

// withHint appends a configuration hint to well-known provider errors.
func withHint(provider, msg string) string {
	msg = strings.TrimSpace(msg)
	lower := strings.ToLower(msg)
	provider = NormalizeProviderName(provider)
	for _, h := range errorHints {
		if h.provider != provider {
			continue
		}
		for _, n := range h.needles {
			if strings.Contains(lower, n) {
				return msg + " Hint: " + h.hint
			}
		}
	}
	return msg
}
