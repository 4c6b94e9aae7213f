package providers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialBearer_RejectsPlaceholders(t *testing.T) {
	for _, v := range []string{"<OPENAI_API_KEY>", "${OPENAI_API_KEY}"} {
		_, err := credential{kind: credAPIKey, field: "providers.openai.api_key", value: v}.bearer()
		assert.ErrorContains(t, err, "placeholder", v)
	}
	tok, err := credential{kind: credAPIKey, value: "  sk-live  "}.bearer()
	require.NoError(t, err)
	assert.Equal(t, "sk-live", tok)
}

func TestReadTokenFile(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
		return p
	}

	cases := []struct {
		name    string
		path    string
		want    string
		wantErr string
	}{
		{"plain", write("plain", "tok-plain\n"), "tok-plain", ""},
		{"codex auth json", write("codex.json", `{"tokens":{"access_token":"tok-nested"}}`), "tok-nested", ""},
		{"flat json", write("flat.json", `{"access_token":"tok-flat"}`), "tok-flat", ""},
		{"json without token", write("empty.json", `{"tokens":{}}`), "", "missing access_token"},
		{"broken json", write("broken.json", `{"tokens":`), "", "parse token file"},
		{"blank", write("blank", "  \n"), "", "is empty"},
		{"missing", filepath.Join(dir, "nope"), "", "read token file"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := readTokenFile(tc.path)
			if tc.wantErr != "" {
				assert.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestWithHint(t *testing.T) {
	cases := []struct {
		provider, msg, want string
	}{
		{ProviderOpenAI, "Missing scopes: model.request", "model.request access"},
		{ProviderOpenAI, "Incorrect API key provided: sk-...", "providers.openai.api_key"},
		{ProviderOpenRouter, "No endpoints found for foo/bar", "OpenRouter model list"},
		{ProviderGemini, "API key not valid. Please pass a valid API key.", "Google AI Studio"},
	}
	for _, tc := range cases {
		out := withHint(tc.provider, tc.msg)
		assert.Contains(t, out, " Hint: ")
		assert.Contains(t, out, tc.want)
	}
	assert.Equal(t, "rate limited", withHint(ProviderOpenAI, " rate limited "))
	assert.Equal(t, "Incorrect API key provided", withHint(ProviderGemini, "Incorrect API key provided"))
}
