package providers

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/dotsetgreg/dotpersona/pkg/config"
)

type credentialKind string

const (
	credAPIKey      credentialKind = "api_key"
	credAccessToken credentialKind = "oauth_access_token"
	credTokenFile   credentialKind = "oauth_token_file"
)

// credential is one configured auth source. field is the config path,
// quoted back in error messages.
type credential struct {
	kind  credentialKind
	field string
	value string
}

func (c credential) set() bool { return strings.TrimSpace(c.value) != "" }

// bearer resolves the token sent as "Authorization: Bearer". Token files are
// read on every call so a refreshed login is picked up without a restart.
func (c credential) bearer() (string, error) {
	if c.kind == credTokenFile {
		return readTokenFile(c.value)
	}
	tok := strings.TrimSpace(c.value)
	if tok == "" {
		return "", fmt.Errorf("%s is empty", c.field)
	}
	if isPlaceholder(tok) {
		return "", fmt.Errorf("%s looks like an unexpanded placeholder %q", c.field, tok)
	}
	return tok, nil
}

// check fails early when a token file is unreachable.
func (c credential) check() error {
	if c.kind != credTokenFile {
		return nil
	}
	path := config.ExpandHome(c.value)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("token file not accessible at %s: %w", path, err)
	}
	return nil
}

// exactlyOne returns the single credential that is set among creds.
func exactlyOne(label string, creds ...credential) (credential, error) {
	var chosen []credential
	fields := make([]string, 0, len(creds))
	for _, c := range creds {
		fields = append(fields, c.field)
		if c.set() {
			chosen = append(chosen, c)
		}
	}
	switch len(chosen) {
	case 0:
		return credential{}, fmt.Errorf("%s credentials are required (set %s)", label, strings.Join(fields, " or "))
	case 1:
		return chosen[0], nil
	}
	names := make([]string, len(chosen))
	for i, c := range chosen {
		names[i] = c.field
	}
	return credential{}, fmt.Errorf("multiple %s credential sources configured (%s); set exactly one", label, strings.Join(names, ", "))
}

// isPlaceholder catches <API_KEY> or ${API_KEY} pasted from docs unfilled.
func isPlaceholder(tok string) bool {
	return (strings.HasPrefix(tok, "<") && strings.HasSuffix(tok, ">")) ||
		(strings.HasPrefix(tok, "${") && strings.HasSuffix(tok, "}"))
}

// readTokenFile accepts a bare token or a CLI auth file shaped like
// {"tokens":{"access_token":"..."}} or {"access_token":"..."}.
func readTokenFile(path string) (string, error) {
	path = config.ExpandHome(path)
	if path == "" {
		return "", fmt.Errorf("token file path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file %s: %w", path, err)
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return "", fmt.Errorf("token file %s is empty", path)
	}
	if !strings.HasPrefix(raw, "{") {
		return raw, nil
	}

	var doc struct {
		AccessToken string `json:"access_token"`
		Tokens      struct {
			AccessToken string `json:"access_token"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", fmt.Errorf("parse token file %s: %w", path, err)
	}
	for _, tok := range []string{doc.Tokens.AccessToken, doc.AccessToken} {
		if tok = strings.TrimSpace(tok); tok != "" {
			return tok, nil
		}
	}
	return "", fmt.Errorf("token file %s is missing access_token", path)
}
