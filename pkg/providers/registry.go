package providers

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/dotpersona/pkg/config"
)

const (
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"
	ProviderGemini     = "gemini"
)

// Backend describes one selectable generation provider.
type Backend struct {
	Name string
	// Summary and Auth feed the generated provider reference.
	Summary string
	Auth    string

	Build    func(cfg *config.Config) (ChatModel, error)
	Validate func(cfg *config.Config) error
	// Credential reports whether credentials are present and which kind.
	Credential func(cfg *config.Config) (configured bool, mode string)
}

var registry = struct {
	sync.RWMutex
	backends map[string]Backend
}{backends: map[string]Backend{}}

// Register adds or replaces a backend.
func Register(b Backend) error {
	b.Name = NormalizeProviderName(b.Name)
	if b.Build == nil {
		return fmt.Errorf("providers: backend %q has no build func", b.Name)
	}
	registry.Lock()
	registry.backends[b.Name] = b
	registry.Unlock()
	return nil
}

func mustRegister(b Backend) {
	if err := Register(b); err != nil {
		panic(err)
	}
}

// Backends lists registered backends sorted by name.
func Backends() []Backend {
	registry.RLock()
	defer registry.RUnlock()
	out := make([]Backend, 0, len(registry.backends))
	for _, b := range registry.backends {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func SupportedProviders() []string {
	backends := Backends()
	names := make([]string, len(backends))
	for i, b := range backends {
		names[i] = b.Name
	}
	return names
}

// NormalizeProviderName lowercases name; empty means openrouter.
func NormalizeProviderName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ProviderOpenRouter
	}
	return name
}

func ActiveProviderName(cfg *config.Config) string {
	if cfg == nil {
		return ProviderOpenRouter
	}
	return NormalizeProviderName(cfg.Generation.Provider)
}

func lookup(cfg *config.Config) (Backend, error) {
	name := ActiveProviderName(cfg)
	registry.RLock()
	b, ok := registry.backends[name]
	registry.RUnlock()
	if !ok {
		return Backend{Name: name}, fmt.Errorf("unsupported provider %q: supported providers are %s",
			name, strings.Join(SupportedProviders(), ", "))
	}
	return b, nil
}

func ValidateProviderConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	b, err := lookup(cfg)
	if err != nil {
		return err
	}
	if b.Validate == nil {
		return nil
	}
	return b.Validate(cfg)
}

// ProviderCredentialStatus is used by `status`; it never reads token files.
func ProviderCredentialStatus(cfg *config.Config) (provider string, configured bool, mode string, err error) {
	b, err := lookup(cfg)
	if err != nil {
		return b.Name, false, "", err
	}
	switch {
	case b.Credential != nil:
		configured, mode = b.Credential(cfg)
	case b.Validate != nil:
		configured = b.Validate(cfg) == nil
	default:
		configured = true
	}
	return b.Name, configured, mode, nil
}

func CreateProvider(cfg *config.Config) (ChatModel, error) {
	if err := ValidateProviderConfig(cfg); err != nil {
		return nil, err
	}
	b, _ := lookup(cfg)
	return b.Build(cfg)
}

// CreateGenerator builds the configured provider and wraps it as a Generator
// carrying the generation defaults from cfg.
func CreateGenerator(cfg *config.Config) (Generator, error) {
	model, err := CreateProvider(cfg)
	if err != nil {
		return nil, err
	}
	return NewGenerator(model, CallOptions{
		Model:       strings.TrimSpace(cfg.Generation.Model),
		MaxTokens:   cfg.Generation.MaxTokens,
		Temperature: cfg.Generation.Temperature,
	}), nil
}
