package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Generation  GenerationConfig  `json:"generation"`
	Providers   ProvidersConfig   `json:"providers"`
	Store       StoreConfig       `json:"store"`
	Persona     PersonaConfig     `json:"persona"`
	Detector    DetectorConfig    `json:"detector"`
	Drift       DriftConfig       `json:"drift"`
	Lockdown    LockdownConfig    `json:"lockdown"`
	Prompt      PromptConfig      `json:"prompt"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Channels    ChannelsConfig    `json:"channels"`
	Gateway     GatewayConfig     `json:"gateway"`
	Log         LogConfig         `json:"log"`
	mu          sync.RWMutex
}

type GenerationConfig struct {
	Provider    string  `json:"provider" env:"DOTPERSONA_GENERATION_PROVIDER"`
	Model       string  `json:"model" env:"DOTPERSONA_GENERATION_MODEL"`
	MaxTokens   int     `json:"max_tokens" env:"DOTPERSONA_GENERATION_MAX_TOKENS"`
	Temperature float64 `json:"temperature" env:"DOTPERSONA_GENERATION_TEMPERATURE"`
	// TimeoutSeconds bounds the main reply call.
	TimeoutSeconds int `json:"timeout_seconds" env:"DOTPERSONA_GENERATION_TIMEOUT_SECONDS"`
}

type ProvidersConfig struct {
	OpenRouter OpenRouterConfig `json:"openrouter"`
	OpenAI     OpenAIConfig     `json:"openai"`
	Gemini     GeminiConfig     `json:"gemini"`
}

type OpenRouterConfig struct {
	APIKey  string `json:"api_key" env:"DOTPERSONA_PROVIDERS_OPENROUTER_API_KEY"`
	APIBase string `json:"api_base" env:"DOTPERSONA_PROVIDERS_OPENROUTER_API_BASE"`
	Proxy   string `json:"proxy,omitempty" env:"DOTPERSONA_PROVIDERS_OPENROUTER_PROXY"`
}

type OpenAIConfig struct {
	APIKey           string `json:"api_key" env:"DOTPERSONA_PROVIDERS_OPENAI_API_KEY"`
	OAuthAccessToken string `json:"oauth_access_token,omitempty" env:"DOTPERSONA_PROVIDERS_OPENAI_OAUTH_ACCESS_TOKEN"`
	OAuthTokenFile   string `json:"oauth_token_file,omitempty" env:"DOTPERSONA_PROVIDERS_OPENAI_OAUTH_TOKEN_FILE"`
	APIBase          string `json:"api_base" env:"DOTPERSONA_PROVIDERS_OPENAI_API_BASE"`
	Organization     string `json:"organization,omitempty" env:"DOTPERSONA_PROVIDERS_OPENAI_ORGANIZATION"`
	Project          string `json:"project,omitempty" env:"DOTPERSONA_PROVIDERS_OPENAI_PROJECT"`
	Proxy            string `json:"proxy,omitempty" env:"DOTPERSONA_PROVIDERS_OPENAI_PROXY"`
}

type GeminiConfig struct {
	APIKey string `json:"api_key" env:"DOTPERSONA_PROVIDERS_GEMINI_API_KEY"`
	Model  string `json:"model" env:"DOTPERSONA_PROVIDERS_GEMINI_MODEL"`
}

type StoreConfig struct {
	Path string `json:"path" env:"DOTPERSONA_STORE_PATH"`
}

type PersonaConfig struct {
	// Constructs lists the personas the detector can recognise.
	Constructs []ConstructConfig `json:"constructs"`
	// BaselineDir holds hand-authored baseline profiles named <construct>.json.
	BaselineDir string `json:"baseline_dir" env:"DOTPERSONA_PERSONA_BASELINE_DIR"`
}

type ConstructConfig struct {
	ConstructID string   `json:"construct_id"`
	Callsign    string   `json:"callsign"`
	Name        string   `json:"name"`
	Aliases     []string `json:"aliases,omitempty"`
}

type DetectorConfig struct {
	CacheTTLSeconds  int     `json:"cache_ttl_seconds" env:"DOTPERSONA_DETECTOR_CACHE_TTL_SECONDS"`
	ThreadTurns      int     `json:"thread_turns" env:"DOTPERSONA_DETECTOR_THREAD_TURNS"`
	RecentThreads    int     `json:"recent_threads" env:"DOTPERSONA_DETECTOR_RECENT_THREADS"`
	MaxTranscripts   int     `json:"max_transcripts" env:"DOTPERSONA_DETECTOR_MAX_TRANSCRIPTS"`
	RecencyBlend     float64 `json:"recency_blend" env:"DOTPERSONA_DETECTOR_RECENCY_BLEND"`
	HalfLifeHours    int     `json:"half_life_hours" env:"DOTPERSONA_DETECTOR_HALF_LIFE_HOURS"`
	DefaultConstruct string  `json:"default_construct" env:"DOTPERSONA_DETECTOR_DEFAULT_CONSTRUCT"`
	DefaultCallsign  string  `json:"default_callsign" env:"DOTPERSONA_DETECTOR_DEFAULT_CALLSIGN"`
}

type DriftConfig struct {
	CheckTimeoutSeconds      int    `json:"check_timeout_seconds" env:"DOTPERSONA_DRIFT_CHECK_TIMEOUT_SECONDS"`
	CorrectionTimeoutSeconds int    `json:"correction_timeout_seconds" env:"DOTPERSONA_DRIFT_CORRECTION_TIMEOUT_SECONDS"`
	CorrectionAttempts       int    `json:"correction_attempts" env:"DOTPERSONA_DRIFT_CORRECTION_ATTEMPTS"`
	WorldviewCheck           bool   `json:"worldview_check" env:"DOTPERSONA_DRIFT_WORLDVIEW_CHECK"`
	CheckModel               string `json:"check_model" env:"DOTPERSONA_DRIFT_CHECK_MODEL"`
	ReinforceAfter           int    `json:"reinforce_after" env:"DOTPERSONA_DRIFT_REINFORCE_AFTER"`
	ReinforceWindowMinutes   int    `json:"reinforce_window_minutes" env:"DOTPERSONA_DRIFT_REINFORCE_WINDOW_MINUTES"`
}

type LockdownConfig struct {
	RulesPath           string `json:"rules_path" env:"DOTPERSONA_LOCKDOWN_RULES_PATH"`
	ProfilesPath        string `json:"profiles_path" env:"DOTPERSONA_LOCKDOWN_PROFILES_PATH"`
	ApologyLine         string `json:"apology_line" env:"DOTPERSONA_LOCKDOWN_APOLOGY_LINE"`
	WatchRules          bool   `json:"watch_rules" env:"DOTPERSONA_LOCKDOWN_WATCH_RULES"`
	GenerateDeflections bool   `json:"generate_deflections" env:"DOTPERSONA_LOCKDOWN_GENERATE_DEFLECTIONS"`
}

type PromptConfig struct {
	MaxFragmentTokens int `json:"max_fragment_tokens" env:"DOTPERSONA_PROMPT_MAX_FRAGMENT_TOKENS"`
}

type MaintenanceConfig struct {
	SweepSchedule string `json:"sweep_schedule" env:"DOTPERSONA_MAINTENANCE_SWEEP_SCHEDULE"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
}

type DiscordConfig struct {
	Enabled   bool                `json:"enabled" env:"DOTPERSONA_CHANNELS_DISCORD_ENABLED"`
	Token     string              `json:"token" env:"DOTPERSONA_CHANNELS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"DOTPERSONA_CHANNELS_DISCORD_ALLOW_FROM"`
}

type GatewayConfig struct {
	Host string `json:"host" env:"DOTPERSONA_GATEWAY_HOST"`
	Port int    `json:"port" env:"DOTPERSONA_GATEWAY_PORT"`
}

type LogConfig struct {
	Level string `json:"level" env:"DOTPERSONA_LOG_LEVEL"`
}

func DefaultConfig() *Config {
	return &Config{
		Generation: GenerationConfig{
			Provider:       "openrouter",
			Model:          "openai/gpt-5.2",
			MaxTokens:      1024,
			Temperature:    0.8,
			TimeoutSeconds: 60,
		},
		Providers: ProvidersConfig{
			Gemini: GeminiConfig{Model: "gemini-2.5-flash"},
		},
		Store: StoreConfig{
			Path: "~/.dotpersona/persona.db",
		},
		Persona: PersonaConfig{
			Constructs:  []ConstructConfig{},
			BaselineDir: "~/.dotpersona/baselines",
		},
		Detector: DetectorConfig{
			CacheTTLSeconds:  60,
			ThreadTurns:      20,
			RecentThreads:    5,
			MaxTranscripts:   10,
			RecencyBlend:     0.3,
			HalfLifeHours:    72,
			DefaultConstruct: "default",
			DefaultCallsign:  "000",
		},
		Drift: DriftConfig{
			CheckTimeoutSeconds:      10,
			CorrectionTimeoutSeconds: 30,
			CorrectionAttempts:       1,
			WorldviewCheck:           true,
			ReinforceAfter:           3,
			ReinforceWindowMinutes:   60,
		},
		Lockdown: LockdownConfig{
			ApologyLine:         "Sorry, I lost my train of thought. Say that again?",
			GenerateDeflections: true,
		},
		Prompt: PromptConfig{
			MaxFragmentTokens: 1200,
		},
		Maintenance: MaintenanceConfig{
			SweepSchedule: "*/5 * * * *",
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				AllowFrom: FlexibleStringSlice{},
			},
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18791,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads path over the defaults and then applies DOTPERSONA_*
// environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}
	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) StorePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Store.Path)
}

func (c *Config) BaselineDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Persona.BaselineDir)
}

func (c *Config) CacheTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Detector.CacheTTLSeconds) * time.Second
}

// Construct looks up a configured construct by id, case-insensitively.
func (c *Config) Construct(id string) (ConstructConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, cc := range c.Persona.Constructs {
		if strings.EqualFold(cc.ConstructID, strings.TrimSpace(id)) {
			return cc, true
		}
	}
	return ConstructConfig{}, false
}

// ExpandHome resolves a leading "~" or "~/" against the user's home dir.
func ExpandHome(path string) string {
	path = strings.TrimSpace(path)
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
}
