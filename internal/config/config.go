package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	MinRosterSize = 3
	MaxRosterSize = 8

	VotePolicyPerStep  = "per_step"
	VotePolicyStanding = "standing"

	SpeakerPolicyRandom = "random"
	SpeakerPolicyOracle = "oracle"

	OracleSimulated = "simulated"
	OracleChat      = "chat"
)

// Config models impostor.yml.
type Config struct {
	Game      GameConfig      `yaml:"game"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Registry  RegistryConfig  `yaml:"registry"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
}

type GameConfig struct {
	RosterSize    int    `yaml:"roster_size"`
	MaxSteps      int    `yaml:"max_steps"`
	VotePolicy    string `yaml:"vote_policy"`
	SpeakerPolicy string `yaml:"speaker_policy"`
	// Seed fixes role assignment and speaker choice; 0 means random.
	Seed uint64 `yaml:"seed"`
}

type OracleConfig struct {
	Provider        string           `yaml:"provider"`
	TurnTimeout     time.Duration    `yaml:"turn_timeout"`
	SelectorTimeout time.Duration    `yaml:"selector_timeout"`
	RateLimit       float64          `yaml:"rate_limit"`
	Burst           int              `yaml:"burst"`
	HistoryTail     int              `yaml:"history_tail"`
	Providers       []ProviderConfig `yaml:"providers"`
}

type ProviderConfig struct {
	Name        string  `yaml:"name"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// APIKey resolves the provider key from its environment variable.
func (p ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

type RegistryConfig struct {
	Retention     time.Duration `yaml:"retention"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type ServerConfig struct {
	Addr         string `yaml:"addr"`
	BasePath     string `yaml:"base_path"`
	JWTSecretEnv string `yaml:"jwt_secret_env"`
}

func (s ServerConfig) JWTSecret() string {
	if s.JWTSecretEnv == "" {
		return ""
	}
	return os.Getenv(s.JWTSecretEnv)
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Game.RosterSize < MinRosterSize || c.Game.RosterSize > MaxRosterSize {
		return fmt.Errorf("config.game.roster_size must be between %d and %d", MinRosterSize, MaxRosterSize)
	}
	if c.Game.MaxSteps <= 0 {
		return fmt.Errorf("config.game.max_steps must be positive")
	}
	switch c.Game.VotePolicy {
	case VotePolicyPerStep, VotePolicyStanding:
	default:
		return fmt.Errorf("config.game.vote_policy must be %s or %s", VotePolicyPerStep, VotePolicyStanding)
	}
	switch c.Game.SpeakerPolicy {
	case SpeakerPolicyRandom, SpeakerPolicyOracle:
	default:
		return fmt.Errorf("config.game.speaker_policy must be %s or %s", SpeakerPolicyRandom, SpeakerPolicyOracle)
	}
	switch c.Oracle.Provider {
	case OracleSimulated:
	case OracleChat:
		if len(c.Oracle.Providers) == 0 {
			return fmt.Errorf("config.oracle.providers is required for provider chat")
		}
	default:
		return fmt.Errorf("config.oracle.provider must be %s or %s", OracleSimulated, OracleChat)
	}
	if c.Oracle.TurnTimeout <= 0 {
		return fmt.Errorf("config.oracle.turn_timeout must be positive")
	}
	if c.Oracle.SelectorTimeout <= 0 {
		return fmt.Errorf("config.oracle.selector_timeout must be positive")
	}
	if c.Oracle.HistoryTail < 0 {
		return fmt.Errorf("config.oracle.history_tail must not be negative")
	}
	for i, p := range c.Oracle.Providers {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("config.oracle.providers[%d].name is required", i)
		}
		if strings.TrimSpace(p.Model) == "" {
			return fmt.Errorf("provider %s has empty model", p.Name)
		}
	}
	if c.Registry.Retention < 0 {
		return fmt.Errorf("config.registry.retention must not be negative")
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.logging.format must be json or console")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "impostor.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with impostor config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config from raw YAML bytes on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `game:
  roster_size: 8
  max_steps: 30
  vote_policy: per_step
  speaker_policy: random
  seed: 0

oracle:
  provider: simulated
  turn_timeout: 20s
  selector_timeout: 10s
  rate_limit: 5
  burst: 8
  history_tail: 20
  providers:
    - name: cerebras
      base_url: https://api.cerebras.ai/v1
      model: qwen-3-235b-a22b
      api_key_env: CEREBRAS_API_KEY
      max_tokens: 400
      temperature: 0.7
    - name: openai
      base_url: https://api.openai.com/v1
      model: gpt-4o-mini
      api_key_env: OPENAI_API_KEY
      max_tokens: 400
      temperature: 0.7

registry:
  retention: 1h
  sweep_interval: 1m

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret_env: IMPOSTOR_JWT_SECRET

logging:
  level: info
  format: json

telemetry:
  otlp_endpoint: ""
  insecure: true

webhooks: []
`
