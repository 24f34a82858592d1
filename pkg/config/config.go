// Package config loads the service configuration.
//
// Configuration is read in three layers, each overriding the one before:
//
//  1. An env file (STORYCOMIC_ENV_FILE, default "jawn.env"). Variables already
//     set in the process environment win over the file. A missing file is fine.
//  2. The process environment, parsed into Config by its env tags.
//  3. An optional YAML file passed on the command line. It may set every field
//     except API keys, which only come from the environment.
//
// Load returns a validated *Config. The config is built once in main and
// passed by value or pointer to whatever needs it; there is no global.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"storycomic/pkg/llm/middleware/ratelimit"
	"storycomic/pkg/logx"
	"storycomic/pkg/templates"
)

// Text provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// Image provider names.
const (
	ImageProviderDalle  = "dalle"
	ImageProviderImagen = "imagen"
)

// Constraint policy shorthands. Any other value is used verbatim.
const (
	PolicyFace = "face"
	PolicyNone = "none"
)

// Environment variable names read outside the Config struct.
const (
	EnvFileVar     = "STORYCOMIC_ENV_FILE"
	DefaultEnvFile = "jawn.env"

	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGeminiAPIKey    = "GEMINI_API_KEY"
)

// MaxPanelCount bounds PANEL_COUNT.
const MaxPanelCount = 12

// ProviderPattern maps a model name prefix to its text provider.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

// ProviderPatterns infers TEXT_PROVIDER from TEXT_MODEL when only the model is set.
//
//nolint:gochecknoglobals // static inference table
var ProviderPatterns = []ProviderPattern{
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	{"llama", ProviderOllama},
	{"phi", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"gemma", ProviderOllama},
	{"deepseek", ProviderOllama},
}

// InferProvider returns the text provider for model, or "" when no pattern matches.
func InferProvider(model string) string {
	model = strings.ToLower(model)
	for _, p := range ProviderPatterns {
		if strings.HasPrefix(model, p.Prefix) {
			return p.Provider
		}
	}
	return ""
}

// Config is the complete service configuration.
type Config struct {
	// API keys. Environment only.
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY" yaml:"-"`
	OpenAIAPIKey    string `env:"OPENAI_API_KEY"    yaml:"-"`
	GeminiAPIKey    string `env:"GEMINI_API_KEY"    yaml:"-"`

	OllamaHost string `env:"OLLAMA_HOST" envDefault:"http://localhost:11434" yaml:"ollama_host"`

	// Providers. An empty model means the adapter default.
	TextProvider  string `env:"TEXT_PROVIDER"  yaml:"text_provider"`
	TextModel     string `env:"TEXT_MODEL"     yaml:"text_model"`
	ImageProvider string `env:"IMAGE_PROVIDER" envDefault:"dalle" yaml:"image_provider"`
	ImageModel    string `env:"IMAGE_MODEL"    yaml:"image_model"`
	ImageSize     string `env:"IMAGE_SIZE"     envDefault:"1024x1024" yaml:"image_size"`
	ImageQuality  string `env:"IMAGE_QUALITY"  envDefault:"standard"  yaml:"image_quality"`

	// Server.
	Host string `env:"HOST" yaml:"host"`
	Port int    `env:"PORT" envDefault:"8080" yaml:"port"`

	// Timeouts per provider call. Zero disables.
	TextTimeout  time.Duration `env:"TEXT_TIMEOUT"  envDefault:"2m" yaml:"text_timeout"`
	ImageTimeout time.Duration `env:"IMAGE_TIMEOUT" envDefault:"2m" yaml:"image_timeout"`

	// Rate limits shared by every run. Zero disables a dimension.
	TextRPS             float64       `env:"TEXT_RPS"               yaml:"text_rps"`
	TextTokensPerMinute int           `env:"TEXT_TOKENS_PER_MINUTE" yaml:"text_tokens_per_minute"`
	TextMaxConcurrency  int           `env:"TEXT_MAX_CONCURRENCY"   envDefault:"8" yaml:"text_max_concurrency"`
	ImageInterval       time.Duration `env:"IMAGE_INTERVAL"         envDefault:"1s" yaml:"image_interval"`

	// Pipeline.
	PanelCount       int    `env:"PANEL_COUNT"       envDefault:"6"    yaml:"panel_count"`
	PanelDescriber   bool   `env:"PANEL_DESCRIBER"   envDefault:"true" yaml:"panel_describer"`
	FailFast         bool   `env:"FAIL_FAST"         yaml:"fail_fast"`
	ConstraintPolicy string `env:"CONSTRAINT_POLICY" envDefault:"face" yaml:"constraint_policy"`
	ArchetypesFile   string `env:"ARCHETYPES_FILE"   yaml:"archetypes_file"`
}

// Load reads the env file, the environment and, when path is not empty, the
// YAML overlay at path. The result is normalized and validated.
func Load(path string) (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadEnvFile() error {
	file := os.Getenv(EnvFileVar)
	if file == "" {
		file = DefaultEnvFile
	}
	if err := godotenv.Load(file); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", file, err)
	}
	logx.NewLogger("config").Debug("loaded env file %s", file)
	return nil
}

func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) normalize() {
	c.TextProvider = strings.ToLower(strings.TrimSpace(c.TextProvider))
	c.ImageProvider = strings.ToLower(strings.TrimSpace(c.ImageProvider))
	if c.TextProvider == "" {
		c.TextProvider = InferProvider(c.TextModel)
	}
	if c.TextProvider == "" {
		c.TextProvider = ProviderAnthropic
	}
}

// Validate reports the first configuration problem, including a missing API
// key for a chosen provider.
func (c *Config) Validate() error {
	switch c.TextProvider {
	case ProviderAnthropic:
		if c.AnthropicAPIKey == "" {
			return missingKey(EnvAnthropicAPIKey, c.TextProvider)
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return missingKey(EnvOpenAIAPIKey, c.TextProvider)
		}
	case ProviderGoogle:
		if c.GeminiAPIKey == "" {
			return missingKey(EnvGeminiAPIKey, c.TextProvider)
		}
	case ProviderOllama:
		if c.OllamaHost == "" {
			return errors.New("OLLAMA_HOST must be set for the ollama provider")
		}
	default:
		return fmt.Errorf("unknown TEXT_PROVIDER %q", c.TextProvider)
	}

	switch c.ImageProvider {
	case ImageProviderDalle:
		if c.OpenAIAPIKey == "" {
			return missingKey(EnvOpenAIAPIKey, c.ImageProvider)
		}
	case ImageProviderImagen:
		if c.GeminiAPIKey == "" {
			return missingKey(EnvGeminiAPIKey, c.ImageProvider)
		}
	default:
		return fmt.Errorf("unknown IMAGE_PROVIDER %q", c.ImageProvider)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT %d out of range", c.Port)
	}
	if c.PanelCount < 1 || c.PanelCount > MaxPanelCount {
		return fmt.Errorf("PANEL_COUNT must be between 1 and %d, got %d", MaxPanelCount, c.PanelCount)
	}
	if c.TextTimeout < 0 || c.ImageTimeout < 0 || c.ImageInterval < 0 {
		return errors.New("timeouts and intervals must not be negative")
	}
	if c.TextRPS < 0 || c.TextTokensPerMinute < 0 || c.TextMaxConcurrency < 0 {
		return errors.New("rate limits must not be negative")
	}
	return nil
}

func missingKey(envVar, provider string) error {
	return fmt.Errorf("API key not found: %s is required for provider %s", envVar, provider)
}

// Addr is the server listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Policy resolves CONSTRAINT_POLICY into the directive injected into prompts.
func (c *Config) Policy() templates.Policy {
	switch strings.ToLower(strings.TrimSpace(c.ConstraintPolicy)) {
	case PolicyFace, "":
		return templates.FaceReminder
	case PolicyNone:
		return ""
	default:
		return templates.Policy(strings.TrimSpace(c.ConstraintPolicy))
	}
}

// TextRateLimit returns the shared limiter settings for the text provider.
func (c *Config) TextRateLimit() ratelimit.Config {
	return ratelimit.Config{
		RequestsPerSecond: c.TextRPS,
		TokensPerMinute:   c.TextTokensPerMinute,
		MaxConcurrency:    c.TextMaxConcurrency,
	}
}
