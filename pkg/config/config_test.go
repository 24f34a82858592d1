package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storycomic/pkg/templates"
)

// isolate points the env file at a path that does not exist and clears the
// variables these tests care about.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv(EnvFileVar, filepath.Join(t.TempDir(), "missing.env"))
	for _, name := range []string{
		EnvAnthropicAPIKey, EnvOpenAIAPIKey, EnvGeminiAPIKey,
		"TEXT_PROVIDER", "TEXT_MODEL", "IMAGE_PROVIDER", "PORT", "PANEL_COUNT",
		"FAIL_FAST", "CONSTRAINT_POLICY", "IMAGE_INTERVAL", "TEXT_TIMEOUT",
	} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	t.Setenv(EnvAnthropicAPIKey, "sk-ant")
	t.Setenv(EnvOpenAIAPIKey, "sk-oai")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ProviderAnthropic, cfg.TextProvider)
	assert.Equal(t, ImageProviderDalle, cfg.ImageProvider)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, 6, cfg.PanelCount)
	assert.True(t, cfg.PanelDescriber)
	assert.False(t, cfg.FailFast)
	assert.Equal(t, 2*time.Minute, cfg.TextTimeout)
	assert.Equal(t, time.Second, cfg.ImageInterval)
	assert.Equal(t, "1024x1024", cfg.ImageSize)
	assert.Equal(t, "standard", cfg.ImageQuality)
	assert.Equal(t, templates.FaceReminder, cfg.Policy())
	assert.Equal(t, 8, cfg.TextRateLimit().MaxConcurrency)
}

func TestLoadEnvFile(t *testing.T) {
	isolate(t)
	file := filepath.Join(t.TempDir(), "jawn.env")
	require.NoError(t, os.WriteFile(file, []byte("OPENAI_API_KEY=from-file\nTEXT_PROVIDER=openai\nPORT=9090\n"), 0o600))
	t.Setenv(EnvFileVar, file)
	t.Setenv("PORT", "7070") // process environment wins over the file
	t.Cleanup(func() {
		os.Unsetenv(EnvOpenAIAPIKey)
		os.Unsetenv("TEXT_PROVIDER")
	})
	os.Unsetenv(EnvOpenAIAPIKey)
	os.Unsetenv("TEXT_PROVIDER")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.OpenAIAPIKey)
	assert.Equal(t, ProviderOpenAI, cfg.TextProvider)
	assert.Equal(t, 7070, cfg.Port)
}

func TestLoadYAMLOverlay(t *testing.T) {
	isolate(t)
	t.Setenv(EnvGeminiAPIKey, "g-key")
	t.Setenv("PANEL_COUNT", "4")

	path := filepath.Join(t.TempDir(), "storycomic.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
text_provider: google
image_provider: imagen
panel_count: 3
fail_fast: true
image_interval: 250ms
constraint_policy: none
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ProviderGoogle, cfg.TextProvider)
	assert.Equal(t, ImageProviderImagen, cfg.ImageProvider)
	assert.Equal(t, 3, cfg.PanelCount)
	assert.True(t, cfg.FailFast)
	assert.Equal(t, 250*time.Millisecond, cfg.ImageInterval)
	assert.Equal(t, templates.Policy(""), cfg.Policy())
}

func TestLoadYAMLCannotSetKeys(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "storycomic.yaml")
	require.NoError(t, os.WriteFile(path, []byte("anthropic_api_key: nope\nAnthropicAPIKey: nope\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvAnthropicAPIKey)
}

func TestLoadMissingConfigFile(t *testing.T) {
	isolate(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			AnthropicAPIKey: "a",
			OpenAIAPIKey:    "o",
			TextProvider:    ProviderAnthropic,
			ImageProvider:   ImageProviderDalle,
			Port:            8080,
			PanelCount:      6,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing anthropic key", func(c *Config) { c.AnthropicAPIKey = "" }, EnvAnthropicAPIKey},
		{"missing openai key for dalle", func(c *Config) { c.OpenAIAPIKey = "" }, EnvOpenAIAPIKey},
		{"missing gemini key", func(c *Config) { c.TextProvider = ProviderGoogle }, EnvGeminiAPIKey},
		{"imagen needs gemini key", func(c *Config) { c.ImageProvider = ImageProviderImagen }, EnvGeminiAPIKey},
		{"ollama needs no key", func(c *Config) { c.TextProvider = ProviderOllama; c.OllamaHost = "http://h:11434"; c.AnthropicAPIKey = "" }, ""},
		{"unknown text provider", func(c *Config) { c.TextProvider = "bard" }, "TEXT_PROVIDER"},
		{"unknown image provider", func(c *Config) { c.ImageProvider = "midjourney" }, "IMAGE_PROVIDER"},
		{"port out of range", func(c *Config) { c.Port = 0 }, "PORT"},
		{"too many panels", func(c *Config) { c.PanelCount = MaxPanelCount + 1 }, "PANEL_COUNT"},
		{"no panels", func(c *Config) { c.PanelCount = 0 }, "PANEL_COUNT"},
		{"negative timeout", func(c *Config) { c.ImageTimeout = -time.Second }, "negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestInferProvider(t *testing.T) {
	tests := map[string]string{
		"claude-sonnet-4-5": ProviderAnthropic,
		"gpt-4o":            ProviderOpenAI,
		"o3-mini":           ProviderOpenAI,
		"gemini-2.0-flash":  ProviderGoogle,
		"llama3.2":          ProviderOllama,
		"Mistral-7B":        ProviderOllama,
		"unknown":           "",
	}
	for model, want := range tests {
		assert.Equal(t, want, InferProvider(model), model)
	}
}

func TestNormalizeInfersFromModel(t *testing.T) {
	cfg := Config{TextModel: "gpt-4o-mini", ImageProvider: " DALLE "}
	cfg.normalize()
	assert.Equal(t, ProviderOpenAI, cfg.TextProvider)
	assert.Equal(t, ImageProviderDalle, cfg.ImageProvider)
}

func TestPolicy(t *testing.T) {
	tests := []struct {
		in   string
		want templates.Policy
	}{
		{"face", templates.FaceReminder},
		{"FACE", templates.FaceReminder},
		{"", templates.FaceReminder},
		{"none", ""},
		{"  Keep every scene indoors.  ", "Keep every scene indoors."},
	}
	for _, tt := range tests {
		cfg := Config{ConstraintPolicy: tt.in}
		assert.Equal(t, tt.want, cfg.Policy(), tt.in)
	}
}
