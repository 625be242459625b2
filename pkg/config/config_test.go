package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ExtendOSS/serverless-agent-pattern/pkg/endpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"AWS_PROFILE", "AWS_REGION", "AGENT_ENDPOINT_URL", "AGENT_NAME",
	"AGENT_TARGET_ID", "AGENT_MODE", "REDIS_ADDR", "OPENAI_API_KEY", "PORT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadConfig_FileSizeLimit(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, strings.Repeat("x: value\n", 200000))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "supervisorAgent", cfg.Client.Agent)
	assert.Equal(t, "streaming", cfg.Client.Mode)
	assert.Equal(t, 3, cfg.Client.MaxAttempts)
	assert.Equal(t, int64(1<<20), cfg.Server.MaxBodyBytes)
	assert.Equal(t, "us-east-1", cfg.Model.Region)
}

func TestLoadConfig_ValidFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
client:
  agent: storageAgent
  mode: buffered
  region: eu-west-1
  timeout: 30s
model:
  provider: bedrock
  model_id: anthropic.claude-3-haiku
memory:
  backend: redis
  redis_addr: localhost:6379
  ttl: 24h
agents:
  logsAgent:
    instructions: Only read log groups.
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "storageAgent", cfg.Client.Agent)
	assert.Equal(t, 30*time.Second, cfg.Client.Timeout)
	assert.Equal(t, 24*time.Hour, cfg.Memory.TTL)
	assert.Equal(t, "eu-west-1", cfg.Model.Region)
	assert.Equal(t, "Only read log groups.", cfg.Agents["logsAgent"].Instructions)
	// Untouched defaults survive a partial file.
	assert.Equal(t, "AgentStreamingFunctionUrl", cfg.Client.StreamOutputKey)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	clearEnv(t)
	_, err := LoadConfig(writeConfig(t, "client: ["))
	assert.Error(t, err)
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("AWS_PROFILE", "dev")
	t.Setenv("AGENT_ENDPOINT_URL", "https://abc.lambda-url.us-east-1.on.aws/")
	t.Setenv("AGENT_NAME", "computeAgent")
	t.Setenv("AGENT_MODE", "buffered")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("PORT", "9090")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Client.Profile)
	assert.Equal(t, "https://abc.lambda-url.us-east-1.on.aws/", cfg.Client.EndpointURL)
	assert.Equal(t, "computeAgent", cfg.Client.Agent)
	assert.Equal(t, "buffered", cfg.Client.Mode)
	assert.Equal(t, MemoryRedis, cfg.Memory.Backend)
	assert.Equal(t, "redis:6379", cfg.Memory.RedisAddr)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestApplyEnv_BadPort(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "eighty")
	_, err := LoadConfig("")
	assert.Error(t, err)
}

func TestApplyEnv_OpenAIKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	path := writeConfig(t, "model:\n  provider: openai\n  model_id: gpt-4o-mini\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.Model.APIKey)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"unknown mode", func(c *Config) { c.Client.Mode = "carrier" }, "client.mode"},
		{"unknown agent", func(c *Config) { c.Client.Agent = "billingAgent" }, "client.agent"},
		{"unknown agent override", func(c *Config) { c.Agents = map[string]AgentConfig{"x": {}} }, "agents"},
		{"zero attempts", func(c *Config) { c.Client.MaxAttempts = 0 }, "max_attempts"},
		{"unknown provider", func(c *Config) { c.Model.Provider = "gemini" }, "model.provider"},
		{"bedrock without model", func(c *Config) { c.Model.Provider = ProviderBedrock }, "model_id"},
		{"openai without key", func(c *Config) { c.Model.Provider = ProviderOpenAI }, "api_key"},
		{"redis without addr", func(c *Config) { c.Memory.Backend = MemoryRedis }, "redis_addr"},
		{"unknown exporter", func(c *Config) { c.Observability.Exporter = "zipkin" }, "exporter"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
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

func TestOutputKey(t *testing.T) {
	c := Default().Client
	assert.Equal(t, "AgentFunctionUrl", c.OutputKey(endpoint.Buffered))
	assert.Equal(t, "AgentStreamingFunctionUrl", c.OutputKey(endpoint.Streaming))
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := Default()
	cfg.Client.Agent = "pipelineAgent"

	require.NoError(t, SaveConfig(cfg, path))
	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "pipelineAgent", loaded.Client.Agent)
}
