package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ExtendOSS/serverless-agent-pattern/pkg/endpoint"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/protocol"
	"gopkg.in/yaml.v3"
)

// maxConfigSize bounds the configuration file read from disk.
const maxConfigSize = 1 << 20

// Model providers.
const (
	ProviderEcho    = "echo"
	ProviderBedrock = "bedrock"
	ProviderOpenAI  = "openai"
)

// Memory backends.
const (
	MemoryInMemory = "memory"
	MemoryRedis    = "redis"
)

// Trace exporters.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Config represents the application configuration
type Config struct {
	Client        ClientConfig           `yaml:"client"`
	Server        ServerConfig           `yaml:"server"`
	Model         ModelConfig            `yaml:"model"`
	Memory        MemoryConfig           `yaml:"memory"`
	Agents        map[string]AgentConfig `yaml:"agents"`
	Observability ObservabilityConfig    `yaml:"observability"`
}

// ClientConfig holds the caller-side defaults of an invocation.
type ClientConfig struct {
	Profile           string        `yaml:"profile"`
	Region            string        `yaml:"region"`
	TargetID          string        `yaml:"target_id"`
	BufferedOutputKey string        `yaml:"buffered_output_key"`
	StreamOutputKey   string        `yaml:"stream_output_key"`
	EndpointURL       string        `yaml:"endpoint_url"`
	Service           string        `yaml:"service"`
	Agent             string        `yaml:"agent"`
	Mode              string        `yaml:"mode"`
	MaxAttempts       int           `yaml:"max_attempts"`
	Timeout           time.Duration `yaml:"timeout"`
}

// OutputKey returns the stack output holding the URL for mode.
func (c ClientConfig) OutputKey(mode endpoint.Mode) string {
	if mode == endpoint.Streaming {
		return c.StreamOutputKey
	}
	return c.BufferedOutputKey
}

// ServerConfig holds the agent host settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	RateLimit    float64       `yaml:"rate_limit"`
	RateBurst    int           `yaml:"rate_burst"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	// WriteTimeout stays zero by default; streamed answers can be long.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ModelConfig selects the language model backing the agents.
type ModelConfig struct {
	Provider    string  `yaml:"provider"`
	ModelID     string  `yaml:"model_id"`
	Region      string  `yaml:"region"`
	Profile     string  `yaml:"profile"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// MemoryConfig selects the thread history store.
type MemoryConfig struct {
	Backend       string        `yaml:"backend"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	Prefix        string        `yaml:"prefix"`
	TTL           time.Duration `yaml:"ttl"`
	MaxTurns      int           `yaml:"max_turns"`
	HistoryLimit  int           `yaml:"history_limit"`
}

// AgentConfig overrides the built-in settings of one agent.
type AgentConfig struct {
	Description  string `yaml:"description"`
	Instructions string `yaml:"instructions"`
}

// ObservabilityConfig controls metrics and tracing.
type ObservabilityConfig struct {
	ServiceName   string  `yaml:"service_name"`
	Exporter      string  `yaml:"exporter"`
	OTLPEndpoint  string  `yaml:"otlp_endpoint"`
	SampleRate    float64 `yaml:"sample_rate"`
	EnableMetrics bool    `yaml:"enable_metrics"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			Region:            "us-east-1",
			TargetID:          "ServerlessAgentStack",
			BufferedOutputKey: "AgentFunctionUrl",
			StreamOutputKey:   "AgentStreamingFunctionUrl",
			Service:           endpoint.DefaultService,
			Agent:             string(protocol.DefaultAgent),
			Mode:              string(endpoint.Streaming),
			MaxAttempts:       3,
			Timeout:           5 * time.Minute,
		},
		Server: ServerConfig{
			Port:         8080,
			MaxBodyBytes: 1 << 20,
			RateLimit:    10,
			RateBurst:    20,
			ReadTimeout:  30 * time.Second,
		},
		Model: ModelConfig{
			Provider:    ProviderEcho,
			MaxTokens:   1024,
			Temperature: 0.2,
		},
		Memory: MemoryConfig{
			Backend:      MemoryInMemory,
			Prefix:       "agentbridge:memory:",
			MaxTurns:     200,
			HistoryLimit: 20,
		},
		Observability: ObservabilityConfig{
			ServiceName:   "agentbridge",
			Exporter:      ExporterNone,
			SampleRate:    1.0,
			EnableMetrics: true,
		},
	}
}

// LoadConfig loads configuration from a YAML file on top of the defaults and
// applies environment overrides. An empty path yields defaults plus
// environment.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if info.Size() > maxConfigSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigSize)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv() error {
	setString(&c.Client.Profile, "AWS_PROFILE")
	setString(&c.Client.Region, "AWS_REGION")
	setString(&c.Client.EndpointURL, "AGENT_ENDPOINT_URL")
	setString(&c.Client.Agent, "AGENT_NAME")
	setString(&c.Client.TargetID, "AGENT_TARGET_ID")
	setString(&c.Client.Mode, "AGENT_MODE")

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Memory.RedisAddr = addr
		c.Memory.Backend = MemoryRedis
	}
	if c.Model.APIKey == "" && c.Model.Provider == ProviderOpenAI {
		c.Model.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Model.Region == "" {
		c.Model.Region = c.Client.Region
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		c.Server.Port = p
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if _, err := endpoint.ParseMode(c.Client.Mode); err != nil {
		errs = append(errs, fmt.Errorf("client.mode: %w", err))
	}
	if _, err := protocol.ParseAgentName(c.Client.Agent); err != nil {
		errs = append(errs, fmt.Errorf("client.agent: %w", err))
	}
	if c.Client.MaxAttempts < 1 {
		errs = append(errs, errors.New("client.max_attempts must be at least 1"))
	}

	for name := range c.Agents {
		if _, err := protocol.ParseAgentName(name); err != nil {
			errs = append(errs, fmt.Errorf("agents: %w", err))
		}
	}

	switch c.Model.Provider {
	case ProviderEcho:
	case ProviderBedrock:
		if c.Model.ModelID == "" {
			errs = append(errs, errors.New("model.model_id is required for bedrock"))
		}
	case ProviderOpenAI:
		if c.Model.APIKey == "" {
			errs = append(errs, errors.New("model.api_key or OPENAI_API_KEY is required for openai"))
		}
	default:
		errs = append(errs, fmt.Errorf("model.provider: unknown provider %q", c.Model.Provider))
	}

	switch c.Memory.Backend {
	case MemoryInMemory:
	case MemoryRedis:
		if c.Memory.RedisAddr == "" {
			errs = append(errs, errors.New("memory.redis_addr is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("memory.backend: unknown backend %q", c.Memory.Backend))
	}

	switch c.Observability.Exporter {
	case ExporterNone, ExporterStdout, ExporterOTLP:
	default:
		errs = append(errs, fmt.Errorf("observability.exporter: unknown exporter %q", c.Observability.Exporter))
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}

	return errors.Join(errs...)
}
