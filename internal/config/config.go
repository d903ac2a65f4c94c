// Package config handles scagent configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider names accepted in model.provider.
const (
	ProviderGroq      = "groq"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/scagent/config.yaml, /etc/scagent/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "scagent", "config.yaml"))
	}

	paths = append(paths, "/etc/scagent/config.yaml")
	return paths
}

// ErrNoConfig is returned by FindConfig when no explicit path was given
// and none of the default locations holds a config file.
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all scagent configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Model      ModelConfig      `yaml:"model"`
	Agent      AgentConfig      `yaml:"agent"`
	MCP        MCPConfig        `yaml:"mcp"`
	CORS       CORSConfig       `yaml:"cors"`
	Transcript TranscriptConfig `yaml:"transcript"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	DataDir    string           `yaml:"data_dir"` // instance ID and other local state
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address        string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port           int    `yaml:"port"`
	MaxConnections int    `yaml:"max_connections"` // 0 = unlimited
}

// ModelConfig selects the language model the agent is bound to.
type ModelConfig struct {
	Provider    string  `yaml:"provider"` // groq, openai, anthropic
	Name        string  `yaml:"name"`
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Temperature float64 `yaml:"temperature"`
	ToolChoice  string  `yaml:"tool_choice"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// Configured reports whether a credential is available for the model.
func (c ModelConfig) Configured() bool {
	return strings.TrimSpace(c.APIKey) != ""
}

// AgentConfig tunes the tool-calling loop.
type AgentConfig struct {
	// MaxCycles bounds the number of model invocations per turn.
	// Zero disables the bound.
	MaxCycles int `yaml:"max_cycles"`
}

// MCPConfig describes the analysis tool server launched as a subprocess.
type MCPConfig struct {
	Name           string   `yaml:"name"`
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	Env            []string `yaml:"env"`
	SchemaURI      string   `yaml:"schema_uri"`
	PromptName     string   `yaml:"prompt_name"`
	InitTimeoutSec int      `yaml:"init_timeout_sec"`
}

// CORSConfig lists the browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TranscriptConfig enables the SQLite conversation transcript.
type TranscriptConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MQTTConfig configures the optional status publisher.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	ClientID           string `yaml:"client_id"`
	DeviceName         string `yaml:"device_name"`
	TopicPrefix        string `yaml:"topic_prefix"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"` // Home Assistant discovery, e.g. homeassistant
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether a broker has been set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{
		Listen: ListenConfig{Port: 8000},
		Model: ModelConfig{
			Provider:    ProviderGroq,
			Name:        "openai/gpt-oss-120b",
			Temperature: 0.0,
			ToolChoice:  "auto",
		},
		Agent: AgentConfig{MaxCycles: 25},
		MCP: MCPConfig{
			Name:           "supply-chain-server",
			Command:        "python",
			Args:           []string{"MCPAnalysisServer.py"},
			SchemaURI:      "supply-chain-server://table_schema",
			PromptName:     "Data_analyst_system_prompt",
			InitTimeoutSec: 30,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Transcript: TranscriptConfig{Path: "data/transcript.db"},
		MQTT: MQTTConfig{
			DeviceName:         "scagent",
			TopicPrefix:        "scagent",
			DiscoveryPrefix:    "homeassistant",
			PublishIntervalSec: 60,
		},
		DataDir: "data",
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills values that depend on other fields.
func (c *Config) applyDefaults() {
	c.Model.Provider = strings.ToLower(strings.TrimSpace(c.Model.Provider))
	if c.Model.Provider == "" {
		c.Model.Provider = ProviderGroq
	}
	if c.Model.APIKey == "" {
		c.Model.APIKey = os.Getenv(APIKeyEnv(c.Model.Provider))
	}
	if c.Model.ToolChoice == "" {
		c.Model.ToolChoice = "auto"
	}
	if c.MCP.InitTimeoutSec <= 0 {
		c.MCP.InitTimeoutSec = 30
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "scagent"
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "scagent"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "scagent-" + c.MQTT.DeviceName
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
}

// APIKeyEnv returns the environment variable consulted for a provider's
// credential when model.api_key is empty.
func APIKeyEnv(provider string) string {
	switch provider {
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	default:
		return "GROQ_API_KEY"
	}
}

// Validate checks the configuration for values that would fail later in
// less obvious ways. A missing model credential is not a validation error:
// the server still starts and reports it through the health endpoint.
func (c *Config) Validate() error {
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	switch c.Model.Provider {
	case ProviderGroq, ProviderOpenAI, ProviderAnthropic:
	default:
		return fmt.Errorf("unknown model.provider %q (valid: groq, openai, anthropic)", c.Model.Provider)
	}
	if c.Model.Name == "" {
		return errors.New("model.name is required")
	}
	if c.MCP.Command == "" {
		return errors.New("mcp.command is required")
	}
	if c.Listen.MaxConnections < 0 {
		return fmt.Errorf("listen.max_connections must not be negative, got %d", c.Listen.MaxConnections)
	}
	if c.Agent.MaxCycles < 0 {
		return fmt.Errorf("agent.max_cycles must not be negative, got %d", c.Agent.MaxCycles)
	}
	return nil
}
