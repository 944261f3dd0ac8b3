// Package config handles trialmatch configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/trialmatch/config.yaml, /etc/trialmatch/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "trialmatch", "config.yaml"))
	}

	paths = append(paths, "/etc/trialmatch/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
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

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all trialmatch configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	Models    ModelsConfig    `yaml:"models"`
	Agent     AgentConfig     `yaml:"agent"`
	Trials    TrialsConfig    `yaml:"trials"`
	Logging   LoggingConfig   `yaml:"logging"`
	DataDir   string          `yaml:"data_dir"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ListenConfig defines the API server bind address.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// AnthropicConfig configures the Anthropic Messages API provider.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Configured reports whether an API key was supplied.
func (c AnthropicConfig) Configured() bool { return c.APIKey != "" }

// OllamaConfig configures a local Ollama server.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// ModelsConfig names the default model and any extra models with the
// provider that serves them.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps one model name to its provider ("anthropic" or "ollama").
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"`
}

// AgentConfig bounds the agent loop.
type AgentConfig struct {
	// MaxIterations is the hard ceiling on model calls per run.
	MaxIterations int `yaml:"max_iterations"`

	// ParallelTools dispatches the tool calls of one assistant turn
	// concurrently. Results are still joined in request order.
	ParallelTools bool `yaml:"parallel_tools"`

	// MaxConcurrency caps concurrent tool handlers when ParallelTools
	// is set. Zero means one goroutine per call.
	MaxConcurrency int `yaml:"max_concurrency"`

	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// TrialsConfig configures the ClinicalTrials.gov client.
type TrialsConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// LoggingConfig configures the process logger and the per-run
// activity log files.
type LoggingConfig struct {
	Level string `yaml:"level"`

	// Format is "text" (default) or "json" for the process log.
	Format string `yaml:"format"`

	// Dir receives one agent_run_*.log file per run. Empty disables
	// run log files.
	Dir string `yaml:"dir"`

	// Console echoes run activity to stderr.
	Console bool `yaml:"console"`
}

// MQTTConfig configures the optional activity publisher.
type MQTTConfig struct {
	Broker    string `yaml:"broker"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	TopicBase string `yaml:"topic_base"`
}

// Configured reports whether a broker URL was supplied.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads a config file, expands ${VAR} references from the
// environment, and overlays it on Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks value ranges that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.Agent.MaxIterations < 1 || c.Agent.MaxIterations > 100 {
		errs = append(errs, fmt.Errorf("agent.max_iterations %d must be between 1 and 100", c.Agent.MaxIterations))
	}
	if c.Agent.MaxConcurrency < 0 {
		errs = append(errs, fmt.Errorf("agent.max_concurrency %d must not be negative", c.Agent.MaxConcurrency))
	}
	if c.Agent.MaxTokens < 1 {
		errs = append(errs, fmt.Errorf("agent.max_tokens %d must be positive", c.Agent.MaxTokens))
	}
	if c.Agent.Temperature < 0 || c.Agent.Temperature > 1 {
		errs = append(errs, fmt.Errorf("agent.temperature %v must be between 0 and 1", c.Agent.Temperature))
	}
	if c.Models.Default == "" {
		errs = append(errs, errors.New("models.default is required"))
	}
	for _, m := range c.Models.Available {
		switch m.Provider {
		case "anthropic", "ollama":
		default:
			errs = append(errs, fmt.Errorf("models.available: %s: unknown provider %q", m.Name, m.Provider))
		}
	}
	if _, err := ParseLogLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be text or json", c.Logging.Format))
	}
	if c.MQTT.Configured() && c.MQTT.TopicBase == "" {
		errs = append(errs, errors.New("mqtt.topic_base is required when mqtt.broker is set"))
	}
	return errors.Join(errs...)
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Ollama: OllamaConfig{URL: "http://localhost:11434"},
		Models: ModelsConfig{
			Default: "claude-sonnet-4-20250514",
		},
		Agent: AgentConfig{
			MaxIterations: 10,
			MaxTokens:     4096,
			Temperature:   0,
		},
		Trials: TrialsConfig{
			BaseURL:    "https://clinicaltrials.gov/api/v2/studies",
			Timeout:    30 * time.Second,
			Retries:    2,
			RetryDelay: time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Dir:    "logs",
		},
		DataDir: "data",
		MQTT: MQTTConfig{
			ClientID:  "trialmatch",
			TopicBase: "trialmatch/runs",
		},
	}
}
