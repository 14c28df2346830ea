// Package config loads questmaster configuration from YAML with environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all questmaster configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Memory    MemoryConfig    `yaml:"memory"`
	Image     ImageConfig     `yaml:"image"`
	GameAPI   GameAPIConfig   `yaml:"game_api"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP/WebSocket transport.
type ServerConfig struct {
	Port            string `yaml:"port"`
	ImageDir        string `yaml:"image_dir"`
	ImageBaseURL    string `yaml:"image_base_url"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// LLMConfig configures the inference service client.
type LLMConfig struct {
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	Timeout     string  `yaml:"timeout"`
}

// EmbeddingConfig configures the embedding engine used for semantic retrieval.
type EmbeddingConfig struct {
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
}

// MemoryConfig configures the conversation store and hybrid context assembly.
type MemoryConfig struct {
	DatabasePath string `yaml:"database_path"`
	DataDir      string `yaml:"data_dir"`

	// Recent verbatim window size for context assembly.
	RecentLimit int `yaml:"recent_limit"`

	// Number of semantically retrieved older turns.
	RetrievalK int `yaml:"retrieval_k"`

	// Ceiling for one similarity query; on expiry the assembler
	// degrades to recent-only context.
	QueryTimeout string `yaml:"query_timeout"`

	// Inactive sessions are evicted from the in-process registry
	// after this window.
	SessionTTL string `yaml:"session_ttl"`
}

// ImageConfig configures image generation jobs.
type ImageConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ServerURL    string `yaml:"server_url"`
	PollInterval string `yaml:"poll_interval"`
	JobCeiling   string `yaml:"job_ceiling"`
	WorkflowPath string `yaml:"workflow_path"`
}

// GameAPIConfig configures the external game/character context service.
type GameAPIConfig struct {
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	DebugMode bool   `yaml:"debug_mode"`
	Level     string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "questmaster",
		Version: "0.3.0",

		Server: ServerConfig{
			Port:            "5001",
			ImageDir:        "data/images",
			ImageBaseURL:    "http://localhost:5001/images",
			ShutdownTimeout: "10s",
		},

		LLM: LLMConfig{
			BaseURL:     "http://localhost:11434",
			Model:       "gpt-oss:20b",
			Temperature: 0.7,
			Timeout:     "120s",
		},

		Embedding: EmbeddingConfig{
			Endpoint: "http://localhost:11434",
			Model:    "embeddinggemma",
		},

		Memory: MemoryConfig{
			DatabasePath: "data/questmaster.db",
			DataDir:      "data",
			RecentLimit:  10,
			RetrievalK:   3,
			QueryTimeout: "2s",
			SessionTTL:   "1h",
		},

		Image: ImageConfig{
			Enabled:      true,
			ServerURL:    "http://localhost:8188",
			PollInterval: "2s",
			JobCeiling:   "300s",
			WorkflowPath: "",
		},

		GameAPI: GameAPIConfig{
			BaseURL: "http://localhost:1024",
			Timeout: "10s",
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults when
// the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("OLLAMA_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("OLLAMA_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("EMBEDDING_URL"); v != "" {
		c.Embedding.Endpoint = v
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		c.Embedding.Model = v
	}
	if v := os.Getenv("QUESTMASTER_DB"); v != "" {
		c.Memory.DatabasePath = v
	}
	if v := os.Getenv("COMFYUI_URL"); v != "" {
		c.Image.ServerURL = v
	}
	if v := os.Getenv("EXTERNAL_API_URL"); v != "" {
		c.GameAPI.BaseURL = v
	}
	if v := os.Getenv("IMAGE_STORAGE_PATH"); v != "" {
		c.Server.ImageDir = v
	}
	if v := os.Getenv("IMAGE_BASE_URL"); v != "" {
		c.Server.ImageBaseURL = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port not configured")
	}
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("LLM base URL not configured (set OLLAMA_URL)")
	}
	if c.Memory.DatabasePath == "" {
		return fmt.Errorf("database path not configured")
	}
	if c.Memory.RecentLimit <= 0 {
		return fmt.Errorf("memory recent_limit must be positive, got %d", c.Memory.RecentLimit)
	}
	if c.Memory.RetrievalK < 0 {
		return fmt.Errorf("memory retrieval_k must not be negative, got %d", c.Memory.RetrievalK)
	}
	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 120*time.Second)
}

// GetQueryTimeout returns the similarity query timeout as a duration.
func (c *Config) GetQueryTimeout() time.Duration {
	return parseDuration(c.Memory.QueryTimeout, 2*time.Second)
}

// GetSessionTTL returns the session registry TTL as a duration.
func (c *Config) GetSessionTTL() time.Duration {
	return parseDuration(c.Memory.SessionTTL, time.Hour)
}

// GetPollInterval returns the image poll interval as a duration.
func (c *Config) GetPollInterval() time.Duration {
	return parseDuration(c.Image.PollInterval, 2*time.Second)
}

// GetJobCeiling returns the image job ceiling as a duration.
func (c *Config) GetJobCeiling() time.Duration {
	return parseDuration(c.Image.JobCeiling, 300*time.Second)
}

// GetGameAPITimeout returns the game API timeout as a duration.
func (c *Config) GetGameAPITimeout() time.Duration {
	return parseDuration(c.GameAPI.Timeout, 10*time.Second)
}

// GetShutdownTimeout returns the HTTP shutdown grace period as a duration.
func (c *Config) GetShutdownTimeout() time.Duration {
	return parseDuration(c.Server.ShutdownTimeout, 10*time.Second)
}
