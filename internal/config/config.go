// Package config loads the application configuration: YAML file, environment
// overrides, defaults for everything else.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// DataDir holds the SQLite databases and log files.
	DataDir string `yaml:"data_dir"`

	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LLMConfig configures the completion client.
type LLMConfig struct {
	Provider       string `yaml:"provider"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxTokens      int    `yaml:"max_tokens"`
}

// EmbeddingConfig configures the embedding gateway.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // ollama or genai
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
	TaskType       string `yaml:"task_type"`
}

type SandboxConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

type RetrievalConfig struct {
	TopK int `yaml:"top_k"`
}

type WorkflowConfig struct {
	SampleSize int `yaml:"sample_size"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "tablemend",
		Version: "0.3.0",
		DataDir: "data",
		Server: ServerConfig{
			Addr: ":3000",
		},
		LLM: LLMConfig{
			Provider:       "anthropic",
			Model:          "claude-sonnet-4-5",
			BaseURL:        "https://api.anthropic.com",
			TimeoutSeconds: 120,
			MaxTokens:      2000,
		},
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			TaskType:       "SEMANTIC_SIMILARITY",
		},
		Sandbox: SandboxConfig{
			TimeoutSeconds: 5,
		},
		Retrieval: RetrievalConfig{
			TopK: 20,
		},
		Workflow: WorkflowConfig{
			SampleSize: 5,
		},
	}
}

// Load reads a YAML config file and applies environment overrides. A missing
// file is not an error; defaults apply.
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

func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
	}
	if url := os.Getenv("OLLAMA_URL"); url != "" {
		c.Embedding.OllamaEndpoint = url
	}
	if dir := os.Getenv("TABLEMEND_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
	if addr := os.Getenv("TABLEMEND_ADDR"); addr != "" {
		c.Server.Addr = addr
	} else if port := os.Getenv("PORT"); port != "" {
		if _, err := strconv.Atoi(port); err == nil {
			c.Server.Addr = ":" + port
		}
	}
}

// SessionDBPath is the session store file under the data dir.
func (c *Config) SessionDBPath() string { return filepath.Join(c.DataDir, "sessions.db") }

// DirectoryDBPath is the field directory file under the data dir.
func (c *Config) DirectoryDBPath() string { return filepath.Join(c.DataDir, "directory.db") }

// TableDBPath is the tabular store file under the data dir.
func (c *Config) TableDBPath() string { return filepath.Join(c.DataDir, "tables.db") }

// EnsureDataDir creates the data directory if needed.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	return nil
}
