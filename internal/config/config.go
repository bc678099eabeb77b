// Package config loads kgrag configuration from a YAML file with
// environment-variable overrides. A .env file in the working directory is
// honored so local development matches deployed environments.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all kgrag configuration.
type Config struct {
	// LLM is the default (non-reasoning) model used by workers, query
	// generation, and profile extraction.
	LLM LLMConfig `yaml:"llm"`

	// ReasoningLLM is the model used for planning and judging. Falls back
	// to LLM when unset.
	ReasoningLLM LLMConfig `yaml:"reasoning_llm"`

	// Embedding configures the embedding engine for the vector store.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Storage configures the graph and vector stores.
	Storage StorageConfig `yaml:"storage"`

	// Agent configures the orchestration loop.
	Agent AgentConfig `yaml:"agent"`

	// Tools configures the tool gateway.
	Tools ToolsConfig `yaml:"tools"`

	// Memory configures the profile write pipeline.
	Memory MemoryConfig `yaml:"memory"`

	// Server configures the HTTP/SSE API.
	Server ServerConfig `yaml:"server"`

	// Ingest configures document chunking.
	Ingest IngestConfig `yaml:"ingest"`
}

// LLMConfig configures one OpenAI-compatible chat endpoint.
type LLMConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // ollama, genai
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
	Dimensions     int    `yaml:"dimensions"`
}

// StorageConfig configures the storage backends.
type StorageConfig struct {
	GraphPath string `yaml:"graph_path"` // sqlite file for the knowledge graph

	VectorBackend string `yaml:"vector_backend"` // sqlite, qdrant
	VectorPath    string `yaml:"vector_path"`    // sqlite file for local vectors

	QdrantURL        string `yaml:"qdrant_url"`
	QdrantAPIKey     string `yaml:"qdrant_api_key"`
	QdrantCollection string `yaml:"qdrant_collection"`

	SessionPath string `yaml:"session_path"` // sqlite file for chat sessions
}

// AgentConfig configures the plan/execute/aggregate/judge loop.
type AgentConfig struct {
	MaxRounds     int `yaml:"max_rounds"`     // round cap for the re-plan cycle
	Concurrency   int `yaml:"concurrency"`    // worker pool ceiling
	MaxSteps      int `yaml:"max_steps"`      // ReAct step budget per sub-task
	PlanRetries   int `yaml:"plan_retries"`   // re-prompt attempts on malformed plans
	HistoryRounds int `yaml:"history_rounds"` // dialogue rounds carried into prompts
}

// ToolsConfig configures the tool gateway.
type ToolsConfig struct {
	TopK            int           `yaml:"top_k"`             // vector search result count
	GraphQueryLimit int           `yaml:"graph_query_limit"` // default LIMIT appended to graph queries
	InvokeTimeout   time.Duration `yaml:"invoke_timeout"`    // per tool invocation
	SearchAPIKey    string        `yaml:"search_api_key"`    // web search credential
	SearchBaseURL   string        `yaml:"search_base_url"`
}

// MemoryConfig configures the profile write pipeline.
type MemoryConfig struct {
	CommitThreshold float64 `yaml:"commit_threshold"` // min confidence to commit a proposal
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// IngestConfig configures document chunking.
type IngestConfig struct {
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
}

// Default returns a Config with working defaults for local use.
func Default() Config {
	return Config{
		LLM: LLMConfig{
			BaseURL: "https://api.deepseek.com/v1",
			Model:   "deepseek-chat",
			Timeout: 600 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			Dimensions:     768,
		},
		Storage: StorageConfig{
			GraphPath:        "data/graph.db",
			VectorBackend:    "sqlite",
			VectorPath:       "data/vectors.db",
			QdrantCollection: "kgrag_chunks",
			SessionPath:      "data/sessions.db",
		},
		Agent: AgentConfig{
			MaxRounds:     3,
			Concurrency:   3,
			MaxSteps:      6,
			PlanRetries:   2,
			HistoryRounds: 5,
		},
		Tools: ToolsConfig{
			TopK:            5,
			GraphQueryLimit: 50,
			InvokeTimeout:   120 * time.Second,
		},
		Memory: MemoryConfig{
			CommitThreshold: 0.7,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Ingest: IngestConfig{
			ChunkSize:    8192,
			ChunkOverlap: 64,
		},
	}
}

// Load reads the YAML file at path (when it exists), then applies
// environment overrides on top of defaults. A missing file is not an error;
// environment-only configuration is a supported deployment mode.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	// .env is optional; ignore absence.
	_ = godotenv.Load()
	cfg.applyEnv()

	if cfg.ReasoningLLM.APIKey == "" {
		cfg.ReasoningLLM.APIKey = cfg.LLM.APIKey
	}
	if cfg.ReasoningLLM.BaseURL == "" {
		cfg.ReasoningLLM.BaseURL = cfg.LLM.BaseURL
	}
	if cfg.ReasoningLLM.Model == "" {
		cfg.ReasoningLLM.Model = cfg.LLM.Model
	}
	if cfg.ReasoningLLM.Timeout == 0 {
		cfg.ReasoningLLM.Timeout = cfg.LLM.Timeout
	}

	return cfg, cfg.Validate()
}

// applyEnv overlays environment variables onto the config.
func (c *Config) applyEnv() {
	setStr(&c.LLM.APIKey, "LLM_API_KEY")
	setStr(&c.LLM.BaseURL, "LLM_BASE_URL")
	setStr(&c.LLM.Model, "LLM_MODEL")
	setStr(&c.ReasoningLLM.APIKey, "REASONING_LLM_API_KEY")
	setStr(&c.ReasoningLLM.BaseURL, "REASONING_LLM_BASE_URL")
	setStr(&c.ReasoningLLM.Model, "REASONING_LLM_MODEL")
	setStr(&c.Embedding.Provider, "EMBEDDING_PROVIDER")
	setStr(&c.Embedding.OllamaEndpoint, "OLLAMA_ENDPOINT")
	setStr(&c.Embedding.OllamaModel, "OLLAMA_MODEL")
	setStr(&c.Embedding.GenAIAPIKey, "GENAI_API_KEY")
	setStr(&c.Embedding.GenAIModel, "GENAI_MODEL")
	setInt(&c.Embedding.Dimensions, "EMBEDDING_DIM")
	setStr(&c.Storage.GraphPath, "GRAPH_PATH")
	setStr(&c.Storage.VectorBackend, "VECTOR_BACKEND")
	setStr(&c.Storage.VectorPath, "VECTOR_PATH")
	setStr(&c.Storage.QdrantURL, "QDRANT_URL")
	setStr(&c.Storage.QdrantAPIKey, "QDRANT_API_KEY")
	setStr(&c.Storage.QdrantCollection, "QDRANT_COLLECTION")
	setStr(&c.Storage.SessionPath, "SESSION_PATH")
	setInt(&c.Agent.MaxRounds, "MAX_ROUNDS")
	setInt(&c.Agent.Concurrency, "AGENT_CONCURRENCY")
	setInt(&c.Agent.MaxSteps, "AGENT_MAX_STEPS")
	setInt(&c.Tools.TopK, "TOP_K")
	setInt(&c.Tools.GraphQueryLimit, "GRAPH_QUERY_LIMIT")
	setStr(&c.Tools.SearchAPIKey, "SEARCH_API_KEY")
	setStr(&c.Tools.SearchBaseURL, "SEARCH_BASE_URL")
	setFloat(&c.Memory.CommitThreshold, "COMMIT_THRESHOLD")
	setStr(&c.Server.Host, "API_HOST")
	setInt(&c.Server.Port, "API_PORT")
}

// Validate rejects configurations the orchestration loop cannot run with.
func (c *Config) Validate() error {
	if c.Agent.MaxRounds < 1 {
		return fmt.Errorf("agent.max_rounds must be >= 1, got %d", c.Agent.MaxRounds)
	}
	if c.Agent.Concurrency < 1 {
		return fmt.Errorf("agent.concurrency must be >= 1, got %d", c.Agent.Concurrency)
	}
	if c.Agent.MaxSteps < 1 {
		return fmt.Errorf("agent.max_steps must be >= 1, got %d", c.Agent.MaxSteps)
	}
	if c.Memory.CommitThreshold < 0 || c.Memory.CommitThreshold > 1 {
		return fmt.Errorf("memory.commit_threshold must be in [0,1], got %v", c.Memory.CommitThreshold)
	}
	if c.Tools.GraphQueryLimit < 1 {
		return fmt.Errorf("tools.graph_query_limit must be >= 1, got %d", c.Tools.GraphQueryLimit)
	}
	switch c.Storage.VectorBackend {
	case "sqlite", "qdrant":
	default:
		return fmt.Errorf("storage.vector_backend must be sqlite or qdrant, got %q", c.Storage.VectorBackend)
	}
	return nil
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

func setFloat(dst *float64, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return
	}
	*dst = f
}
