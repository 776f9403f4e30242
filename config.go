package graphquery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the graph query client and server.
type Config struct {
	// ContextDir is the directory containing the graph artifact tables
	// (nodes, entities, community_reports, text_units, relationships,
	// and optionally covariates).
	ContextDir string `json:"context_dir" yaml:"context_dir" toml:"context_dir"`

	// VectorStorePath is the sqlite database used for entity description
	// embeddings. ":memory:" keeps the store in-process.
	VectorStorePath string `json:"vector_store_path" yaml:"vector_store_path" toml:"vector_store_path"`

	// EncodingModel selects the tokenizer used for budget accounting and
	// embedding windows. Empty falls back to a word-count estimator.
	EncodingModel string `json:"encoding_model" yaml:"encoding_model" toml:"encoding_model"`

	// LLM endpoints.
	Chat      LLMConfig `json:"chat" yaml:"chat" toml:"chat"`
	Embedding LLMConfig `json:"embedding" yaml:"embedding" toml:"embedding"`

	Local  LocalSearchConfig  `json:"local" yaml:"local" toml:"local"`
	Global GlobalSearchConfig `json:"global" yaml:"global" toml:"global"`

	Server ServerConfig `json:"server" yaml:"server" toml:"server"`
}

// LLMConfig configures a single OpenAI-compatible endpoint.
type LLMConfig struct {
	Model          string  `json:"model" yaml:"model" toml:"model"`
	BaseURL        string  `json:"base_url" yaml:"base_url" toml:"base_url"`
	APIKey         string  `json:"api_key" yaml:"api_key" toml:"api_key"`
	TimeoutSeconds float64 `json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"`
	MaxRetries     int     `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
}

// Timeout returns the request timeout as a duration.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds * float64(time.Second))
}

// LocalSearchConfig holds the knobs for local (entity-neighborhood) search.
type LocalSearchConfig struct {
	CommunityLevel    int     `json:"community_level" yaml:"community_level" toml:"community_level"`
	MaxContextTokens  int     `json:"max_context_tokens" yaml:"max_context_tokens" toml:"max_context_tokens"`
	CommunityProp     float64 `json:"community_prop" yaml:"community_prop" toml:"community_prop"`
	TextUnitProp      float64 `json:"text_unit_prop" yaml:"text_unit_prop" toml:"text_unit_prop"`
	TopKEntities      int     `json:"top_k_entities" yaml:"top_k_entities" toml:"top_k_entities"`
	TopKRelationships int     `json:"top_k_relationships" yaml:"top_k_relationships" toml:"top_k_relationships"`
	HistoryMaxTurns   int     `json:"history_max_turns" yaml:"history_max_turns" toml:"history_max_turns"`
}

// GlobalSearchConfig holds the knobs for global (map-reduce) search.
type GlobalSearchConfig struct {
	CommunityLevel        int    `json:"community_level" yaml:"community_level" toml:"community_level"`
	BatchMaxTokens        int    `json:"batch_max_tokens" yaml:"batch_max_tokens" toml:"batch_max_tokens"`
	MaxDataTokens         int    `json:"max_data_tokens" yaml:"max_data_tokens" toml:"max_data_tokens"`
	Concurrency           int    `json:"concurrency" yaml:"concurrency" toml:"concurrency"`
	AllowGeneralKnowledge bool   `json:"allow_general_knowledge" yaml:"allow_general_knowledge" toml:"allow_general_knowledge"`
	NoDataAnswer          string `json:"no_data_answer" yaml:"no_data_answer" toml:"no_data_answer"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr           string   `json:"addr" yaml:"addr" toml:"addr"`
	Prefix         string   `json:"prefix" yaml:"prefix" toml:"prefix"`
	APIKeys        []string `json:"api_keys" yaml:"api_keys" toml:"api_keys"`
	CORSOrigins    string   `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	ClientIPHeader string   `json:"client_ip_header" yaml:"client_ip_header" toml:"client_ip_header"`
}

// DefaultConfig returns a Config with sensible defaults for hosted inference.
func DefaultConfig() Config {
	return Config{
		VectorStorePath: ":memory:",
		EncodingModel:   "cl100k_base",
		Chat: LLMConfig{
			Model:          "gpt-4o-mini",
			BaseURL:        "https://api.openai.com/v1",
			TimeoutSeconds: 30,
			MaxRetries:     3,
		},
		Embedding: LLMConfig{
			Model:          "text-embedding-3-small",
			BaseURL:        "https://api.openai.com/v1",
			TimeoutSeconds: 30,
			MaxRetries:     3,
		},
		Local: LocalSearchConfig{
			CommunityLevel:    2,
			MaxContextTokens:  8000,
			CommunityProp:     0.1,
			TextUnitProp:      0.5,
			TopKEntities:      10,
			TopKRelationships: 10,
			HistoryMaxTurns:   5,
		},
		Global: GlobalSearchConfig{
			CommunityLevel: 1,
			BatchMaxTokens: 8000,
			MaxDataTokens:  8000,
			Concurrency:    16,
			NoDataAnswer:   "I am sorry but I am unable to answer this question given the provided data.",
		},
		Server: ServerConfig{
			Addr:   ":8080",
			Prefix: "/api/v1",
		},
	}
}

// LoadConfig reads a config file, selecting the decoder by extension
// (.json, .yaml/.yml, .toml), applies environment overrides, and validates.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json":
			err = json.Unmarshal(data, &cfg)
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, &cfg)
		case ".toml":
			err = toml.Unmarshal(data, &cfg)
		default:
			err = fmt.Errorf("%w: unsupported config format %q", ErrInvalidConfig, filepath.Ext(path))
		}
		if err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// envPrefix is the namespace for environment overrides. Nested fields use
// a double underscore delimiter, e.g. GRAPH_RAG_OPENAI__CHAT__API_KEY.
const envPrefix = "GRAPH_RAG_OPENAI__"

// ApplyEnv overrides config fields from environment variables.
func (c *Config) ApplyEnv() {
	env := func(key string) string { return os.Getenv(envPrefix + key) }

	if v := env("CONTEXT_DIR"); v != "" {
		c.ContextDir = v
	}
	if v := env("VECTOR_STORE_PATH"); v != "" {
		c.VectorStorePath = v
	}
	if v := env("ENCODING_MODEL"); v != "" {
		c.EncodingModel = v
	}
	c.Chat.applyEnv("CHAT")
	c.Embedding.applyEnv("EMBEDDING")

	if v := env("API_KEYS"); v != "" {
		c.Server.APIKeys = splitNonEmpty(v, ",")
	}
	if v := env("ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := env("PREFIX"); v != "" {
		c.Server.Prefix = v
	}
	if v := env("CORS_ORIGINS"); v != "" {
		c.Server.CORSOrigins = v
	}
	if v := env("CLIENT_IP_HEADER"); v != "" {
		c.Server.ClientIPHeader = v
	}

	// Fallback to the conventional OpenAI variable for API keys.
	if c.Chat.APIKey == "" {
		c.Chat.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Embedding.APIKey == "" {
		c.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
	}
}

func (l *LLMConfig) applyEnv(section string) {
	env := func(key string) string { return os.Getenv(envPrefix + section + "__" + key) }

	if v := env("MODEL"); v != "" {
		l.Model = v
	}
	if v := env("BASE_URL"); v != "" {
		l.BaseURL = v
	}
	if v := env("API_KEY"); v != "" {
		l.APIKey = v
	}
	if v := env("TIMEOUT_SECONDS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			l.TimeoutSeconds = f
		}
	}
	if v := env("MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			l.MaxRetries = n
		}
	}
}

// Validate checks configuration bounds.
func (c *Config) Validate() error {
	for _, l := range []struct {
		name string
		cfg  LLMConfig
	}{{"chat", c.Chat}, {"embedding", c.Embedding}} {
		if l.cfg.TimeoutSeconds <= 0 || l.cfg.TimeoutSeconds >= 60 {
			return fmt.Errorf("%w: %s timeout must be in (0, 60) seconds, got %v",
				ErrInvalidConfig, l.name, l.cfg.TimeoutSeconds)
		}
		if l.cfg.MaxRetries < 0 || l.cfg.MaxRetries > 10 {
			return fmt.Errorf("%w: %s max_retries must be in [0, 10], got %d",
				ErrInvalidConfig, l.name, l.cfg.MaxRetries)
		}
	}
	if c.Local.CommunityProp < 0 || c.Local.TextUnitProp < 0 ||
		c.Local.CommunityProp+c.Local.TextUnitProp > 1 {
		return fmt.Errorf("%w: community_prop + text_unit_prop must not exceed 1",
			ErrInvalidConfig)
	}
	if c.Global.Concurrency < 1 {
		return fmt.Errorf("%w: global concurrency must be at least 1", ErrInvalidConfig)
	}
	return nil
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
