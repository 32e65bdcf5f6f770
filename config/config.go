package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the question-answering system
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Corpus    CorpusConfig    `mapstructure:"corpus"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Scoring   ScoringConfig   `mapstructure:"scoring"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug             bool          `mapstructure:"debug"`
	LogLevel          string        `mapstructure:"log_level"`
	MaxProcessingTime time.Duration `mapstructure:"max_processing_time"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // openai, local, etc.
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model to use for different tasks
type LLMRoutingConfig struct {
	Planning   string `mapstructure:"planning"`   // query decomposition
	Specialist string `mapstructure:"specialist"` // specialist agent calls
	Synthesis  string `mapstructure:"synthesis"`  // final answer synthesis
	Judge      string `mapstructure:"judge"`      // rerank + NSS category judging
	Embedding  string `mapstructure:"embedding"`  // query embedding model
	Fallback   string `mapstructure:"fallback"`   // fallback model
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	LogFile      string `mapstructure:"log_file"`
	CostTracking bool   `mapstructure:"cost_tracking"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// CorpusConfig locates the prebuilt evidence store artifacts.
type CorpusConfig struct {
	PassagesPath   string `mapstructure:"passages_path"`   // passage metadata table (JSON)
	EmbeddingsPath string `mapstructure:"embeddings_path"` // precomputed embedding vectors (JSON)
	Dimensions     int    `mapstructure:"dimensions"`
}

func (c CorpusConfig) Validate() error {
	if strings.TrimSpace(c.PassagesPath) == "" {
		return fmt.Errorf("corpus.passages_path required")
	}
	if strings.TrimSpace(c.EmbeddingsPath) == "" {
		return fmt.Errorf("corpus.embeddings_path required")
	}
	return nil
}

// RetrievalConfig tunes the hybrid retriever.
type RetrievalConfig struct {
	VectorTopK    int     `mapstructure:"vector_top_k"`   // K1: vector candidates per subquery
	LexicalTopK   int     `mapstructure:"lexical_top_k"`  // K2: lexical candidates per subquery
	FusionAlpha   float64 `mapstructure:"fusion_alpha"`   // convex weight on the vector score
	TopK          int     `mapstructure:"top_k"`          // final evidence items per subquery
	RerankEnabled bool    `mapstructure:"rerank_enabled"` // LLM judge second pass
	RerankTopM    int     `mapstructure:"rerank_top_m"`   // fused candidates sent to the judge
}

func (r RetrievalConfig) Validate() error {
	if r.FusionAlpha <= 0 || r.FusionAlpha >= 1 {
		return fmt.Errorf("retrieval.fusion_alpha must be in (0,1)")
	}
	if r.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be > 0")
	}
	return nil
}

// AgentsConfig contains specialist agent settings
type AgentsConfig struct {
	MaxConcurrentLLMCalls int           `mapstructure:"max_concurrent_llm_calls"`
	AgentTimeout          time.Duration `mapstructure:"agent_timeout"`
	EvidenceLines         int           `mapstructure:"evidence_lines"` // evidence lines per specialist prompt
}

// ScoringConfig tunes the NSS scoring engine.
type ScoringConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	JudgeTimeout time.Duration `mapstructure:"judge_timeout"`
}

// StorageConfig contains answer-log persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN assembles a connection string from discrete fields when url is unset.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("general.max_processing_time", "5m")
	viper.SetDefault("general.default_timeout", "60s")
	viper.SetDefault("server.address", ":10002")
	viper.SetDefault("retrieval.vector_top_k", 40)
	viper.SetDefault("retrieval.lexical_top_k", 40)
	viper.SetDefault("retrieval.fusion_alpha", 0.35)
	viper.SetDefault("retrieval.top_k", 15)
	viper.SetDefault("retrieval.rerank_enabled", true)
	viper.SetDefault("retrieval.rerank_top_m", 20)
	viper.SetDefault("agents.max_concurrent_llm_calls", 4)
	viper.SetDefault("agents.agent_timeout", "45s")
	viper.SetDefault("agents.evidence_lines", 12)
	viper.SetDefault("scoring.enabled", true)
	viper.SetDefault("scoring.judge_timeout", "30s")
	viper.SetDefault("llm.routing.embedding", "text-embedding-3-small")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("COSINE")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Telemetry.Validate(); err != nil {
		panic(err)
	}
	if err := config.Corpus.Validate(); err != nil {
		panic(err)
	}
	if err := config.Retrieval.Validate(); err != nil {
		panic(err)
	}
	return &config
}
