package goktas

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/bbiangul/go-ktas/llm"
)

// Config holds all configuration for the KTAS engine.
type Config struct {
	// DeckPath is the guideline deck (.pptx, .xlsx or .pdf). Only needed
	// when the index has to be built.
	DeckPath string `json:"deck_path" yaml:"deck_path" mapstructure:"deck_path"`

	// IndexDir holds index.db. An existing directory is reused as is.
	IndexDir string `json:"index_dir" yaml:"index_dir" mapstructure:"index_dir"`

	// BackupPath is where extraction writes the JSON snapshot of the
	// records. Empty disables the backup.
	BackupPath string `json:"backup_path" yaml:"backup_path" mapstructure:"backup_path"`

	// PediatricStartSlide is the first 1-based slide of the pediatric
	// section. 0 classifies every slide as adult.
	PediatricStartSlide int  `json:"pediatric_start_slide" yaml:"pediatric_start_slide" mapstructure:"pediatric_start_slide"`
	ResetPerSlide       bool `json:"reset_per_slide" yaml:"reset_per_slide" mapstructure:"reset_per_slide"`
	// NormalizeUnicode composes row text to NFC. Off keeps descriptions
	// exactly as they appear in the deck.
	NormalizeUnicode bool `json:"normalize_unicode" yaml:"normalize_unicode" mapstructure:"normalize_unicode"`

	// LLM providers
	Chat      LLMConfig `json:"chat" yaml:"chat" mapstructure:"chat"`
	Embedding LLMConfig `json:"embedding" yaml:"embedding" mapstructure:"embedding"`

	// Embedding dimensions (must match model)
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim" mapstructure:"embedding_dim"`

	// Retrieval
	K                int     `json:"k" yaml:"k" mapstructure:"k"`
	FetchK           int     `json:"fetch_k" yaml:"fetch_k" mapstructure:"fetch_k"`
	MMRLambda        float64 `json:"mmr_lambda" yaml:"mmr_lambda" mapstructure:"mmr_lambda"`
	WeightVector     float64 `json:"weight_vector" yaml:"weight_vector" mapstructure:"weight_vector"`
	WeightFTS        float64 `json:"weight_fts" yaml:"weight_fts" mapstructure:"weight_fts"`
	EmbedBatchSize   int     `json:"embed_batch_size" yaml:"embed_batch_size" mapstructure:"embed_batch_size"`
	EmbedConcurrency int     `json:"embed_concurrency" yaml:"embed_concurrency" mapstructure:"embed_concurrency"`

	// Advisory
	MaxRounds   int     `json:"max_rounds" yaml:"max_rounds" mapstructure:"max_rounds"`
	Temperature float64 `json:"temperature" yaml:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens" mapstructure:"max_tokens"`

	// RequestTimeout bounds every embedding and chat call.
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout" mapstructure:"request_timeout"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider" mapstructure:"provider"` // upstage, openai, ollama, custom
	Model    string `json:"model" yaml:"model" mapstructure:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key" mapstructure:"api_key"`
}

func (c LLMConfig) provider() llm.Config {
	return llm.Config{Provider: c.Provider, Model: c.Model, BaseURL: c.BaseURL, APIKey: c.APIKey}
}

// Default file locations.
const (
	DefaultIndexDir   = "./ktas_index"
	DefaultBackupPath = "의학코드_추출결과.json"
	indexFile         = "index.db"
)

// DefaultConfig returns a Config for the Upstage Solar API.
func DefaultConfig() Config {
	return Config{
		IndexDir:            DefaultIndexDir,
		BackupPath:          DefaultBackupPath,
		PediatricStartSlide: 192,
		Chat: LLMConfig{
			Provider: "upstage",
			Model:    llm.UpstageChatModel,
		},
		Embedding: LLMConfig{
			Provider: "upstage",
			Model:    llm.UpstageEmbeddingModel,
		},
		EmbeddingDim:     llm.UpstageEmbeddingDim,
		K:                3,
		FetchK:           20,
		MMRLambda:        0.5,
		WeightVector:     1.0,
		WeightFTS:        1.0,
		EmbedBatchSize:   32,
		EmbedConcurrency: 4,
		MaxRounds:        2,
		Temperature:      0,
		RequestTimeout:   60 * time.Second,
	}
}

// Validate reports the first invalid setting, wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	switch {
	case c.IndexDir == "":
		return fmt.Errorf("%w: index_dir is empty", ErrInvalidConfig)
	case c.PediatricStartSlide < 0:
		return fmt.Errorf("%w: pediatric_start_slide must be >= 0, got %d", ErrInvalidConfig, c.PediatricStartSlide)
	case c.Chat.Provider == "":
		return fmt.Errorf("%w: chat.provider is empty", ErrInvalidConfig)
	case c.Embedding.Provider == "":
		return fmt.Errorf("%w: embedding.provider is empty", ErrInvalidConfig)
	case c.EmbeddingDim <= 0:
		return fmt.Errorf("%w: embedding_dim must be positive, got %d", ErrInvalidConfig, c.EmbeddingDim)
	case c.K <= 0:
		return fmt.Errorf("%w: k must be positive, got %d", ErrInvalidConfig, c.K)
	case c.FetchK < c.K:
		return fmt.Errorf("%w: fetch_k (%d) must be >= k (%d)", ErrInvalidConfig, c.FetchK, c.K)
	case c.MMRLambda <= 0 || c.MMRLambda > 1:
		return fmt.Errorf("%w: mmr_lambda must be in (0, 1], got %g", ErrInvalidConfig, c.MMRLambda)
	case c.EmbedBatchSize <= 0:
		return fmt.Errorf("%w: embed_batch_size must be positive, got %d", ErrInvalidConfig, c.EmbedBatchSize)
	case c.RequestTimeout <= 0:
		return fmt.Errorf("%w: request_timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

func (c Config) indexPath() string {
	return filepath.Join(c.IndexDir, indexFile)
}

// LoadConfig builds a Config from defaults, the optional file at path
// (yaml, json or toml), KTAS_* environment variables and a .env file in the
// working directory. Nested keys use underscores in the environment, e.g.
// KTAS_CHAT_API_KEY. When a provider has no API key, UPSTAGE_API_KEY or
// OPENAI_API_KEY is used for upstage and openai respectively.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("%w: reading %s: %w", ErrInvalidConfig, path, err)
		}
	}

	v.SetEnvPrefix("KTAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	// Try reading .env, but don't fail if missing
	dotenv := viper.New()
	dotenv.SetConfigFile(".env")
	dotenv.SetConfigType("env")
	_ = dotenv.ReadInConfig()
	dotenv.AutomaticEnv()

	cfg.Chat.APIKey = providerKey(dotenv, cfg.Chat)
	cfg.Embedding.APIKey = providerKey(dotenv, cfg.Embedding)

	return cfg, cfg.Validate()
}

func providerKey(env *viper.Viper, c LLMConfig) string {
	if c.APIKey != "" {
		return c.APIKey
	}
	switch c.Provider {
	case "upstage":
		return env.GetString("UPSTAGE_API_KEY")
	case "openai":
		return env.GetString("OPENAI_API_KEY")
	}
	return ""
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("deck_path", d.DeckPath)
	v.SetDefault("index_dir", d.IndexDir)
	v.SetDefault("backup_path", d.BackupPath)
	v.SetDefault("pediatric_start_slide", d.PediatricStartSlide)
	v.SetDefault("reset_per_slide", d.ResetPerSlide)
	v.SetDefault("normalize_unicode", d.NormalizeUnicode)
	for prefix, c := range map[string]LLMConfig{"chat": d.Chat, "embedding": d.Embedding} {
		v.SetDefault(prefix+".provider", c.Provider)
		v.SetDefault(prefix+".model", c.Model)
		v.SetDefault(prefix+".base_url", c.BaseURL)
		v.SetDefault(prefix+".api_key", c.APIKey)
	}
	v.SetDefault("embedding_dim", d.EmbeddingDim)
	v.SetDefault("k", d.K)
	v.SetDefault("fetch_k", d.FetchK)
	v.SetDefault("mmr_lambda", d.MMRLambda)
	v.SetDefault("weight_vector", d.WeightVector)
	v.SetDefault("weight_fts", d.WeightFTS)
	v.SetDefault("embed_batch_size", d.EmbedBatchSize)
	v.SetDefault("embed_concurrency", d.EmbedConcurrency)
	v.SetDefault("max_rounds", d.MaxRounds)
	v.SetDefault("temperature", d.Temperature)
	v.SetDefault("max_tokens", d.MaxTokens)
	v.SetDefault("request_timeout", d.RequestTimeout)
}

// fileExists reports whether path names an existing file or directory.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
