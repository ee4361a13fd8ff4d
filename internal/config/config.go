package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
//
// Sources, highest priority first: environment variables (VERIMEM_*, with
// OPENAI_API_KEY as a fallback for the API key), config file
// (~/.verimem/config.yaml unless overridden), built-in defaults.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	WebSearch WebSearchConfig `mapstructure:"websearch"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Addr  string `mapstructure:"addr"`
	Token string `mapstructure:"token"`
}

type OpenAIConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	ChatModel      string        `mapstructure:"chat_model"`
	EmbedModel     string        `mapstructure:"embed_model"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type MemoryConfig struct {
	DataDir        string  `mapstructure:"data_dir"`
	DedupThreshold float64 `mapstructure:"dedup_threshold"`
}

type WebSearchConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

type PipelineConfig struct {
	TopK          int `mapstructure:"top_k"`
	MinEvidence   int `mapstructure:"min_evidence"`
	MaxWebResults int `mapstructure:"max_web_results"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text or json
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":4100")
	v.SetDefault("server.token", "")

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.chat_model", "gpt-4o-mini")
	v.SetDefault("openai.embed_model", "text-embedding-3-small")
	v.SetDefault("openai.request_timeout", 30*time.Second)

	v.SetDefault("memory.data_dir", defaultDataDir())
	v.SetDefault("memory.dedup_threshold", 0.92)

	v.SetDefault("websearch.enabled", true)
	v.SetDefault("websearch.requests_per_second", 1.0)
	v.SetDefault("websearch.cache_ttl", 15*time.Minute)
	v.SetDefault("websearch.timeout", 10*time.Second)

	v.SetDefault("pipeline.top_k", 5)
	v.SetDefault("pipeline.min_evidence", 2)
	v.SetDefault("pipeline.max_web_results", 5)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".verimem"
	}
	return filepath.Join(home, ".verimem")
}

// Load reads configuration. path names an explicit config file; empty path
// searches ~/.verimem/config.yaml and tolerates its absence.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		home, _ := os.UserHomeDir()
		v.AddConfigPath(filepath.Join(home, ".verimem"))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("VERIMEM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			if path != "" {
				return Config{}, fmt.Errorf("reading config %s: %w", path, err)
			}
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.OpenAI.APIKey == "" {
		return errors.New("missing required config: OpenAI API key. " +
			"Set OPENAI_API_KEY or VERIMEM_OPENAI_API_KEY, or openai.api_key in the config file")
	}
	if c.Memory.DedupThreshold <= 0 || c.Memory.DedupThreshold > 1 {
		return fmt.Errorf("memory.dedup_threshold must be in (0, 1], got %v", c.Memory.DedupThreshold)
	}
	if c.Pipeline.TopK <= 0 {
		return fmt.Errorf("pipeline.top_k must be positive, got %d", c.Pipeline.TopK)
	}
	return nil
}
