package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the configuration of the hub host.
type Config struct {
	PluginPaths    []string       `mapstructure:"plugin_paths"`
	LogLevel       string         `mapstructure:"log_level"`
	MetricsEnabled bool           `mapstructure:"metrics_enabled"`
	MetricsPort    int            `mapstructure:"metrics_port"`
	Concurrency    int            `mapstructure:"concurrency"`
	Wasm           WasmConfig     `mapstructure:"wasm"`
	Fetch          FetchConfig    `mapstructure:"fetch"`
	Chunking       ChunkingConfig `mapstructure:"chunking"`
	Language       LanguageConfig `mapstructure:"language"`
	Store          StoreConfig    `mapstructure:"store"`
	NATS           NATSConfig     `mapstructure:"nats"`
}

// WasmConfig holds Wasm runtime configuration.
type WasmConfig struct {
	// Memory limit per instance (in pages, 64KB each).
	MemoryPages uint32 `mapstructure:"memory_pages"`
	// Enable debug logging.
	Debug bool `mapstructure:"debug"`
	// Compilation cache directory.
	CacheDir string `mapstructure:"cache_dir"`
	// Maximum concurrent instances.
	MaxInstances int `mapstructure:"max_instances"`
	// on_create timeout (seconds).
	ExecutionTimeout int `mapstructure:"execution_timeout"`
}

// Timeout returns ExecutionTimeout as a duration.
func (w WasmConfig) Timeout() time.Duration {
	return time.Duration(w.ExecutionTimeout) * time.Second
}

// FetchConfig configures the fetch import.
type FetchConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	UserAgent    string        `mapstructure:"user_agent"`
	RateLimit    float64       `mapstructure:"rate_limit"`
	Burst        int           `mapstructure:"burst"`
	S3           S3Config      `mapstructure:"s3"`
}

// S3Config configures s3:// fetches.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Secure    bool   `mapstructure:"secure"`
	Region    string `mapstructure:"region"`
}

// ChunkingConfig configures the chunking imports.
type ChunkingConfig struct {
	Size    int `mapstructure:"size"`
	Overlap int `mapstructure:"overlap"`
}

// LanguageConfig configures the detect_language import.
type LanguageConfig struct {
	MinHits int `mapstructure:"min_hits"`
}

// StoreConfig configures the entry store.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig configures the entry event subscriber.
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
	Queue   string `mapstructure:"queue"`
}

// LoadConfig reads configPath (if set) over the defaults. Every key can be
// overridden from the environment as HUB_<KEY>, with dots written as
// underscores (HUB_WASM_MEMORY_PAGES).
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("plugin_paths", []string{"./plugins"})
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_enabled", false)
	v.SetDefault("metrics_port", 9090)
	v.SetDefault("concurrency", 4)

	// Wasm defaults
	v.SetDefault("wasm.memory_pages", 256) // 16MB
	v.SetDefault("wasm.debug", false)
	v.SetDefault("wasm.cache_dir", "./build/wasm-cache")
	v.SetDefault("wasm.max_instances", 100)
	v.SetDefault("wasm.execution_timeout", 30)

	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("fetch.user_agent", "hub-ingest/1.0")
	v.SetDefault("fetch.rate_limit", 0)
	v.SetDefault("fetch.burst", 1)
	v.SetDefault("fetch.s3.endpoint", "")
	v.SetDefault("fetch.s3.access_key", "")
	v.SetDefault("fetch.s3.secret_key", "")
	v.SetDefault("fetch.s3.secure", true)
	v.SetDefault("fetch.s3.region", "")

	v.SetDefault("chunking.size", 1000)
	v.SetDefault("chunking.overlap", 200)
	v.SetDefault("language.min_hits", 2)

	v.SetDefault("store.path", "./data/hub.db")

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.subject", "entries.created")
	v.SetDefault("nats.queue", "hub-ingest")

	v.SetEnvPrefix("HUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
