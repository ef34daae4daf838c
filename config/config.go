package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	ConfigDirName       = ".quarry"
	ConfigFileName      = "config.yaml"
	DatabaseFileName    = "quarry.db"
	VectorIndexFileName = "vectors.gob"
)

type Config struct {
	Version  int            `yaml:"version"`
	Embedder EmbedderConfig `yaml:"embedder"`
	Store    StoreConfig    `yaml:"store"`
	Indexing IndexingConfig `yaml:"indexing"`
	Watch    WatchConfig    `yaml:"watch"`
	Outbox   OutboxConfig   `yaml:"outbox"`
	Search   SearchConfig   `yaml:"search"`
	Ignore   []string       `yaml:"ignore"`
}

type EmbedderConfig struct {
	Provider   string `yaml:"provider"` // hash | openai
	Model      string `yaml:"model,omitempty"`
	Endpoint   string `yaml:"endpoint,omitempty"`
	APIKey     string `yaml:"api_key,omitempty"`
	Dimensions *int   `yaml:"dimensions,omitempty"`
}

// GetDimensions returns the configured dimensions or the provider default.
func (e *EmbedderConfig) GetDimensions() int {
	if e.Dimensions != nil {
		return *e.Dimensions
	}
	switch e.Provider {
	case "openai":
		return 1536
	default:
		return 256
	}
}

type StoreConfig struct {
	Backend  string         `yaml:"backend"` // gob | qdrant | postgres
	Qdrant   QdrantConfig   `yaml:"qdrant,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

type QdrantConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port,omitempty"`
	APIKey string `yaml:"api_key,omitempty"`
	UseTLS bool   `yaml:"use_tls,omitempty"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type IndexingConfig struct {
	VectorBatchSize  int `yaml:"vector_batch_size"`  // vectors per flush
	MaxFileSizeMB    int `yaml:"max_file_size_mb"`   // extraction ceiling
	ProgressInterval int `yaml:"progress_interval"`  // persist job every N files
	ChunkLines       int `yaml:"chunk_lines"`        // lines per chunk
	ChunkOverlap     int `yaml:"chunk_overlap"`      // overlapping lines
}

type WatchConfig struct {
	DebounceMs           int   `yaml:"debounce_ms"`
	MaxConcurrentBatches int64 `yaml:"max_concurrent_batches"`
	RestartDelayMs       int   `yaml:"restart_delay_ms"`
}

type OutboxConfig struct {
	PollIntervalMs int `yaml:"poll_interval_ms"`
	MaxRetries     int `yaml:"max_retries"`
	BatchSize      int `yaml:"batch_size"`
}

type SearchConfig struct {
	BlendWeight float32 `yaml:"blend_weight"` // 0 = keyword, 1 = semantic
	Limit       int     `yaml:"limit"`
}

func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Embedder: EmbedderConfig{
			Provider: "hash",
		},
		Store: StoreConfig{
			Backend: "gob",
		},
		Indexing: IndexingConfig{
			VectorBatchSize:  100,
			MaxFileSizeMB:    50,
			ProgressInterval: 10,
			ChunkLines:       120,
			ChunkOverlap:     20,
		},
		Watch: WatchConfig{
			DebounceMs:           2000,
			MaxConcurrentBatches: 3,
			RestartDelayMs:       5000,
		},
		Outbox: OutboxConfig{
			PollIntervalMs: 5000,
			MaxRetries:     5,
			BatchSize:      50,
		},
		Search: SearchConfig{
			BlendWeight: 0.7,
			Limit:       10,
		},
		Ignore: []string{
			".git",
			".quarry",
			"node_modules",
			"vendor",
			"bin",
			"obj",
			"dist",
			"build",
			"out",
			"target",
			"__pycache__",
			".venv",
			"venv",
			".idea",
			".vscode",
			".cache",
			"coverage",
			"tmp",
		},
	}
}

// HomeDir returns the quarry state directory, honoring QUARRY_HOME.
func HomeDir() (string, error) {
	if dir := os.Getenv("QUARRY_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ConfigDirName), nil
}

func GetConfigPath(homeDir string) string {
	return filepath.Join(homeDir, ConfigFileName)
}

func GetDatabasePath(homeDir string) string {
	return filepath.Join(homeDir, DatabaseFileName)
}

func GetVectorIndexPath(homeDir string) string {
	return filepath.Join(homeDir, VectorIndexFileName)
}

// Load reads the config from homeDir, creating a default one on first use.
func Load(homeDir string) (*Config, error) {
	configPath := GetConfigPath(homeDir)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			if err := cfg.Save(homeDir); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills in missing values so older config files keep working.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.Embedder.Provider == "" {
		c.Embedder.Provider = defaults.Embedder.Provider
	}
	if c.Embedder.Provider == "openai" && c.Embedder.Endpoint == "" {
		c.Embedder.Endpoint = "https://api.openai.com/v1"
	}

	if c.Store.Backend == "" {
		c.Store.Backend = defaults.Store.Backend
	}
	if c.Store.Backend == "qdrant" && c.Store.Qdrant.Port <= 0 {
		c.Store.Qdrant.Port = 6334
	}

	if c.Indexing.VectorBatchSize <= 0 {
		c.Indexing.VectorBatchSize = defaults.Indexing.VectorBatchSize
	}
	if c.Indexing.MaxFileSizeMB <= 0 {
		c.Indexing.MaxFileSizeMB = defaults.Indexing.MaxFileSizeMB
	}
	if c.Indexing.ProgressInterval <= 0 {
		c.Indexing.ProgressInterval = defaults.Indexing.ProgressInterval
	}
	if c.Indexing.ChunkLines <= 0 {
		c.Indexing.ChunkLines = defaults.Indexing.ChunkLines
	}
	if c.Indexing.ChunkOverlap < 0 {
		c.Indexing.ChunkOverlap = defaults.Indexing.ChunkOverlap
	}

	if c.Watch.DebounceMs <= 0 {
		c.Watch.DebounceMs = defaults.Watch.DebounceMs
	}
	if c.Watch.MaxConcurrentBatches <= 0 {
		c.Watch.MaxConcurrentBatches = defaults.Watch.MaxConcurrentBatches
	}
	if c.Watch.RestartDelayMs <= 0 {
		c.Watch.RestartDelayMs = defaults.Watch.RestartDelayMs
	}

	if c.Outbox.PollIntervalMs <= 0 {
		c.Outbox.PollIntervalMs = defaults.Outbox.PollIntervalMs
	}
	if c.Outbox.MaxRetries <= 0 {
		c.Outbox.MaxRetries = defaults.Outbox.MaxRetries
	}
	if c.Outbox.BatchSize <= 0 {
		c.Outbox.BatchSize = defaults.Outbox.BatchSize
	}

	if c.Search.BlendWeight <= 0 || c.Search.BlendWeight > 1 {
		c.Search.BlendWeight = defaults.Search.BlendWeight
	}
	if c.Search.Limit <= 0 {
		c.Search.Limit = defaults.Search.Limit
	}

	if len(c.Ignore) == 0 {
		c.Ignore = defaults.Ignore
	}
}

func (c *Config) Save(homeDir string) error {
	if err := os.MkdirAll(homeDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(GetConfigPath(homeDir), data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
