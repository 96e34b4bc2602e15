package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/xxxsen/common/logger"
)

type Config struct {
	Port        int               `json:"port"`
	LogConfig   logger.LogConfig  `json:"log_config"`
	Database    DatabaseConfig    `json:"database"`
	Embedding   EmbeddingConfig   `json:"embedding"`
	VectorStore VectorStoreConfig `json:"vector_store"`
	FileStore   FileStoreConfig   `json:"file_store"`
	Jobs        JobsConfig        `json:"jobs"`
	CORSAllow   []string          `json:"cors_allow"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	SSLMode  string `json:"ssl_mode"`
}

type ProviderRef struct {
	Provider string      `json:"provider"`
	Data     interface{} `json:"data"`
}

type EmbeddingConfig struct {
	Provider        string        `json:"provider"`
	Data            interface{}   `json:"data"`
	Fallbacks       []ProviderRef `json:"fallbacks"`
	Model           string        `json:"model"`
	Dimension       int           `json:"dimension"`
	MaxRetries      int           `json:"max_retries"`
	MaxInputChars   int           `json:"max_input_chars"`
	MinTextLen      int           `json:"min_text_len"`
	MaxBatchSize    int           `json:"max_batch_size"`
	CacheTTLHours   int           `json:"cache_ttl_hours"`
	CacheMaxEntries int           `json:"cache_max_entries"`
	DisableCache    bool          `json:"disable_cache"`
	PersistentCache bool          `json:"persistent_cache"`
}

type VectorStoreConfig struct {
	Host           string `json:"host"`
	APIKey         string `json:"api_key"`
	Namespace      string `json:"namespace"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type FileStoreConfig struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type JobsConfig struct {
	ResyncSpec       string `json:"resync_spec"`
	ResyncBatch      int    `json:"resync_batch"`
	CacheCleanupSpec string `json:"cache_cleanup_spec"`
	CacheMaxAgeDays  int    `json:"cache_max_age_days"`
}

// Load reads and validates the config file. Anything the process cannot
// run without fails here, before any network listener starts.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Port == 0 {
		return nil, fmt.Errorf("port is required")
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.Database.DSN == "" && (cfg.Database.Host == "" || cfg.Database.DBName == "") {
		return nil, fmt.Errorf("database.dsn or database.host/db_name is required")
	}
	if err := validateEmbedding(&cfg.Embedding); err != nil {
		return nil, err
	}
	if cfg.VectorStore.Host == "" {
		return nil, fmt.Errorf("vector_store.host is required")
	}
	if cfg.VectorStore.APIKey == "" {
		return nil, fmt.Errorf("vector_store.api_key is required")
	}
	if cfg.FileStore.Type == "" {
		cfg.FileStore.Type = "local"
	}
	if cfg.Jobs.ResyncSpec == "" {
		cfg.Jobs.ResyncSpec = "*/10 * * * *"
	}
	if cfg.Jobs.CacheCleanupSpec == "" {
		cfg.Jobs.CacheCleanupSpec = "30 3 * * *"
	}
	if cfg.Jobs.CacheMaxAgeDays <= 0 {
		cfg.Jobs.CacheMaxAgeDays = 30
	}
	return &cfg, nil
}

func validateEmbedding(cfg *EmbeddingConfig) error {
	if cfg.Provider == "" {
		return fmt.Errorf("embedding.provider is required")
	}
	if cfg.Model == "" {
		return fmt.Errorf("embedding.model is required")
	}
	if cfg.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive")
	}
	for i, ref := range cfg.Fallbacks {
		if ref.Provider == "" {
			return fmt.Errorf("embedding.fallbacks[%d].provider is required", i)
		}
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MaxInputChars == 0 {
		cfg.MaxInputChars = 8000
	}
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = 20
	}
	if cfg.CacheTTLHours == 0 {
		cfg.CacheTTLHours = 24
	}
	if cfg.CacheMaxEntries == 0 {
		cfg.CacheMaxEntries = 1000
	}
	return nil
}
