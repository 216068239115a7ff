package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config contains the complete configuration for an Engram engine.
//
// It includes settings for:
//   - LLM provider (memory extraction and merge summarization)
//   - Storage backend (turn and record persistence)
//   - Operating modes (conscious and/or auto)
//   - Agent tunables (optional, zero values use defaults)
//
// Example:
//
//	config := &core.Config{
//	    LLM: core.LLMConfig{
//	        Provider: "openai",
//	        APIKey:   "sk-...",
//	        Model:    "gpt-4o-mini",
//	    },
//	    Storage: core.StorageConfig{
//	        Provider: "sqlite",
//	        Config: map[string]interface{}{
//	            "db_path": "./engram.db",
//	        },
//	    },
//	    Modes: core.ModesConfig{Conscious: true, Auto: true},
//	}
type Config struct {
	// LLM contains LLM provider configuration.
	LLM LLMConfig `json:"llm"`

	// Storage contains storage backend configuration.
	Storage StorageConfig `json:"storage"`

	// Modes selects the operating modes for context assembly.
	Modes ModesConfig `json:"modes"`

	// Ingest contains ingestion pipeline tunables (optional).
	Ingest *IngestConfig `json:"ingest,omitempty"`

	// Conscious contains consolidation tunables (optional).
	Conscious *ConsciousConfig `json:"conscious,omitempty"`

	// Retrieval contains retrieval tunables (optional).
	Retrieval *RetrievalConfig `json:"retrieval,omitempty"`

	// ContextTokenBudget caps the assembled context block size in estimated
	// tokens. Zero uses the default (600).
	ContextTokenBudget int `json:"context_token_budget,omitempty"`
}

// LLMConfig contains configuration for the LLM provider.
//
// Any OpenAI-compatible endpoint works through the BaseURL override.
type LLMConfig struct {
	// Provider is the LLM provider name (currently "openai" or any
	// OpenAI-compatible endpoint via BaseURL).
	Provider string `json:"provider"`

	// APIKey is the API key for the LLM provider.
	APIKey string `json:"api_key"`

	// Model is the model name to use (e.g., "gpt-4o-mini").
	Model string `json:"model"`

	// BaseURL is the base URL for the API (optional, uses provider default if empty).
	BaseURL string `json:"base_url,omitempty"`
}

// StorageConfig contains configuration for the storage backend.
//
// Supported providers: sqlite, postgres, mysql
//
// Example:
//
//	storeConfig := core.StorageConfig{
//	    Provider: "sqlite",
//	    Config: map[string]interface{}{
//	        "db_path": "./engram.db",
//	    },
//	}
type StorageConfig struct {
	// Provider is the storage backend name (sqlite, postgres, mysql).
	Provider string `json:"provider"`

	// Config contains provider-specific configuration.
	// For SQLite: db_path, disable_fts
	// For PostgreSQL: host, port, user, password, db_name, ssl_mode
	// For MySQL: host, port, user, password, db_name
	Config map[string]interface{} `json:"config"`
}

// ModesConfig selects which memory modes feed context assembly.
//
// Conscious mode injects the consolidated essential set once per session.
// Auto mode retrieves query-relevant memories on every context build. Both
// modes off yields empty context blocks; ingestion still runs.
type ModesConfig struct {
	// Conscious enables one-shot essential set injection per session.
	Conscious bool `json:"conscious"`

	// Auto enables per-query retrieval.
	Auto bool `json:"auto"`
}

// IngestConfig contains tunables for the asynchronous ingestion pipeline.
type IngestConfig struct {
	// Workers is the number of extraction workers. Zero uses the default (2).
	Workers int `json:"workers,omitempty"`

	// QueueSize is the extraction queue capacity. Zero uses the default (64).
	QueueSize int `json:"queue_size,omitempty"`

	// MaxAttempts bounds retries for transient extraction failures.
	// Zero uses the default (5).
	MaxAttempts int `json:"max_attempts,omitempty"`
}

// ConsciousConfig contains tunables for the conscious agent.
type ConsciousConfig struct {
	// Interval between background consolidation cycles. Zero uses 6h.
	Interval time.Duration `json:"interval,omitempty"`

	// WorkingTokenBudget caps the published essential set. Zero uses 200.
	WorkingTokenBudget int `json:"working_token_budget,omitempty"`

	// PromoteAfterHits is the access count that promotes a short-term
	// record to long-term. Zero uses 3.
	PromoteAfterHits int `json:"promote_after_hits,omitempty"`
}

// RetrievalConfig contains tunables for the retrieval agent.
type RetrievalConfig struct {
	// DefaultLimit is the result count when the caller passes zero. Zero uses 5.
	DefaultLimit int `json:"default_limit,omitempty"`

	// Timeout bounds a single search; on deadline partial results are
	// returned. Zero uses 800ms.
	Timeout time.Duration `json:"timeout,omitempty"`

	// RecencyHalfLife is the age at which the recency signal halves.
	// Zero uses 72h.
	RecencyHalfLife time.Duration `json:"recency_half_life,omitempty"`
}

// LoadConfigFromEnv loads configuration from environment variables.
//
// The function:
//  1. Searches for .env or .env.example files (up to 5 directory levels up)
//  2. Loads environment variables from the found file
//  3. Parses environment variables into a Config struct
//
// Supported environment variables:
//   - DATABASE_PROVIDER (sqlite, postgres, mysql)
//   - SQLITE_PATH, SQLITE_DISABLE_FTS
//   - POSTGRES_HOST, POSTGRES_PORT, POSTGRES_USER, POSTGRES_PASSWORD, etc.
//   - MYSQL_HOST, MYSQL_PORT, MYSQL_USER, MYSQL_PASSWORD, MYSQL_DATABASE
//   - LLM_PROVIDER, LLM_API_KEY, LLM_MODEL, LLM_BASE_URL
//   - CONSCIOUS_MODE, AUTO_MODE ("true" to enable)
//
// Returns a Config instance, or an error if loading fails.
//
// Example:
//
//	config, err := core.LoadConfigFromEnv()
//	if err != nil {
//	    log.Fatal(err)
//	}
func LoadConfigFromEnv() (*Config, error) {
	envPath, found := FindEnvFile()
	if found {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	provider := getEnvOrDefault("DATABASE_PROVIDER", "sqlite")

	storageConfig := make(map[string]interface{})
	switch provider {
	case "sqlite":
		storageConfig = map[string]interface{}{
			"db_path":     getEnvOrDefault("SQLITE_PATH", "./engram.db"),
			"disable_fts": os.Getenv("SQLITE_DISABLE_FTS") == "true",
		}
	case "postgres":
		port, _ := strconv.Atoi(getEnvOrDefault("POSTGRES_PORT", "5432"))
		storageConfig = map[string]interface{}{
			"host":     getEnvOrDefault("POSTGRES_HOST", "localhost"),
			"port":     port,
			"user":     getEnvOrDefault("POSTGRES_USER", "postgres"),
			"password": os.Getenv("POSTGRES_PASSWORD"),
			"db_name":  getEnvOrDefault("POSTGRES_DATABASE", "engram"),
			"ssl_mode": getEnvOrDefault("POSTGRES_SSLMODE", "disable"),
		}
	case "mysql":
		port, _ := strconv.Atoi(getEnvOrDefault("MYSQL_PORT", "3306"))
		storageConfig = map[string]interface{}{
			"host":     getEnvOrDefault("MYSQL_HOST", "127.0.0.1"),
			"port":     port,
			"user":     getEnvOrDefault("MYSQL_USER", "root"),
			"password": os.Getenv("MYSQL_PASSWORD"),
			"db_name":  getEnvOrDefault("MYSQL_DATABASE", "engram"),
		}
	}

	config := &Config{
		LLM: LLMConfig{
			Provider: getEnvOrDefault("LLM_PROVIDER", "openai"),
			APIKey:   os.Getenv("LLM_API_KEY"),
			Model:    getEnvOrDefault("LLM_MODEL", "gpt-4o-mini"),
			BaseURL:  os.Getenv("LLM_BASE_URL"),
		},
		Storage: StorageConfig{
			Provider: provider,
			Config:   storageConfig,
		},
		Modes: ModesConfig{
			Conscious: getEnvOrDefault("CONSCIOUS_MODE", "true") == "true",
			Auto:      getEnvOrDefault("AUTO_MODE", "true") == "true",
		},
	}
	return config, nil
}

// LoadConfigFromEnvFile loads configuration from a specific .env file.
//
// Parameters:
//   - envPath: Path to the .env file
//
// Returns a Config instance, or an error if loading fails.
func LoadConfigFromEnvFile(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	return LoadConfigFromEnv()
}

// LoadConfigFromJSON loads configuration from a JSON file.
//
// Parameters:
//   - path: Path to the JSON configuration file
//
// Returns a Config instance, or an error if loading or parsing fails.
func LoadConfigFromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewMemoryError("LoadConfigFromJSON", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, NewMemoryError("LoadConfigFromJSON", err)
	}

	return &config, nil
}

// Validate validates the configuration.
//
// Checks that all required fields are set:
//   - Storage provider must be specified
//   - LLM provider must be specified when any mode needs extraction
//
// Returns an error if validation fails, nil otherwise.
func (c *Config) Validate() error {
	if c.Storage.Provider == "" {
		return NewMemoryError("Validate", ErrInvalidConfig)
	}
	switch c.Storage.Provider {
	case "sqlite", "postgres", "mysql":
	default:
		return NewMemoryError("Validate",
			fmt.Errorf("%w: unknown storage provider %q", ErrInvalidConfig, c.Storage.Provider))
	}
	if c.LLM.Provider == "" {
		return NewMemoryError("Validate", ErrInvalidConfig)
	}
	return nil
}

// getEnvOrDefault gets an environment variable or returns the default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// FindEnvFile searches for .env or .env.example files.
//
// The search:
//  1. Checks the current directory
//  2. Searches up to 5 directory levels up
//  3. Returns the first .env or .env.example file found
//
// Returns:
//   - path: Path to the found file (empty if not found)
//   - found: True if a file was found, false otherwise
func FindEnvFile() (string, bool) {
	if _, err := os.Stat(".env"); err == nil {
		return ".env", true
	}
	if _, err := os.Stat(".env.example"); err == nil {
		return ".env.example", true
	}

	dir, _ := os.Getwd()
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		envExamplePath := filepath.Join(dir, ".env.example")

		if _, err := os.Stat(envPath); err == nil {
			return envPath, true
		}
		if _, err := os.Stat(envExamplePath); err == nil {
			return envExamplePath, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", false
}
