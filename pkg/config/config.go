// Package config loads agentwallet settings from the environment and
// resolves the selected network profile.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds process configuration.
type Config struct {
	NetworkName  string
	NetworksFile string
	CatalogFile  string
	DataDir      string

	StorageDriver string
	StorageDSN    string
	StorageSecret string

	RPCURL       string
	RPCRPS       float64
	ExecutionURL string

	SessionTTL       time.Duration
	CapacityRequests int64
	CapacityDays     int

	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string

	LogLevel     string
	OTLPEndpoint string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	dataDir := os.Getenv("AGENTWALLET_DATA_DIR")
	if dataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dataDir = filepath.Join(home, ".agentwallet")
		} else {
			dataDir = ".agentwallet"
		}
	}

	network := getenv("AGENTWALLET_NETWORK", "datil-dev")
	driver := getenv("AGENTWALLET_STORAGE_DRIVER", "sqlite")

	dsn := os.Getenv("AGENTWALLET_STORAGE_DSN")
	if dsn == "" && driver == "sqlite" {
		// one store per network so keys never leak across environments
		dsn = filepath.Join(dataDir, network, "storage.db")
	}

	cfg := &Config{
		NetworkName:   network,
		NetworksFile:  os.Getenv("AGENTWALLET_NETWORKS_FILE"),
		CatalogFile:   os.Getenv("AGENTWALLET_CATALOG_FILE"),
		DataDir:       dataDir,
		StorageDriver: driver,
		StorageDSN:    dsn,
		StorageSecret: os.Getenv("AGENTWALLET_STORAGE_SECRET"),
		RPCURL:        os.Getenv("AGENTWALLET_RPC_URL"),
		ExecutionURL:  os.Getenv("AGENTWALLET_EXECUTION_URL"),
		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:   getenv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL: getenv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		LogLevel:      getenv("LOG_LEVEL", "INFO"),
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	var err error
	if cfg.RPCRPS, err = parseFloat("AGENTWALLET_RPC_RPS", 10); err != nil {
		return nil, err
	}
	if cfg.SessionTTL, err = parseDuration("AGENTWALLET_SESSION_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.CapacityRequests, err = parseInt("AGENTWALLET_CAPACITY_REQUESTS", 10); err != nil {
		return nil, err
	}
	days, err := parseInt("AGENTWALLET_CAPACITY_DAYS", 1)
	if err != nil {
		return nil, err
	}
	cfg.CapacityDays = int(days)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings that cannot work at all.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("config: unsupported storage driver %q", c.StorageDriver)
	}
	if c.StorageDriver != "sqlite" && c.StorageDSN == "" {
		return fmt.Errorf("config: AGENTWALLET_STORAGE_DSN is required for %s", c.StorageDriver)
	}
	if c.RPCRPS <= 0 {
		return fmt.Errorf("config: AGENTWALLET_RPC_RPS must be positive")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("config: AGENTWALLET_SESSION_TTL must be positive")
	}
	if c.CapacityRequests <= 0 || c.CapacityDays <= 0 {
		return fmt.Errorf("config: capacity requests and days must be positive")
	}
	return nil
}

// Profile resolves the selected network, applying the endpoint overrides.
func (c *Config) Profile() (*Network, error) {
	networks, err := LoadNetworks(c.NetworksFile)
	if err != nil {
		return nil, err
	}
	n, ok := networks[c.NetworkName]
	if !ok {
		return nil, fmt.Errorf("config: unknown network %q", c.NetworkName)
	}
	if c.RPCURL != "" {
		n.RPCURL = c.RPCURL
	}
	if c.ExecutionURL != "" {
		n.ExecutionURL = c.ExecutionURL
	}
	return n, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseInt(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func parseFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return f, nil
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}
