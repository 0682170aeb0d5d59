package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the application configuration, loaded once at startup.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Blockchain BlockchainConfig `yaml:"blockchain"`
	Prover     ProverConfig     `yaml:"prover"`
	Keys       KeysConfig       `yaml:"keys"`
	NATS       NATSConfig       `yaml:"nats"`
	Auth       AuthConfig       `yaml:"auth"`
}

// ServerConfig HTTP server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig database configuration
type DatabaseConfig struct {
	DSN    string `yaml:"dsn"`
	Driver string `yaml:"driver"`
}

// BlockchainConfig chain client configuration
type BlockchainConfig struct {
	ChainID          int64    `yaml:"chainId"`
	RPCEndpoints     []string `yaml:"rpcEndpoints"`
	ShieldContract   string   `yaml:"shieldContract"`
	PrivateKey       string   `yaml:"privateKey"`       // hex, no 0x; overridable via SHIELD_PRIVATE_KEY
	FallbackGasLimit uint64   `yaml:"fallbackGasLimit"` // used when estimation fails
	FallbackGwei     int64    `yaml:"fallbackGwei"`     // used when fee data is unavailable
	ConfirmTimeout   int      `yaml:"confirmTimeoutSeconds"`
}

// ProverConfig external proving service configuration
type ProverConfig struct {
	BaseURL    string `yaml:"baseUrl"`
	Timeout    int    `yaml:"timeout"` // seconds; proving can take minutes
	CircuitDir string `yaml:"circuitDir"`
}

// KeysConfig proving/verification key storage
type KeysConfig struct {
	Dir string `yaml:"dir"`
}

// NATSConfig event publishing configuration (optional)
type NATSConfig struct {
	URL string `yaml:"url"`
}

// AuthConfig JWT configuration
type AuthConfig struct {
	JWTSecret   string `yaml:"jwtSecret"` // overridable via SHIELD_JWT_SECRET
	TokenExpiry int    `yaml:"tokenExpiryHours"`
}

// AppConfig is the loaded global configuration.
var AppConfig *Config

// LoadConfig reads the YAML config file, applies defaults and environment
// overrides for secrets, and stores the result in AppConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	AppConfig = cfg
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Prover.Timeout == 0 {
		cfg.Prover.Timeout = 600 // proving key setup alone can take minutes
	}
	if cfg.Prover.CircuitDir == "" {
		cfg.Prover.CircuitDir = "circuits"
	}
	if cfg.Keys.Dir == "" {
		cfg.Keys.Dir = "keys"
	}
	if cfg.Blockchain.FallbackGasLimit == 0 {
		cfg.Blockchain.FallbackGasLimit = 3_000_000
	}
	if cfg.Blockchain.FallbackGwei == 0 {
		cfg.Blockchain.FallbackGwei = 6
	}
	if cfg.Blockchain.ConfirmTimeout == 0 {
		cfg.Blockchain.ConfirmTimeout = 300
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SHIELD_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("SHIELD_PRIVATE_KEY"); v != "" {
		cfg.Blockchain.PrivateKey = v
	}
	if v := os.Getenv("SHIELD_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("SHIELD_PROVER_URL"); v != "" {
		cfg.Prover.BaseURL = v
	}
	if v := os.Getenv("SHIELD_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("SHIELD_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
}

// ConfirmTimeout returns the confirmation wait bound as a duration.
func (b *BlockchainConfig) ConfirmTimeoutDuration() time.Duration {
	return time.Duration(b.ConfirmTimeout) * time.Second
}
