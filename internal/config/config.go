package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full application configuration tree, loaded from YAML with
// environment-variable overrides on top.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	NATS       NATSConfig       `yaml:"nats"`
	Blockchain BlockchainConfig `yaml:"blockchain"`
	Fees       FeesConfig       `yaml:"fees"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Escrow     EscrowConfig     `yaml:"escrow"`
	Backup     BackupConfig     `yaml:"backup"`
	Tasks      TasksConfig      `yaml:"tasks"`
	Auth       AuthConfig       `yaml:"auth"`
	CORS       CORSConfig       `yaml:"cors"`
}

// ServerConfig HTTP server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig relational store configuration
type DatabaseConfig struct {
	DSN    string `yaml:"dsn"`
	Driver string `yaml:"driver"`
}

// NATSConfig alert sink transport configuration
type NATSConfig struct {
	URL           string `yaml:"url"`
	AlertSubject  string `yaml:"alert_subject"`
	Timeout       int    `yaml:"timeout"`        // seconds
	ReconnectWait int    `yaml:"reconnect_wait"` // seconds
	MaxReconnects int    `yaml:"max_reconnects"`
}

// BlockchainConfig supported settlement chains
type BlockchainConfig struct {
	Networks map[string]NetworkConfig `yaml:"networks"`
}

// NetworkConfig per-chain settings. The custodial key signs all outbound
// transfers on that chain (relayer model); party wallets are records only.
type NetworkConfig struct {
	ChainID          int64    `yaml:"chainId"`
	Type             string   `yaml:"type"` // "evm" or "tron"
	RPCEndpoints     []string `yaml:"rpcEndpoints"`
	StableContract   string   `yaml:"stableContract"` // USDT contract address
	StableSymbol     string   `yaml:"stableSymbol"`
	StableDecimals   int      `yaml:"stableDecimals"`
	CustodialKey     string   `yaml:"custodialKey"` // hex private key, no 0x prefix
	CustodialAddress string   `yaml:"custodialAddress"`
	GasLimit         uint64   `yaml:"gasLimit"`
	TokenGasLimit    uint64   `yaml:"tokenGasLimit"` // stable-token transfers need more gas
	DefaultFeeGwei   string   `yaml:"defaultFeeGwei"`
	GasOracleURL     string   `yaml:"gasOracleUrl"`
	APIKey           string   `yaml:"apiKey"` // provider API key (e.g. TronGrid)
	Enabled          bool     `yaml:"enabled"`
}

// TierBand is one urgency tier's multiplier band over the current base fee.
type TierBand struct {
	Min               float64 `yaml:"min"`
	Max               float64 `yaml:"max"`
	TargetConfSeconds int     `yaml:"targetConfSeconds"`
}

// FeesConfig fee optimizer settings
type FeesConfig struct {
	SampleInterval   int                 `yaml:"sampleInterval"`   // seconds between network samples
	WindowSize       int                 `yaml:"windowSize"`       // retained samples per chain
	RetentionMinutes int                 `yaml:"retentionMinutes"` // DB sample retention
	BumpGraceSeconds int                 `yaml:"bumpGraceSeconds"` // pending time before a bump is considered
	Tiers            map[string]TierBand `yaml:"tiers"`
}

// MonitorConfig transaction monitor settings
type MonitorConfig struct {
	PollInterval         int     `yaml:"pollInterval"`         // seconds
	PollFloorSeconds     int     `yaml:"pollFloorSeconds"`     // skip transactions younger than this
	StuckTimeoutSeconds  int     `yaml:"stuckTimeoutSeconds"`  // pending longer than this is stuck
	MaterialityThreshold string  `yaml:"materialityThreshold"` // decimal amount; above it stuck tx auto-fails-over
	FailureRateThreshold float64 `yaml:"failureRateThreshold"`
	GasWarnGwei          string  `yaml:"gasWarnGwei"`        // persistent average above this raises a warning
	SuspiciousFailures   int     `yaml:"suspiciousFailures"` // per-party failed tx per hour
	AlertBatchSize       int     `yaml:"alertBatchSize"`
	AlertDrainInterval   int     `yaml:"alertDrainInterval"` // seconds
}

// EscrowConfig escrow engine settings
type EscrowConfig struct {
	HorizonDays   int      `yaml:"horizonDays"`   // default expiration window
	SweepInterval int      `yaml:"sweepInterval"` // seconds
	AdminParties  []string `yaml:"adminParties"`
}

// ProviderConfig one backup settlement provider
type ProviderConfig struct {
	Name      string `yaml:"name"`
	BaseURL   string `yaml:"baseUrl"`
	APIKey    string `yaml:"apiKey"`
	Priority  int    `yaml:"priority"` // lower value = tried first
	MinAmount string `yaml:"minAmount"`
	MaxAmount string `yaml:"maxAmount"`
	FeeRate   string `yaml:"feeRate"` // e.g. "0.015"
	Enabled   bool   `yaml:"enabled"`
}

// BackupConfig backup payment router settings
type BackupConfig struct {
	Providers    []ProviderConfig `yaml:"providers"`
	PollInterval int              `yaml:"pollInterval"` // seconds between provider status polls
	MaxPolls     int              `yaml:"maxPolls"`
}

// TasksConfig external task-status collaborator (escrow release conditions)
type TasksConfig struct {
	BaseURL string `yaml:"baseUrl"`
	Timeout int    `yaml:"timeout"` // seconds
}

// AuthConfig JWT and admin second factor
type AuthConfig struct {
	JWTSecret       string `yaml:"jwtSecret"`
	AdminTOTPSecret string `yaml:"adminTotpSecret"`
}

// CORSConfig CORS configuration
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowedOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
	MaxAge           int      `yaml:"maxAge"`
}

// LoadConfig reads the YAML configuration and applies environment overrides.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
		if _, err := os.Stat("config.local.yaml"); err == nil {
			configPath = "config.local.yaml"
			log.Printf("🔧 Using local configuration file: config.local.yaml")
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	overrideFromEnv(&cfg)
	applyDefaults(&cfg)

	log.Printf("✅ [%s] Loaded configuration from %s (%d networks, %d backup providers)",
		time.Now().Format("2006-01-02 15:04:05"), configPath,
		len(cfg.Blockchain.Networks), len(cfg.Backup.Providers))

	return &cfg, nil
}

// overrideFromEnv lets deploy environments override file values.
func overrideFromEnv(cfg *Config) {
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		cfg.NATS.URL = natsURL
	}
	if subject := os.Getenv("NATS_ALERT_SUBJECT"); subject != "" {
		cfg.NATS.AlertSubject = subject
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if totp := os.Getenv("ADMIN_TOTP_SECRET"); totp != "" {
		cfg.Auth.AdminTOTPSecret = totp
	}
	if tasksURL := os.Getenv("TASKS_BASE_URL"); tasksURL != "" {
		cfg.Tasks.BaseURL = tasksURL
	}

	for networkName, network := range cfg.Blockchain.Networks {
		// Network-specific custodial key first (e.g. BSC_CUSTODIAL_KEY),
		// generic CUSTODIAL_KEY as fallback.
		envKey := fmt.Sprintf("%s_CUSTODIAL_KEY", strings.ToUpper(networkName))
		if key := os.Getenv(envKey); key != "" {
			network.CustodialKey = key
		} else if key := os.Getenv("CUSTODIAL_KEY"); key != "" {
			network.CustodialKey = key
		}

		envRPC := fmt.Sprintf("%s_RPC_ENDPOINTS", strings.ToUpper(networkName))
		if endpoints := os.Getenv(envRPC); endpoints != "" {
			network.RPCEndpoints = strings.Split(endpoints, ",")
		}

		envGasLimit := fmt.Sprintf("%s_GAS_LIMIT", strings.ToUpper(networkName))
		if gasLimit := os.Getenv(envGasLimit); gasLimit != "" {
			if limit, err := strconv.ParseUint(gasLimit, 10, 64); err == nil {
				network.GasLimit = limit
			}
		}

		cfg.Blockchain.Networks[networkName] = network
	}

	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		origins := strings.Split(corsOrigins, ",")
		cfg.CORS.AllowedOrigins = make([]string, 0, len(origins))
		for _, origin := range origins {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				cfg.CORS.AllowedOrigins = append(cfg.CORS.AllowedOrigins, trimmed)
			}
		}
	}
}

// applyDefaults fills settings the file may omit.
func applyDefaults(cfg *Config) {
	if cfg.Fees.SampleInterval == 0 {
		cfg.Fees.SampleInterval = 30
	}
	if cfg.Fees.WindowSize == 0 {
		cfg.Fees.WindowSize = 120
	}
	if cfg.Fees.RetentionMinutes == 0 {
		cfg.Fees.RetentionMinutes = 180
	}
	if cfg.Fees.BumpGraceSeconds == 0 {
		cfg.Fees.BumpGraceSeconds = 300
	}
	if len(cfg.Fees.Tiers) == 0 {
		cfg.Fees.Tiers = DefaultTierBands()
	}
	if cfg.Monitor.PollInterval == 0 {
		cfg.Monitor.PollInterval = 30
	}
	if cfg.Monitor.PollFloorSeconds == 0 {
		cfg.Monitor.PollFloorSeconds = 15
	}
	if cfg.Monitor.StuckTimeoutSeconds == 0 {
		cfg.Monitor.StuckTimeoutSeconds = 1800
	}
	if cfg.Monitor.MaterialityThreshold == "" {
		cfg.Monitor.MaterialityThreshold = "500"
	}
	if cfg.Monitor.FailureRateThreshold == 0 {
		cfg.Monitor.FailureRateThreshold = 0.2
	}
	if cfg.Monitor.GasWarnGwei == "" {
		cfg.Monitor.GasWarnGwei = "150"
	}
	if cfg.Monitor.SuspiciousFailures == 0 {
		cfg.Monitor.SuspiciousFailures = 5
	}
	if cfg.Monitor.AlertBatchSize == 0 {
		cfg.Monitor.AlertBatchSize = 10
	}
	if cfg.Monitor.AlertDrainInterval == 0 {
		cfg.Monitor.AlertDrainInterval = 15
	}
	if cfg.Escrow.HorizonDays == 0 {
		cfg.Escrow.HorizonDays = 30
	}
	if cfg.Escrow.SweepInterval == 0 {
		cfg.Escrow.SweepInterval = 60
	}
	if cfg.Backup.PollInterval == 0 {
		cfg.Backup.PollInterval = 10
	}
	if cfg.Backup.MaxPolls == 0 {
		cfg.Backup.MaxPolls = 30
	}
	if cfg.NATS.AlertSubject == "" {
		cfg.NATS.AlertSubject = "paycore.alerts"
	}
}

// DefaultTierBands returns the standard urgency tier configuration.
// Bands are ordered: every tier's min and max are >= the previous tier's,
// which keeps recommended fees monotonic in urgency.
func DefaultTierBands() map[string]TierBand {
	return map[string]TierBand{
		"economy":  {Min: 0.6, Max: 0.9, TargetConfSeconds: 600},
		"standard": {Min: 0.8, Max: 1.2, TargetConfSeconds: 180},
		"priority": {Min: 1.0, Max: 1.5, TargetConfSeconds: 60},
		"urgent":   {Min: 1.2, Max: 2.0, TargetConfSeconds: 15},
	}
}

// GetNetworkConfig returns an enabled network by name.
func (c *Config) GetNetworkConfig(networkName string) (*NetworkConfig, error) {
	network, exists := c.Blockchain.Networks[networkName]
	if !exists {
		return nil, fmt.Errorf("network %s not found in config", networkName)
	}
	if !network.Enabled {
		return nil, fmt.Errorf("network %s is disabled", networkName)
	}
	return &network, nil
}
