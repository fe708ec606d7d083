// Package config loads the YAML configuration file, applies environment
// overrides, and validates the result. The config is loaded once at manager
// start and never reloaded; trader subprocesses re-read the same file and
// pick their own account section.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for one deployment: one manager,
// N traders.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	API       APIConfig       `yaml:"api"`
	SocketDir string          `yaml:"socket_dir"`
	ManagerDB string          `yaml:"manager_db"`
	Accounts  []AccountConfig `yaml:"accounts"`
	Backup    BackupConfig    `yaml:"backup"`

	// ConfigPath records where the file was loaded from so trader
	// subprocesses can be pointed at the same file.
	ConfigPath string `yaml:"-"`
}

// LogConfig controls the root logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// APIConfig controls the manager HTTP/WebSocket server.
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// AccountConfig holds the static per-account settings. Immutable during a
// run.
type AccountConfig struct {
	AccountID   string           `yaml:"account_id"`
	Enabled     bool             `yaml:"enabled"`
	BrokerID    string           `yaml:"broker_id"`
	UserID      string           `yaml:"user_id"`
	PasswordEnv string           `yaml:"password_env"` // env var holding the password
	Gateway     GatewayConfig    `yaml:"gateway"`
	Paths       PathsConfig      `yaml:"paths"`
	Risk        RiskConfig       `yaml:"risk"`
	Strategies  []StrategyConfig `yaml:"strategies"`
	Jobs        []JobConfig      `yaml:"jobs"`
}

// Password resolves the account password from the environment. Credentials
// never live in the YAML file itself.
func (a *AccountConfig) Password() string {
	if a.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(a.PasswordEnv)
}

// GatewayConfig selects and parameterizes the gateway driver.
type GatewayConfig struct {
	Type      string `yaml:"type"` // "sim" unless a real driver is linked in
	FrontAddr string `yaml:"front_addr"`
	MDAddr    string `yaml:"md_addr"`
	AppID     string `yaml:"app_id"`
	AuthCode  string `yaml:"auth_code"`
}

// PathsConfig holds the per-account directory layout.
type PathsConfig struct {
	Database string `yaml:"database"`
	Logs     string `yaml:"logs"`
	Export   string `yaml:"export"`
	CSVInbox string `yaml:"csv_inbox"`
	Params   string `yaml:"params"`
}

// RiskConfig holds the per-account risk limits enforced at order_req entry.
type RiskConfig struct {
	MaxDailyOrders       int `yaml:"max_daily_orders"`
	MaxDailyCancels      int `yaml:"max_daily_cancels"`
	MaxSingleOrderVolume int `yaml:"max_single_order_volume"`
	MaxSplitVolume       int `yaml:"max_split_volume"`
	OrderTimeoutSeconds  int `yaml:"order_timeout"`
}

// OrderTimeout returns the per-slice timeout as a duration.
func (r RiskConfig) OrderTimeout() time.Duration {
	return time.Duration(r.OrderTimeoutSeconds) * time.Second
}

// StrategyConfig declares one strategy instance inside a trader.
type StrategyConfig struct {
	StrategyID     string `yaml:"strategy_id"`
	Class          string `yaml:"class"`
	Symbol         string `yaml:"symbol"`
	Enabled        bool   `yaml:"enabled"`
	TradingEnabled bool   `yaml:"trading_enabled"`
}

// JobConfig declares one scheduler entry for an account.
type JobConfig struct {
	JobName   string `yaml:"job_name"`
	Group     string `yaml:"group"`
	Cron      string `yaml:"cron"`
	JobMethod string `yaml:"job_method"`
	Enabled   bool   `yaml:"enabled"`
}

// BackupConfig controls the optional S3-compatible backup uploads.
type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"` // custom endpoint for R2/minio, empty for AWS
	Region        string `yaml:"region"`
	Bucket        string `yaml:"bucket"`
	Prefix        string `yaml:"prefix"`
	AccessKeyEnv  string `yaml:"access_key_env"`
	SecretKeyEnv  string `yaml:"secret_key_env"`
	RetentionDays int    `yaml:"retention_days"`
}

// AccessKey resolves the backup access key from the environment.
func (b BackupConfig) AccessKey() string { return os.Getenv(b.AccessKeyEnv) }

// SecretKey resolves the backup secret key from the environment.
func (b BackupConfig) SecretKey() string { return os.Getenv(b.SecretKeyEnv) }

// DefaultRisk returns the risk limits seeded when an account omits them.
func DefaultRisk() RiskConfig {
	return RiskConfig{
		MaxDailyOrders:       200,
		MaxDailyCancels:      100,
		MaxSingleOrderVolume: 50,
		MaxSplitVolume:       10,
		OrderTimeoutSeconds:  5,
	}
}

// Load reads the YAML config file, applies .env and environment overrides,
// fills defaults, and validates.
func Load(path string) (*Config, error) {
	// Load .env file if present (ignore errors - optional)
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	cfg.ConfigPath = abs

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8000
	}
	if c.SocketDir == "" {
		c.SocketDir = filepath.Join(os.TempDir(), "qtrader")
	}
	if c.ManagerDB == "" {
		c.ManagerDB = "data/manager.db"
	}
	if c.Backup.RetentionDays == 0 {
		c.Backup.RetentionDays = 14
	}
	if c.Backup.Region == "" {
		c.Backup.Region = "auto"
	}

	defRisk := DefaultRisk()
	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if acc.Gateway.Type == "" {
			acc.Gateway.Type = "sim"
		}
		if acc.Risk.MaxDailyOrders == 0 {
			acc.Risk.MaxDailyOrders = defRisk.MaxDailyOrders
		}
		if acc.Risk.MaxDailyCancels == 0 {
			acc.Risk.MaxDailyCancels = defRisk.MaxDailyCancels
		}
		if acc.Risk.MaxSingleOrderVolume == 0 {
			acc.Risk.MaxSingleOrderVolume = defRisk.MaxSingleOrderVolume
		}
		if acc.Risk.MaxSplitVolume == 0 {
			acc.Risk.MaxSplitVolume = defRisk.MaxSplitVolume
		}
		if acc.Risk.OrderTimeoutSeconds == 0 {
			acc.Risk.OrderTimeoutSeconds = defRisk.OrderTimeoutSeconds
		}
		base := filepath.Join("data", acc.AccountID)
		if acc.Paths.Database == "" {
			acc.Paths.Database = filepath.Join(base, "trader.db")
		}
		if acc.Paths.Logs == "" {
			acc.Paths.Logs = filepath.Join(base, "logs")
		}
		if acc.Paths.Export == "" {
			acc.Paths.Export = filepath.Join(base, "export")
		}
		if acc.Paths.CSVInbox == "" {
			acc.Paths.CSVInbox = filepath.Join(base, "inbox")
		}
		if acc.Paths.Params == "" {
			acc.Paths.Params = filepath.Join(base, "params")
		}
	}
}

func (c *Config) applyEnvOverrides() {
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Pretty = getEnvAsBool("LOG_PRETTY", c.Log.Pretty)
	c.API.Port = getEnvAsInt("QTRADER_API_PORT", c.API.Port)
	c.SocketDir = getEnv("QTRADER_SOCKET_DIR", c.SocketDir)
}

// Validate checks configuration consistency. Called once after Load.
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("config: no accounts defined")
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("config: invalid api port %d", c.API.Port)
	}

	seen := make(map[string]bool)
	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if acc.AccountID == "" {
			return fmt.Errorf("config: account %d has empty account_id", i)
		}
		if seen[acc.AccountID] {
			return fmt.Errorf("config: duplicate account_id %q", acc.AccountID)
		}
		seen[acc.AccountID] = true

		if acc.Risk.MaxSplitVolume > acc.Risk.MaxSingleOrderVolume {
			return fmt.Errorf("config: account %s: max_split_volume %d exceeds max_single_order_volume %d",
				acc.AccountID, acc.Risk.MaxSplitVolume, acc.Risk.MaxSingleOrderVolume)
		}
		for _, j := range acc.Jobs {
			if j.JobMethod == "" {
				return fmt.Errorf("config: account %s: job %q has no job_method", acc.AccountID, j.JobName)
			}
			if j.Cron == "" {
				return fmt.Errorf("config: account %s: job %q has no cron expression", acc.AccountID, j.JobName)
			}
		}
	}

	if c.Backup.Enabled && c.Backup.Bucket == "" {
		return fmt.Errorf("config: backup enabled without a bucket")
	}
	return nil
}

// Account returns the config block for one account id.
func (c *Config) Account(id string) (*AccountConfig, bool) {
	for i := range c.Accounts {
		if c.Accounts[i].AccountID == id {
			return &c.Accounts[i], true
		}
	}
	return nil, false
}

// SocketPath returns the IPC socket path for an account.
func SocketPath(socketDir, accountID string) string {
	return filepath.Join(socketDir, fmt.Sprintf("qtrader_%s.sock", accountID))
}

// PIDPath returns the pid file path for an account.
func PIDPath(socketDir, accountID string) string {
	return filepath.Join(socketDir, fmt.Sprintf("qtrader_%s.pid", accountID))
}

// getEnv retrieves an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
