// config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// LogConfig holds the configuration for logging.
type LogConfig struct {
	LogLevel     string `yaml:"log_level"`
	MaxSizeMB    int    `yaml:"max_size_mb"`
	MaxBackups   int    `yaml:"max_backups"`
	MaxAgeDays   int    `yaml:"max_age_days"`
	Compress     bool   `yaml:"compress"`
	LogDirectory string `yaml:"log_directory"`
}

// ExchangeConfig selects and tunes the exchange adapter.
type ExchangeConfig struct {
	Name             string  `yaml:"name"` // coinbase_advanced | coinbase_legacy
	BaseURL          string  `yaml:"base_url"`
	TimeoutSeconds   int     `yaml:"timeout_seconds"`
	ReconcileSeconds int     `yaml:"reconcile_seconds"`
	PaperFeeRate     float64 `yaml:"paper_fee_rate"`
}

// MarketConfig configures the market.* read source.
type MarketConfig struct {
	TimescaleDSN        string `yaml:"timescale_dsn"`
	QueryTimeoutSeconds int    `yaml:"query_timeout_seconds"`
}

// IPCConfig bounds the agent session.
type IPCConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	MaxMessageBytes   int     `yaml:"max_message_bytes"`
}

// DeadManConfig holds the monitor clock. The timeout and fallback action
// themselves live in safety.yaml.
type DeadManConfig struct {
	TickSeconds      int `yaml:"tick_seconds"`
	IdleAfterSeconds int `yaml:"idle_after_seconds"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
}

type ProfilingConfig struct {
	ServerAddress   string `yaml:"server_address"`
	ApplicationName string `yaml:"application_name"`
}

// GateConfig is the top-level process configuration (gate.yaml).
type GateConfig struct {
	SocketPath           string          `yaml:"socket_path"`
	SafetyConfigPath     string          `yaml:"safety_config"`
	StrategiesDir        string          `yaml:"strategies_dir"`
	RulesDir             string          `yaml:"rules_dir"`
	AuditLogPath         string          `yaml:"audit_log"`
	DatabasePath         string          `yaml:"database"`
	Product              string          `yaml:"product"`
	DryRun               bool            `yaml:"dry_run"`
	InitialAccountValue  float64         `yaml:"initial_account_value"`
	InitialAvailableCash float64         `yaml:"initial_available_cash"`
	Exchange             ExchangeConfig  `yaml:"exchange"`
	Market               MarketConfig    `yaml:"market"`
	IPC                  IPCConfig       `yaml:"ipc"`
	DeadMan              DeadManConfig   `yaml:"deadman"`
	Telemetry            TelemetryConfig `yaml:"telemetry"`
	Profiling            ProfilingConfig `yaml:"profiling"`
	Logs                 LogConfig       `yaml:"logs"`
}

// NewGateConfig returns the defaults every deployment starts from. Dry run
// is on unless a config file or the environment turns it off.
func NewGateConfig() *GateConfig {
	return &GateConfig{
		SocketPath:           "/tmp/trading-gate.sock",
		SafetyConfigPath:     "config/safety.yaml",
		StrategiesDir:        "config/strategies",
		RulesDir:             "config/rules/active",
		AuditLogPath:         "data/audit.log",
		DatabasePath:         "data/trades.db",
		Product:              "BTC-USD",
		DryRun:               true,
		InitialAccountValue:  10000,
		InitialAvailableCash: 10000,
		Exchange: ExchangeConfig{
			Name:             "coinbase_advanced",
			BaseURL:          "https://api.coinbase.com",
			TimeoutSeconds:   10,
			ReconcileSeconds: 15,
			PaperFeeRate:     0.001,
		},
		Market: MarketConfig{QueryTimeoutSeconds: 3},
		IPC: IPCConfig{
			RequestsPerSecond: 20,
			Burst:             40,
			MaxMessageBytes:   1 << 20,
		},
		DeadMan: DeadManConfig{TickSeconds: 5, IdleAfterSeconds: 60},
		Telemetry: TelemetryConfig{
			Insecure:    true,
			ServiceName: "trading-gate",
		},
		Profiling: ProfilingConfig{ApplicationName: "trading-gate"},
		Logs: LogConfig{
			LogLevel:     "info",
			MaxSizeMB:    50,
			MaxBackups:   5,
			MaxAgeDays:   30,
			LogDirectory: "logs",
		},
	}
}

// LoadGateConfig reads gate.yaml over the defaults, applies environment
// overrides and validates the result. A missing file is not an error: the
// gate can run from defaults plus environment.
func LoadGateConfig(path string, env *EnvConfig) (*GateConfig, error) {
	cfg := NewGateConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if env != nil {
		env.Apply(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the logical consistency of the process configuration.
func (c *GateConfig) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("config missing: 'socket_path' must not be empty")
	}
	if c.SafetyConfigPath == "" {
		return fmt.Errorf("config missing: 'safety_config' must not be empty")
	}
	if c.AuditLogPath == "" {
		return fmt.Errorf("config missing: 'audit_log' must not be empty")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("config missing: 'database' must not be empty")
	}
	if c.Product == "" {
		return fmt.Errorf("config missing: 'product' must not be empty")
	}
	if c.InitialAccountValue <= 0 {
		return fmt.Errorf("config error: 'initial_account_value' must be positive")
	}
	if c.InitialAvailableCash < 0 {
		return fmt.Errorf("config error: 'initial_available_cash' cannot be negative")
	}
	if c.Exchange.TimeoutSeconds <= 0 {
		return fmt.Errorf("config error: 'exchange.timeout_seconds' must be positive")
	}
	if c.Exchange.ReconcileSeconds <= 0 {
		return fmt.Errorf("config error: 'exchange.reconcile_seconds' must be positive")
	}
	if c.Exchange.PaperFeeRate < 0 || c.Exchange.PaperFeeRate >= 0.1 {
		return fmt.Errorf("config error: 'exchange.paper_fee_rate' must be in [0, 0.1)")
	}
	if c.IPC.RequestsPerSecond <= 0 || c.IPC.Burst <= 0 {
		return fmt.Errorf("config error: 'ipc.requests_per_second' and 'ipc.burst' must be positive")
	}
	if c.IPC.MaxMessageBytes < 1024 {
		return fmt.Errorf("config error: 'ipc.max_message_bytes' must be at least 1024")
	}
	if c.DeadMan.TickSeconds <= 0 || c.DeadMan.IdleAfterSeconds <= 0 {
		return fmt.Errorf("config error: 'deadman.tick_seconds' and 'deadman.idle_after_seconds' must be positive")
	}
	if c.Logs.LogLevel == "" {
		return fmt.Errorf("config missing: 'logs.log_level' (e.g. 'info', 'debug')")
	}
	if c.Logs.MaxSizeMB <= 0 {
		return fmt.Errorf("config error: 'logs.max_size_mb' must be positive")
	}
	if c.Logs.LogDirectory == "" {
		return fmt.Errorf("config missing: 'logs.log_directory'")
	}
	return nil
}

// EnvConfig holds values that only ever come from the environment (or .env).
type EnvConfig struct {
	ApiKey        string
	ApiSecret     string
	ApiPassphrase string

	overrides map[string]string
}

// envOverrideKeys lists the TRADING_GATE_* variables honoured on top of gate.yaml.
var envOverrideKeys = []string{
	"TRADING_GATE_SOCKET",
	"TRADING_GATE_SAFETY_CONFIG",
	"TRADING_GATE_STRATEGIES_DIR",
	"TRADING_GATE_RULES_DIR",
	"TRADING_GATE_AUDIT_LOG",
	"TRADING_GATE_DB",
	"TRADING_GATE_PRODUCT",
	"TRADING_GATE_EXCHANGE",
	"TRADING_GATE_DRY_RUN",
	"TRADING_GATE_INITIAL_ACCOUNT_VALUE",
	"TRADING_GATE_INITIAL_AVAILABLE_CASH",
	"TRADING_GATE_TIMESCALE_DSN",
}

// LoadEnvConfig reads credentials and overrides from the process environment.
func LoadEnvConfig() *EnvConfig {
	env := &EnvConfig{
		ApiKey:        firstEnv("TRADING_GATE_API_KEY", "COINBASE_API_KEY"),
		ApiSecret:     firstEnv("TRADING_GATE_API_SECRET", "COINBASE_API_SECRET"),
		ApiPassphrase: firstEnv("TRADING_GATE_API_PASSPHRASE", "COINBASE_API_PASSPHRASE"),
		overrides:     make(map[string]string),
	}
	for _, key := range envOverrideKeys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			env.overrides[key] = v
		}
	}
	return env
}

// HasCredentials reports whether live trading is possible for the named
// exchange. The legacy API additionally needs a passphrase.
func (e *EnvConfig) HasCredentials(exchangeName string) bool {
	if e.ApiKey == "" || e.ApiSecret == "" {
		return false
	}
	if strings.Contains(exchangeName, "advanced") {
		return true
	}
	return e.ApiPassphrase != ""
}

// Apply writes the environment overrides into cfg. Missing credentials
// force dry-run regardless of what the file says.
func (e *EnvConfig) Apply(cfg *GateConfig) {
	for key, v := range e.overrides {
		switch key {
		case "TRADING_GATE_SOCKET":
			cfg.SocketPath = v
		case "TRADING_GATE_SAFETY_CONFIG":
			cfg.SafetyConfigPath = v
		case "TRADING_GATE_STRATEGIES_DIR":
			cfg.StrategiesDir = v
		case "TRADING_GATE_RULES_DIR":
			cfg.RulesDir = v
		case "TRADING_GATE_AUDIT_LOG":
			cfg.AuditLogPath = v
		case "TRADING_GATE_DB":
			cfg.DatabasePath = v
		case "TRADING_GATE_PRODUCT":
			cfg.Product = v
		case "TRADING_GATE_EXCHANGE":
			cfg.Exchange.Name = strings.ToLower(v)
		case "TRADING_GATE_DRY_RUN":
			if b, ok := parseBool(v); ok {
				cfg.DryRun = b
			}
		case "TRADING_GATE_INITIAL_ACCOUNT_VALUE":
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				cfg.InitialAccountValue = f
			}
		case "TRADING_GATE_INITIAL_AVAILABLE_CASH":
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				cfg.InitialAvailableCash = f
			}
		case "TRADING_GATE_TIMESCALE_DSN":
			cfg.Market.TimescaleDSN = v
		}
	}
	if !e.HasCredentials(cfg.Exchange.Name) {
		cfg.DryRun = true
	}
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

func parseBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}
