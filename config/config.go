package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/execguard/internal/riskgate"
	"gopkg.in/yaml.v3"
)

// EnvironmentProduction enables the background backtest and indicator loops.
const EnvironmentProduction = "production"

type Config struct {
	Environment string
	StateDir    string
	Symbols     []string
	Exchange    ExchangeConfig
	RiskGate    riskgate.Config
	Credentials CredentialsConfig
	Events      EventsConfig
	Metrics     MetricsConfig
}

type ExchangeConfig struct {
	Testnet          bool
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HistorySize      int
	CallTimeout      time.Duration
	MetadataRPS      float64
}

type CredentialsConfig struct {
	// EncryptionKeyEnv names the environment variable holding the vault key. The key
	// itself never lives in the config file.
	EncryptionKeyEnv  string
	LiveTermsAccepted bool
}

type EventsConfig struct {
	JournalDir string
}

type MetricsConfig struct {
	ListenAddr string
}

// Production reports whether background loops should run.
func (c Config) Production() bool {
	return c.Environment == EnvironmentProduction
}

// EncryptionKey reads the vault key from the configured environment variable.
func (c Config) EncryptionKey() string {
	if c.Credentials.EncryptionKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Credentials.EncryptionKeyEnv)
}

type ConfigTmp struct {
	Environment string   `yaml:"environment"`
	StateDir    string   `yaml:"state_dir"`
	Symbols     []string `yaml:"symbols"`
	Exchange    struct {
		Testnet          bool          `yaml:"testnet"`
		FailureThreshold int           `yaml:"failure_threshold"`
		RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
		HistorySize      int           `yaml:"history_size"`
		CallTimeout      time.Duration `yaml:"call_timeout"`
		MetadataRPS      float64       `yaml:"metadata_rps"`
	} `yaml:"exchange"`
	RiskGate struct {
		ATRPctFloor              float64       `yaml:"atr_pct_floor"`
		ADXFloor                 float64       `yaml:"adx_floor"`
		ATRPeriod                int           `yaml:"atr_period"`
		ADXPeriod                int           `yaml:"adx_period"`
		IndicatorTTL             time.Duration `yaml:"indicator_ttl"`
		MaxTradesPerDay          int           `yaml:"max_trades_per_day"`
		MaxDailyLossStr          string        `yaml:"max_daily_loss"`
		MaxConsecutiveLosses     int           `yaml:"max_consecutive_losses"`
		BacktestInterval         time.Duration `yaml:"backtest_interval"`
		BacktestLookback         time.Duration `yaml:"backtest_lookback"`
		BacktestMinTrades        int           `yaml:"backtest_min_trades"`
		BacktestMinWinRate       float64       `yaml:"backtest_min_win_rate"`
		BacktestMinProfitFactor  float64       `yaml:"backtest_min_profit_factor"`
		CandleInterval           string        `yaml:"candle_interval"`
		IndicatorRefreshInterval time.Duration `yaml:"indicator_refresh_interval"`
	} `yaml:"risk_gate"`
	Credentials struct {
		EncryptionKeyEnv  string `yaml:"encryption_key_env"`
		LiveTermsAccepted bool   `yaml:"live_terms_accepted"`
	} `yaml:"credentials"`
	Events struct {
		JournalDir string `yaml:"journal_dir"`
	} `yaml:"events"`
	Metrics struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"metrics"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Environment: "development",
		StateDir:    "./data",
		Symbols:     []string{"BTCUSDT", "ETHUSDT"},
		Exchange: ExchangeConfig{
			Testnet:          true,
			FailureThreshold: 5,
			RecoveryTimeout:  300 * time.Second,
			HistorySize:      50,
			CallTimeout:      10 * time.Second,
			MetadataRPS:      10,
		},
		RiskGate: riskgate.DefaultConfig(),
		Credentials: CredentialsConfig{
			EncryptionKeyEnv: "EXECGUARD_ENCRYPTION_KEY",
		},
		Events:  EventsConfig{JournalDir: "./data/wal/events"},
		Metrics: MetricsConfig{ListenAddr: ":9090"},
	}
}

// Get loads .env, parses flags and reads the yaml config when -config is set.
func Get() (Config, error) {
	f := parseFlags()

	// a missing .env is fine
	_ = godotenv.Load(f.envFiles...)

	if f.configPath == "" {
		return fromEnv(Default()), nil
	}

	c, err := Load(f.configPath)
	if err != nil {
		return Config{}, err
	}

	return fromEnv(c), nil
}

// Load reads a yaml config. Keys missing from the file keep their defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes yaml config data over the defaults.
func Parse(data []byte) (Config, error) {
	def := Default()
	tmp := toTmp(def)
	if err := yaml.Unmarshal(data, &tmp); err != nil {
		return Config{}, fmt.Errorf("incorrect yaml config: %w", err)
	}

	c := Config{
		Environment: strings.ToLower(strings.TrimSpace(tmp.Environment)),
		StateDir:    tmp.StateDir,
		Symbols:     normalizeSymbols(tmp.Symbols),
		Exchange: ExchangeConfig{
			Testnet:          tmp.Exchange.Testnet,
			FailureThreshold: tmp.Exchange.FailureThreshold,
			RecoveryTimeout:  tmp.Exchange.RecoveryTimeout,
			HistorySize:      tmp.Exchange.HistorySize,
			CallTimeout:      tmp.Exchange.CallTimeout,
			MetadataRPS:      tmp.Exchange.MetadataRPS,
		},
		RiskGate: riskgate.Config{
			ATRPctFloor:              tmp.RiskGate.ATRPctFloor,
			ADXFloor:                 tmp.RiskGate.ADXFloor,
			ATRPeriod:                tmp.RiskGate.ATRPeriod,
			ADXPeriod:                tmp.RiskGate.ADXPeriod,
			IndicatorTTL:             tmp.RiskGate.IndicatorTTL,
			MaxTradesPerDay:          tmp.RiskGate.MaxTradesPerDay,
			MaxConsecutiveLosses:     tmp.RiskGate.MaxConsecutiveLosses,
			BacktestInterval:         tmp.RiskGate.BacktestInterval,
			BacktestLookback:         tmp.RiskGate.BacktestLookback,
			BacktestMinTrades:        tmp.RiskGate.BacktestMinTrades,
			BacktestMinWinRate:       tmp.RiskGate.BacktestMinWinRate,
			BacktestMinProfitFactor:  tmp.RiskGate.BacktestMinProfitFactor,
			CandleInterval:           tmp.RiskGate.CandleInterval,
			IndicatorRefreshInterval: tmp.RiskGate.IndicatorRefreshInterval,
		},
		Credentials: CredentialsConfig{
			EncryptionKeyEnv:  tmp.Credentials.EncryptionKeyEnv,
			LiveTermsAccepted: tmp.Credentials.LiveTermsAccepted,
		},
		Events:  EventsConfig{JournalDir: tmp.Events.JournalDir},
		Metrics: MetricsConfig{ListenAddr: tmp.Metrics.ListenAddr},
	}

	maxLoss, err := decimal.NewFromString(tmp.RiskGate.MaxDailyLossStr)
	if err != nil {
		return Config{}, fmt.Errorf("incorrect 'risk_gate.max_daily_loss' param in yaml config (must be a decimal), error: %w", err)
	}
	c.RiskGate.MaxDailyLoss = maxLoss

	if err := c.validate(); err != nil {
		return Config{}, err
	}

	return c, nil
}

func (c Config) validate() error {
	switch {
	case len(c.Symbols) == 0:
		return fmt.Errorf("incorrect 'symbols' param in yaml config: at least one symbol is required")
	case c.Exchange.FailureThreshold < 1:
		return fmt.Errorf("incorrect 'exchange.failure_threshold' param in yaml config: must be >= 1")
	case c.Exchange.HistorySize < 1:
		return fmt.Errorf("incorrect 'exchange.history_size' param in yaml config: must be >= 1")
	case c.RiskGate.MaxDailyLoss.IsNegative():
		return fmt.Errorf("incorrect 'risk_gate.max_daily_loss' param in yaml config: must not be negative")
	case c.RiskGate.BacktestMinWinRate < 0 || c.RiskGate.BacktestMinWinRate > 100:
		return fmt.Errorf("incorrect 'risk_gate.backtest_min_win_rate' param in yaml config: must be a percentage")
	case c.StateDir == "":
		return fmt.Errorf("incorrect 'state_dir' param in yaml config: must not be empty")
	}
	return nil
}

// fromEnv applies EXECGUARD_ENVIRONMENT and EXECGUARD_STATE_DIR overrides.
func fromEnv(c Config) Config {
	if v := os.Getenv("EXECGUARD_ENVIRONMENT"); v != "" {
		c.Environment = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("EXECGUARD_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	return c
}

func toTmp(c Config) ConfigTmp {
	var t ConfigTmp
	t.Environment = c.Environment
	t.StateDir = c.StateDir
	t.Symbols = c.Symbols

	t.Exchange.Testnet = c.Exchange.Testnet
	t.Exchange.FailureThreshold = c.Exchange.FailureThreshold
	t.Exchange.RecoveryTimeout = c.Exchange.RecoveryTimeout
	t.Exchange.HistorySize = c.Exchange.HistorySize
	t.Exchange.CallTimeout = c.Exchange.CallTimeout
	t.Exchange.MetadataRPS = c.Exchange.MetadataRPS

	r := c.RiskGate
	t.RiskGate.ATRPctFloor = r.ATRPctFloor
	t.RiskGate.ADXFloor = r.ADXFloor
	t.RiskGate.ATRPeriod = r.ATRPeriod
	t.RiskGate.ADXPeriod = r.ADXPeriod
	t.RiskGate.IndicatorTTL = r.IndicatorTTL
	t.RiskGate.MaxTradesPerDay = r.MaxTradesPerDay
	t.RiskGate.MaxDailyLossStr = r.MaxDailyLoss.String()
	t.RiskGate.MaxConsecutiveLosses = r.MaxConsecutiveLosses
	t.RiskGate.BacktestInterval = r.BacktestInterval
	t.RiskGate.BacktestLookback = r.BacktestLookback
	t.RiskGate.BacktestMinTrades = r.BacktestMinTrades
	t.RiskGate.BacktestMinWinRate = r.BacktestMinWinRate
	t.RiskGate.BacktestMinProfitFactor = r.BacktestMinProfitFactor
	t.RiskGate.CandleInterval = r.CandleInterval
	t.RiskGate.IndicatorRefreshInterval = r.IndicatorRefreshInterval

	t.Credentials.EncryptionKeyEnv = c.Credentials.EncryptionKeyEnv
	t.Credentials.LiveTermsAccepted = c.Credentials.LiveTermsAccepted
	t.Events.JournalDir = c.Events.JournalDir
	t.Metrics.ListenAddr = c.Metrics.ListenAddr

	return t
}

func normalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
