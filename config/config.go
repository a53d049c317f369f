package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/strategy"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

var ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// CopyConfig describes who is copied and into which wallet.
type CopyConfig struct {
	UserAddresses   []string           `yaml:"user_addresses"`
	ProxyWallet     string             `yaml:"proxy_wallet"`
	PrivateKey      string             `yaml:"private_key"`
	SignatureType   int                `yaml:"signature_type"` // 0=EOA, 1=Magic/Email, 2=Browser proxy
	CopyMerges      bool               `yaml:"copy_merges"`
	TraderCopySizes map[string]float64 `yaml:"trader_copy_sizes"`
}

// StrategyConfig is the YAML shape of the copy strategy. Tiers use the
// compact "min-max:mult,min+:mult" syntax.
type StrategyConfig struct {
	strategy.Config   `yaml:",inline"`
	TieredMultipliers string `yaml:"tiered_multipliers"`
}

// ExecutionConfig controls the order book walk.
type ExecutionConfig struct {
	RetryLimit         int     `yaml:"retry_limit"`
	MaxPriceSlippage   float64 `yaml:"max_price_slippage"`
	MinOrderSizeUSD    float64 `yaml:"min_order_size_usd"`
	MinOrderSizeTokens float64 `yaml:"min_order_size_tokens"`
	PollIntervalMS     int     `yaml:"poll_interval_ms"`
}

// IngestConfig controls the trade feed poller.
type IngestConfig struct {
	FetchIntervalSec int    `yaml:"fetch_interval_sec"`
	TooOldHours      int    `yaml:"too_old_hours"`
	TooOldMinutes    *int   `yaml:"too_old_minutes"`
	PageLimit        int    `yaml:"page_limit"`
	MaxPages         int    `yaml:"max_pages"`
	RealtimeEnabled  bool   `yaml:"realtime_enabled"`
	RealtimeWSURL    string `yaml:"realtime_ws_url"`
}

// AggregationConfig controls batching of small BUY trades.
type AggregationConfig struct {
	Enabled       bool    `yaml:"enabled"`
	WindowSeconds int     `yaml:"window_seconds"`
	MinTotalUSD   float64 `yaml:"min_total_usd"`
}

// NetworkConfig holds endpoints and HTTP behaviour.
type NetworkConfig struct {
	DataAPIURL          string  `yaml:"data_api_url"`
	ClobHTTPURL         string  `yaml:"clob_http_url"`
	RPCURL              string  `yaml:"rpc_url"`
	USDCContractAddress string  `yaml:"usdc_contract_address"`
	RequestTimeoutMS    int     `yaml:"request_timeout_ms"`
	NetworkRetryLimit   int     `yaml:"network_retry_limit"`
	RequestsPerSecond   float64 `yaml:"requests_per_second"`
}

// StorageConfig selects the ledger backend.
type StorageConfig struct {
	Driver        string `yaml:"driver"` // postgres or sqlite
	SQLitePath    string `yaml:"sqlite_path"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Enabled           bool `yaml:"enabled"`
	Port              int  `yaml:"port"`
	ReadTimeoutMS     int  `yaml:"read_timeout_ms"`
	WriteTimeoutMS    int  `yaml:"write_timeout_ms"`
	ShutdownTimeoutMS int  `yaml:"shutdown_timeout_ms"`
}

// LogConfig controls logrus output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// ShutdownConfig controls graceful shutdown.
type ShutdownConfig struct {
	GracePeriodMS int `yaml:"grace_period_ms"`
}

// Config aggregates all app configuration knobs.
type Config struct {
	Copy        CopyConfig        `yaml:"copy"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Network     NetworkConfig     `yaml:"network"`
	Storage     StorageConfig     `yaml:"storage"`
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
}

// Load reads configuration from disk, falling back to defaults, then applies
// environment overrides. The result is not validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Default()

	configPath := path
	if configPath == "" {
		configPath = filepath.Join("config", "default.yaml")
	}

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: unable to parse %s: %w", configPath, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("config: unable to read %s: %w", configPath, err)
	}

	cfg.applyDefaults()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns baseline configuration values.
func Default() Config {
	return Config{
		Strategy: StrategyConfig{Config: strategy.Default()},
		Execution: ExecutionConfig{
			RetryLimit:         3,
			MaxPriceSlippage:   0.05,
			MinOrderSizeUSD:    1.0,
			MinOrderSizeTokens: 1.0,
			PollIntervalMS:     300,
		},
		Ingest: IngestConfig{
			FetchIntervalSec: 1,
			TooOldHours:      24,
			PageLimit:        100,
			MaxPages:         1,
			RealtimeWSURL:    "wss://ws-live-data.polymarket.com",
		},
		Aggregation: AggregationConfig{
			WindowSeconds: 300,
			MinTotalUSD:   1.0,
		},
		Network: NetworkConfig{
			DataAPIURL:          "https://data-api.polymarket.com",
			ClobHTTPURL:         "https://clob.polymarket.com",
			RPCURL:              "https://polygon-rpc.com",
			USDCContractAddress: "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174",
			RequestTimeoutMS:    10000,
			NetworkRetryLimit:   3,
			RequestsPerSecond:   10,
		},
		Storage: StorageConfig{
			Driver:     "sqlite",
			SQLitePath: "data/copytrader.db",
		},
		Server: ServerConfig{
			Port:              8081,
			ReadTimeoutMS:     10000,
			WriteTimeoutMS:    10000,
			ShutdownTimeoutMS: 5000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Shutdown: ShutdownConfig{
			GracePeriodMS: 5000,
		},
	}
}

func (c *Config) applyDefaults() {
	def := Default()

	if c.Strategy.Strategy == "" {
		c.Strategy.Strategy = def.Strategy.Strategy
	}
	if c.Strategy.MaxOrderSizeUSD == 0 {
		c.Strategy.MaxOrderSizeUSD = def.Strategy.MaxOrderSizeUSD
	}
	if c.Strategy.MinOrderSizeUSD == 0 {
		c.Strategy.MinOrderSizeUSD = def.Strategy.MinOrderSizeUSD
	}

	if c.Execution.RetryLimit == 0 {
		c.Execution.RetryLimit = def.Execution.RetryLimit
	}
	if c.Execution.MaxPriceSlippage == 0 {
		c.Execution.MaxPriceSlippage = def.Execution.MaxPriceSlippage
	}
	if c.Execution.MinOrderSizeUSD == 0 {
		c.Execution.MinOrderSizeUSD = def.Execution.MinOrderSizeUSD
	}
	if c.Execution.MinOrderSizeTokens == 0 {
		c.Execution.MinOrderSizeTokens = def.Execution.MinOrderSizeTokens
	}
	if c.Execution.PollIntervalMS == 0 {
		c.Execution.PollIntervalMS = def.Execution.PollIntervalMS
	}

	if c.Ingest.FetchIntervalSec == 0 {
		c.Ingest.FetchIntervalSec = def.Ingest.FetchIntervalSec
	}
	if c.Ingest.TooOldHours == 0 {
		c.Ingest.TooOldHours = def.Ingest.TooOldHours
	}
	if c.Ingest.PageLimit == 0 {
		c.Ingest.PageLimit = def.Ingest.PageLimit
	}
	if c.Ingest.MaxPages == 0 {
		c.Ingest.MaxPages = def.Ingest.MaxPages
	}
	if c.Ingest.RealtimeWSURL == "" {
		c.Ingest.RealtimeWSURL = def.Ingest.RealtimeWSURL
	}

	if c.Aggregation.WindowSeconds == 0 {
		c.Aggregation.WindowSeconds = def.Aggregation.WindowSeconds
	}
	if c.Aggregation.MinTotalUSD == 0 {
		c.Aggregation.MinTotalUSD = def.Aggregation.MinTotalUSD
	}

	if c.Network.DataAPIURL == "" {
		c.Network.DataAPIURL = def.Network.DataAPIURL
	}
	if c.Network.ClobHTTPURL == "" {
		c.Network.ClobHTTPURL = def.Network.ClobHTTPURL
	}
	if c.Network.RPCURL == "" {
		c.Network.RPCURL = def.Network.RPCURL
	}
	if c.Network.USDCContractAddress == "" {
		c.Network.USDCContractAddress = def.Network.USDCContractAddress
	}
	if c.Network.RequestTimeoutMS == 0 {
		c.Network.RequestTimeoutMS = def.Network.RequestTimeoutMS
	}
	if c.Network.NetworkRetryLimit == 0 {
		c.Network.NetworkRetryLimit = def.Network.NetworkRetryLimit
	}
	if c.Network.RequestsPerSecond == 0 {
		c.Network.RequestsPerSecond = def.Network.RequestsPerSecond
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = def.Storage.Driver
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = def.Storage.SQLitePath
	}

	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.ReadTimeoutMS == 0 {
		c.Server.ReadTimeoutMS = def.Server.ReadTimeoutMS
	}
	if c.Server.WriteTimeoutMS == 0 {
		c.Server.WriteTimeoutMS = def.Server.WriteTimeoutMS
	}
	if c.Server.ShutdownTimeoutMS == 0 {
		c.Server.ShutdownTimeoutMS = def.Server.ShutdownTimeoutMS
	}

	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
	if c.Shutdown.GracePeriodMS == 0 {
		c.Shutdown.GracePeriodMS = def.Shutdown.GracePeriodMS
	}
}

// CopyStrategy returns the validated-shape strategy with parsed tiers.
func (c *Config) CopyStrategy() (strategy.Config, error) {
	sc := c.Strategy.Config
	tiers, err := strategy.ParseTiers(c.Strategy.TieredMultipliers)
	if err != nil {
		return strategy.Config{}, err
	}
	sc.TieredMultipliers = tiers
	return sc, nil
}

// StrategyFor returns the copy strategy for one trader, honouring per-trader
// copy size overrides.
func (c *Config) StrategyFor(trader string) (strategy.Config, bool) {
	sc, err := c.CopyStrategy()
	if err != nil {
		return strategy.Config{}, false
	}
	if size, ok := c.Copy.TraderCopySizes[strings.ToLower(trader)]; ok {
		return sc.WithCopySize(size), true
	}
	return sc, false
}

// Validate checks every option and returns all problems joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if len(c.Copy.UserAddresses) == 0 {
		add("copy.user_addresses is empty")
	}
	for _, addr := range c.Copy.UserAddresses {
		if !IsValidEthAddress(addr) {
			add("invalid trader address %q", addr)
		}
	}
	if c.Copy.ProxyWallet == "" {
		add("copy.proxy_wallet is required")
	} else if !IsValidEthAddress(c.Copy.ProxyWallet) {
		add("invalid proxy wallet address %q", c.Copy.ProxyWallet)
	}
	if c.Copy.PrivateKey == "" {
		add("copy.private_key is required")
	}
	for addr, size := range c.Copy.TraderCopySizes {
		if size <= 0 {
			add("trader_copy_sizes[%s] must be positive", addr)
		}
	}

	if c.Execution.RetryLimit < 1 || c.Execution.RetryLimit > 10 {
		add("execution.retry_limit must be between 1 and 10")
	}
	if c.Execution.MaxPriceSlippage < 0 {
		add("execution.max_price_slippage must not be negative")
	}
	if c.Ingest.FetchIntervalSec <= 0 {
		add("ingest.fetch_interval_sec must be a positive integer")
	}
	if c.Ingest.TooOldHours < 1 {
		add("ingest.too_old_hours must be a positive integer")
	}
	if c.Ingest.TooOldMinutes != nil && *c.Ingest.TooOldMinutes < 1 {
		add("ingest.too_old_minutes must be a positive integer")
	}
	if c.Aggregation.WindowSeconds < 1 {
		add("aggregation.window_seconds must be positive")
	}

	if c.Network.RequestTimeoutMS < 1000 {
		add("network.request_timeout_ms must be at least 1000ms")
	}
	if c.Network.NetworkRetryLimit < 1 || c.Network.NetworkRetryLimit > 10 {
		add("network.network_retry_limit must be between 1 and 10")
	}
	if !strings.HasPrefix(c.Network.ClobHTTPURL, "http") {
		add("invalid clob_http_url %q: must be a valid HTTP/HTTPS URL", c.Network.ClobHTTPURL)
	}
	if !strings.HasPrefix(c.Network.RPCURL, "http") {
		add("invalid rpc_url %q: must be a valid HTTP/HTTPS URL", c.Network.RPCURL)
	}
	if !strings.HasPrefix(c.Network.DataAPIURL, "http") {
		add("invalid data_api_url %q: must be a valid HTTP/HTTPS URL", c.Network.DataAPIURL)
	}
	if c.Ingest.RealtimeEnabled && !strings.HasPrefix(c.Ingest.RealtimeWSURL, "ws") {
		add("invalid realtime_ws_url %q: must be a valid WebSocket URL", c.Ingest.RealtimeWSURL)
	}
	if !IsValidEthAddress(c.Network.USDCContractAddress) {
		add("invalid usdc_contract_address %q", c.Network.USDCContractAddress)
	}

	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		add("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver)
	}

	sc, err := c.CopyStrategy()
	if err != nil {
		errs = append(errs, err)
	} else if err := sc.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// IsValidEthAddress checks for 0x followed by 40 hex characters.
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(strings.TrimSpace(addr))
}

// ParseUserAddresses accepts a JSON array or a comma separated list and
// returns lowercased addresses.
func ParseUserAddresses(value string) ([]string, error) {
	trimmed := strings.TrimSpace(value)
	var raw []string
	if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
		if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
			return nil, fmt.Errorf("%w: invalid JSON format for USER_ADDRESSES: %v", ErrInvalidConfig, err)
		}
	} else {
		raw = strings.Split(trimmed, ",")
	}

	addresses := make([]string, 0, len(raw))
	for _, addr := range raw {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr == "" {
			continue
		}
		if !IsValidEthAddress(addr) {
			return nil, fmt.Errorf("%w: invalid Ethereum address in USER_ADDRESSES: %s", ErrInvalidConfig, addr)
		}
		addresses = append(addresses, addr)
	}
	return addresses, nil
}
