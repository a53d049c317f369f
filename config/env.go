package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/strategy"
)

type lookupFunc func(string) (string, bool)

// applyEnv overlays environment variables on top of the file config. The
// variable names match the .env files operators already use.
func (c *Config) applyEnv(lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	if v, ok := e.str("USER_ADDRESSES"); ok {
		addrs, err := ParseUserAddresses(v)
		if err != nil {
			return err
		}
		c.Copy.UserAddresses = addrs
	}
	e.setStr("PROXY_WALLET", &c.Copy.ProxyWallet)
	e.setStr("PRIVATE_KEY", &c.Copy.PrivateKey)
	e.setInt("SIGNATURE_TYPE", &c.Copy.SignatureType)
	e.setBool("COPY_MERGES", &c.Copy.CopyMerges)

	if err := c.applyStrategyEnv(&e); err != nil {
		return err
	}

	e.setInt("RETRY_LIMIT", &c.Execution.RetryLimit)
	e.setFloat("MAX_PRICE_SLIPPAGE", &c.Execution.MaxPriceSlippage)
	e.setInt("FETCH_INTERVAL", &c.Ingest.FetchIntervalSec)
	e.setInt("TOO_OLD_TIMESTAMP", &c.Ingest.TooOldHours)
	if v, ok := e.int("TOO_OLD_TIMESTAMP_MINUTES"); ok {
		c.Ingest.TooOldMinutes = &v
	}
	e.setBool("REALTIME_ENABLED", &c.Ingest.RealtimeEnabled)
	e.setStr("RTDS_URL", &c.Ingest.RealtimeWSURL)

	e.setBool("TRADE_AGGREGATION_ENABLED", &c.Aggregation.Enabled)
	e.setInt("TRADE_AGGREGATION_WINDOW_SECONDS", &c.Aggregation.WindowSeconds)

	e.setStr("DATA_API_URL", &c.Network.DataAPIURL)
	e.setStr("CLOB_HTTP_URL", &c.Network.ClobHTTPURL)
	e.setStr("RPC_URL", &c.Network.RPCURL)
	e.setStr("USDC_CONTRACT_ADDRESS", &c.Network.USDCContractAddress)
	e.setInt("REQUEST_TIMEOUT_MS", &c.Network.RequestTimeoutMS)
	e.setInt("NETWORK_RETRY_LIMIT", &c.Network.NetworkRetryLimit)

	e.setStr("STORAGE_DRIVER", &c.Storage.Driver)
	e.setStr("SQLITE_PATH", &c.Storage.SQLitePath)
	e.setStr("DATABASE_URL", &c.Storage.PostgresDSN)
	if host, ok := e.str("REDIS_HOST"); ok {
		port, _ := e.str("REDIS_PORT")
		if port == "" {
			port = "6379"
		}
		c.Storage.RedisAddr = host + ":" + port
	}
	e.setStr("REDIS_PASSWORD", &c.Storage.RedisPassword)

	e.setBool("SERVER_ENABLED", &c.Server.Enabled)
	e.setInt("PORT", &c.Server.Port)
	e.setStr("LOG_LEVEL", &c.Log.Level)
	e.setStr("LOG_FORMAT", &c.Log.Format)
	e.setInt("SHUTDOWN_GRACE_PERIOD_MS", &c.Shutdown.GracePeriodMS)

	return e.err
}

func (c *Config) applyStrategyEnv(e *envReader) error {
	s := &c.Strategy
	legacy := false

	if v, ok := e.str("COPY_STRATEGY"); ok {
		s.Strategy = strategy.ParseKind(v)
		e.setFloat("COPY_SIZE", &s.CopySize)
		if s.Strategy == strategy.KindAdaptive {
			s.AdaptiveMinPercent = e.floatPtr("ADAPTIVE_MIN_PERCENT", s.CopySize)
			s.AdaptiveMaxPercent = e.floatPtr("ADAPTIVE_MAX_PERCENT", s.CopySize)
			s.AdaptiveThreshold = e.floatPtr("ADAPTIVE_THRESHOLD_USD", 500)
		}
	} else if pct, ok := e.float("COPY_PERCENTAGE"); ok {
		mult := 1.0
		if m, ok := e.float("TRADE_MULTIPLIER"); ok {
			mult = m
		}
		s.Strategy = strategy.KindPercentage
		s.CopySize = pct * mult
		legacy = true
	}

	e.setFloat("MAX_ORDER_SIZE_USD", &s.MaxOrderSizeUSD)
	e.setFloat("MIN_ORDER_SIZE_USD", &s.MinOrderSizeUSD)
	if v, ok := e.float("MAX_POSITION_SIZE_USD"); ok {
		s.MaxPositionSizeUSD = &v
	}
	if v, ok := e.float("MAX_DAILY_VOLUME_USD"); ok {
		s.MaxDailyVolumeUSD = &v
	}

	if v, ok := e.str("TIERED_MULTIPLIERS"); ok {
		s.TieredMultipliers = v
	}
	// The legacy mapping already folded TRADE_MULTIPLIER into copy_size.
	if !legacy {
		if v, ok := e.float("TRADE_MULTIPLIER"); ok {
			s.TradeMultiplier = &v
		}
	}
	return e.err
}

// envReader collects the first parse error so callers can chain setters.
type envReader struct {
	lookup lookupFunc
	err    error
}

func (e *envReader) str(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) fail(key, value, kind string) {
	if e.err == nil {
		e.err = fmt.Errorf("%w: invalid %s: %q is not a valid %s", ErrInvalidConfig, key, value, kind)
	}
}

func (e *envReader) int(key string) (int, bool) {
	v, ok := e.str(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, "integer")
		return 0, false
	}
	return n, true
}

func (e *envReader) float(key string) (float64, bool) {
	v, ok := e.str(key)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, v, "number")
		return 0, false
	}
	return f, true
}

func (e *envReader) floatPtr(key string, fallback float64) *float64 {
	if v, ok := e.float(key); ok {
		return &v
	}
	return &fallback
}

func (e *envReader) setStr(key string, dst *string) {
	if v, ok := e.str(key); ok {
		*dst = v
	}
}

func (e *envReader) setInt(key string, dst *int) {
	if v, ok := e.int(key); ok {
		*dst = v
	}
}

func (e *envReader) setFloat(key string, dst *float64) {
	if v, ok := e.float(key); ok {
		*dst = v
	}
}

func (e *envReader) setBool(key string, dst *bool) {
	v, ok := e.str(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, "boolean")
		return
	}
	*dst = b
}
