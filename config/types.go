package config

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Oracle modes.
const (
	OracleModeStatic = "static"
	OracleModeEVM    = "evm"
)

// SynthConfig describes the synthetic token, the engine custody account and
// the collateral registry.
type SynthConfig struct {
	Token      string             `toml:"Token"`
	Custody    string             `toml:"Custody"`
	Paused     bool               `toml:"Paused"`
	Collateral []CollateralConfig `toml:"collateral"`
}

// CollateralConfig registers one collateral asset and the feed pricing it.
type CollateralConfig struct {
	Asset    string `toml:"Asset"`
	Oracle   string `toml:"Oracle"`
	Symbol   string `toml:"Symbol"`
	Decimals uint8  `toml:"Decimals"`
}

// OracleConfig selects where prices come from. The static mode serves Prices;
// the evm mode calls the aggregator contracts named by each collateral Oracle.
type OracleConfig struct {
	Mode           string        `toml:"Mode"`
	RPCURL         string        `toml:"RPCURL"`
	TimeoutSeconds int           `toml:"TimeoutSeconds"`
	Prices         []PriceConfig `toml:"prices"`
}

// Timeout returns the per-call deadline for evm feeds.
func (o OracleConfig) Timeout() time.Duration {
	if o.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// PriceConfig is a static quote for a feed.
type PriceConfig struct {
	Feed     string `toml:"Feed"`
	Price    string `toml:"Price"`
	Decimals uint8  `toml:"Decimals"`
}

// GenesisConfig seeds balances on first start, for local networks.
type GenesisConfig struct {
	Balances []BalanceConfig `toml:"balances"`
}

// BalanceConfig credits Amount of Asset to Holder. Asset may be the synth
// token or any collateral.
type BalanceConfig struct {
	Asset  string `toml:"Asset"`
	Holder string `toml:"Holder"`
	Amount string `toml:"Amount"`
}

// Assets returns the collateral and feed addresses in registration order.
func (s SynthConfig) Assets() (assets, oracles []common.Address) {
	assets = make([]common.Address, 0, len(s.Collateral))
	oracles = make([]common.Address, 0, len(s.Collateral))
	for _, c := range s.Collateral {
		assets = append(assets, hexAddress(c.Asset))
		oracles = append(oracles, hexAddress(c.Oracle))
	}
	return assets, oracles
}

// TokenAddress returns the synth token address.
func (s SynthConfig) TokenAddress() common.Address { return hexAddress(s.Token) }

// CustodyAddress returns the account holding deposited collateral.
func (s SynthConfig) CustodyAddress() common.Address { return hexAddress(s.Custody) }

func hexAddress(value string) common.Address {
	return common.HexToAddress(strings.TrimSpace(value))
}

// APIConfig hardens the HTTP surface. Limits and auth apply to mutating
// routes only; reads stay open.
type APIConfig struct {
	RateLimitPerMinute    float64    `toml:"RateLimitPerMinute"`
	RateLimitBurst        int        `toml:"RateLimitBurst"`
	IdempotencyTTLSeconds int        `toml:"IdempotencyTTLSeconds"`
	Auth                  AuthConfig `toml:"auth"`
}

// IdempotencyTTL returns how long replayable responses are kept.
func (a APIConfig) IdempotencyTTL() time.Duration {
	if a.IdempotencyTTLSeconds <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(a.IdempotencyTTLSeconds) * time.Second
}

// AuthConfig enables HS256 bearer tokens. The secret may also come from the
// MIAOD_JWT_SECRET environment variable.
type AuthConfig struct {
	Enabled    bool   `toml:"Enabled"`
	HMACSecret string `toml:"HMACSecret"`
	Issuer     string `toml:"Issuer"`
	Audience   string `toml:"Audience"`
}

// TelemetryConfig points the OTLP exporters at a collector.
type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Headers  string `toml:"Headers"`
	Traces   bool   `toml:"Traces"`
	Metrics  bool   `toml:"Metrics"`
}

// LogConfig adds a rotated log file next to stdout.
type LogConfig struct {
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}
