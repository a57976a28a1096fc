package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("config: invalid")

// Validate checks addresses, amounts and the oracle wiring.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("%w: ListenAddress is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("%w: DataDir is required", ErrInvalidConfig)
	}
	if err := requireAddress("synth.Token", c.Synth.Token); err != nil {
		return err
	}
	if err := requireAddress("synth.Custody", c.Synth.Custody); err != nil {
		return err
	}
	if len(c.Synth.Collateral) == 0 {
		return fmt.Errorf("%w: at least one synth.collateral entry is required", ErrInvalidConfig)
	}
	seen := make(map[common.Address]struct{}, len(c.Synth.Collateral))
	for i, col := range c.Synth.Collateral {
		if err := requireAddress(fmt.Sprintf("synth.collateral[%d].Asset", i), col.Asset); err != nil {
			return err
		}
		if err := requireAddress(fmt.Sprintf("synth.collateral[%d].Oracle", i), col.Oracle); err != nil {
			return err
		}
		asset := hexAddress(col.Asset)
		if asset == c.Synth.TokenAddress() {
			return fmt.Errorf("%w: synth.collateral[%d] is the synth token", ErrInvalidConfig, i)
		}
		if _, dup := seen[asset]; dup {
			return fmt.Errorf("%w: synth.collateral[%d] registered twice", ErrInvalidConfig, i)
		}
		seen[asset] = struct{}{}
	}

	switch c.Oracle.Mode {
	case OracleModeStatic:
		for i, p := range c.Oracle.Prices {
			if err := requireAddress(fmt.Sprintf("oracle.prices[%d].Feed", i), p.Feed); err != nil {
				return err
			}
			if _, err := ParseAmount(p.Price); err != nil {
				return fmt.Errorf("%w: oracle.prices[%d].Price: %v", ErrInvalidConfig, i, err)
			}
		}
	case OracleModeEVM:
		if strings.TrimSpace(c.Oracle.RPCURL) == "" {
			return fmt.Errorf("%w: oracle.RPCURL is required in evm mode", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown oracle.Mode %q", ErrInvalidConfig, c.Oracle.Mode)
	}

	if c.API.RateLimitPerMinute < 0 || c.API.RateLimitBurst < 0 {
		return fmt.Errorf("%w: api rate limits must not be negative", ErrInvalidConfig)
	}
	if c.API.Auth.Enabled && strings.TrimSpace(c.API.Auth.HMACSecret) == "" {
		return fmt.Errorf("%w: api.auth.HMACSecret (or %s) is required when auth is enabled", ErrInvalidConfig, JWTSecretEnv)
	}

	known := map[common.Address]struct{}{c.Synth.TokenAddress(): {}}
	for asset := range seen {
		known[asset] = struct{}{}
	}
	for i, b := range c.Genesis.Balances {
		if err := requireAddress(fmt.Sprintf("genesis.balances[%d].Asset", i), b.Asset); err != nil {
			return err
		}
		if _, ok := known[hexAddress(b.Asset)]; !ok {
			return fmt.Errorf("%w: genesis.balances[%d] names an unknown asset", ErrInvalidConfig, i)
		}
		if err := requireAddress(fmt.Sprintf("genesis.balances[%d].Holder", i), b.Holder); err != nil {
			return err
		}
		if _, err := ParseAmount(b.Amount); err != nil {
			return fmt.Errorf("%w: genesis.balances[%d].Amount: %v", ErrInvalidConfig, i, err)
		}
	}
	return nil
}

// ParseAmount parses a positive base-10 integer.
func ParseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount is empty")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not an integer", value)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount %q must be positive", value)
	}
	return amount, nil
}

func requireAddress(field, value string) error {
	value = strings.TrimSpace(value)
	if !common.IsHexAddress(value) {
		return fmt.Errorf("%w: %s is not a hex address", ErrInvalidConfig, field)
	}
	if hexAddress(value) == (common.Address{}) {
		return fmt.Errorf("%w: %s must not be the zero address", ErrInvalidConfig, field)
	}
	return nil
}
