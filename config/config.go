package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	nativecommon "miaochain/native/common"
)

type Config struct {
	ListenAddress string        `toml:"ListenAddress"`
	DataDir       string        `toml:"DataDir"`
	Environment   string        `toml:"Environment"`
	LogLevel      string        `toml:"LogLevel"`
	Synth         SynthConfig   `toml:"synth"`
	Oracle        OracleConfig  `toml:"oracle"`
	Genesis       GenesisConfig `toml:"genesis"`

	API       APIConfig       `toml:"api"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Log       LogConfig       `toml:"log"`
}

// JWTSecretEnv overrides api.auth.HMACSecret when set.
const JWTSecretEnv = "MIAOD_JWT_SECRET"

// Load loads the configuration from the given path. A missing file is
// replaced by a default configuration suitable for a local network.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Pauses exposes the operator pause flag to the engine guard.
func (c *Config) Pauses() nativecommon.StaticPauses {
	return nativecommon.StaticPauses{"synth": c.Synth.Paused}
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "local"
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}
	c.Oracle.Mode = strings.ToLower(strings.TrimSpace(c.Oracle.Mode))
	if c.Oracle.Mode == "" {
		c.Oracle.Mode = OracleModeStatic
	}
	if c.Oracle.TimeoutSeconds <= 0 {
		c.Oracle.TimeoutSeconds = 5
	}
	if secret := strings.TrimSpace(os.Getenv(JWTSecretEnv)); secret != "" {
		c.API.Auth.HMACSecret = secret
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress: ":8088",
		DataDir:       "./miao-data",
		Environment:   "local",
		LogLevel:      "info",
		Synth: SynthConfig{
			Token:   "0x00000000000000000000000000000000000000a0",
			Custody: "0x00000000000000000000000000000000000000c0",
			Collateral: []CollateralConfig{
				{Asset: "0x00000000000000000000000000000000000000e1", Oracle: "0x00000000000000000000000000000000000000f1", Symbol: "WETH", Decimals: 18},
				{Asset: "0x00000000000000000000000000000000000000e2", Oracle: "0x00000000000000000000000000000000000000f2", Symbol: "WBTC", Decimals: 18},
			},
		},
		Oracle: OracleConfig{
			Mode:           OracleModeStatic,
			TimeoutSeconds: 5,
			Prices: []PriceConfig{
				{Feed: "0x00000000000000000000000000000000000000f1", Price: "200000000000", Decimals: 8},
				{Feed: "0x00000000000000000000000000000000000000f2", Price: "3000000000000", Decimals: 8},
			},
		},
		API: APIConfig{
			RateLimitPerMinute:    120,
			RateLimitBurst:        20,
			IdempotencyTTLSeconds: 86400,
		},
		Telemetry: TelemetryConfig{Traces: true, Metrics: true},
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
