// Copyright 2026 The Tollgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the daemon's YAML configuration. The path
// comes from --config or the TOLLGATE_CONFIG environment variable;
// there is no search-path discovery.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/tollgate/chain"
)

// Duration wraps time.Duration for YAML fields written as "5s", "1m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Chain configures the RPC endpoints and deposit program.
type Chain struct {
	// RPCURL is the JSON-RPC HTTP endpoint.
	RPCURL string `yaml:"rpc_url"`

	// WSURL is the websocket endpoint for push subscriptions. Empty
	// disables the push feed; the mirror then runs poll-only.
	WSURL string `yaml:"ws_url"`

	// ProgramID is the deposit program address.
	ProgramID string `yaml:"program_id"`

	// PollInterval is the mirror poll cadence.
	PollInterval Duration `yaml:"poll_interval"`
}

// Upstream configures one inference provider.
type Upstream struct {
	// BaseURL is the provider's API root.
	BaseURL string `yaml:"base_url"`

	// APIKeyEnv names the environment variable holding the
	// credential; resolved into APIKey at load.
	APIKeyEnv string `yaml:"api_key_env"`

	// APIKey is the resolved credential. Settable directly in tests;
	// never written in config files.
	APIKey string `yaml:"-"`
}

// Asset is one seed entry for the ledger's asset registry.
type Asset struct {
	Mint     string  `yaml:"mint"`
	Symbol   string  `yaml:"symbol"`
	Decimals int     `yaml:"decimals"`
	Rate     float64 `yaml:"rate"`
}

// Config is the daemon configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// Database is the SQLite ledger path.
	Database string `yaml:"database"`

	// ReferenceAsset is the mint costs are denominated in.
	ReferenceAsset string `yaml:"reference_asset"`

	// PricingPath is an optional YAML price table; empty uses the
	// built-in table.
	PricingPath string `yaml:"pricing"`

	Chain  Chain `yaml:"chain"`
	Assets []Asset `yaml:"assets"`

	OpenAI    Upstream `yaml:"openai"`
	Anthropic Upstream `yaml:"anthropic"`
}

// EnvVar is the environment variable naming the config file when
// --config is not given.
const EnvVar = "TOLLGATE_CONFIG"

// Path resolves the config file path from the flag value or EnvVar.
// Empty means run on defaults alone.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(EnvVar)
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:         ":8080",
		Database:       "tollgate.db",
		ReferenceAsset: chain.USDCMintDevnet,
		Chain: Chain{
			RPCURL:       "https://api.devnet.solana.com",
			WSURL:        "wss://api.devnet.solana.com",
			ProgramID:    "C4UAHoYgqZ7dmS4JypAwQcJ1YzYVM86S2eA1PTUthzve",
			PollInterval: Duration{5 * time.Second},
		},
		Assets: []Asset{
			{Mint: chain.USDCMintDevnet, Symbol: "USDC", Decimals: 6, Rate: 1},
			{Mint: chain.SOLMint, Symbol: "SOL", Decimals: 9, Rate: 150},
		},
		OpenAI: Upstream{
			BaseURL:   "https://api.openai.com",
			APIKeyEnv: "OPENAI_API_KEY",
		},
		Anthropic: Upstream{
			BaseURL:   "https://api.anthropic.com",
			APIKeyEnv: "ANTHROPIC_API_KEY",
		},
	}
}

// Load reads the file at path over the defaults, resolves upstream
// credentials from the environment, and validates the result. An
// empty path loads pure defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if cfg.OpenAI.APIKeyEnv != "" {
		cfg.OpenAI.APIKey = os.Getenv(cfg.OpenAI.APIKeyEnv)
	}
	if cfg.Anthropic.APIKeyEnv != "" {
		cfg.Anthropic.APIKey = os.Getenv(cfg.Anthropic.APIKeyEnv)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen is required")
	}
	if c.Database == "" {
		return fmt.Errorf("config: database is required")
	}
	if c.ReferenceAsset == "" {
		return fmt.Errorf("config: reference_asset is required")
	}
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("config: chain.rpc_url is required")
	}
	if c.Chain.ProgramID == "" {
		return fmt.Errorf("config: chain.program_id is required")
	}
	if c.Chain.PollInterval.Duration <= 0 {
		return fmt.Errorf("config: chain.poll_interval must be positive")
	}
	referenceSeeded := false
	for _, asset := range c.Assets {
		if asset.Mint == "" || asset.Symbol == "" {
			return fmt.Errorf("config: asset entries need mint and symbol")
		}
		if asset.Decimals < 0 || asset.Rate < 0 {
			return fmt.Errorf("config: asset %s: negative decimals or rate", asset.Symbol)
		}
		if asset.Mint == c.ReferenceAsset {
			referenceSeeded = true
		}
	}
	if !referenceSeeded {
		return fmt.Errorf("config: reference asset %s missing from assets", c.ReferenceAsset)
	}
	return nil
}
