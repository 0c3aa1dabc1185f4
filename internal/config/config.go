// Package config holds the merchant, pricing, and credential-limit
// configuration for the spendgate server.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Merchant identifies where challenged payments should be sent.
type Merchant struct {
	PayTo   string `yaml:"pay_to"`
	Network string `yaml:"network"`
	Asset   string `yaml:"asset"`
	Scheme  string `yaml:"scheme"`
}

// Resource is one metered endpoint served behind the paywall.
type Resource struct {
	ID          string  `yaml:"id"`
	Method      string  `yaml:"method"`
	Path        string  `yaml:"path"`
	PriceUSD    float64 `yaml:"price_usd"`
	Description string  `yaml:"description"`
}

// Limits are the defaults applied to newly registered credentials.
type Limits struct {
	DailyUSD    float64 `yaml:"daily_usd"`
	PerTxUSD    float64 `yaml:"per_tx_usd"`
	ExpiryHours int     `yaml:"expiry_hours"`
}

// Config holds all configurable spendgate parameters.
type Config struct {
	Listen       string     `yaml:"listen"`
	Merchant     Merchant   `yaml:"merchant"`
	Limits       Limits     `yaml:"limits"`
	Resources    []Resource `yaml:"resources"`
	DashboardURL string     `yaml:"dashboard_url"`
}

// DefaultConfig returns the built-in demo configuration: a Base Sepolia
// USDC merchant and two sample metered resources.
func DefaultConfig() *Config {
	return &Config{
		Listen: ":8402",
		Merchant: Merchant{
			PayTo:   "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
			Network: "eip155:84532",
			Asset:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Scheme:  "exact",
		},
		Limits: Limits{
			DailyUSD:    50,
			PerTxUSD:    5,
			ExpiryHours: 24,
		},
		Resources: []Resource{
			{
				ID:          "market-sol",
				Method:      http.MethodGet,
				Path:        "/market/sol",
				PriceUSD:    0.005,
				Description: "Latest SOL market quote",
			},
			{
				ID:          "analyze",
				Method:      http.MethodPost,
				Path:        "/analyze",
				PriceUSD:    0.01,
				Description: "Analysis over a posted payload",
			},
		},
	}
}

// Validate rejects configurations the server must not start with.
func (c *Config) Validate() error {
	if c.Merchant.PayTo == "" {
		return fmt.Errorf("config: merchant pay_to is required")
	}
	if c.Merchant.Network == "" {
		return fmt.Errorf("config: merchant network is required")
	}
	seen := make(map[string]bool, len(c.Resources))
	for i, r := range c.Resources {
		if r.ID == "" || r.Path == "" {
			return fmt.Errorf("config: resource needs both id and path: %+v", r)
		}
		if r.Method == "" {
			c.Resources[i].Method = http.MethodGet
		}
		if r.PriceUSD <= 0 {
			return fmt.Errorf("config: resource %s priced at $%v; metered resources must cost more than zero", r.ID, r.PriceUSD)
		}
		if seen[r.ID] {
			return fmt.Errorf("config: duplicate resource id %s", r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}

// DefaultPath returns ~/.spendgate/config.yaml, or "" when the home
// directory cannot be resolved.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".spendgate", "config.yaml")
}

// LoadConfig loads configuration from a YAML file.
// Empty path falls back to ~/.spendgate/config.yaml.
// Missing file returns defaults. Invalid YAML returns an error.
func LoadConfig(path string) (*Config, error) {
	cfg, _, err := LoadConfigWithHash(path)
	return cfg, err
}

// LoadConfigWithHash loads configuration and returns its SHA-256 hash.
// The hash is computed over the raw YAML bytes on disk.
// When no file exists (defaults used), the hash is the SHA-256 of empty input.
func LoadConfigWithHash(path string) (*Config, string, error) {
	if path == "" {
		path = DefaultPath()
	}

	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, "", fmt.Errorf("failed to read config: %w", err)
			}
			data = nil
		}
	}

	h := sha256.Sum256(data)
	hash := "sha256:" + hex.EncodeToString(h[:])

	// Start with defaults, YAML overwrites only specified fields.
	cfg := DefaultConfig()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, "", fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	return cfg, hash, nil
}
