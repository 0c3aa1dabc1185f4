package config

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, hash, err := LoadConfigWithHash(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfigWithHash: %v", err)
	}
	def := DefaultConfig()
	if cfg.Merchant.PayTo != def.Merchant.PayTo {
		t.Errorf("expected default merchant, got %+v", cfg.Merchant)
	}
	if len(cfg.Resources) != 2 {
		t.Errorf("expected 2 default resources, got %d", len(cfg.Resources))
	}

	empty := sha256.Sum256(nil)
	if hash != "sha256:"+hex.EncodeToString(empty[:]) {
		t.Errorf("defaults must hash as empty input, got %s", hash)
	}
}

func TestLoadOverridesOnlySpecifiedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := []byte("merchant:\n  pay_to: \"0xabc\"\n  network: \"eip155:8453\"\nlimits:\n  daily_usd: 100\n")
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, hash, err := LoadConfigWithHash(path)
	if err != nil {
		t.Fatalf("LoadConfigWithHash: %v", err)
	}
	if cfg.Merchant.PayTo != "0xabc" || cfg.Merchant.Network != "eip155:8453" {
		t.Errorf("merchant not overridden: %+v", cfg.Merchant)
	}
	if cfg.Limits.DailyUSD != 100 {
		t.Errorf("daily limit not overridden: %v", cfg.Limits.DailyUSD)
	}
	// Unspecified fields keep their defaults.
	if cfg.Limits.PerTxUSD != 5 || cfg.Listen != ":8402" {
		t.Errorf("defaults lost: %+v", cfg)
	}

	sum := sha256.Sum256(raw)
	if hash != "sha256:"+hex.EncodeToString(sum[:]) {
		t.Errorf("hash must cover raw bytes, got %s", hash)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("merchant: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadConfigWithHash(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidateRejectsFreeMeteredResource(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resources[0].PriceUSD = 0
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "more than zero") {
		t.Fatalf("expected zero-price rejection, got %v", err)
	}
}

func TestValidateRejectsDuplicateResourceIDs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resources = append(cfg.Resources, cfg.Resources[0])
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected duplicate id rejection")
	}
}

func TestValidateRequiresMerchant(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Merchant.PayTo = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected missing pay_to rejection")
	}
}
