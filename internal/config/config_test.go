package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Strategy.Name != "extreme_price" {
		t.Errorf("default strategy = %q, want extreme_price", cfg.Strategy.Name)
	}
	if cfg.Strategy.ScanInterval != 300*time.Second {
		t.Errorf("scan interval = %v, want 5m", cfg.Strategy.ScanInterval)
	}
	if cfg.Extreme.BuyThreshold != 0.004 {
		t.Errorf("buy threshold = %v, want 0.004", cfg.Extreme.BuyThreshold)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load("", map[string]any{
		"strategy": map[string]any{"name": "calendar_arbitrage", "scan_interval": "10s"},
		"calendar_arbitrage": map[string]any{
			"min_profit_threshold": 0.03,
		},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Strategy.Name != "calendar_arbitrage" {
		t.Errorf("strategy = %q, want calendar_arbitrage", cfg.Strategy.Name)
	}
	if cfg.Strategy.ScanInterval != 10*time.Second {
		t.Errorf("scan interval = %v, want 10s", cfg.Strategy.ScanInterval)
	}
	if cfg.Calendar.MinProfitThreshold != 0.03 {
		t.Errorf("min profit = %v, want 0.03", cfg.Calendar.MinProfitThreshold)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load("", map[string]any{
		"extreme_price": map[string]any{"buy_threshold": 1.5},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for buy_threshold > 1")
	}
}

func TestLoadAccountFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "account.env")
	content := `API_KEY=key123
API_SECRET=secret456
API_PASSPHRASE=pass789
PRIVATE_KEY=0xabc
FUNDER_ADDRESS=0x1234567890abcdef1234567890abcdef12345678
CHAIN_ID=137
SECONDARY_VENUE_API_KEY=kalshi-key
DEFAULT_SLIPPAGE=0.02
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}

	acct, err := LoadAccount(path)
	if err != nil {
		t.Fatalf("LoadAccount: %v", err)
	}
	if acct.APIKey != "key123" || acct.APISecret != "secret456" {
		t.Errorf("credentials not parsed: %+v", acct)
	}
	if acct.ChainID != 137 {
		t.Errorf("ChainID = %d, want 137", acct.ChainID)
	}
	if acct.DefaultSlippage != 0.02 {
		t.Errorf("DefaultSlippage = %v, want 0.02", acct.DefaultSlippage)
	}
	if acct.SignatureMode() != "proxy" {
		t.Errorf("SignatureMode = %q, want proxy (funder present)", acct.SignatureMode())
	}
	if err := acct.Validate(false); err != nil {
		t.Errorf("account invalid: %v", err)
	}
}

func TestAccountSignatureModeEOA(t *testing.T) {
	acct := &Account{PrivateKey: "0xabc", ChainID: 137}
	if acct.SignatureMode() != "eoa" {
		t.Errorf("SignatureMode = %q, want eoa", acct.SignatureMode())
	}
}

func TestAccountValidateDryRunSkipsCredentials(t *testing.T) {
	acct := &Account{}
	if err := acct.Validate(true); err != nil {
		t.Errorf("dry-run validation should pass without credentials: %v", err)
	}
	if err := acct.Validate(false); err == nil {
		t.Error("live validation should require PRIVATE_KEY")
	}
}

func TestLoadAccountBadChainID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.env")
	if err := os.WriteFile(path, []byte("CHAIN_ID=polygon\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	if _, err := LoadAccount(path); err == nil {
		t.Error("expected error for non-numeric CHAIN_ID")
	}
}
