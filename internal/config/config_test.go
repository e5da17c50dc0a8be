package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"nearbydrop/internal/transfer"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestDefaultLedgerLimitsMatchNegotiator(t *testing.T) {
	cfg := Default()
	if cfg.OfferTTL != transfer.DefaultOfferTTL || cfg.MaxOffers != transfer.DefaultMaxOffers {
		t.Fatalf("ledger defaults drifted: ttl=%v max=%d", cfg.OfferTTL, cfg.MaxOffers)
	}
}

func TestLoadIconsFromAliasFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alias.json")
	if err := os.WriteFile(path, []byte(`{"icons": ["Dog", " Cat ", "Dog", ""]}`), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	cfg := Default()
	cfg.AliasesPath = path
	if err := cfg.LoadIcons(); err != nil {
		t.Fatalf("load icons failed: %v", err)
	}
	if len(cfg.Icons) != 2 || cfg.Icons[0] != "Dog" || cfg.Icons[1] != "Cat" {
		t.Fatalf("unexpected icons: %v", cfg.Icons)
	}
}

func TestLoadIconsRejectsEmptyPool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alias.json")
	if err := os.WriteFile(path, []byte(`{"icons": []}`), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	cfg := Default()
	cfg.AliasesPath = path
	if err := cfg.LoadIcons(); err == nil {
		t.Fatalf("expected error for empty icon pool")
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Icons = nil
	cfg.TLSCert = "server.crt"
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"icon pool", "tls cert and key"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}
