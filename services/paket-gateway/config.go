package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config captures runtime configuration for the paket gateway service.
type Config struct {
	ListenAddress string
	Environment   string
	// Debug unlocks the listing endpoints, verbose error bodies, callsign
	// resolution, and sandbox seeding.
	Debug bool
	// InsecureSkipVerification disables request authentication entirely.
	// Never set outside throwaway environments.
	InsecureSkipVerification bool

	// LedgerURL points at the ledger node's JSON-RPC endpoint. Empty selects
	// the in-process sandbox ledger (debug only).
	LedgerURL       string
	LedgerAuthToken string
	// IssuerSeed is the hex seed of the BUL issuing account, which doubles
	// as the operator funding new escrow accounts.
	IssuerSeed  string
	AssetCode   string
	BaseReserve uint64

	DatabasePath string
	NonceDBPath  string

	// Static price quote, in native units per BUL.
	PurchasePrice uint64
	SalePrice     uint64

	// Prefixes used to enrich package views with shareable URLs.
	PaketURLPrefix    string
	ExplorerURLPrefix string

	// Well-known sandbox account seeds, seeded in debug mode only.
	SandboxSeeds map[string]string
}

// fileConfig mirrors Config for the optional YAML file named by
// PAKET_GATEWAY_CONFIG. Environment variables override file values.
type fileConfig struct {
	ListenAddress            string            `yaml:"listen_address"`
	Environment              string            `yaml:"environment"`
	Debug                    bool              `yaml:"debug"`
	InsecureSkipVerification bool              `yaml:"insecure_skip_verification"`
	LedgerURL                string            `yaml:"ledger_url"`
	LedgerAuthToken          string            `yaml:"ledger_auth_token"`
	IssuerSeed               string            `yaml:"issuer_seed"`
	AssetCode                string            `yaml:"asset_code"`
	BaseReserve              uint64            `yaml:"base_reserve"`
	DatabasePath             string            `yaml:"database_path"`
	NonceDBPath              string            `yaml:"nonce_db_path"`
	PurchasePrice            uint64            `yaml:"purchase_price"`
	SalePrice                uint64            `yaml:"sale_price"`
	PaketURLPrefix           string            `yaml:"paket_url_prefix"`
	ExplorerURLPrefix        string            `yaml:"explorer_url_prefix"`
	SandboxSeeds             map[string]string `yaml:"sandbox_seeds"`
}

// LoadConfigFromEnv builds a configuration from the optional YAML file plus
// environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		ListenAddress:     ":8100",
		Environment:       "dev",
		AssetCode:         "BUL",
		BaseReserve:       100,
		DatabasePath:      "paket-gateway.db",
		NonceDBPath:       "paket-nonces",
		PurchasePrice:     5,
		SalePrice:         4,
		PaketURLPrefix:    "https://paket.global/paket/",
		ExplorerURLPrefix: "https://explorer.paket.global/account/",
	}

	if path := strings.TrimSpace(os.Getenv("PAKET_GATEWAY_CONFIG")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		var file fileConfig
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
		applyFileConfig(&cfg, file)
	}

	applyString(&cfg.ListenAddress, "PAKET_GATEWAY_LISTEN")
	applyString(&cfg.Environment, "PAKET_GATEWAY_ENV")
	applyString(&cfg.LedgerURL, "PAKET_GATEWAY_LEDGER_URL")
	applyString(&cfg.LedgerAuthToken, "PAKET_GATEWAY_LEDGER_TOKEN")
	applyString(&cfg.IssuerSeed, "PAKET_GATEWAY_ISSUER_SEED")
	applyString(&cfg.AssetCode, "PAKET_GATEWAY_ASSET_CODE")
	applyString(&cfg.DatabasePath, "PAKET_GATEWAY_DB_PATH")
	applyString(&cfg.NonceDBPath, "PAKET_GATEWAY_NONCE_DB_PATH")
	applyString(&cfg.PaketURLPrefix, "PAKET_GATEWAY_PAKET_URL_PREFIX")
	applyString(&cfg.ExplorerURLPrefix, "PAKET_GATEWAY_EXPLORER_URL_PREFIX")

	var err error
	if cfg.Debug, err = applyBool(cfg.Debug, "PAKET_GATEWAY_DEBUG"); err != nil {
		return Config{}, err
	}
	if cfg.InsecureSkipVerification, err = applyBool(cfg.InsecureSkipVerification, "PAKET_GATEWAY_INSECURE_SKIP_VERIFICATION"); err != nil {
		return Config{}, err
	}
	if cfg.BaseReserve, err = applyUint(cfg.BaseReserve, "PAKET_GATEWAY_BASE_RESERVE"); err != nil {
		return Config{}, err
	}
	if cfg.PurchasePrice, err = applyUint(cfg.PurchasePrice, "PAKET_GATEWAY_PURCHASE_PRICE"); err != nil {
		return Config{}, err
	}
	if cfg.SalePrice, err = applyUint(cfg.SalePrice, "PAKET_GATEWAY_SALE_PRICE"); err != nil {
		return Config{}, err
	}

	if cfg.IssuerSeed == "" {
		return Config{}, fmt.Errorf("PAKET_GATEWAY_ISSUER_SEED is required")
	}
	if cfg.LedgerURL == "" && !cfg.Debug {
		return Config{}, fmt.Errorf("PAKET_GATEWAY_LEDGER_URL is required outside debug mode")
	}
	if cfg.InsecureSkipVerification && !cfg.Debug {
		return Config{}, fmt.Errorf("PAKET_GATEWAY_INSECURE_SKIP_VERIFICATION requires debug mode")
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, file fileConfig) {
	if file.ListenAddress != "" {
		cfg.ListenAddress = file.ListenAddress
	}
	if file.Environment != "" {
		cfg.Environment = file.Environment
	}
	if file.Debug {
		cfg.Debug = true
	}
	if file.InsecureSkipVerification {
		cfg.InsecureSkipVerification = true
	}
	if file.LedgerURL != "" {
		cfg.LedgerURL = file.LedgerURL
	}
	if file.LedgerAuthToken != "" {
		cfg.LedgerAuthToken = file.LedgerAuthToken
	}
	if file.IssuerSeed != "" {
		cfg.IssuerSeed = file.IssuerSeed
	}
	if file.AssetCode != "" {
		cfg.AssetCode = file.AssetCode
	}
	if file.BaseReserve != 0 {
		cfg.BaseReserve = file.BaseReserve
	}
	if file.DatabasePath != "" {
		cfg.DatabasePath = file.DatabasePath
	}
	if file.NonceDBPath != "" {
		cfg.NonceDBPath = file.NonceDBPath
	}
	if file.PurchasePrice != 0 {
		cfg.PurchasePrice = file.PurchasePrice
	}
	if file.SalePrice != 0 {
		cfg.SalePrice = file.SalePrice
	}
	if file.PaketURLPrefix != "" {
		cfg.PaketURLPrefix = file.PaketURLPrefix
	}
	if file.ExplorerURLPrefix != "" {
		cfg.ExplorerURLPrefix = file.ExplorerURLPrefix
	}
	if len(file.SandboxSeeds) > 0 {
		cfg.SandboxSeeds = file.SandboxSeeds
	}
}

func applyString(dst *string, key string) {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		*dst = raw
	}
}

func applyBool(current bool, key string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return current, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return val, nil
}

func applyUint(current uint64, key string) (uint64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return current, nil
	}
	val, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return val, nil
}
