package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config captures the runtime settings for the vault service daemon.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"env"`
	DataDir       string          `yaml:"data_dir"`
	VaultConfig   string          `yaml:"vault_config"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Sim           SimConfig       `yaml:"sim"`
}

// AuthConfig lists the bearer tokens accepted on mutating routes.
type AuthConfig struct {
	APITokens []string `yaml:"api_tokens"`
}

// RateLimitConfig bounds the mutating request rate. Zero disables limiting.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// SimConfig parameterises the in-process venue simulator used when no real
// venue adapters are wired.
type SimConfig struct {
	// StakerRate is the WAD-scaled borrowed-to-receipt conversion rate.
	// Empty means 1:1.
	StakerRate string       `yaml:"staker_rate"`
	Rates      []RateEntry  `yaml:"rates"`
	Venues     []VenueEntry `yaml:"venues"`
}

// RateEntry seeds one oracle pair (the inverse is derived).
type RateEntry struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
	Rate string `yaml:"rate"`
}

// VenueEntry describes one simulated credit venue.
type VenueEntry struct {
	Name   string `yaml:"name"`
	LTVBps uint64 `yaml:"ltv_bps"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: ":8644",
		VaultConfig:   "config/vault.toml",
	}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8644"
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	cfg.VaultConfig = strings.TrimSpace(cfg.VaultConfig)

	tokens := cfg.Auth.APITokens[:0]
	for _, token := range cfg.Auth.APITokens {
		if trimmed := strings.TrimSpace(token); trimmed != "" {
			tokens = append(tokens, trimmed)
		}
	}
	cfg.Auth.APITokens = tokens

	if len(cfg.Sim.Venues) == 0 {
		cfg.Sim.Venues = []VenueEntry{{Name: "primary", LTVBps: 8000}}
	}
}

func (cfg *Config) validate() error {
	if cfg.VaultConfig == "" {
		return fmt.Errorf("vault_config path required")
	}
	if cfg.RateLimit.PerSecond < 0 {
		return fmt.Errorf("rate_limit: per_second must not be negative")
	}
	if cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: burst must not be negative")
	}
	if len(cfg.Sim.Venues) > 2 {
		return fmt.Errorf("sim: at most two venues supported")
	}
	for i, venue := range cfg.Sim.Venues {
		if venue.LTVBps == 0 || venue.LTVBps >= 10_000 {
			return fmt.Errorf("sim: venues[%d]: ltv_bps must be within (0, 10000)", i)
		}
	}
	if _, err := parseWad(cfg.Sim.StakerRate); err != nil {
		return fmt.Errorf("sim: staker_rate: %w", err)
	}
	for i, entry := range cfg.Sim.Rates {
		if strings.TrimSpace(entry.From) == "" || strings.TrimSpace(entry.To) == "" {
			return fmt.Errorf("sim: rates[%d]: from and to required", i)
		}
		if _, err := parseWad(entry.Rate); err != nil {
			return fmt.Errorf("sim: rates[%d]: %w", i, err)
		}
	}
	return nil
}

// StakerRateWad returns the parsed staker rate, nil when unset.
func (cfg *Config) StakerRateWad() *big.Int {
	rate, _ := parseWad(cfg.Sim.StakerRate)
	return rate
}

// RateWad returns the parsed rate for one oracle entry.
func (e RateEntry) RateWad() *big.Int {
	rate, _ := parseWad(e.Rate)
	return rate
}

func parseWad(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() <= 0 {
		return nil, fmt.Errorf("invalid rate %q", raw)
	}
	return value, nil
}
