package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	"loopvault/native/vault"
)

// Config is the genesis configuration of a vault instance: role assignments,
// fee settings and the initial loop strategy. It is decoded from TOML and
// validated against the same bounds the engine enforces at runtime, so a bad
// file fails at startup instead of on the first governance call.
type Config struct {
	Vault Vault `toml:"vault"`
}

type Vault struct {
	ModuleAddress string   `toml:"ModuleAddress"`
	Owner         string   `toml:"Owner"`
	Curator       string   `toml:"Curator"`
	Guardian      string   `toml:"Guardian"`
	Allocators    []string `toml:"Allocators"`
	FeeRecipient  string   `toml:"FeeRecipient"`
	SkimRecipient string   `toml:"SkimRecipient"`

	FeeBps          uint64 `toml:"FeeBps"`
	TimelockSeconds uint64 `toml:"TimelockSeconds"`
	// DepositCeiling is a decimal base-asset amount; empty or "0" means
	// unlimited.
	DepositCeiling string `toml:"DepositCeiling"`

	Strategy Strategy `toml:"strategy"`
}

type Strategy struct {
	TargetLeverageBps uint64 `toml:"TargetLeverageBps"`
	MaxIterations     uint64 `toml:"MaxIterations"`
	// MinHealthFactor is a WAD-scaled decimal string (1e18 = 1.0).
	MinHealthFactor string `toml:"MinHealthFactor"`
	VenueSplitBps   uint64 `toml:"VenueSplitBps"`
}

// Load reads and validates a vault configuration file.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks addresses, fee and strategy settings against engine bounds.
func (c *Config) Validate() error {
	v := &c.Vault
	if _, err := parseAddress(v.ModuleAddress, true); err != nil {
		return fmt.Errorf("config: ModuleAddress: %w", err)
	}
	if _, err := parseAddress(v.Owner, true); err != nil {
		return fmt.Errorf("config: Owner: %w", err)
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"Curator", v.Curator},
		{"Guardian", v.Guardian},
		{"FeeRecipient", v.FeeRecipient},
		{"SkimRecipient", v.SkimRecipient},
	} {
		if _, err := parseAddress(field.value, false); err != nil {
			return fmt.Errorf("config: %s: %w", field.name, err)
		}
	}
	for i, raw := range v.Allocators {
		if _, err := parseAddress(raw, true); err != nil {
			return fmt.Errorf("config: Allocators[%d]: %w", i, err)
		}
	}

	if v.FeeBps > vault.MaxFeeBps {
		return fmt.Errorf("config: FeeBps %d above ceiling %d", v.FeeBps, vault.MaxFeeBps)
	}
	if v.FeeBps > 0 && strings.TrimSpace(v.FeeRecipient) == "" {
		return fmt.Errorf("config: FeeRecipient required when FeeBps is non-zero")
	}
	if v.TimelockSeconds < vault.MinTimelockSeconds || v.TimelockSeconds > vault.MaxTimelockSeconds {
		return fmt.Errorf("config: TimelockSeconds %d outside [%d, %d]", v.TimelockSeconds, vault.MinTimelockSeconds, vault.MaxTimelockSeconds)
	}
	if _, err := parseAmount(v.DepositCeiling); err != nil {
		return fmt.Errorf("config: DepositCeiling: %w", err)
	}

	s := &v.Strategy
	if s.TargetLeverageBps < 10_000 || s.TargetLeverageBps > vault.MaxLeverageBps {
		return fmt.Errorf("config: TargetLeverageBps %d outside [10000, %d]", s.TargetLeverageBps, vault.MaxLeverageBps)
	}
	if s.MaxIterations == 0 || s.MaxIterations > vault.MaxLoopIterations {
		return fmt.Errorf("config: MaxIterations %d outside [1, %d]", s.MaxIterations, vault.MaxLoopIterations)
	}
	if s.VenueSplitBps > 10_000 {
		return fmt.Errorf("config: VenueSplitBps %d above 10000", s.VenueSplitBps)
	}
	health, err := parseAmount(s.MinHealthFactor)
	if err != nil {
		return fmt.Errorf("config: MinHealthFactor: %w", err)
	}
	if health.Cmp(wadOne) < 0 {
		return fmt.Errorf("config: MinHealthFactor %s below 1.0 (1e18)", health)
	}
	return nil
}

// VaultState builds the genesis engine state described by the configuration.
func (c *Config) VaultState() (*vault.VaultState, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	v := &c.Vault

	owner, _ := parseAddress(v.Owner, true)
	curator, _ := parseAddress(v.Curator, false)
	guardian, _ := parseAddress(v.Guardian, false)
	feeRecipient, _ := parseAddress(v.FeeRecipient, false)
	skimRecipient, _ := parseAddress(v.SkimRecipient, false)
	ceiling, _ := parseAmount(v.DepositCeiling)
	health, _ := parseAmount(v.Strategy.MinHealthFactor)

	allocators := make(map[common.Address]bool, len(v.Allocators))
	for _, raw := range v.Allocators {
		addr, _ := parseAddress(raw, true)
		allocators[addr] = true
	}

	state := &vault.VaultState{
		Owner:         owner,
		Curator:       curator,
		Allocators:    allocators,
		FeeBps:        v.FeeBps,
		FeeRecipient:  feeRecipient,
		SkimRecipient: skimRecipient,
		TimelockSeconds: vault.Timelocked[uint64]{
			Value: v.TimelockSeconds,
		},
		Guardian: vault.Timelocked[common.Address]{
			Value: guardian,
		},
		DepositCeiling: vault.Timelocked[*big.Int]{
			Value: ceiling,
		},
		Strategy: vault.StrategyParams{
			TargetLeverageBps: v.Strategy.TargetLeverageBps,
			MaxIterations:     v.Strategy.MaxIterations,
			MinHealthFactor:   health,
			VenueSplitBps:     v.Strategy.VenueSplitBps,
		},
	}
	state.Normalize()
	return state, nil
}

// ModuleAddr returns the parsed module treasury address.
func (c *Config) ModuleAddr() common.Address {
	addr, _ := parseAddress(c.Vault.ModuleAddress, true)
	return addr
}

var wadOne = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func parseAddress(raw string, required bool) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if required {
			return common.Address{}, fmt.Errorf("address required")
		}
		return common.Address{}, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func parseAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}
