package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vaultd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "vault_config: vault.toml\n"))
	require.NoError(t, err)
	require.Equal(t, ":8644", cfg.ListenAddress)
	require.Len(t, cfg.Sim.Venues, 1)
	require.Equal(t, uint64(8000), cfg.Sim.Venues[0].LTVBps)
	require.Nil(t, cfg.StakerRateWad())
}

func TestLoadParsesFullConfig(t *testing.T) {
	contents := `listen: ":9000"
env: dev
data_dir: ./data
vault_config: ./vault.toml
auth:
  api_tokens:
    - " token-a "
    - ""
rate_limit:
  per_second: 5
  burst: 10
sim:
  staker_rate: "990000000000000000"
  rates:
    - from: base
      to: borrowed
      rate: "1000000000000000000"
  venues:
    - name: primary
      ltv_bps: 8000
    - name: secondary
      ltv_bps: 7000
`
	cfg, err := Load(writeConfig(t, contents))
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.ListenAddress)
	require.Equal(t, []string{"token-a"}, cfg.Auth.APITokens)
	require.Equal(t, 5.0, cfg.RateLimit.PerSecond)
	require.Len(t, cfg.Sim.Venues, 2)
	require.Equal(t, "990000000000000000", cfg.StakerRateWad().String())
	require.Equal(t, "1000000000000000000", cfg.Sim.Rates[0].RateWad().String())
}

func TestLoadRejectsBadSettings(t *testing.T) {
	_, err := Load(writeConfig(t, "vault_config: \"\"\n"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, `vault_config: vault.toml
sim:
  venues:
    - name: primary
      ltv_bps: 10000
`))
	require.Error(t, err)

	_, err = Load(writeConfig(t, `vault_config: vault.toml
sim:
  staker_rate: "zero"
`))
	require.Error(t, err)

	_, err = Load(writeConfig(t, `vault_config: vault.toml
rate_limit:
  per_second: -1
`))
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
