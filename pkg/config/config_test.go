package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
upstream:
  endpoint: "grpc.example.com:443"
  token: "secret"
programs:
  bonding_curve: "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"
  amm_pool: "pAMMBay6oceH9fJKBRHGP5D4bD4sWpmSwMn52FMfXEA"
monitor:
  save_all_tokens: true
persistence:
  connection_string: "postgres://localhost/ingest"
`

func writeTempConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))
	return path
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	path := writeTempConfig(t)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "grpc.example.com:443", cfg.Upstream.Endpoint)
	require.Equal(t, "confirmed", cfg.Upstream.Commitment)
	require.True(t, cfg.Monitor.SaveAllTokens)
	require.Equal(t, 5, cfg.Supervisor.FailureThreshold)
	require.Equal(t, 150.0, cfg.Oracle.FallbackUSD)
	require.Equal(t, "postgres://localhost/ingest", cfg.Persistence.ConnectionString)
}

func TestLoadRejectsMissingRequiredKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("upstream:\n  endpoint: \"x\"\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
}

func TestMillisConvertsToDuration(t *testing.T) {
	require.Equal(t, int64(5_000_000_000), Millis(5_000).Nanoseconds())
}
