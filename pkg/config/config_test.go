package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agentwallet/pkg/config"
)

var envKeys = []string{
	"AGENTWALLET_NETWORK", "AGENTWALLET_NETWORKS_FILE", "AGENTWALLET_DATA_DIR",
	"AGENTWALLET_STORAGE_DRIVER", "AGENTWALLET_STORAGE_DSN", "AGENTWALLET_STORAGE_SECRET",
	"AGENTWALLET_RPC_URL", "AGENTWALLET_RPC_RPS", "AGENTWALLET_EXECUTION_URL",
	"AGENTWALLET_SESSION_TTL", "AGENTWALLET_CAPACITY_REQUESTS", "AGENTWALLET_CAPACITY_DAYS",
	"OPENAI_API_KEY", "OPENAI_MODEL", "OPENAI_BASE_URL", "LOG_LEVEL", "OTEL_EXPORTER_OTLP_ENDPOINT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

// TestLoad_Defaults verifies the process boots against datil-dev with a
// per-network sqlite store when nothing is set.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("AGENTWALLET_DATA_DIR", "/tmp/aw")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "datil-dev", cfg.NetworkName)
	assert.Equal(t, "sqlite", cfg.StorageDriver)
	assert.Equal(t, filepath.Join("/tmp/aw", "datil-dev", "storage.db"), cfg.StorageDSN)
	assert.Equal(t, 10*time.Minute, cfg.SessionTTL)
	assert.Equal(t, int64(10), cfg.CapacityRequests)
	assert.Equal(t, 1, cfg.CapacityDays)
	assert.Equal(t, "INFO", cfg.LogLevel)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("AGENTWALLET_NETWORK", "datil")
	t.Setenv("AGENTWALLET_STORAGE_DRIVER", "postgres")
	t.Setenv("AGENTWALLET_STORAGE_DSN", "postgres://aw@localhost/aw?sslmode=disable")
	t.Setenv("AGENTWALLET_SESSION_TTL", "2m")
	t.Setenv("AGENTWALLET_CAPACITY_REQUESTS", "50")
	t.Setenv("AGENTWALLET_CAPACITY_DAYS", "3")
	t.Setenv("AGENTWALLET_RPC_RPS", "2.5")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "datil", cfg.NetworkName)
	assert.Equal(t, "postgres://aw@localhost/aw?sslmode=disable", cfg.StorageDSN)
	assert.Equal(t, 2*time.Minute, cfg.SessionTTL)
	assert.Equal(t, int64(50), cfg.CapacityRequests)
	assert.Equal(t, 3, cfg.CapacityDays)
	assert.InDelta(t, 2.5, cfg.RPCRPS, 0.0001)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	cases := map[string][2]string{
		"driver":   {"AGENTWALLET_STORAGE_DRIVER", "mongo"},
		"ttl":      {"AGENTWALLET_SESSION_TTL", "soon"},
		"days":     {"AGENTWALLET_CAPACITY_DAYS", "0"},
		"requests": {"AGENTWALLET_CAPACITY_REQUESTS", "many"},
		"rps":      {"AGENTWALLET_RPC_RPS", "-1"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(kv[0], kv[1])
			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_RemoteDriverNeedsDSN(t *testing.T) {
	clearEnv(t)
	t.Setenv("AGENTWALLET_STORAGE_DRIVER", "redis")
	_, err := config.Load()
	assert.Error(t, err)
}

func TestProfile_BuiltinAndOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("AGENTWALLET_NETWORK", "local")
	t.Setenv("AGENTWALLET_RPC_URL", "http://127.0.0.1:8545")

	cfg, err := config.Load()
	require.NoError(t, err)
	n, err := cfg.Profile()
	require.NoError(t, err)

	assert.True(t, n.Local)
	assert.True(t, n.RequiresCapacityCredit)
	assert.Equal(t, "http://127.0.0.1:8545", n.RPCURL)
	assert.NoError(t, n.Validate())
}

func TestProfile_UnknownNetwork(t *testing.T) {
	clearEnv(t)
	t.Setenv("AGENTWALLET_NETWORK", "mainnet-classic")
	cfg, err := config.Load()
	require.NoError(t, err)
	_, err = cfg.Profile()
	assert.Error(t, err)
}

func TestLoadNetworks_FileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "networks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
networks:
  - name: datil
    chain_id: 175188
    rpc_url: https://rpc.example
    execution_url: https://exec.example
    registry_address: "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"
    pkp_nft_address: "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
    rate_limit_nft_address: "0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB"
    requires_capacity_credit: true
  - name: staging
    chain_id: 5
    rpc_url: https://staging.example
    requires_capacity_credit: false
`), 0o600))

	networks, err := config.LoadNetworks(path)
	require.NoError(t, err)
	assert.Contains(t, networks, "datil-dev")
	assert.Contains(t, networks, "staging")

	datil := networks["datil"]
	require.NoError(t, datil.Validate())
	c, err := datil.Contracts()
	require.NoError(t, err)
	assert.Equal(t, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", c.Registry.Hex())

	assert.Error(t, networks["staging"].Validate())
}

func TestNetwork_BuiltinRemoteNeedsDeployment(t *testing.T) {
	networks, err := config.LoadNetworks("")
	require.NoError(t, err)
	err = networks["datil-test"].Validate()
	assert.ErrorContains(t, err, "execution_url")
}
