package config_test

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/omni/settlement-coordinator/config"
)

const testCfg = `
chains:
  mainnet:
    rpc:
      host: https://mainnet.infura.io/v3/${INFURA_PROJECT_KEY}
      timeout: 30s
      rps: 10
    chain_id: 1
    block_time: 15s
    block_index_interval: 60s
  xdai:
    rpc:
      host: https://rpc.ankr.com/gnosis
      timeout: 20s
      rps: 10
    chain_id: 100
    block_time: 5s
    block_index_interval: 30s
    safe_logs_request: true
watchers:
  mainnet-escrow:
    chain: mainnet
    address: 0x4aa42145Aa6Ebf72e164C9bBC74fbD3788045016
    start_block: 6478411
    block_confirmations: 12
  xdai-vault:
    chain: xdai
    address: 0x7301CFA0e1756B71869E93d4e4Dca5c7d0eb0AA6
    start_block: 756
    block_confirmations: 12
    max_block_range_size: 2000
    dedup_capacity: 5000
protocols:
  amb:
    type: amb
    deadline: 2h
    poll_interval: 30s
    gas_limit: 2000000
    contracts:
      mainnet: 0x4C36d2919e407f0Cc2Ee3c993ccF8ac26d9CE64e
      xdai: 0x75Df5AF045d91108662D8080fD1FEFAd6aA0bb59
  fast-relay:
    type: relayer
    endpoint: https://relay.example.org/api
    deadline: 30m
routes:
  - from: mainnet
    to: xdai
    protocol: amb
    fallbacks: [fast-relay]
retry:
  rpc:
    max_interval: 2m
kafka:
  brokers: [kafka-1:9092, kafka-2:9092]
  client_id: settlement-coordinator
  group_id: settlement-processor
compliance:
  url: http://compliance:8080
  timeout: 5s
reconciliation:
  interval: 5m
  gap_threshold: 100
postgres:
  user: test_user
  password: test_password
  host: test_host
  port: 5432
  database: test_db
log_level: info
presenter:
  host: 0.0.0.0:3333
`

//nolint:paralleltest
func TestReadConfigWithEnv(t *testing.T) {
	t.Setenv("INFURA_PROJECT_KEY", "12345678")
	cfg, err := config.ReadConfigWithEnv([]byte(testCfg))
	require.NoError(t, err)

	mainnetChainCfg := &config.ChainConfig{
		RPC: &config.RPCConfig{
			Host:    "https://mainnet.infura.io/v3/12345678",
			Timeout: 30 * time.Second,
			RPS:     10,
		},
		ChainID:            "1",
		BlockTime:          15 * time.Second,
		BlockIndexInterval: 60 * time.Second,
	}
	require.Equal(t, mainnetChainCfg, cfg.Chains["mainnet"])
	require.Equal(t, &config.WatcherConfig{
		ID:                 "mainnet-escrow",
		ChainName:          "mainnet",
		Chain:              mainnetChainCfg,
		Address:            common.HexToAddress("0x4aa42145Aa6Ebf72e164C9bBC74fbD3788045016"),
		StartBlock:         6478411,
		BlockConfirmations: 12,
		MaxBlockRangeSize:  1000,
		DedupCapacity:      13 * 64,
	}, cfg.Watchers["mainnet-escrow"])
	require.Equal(t, uint(2000), cfg.Watchers["xdai-vault"].MaxBlockRangeSize)
	require.Equal(t, 5000, cfg.Watchers["xdai-vault"].DedupCapacity)

	require.Equal(t, &config.ProtocolConfig{
		Name:            "amb",
		Type:            config.ProtocolTypeAMB,
		Timeout:         10 * time.Second,
		Deadline:        2 * time.Hour,
		PollInterval:    30 * time.Second,
		MaxPollInterval: 240 * time.Second,
		GasLimit:        2000000,
		Contracts: map[string]common.Address{
			"mainnet": common.HexToAddress("0x4C36d2919e407f0Cc2Ee3c993ccF8ac26d9CE64e"),
			"xdai":    common.HexToAddress("0x75Df5AF045d91108662D8080fD1FEFAd6aA0bb59"),
		},
	}, cfg.Protocols["amb"])
	require.Equal(t, 15*time.Second, cfg.Protocols["fast-relay"].PollInterval)

	require.Equal(t, "settlement.events.v1", cfg.Kafka.Topic)
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	require.Equal(t, "postgres", cfg.Storage)
	require.Equal(t, logrus.InfoLevel, cfg.LogLevel)
	require.Equal(t, "0.0.0.0:3333", cfg.Presenter.Host)
	require.Equal(t, "0.0.0.0:2112", cfg.Metrics.Host)
	require.Equal(t, 5, cfg.Settlement.MaxWriteAttempts)
	require.Equal(t, &config.ReconciliationConfig{
		Interval:     5 * time.Minute,
		Timeout:      20 * time.Second,
		GapThreshold: 100,
		GracePeriod:  2 * time.Hour,
		StuckAction:  "fallback",
	}, cfg.Reconciliation)
}

func TestConfig_FindRoute(t *testing.T) {
	t.Parallel()
	cfg, err := config.ReadConfig([]byte(testCfg))
	require.NoError(t, err)

	route := cfg.FindRoute("1", "100")
	require.NotNil(t, route)
	require.Equal(t, "amb", route.Protocol)
	require.Equal(t, []string{"fast-relay"}, route.Fallbacks)
	require.Nil(t, cfg.FindRoute("100", "1"))
	require.Equal(t, cfg.Chains["xdai"], cfg.GetChainConfig("100"))
	require.Nil(t, cfg.GetChainConfig("5"))
}

func TestConfig_RetryPolicy(t *testing.T) {
	t.Parallel()
	cfg, err := config.ReadConfig([]byte(testCfg))
	require.NoError(t, err)

	rpc := cfg.RetryPolicy("rpc")
	require.Equal(t, 2*time.Minute, rpc.MaxInterval)
	require.Equal(t, time.Second, rpc.InitialInterval)
	require.Zero(t, rpc.MaxAttempts)

	publish := cfg.RetryPolicy("publish")
	require.Equal(t, uint64(5), publish.MaxAttempts)
}

func TestReadConfig_Errors(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		Name     string
		Cfg      string
		Expected error
	}{
		{
			Name: "watcher on unknown chain",
			Cfg: `
watchers:
  w:
    chain: goerli
`,
			Expected: config.ErrUnknownChain,
		},
		{
			Name: "route with unknown protocol",
			Cfg: `
chains:
  a:
    chain_id: 1
  b:
    chain_id: 2
routes:
  - from: a
    to: b
    protocol: wormhole
`,
			Expected: config.ErrUnknownProtocol,
		},
		{
			Name: "relayer without endpoint",
			Cfg: `
protocols:
  r:
    type: relayer
`,
			Expected: config.ErrInvalidConfig,
		},
		{
			Name: "unknown stuck action",
			Cfg: `
reconciliation:
  stuck_action: ignore
`,
			Expected: config.ErrInvalidConfig,
		},
	} {
		_, err := config.ReadConfig([]byte(test.Cfg))
		require.ErrorIs(t, err, test.Expected, "Failed %s", test.Name)
	}

	_, err := config.ReadConfig([]byte("unknown_field: 1\n"))
	require.Error(t, err)
}
