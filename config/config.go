package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	defaultMaxBlockRangeSize  = 1000
	defaultDedupCapacityMul   = 64
	defaultTopic              = "settlement.events.v1"
	defaultMetricsHost        = "0.0.0.0:2112"
	defaultWriteAttempts      = 5
	defaultBlockIndexInterval = 10 * time.Second
	defaultDedupTTL           = 24 * time.Hour
)

var (
	ErrUnknownChain    = errors.New("unknown chain")
	ErrUnknownProtocol = errors.New("unknown protocol")
	ErrInvalidConfig   = errors.New("invalid config")
)

type RPCConfig struct {
	Host    string        `yaml:"host"`
	Timeout time.Duration `yaml:"timeout"`
	RPS     float64       `yaml:"rps"`
}

type ChainConfig struct {
	RPC                *RPCConfig    `yaml:"rpc"`
	ChainID            string        `yaml:"chain_id"`
	BlockTime          time.Duration `yaml:"block_time"`
	BlockIndexInterval time.Duration `yaml:"block_index_interval"`
	SafeLogsRequest    bool          `yaml:"safe_logs_request"`
}

// WatcherConfig describes a single monitored escrow/vault contract.
type WatcherConfig struct {
	ID                 string         `yaml:"-"`
	ChainName          string         `yaml:"chain"`
	Chain              *ChainConfig   `yaml:"-"`
	Address            common.Address `yaml:"address"`
	StartBlock         uint           `yaml:"start_block"`
	BlockConfirmations uint           `yaml:"block_confirmations"`
	MaxBlockRangeSize  uint           `yaml:"max_block_range_size"`
	DedupCapacity      int            `yaml:"dedup_capacity"`
}

type ProtocolType string

const (
	ProtocolTypeAMB     ProtocolType = "amb"
	ProtocolTypeRelayer ProtocolType = "relayer"
)

type ProtocolConfig struct {
	Name            string                    `yaml:"-"`
	Type            ProtocolType              `yaml:"type"`
	Endpoint        string                    `yaml:"endpoint"`
	Timeout         time.Duration             `yaml:"timeout"`
	Deadline        time.Duration             `yaml:"deadline"`
	PollInterval    time.Duration             `yaml:"poll_interval"`
	MaxPollInterval time.Duration             `yaml:"max_poll_interval"`
	Contracts       map[string]common.Address `yaml:"contracts"`
	Receivers       map[string]common.Address `yaml:"receivers"`
	GasLimit        uint64                    `yaml:"gas_limit"`
}

type RouteConfig struct {
	From          string   `yaml:"from"`
	To            string   `yaml:"to"`
	Protocol      string   `yaml:"protocol"`
	Fallbacks     []string `yaml:"fallbacks"`
	SourceChainID string   `yaml:"-"`
	DestChainID   string   `yaml:"-"`
}

type RetryPolicyConfig struct {
	MaxAttempts     uint64        `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	Jitter          float64       `yaml:"jitter"`
}

type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
	GroupID  string   `yaml:"group_id"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type HTTPServiceConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type ReconciliationConfig struct {
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	GapThreshold uint          `yaml:"gap_threshold"`
	GracePeriod  time.Duration `yaml:"grace_period"`
	StuckAction  string        `yaml:"stuck_action"`
}

type SettlementConfig struct {
	MaxWriteAttempts int `yaml:"max_write_attempts"`
}

type DBConfig struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       string `yaml:"database"`
}

type PresenterConfig struct {
	Host string `yaml:"host"`
}

type MetricsConfig struct {
	Host string `yaml:"host"`
}

type Config struct {
	Chains         map[string]*ChainConfig       `yaml:"chains"`
	Watchers       map[string]*WatcherConfig     `yaml:"watchers"`
	Protocols      map[string]*ProtocolConfig    `yaml:"protocols"`
	Routes         []*RouteConfig                `yaml:"routes"`
	Retry          map[string]*RetryPolicyConfig `yaml:"retry"`
	Kafka          *KafkaConfig                  `yaml:"kafka"`
	Redis          *RedisConfig                  `yaml:"redis"`
	Compliance     *HTTPServiceConfig            `yaml:"compliance"`
	Signer         *HTTPServiceConfig            `yaml:"signer"`
	Reconciliation *ReconciliationConfig         `yaml:"reconciliation"`
	Settlement     *SettlementConfig             `yaml:"settlement"`
	Storage        string                        `yaml:"storage"`
	DBConfig       *DBConfig                     `yaml:"postgres"`
	LogLevel       logrus.Level                  `yaml:"log_level"`
	Presenter      *PresenterConfig              `yaml:"presenter"`
	Metrics        *MetricsConfig                `yaml:"metrics"`
}

var defaultRetryPolicies = map[string]RetryPolicyConfig{
	"rpc":        {MaxAttempts: 0, InitialInterval: time.Second, MaxInterval: time.Minute, Multiplier: 2, Jitter: 0.5},
	"publish":    {MaxAttempts: 5, InitialInterval: 500 * time.Millisecond, MaxInterval: 10 * time.Second, Multiplier: 2, Jitter: 0.5},
	"checkpoint": {MaxAttempts: 3, InitialInterval: 200 * time.Millisecond, MaxInterval: 2 * time.Second, Multiplier: 2, Jitter: 0.2},
	"ledger":     {MaxAttempts: 3, InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2, Jitter: 0.2},
	"compliance": {MaxAttempts: 3, InitialInterval: 200 * time.Millisecond, MaxInterval: 2 * time.Second, Multiplier: 2, Jitter: 0.5},
	"bridge":     {MaxAttempts: 5, InitialInterval: time.Second, MaxInterval: 30 * time.Second, Multiplier: 2, Jitter: 0.5},
}

func (cfg *Config) init() error {
	for _, chain := range cfg.Chains {
		if chain.BlockIndexInterval == 0 {
			chain.BlockIndexInterval = defaultBlockIndexInterval
		}
	}
	for id, w := range cfg.Watchers {
		w.ID = id
		chain, ok := cfg.Chains[w.ChainName]
		if !ok {
			return fmt.Errorf("watcher %s refers to chain %s: %w", id, w.ChainName, ErrUnknownChain)
		}
		w.Chain = chain
		if w.MaxBlockRangeSize == 0 {
			w.MaxBlockRangeSize = defaultMaxBlockRangeSize
		}
		if w.DedupCapacity == 0 {
			w.DedupCapacity = int(w.BlockConfirmations+1) * defaultDedupCapacityMul
		}
	}
	for name, p := range cfg.Protocols {
		p.Name = name
		switch p.Type {
		case ProtocolTypeAMB:
			for chainName := range p.Contracts {
				if _, ok := cfg.Chains[chainName]; !ok {
					return fmt.Errorf("protocol %s refers to chain %s: %w", name, chainName, ErrUnknownChain)
				}
			}
			for chainName := range p.Receivers {
				if _, ok := cfg.Chains[chainName]; !ok {
					return fmt.Errorf("protocol %s receiver on chain %s: %w", name, chainName, ErrUnknownChain)
				}
			}
		case ProtocolTypeRelayer:
			if p.Endpoint == "" {
				return fmt.Errorf("protocol %s has no endpoint: %w", name, ErrInvalidConfig)
			}
		default:
			return fmt.Errorf("protocol %s has unsupported type %q: %w", name, p.Type, ErrInvalidConfig)
		}
		if p.PollInterval == 0 {
			p.PollInterval = 15 * time.Second
		}
		if p.MaxPollInterval < p.PollInterval {
			p.MaxPollInterval = p.PollInterval * 8
		}
		if p.Deadline == 0 {
			p.Deadline = time.Hour
		}
		if p.Timeout == 0 {
			p.Timeout = 10 * time.Second
		}
	}
	for _, r := range cfg.Routes {
		from, ok := cfg.Chains[r.From]
		if !ok {
			return fmt.Errorf("route from %s: %w", r.From, ErrUnknownChain)
		}
		to, ok := cfg.Chains[r.To]
		if !ok {
			return fmt.Errorf("route to %s: %w", r.To, ErrUnknownChain)
		}
		r.SourceChainID, r.DestChainID = from.ChainID, to.ChainID
		for _, p := range append([]string{r.Protocol}, r.Fallbacks...) {
			if _, ok = cfg.Protocols[p]; !ok {
				return fmt.Errorf("route %s->%s uses protocol %s: %w", r.From, r.To, p, ErrUnknownProtocol)
			}
		}
	}
	if cfg.Redis != nil && cfg.Redis.TTL == 0 {
		cfg.Redis.TTL = defaultDedupTTL
	}
	if cfg.Kafka != nil && cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = defaultTopic
	}
	if cfg.Settlement == nil {
		cfg.Settlement = &SettlementConfig{}
	}
	if cfg.Settlement.MaxWriteAttempts == 0 {
		cfg.Settlement.MaxWriteAttempts = defaultWriteAttempts
	}
	if cfg.Reconciliation != nil {
		if cfg.Reconciliation.Interval == 0 {
			cfg.Reconciliation.Interval = time.Minute
		}
		if cfg.Reconciliation.Timeout == 0 {
			cfg.Reconciliation.Timeout = 20 * time.Second
		}
		if cfg.Reconciliation.GracePeriod == 0 {
			cfg.Reconciliation.GracePeriod = 2 * time.Hour
		}
		switch cfg.Reconciliation.StuckAction {
		case "":
			cfg.Reconciliation.StuckAction = "fallback"
		case "fallback", "escalate":
		default:
			return fmt.Errorf("unknown reconciliation stuck_action %q: %w", cfg.Reconciliation.StuckAction, ErrInvalidConfig)
		}
	}
	switch cfg.Storage {
	case "":
		cfg.Storage = "postgres"
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown storage %q: %w", cfg.Storage, ErrInvalidConfig)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &MetricsConfig{Host: defaultMetricsHost}
	}
	return nil
}

// RetryPolicy returns the named policy, falling back to built-in defaults for unset fields.
func (cfg *Config) RetryPolicy(name string) RetryPolicyConfig {
	res := defaultRetryPolicies[name]
	custom, ok := cfg.Retry[name]
	if !ok || custom == nil {
		return res
	}
	if custom.MaxAttempts > 0 {
		res.MaxAttempts = custom.MaxAttempts
	}
	if custom.InitialInterval > 0 {
		res.InitialInterval = custom.InitialInterval
	}
	if custom.MaxInterval > 0 {
		res.MaxInterval = custom.MaxInterval
	}
	if custom.Multiplier > 0 {
		res.Multiplier = custom.Multiplier
	}
	if custom.Jitter > 0 {
		res.Jitter = custom.Jitter
	}
	return res
}

func (cfg *Config) GetChainConfig(chainID string) *ChainConfig {
	for _, chain := range cfg.Chains {
		if chain.ChainID == chainID {
			return chain
		}
	}
	return nil
}

func (cfg *Config) FindRoute(sourceChainID, destChainID string) *RouteConfig {
	for _, r := range cfg.Routes {
		if r.SourceChainID == sourceChainID && r.DestChainID == destChainID {
			return r
		}
	}
	return nil
}

func ReadConfig(blob []byte) (*Config, error) {
	cfg := new(Config)
	dec := yaml.NewDecoder(bytes.NewReader(blob))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("can't parse yaml: %w", err)
	}
	if err := cfg.init(); err != nil {
		return nil, fmt.Errorf("can't initialize config: %w", err)
	}
	return cfg, nil
}

func ReadConfigWithEnv(blob []byte) (*Config, error) {
	return ReadConfig([]byte(os.ExpandEnv(string(blob))))
}

func ReadConfigFromFile(path string) (*Config, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("can't read config file: %w", err)
	}
	return ReadConfigWithEnv(blob)
}
