// Package config loads the server configuration from flags, the
// environment (MARKETBOOK_ prefix) and an optional YAML file.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"marketbook/infra/chain"
)

const (
	FlagConfig = "config"

	KeyHTTPAddr            = "http.addr"
	KeyGRPCAddr            = "grpc.addr"
	KeyStoreDir            = "store.dir"
	KeyStoreInMemory       = "store.in_memory"
	KeyChains              = "chains"
	KeyKafkaBrokers        = "kafka.brokers"
	KeyKafkaEventsTopic    = "kafka.events_topic"
	KeyKafkaFillsTopic     = "kafka.fills_topic"
	KeyKafkaGroupID        = "kafka.group_id"
	KeyChallengeTTL        = "auth.challenge_ttl"
	KeyCascadeWorkers      = "cascade.workers"
	KeyCascadeQueueSize    = "cascade.queue_size"
	KeyWorkerpoolRatio     = "stake.workerpool_ratio"
	KeyBroadcasterInterval = "broadcaster.interval"
	KeyLogLevel            = "log.level"
	KeyLogFormat           = "log.format"

	envPrefix = "MARKETBOOK"
)

type Chain struct {
	ID  uint64 `mapstructure:"id"`
	RPC string `mapstructure:"rpc"`
	Hub string `mapstructure:"hub"`
}

type Kafka struct {
	Brokers     []string
	EventsTopic string
	FillsTopic  string
	GroupID     string
}

// Enabled reports whether a broker is configured. Without one the
// outbox still fills but nothing is relayed and no fills are read.
func (k Kafka) Enabled() bool {
	return len(k.Brokers) > 0
}

type Config struct {
	HTTPAddr string
	GRPCAddr string

	StoreDir      string
	StoreInMemory bool

	Chains []Chain
	Kafka  Kafka

	ChallengeTTL time.Duration

	CascadeWorkers   int
	CascadeQueueSize int

	WorkerpoolStakeRatio uint64

	BroadcasterInterval time.Duration

	LogLevel  string
	LogFormat string
}

// AddFlags declares every setting on fs. Chains are given as
// repeated --chain <id>:<hub>:<rpc>.
func AddFlags(fs *pflag.FlagSet) {
	fs.String(FlagConfig, "", "path to a YAML config file")
	fs.String(KeyHTTPAddr, ":3000", "REST listen address")
	fs.String(KeyGRPCAddr, ":50051", "gRPC listen address")
	fs.String(KeyStoreDir, "./data", "directory of the order and challenge databases")
	fs.Bool(KeyStoreInMemory, false, "keep all data in memory")
	fs.StringArray("chain", nil, "chain as <id>:<hub>:<rpc>, repeatable")
	fs.StringSlice(KeyKafkaBrokers, nil, "Kafka brokers; empty disables relay and fill consumption")
	fs.String(KeyKafkaEventsTopic, "orderbook-events", "topic order events are relayed to")
	fs.String(KeyKafkaFillsTopic, "order-fills", "topic on-chain fills are read from")
	fs.String(KeyKafkaGroupID, "marketbook", "consumer group for fills")
	fs.Duration(KeyChallengeTTL, 10*time.Minute, "validity of an issued challenge")
	fs.Int(KeyCascadeWorkers, 4, "cascade worker goroutines")
	fs.Int(KeyCascadeQueueSize, 1024, "pending cascade triggers")
	fs.Uint64(KeyWorkerpoolRatio, 30, "workerpool stake ratio in percent")
	fs.Duration(KeyBroadcasterInterval, 250*time.Millisecond, "outbox relay period")
	fs.String(KeyLogLevel, "info", "trace|debug|info|warn|error")
	fs.String(KeyLogFormat, "json", "json|plain")
}

// Load reads the configuration into v from fs, the environment and
// the file named by --config, then validates it.
func Load(v *viper.Viper, fs *pflag.FlagSet) (*Config, error) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, errors.Wrap(err, "bind flags")
	}

	if path := v.GetString(FlagConfig); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read %s", path)
		}
	}

	cfg := &Config{
		HTTPAddr:      v.GetString(KeyHTTPAddr),
		GRPCAddr:      v.GetString(KeyGRPCAddr),
		StoreDir:      v.GetString(KeyStoreDir),
		StoreInMemory: v.GetBool(KeyStoreInMemory),
		Kafka: Kafka{
			Brokers:     v.GetStringSlice(KeyKafkaBrokers),
			EventsTopic: v.GetString(KeyKafkaEventsTopic),
			FillsTopic:  v.GetString(KeyKafkaFillsTopic),
			GroupID:     v.GetString(KeyKafkaGroupID),
		},
		ChallengeTTL:         v.GetDuration(KeyChallengeTTL),
		CascadeWorkers:       v.GetInt(KeyCascadeWorkers),
		CascadeQueueSize:     v.GetInt(KeyCascadeQueueSize),
		WorkerpoolStakeRatio: v.GetUint64(KeyWorkerpoolRatio),
		BroadcasterInterval:  v.GetDuration(KeyBroadcasterInterval),
		LogLevel:             v.GetString(KeyLogLevel),
		LogFormat:            v.GetString(KeyLogFormat),
	}

	if err := v.UnmarshalKey(KeyChains, &cfg.Chains); err != nil {
		return nil, errors.Wrap(err, "decode chains")
	}
	if fs != nil {
		if flags, err := fs.GetStringArray("chain"); err == nil {
			for _, s := range flags {
				c, err := ParseChain(s)
				if err != nil {
					return nil, err
				}
				cfg.Chains = append(cfg.Chains, c)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseChain reads "<id>:<hub>:<rpc>".
func ParseChain(s string) (Chain, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Chain{}, errors.Errorf("chain %q: want <id>:<hub>:<rpc>", s)
	}
	id, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Chain{}, errors.Wrapf(err, "chain %q: id", s)
	}
	return Chain{ID: id, Hub: parts[1], RPC: parts[2]}, nil
}

func (c *Config) Validate() error {
	if len(c.Chains) == 0 {
		return errors.New("at least one chain is required")
	}
	seen := make(map[uint64]bool, len(c.Chains))
	for _, ch := range c.Chains {
		if ch.ID == 0 {
			return errors.New("chain id must be positive")
		}
		if seen[ch.ID] {
			return errors.Errorf("chain %d configured twice", ch.ID)
		}
		seen[ch.ID] = true
		if !common.IsHexAddress(ch.Hub) {
			return errors.Errorf("chain %d: invalid hub address %q", ch.ID, ch.Hub)
		}
		if ch.RPC == "" {
			return errors.Errorf("chain %d: rpc is required", ch.ID)
		}
	}
	if c.CascadeWorkers <= 0 {
		return errors.New("cascade.workers must be positive")
	}
	if c.CascadeQueueSize <= 0 {
		return errors.New("cascade.queue_size must be positive")
	}
	if c.ChallengeTTL <= 0 {
		return errors.New("auth.challenge_ttl must be positive")
	}
	if c.WorkerpoolStakeRatio == 0 {
		return errors.New("stake.workerpool_ratio must be positive")
	}
	if c.Kafka.Enabled() && c.Kafka.EventsTopic == "" {
		return errors.New("kafka.events_topic is required with brokers")
	}
	switch c.LogFormat {
	case "json", "plain":
	default:
		return errors.Errorf("unknown log.format %q", c.LogFormat)
	}
	return nil
}

// Endpoints converts the configured chains for the chain reader.
func (c *Config) Endpoints() []chain.Endpoint {
	out := make([]chain.Endpoint, 0, len(c.Chains))
	for _, ch := range c.Chains {
		out = append(out, chain.Endpoint{
			ChainID: ch.ID,
			RPC:     ch.RPC,
			Hub:     common.HexToAddress(ch.Hub),
		})
	}
	return out
}
