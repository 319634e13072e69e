package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"poolsync/internal/model"
)

// Store backends accepted by the store setting.
const (
	StoreFile     = "file"
	StoreLevelDB  = "leveldb"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPCURL  string
	ChainID uint64

	Store         string
	DataDir       string
	LevelDBPath   string
	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SubgraphURL     string
	SubgraphPage    int
	SnapshotURL     string
	SnapshotDigests map[string]string

	Concurrency          int
	BatchSize            int
	WindowSize           uint64
	MaxRetries           int
	RetryBackoff         time.Duration
	DegradeFailedWindows bool

	Only        []string
	MetricsAddr string
	LogLevel    string

	Streams []StreamConfig
}

// StreamConfig is one entry of the streams list in the config file.
type StreamConfig struct {
	Name    string `mapstructure:"name"`
	Kind    string `mapstructure:"kind"`
	Address string `mapstructure:"address"`
	// Addresses lists extra contracts sharing the stream, e.g. older
	// router deployments.
	Addresses       []string          `mapstructure:"addresses"`
	DeploymentBlock uint64            `mapstructure:"deployment_block"`
	Where           map[string]string `mapstructure:"where"`
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("POOLSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("store", StoreFile)
	v.SetDefault("data-dir", "./data")
	v.SetDefault("leveldb-path", "./data/events.ldb")
	v.SetDefault("redis-addr", "127.0.0.1:6379")
	v.SetDefault("subgraph-page", 1000)
	v.SetDefault("concurrency", 10)
	v.SetDefault("batch-size", 10)
	v.SetDefault("window-size", uint64(5000))
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("degrade-failed-windows", true)
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var streams []StreamConfig
	if err := v.UnmarshalKey("streams", &streams); err != nil {
		return Config{}, fmt.Errorf("decode streams: %w", err)
	}

	cfg := Config{
		RPCURL:               v.GetString("rpc"),
		ChainID:              v.GetUint64("chain-id"),
		Store:                strings.ToLower(v.GetString("store")),
		DataDir:              v.GetString("data-dir"),
		LevelDBPath:          v.GetString("leveldb-path"),
		PostgresDSN:          v.GetString("pg-dsn"),
		RedisAddr:            v.GetString("redis-addr"),
		RedisPassword:        v.GetString("redis-password"),
		RedisDB:              v.GetInt("redis-db"),
		SubgraphURL:          v.GetString("subgraph"),
		SubgraphPage:         v.GetInt("subgraph-page"),
		SnapshotURL:          v.GetString("snapshot"),
		SnapshotDigests:      v.GetStringMapString("snapshot-digests"),
		Concurrency:          v.GetInt("concurrency"),
		BatchSize:            v.GetInt("batch-size"),
		WindowSize:           v.GetUint64("window-size"),
		MaxRetries:           v.GetInt("max-retries"),
		RetryBackoff:         v.GetDuration("retry-backoff"),
		DegradeFailedWindows: v.GetBool("degrade-failed-windows"),
		Only:                 getStringSlice(v, "stream"),
		MetricsAddr:          v.GetString("metrics-addr"),
		LogLevel:             v.GetString("log-level"),
		Streams:              streams,
	}

	return cfg, nil
}

// Validate checks the store selection and every stream definition.
func (c Config) Validate() error {
	switch c.Store {
	case StoreFile, StoreLevelDB, StoreRedis:
	case StorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("pg-dsn is required for the postgres store")
		}
	default:
		return fmt.Errorf("unsupported store: %s", c.Store)
	}

	seen := make(map[string]struct{}, len(c.Streams))
	for i, s := range c.Streams {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("streams[%d]: %w", i, err)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("streams[%d]: duplicate stream name %s", i, s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	for _, name := range c.Only {
		if _, ok := seen[name]; !ok {
			return fmt.Errorf("unknown stream: %s", name)
		}
	}
	return nil
}

// Selected returns the streams named by Only, or all streams.
func (c Config) Selected() []StreamConfig {
	if len(c.Only) == 0 {
		return c.Streams
	}
	want := make(map[string]struct{}, len(c.Only))
	for _, name := range c.Only {
		want[name] = struct{}{}
	}
	out := make([]StreamConfig, 0, len(c.Only))
	for _, s := range c.Streams {
		if _, ok := want[s.Name]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks a single stream definition.
func (s StreamConfig) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if _, err := model.ParseKind(s.Kind); err != nil {
		return fmt.Errorf("stream %s: %w", s.Name, err)
	}
	if !common.IsHexAddress(s.Address) {
		return fmt.Errorf("stream %s: invalid address %q", s.Name, s.Address)
	}
	if _, err := ParseAddresses(s.Addresses); err != nil {
		return fmt.Errorf("stream %s: %w", s.Name, err)
	}
	return nil
}

// KindValue returns the parsed kind. Call Validate first.
func (s StreamConfig) KindValue() model.Kind {
	return model.Kind(s.Kind)
}

// ContractAddress returns the parsed contract address. Call Validate first.
func (s StreamConfig) ContractAddress() common.Address {
	return common.HexToAddress(s.Address)
}

// ContractAddresses returns the primary address followed by the extra ones,
// without repeats. Call Validate first.
func (s StreamConfig) ContractAddresses() []common.Address {
	extra, _ := ParseAddresses(s.Addresses)
	out := []common.Address{s.ContractAddress()}
	for _, addr := range extra {
		if !slices.Contains(out, addr) {
			out = append(out, addr)
		}
	}
	return out
}

// ParseAddresses converts string addresses into common.Address.
func ParseAddresses(inputs []string) ([]common.Address, error) {
	addresses := make([]common.Address, 0, len(inputs))
	for _, input := range cleanStrings(inputs) {
		if !common.IsHexAddress(input) {
			return nil, fmt.Errorf("invalid address: %s", input)
		}
		addresses = append(addresses, common.HexToAddress(input))
	}
	return addresses, nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
