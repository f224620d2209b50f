// Package config loads the node settings from defaults, an optional YAML
// file and PQCHAT_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix = "PQCHAT"

	PushModeCallback  = "callback"
	PushModeWebsocket = "websocket"

	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendFile   = "file"
	BackendMongo  = "mongo"
)

type (
	Config struct {
		BaseDir  string
		Name     string
		ChatCode string

		Server    ServerConfig
		Client    ClientConfig
		Discovery DiscoveryConfig
		Sync      SyncConfig
		Registry  RegistryConfig
		Seen      SeenConfig
		Redis     RedisConfig
		Identity  IdentityConfig
		Mongo     MongoConfig
		KEM       KEMConfig
		Log       LogConfig
		ChatLog   ChatLogConfig
	}

	ServerConfig struct {
		Port      int
		RateLimit float64
		RateBurst int
	}

	ClientConfig struct {
		Port int
	}

	DiscoveryConfig struct {
		Service string
		Domain  string
		Timeout time.Duration
	}

	SyncConfig struct {
		PollInterval         time.Duration
		PushTimeout          time.Duration
		BroadcastTimeout     time.Duration
		RequestTimeout       time.Duration
		MaxConsecutiveErrors int
		ReplayHistory        bool
		WatchLocalLog        bool
		PushMode             string
	}

	RegistryConfig struct {
		MaxFailures int
	}

	SeenConfig struct {
		Backend    string
		TTL        time.Duration
		MaxEntries int
	}

	RedisConfig struct {
		Addr string
	}

	IdentityConfig struct {
		Store string
	}

	MongoConfig struct {
		URI      string
		Database string
	}

	KEMConfig struct {
		Scheme string
	}

	LogConfig struct {
		Level string
		File  string
	}

	ChatLogConfig struct {
		MaxEntrySize int
		Sync         bool
	}
)

func setDefaults() {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	viper.SetDefault("base_dir", cwd)
	viper.SetDefault("name", "")
	viper.SetDefault("chat_code", "")

	viper.SetDefault("server.port", 5000)
	viper.SetDefault("server.rate_limit", 20)
	viper.SetDefault("server.rate_burst", 40)
	viper.SetDefault("client.port", 5001)

	viper.SetDefault("discovery.service", "_pqchat._tcp")
	viper.SetDefault("discovery.domain", "local.")
	viper.SetDefault("discovery.timeout", 5*time.Second)

	viper.SetDefault("sync.poll_interval", time.Second)
	viper.SetDefault("sync.push_timeout", 2*time.Second)
	viper.SetDefault("sync.broadcast_timeout", 5*time.Second)
	viper.SetDefault("sync.request_timeout", 5*time.Second)
	viper.SetDefault("sync.max_consecutive_errors", 5)
	viper.SetDefault("sync.replay_history", true)
	viper.SetDefault("sync.watch_local_log", true)
	viper.SetDefault("sync.push_mode", PushModeCallback)

	viper.SetDefault("registry.max_failures", 1)

	viper.SetDefault("seen.backend", BackendMemory)
	viper.SetDefault("seen.ttl", 10*time.Minute)
	viper.SetDefault("seen.max_entries", 4096)
	viper.SetDefault("redis.addr", "localhost:6379")

	viper.SetDefault("identity.store", BackendFile)
	viper.SetDefault("mongo.uri", "mongodb://localhost:27017")
	viper.SetDefault("mongo.database", "pqchat")

	viper.SetDefault("kem.scheme", "MLKEM768")

	viper.SetDefault("log.level", "warn")
	viper.SetDefault("log.file", "")

	viper.SetDefault("chatlog.max_entry_size", 1<<20)
	viper.SetDefault("chatlog.sync", false)
}

// Load reads cfgFile when given, otherwise config.yaml in the base dir if
// present. Values already set on viper, such as bound flags, win.
func Load(cfgFile string) (*Config, error) {
	setDefaults()

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(viper.GetString("base_dir"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := FromViper()
	return cfg, cfg.Validate()
}

func FromViper() *Config {
	cfg := &Config{
		BaseDir:  viper.GetString("base_dir"),
		Name:     viper.GetString("name"),
		ChatCode: viper.GetString("chat_code"),
		Server: ServerConfig{
			Port:      viper.GetInt("server.port"),
			RateLimit: viper.GetFloat64("server.rate_limit"),
			RateBurst: viper.GetInt("server.rate_burst"),
		},
		Client: ClientConfig{
			Port: viper.GetInt("client.port"),
		},
		Discovery: DiscoveryConfig{
			Service: viper.GetString("discovery.service"),
			Domain:  viper.GetString("discovery.domain"),
			Timeout: viper.GetDuration("discovery.timeout"),
		},
		Sync: SyncConfig{
			PollInterval:         viper.GetDuration("sync.poll_interval"),
			PushTimeout:          viper.GetDuration("sync.push_timeout"),
			BroadcastTimeout:     viper.GetDuration("sync.broadcast_timeout"),
			RequestTimeout:       viper.GetDuration("sync.request_timeout"),
			MaxConsecutiveErrors: viper.GetInt("sync.max_consecutive_errors"),
			ReplayHistory:        viper.GetBool("sync.replay_history"),
			WatchLocalLog:        viper.GetBool("sync.watch_local_log"),
			PushMode:             viper.GetString("sync.push_mode"),
		},
		Registry: RegistryConfig{
			MaxFailures: viper.GetInt("registry.max_failures"),
		},
		Seen: SeenConfig{
			Backend:    viper.GetString("seen.backend"),
			TTL:        viper.GetDuration("seen.ttl"),
			MaxEntries: viper.GetInt("seen.max_entries"),
		},
		Redis: RedisConfig{
			Addr: viper.GetString("redis.addr"),
		},
		Identity: IdentityConfig{
			Store: viper.GetString("identity.store"),
		},
		Mongo: MongoConfig{
			URI:      viper.GetString("mongo.uri"),
			Database: viper.GetString("mongo.database"),
		},
		KEM: KEMConfig{
			Scheme: viper.GetString("kem.scheme"),
		},
		Log: LogConfig{
			Level: viper.GetString("log.level"),
			File:  viper.GetString("log.file"),
		},
		ChatLog: ChatLogConfig{
			MaxEntrySize: viper.GetInt("chatlog.max_entry_size"),
			Sync:         viper.GetBool("chatlog.sync"),
		},
	}

	if cfg.Log.File == "" {
		cfg.Log.File = filepath.Join(cfg.BaseDir, "pqchat.log")
	}
	return cfg
}

func (c *Config) Validate() error {
	switch c.Sync.PushMode {
	case PushModeCallback, PushModeWebsocket:
	default:
		return fmt.Errorf("sync.push_mode: unknown mode %q", c.Sync.PushMode)
	}
	switch c.Seen.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("seen.backend: unknown backend %q", c.Seen.Backend)
	}
	switch c.Identity.Store {
	case BackendFile, BackendMongo:
	default:
		return fmt.Errorf("identity.store: unknown store %q", c.Identity.Store)
	}
	if c.Server.Port <= 0 || c.Client.Port <= 0 {
		return errors.New("server.port and client.port must be positive")
	}
	return nil
}

func (c *Config) KeysDir() string {
	return filepath.Join(c.BaseDir, "keys")
}

func (c *Config) SharedKeysDir() string {
	return filepath.Join(c.BaseDir, "sharedkeys")
}

func (c *Config) ChatsDir() string {
	return filepath.Join(c.BaseDir, "chats")
}

// EnsureDirs creates the key and log directories under the base dir.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.KeysDir(), c.SharedKeysDir(), c.ChatsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
