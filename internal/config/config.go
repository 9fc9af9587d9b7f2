package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openmined/treemirror/internal/dispatch"
	"github.com/openmined/treemirror/internal/session"
	"github.com/spf13/viper"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigDir  = filepath.Join(home, ".treemirror")
	DefaultConfigPath = filepath.Join(DefaultConfigDir, "config.yaml")
	DefaultJournal    = filepath.Join(DefaultConfigDir, "journal.db")
	DefaultServers    = []string{"127.0.0.1:2181"}
	DefaultRemoteURL  = "http://127.0.0.1:7070"
	DefaultServerAddr = "127.0.0.1:7070"
)

const EnvPrefix = "TREEMIRROR"

var (
	ErrUnknownBackend = errors.New("config: unknown backend")
	ErrNoServers      = errors.New("config: no zookeeper servers")
	ErrInvalidURL     = errors.New("config: invalid remote url")
	ErrInvalidValue   = errors.New("config: invalid value")
)

// Backend selects where sessions connect to.
type Backend string

const (
	BackendZooKeeper Backend = "zk"
	BackendMemory    Backend = "memory"
	BackendRemote    Backend = "remote"
)

type RetryConfig struct {
	BaseSleep  time.Duration `mapstructure:"base_sleep" yaml:"base_sleep"`
	MaxSleep   time.Duration `mapstructure:"max_sleep" yaml:"max_sleep"`
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
}

type DispatchConfig struct {
	// Workers above zero runs listeners on a shared pool; zero runs them on the mirror goroutine.
	Workers   int    `mapstructure:"workers" yaml:"workers"`
	QueueSize int    `mapstructure:"queue_size" yaml:"queue_size"`
	Overflow  string `mapstructure:"overflow" yaml:"overflow"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr" yaml:"addr"`
	RateLimit    string        `mapstructure:"rate_limit" yaml:"rate_limit"`
	SessionGrace time.Duration `mapstructure:"session_grace" yaml:"session_grace"`
}

type Config struct {
	Backend        Backend        `mapstructure:"backend" yaml:"backend"`
	Servers        []string       `mapstructure:"servers" yaml:"servers"`
	RemoteURL      string         `mapstructure:"remote_url" yaml:"remote_url"`
	SessionTimeout time.Duration  `mapstructure:"session_timeout" yaml:"session_timeout"`
	ConnectTimeout time.Duration  `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	Retry          RetryConfig    `mapstructure:"retry" yaml:"retry"`
	Dispatch       DispatchConfig `mapstructure:"dispatch" yaml:"dispatch"`
	Server         ServerConfig   `mapstructure:"server" yaml:"server"`
	JournalPath    string         `mapstructure:"journal_path" yaml:"journal_path"`
	LogLevel       string         `mapstructure:"log_level" yaml:"log_level"`
	LogFile        string         `mapstructure:"log_file" yaml:"log_file"`
	Path           string         `mapstructure:"-" yaml:"-"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("backend", string(BackendMemory))
	v.SetDefault("servers", DefaultServers)
	v.SetDefault("remote_url", DefaultRemoteURL)
	v.SetDefault("session_timeout", 60*time.Second)
	v.SetDefault("connect_timeout", 5*time.Second)
	v.SetDefault("retry.base_sleep", 5*time.Second)
	v.SetDefault("retry.max_sleep", 60*time.Second)
	v.SetDefault("retry.max_retries", 10)
	v.SetDefault("dispatch.workers", 0)
	v.SetDefault("dispatch.queue_size", 256)
	v.SetDefault("dispatch.overflow", dispatch.OverflowBlock.String())
	v.SetDefault("server.addr", DefaultServerAddr)
	v.SetDefault("server.rate_limit", "200-S")
	v.SetDefault("server.session_grace", 30*time.Second)
	v.SetDefault("journal_path", DefaultJournal)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
}

// Load reads v into a validated Config.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ReadFile points v at the config file. A missing file is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(DefaultConfigDir)
		v.AddConfigPath(filepath.Join(home, ".config", "treemirror"))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !enoent && !notFound {
			return fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return nil
}

func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendZooKeeper:
		if len(c.Servers) == 0 {
			return ErrNoServers
		}
	case BackendRemote:
		u, err := url.Parse(c.RemoteURL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("%w: %q", ErrInvalidURL, c.RemoteURL)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}

	if c.SessionTimeout <= 0 {
		return fmt.Errorf("%w: session_timeout must be positive", ErrInvalidValue)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: connect_timeout must be positive", ErrInvalidValue)
	}
	if c.Retry.BaseSleep <= 0 || c.Retry.MaxSleep < c.Retry.BaseSleep {
		return fmt.Errorf("%w: retry sleeps", ErrInvalidValue)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("%w: retry.max_retries is negative", ErrInvalidValue)
	}
	if c.Dispatch.Workers < 0 || c.Dispatch.QueueSize < 1 {
		return fmt.Errorf("%w: dispatch sizes", ErrInvalidValue)
	}
	if _, err := dispatch.ParseOverflowPolicy(c.Dispatch.Overflow); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() session.RetryPolicy {
	return session.RetryPolicy{
		BaseSleep:  c.Retry.BaseSleep,
		MaxSleep:   c.Retry.MaxSleep,
		MaxRetries: c.Retry.MaxRetries,
	}
}

// Options returns the listener options for the dispatch section. The caller owns
// the returned pool and closes it after every mirror using it is done. pool is
// nil when listeners run inline.
func (c DispatchConfig) Options() (opts []dispatch.Option, pool *dispatch.Pool) {
	overflow, _ := dispatch.ParseOverflowPolicy(c.Overflow)
	opts = []dispatch.Option{
		dispatch.WithQueueSize(c.QueueSize),
		dispatch.WithOverflow(overflow),
	}
	if c.Workers > 0 {
		pool = dispatch.NewPool(c.Workers)
		opts = append(opts, dispatch.WithExecutor(pool))
	}
	return opts, pool
}

// ParseLevel parses debug, info, warn or error.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalidValue, s)
	}
	return level, nil
}
