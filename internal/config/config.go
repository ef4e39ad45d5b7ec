// Package config loads knowhow server settings.
//
// Values resolve, highest first, from command line flags, KNOWHOW_*
// environment variables, a knowhow.yaml config file and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"knowhow/internal/logging"
)

const (
	envPrefix      = "KNOWHOW"
	configFileName = "knowhow"
)

const (
	DefaultAddr            = ":8080"
	DefaultRoot            = "."
	DefaultPollInterval    = time.Second
	DefaultStatTimeout     = 2 * time.Second
	DefaultScanConcurrency = 8
	DefaultDebounce        = 100 * time.Millisecond
	DefaultSendBuffer      = 16
	DefaultShutdownTimeout = 5 * time.Second
	DefaultLogLevel        = "info"
)

type Config struct {
	Addr            string        `mapstructure:"addr"`
	Root            string        `mapstructure:"root"`
	PollInterval    time.Duration `mapstructure:"poll-interval"`
	StatTimeout     time.Duration `mapstructure:"stat-timeout"`
	ScanConcurrency int           `mapstructure:"scan-concurrency"`
	Debounce        time.Duration `mapstructure:"debounce"`
	FSNotify        bool          `mapstructure:"fsnotify"`
	// SendBuffer is the per-connection outbound queue length.
	SendBuffer      int           `mapstructure:"send-buffer"`
	AllowedOrigins  []string      `mapstructure:"allowed-origins"`
	LogLevel        string        `mapstructure:"log-level"`
	Verbose         bool          `mapstructure:"verbose"`
	Quiet           bool          `mapstructure:"quiet"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout"`

	// ConfigFile is the file viper read, if any.
	ConfigFile string `mapstructure:"-"`
}

func Default() *Config {
	return &Config{
		Addr:            DefaultAddr,
		Root:            DefaultRoot,
		PollInterval:    DefaultPollInterval,
		StatTimeout:     DefaultStatTimeout,
		ScanConcurrency: DefaultScanConcurrency,
		Debounce:        DefaultDebounce,
		FSNotify:        true,
		SendBuffer:      DefaultSendBuffer,
		LogLevel:        DefaultLogLevel,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if strings.TrimSpace(c.Root) == "" {
		errs = append(errs, errors.New("root is required"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll-interval must be positive, got %s", c.PollInterval))
	}
	if c.StatTimeout <= 0 {
		errs = append(errs, fmt.Errorf("stat-timeout must be positive, got %s", c.StatTimeout))
	}
	if c.ScanConcurrency < 1 {
		errs = append(errs, fmt.Errorf("scan-concurrency must be at least 1, got %d", c.ScanConcurrency))
	}
	if c.Debounce < 0 {
		errs = append(errs, fmt.Errorf("debounce must not be negative, got %s", c.Debounce))
	}
	if c.SendBuffer < 1 {
		errs = append(errs, fmt.Errorf("send-buffer must be at least 1, got %d", c.SendBuffer))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown-timeout must be positive, got %s", c.ShutdownTimeout))
	}
	if _, ok := logging.ParseLevel(c.LogLevel); !ok {
		errs = append(errs, fmt.Errorf("invalid log level %q: must be one of debug, info, warning, error", c.LogLevel))
	}
	return errors.Join(errs...)
}

// EffectiveLogLevel applies --verbose and --quiet on top of log-level.
func (c *Config) EffectiveLogLevel() logging.Level {
	if c.Quiet {
		return logging.LevelError
	}
	if c.Verbose {
		return logging.LevelDebug
	}
	level, ok := logging.ParseLevel(c.LogLevel)
	if !ok {
		return logging.LevelInfo
	}
	return level
}

// RegisterServeFlags declares the server flags. Their names are the config
// keys so Load can bind them directly.
func RegisterServeFlags(flags *pflag.FlagSet) {
	defaults := Default()
	flags.String("addr", defaults.Addr, "HTTP listen address")
	flags.String("root", defaults.Root, "document root directory")
	flags.Duration("poll-interval", defaults.PollInterval, "interval between change scans")
	flags.Duration("stat-timeout", defaults.StatTimeout, "timeout for a single file stat")
	flags.Int("scan-concurrency", defaults.ScanConcurrency, "parallel stats per scan")
	flags.Duration("debounce", defaults.Debounce, "fsnotify debounce window")
	flags.Bool("fsnotify", defaults.FSNotify, "use fsnotify to detect changes between scans")
	flags.Int("send-buffer", defaults.SendBuffer, "outbound messages queued per connection")
	flags.StringSlice("allowed-origins", nil, "websocket origins allowed besides the serving host")
	flags.Duration("shutdown-timeout", defaults.ShutdownTimeout, "graceful shutdown timeout")
}

// RegisterGlobalFlags declares flags shared by every command.
func RegisterGlobalFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "config file (default ./knowhow.yaml)")
	flags.String("log-level", DefaultLogLevel, "log level: debug, info, warning, error")
	flags.BoolP("verbose", "v", false, "enable debug logging")
	flags.BoolP("quiet", "q", false, "only log errors")
}

// Load resolves the configuration for cmd. A fresh viper instance is used
// per call.
func Load(cmd *cobra.Command, configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v, configFile); err != nil {
		return nil, err
	}
	if err := bindFlags(v, cmd); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.ConfigFile = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := Default()
	v.SetDefault("addr", defaults.Addr)
	v.SetDefault("root", defaults.Root)
	v.SetDefault("poll-interval", defaults.PollInterval)
	v.SetDefault("stat-timeout", defaults.StatTimeout)
	v.SetDefault("scan-concurrency", defaults.ScanConcurrency)
	v.SetDefault("debounce", defaults.Debounce)
	v.SetDefault("fsnotify", defaults.FSNotify)
	v.SetDefault("send-buffer", defaults.SendBuffer)
	v.SetDefault("allowed-origins", []string{})
	v.SetDefault("log-level", defaults.LogLevel)
	v.SetDefault("verbose", false)
	v.SetDefault("quiet", false)
	v.SetDefault("shutdown-timeout", defaults.ShutdownTimeout)
}

func readConfigFile(v *viper.Viper, configFile string) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file %q: %w", configFile, err)
		}
		return nil
	}

	v.SetConfigName(configFileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "knowhow"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	if cmd == nil {
		return nil
	}
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}
	for c := cmd; c != nil; c = c.Parent() {
		if err := v.BindPFlags(c.PersistentFlags()); err != nil {
			return fmt.Errorf("bind persistent flags: %w", err)
		}
	}
	return nil
}
