package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"pve-terminal/console"
)

// configPathOverride allows tests to redirect config to a temp directory
var configPathOverride string

// Config is the merged result of the config file, PVETERM_* environment
// variables and defaults.
type Config struct {
	PVE      PVEConfig      `mapstructure:"pve"`
	Terminal TerminalConfig `mapstructure:"terminal"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Serve    ServeConfig    `mapstructure:"serve"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type PVEConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Node     string `mapstructure:"node"`
	APIToken string `mapstructure:"api_token"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// Ticket skips the API and logs in with a fixed terminal ticket, as
	// issued by "serve".
	Ticket   string `mapstructure:"ticket"`
	User     string `mapstructure:"user"`
	Insecure bool   `mapstructure:"insecure"`
}

type TerminalConfig struct {
	LoginTimeout   time.Duration `mapstructure:"login_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	Keepalive      time.Duration `mapstructure:"keepalive"`
	ChunkSizeKB    int           `mapstructure:"chunk_size_kb"`
	HeredocDelay   time.Duration `mapstructure:"heredoc_delay"`
	Cols           int           `mapstructure:"cols"`
	Rows           int           `mapstructure:"rows"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ServeConfig struct {
	Listen     string `mapstructure:"listen"`
	Shell      string `mapstructure:"shell"`
	TicketHash string `mapstructure:"ticket_hash"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// getConfigDir returns ~/.pve-terminal, or the directory of
// configPathOverride in tests.
func getConfigDir() string {
	if configPathOverride != "" {
		return filepath.Dir(configPathOverride)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".pve-terminal")
}

func getConfigPath() string {
	if configPathOverride != "" {
		return configPathOverride
	}
	return filepath.Join(getConfigDir(), "config.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pve.port", console.DefaultPort)
	v.SetDefault("pve.insecure", false)
	v.SetDefault("pve.user", "root@pam")
	v.SetDefault("terminal.login_timeout", console.DefaultLoginTimeout)
	v.SetDefault("terminal.command_timeout", 60*time.Second)
	v.SetDefault("terminal.keepalive", console.DefaultKeepalive)
	v.SetDefault("terminal.chunk_size_kb", 512)
	v.SetDefault("terminal.heredoc_delay", console.DefaultHeredocDelay)
	v.SetDefault("terminal.cols", 160)
	v.SetDefault("terminal.rows", 50)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("serve.listen", "127.0.0.1:8006")
}

// bindEnvironmentVariables registers keys without defaults, which
// AutomaticEnv alone does not surface to Unmarshal.
func bindEnvironmentVariables(v *viper.Viper) {
	for _, key := range []string{
		"pve.host",
		"pve.node",
		"pve.api_token",
		"pve.username",
		"pve.password",
		"pve.ticket",
		"serve.shell",
		"serve.ticket_hash",
		"metrics.listen",
	} {
		_ = v.BindEnv(key)
	}
}

// loadConfig reads path, or the default location when path is empty. A
// missing file is not an error.
func loadConfig(path string) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PVETERM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvironmentVariables(v)

	if path == "" {
		path = getConfigPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, v, nil
}

// setupLogging applies the logging section to the standard logrus logger.
func setupLogging(cfg LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	logrus.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("logging.format: unknown format %q", cfg.Format)
	}
	return nil
}

// apiHost joins pve.host and pve.port unless the host already names a port.
func (c PVEConfig) apiHost() string {
	host := c.Host
	if c.Port == 0 || host == "" {
		return host
	}
	bare := host
	if i := strings.Index(bare, "://"); i >= 0 {
		bare = bare[i+3:]
	}
	bare = strings.TrimSuffix(bare, "/")
	if _, _, err := net.SplitHostPort(bare); err == nil {
		return host
	}
	return strings.TrimSuffix(host, "/") + ":" + strconv.Itoa(c.Port)
}

func (c *Config) validateClient() error {
	if c.PVE.Host == "" {
		return errors.New("pve.host is not set")
	}
	if c.PVE.Node == "" {
		return errors.New("pve.node is not set")
	}
	if c.PVE.APIToken == "" && c.PVE.Username == "" && c.PVE.Ticket == "" {
		return errors.New("one of pve.api_token, pve.username or pve.ticket is required")
	}
	return nil
}
