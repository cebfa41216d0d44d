// Package config loads polyboard settings using Viper.
//
// Precedence, lowest first: built-in defaults, an optional config file
// (polyboard.yaml/.toml/.json in the OpenClaw directory, or an explicit
// path), then environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/openclaw/polyboard/internal/openclaw"
)

// Config holds the application configuration.
type Config struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	OpenClawPath string   `mapstructure:"openclaw_path"`
	APIToken     string   `mapstructure:"api_token"`
	AllowedTools []string `mapstructure:"allowed_tools"`
	StaticDir    string   `mapstructure:"static_dir"`
	LogFile      string   `mapstructure:"log_file"`
	IndexPath    string   `mapstructure:"index_path"`

	SaveDebounce             time.Duration `mapstructure:"save_debounce"`
	StatusPollInterval       time.Duration `mapstructure:"status_poll_interval"`
	WatchDebounce            time.Duration `mapstructure:"watch_debounce"`
	GatewayReconnectDelay    time.Duration `mapstructure:"gateway_reconnect_delay"`
	GatewayReconnectAttempts int           `mapstructure:"gateway_reconnect_attempts"`

	// ConfigFile is the file that was read, if any.
	ConfigFile string `mapstructure:"-"`
}

// env maps keys to the environment variables that override them.
var env = map[string]string{
	"port":          "PORT",
	"host":          "POLYBOARD_HOST",
	"openclaw_path": "OPENCLAW_CONFIG_PATH",
	"api_token":     "POLYBOARD_API_TOKEN",
	"allowed_tools": "POLYBOARD_ALLOWED_TOOLS",
	"static_dir":    "POLYBOARD_STATIC_DIR",
	"log_file":      "POLYBOARD_LOG_FILE",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 3001)
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("openclaw_path", "~/.openclaw")
	v.SetDefault("allowed_tools", []string{"send_message"})
	v.SetDefault("index_path", ":memory:")
	v.SetDefault("save_debounce", "500ms")
	v.SetDefault("status_poll_interval", "5s")
	v.SetDefault("watch_debounce", "100ms")
	v.SetDefault("gateway_reconnect_delay", "3s")
	v.SetDefault("gateway_reconnect_attempts", 5)
}

// Load reads configuration. configFile may be empty, in which case an
// optional polyboard.* file in the OpenClaw directory is used.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, name := range env {
		if err := v.BindEnv(key, name); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", name, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.AddConfigPath(expandHome(v.GetString("openclaw_path")))
		v.SetConfigName("polyboard")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.ConfigFile = v.ConfigFileUsed()
	cfg.OpenClawPath = expandHome(cfg.OpenClawPath)
	cfg.AllowedTools = cleanList(cfg.AllowedTools)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.OpenClawPath == "" {
		return fmt.Errorf("openclaw_path cannot be empty")
	}
	if len(c.AllowedTools) == 0 {
		return fmt.Errorf("allowed_tools cannot be empty")
	}
	if c.GatewayReconnectAttempts < 0 {
		return fmt.Errorf("gateway_reconnect_attempts cannot be negative")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// OpenClaw returns the OpenClaw directory.
func (c *Config) OpenClaw() openclaw.Dir {
	return openclaw.Dir{Root: c.OpenClawPath}
}

// TasksPath returns the tasks.json path.
func (c *Config) TasksPath() string {
	return c.OpenClaw().TasksPath()
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
