// ============================================================================
// update-daemon Config - YAML configuration document
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Immutable snapshot of daemon settings, loaded once at startup and
//          reloaded on SIGHUP or when the file changes on disk.
//
// Layout:
//   name: eti-bot
//   loop_interval: 60
//   LOG:     { min_level, sink }
//   MAIL:    { smtp_host, smtp_port, imap_host, username, password,
//              destination, ccs }
//   DB:      { <connection>: { username, password, name, driver } }
//   ETI:     { cookie_file, username, password, site, login_path, check_path }
//   status:  { connection, table }
//   metrics: { enabled, addr }
//   health:  { enabled, addr }
//
// Sections MAIL, DB and ETI are optional. A daemon without ETI has no
// external session; a daemon without MAIL logs notifications instead.
//
// ============================================================================

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied by Load when a field is left empty.
const (
	DefaultLoopInterval = 60
	DefaultStatusTable  = "indices"
	DefaultDriver       = "sqlite"
	DefaultLoginPath    = "/login.php"
	DefaultCheckPath    = "/"
	DefaultMetricsAddr  = ":9090"
	DefaultHealthAddr   = ":50051"
)

// Config is the complete daemon configuration.
type Config struct {
	Name         string `yaml:"name"`
	LoopInterval int    `yaml:"loop_interval" validate:"gt=0"`

	Log  LogConfig           `yaml:"LOG"`
	Mail *MailConfig         `yaml:"MAIL"`
	DB   map[string]DBConfig `yaml:"DB" validate:"dive"`
	ETI  *ETIConfig          `yaml:"ETI"`

	Status  StatusConfig `yaml:"status"`
	Metrics ListenConfig `yaml:"metrics"`
	Health  ListenConfig `yaml:"health"`
}

type LogConfig struct {
	MinLevel string `yaml:"min_level" validate:"loglevel"`
	Sink     string `yaml:"sink" validate:"oneof=syslog stderr"` // syslog (default) | stderr
}

type MailConfig struct {
	SMTPHost    string     `yaml:"smtp_host" validate:"required"`
	SMTPPort    int        `yaml:"smtp_port" validate:"min=1,max=65535"`
	IMAPHost    string     `yaml:"imap_host"`
	Username    string     `yaml:"username"`
	Password    string     `yaml:"password"`
	Destination string     `yaml:"destination" validate:"required"`
	CCs         Recipients `yaml:"ccs"`
}

type DBConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// database name; file path for sqlite
	Name string `yaml:"name" validate:"required"`
	// database/sql driver name
	Driver string `yaml:"driver"`
}

type ETIConfig struct {
	CookieFile string `yaml:"cookie_file" validate:"required"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	Site       string `yaml:"site" validate:"url"`
	LoginPath  string `yaml:"login_path"`
	CheckPath  string `yaml:"check_path"`
}

// StatusConfig locates the table holding the eti_up and heartbeat rows.
type StatusConfig struct {
	Connection string `yaml:"connection"`
	Table      string `yaml:"table"`
}

type ListenConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Recipients accepts either a YAML list or a comma-separated string.
// An empty string means no recipients.
type Recipients []string

func (r *Recipients) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.ShortTag() == "!!null" {
			*r = nil
			return nil
		}
		*r = splitList(node.Value)
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*r = list
		return nil
	default:
		return fmt.Errorf("ccs: expected string or list, got yaml kind %d", node.Kind)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Interval returns loop_interval as a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.LoopInterval) * time.Second
}

// Load reads, parses and normalizes the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LoopInterval == 0 {
		cfg.LoopInterval = DefaultLoopInterval
	}
	if cfg.Log.MinLevel == "" {
		cfg.Log.MinLevel = "INFO"
	}
	if cfg.Log.Sink == "" {
		cfg.Log.Sink = "syslog"
	}
	for name, db := range cfg.DB {
		if db.Driver == "" {
			db.Driver = DefaultDriver
			cfg.DB[name] = db
		}
	}
	if cfg.Status.Table == "" {
		cfg.Status.Table = DefaultStatusTable
	}
	// a single connection is the obvious home for the status rows
	if cfg.Status.Connection == "" && len(cfg.DB) == 1 {
		for name := range cfg.DB {
			cfg.Status.Connection = name
		}
	}
	if cfg.ETI != nil {
		if cfg.ETI.LoginPath == "" {
			cfg.ETI.LoginPath = DefaultLoginPath
		}
		if cfg.ETI.CheckPath == "" {
			cfg.ETI.CheckPath = DefaultCheckPath
		}
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = DefaultMetricsAddr
	}
	if cfg.Health.Addr == "" {
		cfg.Health.Addr = DefaultHealthAddr
	}
}
