// Package config loads activedoc settings from an optional YAML file layered
// over built-in defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/chosenoffset/activedoc/pkg/activedoc"
	"github.com/chosenoffset/activedoc/pkg/activedoc/match"
)

// FileName is the config file looked up in the workspace root.
const FileName = ".activedoc.yaml"

// Config is the complete runtime configuration.
type Config struct {
	// RuleTable is the rule table path relative to the workspace root.
	RuleTable string `yaml:"rule_table" validate:"required"`
	// Provider selects the match provider: "tree-sitter" or "ast-grep".
	Provider      string `yaml:"provider" validate:"oneof=tree-sitter ast-grep"`
	AstGrepBinary string `yaml:"ast_grep_binary"`

	Server  ServerConfig     `yaml:"server"`
	Watcher WatcherConfig    `yaml:"watcher"`
	Limits  activedoc.Limits `yaml:"limits"`
	Log     LogConfig        `yaml:"log"`
	Tracing TracingConfig    `yaml:"tracing"`
}

type ServerConfig struct {
	Port           int      `yaml:"port" validate:"gte=0,lte=65535"`
	MaxClients     int      `yaml:"max_clients" validate:"gte=1"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
	// ConnectRate is new WebSocket connections allowed per second; 0 is unlimited.
	ConnectRate  float64 `yaml:"connect_rate" validate:"gte=0"`
	ConnectBurst int     `yaml:"connect_burst" validate:"gte=0"`
}

type WatcherConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce" validate:"gt=0"`
	Ignore   []string      `yaml:"ignore"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json auto"`
}

type TracingConfig struct {
	Exporter string `yaml:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint string `yaml:"endpoint" validate:"required_if=Exporter otlp"`
	Insecure bool   `yaml:"insecure"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		RuleTable: activedoc.DefaultRuleTable,
		Provider:  match.KindTreeSitter,
		Server: ServerConfig{
			Port:         8887,
			MaxClients:   100,
			ConnectRate:  20,
			ConnectBurst: 40,
		},
		Watcher: WatcherConfig{
			Enabled:  true,
			Debounce: 200 * time.Millisecond,
			Ignore:   []string{".git", "node_modules", ".idea", ".vscode", "__pycache__", "*.swp", "*.tmp", "*~"},
		},
		Limits: activedoc.DefaultLimits(),
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		Tracing: TracingConfig{Exporter: "none"},
	}
}

var validate = validator.New()

// Load reads path over Default. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every field constraint and reports all failures at once.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("%s failed %s", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag())
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// Marshal renders c as YAML, for writing a starter config file.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
