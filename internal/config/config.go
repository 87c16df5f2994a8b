// Package config loads bibforge settings from defaults, an optional
// bibforge.yaml and BIBFORGE_* environment variables, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "BIBFORGE"
	FileName  = "bibforge"
)

type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Styles   StylesConfig   `mapstructure:"styles"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Compile  CompileConfig  `mapstructure:"compile"`
	Log      LogConfig      `mapstructure:"log"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Trace    TraceConfig    `mapstructure:"trace"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

type SessionsConfig struct {
	Root            string        `mapstructure:"root" validate:"required"`
	InactivityLimit time.Duration `mapstructure:"inactivity_limit" validate:"gt=0"`
	GCInterval      time.Duration `mapstructure:"gc_interval" validate:"gt=0"`
	OrphanSweep     bool          `mapstructure:"orphan_sweep"`
}

type StylesConfig struct {
	Dir   string `mapstructure:"dir" validate:"required"`
	Watch bool   `mapstructure:"watch"`
}

type SandboxConfig struct {
	Type   string       `mapstructure:"type" validate:"oneof=host docker"`
	Docker DockerConfig `mapstructure:"docker"`
}

type DockerConfig struct {
	Image string `mapstructure:"image"`
	// Container names an existing container to exec into instead of
	// provisioning one.
	Container string `mapstructure:"container"`
	Network   string `mapstructure:"network"`
	// Workspace is where sessions.root is mounted inside the container.
	Workspace string `mapstructure:"workspace" validate:"omitempty,startswith=/"`
}

type CompileConfig struct {
	TypesetCommand string        `mapstructure:"typeset_command" validate:"required"`
	TypesetArgs    []string      `mapstructure:"typeset_args"`
	BibCommand     string        `mapstructure:"bib_command" validate:"required"`
	BibArgs        []string      `mapstructure:"bib_args"`
	PassTimeout    time.Duration `mapstructure:"pass_timeout" validate:"gt=0"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout" validate:"gte=0"`
	MaxConcurrent  int64         `mapstructure:"max_concurrent" validate:"gt=0"`
	MaxInputBytes  int           `mapstructure:"max_input_bytes" validate:"gt=0"`
	MaxLogBytes    int           `mapstructure:"max_log_bytes" validate:"gt=0"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	Level      string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Production bool   `mapstructure:"production"`
}

type LedgerConfig struct {
	// Path of the sqlite history database. Empty disables the ledger.
	Path string `mapstructure:"path"`
}

type TraceConfig struct {
	Stdout bool `mapstructure:"stdout"`
}

var defaults = map[string]any{
	"http.addr":                 ":8080",
	"sessions.root":             "var/sessions",
	"sessions.inactivity_limit": 17 * time.Minute,
	"sessions.gc_interval":      time.Minute,
	"sessions.orphan_sweep":     true,
	"styles.dir":                "bst",
	"styles.watch":              true,
	"sandbox.type":              "host",
	"sandbox.docker.image":      "texlive/texlive:latest",
	"sandbox.docker.container":  "",
	"sandbox.docker.network":    "none",
	"sandbox.docker.workspace":  "/workspace",
	"compile.typeset_command":   "latex",
	"compile.typeset_args":      []string{"-interaction=nonstopmode", "document.tex"},
	"compile.bib_command":       "bibtex",
	"compile.bib_args":          []string{"document"},
	"compile.pass_timeout":      60 * time.Second,
	"compile.idle_timeout":      30 * time.Second,
	"compile.max_concurrent":    4,
	"compile.max_input_bytes":   4 << 20,
	"compile.max_log_bytes":     64 << 10,
	"log.file":                  "",
	"log.level":                 "info",
	"log.production":            false,
	"ledger.path":               "var/bibforge.db",
	"trace.stdout":              false,
}

// Options controls where Load looks.
type Options struct {
	// File is an explicit config file. When empty, bibforge.yaml is looked
	// up in SearchPaths and is optional.
	File        string
	SearchPaths []string
}

// Load reads and validates the configuration. Callers that want .env
// support load it into the environment first.
func Load(opts Options) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.File != "" {
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", opts.File, err)
		}
	} else {
		v.SetConfigName(FileName)
		paths := opts.SearchPaths
		if len(paths) == 0 {
			paths = []string{"."}
		}
		for _, path := range paths {
			v.AddConfigPath(path)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("config: read: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and reports every violation.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("config: validate: %w", err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
}
