package astfctl

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	defaults "github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"

	"github.com/takehaya/astfctl/pkg/emulator"
	"github.com/takehaya/astfctl/pkg/logger"
	"github.com/takehaya/astfctl/pkg/verdict"
)

// EnvPrefix is the prefix of environment overrides, e.g. ASTF_SERVER.
const EnvPrefix = "ASTF"

type Config struct {
	LoggerConfig logger.Config    `yaml:"logger" envconfig:"LOG"`
	Criteria     verdict.Criteria `yaml:"criteria" envconfig:"CRITERIA"`
	Emulator     emulator.Config  `yaml:"emulator" envconfig:"EMULATOR"`

	Server       string        `yaml:"server" envconfig:"SERVER" default:"127.0.0.1"`
	Port         int           `yaml:"port" envconfig:"PORT" default:"4501"`
	ProfilePath  string        `yaml:"profile" envconfig:"PROFILE"` // 空なら同梱の http_simple
	Multiplier   float64       `yaml:"mult" envconfig:"MULT" default:"100"`
	Duration     time.Duration `yaml:"duration" envconfig:"DURATION" default:"10s"`
	NoClose      bool          `yaml:"no_close" envconfig:"NO_CLOSE" default:"true"`
	ForceAcquire bool          `yaml:"force" envconfig:"FORCE"`

	// WaitTimeout が 0 なら duration + session.DefaultWaitGrace
	WaitTimeout  time.Duration `yaml:"wait_timeout" envconfig:"WAIT_TIMEOUT"`
	PollInterval time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL" default:"500ms"`
	CallTimeout  time.Duration `yaml:"call_timeout" envconfig:"CALL_TIMEOUT" default:"10s"`

	ResultsDB string `yaml:"results_db" envconfig:"RESULTS_DB"`
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	var cfg Config
	defaults.SetDefaults(&cfg)
	defaults.SetDefaults(&cfg.LoggerConfig)
	defaults.SetDefaults(&cfg.Criteria)
	defaults.SetDefaults(&cfg.Emulator)
	return cfg
}

// LoadConfig layers defaults, the YAML file at path (optional) and ASTF_*
// environment variables, in that order.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("failed parse config %s: %w", path, err)
		}
	}
	if err := overlayEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("failed read environment: %w", err)
	}
	return cfg, nil
}

// overlayEnv applies only the ASTF_* variables that are present. envconfig
// also writes `default:` values for unset variables, which would undo the
// file, so it decodes into a copy and only the set fields are taken over.
func overlayEnv(cfg *Config) error {
	parsed := *cfg
	if err := envconfig.Process(EnvPrefix, &parsed); err != nil {
		return err
	}
	mergeSetEnv(reflect.ValueOf(cfg).Elem(), reflect.ValueOf(&parsed).Elem(), EnvPrefix)
	return nil
}

// mergeSetEnv walks dst with the same key naming as envconfig
// (PREFIX_TAG, nested structs extend the prefix).
func mergeSetEnv(dst, src reflect.Value, prefix string) {
	t := dst.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || f.Tag.Get("ignored") == "true" {
			continue
		}
		name := f.Tag.Get("envconfig")
		if name == "" {
			name = f.Name
		}
		key := strings.ToUpper(prefix + "_" + name)

		if f.Type.Kind() == reflect.Struct {
			mergeSetEnv(dst.Field(i), src.Field(i), key)
			continue
		}
		if _, ok := os.LookupEnv(key); ok {
			dst.Field(i).Set(src.Field(i))
		}
	}
}

func (c *Config) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("server is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Multiplier <= 0 {
		return fmt.Errorf("multiplier must be positive")
	}
	if c.Duration <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	if c.WaitTimeout < 0 {
		return fmt.Errorf("wait timeout must not be negative")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call timeout must be positive")
	}
	// wait timeout は duration と独立だが、短すぎると必ず失敗する
	if c.WaitTimeout > 0 && c.WaitTimeout < c.Duration {
		return fmt.Errorf("wait timeout %s is shorter than duration %s", c.WaitTimeout, c.Duration)
	}
	if err := c.Criteria.Validate(); err != nil {
		return fmt.Errorf("invalid criteria: %w", err)
	}
	return nil
}
