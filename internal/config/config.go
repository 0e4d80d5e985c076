// Package config loads the daemon's TOML configuration and overlays CLI
// flag values on top of it, backed by afero so tests can load config from
// an in-memory filesystem instead of touching disk.
package config

import (
	"bytes"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/watchtower-sec/watchtower/internal/events"
)

// EventConfig toggles one configurable event type.
type EventConfig struct {
	Name    string `mapstructure:"name"`
	Enabled bool   `mapstructure:"enabled"`
}

// Config is the daemon's fully resolved configuration.
type Config struct {
	Output            string        `mapstructure:"output"`
	HostUUID          uuid.UUID     `mapstructure:"-"`
	HostUUIDRaw       string        `mapstructure:"host_uuid"`
	MaxBufferedEvents uint16        `mapstructure:"max_buffered_events"`
	SendDataMinLen    uint64        `mapstructure:"send_data_min_len"`
	HashCacheCapacity int           `mapstructure:"hash_cache_capacity"`
	Rules             []string      `mapstructure:"rules"`
	IOCs              []string      `mapstructure:"iocs"`
	Events            []EventConfig `mapstructure:"events"`

	VerifierLogLevel string `mapstructure:"-"`
	Probes           []string `mapstructure:"-"`
}

// Default returns the built-in defaults, used both at startup (as the base
// viper merges a file over) and by --dump-config.
func Default() Config {
	return Config{
		Output:            "stdout",
		MaxBufferedEvents: 1024,
		VerifierLogLevel:  "stats",
	}
}

// EnabledSet reports, per configurable event type, whether it is enabled.
// Types absent from the Events list default to enabled.
func (c Config) EnabledSet() map[events.Type]bool {
	out := make(map[events.Type]bool)
	for _, t := range events.ConfigurableTypes() {
		out[t] = true
	}
	for _, ec := range c.Events {
		if t, ok := events.ParseType(ec.Name); ok {
			out[t] = ec.Enabled
		}
	}
	return out
}

// OutputPath resolves the configuration's output field to a real path,
// mapping the stdout/stderr aliases.
func (c Config) OutputPath() string {
	switch c.Output {
	case "stdout":
		return "/dev/stdout"
	case "stderr":
		return "/dev/stderr"
	default:
		return c.Output
	}
}

// Load reads and parses the TOML file at path from fs, validating
// required fields. A missing or zero host_uuid is startup-fatal.
func Load(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	return Parse(data)
}

// Parse parses raw TOML bytes into a Config, applying defaults first.
func Parse(data []byte) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	def := Default()
	v.SetDefault("output", def.Output)
	v.SetDefault("max_buffered_events", def.MaxBufferedEvents)

	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, errors.Wrap(err, "parsing toml config")
	}

	cfg := def
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshalling config")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.HostUUIDRaw) == "" {
		return errors.New("host_uuid is required: generate one with --dump-config")
	}
	id, err := uuid.Parse(c.HostUUIDRaw)
	if err != nil {
		return errors.Wrap(err, "host_uuid is not a valid uuid")
	}
	if id == uuid.Nil {
		return errors.New("host_uuid must not be the zero uuid: generate one with --dump-config")
	}
	c.HostUUID = id

	for _, ec := range c.Events {
		t, ok := events.ParseType(ec.Name)
		if !ok {
			return errors.Errorf("unknown event type %q in events config", ec.Name)
		}
		if !t.Configurable() {
			return errors.Errorf("event type %q is internal and cannot be configured", ec.Name)
		}
	}
	return nil
}

// CLIOverrides carries the flag values that, when set, take precedence
// over whatever the TOML file specified.
type CLIOverrides struct {
	MaxBufferedEvents *uint16
	SendDataMinLen    *uint64
	HashCacheCapacity *int
	RuleFiles         []string
	IOCFiles          []string
	Include           []string
	Exclude           []string
}

// ApplyCLI overlays flags on top of the parsed file config. Include
// supersedes Exclude per the external interface: an explicit include list
// enables exactly those types (and nothing else); otherwise an exclude
// list disables exactly those types.
func (c *Config) ApplyCLI(o CLIOverrides) error {
	if o.MaxBufferedEvents != nil {
		c.MaxBufferedEvents = *o.MaxBufferedEvents
	}
	if o.SendDataMinLen != nil {
		c.SendDataMinLen = *o.SendDataMinLen
	}
	if o.HashCacheCapacity != nil {
		c.HashCacheCapacity = *o.HashCacheCapacity
	}
	c.Rules = append(c.Rules, o.RuleFiles...)
	c.IOCs = append(c.IOCs, o.IOCFiles...)

	if len(o.Include) > 0 {
		enable := map[string]bool{}
		for _, name := range o.Include {
			enable[name] = true
		}
		all := enable["all"]
		var evs []EventConfig
		for _, t := range events.ConfigurableTypes() {
			evs = append(evs, EventConfig{Name: t.String(), Enabled: all || enable[t.String()]})
		}
		c.Events = evs
		return nil
	}
	if len(o.Exclude) > 0 {
		disable := map[string]bool{}
		for _, name := range o.Exclude {
			disable[name] = true
		}
		all := disable["all"]
		var evs []EventConfig
		for _, t := range events.ConfigurableTypes() {
			evs = append(evs, EventConfig{Name: t.String(), Enabled: !(all || disable[t.String()])})
		}
		c.Events = evs
	}
	return nil
}
