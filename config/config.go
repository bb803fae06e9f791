// Package config loads the subscription core's tunables — lock
// timeouts, the mailbox directory, housekeeper intervals — the way the
// teacher's feeders package loads module config: a plain struct with
// struct tags, fed from TOML, YAML or the environment by a small
// Feeder abstraction, with env-string coercion done by golobby/cast
// rather than hand-rolled strconv switches.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/golobby/cast"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in SPEC_FULL.md §2's ambient config
// section.
type Config struct {
	SubscrLockTimeout    time.Duration `toml:"subscr_lock_timeout" yaml:"subscr_lock_timeout" env:"SUBCORE_SUBSCR_LOCK_TIMEOUT"`
	ShmExtSubLockTimeout time.Duration `toml:"shmext_sub_lock_timeout" yaml:"shmext_sub_lock_timeout" env:"SUBCORE_SHMEXT_SUB_LOCK_TIMEOUT"`
	MailboxDir           string        `toml:"mailbox_dir" yaml:"mailbox_dir" env:"SUBCORE_MAILBOX_DIR"`
	LeaseDir             string        `toml:"lease_dir" yaml:"lease_dir" env:"SUBCORE_LEASE_DIR"`
	HousekeeperSchedule  string        `toml:"housekeeper_schedule" yaml:"housekeeper_schedule" env:"SUBCORE_HOUSEKEEPER_SCHEDULE"`
	NotifSweepInterval   time.Duration `toml:"notif_sweep_interval" yaml:"notif_sweep_interval" env:"SUBCORE_NOTIF_SWEEP_INTERVAL"`
	AdminListenAddr      string        `toml:"admin_listen_addr" yaml:"admin_listen_addr" env:"SUBCORE_ADMIN_LISTEN_ADDR"`
}

// Default returns the built-in defaults, overridable by any Feeder.
func Default() Config {
	return Config{
		SubscrLockTimeout:    5 * time.Second,
		ShmExtSubLockTimeout: 5 * time.Second,
		MailboxDir:           "subscriptions",
		LeaseDir:             "leases",
		HousekeeperSchedule:  "0 * * * *",
		NotifSweepInterval:   50 * time.Millisecond,
		AdminListenAddr:      ":9595",
	}
}

// Feeder populates a Config from one source. Multiple feeders can be
// applied in sequence, each overriding the fields it finds, exactly as
// the teacher layers Toml/Yaml/Env feeders over a base config.
type Feeder interface {
	Feed(cfg *Config) error
}

// Load starts from Default and applies every feeder in order.
func Load(feeders ...Feeder) (Config, error) {
	cfg := Default()
	for _, f := range feeders {
		if err := f.Feed(&cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// TomlFeeder reads a TOML file into Config.
type TomlFeeder struct{ Path string }

func (f TomlFeeder) Feed(cfg *Config) error {
	if _, err := os.Stat(f.Path); os.IsNotExist(err) {
		return nil
	}
	_, err := toml.DecodeFile(f.Path, cfg)
	if err != nil {
		return fmt.Errorf("config: decode toml %s: %w", f.Path, err)
	}
	return nil
}

// YamlFeeder reads a YAML file into Config.
type YamlFeeder struct{ Path string }

func (f YamlFeeder) Feed(cfg *Config) error {
	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: read yaml %s: %w", f.Path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: decode yaml %s: %w", f.Path, err)
	}
	return nil
}

// EnvFeeder overrides Config fields from the environment variable
// named in each field's `env` tag, using golobby/cast to coerce the
// string value into the field's type (time.Duration, string, ...) the
// same way the teacher's AffixedEnvFeeder does via reflect + cast.
type EnvFeeder struct{}

func (EnvFeeder) Feed(cfg *Config) error {
	rv := reflect.ValueOf(cfg).Elem()
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		tag := rt.Field(i).Tag.Get("env")
		if tag == "" {
			continue
		}
		raw, ok := os.LookupEnv(tag)
		if !ok || raw == "" {
			continue
		}
		field := rv.Field(i)
		if err := setField(field, raw); err != nil {
			return fmt.Errorf("config: env %s: %w", tag, err)
		}
	}
	return nil
}

func setField(field reflect.Value, raw string) error {
	switch field.Interface().(type) {
	case time.Duration:
		d, err := cast.ToDuration(raw)
		if err != nil {
			return err
		}
		field.Set(reflect.ValueOf(d))
	case string:
		s, err := cast.ToString(raw)
		if err != nil {
			return err
		}
		field.SetString(s)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}

// EnvPrefix is exposed for callers that want to namespace every
// variable name instead of hardcoding SUBCORE_ in the struct tags.
const EnvPrefix = "SUBCORE_"

func init() {
	// Guard against accidental tag/prefix drift: every env tag above
	// must start with EnvPrefix.
	var c Config
	rt := reflect.TypeOf(c)
	for i := 0; i < rt.NumField(); i++ {
		tag := rt.Field(i).Tag.Get("env")
		if tag != "" && !strings.HasPrefix(tag, EnvPrefix) {
			panic(fmt.Sprintf("config: field %s env tag %q missing prefix %q", rt.Field(i).Name, tag, EnvPrefix))
		}
	}
}
