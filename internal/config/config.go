// Package config loads the application configuration from the environment
// and an optional .env file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/zoravur/passerby/internal/logger"
)

// Backend drivers.
const (
	DriverSupabase = "supabase"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Change feed sources for the postgres driver.
const (
	WALSidecar     = "sidecar"
	WALReplication = "replication"
	WALOff         = "off"
)

// Config holds all configuration for the application.
type Config struct {
	Supabase SupabaseConfig `mapstructure:"supabase"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	WAL      WALConfig      `mapstructure:"wal"`
	Log      logger.Config  `mapstructure:"log"`
	Session  SessionConfig  `mapstructure:"session"`
}

// SupabaseConfig locates the hosted project.
type SupabaseConfig struct {
	URL     string `mapstructure:"url" default:""`
	AnonKey string `mapstructure:"anon_key" default:""`
}

// BackendConfig selects the adapter.
type BackendConfig struct {
	// Driver is supabase, postgres or memory.
	Driver string `mapstructure:"driver" default:"supabase"`
}

// PostgresConfig is used by the postgres driver.
type PostgresConfig struct {
	URL    string `mapstructure:"url" default:""`
	Schema string `mapstructure:"schema" default:"public"`
}

// WALConfig selects where the postgres driver reads changes from.
type WALConfig struct {
	// Mode is sidecar, replication or off.
	Mode string `mapstructure:"mode" default:"sidecar"`
	// Addr is the sidecar's TCP address.
	Addr string `mapstructure:"addr" default:"localhost:9000"`
	// Slot is the logical replication slot. An empty slot creates a
	// temporary one.
	Slot string `mapstructure:"slot" default:""`
}

// SessionConfig controls where the session lives and how tokens are read.
type SessionConfig struct {
	// Path is the session file; empty means the user config directory.
	Path string `mapstructure:"path" default:""`
	// JWTSecret verifies access tokens when set.
	JWTSecret string `mapstructure:"jwt_secret" default:""`
	// Token is a fixed access token for the postgres driver.
	Token string `mapstructure:"token" default:""`
}

// LoadConfig loads and validates the configuration.
func LoadConfig(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads configuration from environment variables and the .env file
// in path, if any, without validating it. Values from .env override the
// environment.
func Load(path string) (*Config, error) {
	envPath := filepath.Join(path, ".env")
	if path == "." || path == "" {
		envPath = ".env"
	}
	if err := godotenv.Overload(envPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", envPath, err)
	}

	v := viper.New()
	bindValues(v, Config{}, "")
	// SUPABASE_ANON_KEY -> supabase.anon_key
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	return &cfg, nil
}

// bindValues walks the struct's mapstructure tags and registers every key
// with its default so AutomaticEnv can find it.
func bindValues(v *viper.Viper, iface any, prefix string) {
	t := reflect.TypeOf(iface)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" {
			continue
		}

		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		if field.Type.Kind() == reflect.Struct {
			bindValues(v, reflect.New(field.Type).Elem().Interface(), key)
			continue
		}
		v.SetDefault(key, field.Tag.Get("default"))
	}
}

func (c *Config) normalize() {
	c.Backend.Driver = strings.ToLower(strings.TrimSpace(c.Backend.Driver))
	c.WAL.Mode = strings.ToLower(strings.TrimSpace(c.WAL.Mode))
	c.Supabase.URL = strings.TrimRight(strings.TrimSpace(c.Supabase.URL), "/")
}

// Validate checks that the selected driver has what it needs.
func (c *Config) Validate() error {
	switch c.Backend.Driver {
	case DriverSupabase:
		if c.Supabase.URL == "" || c.Supabase.AnonKey == "" {
			return fmt.Errorf("backend %q needs SUPABASE_URL and SUPABASE_ANON_KEY", c.Backend.Driver)
		}
	case DriverPostgres:
		if c.Postgres.URL == "" {
			return fmt.Errorf("backend %q needs POSTGRES_URL", c.Backend.Driver)
		}
		switch c.WAL.Mode {
		case WALSidecar:
			if c.WAL.Addr == "" {
				return fmt.Errorf("wal mode %q needs WAL_ADDR", c.WAL.Mode)
			}
		case WALReplication, WALOff:
		default:
			return fmt.Errorf("unknown wal mode %q", c.WAL.Mode)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown backend driver %q", c.Backend.Driver)
	}
	return nil
}

// SessionPath returns the configured session file, or session.json under
// the user config directory.
func (c *Config) SessionPath() (string, error) {
	if c.Session.Path != "" {
		return c.Session.Path, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	return filepath.Join(dir, "passerby", "session.json"), nil
}
