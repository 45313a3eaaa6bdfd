package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every key LoadConfig reads, restoring them after the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SUPABASE_URL", "SUPABASE_ANON_KEY", "BACKEND_DRIVER", "POSTGRES_URL",
		"POSTGRES_SCHEMA", "WAL_MODE", "WAL_ADDR", "WAL_SLOT", "LOG_LEVEL",
		"LOG_FORMAT", "SESSION_PATH", "SESSION_JWT_SECRET", "SESSION_TOKEN",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("BACKEND_DRIVER", "memory")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Backend.Driver)
	assert.Equal(t, "public", cfg.Postgres.Schema)
	assert.Equal(t, WALSidecar, cfg.WAL.Mode)
	assert.Equal(t, "localhost:9000", cfg.WAL.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoadConfigFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("SUPABASE_URL", "https://abc.supabase.co/")
	t.Setenv("SUPABASE_ANON_KEY", "anon")
	t.Setenv("SESSION_JWT_SECRET", "s3cret")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DriverSupabase, cfg.Backend.Driver)
	assert.Equal(t, "https://abc.supabase.co", cfg.Supabase.URL)
	assert.Equal(t, "anon", cfg.Supabase.AnonKey)
	assert.Equal(t, "s3cret", cfg.Session.JWTSecret)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfigDotEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("BACKEND_DRIVER", "supabase")
	dir := t.TempDir()
	env := "BACKEND_DRIVER=postgres\nPOSTGRES_URL=postgres://localhost/app\nWAL_MODE=Replication\nWAL_SLOT=passerby\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o600))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.Backend.Driver)
	assert.Equal(t, "postgres://localhost/app", cfg.Postgres.URL)
	assert.Equal(t, WALReplication, cfg.WAL.Mode)
	assert.Equal(t, "passerby", cfg.WAL.Slot)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"memory", Config{Backend: BackendConfig{Driver: DriverMemory}}, false},
		{"supabase missing key", Config{Backend: BackendConfig{Driver: DriverSupabase}, Supabase: SupabaseConfig{URL: "https://x"}}, true},
		{"supabase", Config{Backend: BackendConfig{Driver: DriverSupabase}, Supabase: SupabaseConfig{URL: "https://x", AnonKey: "k"}}, false},
		{"postgres missing url", Config{Backend: BackendConfig{Driver: DriverPostgres}, WAL: WALConfig{Mode: WALOff}}, true},
		{"postgres sidecar without addr", Config{Backend: BackendConfig{Driver: DriverPostgres}, Postgres: PostgresConfig{URL: "postgres://x"}, WAL: WALConfig{Mode: WALSidecar}}, true},
		{"postgres bad wal", Config{Backend: BackendConfig{Driver: DriverPostgres}, Postgres: PostgresConfig{URL: "postgres://x"}, WAL: WALConfig{Mode: "carrier-pigeon"}}, true},
		{"postgres off", Config{Backend: BackendConfig{Driver: DriverPostgres}, Postgres: PostgresConfig{URL: "postgres://x"}, WAL: WALConfig{Mode: WALOff}}, false},
		{"unknown driver", Config{Backend: BackendConfig{Driver: "firebase"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSessionPath(t *testing.T) {
	c := Config{Session: SessionConfig{Path: "/tmp/s.json"}}
	p, err := c.SessionPath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/s.json", p)

	t.Setenv("XDG_CONFIG_HOME", "/cfg")
	t.Setenv("HOME", "/home/ann")
	c.Session.Path = ""
	p, err = c.SessionPath()
	require.NoError(t, err)
	assert.Equal(t, "passerby", filepath.Base(filepath.Dir(p)))
	assert.Equal(t, "session.json", filepath.Base(p))
}

func TestLoadSkipsValidation(t *testing.T) {
	clearEnv(t)
	t.Setenv("POSTGRES_URL", "postgres://localhost/app")

	_, err := LoadConfig(t.TempDir())
	assert.Error(t, err, "supabase driver without a project")
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/app", cfg.Postgres.URL)
}
