package fixgres

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"fmt"
	"io/fs"
	"net/url"
	"testing"
	"time"

	"github.com/pressly/goose/v3"
)

type Sandbox struct {
	DB *sql.DB
	// DSN connects with the sandbox schema first on the search_path.
	DSN    string
	Schema string
	Seed   int64
	Close  func()
}

// NewSandbox creates a uniquely named schema, applies migrations to it when
// given, and drops it when the test ends. It skips the test when Boot did
// not start a container.
func NewSandbox(t *testing.T, migrations fs.FS) *Sandbox {
	t.Helper()
	mu.Lock()
	base, berr := connString, bootErr
	mu.Unlock()
	if base == "" {
		if berr != nil {
			t.Fatalf("fixgres boot failed: %v", berr)
		}
		t.Skipf("set %s=1 to run Postgres integration tests", EnvGate)
	}

	admin, err := sql.Open("pgx", base) // admin connection (no search_path)
	if err != nil {
		t.Fatalf("open admin: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := fmt.Sprintf("t_%x", time.Now().UnixNano())
	if _, err := admin.ExecContext(ctx, `CREATE SCHEMA "`+schema+`"`); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	dsn := withSearchPath(base, schema)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open sandbox: %v", err)
	}

	sbx := &Sandbox{
		DB:     db,
		DSN:    dsn,
		Schema: schema,
		Seed:   randomSeed(),
	}
	sbx.Close = func() {
		// drop schema with admin handle (it doesn't share the search_path)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = admin.ExecContext(ctx, `DROP SCHEMA IF EXISTS "`+schema+`" CASCADE`)
		_ = db.Close()
		_ = admin.Close()
	}
	t.Cleanup(sbx.Close)

	if migrations != nil {
		provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations)
		if err != nil {
			t.Fatalf("goose provider: %v", err)
		}
		if _, err := provider.Up(ctx); err != nil {
			t.Fatalf("goose up: %v", err)
		}
	}
	t.Logf("sandbox schema %s seed %d", schema, sbx.Seed)
	return sbx
}

func withSearchPath(base, schema string) string {
	u, _ := url.Parse(base)
	q := u.Query()
	q.Set("options", fmt.Sprintf("-csearch_path=%s,public", schema))
	u.RawQuery = q.Encode()
	return u.String()
}

func randomSeed() int64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return int64(binary.LittleEndian.Uint64(b[:]))
}
