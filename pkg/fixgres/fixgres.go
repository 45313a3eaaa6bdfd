// Package fixgres boots one throwaway Postgres container per test binary
// and hands out isolated schemas in it.
package fixgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// EnvGate must be "1" for Boot to start a container.
const EnvGate = "PASSERBY_PG_TESTS"

type config struct {
	image    string
	dbName   string
	user     string
	password string
}

type Option func(*config)

func WithImage(i string) Option    { return func(c *config) { c.image = i } }
func WithDBName(n string) Option   { return func(c *config) { c.dbName = n } }
func WithUser(u string) Option     { return func(c *config) { c.user = u } }
func WithPassword(p string) Option { return func(c *config) { c.password = p } }

var (
	mu         sync.Mutex
	pg         *postgres.PostgresContainer
	connString string
	bootErr    error
	booted     bool
)

// Enabled reports whether integration tests were asked for.
func Enabled() bool { return os.Getenv(EnvGate) == "1" }

// Boot starts the container once. Without the env gate it does nothing and
// sandboxes skip their tests.
func Boot(ctx context.Context, opts ...Option) error {
	mu.Lock()
	defer mu.Unlock()
	if booted || !Enabled() {
		return bootErr
	}
	booted = true

	c := &config{
		image:    "docker.io/postgres:16-alpine",
		dbName:   "app",
		user:     "postgres",
		password: "pass",
	}
	for _, o := range opts {
		o(c)
	}

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	container, err := postgres.Run(ctx,
		c.image,
		postgres.WithDatabase(c.dbName),
		postgres.WithUsername(c.user),
		postgres.WithPassword(c.password),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		bootErr = fmt.Errorf("start postgres container: %w", err)
		return bootErr
	}
	pg = container

	host, err := container.Host(ctx)
	if err != nil {
		bootErr = err
		return bootErr
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		bootErr = err
		return bootErr
	}
	connString = fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.user, c.password, host, port.Port(), c.dbName,
	)
	return nil
}

// ConnString returns the admin connection string, "" before Boot.
func ConnString() string {
	mu.Lock()
	defer mu.Unlock()
	return connString
}

func ShutdownNow() error {
	mu.Lock()
	defer mu.Unlock()
	if pg == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := pg.Terminate(ctx)
	pg = nil
	return err
}
