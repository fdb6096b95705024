package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/loykin/creditwatch/internal/store"
	"github.com/loykin/creditwatch/internal/store/storetest"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// startPostgresContainer starts a PostgreSQL container for tests and returns
// a DSN suitable for pgx stdlib. It skips the test if Docker is unavailable.
func startPostgresContainer(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("testdb"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		cancel()
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
		cancel()
	})
	host, err := container.Host(ctx)
	if err != nil {
		t.Skipf("Failed to get host info: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Skipf("Failed to get mapped port: %v", err)
	}
	return fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())
}

func TestPostgresContract(t *testing.T) {
	dsn := startPostgresContainer(t)
	n := 0
	storetest.Run(t, func(t *testing.T, quota int64) store.Store {
		s, err := New(dsn, quota)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		// every subtest starts from an empty table
		all, err := s.Get(context.Background())
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		keys := make([]string, 0, len(all))
		for k := range all {
			keys = append(keys, k)
		}
		if err := s.Remove(context.Background(), keys...); err != nil {
			t.Fatalf("reset: %v", err)
		}
		n++
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
	if n != 3 {
		t.Fatalf("expected 3 contract runs, got %d", n)
	}
}
