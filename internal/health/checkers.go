package health

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pearl-project/pearl/pkg/backend"
)

// BackendChecker probes one backend provider's health endpoint through the
// adapter registry.
func BackendChecker(provider string, reg *backend.Registry) Checker {
	return Checker{
		Name: "backend:" + provider,
		Check: func(ctx context.Context) error {
			adapter, err := reg.Adapter(provider)
			if err != nil {
				return err
			}
			if !adapter.Health(ctx) {
				return fmt.Errorf("provider %s unhealthy", provider)
			}
			return nil
		},
	}
}

// PostgresChecker pings the memory store connection pool.
func PostgresChecker(pool *pgxpool.Pool) Checker {
	return Checker{
		Name: "postgres",
		Check: func(ctx context.Context) error {
			return pool.Ping(ctx)
		},
	}
}
