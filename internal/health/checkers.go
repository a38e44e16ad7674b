package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/voxbridge/voxbridge/internal/resilience"
)

// Pinger is satisfied by *pgxpool.Pool and *pgx.Conn.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Database returns the critical readiness checker for the call datastore.
// Without it webhooks cannot be resolved to calls.
func Database(db Pinger) Checker {
	return Checker{
		Name:     "database",
		Critical: true,
		Check: func(ctx context.Context) error {
			if db == nil {
				return errors.New("no database configured")
			}
			if err := db.Ping(ctx); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
			return nil
		},
	}
}

// Carrier returns a non-critical checker that reports the carrier client's
// circuit breaker. An open breaker means control actions are failing, but
// webhook ingestion must continue so in-flight calls can still end cleanly.
func Carrier(state func() resilience.State) Checker {
	return Checker{
		Name: "carrier",
		Check: func(context.Context) error {
			if s := state(); s == resilience.StateOpen {
				return errors.New("circuit breaker open")
			}
			return nil
		},
	}
}
