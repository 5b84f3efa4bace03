// Package outbox is the durable fallback channel: commands that could not be
// delivered over the live socket are inserted into a Postgres outbox table
// and picked up asynchronously by a separate notification path, giving
// at-least-once delivery bounded by that consumer's redelivery policy.
package outbox

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkarlsson/agentlink/internal/config"
	"github.com/mkarlsson/agentlink/internal/dispatch"
)

const schema = `
CREATE TABLE IF NOT EXISTS command_outbox (
	id           UUID PRIMARY KEY,
	recipient    TEXT NOT NULL,
	name         TEXT NOT NULL,
	payload      JSONB,
	issued_at    TIMESTAMPTZ NOT NULL,
	enqueued_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	delivered_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS command_outbox_pending_idx
	ON command_outbox (enqueued_at) WHERE delivered_at IS NULL;
`

// Outbox publishes command envelopes to the durable queue table.
type Outbox struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New connects to the outbox database and ensures the schema exists.
func New(ctx context.Context, cfg config.DBConfig, logger *slog.Logger) (*Outbox, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure outbox schema: %w", err)
	}

	return &Outbox{pool: pool, logger: logger}, nil
}

// Connect creates the connection pool.
func Connect(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	connStr := BuildConnString(cfg)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Publish inserts a command envelope. Re-publishing the same command ID is a
// no-op, keeping the fallback hop idempotent.
func (o *Outbox) Publish(ctx context.Context, cmd dispatch.Command) error {
	_, err := o.pool.Exec(ctx,
		`INSERT INTO command_outbox (id, recipient, name, payload, issued_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		cmd.ID, cmd.Recipient, cmd.Name, cmd.Payload, cmd.IssuedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue command %s: %w", cmd.ID, err)
	}

	o.logger.Debug("command enqueued to outbox",
		"id", cmd.ID,
		"recipient", cmd.Recipient,
	)
	return nil
}

// PendingCount returns the number of undelivered envelopes.
func (o *Outbox) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := o.pool.QueryRow(ctx,
		`SELECT count(*) FROM command_outbox WHERE delivered_at IS NULL`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// Close releases the connection pool.
func (o *Outbox) Close() {
	o.pool.Close()
}

// Ping verifies the connection is healthy.
func (o *Outbox) Ping(ctx context.Context) error {
	return o.pool.Ping(ctx)
}
