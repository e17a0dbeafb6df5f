package store

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS raffles (
		id UUID PRIMARY KEY,
		title TEXT NOT NULL,
		ticket_price BIGINT NOT NULL CHECK (ticket_price > 0),
		total_tickets INTEGER NOT NULL CHECK (total_tickets > 0),
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS raffle_tickets (
		raffle_id UUID NOT NULL REFERENCES raffles(id),
		number INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'available',
		order_id UUID NULL,
		buyer_id TEXT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (raffle_id, number)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_raffle_tickets_available ON raffle_tickets (raffle_id) WHERE status = 'available'`,
	`CREATE INDEX IF NOT EXISTS idx_raffle_tickets_order ON raffle_tickets (order_id) WHERE order_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS raffle_orders (
		id UUID PRIMARY KEY,
		raffle_id UUID NOT NULL REFERENCES raffles(id),
		buyer_id TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		ticket_numbers INTEGER[] NOT NULL,
		total_amount BIGINT NOT NULL,
		payment_method TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_raffle_orders_status_created ON raffle_orders (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS raffle_payments (
		id UUID PRIMARY KEY,
		order_id UUID NOT NULL REFERENCES raffle_orders(id),
		provider TEXT NOT NULL,
		provider_reference TEXT NOT NULL UNIQUE,
		amount BIGINT NOT NULL,
		status TEXT NOT NULL,
		raw_response JSONB NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_raffle_payments_status_created ON raffle_payments (provider, status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_raffle_payments_order ON raffle_payments (order_id)`,
}

// EnsureSchema creates the raffle tables and indexes when they are missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	for i, statement := range schemaStatements {
		if _, err := r.db.Exec(ctx, statement); err != nil {
			return fmt.Errorf("schema statement %d failed: %w", i+1, err)
		}
	}
	return nil
}
