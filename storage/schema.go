package storage

import (
	"context"
	"fmt"
)

// schemaStatements bootstraps the persisted layout. Idempotent; real
// migrations live outside this binary.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		ean TEXT,
		category TEXT NOT NULL DEFAULT '',
		sub_category TEXT,
		retail_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		floor_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		avg_market_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		popularity_score INTEGER NOT NULL DEFAULT 0,
		market_momentum DOUBLE PRECISION NOT NULL DEFAULT 0,
		image_fingerprint TEXT,
		release_year INTEGER,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS offers (
		id BIGSERIAL PRIMARY KEY,
		product_id BIGINT NOT NULL REFERENCES products(id),
		shop_name TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		currency TEXT NOT NULL DEFAULT 'EUR',
		url TEXT NOT NULL UNIQUE,
		available BOOLEAN NOT NULL DEFAULT true,
		opportunity_score INTEGER NOT NULL DEFAULT 0,
		sale_type TEXT NOT NULL DEFAULT 'Retail',
		bids_count INTEGER NOT NULL DEFAULT 0,
		expires_at TIMESTAMPTZ,
		min_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		max_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		validation_status TEXT NOT NULL DEFAULT 'VALIDATED',
		first_seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_seen_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS offers_product_id_idx ON offers (product_id)`,
	`CREATE TABLE IF NOT EXISTS candidates (
		id BIGSERIAL PRIMARY KEY,
		scraped_name TEXT NOT NULL,
		ean TEXT,
		price DOUBLE PRECISION NOT NULL,
		currency TEXT NOT NULL DEFAULT 'EUR',
		url TEXT NOT NULL UNIQUE,
		shop_name TEXT NOT NULL,
		image_url TEXT,
		sale_type TEXT NOT NULL DEFAULT 'Retail',
		bids_count INTEGER NOT NULL DEFAULT 0,
		expires_at TIMESTAMPTZ,
		validation_status TEXT NOT NULL DEFAULT 'PENDING',
		anomaly_flags TEXT[],
		blocked BOOLEAN NOT NULL DEFAULT false,
		opportunity_score INTEGER NOT NULL DEFAULT 0,
		found_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS blocklist (
		id BIGSERIAL PRIMARY KEY,
		url TEXT NOT NULL UNIQUE,
		scraped_name TEXT,
		reason TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS logistic_rules (
		id BIGSERIAL PRIMARY KEY,
		shop_name TEXT NOT NULL,
		country_code TEXT NOT NULL,
		base_shipping DOUBLE PRECISION NOT NULL DEFAULT 0,
		free_shipping_threshold DOUBLE PRECISION NOT NULL DEFAULT 0,
		vat_multiplier DOUBLE PRECISION NOT NULL DEFAULT 1,
		customs_fee DOUBLE PRECISION NOT NULL DEFAULT 0,
		strategy TEXT,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (shop_name, country_code)
	)`,
	`CREATE TABLE IF NOT EXISTS wishlist_items (
		product_id BIGINT NOT NULL REFERENCES products(id),
		user_id BIGINT NOT NULL,
		owned BOOLEAN NOT NULL DEFAULT false,
		wished BOOLEAN NOT NULL DEFAULT false,
		PRIMARY KEY (product_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS price_history (
		id BIGSERIAL PRIMARY KEY,
		offer_id BIGINT NOT NULL REFERENCES offers(id),
		price DOUBLE PRECISION NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS price_history_offer_id_idx ON price_history (offer_id, recorded_at)`,
	`CREATE TABLE IF NOT EXISTS offer_events (
		id BIGSERIAL PRIMARY KEY,
		action TEXT NOT NULL,
		url TEXT NOT NULL,
		product_name TEXT NOT NULL DEFAULT '',
		shop_name TEXT NOT NULL DEFAULT '',
		price DOUBLE PRECISION NOT NULL DEFAULT 0,
		details TEXT,
		receipt_id TEXT,
		at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema creates missing tables and indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
