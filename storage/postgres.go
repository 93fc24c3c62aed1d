// Package storage is the Postgres persistence layer: pooled connections,
// bulk prefetch for the intake pipeline, and batched atomic writes.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eterniahub/go-price-oracle/models"
	"github.com/eterniahub/go-price-oracle/pipeline"
)

// Store implements pipeline.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// New connects a pool and verifies it with a ping.
func New(ctx context.Context, dsn string, maxConns int, log *slog.Logger) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("storage: empty dsn")
	}
	if log == nil {
		log = slog.Default()
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool, log: log}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Prefetch loads everything one batch needs in a handful of queries,
// regardless of batch size. Any failure aborts the batch upstream.
func (s *Store) Prefetch(ctx context.Context, urls []string) (*pipeline.Prefetch, error) {
	pre := &pipeline.Prefetch{
		BlockedURLs: make(map[string]struct{}),
		Offers:      make(map[string]*models.Offer),
		Candidates:  make(map[string]*models.Candidate),
		Wishlist:    make(map[int64]bool),
	}

	if err := s.fetchBlocked(ctx, urls, pre); err != nil {
		return nil, fmt.Errorf("blocklist: %w", err)
	}
	if err := s.fetchOffers(ctx, urls, pre); err != nil {
		return nil, fmt.Errorf("offers: %w", err)
	}
	if err := s.fetchCandidates(ctx, urls, pre); err != nil {
		return nil, fmt.Errorf("candidates: %w", err)
	}
	if err := s.fetchCatalog(ctx, pre); err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	if err := s.fetchRules(ctx, pre); err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	if err := s.fetchWishlist(ctx, pre); err != nil {
		return nil, fmt.Errorf("wishlist: %w", err)
	}
	return pre, nil
}

func (s *Store) fetchBlocked(ctx context.Context, urls []string, pre *pipeline.Prefetch) error {
	rows, err := s.pool.Query(ctx, `SELECT url FROM blocklist WHERE url = ANY($1)`, urls)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return err
		}
		pre.BlockedURLs[u] = struct{}{}
	}
	return rows.Err()
}

func (s *Store) fetchOffers(ctx context.Context, urls []string, pre *pipeline.Prefetch) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, product_id, shop_name, price, currency, url, available,
		       opportunity_score, sale_type, bids_count, expires_at,
		       min_price, max_price, validation_status, first_seen_at, last_seen_at
		FROM offers WHERE url = ANY($1)`, urls)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var o models.Offer
		if err := rows.Scan(&o.ID, &o.ProductID, &o.ShopName, &o.Price, &o.Currency,
			&o.URL, &o.Available, &o.OpportunityScore, &o.SaleType, &o.BidsCount,
			&o.ExpiresAt, &o.MinPrice, &o.MaxPrice, &o.ValidationStatus,
			&o.FirstSeenAt, &o.LastSeenAt); err != nil {
			return err
		}
		pre.Offers[o.URL] = &o
	}
	return rows.Err()
}

func (s *Store) fetchCandidates(ctx context.Context, urls []string, pre *pipeline.Prefetch) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, scraped_name, ean, price, currency, url, shop_name, found_at
		FROM candidates WHERE url = ANY($1)`, urls)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var c models.Candidate
		if err := rows.Scan(&c.ID, &c.ScrapedName, &c.EAN, &c.Price, &c.Currency,
			&c.URL, &c.ShopName, &c.FoundAt); err != nil {
			return err
		}
		pre.Candidates[c.URL] = &c
	}
	return rows.Err()
}

func (s *Store) fetchCatalog(ctx context.Context, pre *pipeline.Prefetch) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, COALESCE(ean, ''), category, retail_price, floor_price,
		       avg_market_price, COALESCE(image_fingerprint, '')
		FROM products`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.EAN, &p.Category, &p.RetailPrice,
			&p.FloorPrice, &p.AvgMarketPrice, &p.ImageFingerprint); err != nil {
			return err
		}
		pre.Products = append(pre.Products, p)
	}
	return rows.Err()
}

func (s *Store) fetchRules(ctx context.Context, pre *pipeline.Prefetch) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, shop_name, country_code, base_shipping, free_shipping_threshold,
		       vat_multiplier, customs_fee, COALESCE(strategy, '')
		FROM logistic_rules`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var r models.LogisticRule
		if err := rows.Scan(&r.ID, &r.ShopName, &r.CountryCode, &r.BaseShipping,
			&r.FreeShippingThreshold, &r.VATMultiplier, &r.CustomsFee, &r.Strategy); err != nil {
			return err
		}
		pre.Rules = append(pre.Rules, r)
	}
	return rows.Err()
}

func (s *Store) fetchWishlist(ctx context.Context, pre *pipeline.Prefetch) error {
	rows, err := s.pool.Query(ctx, `
		SELECT product_id FROM wishlist_items WHERE wished GROUP BY product_id`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return err
		}
		pre.Wishlist[id] = true
	}
	return rows.Err()
}

// Apply writes one batch's verdict inside a single transaction. Each row
// runs in its own savepoint so one bad row cannot poison the rest; the
// candidate insert is an atomic upsert keyed on URL, so a concurrent batch
// observing the same new URL degrades to a price refresh instead of a
// duplicate-key error.
func (s *Store) Apply(ctx context.Context, changes *pipeline.BatchChanges) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, o := range changes.OfferUpdates {
		s.row(ctx, tx, "update offer", o.URL, func(sp pgx.Tx) error {
			_, err := sp.Exec(ctx, `
				UPDATE offers SET price = $2, available = $3, opportunity_score = $4,
					sale_type = $5, bids_count = $6, expires_at = $7,
					min_price = $8, max_price = $9, last_seen_at = $10
				WHERE id = $1`,
				o.ID, o.Price, o.Available, o.OpportunityScore, o.SaleType,
				o.BidsCount, o.ExpiresAt, o.MinPrice, o.MaxPrice, o.LastSeenAt)
			return err
		})
	}

	for _, o := range changes.NewOffers {
		s.row(ctx, tx, "insert offer", o.URL, func(sp pgx.Tx) error {
			_, err := sp.Exec(ctx, `
				INSERT INTO offers (product_id, shop_name, price, currency, url,
					available, opportunity_score, sale_type, bids_count, expires_at,
					min_price, max_price, validation_status, first_seen_at, last_seen_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
				ON CONFLICT (url) DO UPDATE SET
					price = EXCLUDED.price,
					available = EXCLUDED.available,
					opportunity_score = EXCLUDED.opportunity_score,
					last_seen_at = EXCLUDED.last_seen_at`,
				o.ProductID, o.ShopName, o.Price, o.Currency, o.URL, o.Available,
				o.OpportunityScore, o.SaleType, o.BidsCount, o.ExpiresAt,
				o.MinPrice, o.MaxPrice, o.ValidationStatus, o.FirstSeenAt, o.LastSeenAt)
			return err
		})
	}

	for _, c := range changes.CandidateUpserts {
		s.row(ctx, tx, "upsert candidate", c.URL, func(sp pgx.Tx) error {
			_, err := sp.Exec(ctx, `
				INSERT INTO candidates (scraped_name, ean, price, currency, url,
					shop_name, image_url, sale_type, bids_count, expires_at,
					validation_status, anomaly_flags, blocked, opportunity_score, found_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
				ON CONFLICT (url) DO UPDATE SET
					price = EXCLUDED.price,
					found_at = EXCLUDED.found_at`,
				c.ScrapedName, c.EAN, c.Price, c.Currency, c.URL, c.ShopName,
				c.ImageURL, c.SaleType, c.BidsCount, c.ExpiresAt,
				c.ValidationStatus, c.AnomalyFlags, c.Blocked, c.OpportunityScore, c.FoundAt)
			return err
		})
	}

	for _, t := range changes.CandidateTouches {
		s.row(ctx, tx, "touch candidate", t.URL, func(sp pgx.Tx) error {
			_, err := sp.Exec(ctx,
				`UPDATE candidates SET price = $2, found_at = $3 WHERE url = $1`,
				t.URL, t.Price, t.FoundAt)
			return err
		})
	}

	for _, point := range changes.PricePoints {
		s.row(ctx, tx, "price point", "", func(sp pgx.Tx) error {
			_, err := sp.Exec(ctx,
				`INSERT INTO price_history (offer_id, price, recorded_at) VALUES ($1, $2, $3)`,
				point.OfferID, point.Price, point.RecordedAt)
			return err
		})
	}

	for id, ean := range changes.EANBackfills {
		s.row(ctx, tx, "ean backfill", "", func(sp pgx.Tx) error {
			_, err := sp.Exec(ctx,
				`UPDATE products SET ean = $2, updated_at = now() WHERE id = $1 AND (ean IS NULL OR ean = '')`,
				id, ean)
			return err
		})
	}

	for _, event := range changes.Events {
		s.row(ctx, tx, "offer event", event.URL, func(sp pgx.Tx) error {
			_, err := sp.Exec(ctx, `
				INSERT INTO offer_events (action, url, product_name, shop_name, price, details, receipt_id, at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				event.Action, event.URL, event.ProductName, event.ShopName,
				event.Price, event.Details, event.ReceiptID, event.At)
			return err
		})
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// row runs fn inside a savepoint. A failure rolls back that row only and
// is logged; the enclosing transaction stays healthy.
func (s *Store) row(ctx context.Context, tx pgx.Tx, op, url string, fn func(pgx.Tx) error) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		s.log.Error("savepoint failed", slog.String("op", op), slog.Any("error", err))
		return
	}
	if err := fn(sp); err != nil {
		_ = sp.Rollback(ctx)
		s.log.Warn("row skipped", slog.String("op", op), slog.String("url", url), slog.Any("error", err))
		return
	}
	if err := sp.Commit(ctx); err != nil {
		s.log.Warn("row commit failed", slog.String("op", op), slog.String("url", url), slog.Any("error", err))
	}
}
