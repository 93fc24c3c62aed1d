// Package models defines data structures shared across the intake pipeline.
package models

import (
	"fmt"
	"strings"
	"time"
)

// SaleType classifies how a listing is being sold.
type SaleType string

const (
	SaleRetail   SaleType = "Retail"
	SaleAuction  SaleType = "Auction"
	SaleFixedP2P SaleType = "Fixed_P2P"
)

// Validation statuses carried by offers and candidates.
const (
	StatusPending     = "PENDING"
	StatusValidated   = "VALIDATED"
	StatusUnvalidated = "UNVALIDATED"
)

// ScrapedListing is the uniform record every source emits. It is the only
// shape that crosses the scraper/pipeline boundary; raw per-site payloads
// never leave their source.
type ScrapedListing struct {
	Name      string     `json:"name"`
	Price     float64    `json:"price"`
	Currency  string     `json:"currency"`
	URL       string     `json:"url"`
	ShopName  string     `json:"shop_name"`
	Available bool       `json:"available"`
	EAN       string     `json:"ean,omitempty"`
	ImageURL  string     `json:"image_url,omitempty"`
	// ImageFingerprint is a hex perceptual hash, when the source computes one.
	ImageFingerprint string     `json:"image_fingerprint,omitempty"`
	SaleType         SaleType   `json:"sale_type,omitempty"`
	BidsCount        int        `json:"bids_count,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	ScrapedAt        time.Time  `json:"scraped_at"`
}

// Validate ensures the source captured the required fields.
func (l *ScrapedListing) Validate() error {
	if l == nil {
		return fmt.Errorf("listing is nil")
	}
	if strings.TrimSpace(l.Name) == "" {
		return fmt.Errorf("listing missing name")
	}
	if strings.TrimSpace(l.URL) == "" {
		return fmt.Errorf("listing missing url for %s", l.Name)
	}
	if strings.TrimSpace(l.ShopName) == "" {
		return fmt.Errorf("listing missing shop for %s", l.Name)
	}
	if l.Price <= 0 {
		return fmt.Errorf("listing missing price for %s", l.Name)
	}
	return nil
}

// Product is a catalogued physical item. Created by catalog import and
// updated by enrichment jobs; the pipeline never deletes one.
type Product struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	EAN         string  `json:"ean,omitempty"`
	Category    string  `json:"category"`
	SubCategory string  `json:"sub_category,omitempty"`
	RetailPrice float64 `json:"retail_price"`
	// FloorPrice is the 25th percentile of observed resale prices.
	FloorPrice       float64   `json:"floor_price"`
	AvgMarketPrice   float64   `json:"avg_market_price"`
	PopularityScore  int       `json:"popularity_score"`
	MarketMomentum   float64   `json:"market_momentum"`
	ImageFingerprint string    `json:"image_fingerprint,omitempty"`
	ReleaseYear      int       `json:"release_year,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Offer is an active observation of a Product at a specific shop. URL is
// unique across all offers; removal is an explicit rollback, never silent.
type Offer struct {
	ID               int64      `json:"id"`
	ProductID        int64      `json:"product_id"`
	ShopName         string     `json:"shop_name"`
	Price            float64    `json:"price"`
	Currency         string     `json:"currency"`
	URL              string     `json:"url"`
	Available        bool       `json:"available"`
	OpportunityScore int        `json:"opportunity_score"`
	SaleType         SaleType   `json:"sale_type"`
	BidsCount        int        `json:"bids_count,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	MinPrice         float64    `json:"min_price"`
	MaxPrice         float64    `json:"max_price"`
	ValidationStatus string     `json:"validation_status"`
	FirstSeenAt      time.Time  `json:"first_seen_at"`
	LastSeenAt       time.Time  `json:"last_seen_at"`
}

// Candidate is a scraped listing that could not be confidently linked to a
// Product. It sits in the holding pen until a human or a later pass
// reconciles it. URL is unique and mutually exclusive with offers.
type Candidate struct {
	ID               int64      `json:"id"`
	ScrapedName      string     `json:"scraped_name"`
	EAN              string     `json:"ean,omitempty"`
	Price            float64    `json:"price"`
	Currency         string     `json:"currency"`
	URL              string     `json:"url"`
	ShopName         string     `json:"shop_name"`
	ImageURL         string     `json:"image_url,omitempty"`
	SaleType         SaleType   `json:"sale_type"`
	BidsCount        int        `json:"bids_count,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	ValidationStatus string     `json:"validation_status"`
	AnomalyFlags     []string   `json:"anomaly_flags,omitempty"`
	Blocked          bool       `json:"blocked"`
	OpportunityScore int        `json:"opportunity_score"`
	FoundAt          time.Time  `json:"found_at"`
}

// BlocklistEntry is a source URL a human explicitly rejected. Listings
// matching it are dropped before any matching attempt.
type BlocklistEntry struct {
	ID          int64     `json:"id"`
	URL         string    `json:"url"`
	ScrapedName string    `json:"scraped_name,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RuleKey identifies a LogisticRule by shop and destination country.
type RuleKey struct {
	Shop    string
	Country string
}

// LogisticRule holds the per (shop, country) shipping and tax parameters.
// At most one rule exists per key; a missing country falls back to the
// shop's rule for the default country.
type LogisticRule struct {
	ID                    int64     `json:"id"`
	ShopName              string    `json:"shop_name"`
	CountryCode           string    `json:"country_code"`
	BaseShipping          float64   `json:"base_shipping"`
	FreeShippingThreshold float64   `json:"free_shipping_threshold"`
	VATMultiplier         float64   `json:"vat_multiplier"`
	CustomsFee            float64   `json:"customs_fee"`
	Strategy              string    `json:"strategy,omitempty"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Key returns the lookup key for this rule.
func (r LogisticRule) Key() RuleKey {
	return RuleKey{Shop: r.ShopName, Country: r.CountryCode}
}

// WishlistItem marks a per-user ownership or desire flag on a Product.
// The pipeline consults these read-only.
type WishlistItem struct {
	ProductID int64 `json:"product_id"`
	UserID    int64 `json:"user_id"`
	Owned     bool  `json:"owned"`
	Wished    bool  `json:"wished"`
}

// PricePoint records one price observation for an offer.
type PricePoint struct {
	OfferID    int64     `json:"offer_id"`
	Price      float64   `json:"price"`
	RecordedAt time.Time `json:"recorded_at"`
}

// OfferEvent is an audit-trail row describing a state change the pipeline
// applied (link, update, quarantine).
type OfferEvent struct {
	Action      string    `json:"action"`
	URL         string    `json:"url"`
	ProductName string    `json:"product_name"`
	ShopName    string    `json:"shop_name"`
	Price       float64   `json:"price"`
	Details     string    `json:"details,omitempty"`
	ReceiptID   string    `json:"receipt_id,omitempty"`
	At          time.Time `json:"at"`
}

// Notification is a request the pipeline hands to the notification
// collaborator after commit. Delivery, retries, and channels are the
// collaborator's problem.
type Notification struct {
	ProductName  string  `json:"product_name"`
	ShopName     string  `json:"shop_name"`
	ShopPrice    float64 `json:"shop_price"`
	LandedPrice  float64 `json:"landed_price"`
	Score        int     `json:"score"`
	Confidence   float64 `json:"confidence"`
	URL          string  `json:"url"`
	MandatoryBuy bool    `json:"mandatory_buy"`
	// Nuclear marks a new record low at least 50% under the historical max.
	Nuclear bool `json:"nuclear"`
}

// IngestReport summarizes one pipeline batch.
type IngestReport struct {
	BatchID             string        `json:"batch_id"`
	Received            int           `json:"received"`
	Malformed           int           `json:"malformed"`
	DuplicatesInBatch   int           `json:"duplicates_in_batch"`
	Blocklisted         int           `json:"blocklisted"`
	OffersUpdated       int           `json:"offers_updated"`
	CandidatesRefreshed int           `json:"candidates_refreshed"`
	Linked              int           `json:"linked"`
	Quarantined         int           `json:"quarantined"`
	NewCandidates       int           `json:"new_candidates"`
	Notifications       int           `json:"notifications"`
	StartedAt           time.Time     `json:"started_at"`
	Duration            time.Duration `json:"duration"`
}
