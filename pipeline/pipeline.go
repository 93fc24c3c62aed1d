// Package pipeline is the intake state machine: it takes a batch of
// scraped listings and decides, per listing, whether it updates a linked
// offer, refreshes a holding-pen candidate, links a new offer, or lands in
// the holding pen, then applies all of it in one store round-trip.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/eterniahub/go-price-oracle/config"
	"github.com/eterniahub/go-price-oracle/logistics"
	"github.com/eterniahub/go-price-oracle/matcher"
	"github.com/eterniahub/go-price-oracle/models"
	"github.com/eterniahub/go-price-oracle/scoring"
	"github.com/eterniahub/go-price-oracle/sentinel"
	"github.com/google/uuid"
)

var (
	// ErrNoURLs is returned when a batch contains no listing with a URL.
	ErrNoURLs = errors.New("pipeline: no usable urls in batch")
)

// priceTolerance is the cent threshold under which a repeat sighting does
// not count as a price change.
const priceTolerance = 0.01

// nuclearDiscount marks a new record low at least this far under the
// offer's historical maximum.
const nuclearDiscount = 0.50

// matchShortCircuit stops the catalog scan early on a near-perfect score.
const matchShortCircuit = 0.99

// Prefetch is everything the store loads up front so routing never issues
// a per-listing query.
type Prefetch struct {
	BlockedURLs map[string]struct{}
	Offers      map[string]*models.Offer     // active offers keyed by URL, batch URLs only
	Candidates  map[string]*models.Candidate // holding pen keyed by URL, batch URLs only
	Products    []models.Product             // full catalog
	Rules       []models.LogisticRule        // full rule set
	Wishlist    map[int64]bool               // productID -> wished by anyone
}

// BatchChanges is the pipeline's verdict on a batch, handed to the store
// for atomic application. Candidate upserts must be keyed on URL with the
// conflicting insert degrading to a price/timestamp update.
type BatchChanges struct {
	ReceiptID        string
	OfferUpdates     []*models.Offer
	NewOffers        []*models.Offer
	CandidateUpserts []*models.Candidate
	CandidateTouches []*CandidateTouch
	PricePoints      []*models.PricePoint
	EANBackfills     map[int64]string // productID -> EAN learned from a listing
	Events           []models.OfferEvent
}

// CandidateTouch refreshes an existing candidate's price in place.
type CandidateTouch struct {
	URL     string
	Price   float64
	FoundAt time.Time
}

// Store is the persistence boundary. Prefetch failures abort the batch;
// Apply runs each row in its own sub-transaction and commits once.
type Store interface {
	Prefetch(ctx context.Context, urls []string) (*Prefetch, error)
	Apply(ctx context.Context, changes *BatchChanges) error
}

// Snapshotter persists the raw batch before any mutation. A failure here
// is logged, never fatal.
type Snapshotter interface {
	Save(shop string, listings []models.ScrapedListing) (receipt string, err error)
}

// Notifier delivers one notification request. Called only after commit.
type Notifier interface {
	Send(ctx context.Context, n models.Notification) error
}

// Pipeline wires the matcher, calculator, scorer and validator against a
// Store. One Ingest call is one batch; batches are single-writer.
type Pipeline struct {
	store     Store
	snapshots Snapshotter
	notifier  Notifier
	match     *matcher.Matcher
	validator *sentinel.Validator
	metrics   *Metrics
	log       *slog.Logger

	destCountry string
	notifyAbove float64
	dbTimeout   time.Duration
}

// New builds a Pipeline. snapshots, notifier and metrics may be nil; the
// corresponding steps become no-ops.
func New(store Store, snapshots Snapshotter, notifier Notifier, cfg *config.Config, log *slog.Logger) *Pipeline {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		store:       store,
		snapshots:   snapshots,
		notifier:    notifier,
		match:       matcher.New(matcher.DefaultVocabulary(), cfg.MatchThreshold),
		validator:   sentinel.New(cfg.PriceBandAbove, cfg.PriceBandBelow, cfg.FingerprintDist),
		log:         log,
		destCountry: cfg.DestCountry,
		notifyAbove: cfg.NotifyAbove,
		dbTimeout:   cfg.DBTimeout,
	}
}

// SetMetrics attaches a Prometheus bundle.
func (p *Pipeline) SetMetrics(m *Metrics) { p.metrics = m }

// Ingest runs one batch through the state machine. The returned report is
// non-nil whenever err is nil.
func (p *Pipeline) Ingest(ctx context.Context, listings []models.ScrapedListing) (*models.IngestReport, error) {
	started := time.Now()
	report := &models.IngestReport{
		BatchID:   uuid.NewString(),
		Received:  len(listings),
		StartedAt: started,
	}
	if len(listings) == 0 {
		report.Duration = time.Since(started)
		return report, nil
	}

	receipt := p.snapshot(listings)

	urls := make([]string, 0, len(listings))
	for i := range listings {
		if listings[i].URL != "" {
			urls = append(urls, listings[i].URL)
		}
	}
	if len(urls) == 0 {
		return nil, ErrNoURLs
	}

	pre, err := p.prefetch(ctx, urls)
	if err != nil {
		return nil, fmt.Errorf("prefetch: %w", err)
	}

	calc := logistics.NewCalculator(pre.Rules, p.destCountry)
	changes := &BatchChanges{ReceiptID: receipt, EANBackfills: make(map[int64]string)}
	var pending []models.Notification
	routed := make(map[string]*routedListing)

	for i := range listings {
		listing := &listings[i]
		if listing.ScrapedAt.IsZero() {
			listing.ScrapedAt = started
		}
		if err := listing.Validate(); err != nil {
			report.Malformed++
			p.log.Warn("skipping malformed listing", slog.Any("error", err), slog.String("url", listing.URL))
			continue
		}

		if prior, ok := routed[listing.URL]; ok {
			// Repeat sighting inside the batch: the later price wins on
			// whatever row the first occurrence produced.
			report.DuplicatesInBatch++
			p.refresh(prior, listing, pre, calc, changes)
			continue
		}

		r := p.route(listing, pre, calc, changes, report, &pending)
		if r != nil {
			routed[listing.URL] = r
		}
	}

	if err := p.apply(ctx, changes); err != nil {
		return nil, fmt.Errorf("apply batch: %w", err)
	}

	report.Notifications = len(pending)
	p.drainNotifications(ctx, pending)

	report.Duration = time.Since(started)
	p.metrics.ObserveBatch(report)
	p.log.Info("batch complete",
		slog.String("batch_id", report.BatchID),
		slog.Int("received", report.Received),
		slog.Int("linked", report.Linked),
		slog.Int("quarantined", report.Quarantined),
		slog.Int("new_candidates", report.NewCandidates),
		slog.Int("offers_updated", report.OffersUpdated),
		slog.Duration("duration", report.Duration),
	)
	return report, nil
}

// prefetch and apply bound every store round-trip with the configured
// database timeout, so a wedged connection surfaces as an aborted batch
// instead of a hung cycle.
func (p *Pipeline) prefetch(ctx context.Context, urls []string) (*Prefetch, error) {
	dctx, cancel := p.dbContext(ctx)
	defer cancel()
	return p.store.Prefetch(dctx, urls)
}

func (p *Pipeline) apply(ctx context.Context, changes *BatchChanges) error {
	dctx, cancel := p.dbContext(ctx)
	defer cancel()
	return p.store.Apply(dctx, changes)
}

func (p *Pipeline) dbContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.dbTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.dbTimeout)
}

// routedListing lets later duplicates of the same URL adjust the staged
// change instead of producing a second row. basePrice is the price the
// offer had before this batch; point is the price-history row staged for
// it, if any.
type routedListing struct {
	offer     *models.Offer
	candidate *models.Candidate
	touch     *CandidateTouch
	basePrice float64
	point     *models.PricePoint
}

// refresh reroutes a repeat sighting onto the row its first occurrence
// staged. For offers the landed price and score are recomputed so the
// persisted score always describes the persisted price.
func (p *Pipeline) refresh(r *routedListing, listing *models.ScrapedListing, pre *Prefetch, calc *logistics.Calculator, changes *BatchChanges) {
	switch {
	case r.offer != nil:
		o := r.offer
		o.Price = listing.Price
		o.Available = listing.Available
		o.LastSeenAt = listing.ScrapedAt
		if o.MinPrice == 0 || listing.Price < o.MinPrice {
			o.MinPrice = listing.Price
		}
		if listing.Price > o.MaxPrice {
			o.MaxPrice = listing.Price
		}
		if product := findProduct(pre.Products, o.ProductID); product != nil {
			landed := calc.Landed(listing.Price, listing.ShopName, p.destCountry, 1)
			o.OpportunityScore = scoring.Score(*product, landed, pre.Wishlist[product.ID])
		}
		if r.point != nil {
			r.point.Price = listing.Price
			r.point.RecordedAt = listing.ScrapedAt
		} else if o.ID != 0 && math.Abs(listing.Price-r.basePrice) > priceTolerance {
			point := &models.PricePoint{OfferID: o.ID, Price: listing.Price, RecordedAt: listing.ScrapedAt}
			changes.PricePoints = append(changes.PricePoints, point)
			r.point = point
		}
	case r.candidate != nil:
		r.candidate.Price = listing.Price
		r.candidate.FoundAt = listing.ScrapedAt
	case r.touch != nil:
		r.touch.Price = listing.Price
		r.touch.FoundAt = listing.ScrapedAt
	}
}

func (p *Pipeline) route(listing *models.ScrapedListing, pre *Prefetch, calc *logistics.Calculator, changes *BatchChanges, report *models.IngestReport, pending *[]models.Notification) *routedListing {
	if _, blocked := pre.BlockedURLs[listing.URL]; blocked {
		report.Blocklisted++
		return nil
	}

	if offer, ok := pre.Offers[listing.URL]; ok {
		return p.updateOffer(listing, offer, pre, calc, changes, report, pending)
	}

	if cand, ok := pre.Candidates[listing.URL]; ok {
		if math.Abs(cand.Price-listing.Price) <= priceTolerance {
			return nil
		}
		touch := &CandidateTouch{URL: listing.URL, Price: listing.Price, FoundAt: listing.ScrapedAt}
		changes.CandidateTouches = append(changes.CandidateTouches, touch)
		report.CandidatesRefreshed++
		return &routedListing{touch: touch}
	}

	return p.linkOrQuarantine(listing, pre, calc, changes, report, pending)
}

func (p *Pipeline) updateOffer(listing *models.ScrapedListing, offer *models.Offer, pre *Prefetch, calc *logistics.Calculator, changes *BatchChanges, report *models.IngestReport, pending *[]models.Notification) *routedListing {
	updated := *offer
	priceChanged := math.Abs(updated.Price-listing.Price) > priceTolerance

	nuclear := false
	if updated.MinPrice > 0 && listing.Price < updated.MinPrice && updated.MaxPrice > 0 {
		if 1.0-listing.Price/updated.MaxPrice >= nuclearDiscount {
			nuclear = true
		}
	}

	if updated.MinPrice == 0 || listing.Price < updated.MinPrice {
		updated.MinPrice = listing.Price
	}
	if listing.Price > updated.MaxPrice {
		updated.MaxPrice = listing.Price
	}
	updated.Price = listing.Price
	updated.Available = listing.Available
	updated.LastSeenAt = listing.ScrapedAt
	if listing.SaleType != "" {
		updated.SaleType = listing.SaleType
		updated.BidsCount = listing.BidsCount
		updated.ExpiresAt = listing.ExpiresAt
	}

	product := findProduct(pre.Products, updated.ProductID)
	landed := calc.Landed(listing.Price, listing.ShopName, p.destCountry, 1)
	var score int
	var mandatory bool
	if product != nil {
		score = scoring.Score(*product, landed, pre.Wishlist[product.ID])
		mandatory = scoring.MandatoryBuy(*product, landed, score)
		updated.OpportunityScore = score
	}

	staged := &updated
	changes.OfferUpdates = append(changes.OfferUpdates, staged)
	var point *models.PricePoint
	if priceChanged {
		point = &models.PricePoint{OfferID: updated.ID, Price: listing.Price, RecordedAt: listing.ScrapedAt}
		changes.PricePoints = append(changes.PricePoints, point)
	}
	report.OffersUpdated++
	p.metrics.IncListing("offer_updated")

	if nuclear && product != nil {
		*pending = append(*pending, models.Notification{
			ProductName:  product.Name,
			ShopName:     listing.ShopName,
			ShopPrice:    listing.Price,
			LandedPrice:  landed,
			Score:        score,
			URL:          listing.URL,
			MandatoryBuy: mandatory,
			Nuclear:      true,
		})
	}
	return &routedListing{offer: staged, basePrice: offer.Price, point: point}
}

func (p *Pipeline) linkOrQuarantine(listing *models.ScrapedListing, pre *Prefetch, calc *logistics.Calculator, changes *BatchChanges, report *models.IngestReport, pending *[]models.Notification) *routedListing {
	var best *models.Product
	bestScore := 0.0
	for i := range pre.Products {
		prod := &pre.Products[i]
		ok, score, _ := p.match.Match(prod.Name, prod.EAN, listing.Name, listing.URL, listing.EAN)
		if ok && score > bestScore {
			best, bestScore = prod, score
			if score >= matchShortCircuit {
				break
			}
		}
	}

	if best == nil {
		cand := candidateFrom(listing)
		cand.ValidationStatus = models.StatusPending
		changes.CandidateUpserts = append(changes.CandidateUpserts, cand)
		report.NewCandidates++
		p.metrics.IncListing("new_candidate")
		return &routedListing{candidate: cand}
	}

	landed := calc.Landed(listing.Price, listing.ShopName, p.destCountry, 1)
	score := scoring.Score(*best, landed, pre.Wishlist[best.ID])
	flags := p.validator.Validate(*best, listing.Price, listing.ImageFingerprint)

	if blocked, status := sentinel.Outcome(flags); blocked {
		cand := candidateFrom(listing)
		cand.ValidationStatus = status
		cand.AnomalyFlags = flags
		cand.Blocked = true
		cand.OpportunityScore = score
		changes.CandidateUpserts = append(changes.CandidateUpserts, cand)
		changes.Events = append(changes.Events, models.OfferEvent{
			Action:      "QUARANTINE",
			URL:         listing.URL,
			ProductName: best.Name,
			ShopName:    listing.ShopName,
			Price:       listing.Price,
			Details:     fmt.Sprintf("flags: %v, confidence: %.2f", flags, bestScore),
			ReceiptID:   changes.ReceiptID,
			At:          listing.ScrapedAt,
		})
		report.Quarantined++
		p.metrics.IncListing("quarantined")
		return &routedListing{candidate: cand}
	}

	mandatory := scoring.MandatoryBuy(*best, landed, score)
	offer := &models.Offer{
		ProductID:        best.ID,
		ShopName:         listing.ShopName,
		Price:            listing.Price,
		Currency:         listing.Currency,
		URL:              listing.URL,
		Available:        listing.Available,
		OpportunityScore: score,
		SaleType:         saleTypeOrRetail(listing.SaleType),
		BidsCount:        listing.BidsCount,
		ExpiresAt:        listing.ExpiresAt,
		MinPrice:         listing.Price,
		MaxPrice:         listing.Price,
		ValidationStatus: models.StatusValidated,
		FirstSeenAt:      listing.ScrapedAt,
		LastSeenAt:       listing.ScrapedAt,
	}
	changes.NewOffers = append(changes.NewOffers, offer)

	if best.EAN == "" && listing.EAN != "" {
		changes.EANBackfills[best.ID] = listing.EAN
	}

	changes.Events = append(changes.Events, models.OfferEvent{
		Action:      "SMART_MATCH",
		URL:         listing.URL,
		ProductName: best.Name,
		ShopName:    listing.ShopName,
		Price:       listing.Price,
		Details:     fmt.Sprintf("confidence: %.2f", bestScore),
		ReceiptID:   changes.ReceiptID,
		At:          listing.ScrapedAt,
	})
	report.Linked++
	p.metrics.IncListing("linked")
	p.metrics.ObserveConfidence(bestScore)

	if mandatory || bestScore >= p.notifyAbove {
		*pending = append(*pending, models.Notification{
			ProductName:  best.Name,
			ShopName:     listing.ShopName,
			ShopPrice:    listing.Price,
			LandedPrice:  landed,
			Score:        score,
			Confidence:   bestScore,
			URL:          listing.URL,
			MandatoryBuy: mandatory,
		})
	}
	return &routedListing{offer: offer, basePrice: listing.Price}
}

func (p *Pipeline) snapshot(listings []models.ScrapedListing) string {
	if p.snapshots == nil {
		return ""
	}
	shop := "mixed"
	if len(listings) > 0 && listings[0].ShopName != "" {
		shop = listings[0].ShopName
	}
	receipt, err := p.snapshots.Save(shop, listings)
	if err != nil {
		// Losing the audit copy is tolerable; losing price data is not.
		p.log.Error("safety snapshot failed", slog.Any("error", err))
		return ""
	}
	return receipt
}

func (p *Pipeline) drainNotifications(ctx context.Context, pending []models.Notification) {
	if p.notifier == nil || len(pending) == 0 {
		return
	}
	for _, n := range pending {
		if err := p.notifier.Send(ctx, n); err != nil {
			p.log.Warn("notification failed",
				slog.String("product", n.ProductName),
				slog.Any("error", err),
			)
			p.metrics.IncNotification("error")
			continue
		}
		p.metrics.IncNotification("sent")
	}
}

func findProduct(products []models.Product, id int64) *models.Product {
	for i := range products {
		if products[i].ID == id {
			return &products[i]
		}
	}
	return nil
}

func candidateFrom(listing *models.ScrapedListing) *models.Candidate {
	return &models.Candidate{
		ScrapedName: listing.Name,
		EAN:         listing.EAN,
		Price:       listing.Price,
		Currency:    listing.Currency,
		URL:         listing.URL,
		ShopName:    listing.ShopName,
		ImageURL:    listing.ImageURL,
		SaleType:    saleTypeOrRetail(listing.SaleType),
		BidsCount:   listing.BidsCount,
		ExpiresAt:   listing.ExpiresAt,
		FoundAt:     listing.ScrapedAt,
	}
}

func saleTypeOrRetail(t models.SaleType) models.SaleType {
	if t == "" {
		return models.SaleRetail
	}
	return t
}
