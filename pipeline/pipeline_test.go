package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/eterniahub/go-price-oracle/config"
	"github.com/eterniahub/go-price-oracle/models"
)

type fakeStore struct {
	pre         *Prefetch
	prefetchErr error
	applyErr    error

	prefetchedURLs []string
	applied        *BatchChanges
}

func (f *fakeStore) Prefetch(_ context.Context, urls []string) (*Prefetch, error) {
	f.prefetchedURLs = urls
	if f.prefetchErr != nil {
		return nil, f.prefetchErr
	}
	return f.pre, nil
}

func (f *fakeStore) Apply(_ context.Context, changes *BatchChanges) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied = changes
	return nil
}

type fakeNotifier struct {
	sent []models.Notification
	err  error
}

func (f *fakeNotifier) Send(_ context.Context, n models.Notification) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, n)
	return nil
}

type failingSnapshotter struct{}

func (failingSnapshotter) Save(string, []models.ScrapedListing) (string, error) {
	return "", errors.New("disk full")
}

func testPrefetch() *Prefetch {
	return &Prefetch{
		BlockedURLs: map[string]struct{}{},
		Offers:      map[string]*models.Offer{},
		Candidates:  map[string]*models.Candidate{},
		Products: []models.Product{
			{ID: 1, Name: "Masters Origins Skeletor", RetailPrice: 100, FloorPrice: 90, AvgMarketPrice: 100},
			{ID: 2, Name: "Masters Origins Teela", EAN: "0887961875131", RetailPrice: 80, FloorPrice: 60, AvgMarketPrice: 70},
		},
		Wishlist: map[int64]bool{1: true},
	}
}

func newTestPipeline(store Store, notifier Notifier) *Pipeline {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, nil, notifier, config.DefaultConfig(), log)
}

func listing(name, url string, price float64) models.ScrapedListing {
	return models.ScrapedListing{
		Name:      name,
		Price:     price,
		Currency:  "EUR",
		URL:       url,
		ShopName:  "ToyPlanet",
		Available: true,
		ScrapedAt: time.Now(),
	}
}

func TestIngestLinksCleanMatch(t *testing.T) {
	store := &fakeStore{pre: testPrefetch()}
	notifier := &fakeNotifier{}
	p := newTestPipeline(store, notifier)

	report, err := p.Ingest(context.Background(), []models.ScrapedListing{
		listing("Masters Origins Skeletor figura", "https://shop/a", 50),
	})
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if report.Linked != 1 {
		t.Fatalf("report.Linked = %d, want 1", report.Linked)
	}
	if len(store.applied.NewOffers) != 1 {
		t.Fatalf("NewOffers = %d, want 1", len(store.applied.NewOffers))
	}

	offer := store.applied.NewOffers[0]
	if offer.ProductID != 1 {
		t.Fatalf("offer.ProductID = %d, want 1", offer.ProductID)
	}
	if offer.ValidationStatus != models.StatusValidated {
		t.Fatalf("offer.ValidationStatus = %q, want VALIDATED", offer.ValidationStatus)
	}
	if offer.MinPrice != 50 || offer.MaxPrice != 50 {
		t.Fatalf("watermarks = (%v, %v), want (50, 50)", offer.MinPrice, offer.MaxPrice)
	}
	if offer.OpportunityScore != 100 {
		t.Fatalf("offer.OpportunityScore = %d, want 100", offer.OpportunityScore)
	}

	// Mandatory buy plus confidence 1.0 requests a notification after commit.
	if len(notifier.sent) != 1 {
		t.Fatalf("notifications sent = %d, want 1", len(notifier.sent))
	}
	if !notifier.sent[0].MandatoryBuy {
		t.Fatal("notification should carry the mandatory-buy verdict")
	}
	if len(store.applied.Events) != 1 || store.applied.Events[0].Action != "SMART_MATCH" {
		t.Fatalf("events = %+v, want one SMART_MATCH", store.applied.Events)
	}
}

func TestIngestQuarantinesAnomalousMatch(t *testing.T) {
	store := &fakeStore{pre: testPrefetch()}
	p := newTestPipeline(store, nil)

	// Matches the catalog but sits 50% above the historical band.
	report, err := p.Ingest(context.Background(), []models.ScrapedListing{
		listing("Masters Origins Skeletor", "https://shop/b", 150),
	})
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if report.Quarantined != 1 {
		t.Fatalf("report.Quarantined = %d, want 1", report.Quarantined)
	}
	if len(store.applied.NewOffers) != 0 {
		t.Fatalf("NewOffers = %d, want 0 for an anomalous match", len(store.applied.NewOffers))
	}
	if len(store.applied.CandidateUpserts) != 1 {
		t.Fatalf("CandidateUpserts = %d, want 1", len(store.applied.CandidateUpserts))
	}

	cand := store.applied.CandidateUpserts[0]
	if !cand.Blocked {
		t.Fatal("quarantined candidate should be blocked")
	}
	if cand.ValidationStatus != models.StatusUnvalidated {
		t.Fatalf("cand.ValidationStatus = %q, want UNVALIDATED", cand.ValidationStatus)
	}
	if len(cand.AnomalyFlags) == 0 {
		t.Fatal("quarantined candidate should record anomaly flags")
	}
}

func TestIngestUnmatchedGoesToHoldingPen(t *testing.T) {
	store := &fakeStore{pre: testPrefetch()}
	p := newTestPipeline(store, nil)

	report, err := p.Ingest(context.Background(), []models.ScrapedListing{
		listing("Red Dragon Castle Playset", "https://shop/c", 25),
	})
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if report.NewCandidates != 1 {
		t.Fatalf("report.NewCandidates = %d, want 1", report.NewCandidates)
	}

	cand := store.applied.CandidateUpserts[0]
	if cand.Blocked {
		t.Fatal("unmatched candidate should not be blocked")
	}
	if cand.ValidationStatus != models.StatusPending {
		t.Fatalf("cand.ValidationStatus = %q, want PENDING", cand.ValidationStatus)
	}
}

func TestIngestUpdatesActiveOffer(t *testing.T) {
	pre := testPrefetch()
	pre.Offers["https://shop/d"] = &models.Offer{
		ID: 7, ProductID: 1, ShopName: "ToyPlanet", URL: "https://shop/d",
		Price: 80, MinPrice: 60, MaxPrice: 120,
	}
	store := &fakeStore{pre: pre}
	notifier := &fakeNotifier{}
	p := newTestPipeline(store, notifier)

	report, err := p.Ingest(context.Background(), []models.ScrapedListing{
		listing("whatever the shop calls it now", "https://shop/d", 55),
	})
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if report.OffersUpdated != 1 {
		t.Fatalf("report.OffersUpdated = %d, want 1", report.OffersUpdated)
	}
	if len(store.applied.NewOffers)+len(store.applied.CandidateUpserts) != 0 {
		t.Fatal("an active offer update must not create rows")
	}

	updated := store.applied.OfferUpdates[0]
	if updated.Price != 55 || updated.MinPrice != 55 || updated.MaxPrice != 120 {
		t.Fatalf("updated = (price %v, min %v, max %v), want (55, 55, 120)",
			updated.Price, updated.MinPrice, updated.MaxPrice)
	}
	if len(store.applied.PricePoints) != 1 {
		t.Fatalf("PricePoints = %d, want 1", len(store.applied.PricePoints))
	}

	// 55 is a new record low, 54% under the historical max of 120.
	if len(notifier.sent) != 1 || !notifier.sent[0].Nuclear {
		t.Fatalf("sent = %+v, want one nuclear notification", notifier.sent)
	}
}

func TestIngestCandidateRefreshTolerance(t *testing.T) {
	pre := testPrefetch()
	pre.Candidates["https://shop/e"] = &models.Candidate{URL: "https://shop/e", Price: 30.00}
	pre.Candidates["https://shop/f"] = &models.Candidate{URL: "https://shop/f", Price: 30.00}
	store := &fakeStore{pre: pre}
	p := newTestPipeline(store, nil)

	report, err := p.Ingest(context.Background(), []models.ScrapedListing{
		listing("same price", "https://shop/e", 30.005),
		listing("new price", "https://shop/f", 31.00),
	})
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if report.CandidatesRefreshed != 1 {
		t.Fatalf("report.CandidatesRefreshed = %d, want 1", report.CandidatesRefreshed)
	}
	if len(store.applied.CandidateTouches) != 1 {
		t.Fatalf("CandidateTouches = %d, want 1", len(store.applied.CandidateTouches))
	}
	if touch := store.applied.CandidateTouches[0]; touch.URL != "https://shop/f" || touch.Price != 31.00 {
		t.Fatalf("touch = %+v, want shop/f at 31.00", touch)
	}
}

func TestIngestBlocklistedDropped(t *testing.T) {
	pre := testPrefetch()
	pre.BlockedURLs["https://shop/g"] = struct{}{}
	store := &fakeStore{pre: pre}
	p := newTestPipeline(store, nil)

	report, err := p.Ingest(context.Background(), []models.ScrapedListing{
		listing("Masters Origins Skeletor", "https://shop/g", 50),
	})
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if report.Blocklisted != 1 {
		t.Fatalf("report.Blocklisted = %d, want 1", report.Blocklisted)
	}
	if len(store.applied.NewOffers)+len(store.applied.CandidateUpserts) != 0 {
		t.Fatal("blocklisted listing must not create rows")
	}
}

func TestIngestSkipsMalformed(t *testing.T) {
	store := &fakeStore{pre: testPrefetch()}
	p := newTestPipeline(store, nil)

	bad := listing("no price", "https://shop/h", 0)
	good := listing("Red Dragon Castle Playset", "https://shop/i", 20)

	report, err := p.Ingest(context.Background(), []models.ScrapedListing{bad, good})
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if report.Malformed != 1 {
		t.Fatalf("report.Malformed = %d, want 1", report.Malformed)
	}
	if report.NewCandidates != 1 {
		t.Fatalf("report.NewCandidates = %d, want 1", report.NewCandidates)
	}
}

func TestIngestDuplicateURLLaterPriceWins(t *testing.T) {
	store := &fakeStore{pre: testPrefetch()}
	p := newTestPipeline(store, nil)

	report, err := p.Ingest(context.Background(), []models.ScrapedListing{
		listing("Red Dragon Castle Playset", "https://shop/j", 25),
		listing("Red Dragon Castle Playset", "https://shop/j", 22),
	})
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if report.DuplicatesInBatch != 1 {
		t.Fatalf("report.DuplicatesInBatch = %d, want 1", report.DuplicatesInBatch)
	}
	if len(store.applied.CandidateUpserts) != 1 {
		t.Fatalf("CandidateUpserts = %d, want exactly one row", len(store.applied.CandidateUpserts))
	}
	if got := store.applied.CandidateUpserts[0].Price; got != 22 {
		t.Fatalf("candidate price = %v, want the later observation 22", got)
	}
}

func TestIngestDuplicateOfferRefreshRecomputes(t *testing.T) {
	pre := testPrefetch()
	pre.Offers["https://shop/n"] = &models.Offer{
		ID: 7, ProductID: 1, ShopName: "ToyPlanet", URL: "https://shop/n",
		Price: 80, MinPrice: 60, MaxPrice: 120,
	}
	store := &fakeStore{pre: pre}
	p := newTestPipeline(store, nil)

	second := listing("same listing, lower price", "https://shop/n", 40)
	second.ScrapedAt = time.Date(2025, 11, 5, 12, 30, 0, 0, time.UTC)

	report, err := p.Ingest(context.Background(), []models.ScrapedListing{
		listing("same listing", "https://shop/n", 85),
		second,
	})
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if report.DuplicatesInBatch != 1 || report.OffersUpdated != 1 {
		t.Fatalf("report = (dups %d, updated %d), want (1, 1)",
			report.DuplicatesInBatch, report.OffersUpdated)
	}

	updated := store.applied.OfferUpdates[0]
	if updated.Price != 40 || updated.MinPrice != 40 || updated.MaxPrice != 120 {
		t.Fatalf("updated = (price %v, min %v, max %v), want (40, 40, 120)",
			updated.Price, updated.MinPrice, updated.MaxPrice)
	}
	// The persisted score must describe the persisted price, not the
	// first sighting's 85.
	if updated.OpportunityScore != 100 {
		t.Fatalf("updated.OpportunityScore = %d, want 100 for the final price 40", updated.OpportunityScore)
	}
	if !updated.LastSeenAt.Equal(second.ScrapedAt) {
		t.Fatalf("updated.LastSeenAt = %v, want the later sighting's %v", updated.LastSeenAt, second.ScrapedAt)
	}
	if len(store.applied.PricePoints) != 1 {
		t.Fatalf("PricePoints = %d, want the staged point rewritten, not duplicated", len(store.applied.PricePoints))
	}
	if got := store.applied.PricePoints[0].Price; got != 40 {
		t.Fatalf("price point = %v, want the later observation 40", got)
	}
}

func TestIngestBackfillsMissingEAN(t *testing.T) {
	store := &fakeStore{pre: testPrefetch()}
	p := newTestPipeline(store, nil)

	learned := listing("Masters Origins Skeletor", "https://shop/o", 50)
	learned.EAN = "0887961875124"
	known := listing("Masters Origins Teela", "https://shop/p", 40)
	known.EAN = "4005556123456"

	report, err := p.Ingest(context.Background(), []models.ScrapedListing{learned, known})
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if report.Linked != 2 {
		t.Fatalf("report.Linked = %d, want 2", report.Linked)
	}
	if got := store.applied.EANBackfills[1]; got != "0887961875124" {
		t.Fatalf("EANBackfills[1] = %q, want the listing's trade number", got)
	}
	// Teela already carries a trade number in the catalog; nothing to learn.
	if len(store.applied.EANBackfills) != 1 {
		t.Fatalf("EANBackfills = %v, want exactly one entry", store.applied.EANBackfills)
	}
}

type stalledStore struct{}

func (stalledStore) Prefetch(ctx context.Context, _ []string) (*Prefetch, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stalledStore) Apply(ctx context.Context, _ *BatchChanges) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestIngestStoreCallsCarryTimeout(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DBTimeout = 25 * time.Millisecond
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := New(stalledStore{}, nil, nil, cfg, log)

	_, err := p.Ingest(context.Background(), []models.ScrapedListing{
		listing("anything", "https://shop/q", 10),
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Ingest against a wedged store = %v, want deadline exceeded", err)
	}
}

func TestIngestPrefetchFailureAborts(t *testing.T) {
	store := &fakeStore{prefetchErr: errors.New("db down")}
	p := newTestPipeline(store, nil)

	_, err := p.Ingest(context.Background(), []models.ScrapedListing{
		listing("anything", "https://shop/k", 10),
	})
	if err == nil {
		t.Fatal("Ingest should fail when prefetch fails")
	}
	if store.applied != nil {
		t.Fatal("nothing may be applied after a prefetch failure")
	}
}

func TestIngestSnapshotFailureIsNotFatal(t *testing.T) {
	store := &fakeStore{pre: testPrefetch()}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := New(store, failingSnapshotter{}, nil, config.DefaultConfig(), log)

	report, err := p.Ingest(context.Background(), []models.ScrapedListing{
		listing("Red Dragon Castle Playset", "https://shop/l", 20),
	})
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if report.NewCandidates != 1 {
		t.Fatalf("report.NewCandidates = %d, want 1", report.NewCandidates)
	}
}

func TestIngestEmptyBatch(t *testing.T) {
	store := &fakeStore{}
	p := newTestPipeline(store, nil)

	report, err := p.Ingest(context.Background(), nil)
	if err != nil {
		t.Fatalf("Ingest(nil) returned error: %v", err)
	}
	if report.Received != 0 {
		t.Fatalf("report.Received = %d, want 0", report.Received)
	}
	if store.prefetchedURLs != nil {
		t.Fatal("empty batch must not touch the store")
	}
}

func TestIngestNotifierFailureDoesNotFail(t *testing.T) {
	store := &fakeStore{pre: testPrefetch()}
	notifier := &fakeNotifier{err: errors.New("telegram down")}
	p := newTestPipeline(store, notifier)

	_, err := p.Ingest(context.Background(), []models.ScrapedListing{
		listing("Masters Origins Skeletor", "https://shop/m", 50),
	})
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if store.applied == nil {
		t.Fatal("the batch must commit even when notification delivery fails")
	}
}
