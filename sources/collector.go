package sources

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/eterniahub/go-price-oracle/models"
)

// SiteConfig describes how to walk one storefront's listing pages. The
// selectors are the only site-specific part; everything downstream of the
// ScrapedListing boundary is shared.
type SiteConfig struct {
	Name         string // source name, also the ShopName on listings
	BaseURL      string
	Currency     string
	UserAgent    string
	MaxPages     int
	Parallelism  int
	Delay        time.Duration
	ListItem     string // selector for one listing block
	NameSel      string
	PriceSel     string
	LinkSel      string // anchor whose href is the listing URL
	ImageSel     string
	NextPageSel  string // anchor advancing pagination
	Availability string // optional selector; empty means always available
}

// Validate checks the required selectors.
func (c *SiteConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("site name cannot be empty")
	}
	parsed, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("base url must include a host")
	}
	if c.ListItem == "" || c.NameSel == "" || c.PriceSel == "" || c.LinkSel == "" {
		return fmt.Errorf("list, name, price and link selectors are required")
	}
	return nil
}

// Collector is a colly-backed Source: it walks a storefront's listing
// pages and emits uniform ScrapedListings.
type Collector struct {
	site      SiteConfig
	timeout   time.Duration
	log       *slog.Logger
	host      string
	transport http.RoundTripper
}

// NewCollector validates the site description and returns a Collector.
func NewCollector(site SiteConfig, timeout time.Duration, log *slog.Logger) (*Collector, error) {
	if err := site.Validate(); err != nil {
		return nil, fmt.Errorf("site %q: %w", site.Name, err)
	}
	if site.Currency == "" {
		site.Currency = "EUR"
	}
	if site.MaxPages <= 0 {
		site.MaxPages = 10
	}
	if log == nil {
		log = slog.Default()
	}
	parsed, _ := url.Parse(site.BaseURL)
	return &Collector{site: site, timeout: timeout, log: log, host: parsed.Host}, nil
}

// Name implements Source.
func (c *Collector) Name() string { return c.site.Name }

// WithTransport overrides the HTTP transport. Tests use this to plug in a
// mock round tripper.
func (c *Collector) WithTransport(rt http.RoundTripper) { c.transport = rt }

// Fetch walks the listing pages. A fresh collector per call keeps repeat
// fetches in daemon mode independent of each other.
func (c *Collector) Fetch(ctx context.Context) ([]models.ScrapedListing, error) {
	collector := colly.NewCollector(
		colly.Async(true),
		colly.AllowedDomains(c.host),
		colly.UserAgent(c.userAgent()),
	)
	if c.timeout > 0 {
		collector.SetRequestTimeout(c.timeout)
	}
	if c.transport != nil {
		collector.WithTransport(c.transport)
	} else {
		collector.WithTransport(&http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   c.timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:    16,
			IdleConnTimeout: 90 * time.Second,
		})
	}
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: max(c.site.Parallelism, 1),
		Delay:       c.site.Delay,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	var (
		mu       sync.Mutex
		listings []models.ScrapedListing
		pages    int
		lastErr  error
	)
	now := time.Now()

	collector.OnHTML(c.site.ListItem, func(e *colly.HTMLElement) {
		listing, ok := c.extract(e, now)
		if !ok {
			return
		}
		mu.Lock()
		listings = append(listings, listing)
		mu.Unlock()
	})

	if c.site.NextPageSel != "" {
		collector.OnHTML(c.site.NextPageSel, func(e *colly.HTMLElement) {
			mu.Lock()
			pages++
			done := pages >= c.site.MaxPages
			mu.Unlock()
			if done || ctx.Err() != nil {
				return
			}
			if err := collector.Visit(e.Request.AbsoluteURL(e.Attr("href"))); err != nil &&
				err != colly.ErrAlreadyVisited {
				c.log.Debug("pagination visit failed", slog.String("source", c.site.Name), slog.Any("error", err))
			}
		})
	}

	collector.OnError(func(r *colly.Response, err error) {
		status := 0
		pageURL := c.site.BaseURL
		if r != nil {
			status = r.StatusCode
			if r.Request != nil && r.Request.URL != nil {
				pageURL = r.Request.URL.String()
			}
		}
		classified := classifyError(pageURL, err, status)
		mu.Lock()
		lastErr = classified
		mu.Unlock()
		c.log.Error("request error",
			slog.String("source", c.site.Name),
			slog.String("category", errorTypeLabel(classified)),
			slog.Any("error", err),
		)
	})

	if err := collector.Visit(c.site.BaseURL); err != nil {
		return nil, fmt.Errorf("initial visit: %w", err)
	}
	collector.Wait()

	if len(listings) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return listings, nil
}

func (c *Collector) extract(e *colly.HTMLElement, scrapedAt time.Time) (models.ScrapedListing, bool) {
	name := strings.TrimSpace(e.ChildText(c.site.NameSel))
	href := e.ChildAttr(c.site.LinkSel, "href")
	if name == "" || href == "" {
		return models.ScrapedListing{}, false
	}

	price, err := ParsePrice(e.ChildText(c.site.PriceSel))
	if err != nil || price <= 0 {
		return models.ScrapedListing{}, false
	}

	available := true
	if c.site.Availability != "" {
		txt := strings.ToLower(e.ChildText(c.site.Availability))
		available = txt != "" && !strings.Contains(txt, "agotado") && !strings.Contains(txt, "out of stock")
	}

	listing := models.ScrapedListing{
		Name:      name,
		Price:     price,
		Currency:  c.site.Currency,
		URL:       e.Request.AbsoluteURL(href),
		ShopName:  c.site.Name,
		Available: available,
		ScrapedAt: scrapedAt,
	}
	if c.site.ImageSel != "" {
		listing.ImageURL = e.Request.AbsoluteURL(e.ChildAttr(c.site.ImageSel, "src"))
	}
	return listing, true
}

func (c *Collector) userAgent() string {
	if c.site.UserAgent != "" {
		return c.site.UserAgent
	}
	return "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
}

// ParsePrice turns storefront price text into a number. Handles both
// "1.299,95 €" and "$1,299.95" shapes.
func ParsePrice(text string) (float64, error) {
	var b strings.Builder
	for _, r := range text {
		if (r >= '0' && r <= '9') || r == ',' || r == '.' {
			b.WriteRune(r)
		}
	}
	clean := b.String()
	if clean == "" {
		return 0, fmt.Errorf("no digits in %q", text)
	}

	lastComma := strings.LastIndex(clean, ",")
	lastDot := strings.LastIndex(clean, ".")
	switch {
	case lastComma > lastDot:
		// European: comma is the decimal separator, dots group thousands.
		clean = strings.ReplaceAll(clean, ".", "")
		clean = strings.Replace(clean, ",", ".", 1)
	default:
		// Anglo: commas group thousands.
		clean = strings.ReplaceAll(clean, ",", "")
	}

	v, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", text, err)
	}
	return v, nil
}
