// Package notify delivers deal alerts to a webhook endpoint. Alerts for
// the same product are throttled so a price that keeps resurfacing across
// batches does not spam the channel.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/eterniahub/go-price-oracle/models"
)

// DefaultThrottle is the minimum interval between alerts for the same product.
const DefaultThrottle = 2 * time.Hour

// Webhook posts notifications as JSON to a configured URL. A zero URL
// disables delivery entirely, which keeps local runs quiet without
// conditional wiring at the call sites.
type Webhook struct {
	url      string
	client   *http.Client
	throttle time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time

	now func() time.Time
}

// NewWebhook builds a notifier that posts to url with the given request
// timeout. Repeated alerts for one product inside the throttle window are
// silently dropped.
func NewWebhook(url string, timeout, throttle time.Duration, log *slog.Logger) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if throttle <= 0 {
		throttle = DefaultThrottle
	}
	if log == nil {
		log = slog.Default()
	}
	return &Webhook{
		url:      url,
		client:   &http.Client{Timeout: timeout},
		throttle: throttle,
		log:      log,
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// payload is the wire shape posted to the webhook. Text carries a
// human-readable rendering so chat-style receivers can display it directly.
type payload struct {
	models.Notification
	Text string `json:"text"`
}

// Send posts one notification. Throttled and disabled sends return nil;
// only transport and non-2xx failures surface as errors.
func (w *Webhook) Send(ctx context.Context, n models.Notification) error {
	if w.url == "" {
		return nil
	}
	if w.shouldThrottle(n.ProductName) {
		w.log.Debug("notification throttled", slog.String("product", n.ProductName))
		return nil
	}

	body, err := json.Marshal(payload{Notification: n, Text: FormatMessage(n)})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}

	w.log.Info("notification sent",
		slog.String("product", n.ProductName),
		slog.String("shop", n.ShopName),
		slog.Float64("price", n.ShopPrice))
	return nil
}

// shouldThrottle reports whether an alert for key fired inside the window,
// and records this attempt as the latest otherwise.
func (w *Webhook) shouldThrottle(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if last, ok := w.lastSent[key]; ok && now.Sub(last) < w.throttle {
		return true
	}
	w.lastSent[key] = now
	return false
}

// FormatMessage renders a notification as a short plain-text alert.
func FormatMessage(n models.Notification) string {
	var b bytes.Buffer
	switch {
	case n.Nuclear:
		b.WriteString("RECORD LOW: ")
	case n.MandatoryBuy:
		b.WriteString("MANDATORY BUY: ")
	default:
		b.WriteString("DEAL: ")
	}
	fmt.Fprintf(&b, "%s at %.2f€ (%s)", n.ProductName, n.ShopPrice, n.ShopName)
	if n.LandedPrice > 0 && n.LandedPrice != n.ShopPrice {
		fmt.Fprintf(&b, ", landed %.2f€", n.LandedPrice)
	}
	if n.Score > 0 {
		fmt.Fprintf(&b, ", score %d", n.Score)
	}
	if n.URL != "" {
		b.WriteString("\n")
		b.WriteString(n.URL)
	}
	return b.String()
}
