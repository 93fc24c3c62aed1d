// Package logistics converts a shop's nominal price into the landed price
// actually paid at the destination, applying per-shop shipping, VAT and
// customs rules.
package logistics

import (
	"math"

	"github.com/eterniahub/go-price-oracle/models"
)

// Shipping strategies a rule may declare.
const (
	// StrategyVolumeTier charges a small tiered fee by item count instead
	// of the rule's base shipping.
	StrategyVolumeTier = "volume_tier"
	// StrategyItemRate multiplies the base shipping by the item count.
	StrategyItemRate = "item_rate"
)

// Volume tier fees in destination currency.
const (
	volumeTierSmall     = 2.99
	volumeTierLarge     = 3.49
	volumeTierThreshold = 5
)

// DefaultCountry is the fallback destination when a shop has no rule for
// the requested country.
const DefaultCountry = "ES"

// Calculator resolves logistic rules and computes landed prices. It holds
// a preloaded rule map so batch work never touches the database per item.
type Calculator struct {
	rules          map[models.RuleKey]models.LogisticRule
	defaultCountry string
}

// NewCalculator builds a Calculator over the given rules. An empty
// defaultCountry falls back to DefaultCountry.
func NewCalculator(rules []models.LogisticRule, defaultCountry string) *Calculator {
	if defaultCountry == "" {
		defaultCountry = DefaultCountry
	}
	m := make(map[models.RuleKey]models.LogisticRule, len(rules))
	for _, r := range rules {
		m[r.Key()] = r
	}
	return &Calculator{rules: m, defaultCountry: defaultCountry}
}

// Rule returns the logistic rule for a shop and destination, trying the
// exact country first and the default country second.
func (c *Calculator) Rule(shop, country string) (models.LogisticRule, bool) {
	if r, ok := c.rules[models.RuleKey{Shop: shop, Country: country}]; ok {
		return r, true
	}
	r, ok := c.rules[models.RuleKey{Shop: shop, Country: c.defaultCountry}]
	return r, ok
}

// Landed computes the per-unit landed price for itemCount units of a
// product sold at the given nominal price. Without a rule the nominal
// price is returned unchanged, rounded to cents.
func (c *Calculator) Landed(price float64, shop, country string, itemCount int) float64 {
	if itemCount < 1 {
		itemCount = 1
	}
	rule, ok := c.Rule(shop, country)
	if !ok {
		return round2(price)
	}
	return applyRule(price, rule, itemCount)
}

// applyRule is the single place landed-price arithmetic lives.
//
//	landed = ((price*count + shipping) * vat + customs) / count
func applyRule(price float64, rule models.LogisticRule, itemCount int) float64 {
	shipping := rule.BaseShipping
	switch rule.Strategy {
	case StrategyVolumeTier:
		if itemCount <= volumeTierThreshold {
			shipping = volumeTierSmall
		} else {
			shipping = volumeTierLarge
		}
	case StrategyItemRate:
		shipping = rule.BaseShipping * float64(itemCount)
	}

	cartTotal := price * float64(itemCount)
	if rule.FreeShippingThreshold > 0 && cartTotal >= rule.FreeShippingThreshold {
		shipping = 0
	}

	landed := (cartTotal+shipping)*rule.VATMultiplier + rule.CustomsFee
	return round2(landed / float64(itemCount))
}

// ROI returns the return on investment, in percent, of buying at
// landedPrice an item worth marketValue. Rounded to one decimal.
func ROI(marketValue, landedPrice float64) float64 {
	if landedPrice <= 0 {
		return 0
	}
	return math.Round((marketValue-landedPrice)/landedPrice*1000) / 10
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
