// Package sentinel cross-checks a matched listing against the catalog
// product's historical evidence before the pipeline is allowed to link
// them. A fuzzy name score alone is not enough; price and image have to
// look plausible too.
package sentinel

import (
	"fmt"

	"github.com/eterniahub/go-price-oracle/models"
)

// Flags appended to a candidate when a check fails.
const (
	FlagPriceAboveBand = "PRICE_ABOVE_BAND"
	FlagPriceBelowBand = "PRICE_BELOW_BAND"
	FlagImageMismatch  = "IMAGE_MISMATCH"
)

// Default thresholds. A price more than 40% above the product's average
// market price, or below 10% of it, is suspect. Fingerprints further than
// 10 bits apart are considered different items.
const (
	DefaultAboveBandPct   = 0.40
	DefaultBelowBandPct   = 0.10
	DefaultMaxFingerprint = 10
)

// Validator holds the tunable anomaly thresholds.
type Validator struct {
	aboveBandPct   float64
	belowBandPct   float64
	maxFingerprint int
}

// New builds a Validator. Non-positive arguments fall back to defaults.
func New(aboveBandPct, belowBandPct float64, maxFingerprint int) *Validator {
	if aboveBandPct <= 0 {
		aboveBandPct = DefaultAboveBandPct
	}
	if belowBandPct <= 0 {
		belowBandPct = DefaultBelowBandPct
	}
	if maxFingerprint <= 0 {
		maxFingerprint = DefaultMaxFingerprint
	}
	return &Validator{aboveBandPct: aboveBandPct, belowBandPct: belowBandPct, maxFingerprint: maxFingerprint}
}

// Validate runs every check and returns the flags raised. An empty slice
// means the observation is consistent with the product's history.
//
// listingFingerprint is the perceptual hash of the listing's image, hex
// encoded; pass "" when no image was captured and the check is skipped.
// Checks that lack reference data on the product side are skipped too:
// absence of evidence never blocks.
func (v *Validator) Validate(product models.Product, price float64, listingFingerprint string) []string {
	var flags []string

	if avg := product.AvgMarketPrice; avg > 0 && price > 0 {
		if price > avg*(1+v.aboveBandPct) {
			flags = append(flags, FlagPriceAboveBand)
		} else if price < avg*v.belowBandPct {
			flags = append(flags, FlagPriceBelowBand)
		}
	}

	if product.ImageFingerprint != "" && listingFingerprint != "" {
		dist, err := hammingDistance(product.ImageFingerprint, listingFingerprint)
		if err != nil || dist > v.maxFingerprint {
			flags = append(flags, FlagImageMismatch)
		}
	}

	return flags
}

// Outcome maps flags to the candidate's blocked bit and validation status.
func Outcome(flags []string) (blocked bool, status string) {
	if len(flags) > 0 {
		return true, models.StatusUnvalidated
	}
	return false, models.StatusValidated
}

// hammingDistance counts differing bits between two equal-length hex
// encoded fingerprints.
func hammingDistance(a, b string) (int, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("fingerprint length mismatch: %d vs %d", len(a), len(b))
	}
	dist := 0
	for i := 0; i < len(a); i++ {
		na, err := hexNibble(a[i])
		if err != nil {
			return 0, err
		}
		nb, err := hexNibble(b[i])
		if err != nil {
			return 0, err
		}
		for x := na ^ nb; x != 0; x &= x - 1 {
			dist++
		}
	}
	return dist, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	}
	return 0, fmt.Errorf("fingerprint contains non-hex byte %q", c)
}
