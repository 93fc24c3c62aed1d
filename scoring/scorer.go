// Package scoring ranks how good a deal a landed price is for a catalog
// product, on a 0-100 scale.
package scoring

import "github.com/eterniahub/go-price-oracle/models"

// Vector caps and breakpoints. Retail and market each contribute up to 40
// points, wishlist desire the remaining 20.
const (
	retailMaxPoints   = 40
	retailFullSavings = 0.30

	marketFloorPoints = 20
	marketBonusPoints = 20
	marketFullAdvance = 0.10
	marketDecayRange  = 0.20

	wishlistPoints = 20

	maxScore = 100

	// MandatoryBuy thresholds.
	mandatoryMinScore    = 90
	mandatoryRetailRatio = 0.80
)

// Score computes the opportunity score for buying product at landedPrice.
// A non-positive landed price scores zero.
//
// Retail vector: saving 30% or more off retail earns the full 40 points,
// scaling linearly below that. Market vector: matching the resale floor
// earns 20 points, beating it by 10% or more earns 40; above the floor the
// points decay to zero at 20% over. Wishlisted products get a flat 20.
func Score(product models.Product, landedPrice float64, wishlisted bool) int {
	if landedPrice <= 0 {
		return 0
	}

	score := 0

	if retail := product.RetailPrice; retail > 0 {
		savings := (retail - landedPrice) / retail
		pts := int(savings / retailFullSavings * retailMaxPoints)
		score += clamp(pts, 0, retailMaxPoints)
	}

	if floor := product.FloorPrice; floor > 0 {
		if landedPrice <= floor {
			advantage := (floor - landedPrice) / floor
			bonus := int(advantage / marketFullAdvance * marketBonusPoints)
			score += marketFloorPoints + clamp(bonus, 0, marketBonusPoints)
		} else {
			over := (landedPrice - floor) / floor
			pts := int(marketFloorPoints - over/marketDecayRange*marketFloorPoints)
			score += clamp(pts, 0, marketFloorPoints)
		}
	}

	if wishlisted {
		score += wishlistPoints
	}

	if score > maxScore {
		return maxScore
	}
	return score
}

// MandatoryBuy reports whether the deal clears the automatic-purchase bar:
// a score of at least 90 and a landed price at or below 80% of retail.
func MandatoryBuy(product models.Product, landedPrice float64, score int) bool {
	if product.RetailPrice <= 0 {
		return false
	}
	return score >= mandatoryMinScore && landedPrice <= mandatoryRetailRatio*product.RetailPrice
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
