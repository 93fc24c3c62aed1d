package scoring

import (
	"testing"

	"github.com/eterniahub/go-price-oracle/models"
)

func TestScore(t *testing.T) {
	tests := []struct {
		name       string
		retail     float64
		floor      float64
		landed     float64
		wishlisted bool
		want       int
	}{
		{
			// 50% off retail (40) + well under floor (40) + wishlist (20).
			name: "perfect deal", retail: 100, floor: 90, landed: 50, wishlisted: true, want: 100,
		},
		{
			// Above retail and 33% over the floor earns nothing.
			name: "overpriced", retail: 100, floor: 90, landed: 120, wishlisted: false, want: 0,
		},
		{
			name: "zero landed", retail: 100, floor: 90, landed: 0, wishlisted: true, want: 0,
		},
		{
			name: "negative landed", retail: 100, floor: 90, landed: -5, wishlisted: true, want: 0,
		},
		{
			// Exactly at the floor: retail vector 40 (since 50 <= 70% of retail... savings 50%), floor base 20.
			name: "at the floor", retail: 100, floor: 50, landed: 50, wishlisted: false, want: 60,
		},
		{
			// 15% savings on retail: int(0.15/0.30*40) = 20. No floor data.
			name: "retail only", retail: 100, floor: 0, landed: 85, wishlisted: false, want: 20,
		},
		{
			// No retail data, 5% under floor: 20 + int(0.05/0.10*20) = 30.
			name: "floor only", retail: 0, floor: 100, landed: 95, wishlisted: false, want: 30,
		},
		{
			// 10% over the floor: int(20 - 0.10/0.20*20) = 10.
			name: "decaying over floor", retail: 0, floor: 100, landed: 110, wishlisted: false, want: 10,
		},
		{
			// 20% or more over the floor bottoms out at zero.
			name: "far over floor", retail: 0, floor: 100, landed: 130, wishlisted: false, want: 0,
		},
		{
			name: "wishlist alone", retail: 0, floor: 0, landed: 60, wishlisted: true, want: 20,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := models.Product{RetailPrice: tt.retail, FloorPrice: tt.floor}
			if got := Score(p, tt.landed, tt.wishlisted); got != tt.want {
				t.Fatalf("Score(retail=%v, floor=%v, landed=%v, wish=%v) = %d, want %d",
					tt.retail, tt.floor, tt.landed, tt.wishlisted, got, tt.want)
			}
		})
	}
}

func TestMandatoryBuy(t *testing.T) {
	tests := []struct {
		name   string
		retail float64
		landed float64
		score  int
		want   bool
	}{
		{name: "qualifies", retail: 100, landed: 50, score: 100, want: true},
		{name: "at the ratio boundary", retail: 100, landed: 80, score: 95, want: true},
		{name: "score too low", retail: 100, landed: 50, score: 89, want: false},
		{name: "saving too small", retail: 100, landed: 85, score: 95, want: false},
		{name: "no retail data", retail: 0, landed: 10, score: 100, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := models.Product{RetailPrice: tt.retail}
			if got := MandatoryBuy(p, tt.landed, tt.score); got != tt.want {
				t.Fatalf("MandatoryBuy(retail=%v, landed=%v, score=%d) = %v, want %v",
					tt.retail, tt.landed, tt.score, got, tt.want)
			}
		})
	}
}
