package sentinel

import (
	"testing"

	"github.com/eterniahub/go-price-oracle/models"
)

func TestValidatePriceBand(t *testing.T) {
	v := New(0, 0, 0)
	product := models.Product{AvgMarketPrice: 100}

	tests := []struct {
		name  string
		price float64
		want  []string
	}{
		{name: "inside band", price: 100, want: nil},
		{name: "near the upper edge", price: 139, want: nil},
		{name: "above band", price: 150, want: []string{FlagPriceAboveBand}},
		{name: "near the lower edge", price: 11, want: nil},
		{name: "too good to be true", price: 5, want: []string{FlagPriceBelowBand}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v.Validate(product, tt.price, "")
			if len(got) != len(tt.want) {
				t.Fatalf("Validate(price=%v) = %v, want %v", tt.price, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("Validate(price=%v) = %v, want %v", tt.price, got, tt.want)
				}
			}
		})
	}
}

func TestValidateNoReferenceData(t *testing.T) {
	v := New(0, 0, 0)

	// No average price on record, nothing to compare against.
	if got := v.Validate(models.Product{}, 9999, ""); got != nil {
		t.Fatalf("Validate without history = %v, want nil", got)
	}
}

func TestValidateFingerprint(t *testing.T) {
	v := New(0, 0, 4)
	product := models.Product{ImageFingerprint: "ffff0000"}

	tests := []struct {
		name        string
		fingerprint string
		wantFlag    bool
	}{
		{name: "identical", fingerprint: "ffff0000", wantFlag: false},
		{name: "close", fingerprint: "ffff0003", wantFlag: false},
		{name: "far", fingerprint: "0000ffff", wantFlag: true},
		{name: "length mismatch", fingerprint: "ffff", wantFlag: true},
		{name: "garbage", fingerprint: "zzzz0000", wantFlag: true},
		{name: "absent skips check", fingerprint: "", wantFlag: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flags := v.Validate(product, 0, tt.fingerprint)
			got := len(flags) == 1 && flags[0] == FlagImageMismatch
			if got != tt.wantFlag {
				t.Fatalf("Validate(fingerprint=%q) = %v, wantFlag %v", tt.fingerprint, flags, tt.wantFlag)
			}
		})
	}
}

func TestOutcome(t *testing.T) {
	if blocked, status := Outcome(nil); blocked || status != models.StatusValidated {
		t.Fatalf("Outcome(nil) = (%v, %q), want (false, VALIDATED)", blocked, status)
	}
	if blocked, status := Outcome([]string{FlagPriceAboveBand}); !blocked || status != models.StatusUnvalidated {
		t.Fatalf("Outcome(flags) = (%v, %q), want (true, UNVALIDATED)", blocked, status)
	}
}
