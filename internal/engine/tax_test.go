package engine

import "testing"

var testTax = Tax{SellerRate: 0.02, SellerCap: 5_000_000}

func TestSellerTax_Bounds(t *testing.T) {
	if got := testTax.SellerTax(0); got != 0 {
		t.Errorf("SellerTax(0) = %d, want 0", got)
	}
	if got := testTax.SellerTax(-50); got != 0 {
		t.Errorf("SellerTax(-50) = %d, want 0", got)
	}
	if got := testTax.SellerTax(110); got != 2 {
		t.Errorf("SellerTax(110) = %d, want 2", got)
	}
	// Monotone non-decreasing.
	prev := int64(0)
	for _, p := range []int64{1, 49, 50, 51, 1000, 1_000_000, 500_000_000} {
		tax := testTax.SellerTax(p)
		if tax < prev {
			t.Errorf("SellerTax not monotone at %d: %d < %d", p, tax, prev)
		}
		prev = tax
	}
	// Cap kicks in at 250M * 0.02 = 5M.
	if got := testTax.SellerTax(1_000_000_000); got != 5_000_000 {
		t.Errorf("SellerTax(1B) = %d, want cap 5000000", got)
	}
}

func TestGEPostTaxPrice(t *testing.T) {
	// Exempt item passes through untouched.
	if got := testTax.GEPostTaxPrice(8013, 1000); got != 1000 {
		t.Errorf("exempt item: %d, want 1000", got)
	}
	if got := testTax.GEPostTaxPrice(4151, 0); got != 0 {
		t.Errorf("zero price: %d, want 0", got)
	}
	// Normal item: price - floor(price*rate).
	if got := testTax.GEPostTaxPrice(4151, 110); got != 108 {
		t.Errorf("GEPostTaxPrice(110) = %d, want 108", got)
	}
	// At and above 250M the flat 5M cap applies.
	if got := testTax.GEPostTaxPrice(4151, 250_000_000); got != 245_000_000 {
		t.Errorf("at threshold: %d, want 245000000", got)
	}
	if got := testTax.GEPostTaxPrice(4151, 300_000_000); got != 295_000_000 {
		t.Errorf("above threshold: %d, want 295000000", got)
	}
	// Just below the threshold the percentage still applies.
	if got := testTax.GEPostTaxPrice(4151, 249_999_999); got != 249_999_999-4_999_999 {
		t.Errorf("below threshold: %d", got)
	}
}

func TestGETaxPerUnit(t *testing.T) {
	if got := testTax.GETaxPerUnit(4151, 110); got != 2 {
		t.Errorf("GETaxPerUnit(110) = %d, want 2", got)
	}
	if got := testTax.GETaxPerUnit(8013, 110); got != 0 {
		t.Errorf("exempt per-unit tax = %d, want 0", got)
	}
}

func TestMinProfitableSellPrice(t *testing.T) {
	// Smallest p with p - 100 - floor(0.02p) >= 1: 103 - 100 - 2 = 1.
	if got := testTax.MinProfitableSellPrice(100); got != 103 {
		t.Errorf("MinProfitableSellPrice(100) = %d, want 103", got)
	}
	if got := testTax.MinProfitableSellPrice(0); got != 1 {
		t.Errorf("MinProfitableSellPrice(0) = %d, want 1", got)
	}
	// Result always clears cost plus tax by at least 1.
	for _, avg := range []int64{1, 10, 1000, 123_456} {
		p := testTax.MinProfitableSellPrice(avg)
		if p-avg-testTax.SellerTax(p) < 1 {
			t.Errorf("avg=%d: p=%d does not clear cost+tax", avg, p)
		}
	}
}

func TestEstimateMinutesFromDaily(t *testing.T) {
	if got := EstimateMinutesFromDaily(10, 0); got != 999_999.0 {
		t.Errorf("zero volume = %v, want sentinel", got)
	}
	if got := EstimateMinutesFromDaily(10, -5); got != 999_999.0 {
		t.Errorf("negative volume = %v, want sentinel", got)
	}
	// 60 units at 500k/day = 60 / (500000/1440) ≈ 0.1728 minutes.
	got := EstimateMinutesFromDaily(60, 500_000)
	if got < 0.17 || got > 0.18 {
		t.Errorf("EstimateMinutesFromDaily(60, 500k) = %v, want ~0.1728", got)
	}
}
