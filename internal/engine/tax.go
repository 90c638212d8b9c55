package engine

import "math"

// GE tax constants shared with the client's tax logic.
const (
	maxPriceForGETax = 250_000_000
	geTaxCap         = 5_000_000
)

// Items exempt from GE tax (matches the client's exempt set).
var geTaxExemptItems = map[int64]struct{}{
	8011: {}, 365: {}, 2309: {}, 882: {}, 806: {}, 1891: {}, 8010: {}, 1755: {},
	28824: {}, 2140: {}, 2142: {}, 8009: {}, 5325: {}, 1785: {}, 2347: {}, 347: {},
	884: {}, 807: {}, 28790: {}, 379: {}, 8008: {}, 355: {}, 2327: {}, 558: {},
	1733: {}, 13190: {}, 233: {}, 351: {}, 5341: {}, 2552: {}, 329: {}, 8794: {},
	5329: {}, 5343: {}, 1735: {}, 315: {}, 952: {}, 886: {}, 808: {}, 8013: {},
	361: {}, 8007: {}, 5331: {},
}

// Tax bundles the configurable seller-tax parameters. SellerTax is used for
// scoring and profit displays; GEPostTaxPrice is used for settled proceeds
// in the profit-tracking ledger. The asymmetry is intentional.
type Tax struct {
	SellerRate float64
	SellerCap  int64
}

// SellerTax estimates the GE sale tax on a price for display and scoring.
func (t Tax) SellerTax(price int64) int64 {
	if price <= 0 {
		return 0
	}
	tax := int64(math.Floor(float64(price) * t.SellerRate))
	if t.SellerCap > 0 && tax > t.SellerCap {
		tax = t.SellerCap
	}
	return tax
}

// GEPostTaxPrice is the per-unit proceeds after the game's sale tax,
// matching the client's GeTax: exempt items and non-positive prices pass
// through, prices at or above 250M pay the flat 5M cap.
func (t Tax) GEPostTaxPrice(itemID, price int64) int64 {
	if price <= 0 {
		return price
	}
	if _, exempt := geTaxExemptItems[itemID]; exempt {
		return price
	}
	if price >= maxPriceForGETax {
		return max64(price-geTaxCap, 0)
	}
	tax := int64(math.Floor(float64(price) * t.SellerRate))
	return max64(price-tax, 0)
}

// GETaxPerUnit is the per-unit tax implied by GEPostTaxPrice.
func (t Tax) GETaxPerUnit(itemID, price int64) int64 {
	return max64(price-t.GEPostTaxPrice(itemID, price), 0)
}

// MinProfitableSellPrice returns the smallest price that clears the average
// buy cost plus seller tax by at least 1 gp.
func (t Tax) MinProfitableSellPrice(avgBuy int64) int64 {
	if avgBuy <= 0 {
		return 1
	}
	guess := int64(math.Ceil(float64(avgBuy+1) / 0.98))
	start := max64(1, guess-30)
	for p := start; p < guess+500; p++ {
		if p-avgBuy-t.SellerTax(p) >= 1 {
			return p
		}
	}
	return max64(guess, 1)
}

// EstimateMinutesFromDaily converts a quantity into an expected fill time
// using the item's daily volume. Missing volume yields a large sentinel so
// the candidate sorts as unsellable rather than free.
func EstimateMinutesFromDaily(qty, dailyVol int64) float64 {
	if dailyVol <= 0 {
		return 999_999.0
	}
	perMin := math.Max(float64(dailyVol)/1440.0, 1e-6)
	return float64(qty) / perMin
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
