package engine

import (
	"encoding/json"
	"strconv"
	"strings"
)

// CoinsItemID is the sentinel inventory item for coins.
const CoinsItemID = 995

// GESlots is the number of concurrent exchange offer slots.
const GESlots = 8

// InvSlots is the size of the client inventory.
const InvSlots = 28

// Offer is one exchange slot from a client status snapshot.
type Offer struct {
	BoxID        int64  `json:"box_id"`
	Status       string `json:"status"` // empty | buy | sell
	Active       bool   `json:"active"`
	ItemID       int64  `json:"item_id"`
	Price        int64  `json:"price"`
	AmountTotal  int64  `json:"amount_total"`
	AmountTraded int64  `json:"amount_traded"`
	GPToCollect  int64  `json:"gp_to_collect"`
}

// InvEntry is one inventory stack from a client status snapshot.
type InvEntry struct {
	ItemID int64 `json:"item_id"`
	Amount int64 `json:"amount"`
}

// Status is the client's periodic snapshot. The payload is weakly typed on
// the wire (timeframe may be "30m" or 30), so the loose fields are kept raw
// and parsed with fallbacks.
type Status struct {
	Offers                   []Offer         `json:"offers"`
	Items                    []InvEntry      `json:"items"`
	Timeframe                json.RawMessage `json:"timeframe"`
	BlockedItems             []int64         `json:"blocked_items"`
	SkipSuggestion           *int64          `json:"skip_suggestion"`
	SellOnly                 bool            `json:"sell_only"`
	RequestedSuggestionTypes []string        `json:"requested_suggestion_types"`
}

// SkipItemID returns the skip_suggestion item, or -1 when absent.
func (s *Status) SkipItemID() int64 {
	if s.SkipSuggestion == nil {
		return -1
	}
	return *s.SkipSuggestion
}

// RequestedTypes returns the lowercased set of allowed suggestion types.
// An empty set means everything is allowed.
func (s *Status) RequestedTypes() map[string]bool {
	out := map[string]bool{}
	for _, t := range s.RequestedSuggestionTypes {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out[t] = true
		}
	}
	return out
}

func typeAllowed(requested map[string]bool, t string) bool {
	return len(requested) == 0 || requested[t]
}

func offerIsEmpty(o Offer) bool { return strings.ToLower(o.Status) == "empty" }
func offerIsBuy(o Offer) bool   { return strings.ToLower(o.Status) == "buy" }
func offerIsSell(o Offer) bool  { return strings.ToLower(o.Status) == "sell" }

// offerIsDone reports a non-empty, inactive offer (filled or cancelled but
// not yet collected).
func offerIsDone(o Offer) bool {
	return !offerIsEmpty(o) && !o.Active
}

// firstEmptySlot returns the box_id of the first empty slot, or -1.
func firstEmptySlot(offers []Offer) int64 {
	for _, o := range offers {
		if offerIsEmpty(o) {
			return o.BoxID
		}
	}
	return -1
}

func countEmptySlots(offers []Offer) int {
	n := 0
	for _, o := range offers {
		if offerIsEmpty(o) {
			n++
		}
	}
	return n
}

// activeOfferItemIDs collects the items currently active in the exchange.
func activeOfferItemIDs(offers []Offer) map[int64]bool {
	out := map[int64]bool{}
	for _, o := range offers {
		if o.Active && o.ItemID > 0 {
			out[o.ItemID] = true
		}
	}
	return out
}

// ParseTimeframeMinutes interprets the client's adjust-offers horizon.
// Accepts "5m", "30m", "2h", "8h", bare numbers (string or JSON number),
// and clamps to [1, 1440]. def is the fallback in minutes.
func ParseTimeframeMinutes(raw json.RawMessage, def float64) int {
	fallback := int(def + 0.5)
	if fallback < 1 {
		fallback = 1
	}
	if len(raw) == 0 || string(raw) == "null" {
		return fallback
	}

	tfm := fallback
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.ToLower(strings.TrimSpace(s))
		switch {
		case strings.HasSuffix(s, "m"):
			if f, err := strconv.ParseFloat(strings.TrimSuffix(s, "m"), 64); err == nil {
				tfm = int(f)
			}
		case strings.HasSuffix(s, "h"):
			if f, err := strconv.ParseFloat(strings.TrimSuffix(s, "h"), 64); err == nil {
				tfm = int(f * 60)
			}
		default:
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				tfm = int(f)
			}
		}
	} else {
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			tfm = int(f)
		}
	}

	if tfm <= 0 {
		tfm = fallback
	}
	if tfm > 24*60 {
		tfm = 24 * 60
	}
	return tfm
}

// Thresholds are the timeframe-scaled effective buy filters. Longer
// horizons accept slower items but demand higher margins and ROI.
type Thresholds struct {
	MinROIEff    float64
	MinMarginEff int64
	MaxBuyMins   float64
}

func (e *Engine) thresholdsFor(tfMinutes int) Thresholds {
	cfg := e.cfg
	switch {
	case tfMinutes <= 5:
		return Thresholds{
			MinROIEff:    cfg.MinROI,
			MinMarginEff: max64(1, cfg.MinMarginGP),
			MaxBuyMins:   cfg.TargetFillMinutes * 3.0,
		}
	case tfMinutes <= 30:
		return Thresholds{
			MinROIEff:    maxFloat(cfg.MinROI, 0.003),
			MinMarginEff: max64(cfg.MinMarginGP, 25),
			MaxBuyMins:   60.0,
		}
	case tfMinutes <= 120:
		return Thresholds{
			MinROIEff:    maxFloat(cfg.MinROI, 0.006),
			MinMarginEff: max64(cfg.MinMarginGP, 50),
			MaxBuyMins:   240.0,
		}
	default:
		return Thresholds{
			MinROIEff:    maxFloat(cfg.MinROI, 0.010),
			MinMarginEff: max64(cfg.MinMarginGP, 100),
			MaxBuyMins:   720.0,
		}
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
