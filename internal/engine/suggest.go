package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"flip-copilot/internal/config"
	"flip-copilot/internal/logger"
	"flip-copilot/internal/prices"
)

// Store is the ledger surface the engine consults while deciding. The
// concrete implementation lives in internal/db and is wired at startup.
type Store interface {
	SyncOffersAndFills(mapping map[int64]prices.ItemMeta, offers []Offer, now int64) error
	OfferActivity(boxID int64) (lastTs int64, ok bool, err error)
	OldestStuckBuy(beforeTs int64) (boxID, itemID int64, ok bool, err error)
	OpenQtyAndAvgCost(itemID int64) (qty, avgBuy int64, err error)
	LastBuyPrice(itemID int64) (price int64, ok bool, err error)
	BoughtQtyInWindow(itemID, sinceTs int64) (int64, error)
	ShouldThrottleAbort(boxID, now int64) (bool, error)
	RecordRecommendation(a Action) error
}

// Trender supplies short-term price trends for candidate rescoring.
type Trender interface {
	Trend(ctx context.Context, itemID int64, horizonMinutes int) float64
}

// Engine turns status snapshots into single actions. Stateless apart from
// the durable buy queue and rejection counters; all trading history lives
// in the Store.
type Engine struct {
	cfg    *config.Config
	tax    Tax
	store  Store
	trends Trender
	queue  *Queue

	rejMu      sync.Mutex
	rejections map[string]int64
}

// New builds an engine. trends may be nil to disable trend rescoring.
func New(cfg *config.Config, tax Tax, store Store, trends Trender, queue *Queue) *Engine {
	return &Engine{
		cfg:        cfg,
		tax:        tax,
		store:      store,
		trends:     trends,
		queue:      queue,
		rejections: map[string]int64{},
	}
}

// RejectionCounts returns a copy of the candidate rejection counters.
func (e *Engine) RejectionCounts() map[string]int64 {
	e.rejMu.Lock()
	defer e.rejMu.Unlock()
	out := make(map[string]int64, len(e.rejections))
	for k, v := range e.rejections {
		out[k] = v
	}
	return out
}

func (e *Engine) reject(reason string) {
	e.rejMu.Lock()
	e.rejections[reason]++
	e.rejMu.Unlock()
}

// Suggest reconciles the snapshot against the ledger and walks the decision
// priorities: stale offers, crash-guard reprices, clearing a full exchange,
// selling inventory, queued buys, then new buy candidates. The first match
// wins and is recorded before it is returned.
func (e *Engine) Suggest(ctx context.Context, st *Status, mapping map[int64]prices.ItemMeta, latest map[int64]prices.Quote, volumes map[int64]int64) Action {
	now := time.Now().Unix()
	cfg := e.cfg

	var coins int64
	inv := make([]InvEntry, 0, len(st.Items))
	invItems := map[int64]int64{}
	for _, it := range st.Items {
		if it.ItemID == CoinsItemID {
			coins += it.Amount
			continue
		}
		if it.ItemID > 0 && it.Amount > 0 {
			inv = append(inv, it)
			invItems[it.ItemID] += it.Amount
		}
	}
	invUsed := len(inv)
	if coins > 0 {
		invUsed++
	}
	invFull := invUsed >= InvSlots

	tfMinutes := ParseTimeframeMinutes(st.Timeframe, cfg.TargetFillMinutes)
	staleSeconds := int64(cfg.StaleOfferSeconds)
	if s := int64(tfMinutes) * 60; s > staleSeconds {
		staleSeconds = s
	}
	th := e.thresholdsFor(tfMinutes)

	if err := e.store.SyncOffersAndFills(mapping, st.Offers, now); err != nil {
		logger.Warn("ENGINE", fmt.Sprintf("offer sync: %v", err))
	}

	requested := st.RequestedTypes()
	blocked := map[int64]bool{}
	for _, id := range st.BlockedItems {
		blocked[id] = true
	}
	skip := st.SkipItemID()
	if skip > 0 {
		blocked[skip] = true
	}
	activeItems := activeOfferItemIDs(st.Offers)
	slotsOpen := countEmptySlots(st.Offers)

	if a, ok := e.staleOffers(st, mapping, latest, volumes, requested, invFull, invItems, coins, staleSeconds, now); ok {
		return e.emit(a)
	}
	if a, ok := e.crashGuard(st, mapping, latest, requested, staleSeconds, now); ok {
		return e.emit(a)
	}
	if slotsOpen == 0 {
		if a, ok := e.clearExchange(st, mapping, requested, invFull, invItems, coins, now); ok {
			return e.emit(a)
		}
		return BuildWait("All exchange slots busy; nothing safe to clear yet")
	}
	if a, ok := e.sellInventory(st, inv, mapping, latest, volumes, blocked, activeItems, requested); ok {
		return e.emit(a)
	}

	// Queued buys replay as soon as a slot opens; only new buys honor the
	// sell_only flag.
	if skip > 0 {
		e.queue.DropItem(skip)
	}
	if a, ok := e.queue.Pop(); ok {
		a.BoxID = firstEmptySlot(st.Offers)
		logger.Info("ENGINE", fmt.Sprintf("dequeued buy: %s", a.Message))
		return e.emit(a)
	}
	if typeAllowed(requested, "buy") && !st.SellOnly {
		if a, ok := e.newBuys(ctx, st, mapping, latest, volumes, blocked, activeItems, coins, slotsOpen, tfMinutes, th, now); ok {
			return e.emit(a)
		}
	}
	return BuildWait("No actionable move right now")
}

// emit records the action in the ledger before handing it to the client.
func (e *Engine) emit(a Action) Action {
	if err := e.store.RecordRecommendation(a); err != nil {
		logger.Warn("ENGINE", fmt.Sprintf("record %s rec: %v", a.Type, err))
	}
	return a
}

// staleOffers reprices or aborts offers that have not traded within the
// stale window. Aborting a sell returns the item stack, so its safety gate
// needs inventory room for the item; aborting a buy returns coins.
func (e *Engine) staleOffers(st *Status, mapping map[int64]prices.ItemMeta, latest map[int64]prices.Quote, volumes map[int64]int64, requested map[string]bool, invFull bool, invItems map[int64]int64, coins, staleSeconds, now int64) (Action, bool) {
	for _, o := range st.Offers {
		if !o.Active || (!offerIsBuy(o) && !offerIsSell(o)) || o.ItemID <= 0 {
			continue
		}
		lastTs, ok, err := e.store.OfferActivity(o.BoxID)
		if err != nil || !ok {
			continue
		}
		if now-lastTs < staleSeconds {
			continue
		}
		ageMin := (now - lastTs) / 60

		if offerIsSell(o) {
			qty, avgBuy, err := e.store.OpenQtyAndAvgCost(o.ItemID)
			if err == nil && qty > 0 && avgBuy > 0 {
				q := latest[o.ItemID]
				desired := max64(q.Low, e.tax.MinProfitableSellPrice(avgBuy))
				remaining := o.AmountTotal - o.AmountTraded
				if desired < o.Price && remaining > 0 && typeAllowed(requested, "sell") {
					profitPer := desired - avgBuy - e.tax.SellerTax(desired)
					mins := EstimateMinutesFromDaily(remaining, volumes[o.ItemID])
					note := fmt.Sprintf("reprice stale sell (no trades for %dm)", ageMin)
					return BuildSell(o.BoxID, o.ItemID, metaName(mapping, o.ItemID), desired, remaining,
						float64(remaining*profitPer), mins, note), true
				}
			}
			if e.abortAllowed(requested, o.BoxID, now) && (!invFull || invItems[o.ItemID] > 0) {
				return BuildAbort(o.BoxID, o.ItemID, metaName(mapping, o.ItemID), fmt.Sprintf("stale sell, no trades for %dm", ageMin)), true
			}
			continue
		}

		// Stale buy: abort and free the capital.
		if e.abortAllowed(requested, o.BoxID, now) && (!invFull || coins > 0) {
			return BuildAbort(o.BoxID, o.ItemID, metaName(mapping, o.ItemID), fmt.Sprintf("stale buy, no trades for %dm", ageMin)), true
		}
	}
	return Action{}, false
}

// crashGuard aborts sells stranded far above the current best ask so the
// client can relist lower before the price runs away.
func (e *Engine) crashGuard(st *Status, mapping map[int64]prices.ItemMeta, latest map[int64]prices.Quote, requested map[string]bool, staleSeconds, now int64) (Action, bool) {
	for _, o := range st.Offers {
		if !o.Active || !offerIsSell(o) || o.ItemID <= 0 {
			continue
		}
		if o.AmountTotal-o.AmountTraded <= 0 {
			continue
		}
		q, ok := latest[o.ItemID]
		if !ok || q.High <= 0 || q.Low <= 0 {
			continue
		}
		if o.Price <= (q.High-1)+2 {
			continue
		}
		lastTs, hasInst, err := e.store.OfferActivity(o.BoxID)
		if err != nil || !hasInst || now-lastTs < staleSeconds {
			continue
		}

		desired := max64(q.High-1, int64(math.Floor(float64(o.Price)*0.99)))
		if desired >= o.Price {
			desired = o.Price - 1
		}
		if desired <= 0 {
			continue
		}
		_, avgBuy, err := e.store.OpenQtyAndAvgCost(o.ItemID)
		if err != nil {
			continue
		}
		// Untracked positions fall back to the market low as the basis.
		if avgBuy <= 0 {
			avgBuy = q.Low
		}
		if desired-avgBuy-e.tax.SellerTax(desired) <= 0 {
			continue
		}
		if !e.abortAllowed(requested, o.BoxID, now) {
			continue
		}
		return BuildAbort(o.BoxID, o.ItemID, metaName(mapping, o.ItemID), fmt.Sprintf("reprice sell -> %d gp (crash-guard)", desired)), true
	}
	return Action{}, false
}

// clearExchange frees a slot when every slot is busy: collect a finished
// offer, or, when nothing is finished, abort the oldest buy that never
// filled. A finished offer that cannot be collected safely means wait; the
// stuck-buy abort never jumps ahead of it.
func (e *Engine) clearExchange(st *Status, mapping map[int64]prices.ItemMeta, requested map[string]bool, invFull bool, invItems map[int64]int64, coins, now int64) (Action, bool) {
	for _, o := range st.Offers {
		if !offerIsDone(o) {
			continue
		}
		if offerIsSell(o) && invFull && coins <= 0 {
			return Action{}, false
		}
		if offerIsBuy(o) && invFull && invItems[o.ItemID] == 0 {
			return Action{}, false
		}
		if !e.abortAllowed(requested, o.BoxID, now) {
			return Action{}, false
		}
		return BuildAbort(o.BoxID, o.ItemID, metaName(mapping, o.ItemID), "collect finished offer"), true
	}

	boxID, itemID, ok, err := e.store.OldestStuckBuy(now - int64(e.cfg.StuckBuyAbortSeconds))
	if err == nil && ok && (!invFull || coins > 0) && e.abortAllowed(requested, boxID, now) {
		return BuildAbort(boxID, itemID, metaName(mapping, itemID), "buy stuck with zero fills"), true
	}
	return Action{}, false
}

// sellInventory lists untracked or tracked inventory that can move
// profitably (tracked basis) or quickly (fast-sell path).
func (e *Engine) sellInventory(st *Status, inv []InvEntry, mapping map[int64]prices.ItemMeta, latest map[int64]prices.Quote, volumes map[int64]int64, blocked map[int64]bool, activeItems map[int64]bool, requested map[string]bool) (Action, bool) {
	if !typeAllowed(requested, "sell") {
		return Action{}, false
	}
	slot := firstEmptySlot(st.Offers)
	if slot < 0 {
		return Action{}, false
	}
	for _, it := range inv {
		if blocked[it.ItemID] || activeItems[it.ItemID] {
			continue
		}
		q, ok := latest[it.ItemID]
		if !ok {
			continue
		}

		qty, avgBuy, err := e.store.OpenQtyAndAvgCost(it.ItemID)
		if err == nil && qty > 0 && avgBuy > 0 {
			sellPrice := max64(q.High-1, 1)
			profitPer := sellPrice - avgBuy - e.tax.SellerTax(sellPrice)
			if profitPer <= 0 {
				continue
			}
			mins := EstimateMinutesFromDaily(it.Amount, volumes[it.ItemID])
			return BuildSell(slot, it.ItemID, metaName(mapping, it.ItemID), sellPrice, it.Amount,
				float64(it.Amount*profitPer), mins, "sell tracked inventory"), true
		}

		mins := EstimateMinutesFromDaily(it.Amount, volumes[it.ItemID])
		if mins > e.cfg.FastSellTargetMinutes {
			continue
		}
		sellPrice := max64(q.Low, 1)
		basis := sellPrice
		if last, ok, err := e.store.LastBuyPrice(it.ItemID); err == nil && ok && last > 0 {
			basis = last
		}
		// Untracked dumps settle at the real post-tax price, which differs
		// from the seller-tax estimate for exempt and capped items.
		profitPer := e.tax.GEPostTaxPrice(it.ItemID, sellPrice) - basis
		return BuildSell(slot, it.ItemID, metaName(mapping, it.ItemID), sellPrice, it.Amount,
			float64(it.Amount*profitPer), mins, "fast-sell untracked inventory"), true
	}
	return Action{}, false
}

type candidate struct {
	itemID    int64
	name      string
	buyPrice  int64
	qty       int64
	profitPer int64
	expProfit float64
	mins      float64
	score     float64
}

// newBuys scores every quoted item against the timeframe tier and converts
// the winners into buy actions, queueing all but the first.
func (e *Engine) newBuys(ctx context.Context, st *Status, mapping map[int64]prices.ItemMeta, latest map[int64]prices.Quote, volumes map[int64]int64, blocked, activeItems map[int64]bool, coins int64, slotsOpen, tfMinutes int, th Thresholds, now int64) (Action, bool) {
	cfg := e.cfg

	budgetTotal := min64(int64(math.Floor(float64(coins)*cfg.MaxCashFraction)), cfg.BuyBudgetCap)
	if budgetTotal <= 0 {
		return BuildWait("No spendable cash for new buys"), true
	}
	perSlot := max64(budgetTotal/int64(slotsOpen), 1)

	var cands []candidate
	for itemID, q := range latest {
		if blocked[itemID] {
			e.reject("blocked")
			continue
		}
		if activeItems[itemID] {
			e.reject("already_active")
			continue
		}
		meta, ok := mapping[itemID]
		if !ok {
			e.reject("no_metadata")
			continue
		}
		vol := volumes[itemID]
		if vol < cfg.MinDailyVolume || vol > cfg.MaxDailyVolume {
			e.reject("volume_range")
			continue
		}
		if q.Low <= 0 || q.High <= 0 {
			e.reject("no_quote")
			continue
		}
		if q.Low < cfg.MinBuyPrice {
			e.reject("below_min_price")
			continue
		}
		sellAt := q.High - 1
		if sellAt-q.Low < cfg.MinMarginGP {
			e.reject("margin")
			continue
		}
		profitPer := sellAt - q.Low - e.tax.SellerTax(sellAt)
		if profitPer < max64(1, th.MinMarginEff) {
			e.reject("profit_per")
			continue
		}
		roi := float64(profitPer) / float64(q.Low)
		if roi < th.MinROIEff || roi > cfg.MaxROI {
			e.reject("roi_range")
			continue
		}
		qty := perSlot / q.Low
		if qty <= 0 {
			e.reject("budget")
			continue
		}
		if meta.Limit > 0 {
			bought, err := e.store.BoughtQtyInWindow(itemID, now-int64(cfg.BuyLimitResetSeconds))
			if err == nil {
				qty = min64(qty, meta.Limit-bought)
			}
			if qty <= 0 {
				e.reject("buy_limit")
				continue
			}
		}
		mins := EstimateMinutesFromDaily(qty, vol)
		if mins > th.MaxBuyMins {
			e.reject("too_slow")
			continue
		}

		expProfit := float64(qty * profitPer)
		denom := math.Max(mins, 0.25)
		score := (expProfit / denom) * 1.7 / math.Sqrt(denom)
		cands = append(cands, candidate{
			itemID:    itemID,
			name:      meta.Name,
			buyPrice:  q.Low,
			qty:       qty,
			profitPer: profitPer,
			expProfit: expProfit,
			mins:      mins,
			score:     score,
		})
	}
	if len(cands) == 0 {
		if cfg.DebugRejections {
			e.logTopRejections()
		}
		return BuildWait("No items pass the buy filters right now"), true
	}

	sort.Slice(cands, func(i, j int) bool { return cands[i].score > cands[j].score })

	if cfg.EnableTrends && e.trends != nil && tfMinutes > 5 {
		e.applyTrends(ctx, cands, tfMinutes)
		sort.Slice(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
	}

	emptySlots := make([]int64, 0, slotsOpen)
	for _, o := range st.Offers {
		if offerIsEmpty(o) {
			emptySlots = append(emptySlots, o.BoxID)
		}
	}

	take := len(cands)
	if take > len(emptySlots) {
		take = len(emptySlots)
	}
	actions := make([]Action, 0, take)
	for i := 0; i < take; i++ {
		c := cands[i]
		actions = append(actions, BuildBuy(emptySlots[i], c.itemID, c.name, c.buyPrice, c.qty,
			c.expProfit, c.mins, ""))
	}
	if len(actions) > 1 {
		e.queue.Push(actions[1:]...)
		logger.Info("ENGINE", fmt.Sprintf("queued %d follow-up buys", len(actions)-1))
	}
	return actions[0], true
}

// applyTrends rescoring: a recent upswing boosts a candidate, a downswing
// penalizes it, and long horizons halve anything clearly falling.
func (e *Engine) applyTrends(ctx context.Context, cands []candidate, tfMinutes int) {
	influence := 2.0
	switch {
	case tfMinutes <= 30:
		influence = 2.0
	case tfMinutes <= 120:
		influence = 3.5
	default:
		influence = 5.0
	}
	top := e.cfg.TrendRecheckTopN
	if top > len(cands) {
		top = len(cands)
	}
	for i := 0; i < top; i++ {
		trend := e.trends.Trend(ctx, cands[i].itemID, tfMinutes)
		clamped := math.Max(-0.05, math.Min(0.05, trend))
		cands[i].score *= 1 + clamped*influence
		if tfMinutes >= 120 && trend < -0.03 {
			cands[i].score *= 0.5
		}
	}
}

// logTopRejections logs the biggest candidate-filter counters when a scan
// comes up empty.
func (e *Engine) logTopRejections() {
	counts := e.RejectionCounts()
	if len(counts) == 0 {
		return
	}
	type rc struct {
		reason string
		n      int64
	}
	top := make([]rc, 0, len(counts))
	for reason, n := range counts {
		top = append(top, rc{reason, n})
	}
	sort.Slice(top, func(i, j int) bool { return top[i].n > top[j].n })
	if len(top) > 3 {
		top = top[:3]
	}
	parts := make([]string, 0, len(top))
	for _, r := range top {
		parts = append(parts, fmt.Sprintf("%s=%d", r.reason, r.n))
	}
	logger.Info("ENGINE", "no buy candidates; top rejections: "+strings.Join(parts, " "))
}

func (e *Engine) abortAllowed(requested map[string]bool, boxID, now int64) bool {
	if !typeAllowed(requested, "abort") {
		return false
	}
	throttled, err := e.store.ShouldThrottleAbort(boxID, now)
	if err != nil {
		logger.Warn("ENGINE", fmt.Sprintf("abort throttle check slot %d: %v", boxID, err))
		return false
	}
	return !throttled
}

func metaName(mapping map[int64]prices.ItemMeta, itemID int64) string {
	if m, ok := mapping[itemID]; ok {
		return m.Name
	}
	return ""
}
