package engine

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"flip-copilot/internal/config"
	"flip-copilot/internal/prices"
)

// fakeStore is an in-memory Store for engine tests.
type fakeStore struct {
	openQty   map[int64][2]int64 // item -> {qty, avgBuy}
	lastBuy   map[int64]int64
	bought    map[int64]int64
	activity  map[int64]int64 // box -> last trade/start ts
	stuckBox  int64
	stuckItem int64
	hasStuck  bool
	throttled map[int64]bool
	recorded  []Action
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		openQty:   map[int64][2]int64{},
		lastBuy:   map[int64]int64{},
		bought:    map[int64]int64{},
		activity:  map[int64]int64{},
		throttled: map[int64]bool{},
	}
}

func (f *fakeStore) SyncOffersAndFills(map[int64]prices.ItemMeta, []Offer, int64) error { return nil }

func (f *fakeStore) OfferActivity(boxID int64) (int64, bool, error) {
	ts, ok := f.activity[boxID]
	return ts, ok, nil
}

func (f *fakeStore) OldestStuckBuy(beforeTs int64) (int64, int64, bool, error) {
	return f.stuckBox, f.stuckItem, f.hasStuck, nil
}

func (f *fakeStore) OpenQtyAndAvgCost(itemID int64) (int64, int64, error) {
	v := f.openQty[itemID]
	return v[0], v[1], nil
}

func (f *fakeStore) LastBuyPrice(itemID int64) (int64, bool, error) {
	p, ok := f.lastBuy[itemID]
	return p, ok, nil
}

func (f *fakeStore) BoughtQtyInWindow(itemID, sinceTs int64) (int64, error) {
	return f.bought[itemID], nil
}

func (f *fakeStore) ShouldThrottleAbort(boxID, now int64) (bool, error) {
	return f.throttled[boxID], nil
}

func (f *fakeStore) RecordRecommendation(a Action) error {
	f.recorded = append(f.recorded, a)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		MaxCashFraction:       0.90,
		BuyBudgetCap:          10_000_000,
		TargetFillMinutes:     5.0,
		MinBuyPrice:           1,
		MinMarginGP:           1,
		MinROI:                0.0005,
		MaxROI:                0.40,
		MinDailyVolume:        10_000,
		MaxDailyVolume:        1_000_000_000,
		BuyLimitResetSeconds:  4 * 60 * 60,
		FastSellTargetMinutes: 2.0,
		StuckBuyAbortSeconds:  20 * 60,
		AbortCooldownSeconds:  120,
		StaleOfferSeconds:     120,
		TrendRecheckTopN:      20,
	}
}

func newTestEngine(t *testing.T, store Store) *Engine {
	t.Helper()
	queue := LoadQueue(filepath.Join(t.TempDir(), "ledger.json"))
	return New(testConfig(), Tax{SellerRate: 0.02, SellerCap: 5_000_000}, store, nil, queue)
}

func emptySlots(n int) []Offer {
	offers := make([]Offer, n)
	for i := range offers {
		offers[i] = Offer{BoxID: int64(i), Status: "empty"}
	}
	return offers
}

func coinsItem(amount int64) InvEntry {
	return InvEntry{ItemID: CoinsItemID, Amount: amount}
}

func TestSuggest_NewBuyCandidate(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store)

	mapping := map[int64]prices.ItemMeta{42: {Name: "Adamant bolts", Limit: 60}}
	latest := map[int64]prices.Quote{42: {Low: 500, High: 520}}
	volumes := map[int64]int64{42: 500_000}
	st := &Status{
		Offers: emptySlots(4),
		Items:  []InvEntry{coinsItem(10_000_000)},
	}

	a := e.Suggest(context.Background(), st, mapping, latest, volumes)
	if a.Type != "buy" {
		t.Fatalf("type = %q (%s), want buy", a.Type, a.Message)
	}
	if a.ItemID != 42 || a.Price != 500 {
		t.Errorf("item/price = %d/%d, want 42/500", a.ItemID, a.Price)
	}
	// per_slot = min(9M, 10M)/4 = 2.25M; 2.25M/500 = 4500, clipped to limit 60.
	if a.Quantity != 60 {
		t.Errorf("quantity = %d, want 60 (buy-limit clip)", a.Quantity)
	}
	// profit_per = 519 - 500 - tax(519)=10 -> 9; expected = 60*9 = 540.
	if a.ExpectedProfit != 540 {
		t.Errorf("expectedProfit = %v, want 540", a.ExpectedProfit)
	}
	if len(store.recorded) != 1 || store.recorded[0].RecID != a.RecID {
		t.Error("buy action not recorded")
	}
}

func TestSuggest_BuyLimitExhausted(t *testing.T) {
	store := newFakeStore()
	store.bought[42] = 60 // window already at the limit
	e := newTestEngine(t, store)

	mapping := map[int64]prices.ItemMeta{42: {Name: "Adamant bolts", Limit: 60}}
	latest := map[int64]prices.Quote{42: {Low: 500, High: 520}}
	volumes := map[int64]int64{42: 500_000}
	st := &Status{Offers: emptySlots(4), Items: []InvEntry{coinsItem(10_000_000)}}

	a := e.Suggest(context.Background(), st, mapping, latest, volumes)
	if a.Type != "wait" {
		t.Fatalf("type = %q, want wait when the only candidate is limit-blocked", a.Type)
	}
	if e.RejectionCounts()["buy_limit"] == 0 {
		t.Error("buy_limit rejection not counted")
	}
}

func TestSuggest_BlockedAndSellOnly(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store)

	mapping := map[int64]prices.ItemMeta{42: {Name: "Adamant bolts"}}
	latest := map[int64]prices.Quote{42: {Low: 500, High: 520}}
	volumes := map[int64]int64{42: 500_000}

	st := &Status{
		Offers:       emptySlots(4),
		Items:        []InvEntry{coinsItem(10_000_000)},
		BlockedItems: []int64{42},
	}
	if a := e.Suggest(context.Background(), st, mapping, latest, volumes); a.Type != "wait" {
		t.Errorf("blocked item: type = %q, want wait", a.Type)
	}

	st = &Status{
		Offers:   emptySlots(4),
		Items:    []InvEntry{coinsItem(10_000_000)},
		SellOnly: true,
	}
	if a := e.Suggest(context.Background(), st, mapping, latest, volumes); a.Type != "wait" {
		t.Errorf("sell_only: type = %q, want wait", a.Type)
	}
}

func TestSuggest_NoCashWaits(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store)

	st := &Status{Offers: emptySlots(4)}
	a := e.Suggest(context.Background(), st, nil, nil, nil)
	if a.Type != "wait" {
		t.Errorf("type = %q, want wait with no coins", a.Type)
	}
}

func TestSuggest_SellTrackedInventory(t *testing.T) {
	store := newFakeStore()
	store.openQty[77] = [2]int64{10, 100}
	e := newTestEngine(t, store)

	mapping := map[int64]prices.ItemMeta{77: {Name: "Rune arrow"}}
	latest := map[int64]prices.Quote{77: {Low: 110, High: 130}}
	volumes := map[int64]int64{77: 200_000}
	st := &Status{
		Offers: emptySlots(4),
		Items:  []InvEntry{{ItemID: 77, Amount: 10}},
	}

	a := e.Suggest(context.Background(), st, mapping, latest, volumes)
	if a.Type != "sell" {
		t.Fatalf("type = %q (%s), want sell", a.Type, a.Message)
	}
	// sell at high-1 = 129; profit_per = 129 - 100 - tax(129)=2 -> 27.
	if a.Price != 129 || a.Quantity != 10 {
		t.Errorf("price/qty = %d/%d, want 129/10", a.Price, a.Quantity)
	}
	if a.ExpectedProfit != 270 {
		t.Errorf("expectedProfit = %v, want 270", a.ExpectedProfit)
	}
}

func TestSuggest_FastSellUntrackedInventory(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store)

	mapping := map[int64]prices.ItemMeta{77: {Name: "Rune arrow"}}
	latest := map[int64]prices.Quote{77: {Low: 110, High: 130}}
	// 10 units at 200k/day moves in well under 2 minutes.
	volumes := map[int64]int64{77: 200_000}
	st := &Status{
		Offers: emptySlots(4),
		Items:  []InvEntry{{ItemID: 77, Amount: 10}},
	}

	a := e.Suggest(context.Background(), st, mapping, latest, volumes)
	if a.Type != "sell" || a.Price != 110 {
		t.Errorf("type/price = %q/%d, want sell at latest low 110", a.Type, a.Price)
	}
}

func TestSuggest_StaleSellReprices(t *testing.T) {
	store := newFakeStore()
	store.openQty[77] = [2]int64{10, 100}
	now := time.Now().Unix()
	store.activity[0] = now - 600 // stale beyond 120s window

	e := newTestEngine(t, store)
	mapping := map[int64]prices.ItemMeta{77: {Name: "Rune arrow"}}
	latest := map[int64]prices.Quote{77: {Low: 120, High: 145}}
	st := &Status{
		Offers: []Offer{
			{BoxID: 0, Status: "sell", Active: true, ItemID: 77, Price: 150, AmountTotal: 10, AmountTraded: 0},
			{BoxID: 1, Status: "empty"},
		},
	}

	a := e.Suggest(context.Background(), st, mapping, latest, map[int64]int64{77: 200_000})
	if a.Type != "sell" {
		t.Fatalf("type = %q (%s), want sell reprice", a.Type, a.Message)
	}
	// desired = max(latest.low 120, min_profitable(100)=103) = 120 < 150.
	if a.Price != 120 || a.BoxID != 0 || a.Quantity != 10 {
		t.Errorf("price/box/qty = %d/%d/%d, want 120/0/10", a.Price, a.BoxID, a.Quantity)
	}
}

func TestSuggest_StaleBuyAborts(t *testing.T) {
	store := newFakeStore()
	now := time.Now().Unix()
	store.activity[2] = now - 600

	e := newTestEngine(t, store)
	st := &Status{
		Offers: []Offer{
			{BoxID: 2, Status: "buy", Active: true, ItemID: 77, Price: 100, AmountTotal: 10},
			{BoxID: 3, Status: "empty"},
		},
	}

	a := e.Suggest(context.Background(), st, map[int64]prices.ItemMeta{}, nil, nil)
	if a.Type != "abort" || a.BoxID != 2 {
		t.Fatalf("type/box = %q/%d (%s), want abort of slot 2", a.Type, a.BoxID, a.Message)
	}

	// Throttled slot produces no abort.
	store.throttled[2] = true
	store.recorded = nil
	a = e.Suggest(context.Background(), st, map[int64]prices.ItemMeta{}, nil, nil)
	if a.Type == "abort" {
		t.Error("abort emitted despite throttle")
	}
}

func TestSuggest_CrashGuard(t *testing.T) {
	store := newFakeStore()
	store.openQty[77] = [2]int64{10, 100}
	now := time.Now().Unix()
	store.activity[0] = now - 600

	e := newTestEngine(t, store)
	mapping := map[int64]prices.ItemMeta{77: {Name: "Rune arrow"}}
	// Low above the asking price keeps the stale-sell reprice quiet; the
	// crash-guard still sees the 200 vs 150 gap.
	latest := map[int64]prices.Quote{77: {Low: 250, High: 150}}

	// Inventory full with no coins: the stale path cannot abort safely.
	items := make([]InvEntry, InvSlots)
	for i := range items {
		items[i] = InvEntry{ItemID: int64(1000 + i), Amount: 1}
	}
	st := &Status{
		Offers: []Offer{
			{BoxID: 0, Status: "sell", Active: true, ItemID: 77, Price: 200, AmountTotal: 10},
			{BoxID: 1, Status: "empty"},
		},
		Items: items,
	}

	a := e.Suggest(context.Background(), st, mapping, latest, nil)
	if a.Type != "abort" {
		t.Fatalf("type = %q (%s), want crash-guard abort", a.Type, a.Message)
	}
	if !strings.Contains(a.Note, "crash-guard") {
		t.Errorf("note = %q, want crash-guard reason", a.Note)
	}
}

func TestSuggest_ClearExchangeWhenFull(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store)

	offers := make([]Offer, GESlots)
	for i := range offers {
		offers[i] = Offer{BoxID: int64(i), Status: "buy", Active: true, ItemID: int64(100 + i), Price: 10, AmountTotal: 5}
	}
	// Slot 3 finished: inactive but not yet collected.
	offers[3].Active = false
	offers[3].AmountTraded = 5

	st := &Status{Offers: offers, Items: []InvEntry{coinsItem(1000)}}
	a := e.Suggest(context.Background(), st, map[int64]prices.ItemMeta{}, nil, nil)
	if a.Type != "abort" || a.BoxID != 3 {
		t.Fatalf("type/box = %q/%d (%s), want abort of finished slot 3", a.Type, a.BoxID, a.Message)
	}
}

func TestSuggest_AllSlotsBusyWaits(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store)

	offers := make([]Offer, GESlots)
	for i := range offers {
		offers[i] = Offer{BoxID: int64(i), Status: "buy", Active: true, ItemID: int64(100 + i), Price: 10, AmountTotal: 5}
	}
	st := &Status{Offers: offers, Items: []InvEntry{coinsItem(1000)}}
	a := e.Suggest(context.Background(), st, map[int64]prices.ItemMeta{}, nil, nil)
	if a.Type != "wait" {
		t.Errorf("type = %q, want wait with all slots busy", a.Type)
	}
}

func TestSuggest_QueuedBuyReplaysFirst(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store)
	e.queue.Push(BuildBuy(7, 555, "Magic logs", 1000, 20, 400, 1.0, ""))

	st := &Status{
		Offers: []Offer{{BoxID: 2, Status: "empty"}},
		Items:  []InvEntry{coinsItem(1_000_000)},
	}
	a := e.Suggest(context.Background(), st, map[int64]prices.ItemMeta{}, nil, nil)
	if a.Type != "buy" || a.ItemID != 555 {
		t.Fatalf("type/item = %q/%d, want queued buy of 555", a.Type, a.ItemID)
	}
	// Rebound to the actually-open slot.
	if a.BoxID != 2 {
		t.Errorf("box = %d, want 2", a.BoxID)
	}
}

func fullInventory(n int) []InvEntry {
	items := make([]InvEntry, n)
	for i := range items {
		items[i] = InvEntry{ItemID: int64(1000 + i), Amount: 1}
	}
	return items
}

func TestSuggest_SkipSuggestionBlocksCandidate(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store)

	mapping := map[int64]prices.ItemMeta{42: {Name: "Adamant bolts", Limit: 60}}
	latest := map[int64]prices.Quote{42: {Low: 500, High: 520}}
	volumes := map[int64]int64{42: 500_000}

	skip := int64(42)
	st := &Status{
		Offers:         emptySlots(4),
		Items:          []InvEntry{coinsItem(10_000_000)},
		SkipSuggestion: &skip,
	}
	a := e.Suggest(context.Background(), st, mapping, latest, volumes)
	if a.Type != "wait" {
		t.Fatalf("type = %q (%s), want wait when the only candidate is skipped", a.Type, a.Message)
	}
	if e.RejectionCounts()["blocked"] == 0 {
		t.Error("skipped item not counted as blocked")
	}
}

func TestSuggest_StaleSellAbortNeedsItemRoom(t *testing.T) {
	store := newFakeStore()
	now := time.Now().Unix()
	store.activity[0] = now - 600

	e := newTestEngine(t, store)
	offers := []Offer{
		{BoxID: 0, Status: "sell", Active: true, ItemID: 77, Price: 150, AmountTotal: 10},
		{BoxID: 1, Status: "empty"},
	}

	// Inventory full, item absent, no coins: the returned stack has nowhere
	// to go, so no abort.
	st := &Status{Offers: offers, Items: fullInventory(InvSlots)}
	a := e.Suggest(context.Background(), st, map[int64]prices.ItemMeta{}, nil, nil)
	if a.Type == "abort" {
		t.Fatalf("abort emitted with no room for the item (%s)", a.Note)
	}

	// Same full inventory but holding a stack of the item: safe to abort.
	items := fullInventory(InvSlots - 1)
	items = append(items, InvEntry{ItemID: 77, Amount: 3})
	st = &Status{Offers: offers, Items: items}
	a = e.Suggest(context.Background(), st, map[int64]prices.ItemMeta{}, nil, nil)
	if a.Type != "abort" || a.BoxID != 0 {
		t.Fatalf("type/box = %q/%d (%s), want stale-sell abort of slot 0", a.Type, a.BoxID, a.Message)
	}
	if !strings.Contains(a.Note, "stale sell") {
		t.Errorf("note = %q, want stale-sell reason", a.Note)
	}
}

func TestSuggest_CrashGuardMarketBasis(t *testing.T) {
	store := newFakeStore()
	now := time.Now().Unix()
	store.activity[0] = now - 600

	e := newTestEngine(t, store)
	mapping := map[int64]prices.ItemMeta{77: {Name: "Rune arrow"}}
	offers := []Offer{
		{BoxID: 0, Status: "sell", Active: true, ItemID: 77, Price: 200, AmountTotal: 10},
		{BoxID: 1, Status: "empty"},
	}
	// Full inventory without the item keeps the stale-sell abort quiet.
	st := &Status{Offers: offers, Items: fullInventory(InvSlots)}

	// Untracked position: the basis is the market low. At low=195 the cut
	// to 198 nets 198-195-3 = 0, not worth relisting.
	latest := map[int64]prices.Quote{77: {Low: 195, High: 150}}
	a := e.Suggest(context.Background(), st, mapping, latest, nil)
	if strings.Contains(a.Note, "crash-guard") {
		t.Fatalf("crash-guard fired on an unprofitable relist: %s", a.Note)
	}

	// At low=190 the same cut nets 5/unit and the guard fires.
	latest = map[int64]prices.Quote{77: {Low: 190, High: 150}}
	a = e.Suggest(context.Background(), st, mapping, latest, nil)
	if a.Type != "abort" || !strings.Contains(a.Note, "crash-guard") {
		t.Fatalf("type/note = %q/%q, want crash-guard abort", a.Type, a.Note)
	}

	// A fully traded sell has nothing left to relist.
	offers[0].AmountTraded = 10
	st = &Status{Offers: offers, Items: fullInventory(InvSlots)}
	a = e.Suggest(context.Background(), st, mapping, latest, nil)
	if strings.Contains(a.Note, "crash-guard") {
		t.Errorf("crash-guard fired with zero remaining: %s", a.Note)
	}
}

func TestSuggest_QueuedBuyReplaysWhenSellOnly(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store)
	e.queue.Push(BuildBuy(7, 555, "Magic logs", 1000, 20, 400, 1.0, ""))

	st := &Status{
		Offers:   []Offer{{BoxID: 2, Status: "empty"}},
		Items:    []InvEntry{coinsItem(1_000_000)},
		SellOnly: true,
	}
	a := e.Suggest(context.Background(), st, map[int64]prices.ItemMeta{}, nil, nil)
	if a.Type != "buy" || a.ItemID != 555 {
		t.Fatalf("type/item = %q/%d (%s), want queued buy despite sell_only", a.Type, a.ItemID, a.Message)
	}
	if e.queue.Len() != 0 {
		t.Errorf("queue len = %d, want 0 after replay", e.queue.Len())
	}
}

func TestSuggest_FastSellExemptUsesPostTax(t *testing.T) {
	store := newFakeStore()
	store.lastBuy[8013] = 100
	e := newTestEngine(t, store)

	mapping := map[int64]prices.ItemMeta{8013: {Name: "Teleport to house"}}
	latest := map[int64]prices.Quote{8013: {Low: 110, High: 130}}
	volumes := map[int64]int64{8013: 200_000}
	st := &Status{
		Offers: emptySlots(4),
		Items:  []InvEntry{{ItemID: 8013, Amount: 10}},
	}

	a := e.Suggest(context.Background(), st, mapping, latest, volumes)
	if a.Type != "sell" || a.Price != 110 {
		t.Fatalf("type/price = %q/%d, want fast-sell at 110", a.Type, a.Price)
	}
	// Tax-exempt dump settles at face value: 10 * (110 - 100) = 100.
	if a.ExpectedProfit != 100 {
		t.Errorf("expectedProfit = %v, want 100", a.ExpectedProfit)
	}
}

func TestSuggest_GatedDoneOfferWaitsOverStuckBuy(t *testing.T) {
	store := newFakeStore()
	store.hasStuck = true
	store.stuckBox = 5
	store.stuckItem = 300
	e := newTestEngine(t, store)

	offers := make([]Offer, GESlots)
	for i := range offers {
		offers[i] = Offer{BoxID: int64(i), Status: "buy", Active: true, ItemID: int64(100 + i), Price: 10, AmountTotal: 5}
	}
	// Slot 3 is a finished sell, but with a full itemless inventory and no
	// coins there is no safe way to collect it.
	offers[3] = Offer{BoxID: 3, Status: "sell", Active: false, ItemID: 200, Price: 50, AmountTotal: 5, AmountTraded: 5}

	st := &Status{Offers: offers, Items: fullInventory(InvSlots)}
	a := e.Suggest(context.Background(), st, map[int64]prices.ItemMeta{}, nil, nil)
	if a.Type != "wait" {
		t.Fatalf("type = %q (%s), want wait while the done offer is uncollectable", a.Type, a.Message)
	}

	// With a coin stack the collect goes through first.
	st = &Status{Offers: offers, Items: append(fullInventory(InvSlots-1), coinsItem(500))}
	a = e.Suggest(context.Background(), st, map[int64]prices.ItemMeta{}, nil, nil)
	if a.Type != "abort" || a.BoxID != 3 {
		t.Fatalf("type/box = %q/%d, want collect-abort of slot 3", a.Type, a.BoxID)
	}
}

func TestSuggest_SkipSuggestionDropsQueued(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store)
	e.queue.Push(BuildBuy(7, 555, "Magic logs", 1000, 20, 400, 1.0, ""))

	skip := int64(555)
	st := &Status{
		Offers:         []Offer{{BoxID: 0, Status: "empty"}},
		Items:          []InvEntry{coinsItem(1_000_000)},
		SkipSuggestion: &skip,
	}
	a := e.Suggest(context.Background(), st, map[int64]prices.ItemMeta{}, nil, nil)
	if a.Type == "buy" && a.ItemID == 555 {
		t.Error("skipped item came back from the queue")
	}
	if e.queue.Len() != 0 {
		t.Errorf("queue len = %d, want 0 after skip", e.queue.Len())
	}
}
