package db

import (
	"testing"

	"flip-copilot/internal/engine"
)

func buyRec(recID string, issued, boxID, itemID, price, qty int64, expProfit float64) engine.Action {
	return engine.Action{
		Type:           "buy",
		RecID:          recID,
		IssuedUnix:     issued,
		BoxID:          boxID,
		ItemID:         itemID,
		Price:          price,
		Quantity:       qty,
		Name:           "Yew logs",
		CommandID:      engine.CommandBuy,
		ExpectedProfit: expProfit,
	}
}

func TestRecordRecommendation_Idempotent(t *testing.T) {
	d := openTestDB(t)
	defer d.Close()

	rec := buyRec("rec-aaaa", 1000, 0, 1234, 100, 10, 80)
	if err := d.RecordRecommendation(rec); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := d.RecordRecommendation(rec); err != nil {
		t.Fatalf("record twice: %v", err)
	}
	if n := countRows(t, d, `SELECT COUNT(*) FROM recommendations`); n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}

	// Waits and blank rec IDs are never tracked.
	if err := d.RecordRecommendation(engine.BuildWait("idle")); err != nil {
		t.Fatalf("record wait: %v", err)
	}
	if n := countRows(t, d, `SELECT COUNT(*) FROM recommendations`); n != 1 {
		t.Errorf("rows after wait = %d, want 1", n)
	}
}

func TestRecLinking_AndBuyLifecycle(t *testing.T) {
	d := openTestDB(t)
	defer d.Close()

	if err := d.RecordRecommendation(buyRec("rec-link", 1000, 0, 1234, 100, 10, 80)); err != nil {
		t.Fatalf("record: %v", err)
	}

	// Matching buy offer appears 60s later: rec links.
	syncOffers(t, d, 1060, engine.Offer{BoxID: 0, Status: "buy", Active: true, ItemID: 1234, Price: 100, AmountTotal: 10})
	out, err := d.Recommendation("rec-link")
	if err != nil {
		t.Fatalf("load rec: %v", err)
	}
	if out.OutcomeStatus != "linked" || !out.LinkedOfferID.Valid {
		t.Fatalf("after link: status=%q linked=%v, want linked with offer id", out.OutcomeStatus, out.LinkedOfferID.Valid)
	}

	// Buy fully fills: rec advances to buy_done.
	syncOffers(t, d, 1200, engine.Offer{BoxID: 0, Status: "buy", Active: true, ItemID: 1234, Price: 100, AmountTotal: 10, AmountTraded: 10})
	out, _ = d.Recommendation("rec-link")
	if out.OutcomeStatus != "buy_done" {
		t.Fatalf("after fill: status = %q, want buy_done", out.OutcomeStatus)
	}

	// Everything sells: rec completes with realized metrics.
	syncOffers(t, d, 1300, engine.Offer{BoxID: 0, Status: "empty"})
	syncOffers(t, d, 1400, engine.Offer{BoxID: 0, Status: "sell", Active: true, ItemID: 1234, Price: 110, AmountTotal: 10, AmountTraded: 10})
	out, _ = d.Recommendation("rec-link")
	if out.OutcomeStatus != "completed" {
		t.Fatalf("after sell: status = %q, want completed", out.OutcomeStatus)
	}
	if !out.RealizedProfit.Valid || out.RealizedProfit.Int64 != 80 {
		t.Errorf("realized profit = %+v, want 80", out.RealizedProfit)
	}
	if !out.RealizedCost.Valid || out.RealizedCost.Int64 != 1000 {
		t.Errorf("realized cost = %+v, want 1000", out.RealizedCost)
	}
}

func TestRecTimeout_FailedNoFill(t *testing.T) {
	d := openTestDB(t)
	defer d.Close()

	if err := d.RecordRecommendation(buyRec("rec-slow", 1000, 0, 1234, 100, 10, 80)); err != nil {
		t.Fatalf("record: %v", err)
	}

	// Before the 20-minute timeout: still issued.
	syncOffers(t, d, 1000+19*60)
	out, _ := d.Recommendation("rec-slow")
	if out.OutcomeStatus != "issued" {
		t.Fatalf("before timeout: status = %q, want issued", out.OutcomeStatus)
	}

	// After the timeout with zero fills: failed_no_fill.
	syncOffers(t, d, 1000+21*60)
	out, _ = d.Recommendation("rec-slow")
	if out.OutcomeStatus != "failed_no_fill" {
		t.Fatalf("after timeout: status = %q, want failed_no_fill", out.OutcomeStatus)
	}
}

func TestRecCancelled_WhenSlotClearedWithZeroFills(t *testing.T) {
	d := openTestDB(t)
	defer d.Close()

	if err := d.RecordRecommendation(buyRec("rec-cancel", 1000, 4, 1234, 100, 10, 80)); err != nil {
		t.Fatalf("record: %v", err)
	}
	syncOffers(t, d, 1060, engine.Offer{BoxID: 4, Status: "buy", Active: true, ItemID: 1234, Price: 100, AmountTotal: 10})
	// Client clears the slot before anything fills.
	syncOffers(t, d, 1120, engine.Offer{BoxID: 4, Status: "empty"})

	out, _ := d.Recommendation("rec-cancel")
	if out.OutcomeStatus != "failed_cancelled" {
		t.Fatalf("status = %q, want failed_cancelled", out.OutcomeStatus)
	}
}

func TestShouldThrottleAbort(t *testing.T) {
	d := openTestDB(t)
	defer d.Close()

	throttled, err := d.ShouldThrottleAbort(0, 1000)
	if err != nil || throttled {
		t.Fatalf("no prior abort: throttled=%v err=%v, want false", throttled, err)
	}

	abort := engine.Action{Type: "abort", RecID: "rec-abort", IssuedUnix: 1000, BoxID: 0, ItemID: 1234, CommandID: engine.CommandAbort}
	if err := d.RecordRecommendation(abort); err != nil {
		t.Fatalf("record abort: %v", err)
	}

	if throttled, _ := d.ShouldThrottleAbort(0, 1060); !throttled {
		t.Error("60s after abort: want throttled")
	}
	if throttled, _ := d.ShouldThrottleAbort(0, 1000+121); throttled {
		t.Error("121s after abort: want not throttled")
	}
	// Other slots are unaffected.
	if throttled, _ := d.ShouldThrottleAbort(1, 1060); throttled {
		t.Error("other slot: want not throttled")
	}
}
