package db

import (
	"database/sql"
	"fmt"
	"strings"

	"flip-copilot/internal/engine"
	"flip-copilot/internal/logger"
	"flip-copilot/internal/prices"
)

// OfferInstance is one contiguous lifetime of an offer at a slot. A new
// instance opens whenever the slot's (status, item, amount_total) changes.
type OfferInstance struct {
	OfferID     int64
	BoxID       int64
	Status      string
	ItemID      int64
	Price       int64
	AmountTotal int64
	StartTs     int64
	FirstFillTs sql.NullInt64
	DoneTs      sql.NullInt64
	LastSeenTs  int64
	LastTraded  int64
	LastTradeTs sql.NullInt64
	Active      bool
	RecID       sql.NullString
}

// SyncOffersAndFills reconciles a status snapshot against the ledger: it
// maintains offer instances per slot, turns traded-amount deltas into buy
// fills and FIFO-consumed lots, and finishes with the recommendation
// outcome pass. Everything runs inside one transaction.
func (d *DB) SyncOffersAndFills(mapping map[int64]prices.ItemMeta, offers []engine.Offer, now int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.sql.Begin()
	if err != nil {
		return fmt.Errorf("begin sync: %w", err)
	}
	defer tx.Rollback()

	for _, o := range offers {
		if err := d.syncOneOffer(tx, mapping, o, now); err != nil {
			// One bad slot must not block the rest of the snapshot.
			logger.Warn("LEDGER", fmt.Sprintf("offer sync slot %d: %v", o.BoxID, err))
		}
	}
	if err := d.updateRecommendationOutcomes(tx, now); err != nil {
		return fmt.Errorf("rec outcomes: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sync: %w", err)
	}
	return nil
}

func (d *DB) syncOneOffer(tx *sql.Tx, mapping map[int64]prices.ItemMeta, o engine.Offer, now int64) error {
	status := strings.ToLower(o.Status)

	if status == "empty" {
		open, err := openInstance(tx, o.BoxID)
		if err != nil {
			return err
		}
		if open != nil {
			if err := closeInstance(tx, open, now); err != nil {
				return err
			}
		}
		return nil
	}
	if status != "buy" && status != "sell" {
		return nil
	}
	// Malformed slots are skipped, not fatal.
	if o.ItemID <= 0 || o.Price <= 0 || o.AmountTotal < 0 || o.AmountTraded < 0 {
		return nil
	}

	open, err := openInstance(tx, o.BoxID)
	if err != nil {
		return err
	}
	if open != nil && (open.Status != status || open.ItemID != o.ItemID || open.AmountTotal != o.AmountTotal) {
		if err := closeInstance(tx, open, now); err != nil {
			return err
		}
		open = nil
	}
	if open == nil {
		open, err = createInstance(tx, o, status, now)
		if err != nil {
			return err
		}
	}

	if !open.RecID.Valid {
		if err := linkRecommendation(tx, open, status, now); err != nil {
			return err
		}
	}

	delta := o.AmountTraded - open.LastTraded
	if delta > 0 {
		name := itemName(mapping, o.ItemID)
		recID := nullStr(open.RecID)
		switch status {
		case "buy":
			if err := insertLot(tx, o.ItemID, name, o.Price, delta, now, open.OfferID, recID); err != nil {
				return err
			}
			if err := insertBuyFill(tx, o.ItemID, name, delta, o.Price, now, open.OfferID, recID); err != nil {
				return err
			}
		case "sell":
			if err := d.consumeLotsFIFO(tx, o.ItemID, name, o.Price, delta, now, open.OfferID, recID); err != nil {
				return err
			}
		}
	}

	firstFill := open.FirstFillTs
	if !firstFill.Valid && o.AmountTraded > 0 {
		firstFill = sql.NullInt64{Int64: now, Valid: true}
	}
	lastTrade := open.LastTradeTs
	if delta > 0 {
		lastTrade = sql.NullInt64{Int64: now, Valid: true}
	}
	done := open.DoneTs
	if !done.Valid && (!o.Active || o.AmountTraded >= o.AmountTotal) {
		done = sql.NullInt64{Int64: now, Valid: true}
	}
	_, err = tx.Exec(`UPDATE offer_instances
		SET price=?, amount_total=?, first_fill_ts=?, last_seen_ts=?,
		    last_traded=?, last_trade_ts=?, active=?, done_ts=?
		WHERE offer_id=?`,
		o.Price, o.AmountTotal, firstFill, now,
		o.AmountTraded, lastTrade, boolInt(o.Active), done, open.OfferID)
	return err
}

// openInstance returns the slot's open instance, or nil when the slot has
// no instance with done_ts unset.
func openInstance(q querier, boxID int64) (*OfferInstance, error) {
	row := q.QueryRow(`SELECT offer_id, box_id, status, item_id, price, amount_total,
			start_ts, first_fill_ts, done_ts, last_seen_ts, last_traded,
			last_trade_ts, active, rec_id
		FROM offer_instances
		WHERE box_id=? AND done_ts IS NULL
		ORDER BY offer_id DESC LIMIT 1`, boxID)

	var inst OfferInstance
	var active int
	err := row.Scan(&inst.OfferID, &inst.BoxID, &inst.Status, &inst.ItemID,
		&inst.Price, &inst.AmountTotal, &inst.StartTs, &inst.FirstFillTs,
		&inst.DoneTs, &inst.LastSeenTs, &inst.LastTraded, &inst.LastTradeTs,
		&active, &inst.RecID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	inst.Active = active != 0
	return &inst, nil
}

// closeInstance marks the instance done. A linked buy that never filled
// means the client cancelled the recommendation.
func closeInstance(tx *sql.Tx, inst *OfferInstance, now int64) error {
	if _, err := tx.Exec(`UPDATE offer_instances SET done_ts=?, active=0, last_seen_ts=? WHERE offer_id=?`,
		now, now, inst.OfferID); err != nil {
		return err
	}
	if inst.Status == "buy" && inst.LastTraded == 0 && inst.RecID.Valid {
		if _, err := tx.Exec(`UPDATE recommendations SET outcome_status='failed_cancelled', closed_ts=?
			WHERE rec_id=? AND outcome_status NOT IN ('completed','failed_no_fill','failed_cancelled')`,
			now, inst.RecID.String); err != nil {
			return err
		}
	}
	return nil
}

func createInstance(tx *sql.Tx, o engine.Offer, status string, now int64) (*OfferInstance, error) {
	var firstFill sql.NullInt64
	if o.AmountTraded > 0 {
		firstFill = sql.NullInt64{Int64: now, Valid: true}
	}
	res, err := tx.Exec(`INSERT INTO offer_instances
		(box_id, status, item_id, price, amount_total, start_ts, first_fill_ts,
		 done_ts, last_seen_ts, last_traded, last_trade_ts, active, rec_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, 0, NULL, ?, NULL)`,
		o.BoxID, status, o.ItemID, o.Price, o.AmountTotal, now, firstFill,
		now, boolInt(o.Active))
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &OfferInstance{
		OfferID:     id,
		BoxID:       o.BoxID,
		Status:      status,
		ItemID:      o.ItemID,
		Price:       o.Price,
		AmountTotal: o.AmountTotal,
		StartTs:     now,
		FirstFillTs: firstFill,
		LastSeenTs:  now,
		Active:      o.Active,
	}, nil
}

// linkRecommendation attaches the most recent unlinked rec (issued within
// the last 15 minutes) matching this slot's type/box/item.
func linkRecommendation(tx *sql.Tx, inst *OfferInstance, status string, now int64) error {
	row := tx.QueryRow(`SELECT rec_id FROM recommendations
		WHERE rec_type=? AND box_id=? AND item_id=? AND outcome_status='issued'
		  AND linked_offer_id IS NULL AND ?-issued_ts <= 900
		ORDER BY issued_ts DESC LIMIT 1`,
		status, inst.BoxID, inst.ItemID, now)

	var recID string
	err := row.Scan(&recID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE recommendations SET linked_offer_id=?, outcome_status='linked' WHERE rec_id=?`,
		inst.OfferID, recID); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE offer_instances SET rec_id=? WHERE offer_id=?`, recID, inst.OfferID); err != nil {
		return err
	}
	inst.RecID = sql.NullString{String: recID, Valid: true}
	return nil
}

// OfferActivity returns the last-activity timestamp for the slot's open
// instance (last trade, falling back to start). ok is false when the slot
// has no open instance.
func (d *DB) OfferActivity(boxID int64) (lastTs int64, ok bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	inst, err := openInstance(d.sql, boxID)
	if err != nil || inst == nil {
		return 0, false, err
	}
	if inst.LastTradeTs.Valid {
		return inst.LastTradeTs.Int64, true, nil
	}
	return inst.StartTs, true, nil
}

// OldestStuckBuy returns the open, still-active buy instance with zero
// fills started before the cutoff, oldest first.
func (d *DB) OldestStuckBuy(beforeTs int64) (boxID, itemID int64, ok bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	row := d.sql.QueryRow(`SELECT box_id, item_id FROM offer_instances
		WHERE status='buy' AND done_ts IS NULL AND active=1 AND last_traded=0 AND start_ts < ?
		ORDER BY start_ts ASC LIMIT 1`, beforeTs)
	err = row.Scan(&boxID, &itemID)
	if err == sql.ErrNoRows {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	return boxID, itemID, true, nil
}

func itemName(mapping map[int64]prices.ItemMeta, itemID int64) string {
	if m, ok := mapping[itemID]; ok && m.Name != "" {
		return m.Name
	}
	return fmt.Sprintf("Item %d", itemID)
}

func nullStr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
