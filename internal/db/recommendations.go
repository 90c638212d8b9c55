package db

import (
	"database/sql"
	"fmt"

	"flip-copilot/internal/engine"
)

// RecordRecommendation persists an issued action. Wait actions and actions
// without a rec ID are not tracked. Duplicate rec IDs are ignored.
func (d *DB) RecordRecommendation(a engine.Action) error {
	if a.RecID == "" || a.Type == "wait" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.sql.Exec(`INSERT OR IGNORE INTO recommendations
		(rec_id, issued_ts, rec_type, box_id, item_id, item_name, price, qty,
		 expected_profit, expected_duration, note, outcome_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'issued')`,
		a.RecID, a.IssuedUnix, a.Type, a.BoxID, a.ItemID, a.Name, a.Price,
		a.Quantity, a.ExpectedProfit, a.ExpectedDuration, a.Note)
	if err != nil {
		return fmt.Errorf("record rec: %w", err)
	}
	return nil
}

// ShouldThrottleAbort reports whether an abort for the slot was issued
// within the cooldown window.
func (d *DB) ShouldThrottleAbort(boxID, now int64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	row := d.sql.QueryRow(`SELECT issued_ts FROM recommendations
		WHERE rec_type='abort' AND box_id=?
		ORDER BY issued_ts DESC LIMIT 1`, boxID)
	var ts int64
	err := row.Scan(&ts)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return now-ts < d.abortCooldown, nil
}

// updateRecommendationOutcomes advances non-terminal buy recommendations:
// zero-fill buys past the timeout fail, realized trades roll up into profit
// metrics, and linked instances supply the buy-phase timestamps.
func (d *DB) updateRecommendationOutcomes(tx *sql.Tx, now int64) error {
	if _, err := tx.Exec(`UPDATE recommendations
		SET outcome_status='failed_no_fill', closed_ts=?
		WHERE rec_type='buy' AND outcome_status IN ('issued','linked')
		  AND buy_first_fill_ts IS NULL AND ?-issued_ts >= ?`,
		now, now, d.buyRecTimeout); err != nil {
		return err
	}

	type recRow struct {
		recID          string
		status         string
		expectedProfit float64
	}
	rows, err := tx.Query(`SELECT rec_id, outcome_status, expected_profit FROM recommendations
		WHERE rec_type='buy' AND outcome_status NOT IN ('completed','failed_no_fill','failed_cancelled')`)
	if err != nil {
		return err
	}
	var recs []recRow
	for rows.Next() {
		var r recRow
		if err := rows.Scan(&r.recID, &r.status, &r.expectedProfit); err != nil {
			rows.Close()
			return err
		}
		recs = append(recs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range recs {
		var boughtQty int64
		if err := tx.QueryRow(`SELECT COALESCE(SUM(qty),0) FROM buy_fills WHERE rec_id=?`, r.recID).
			Scan(&boughtQty); err != nil {
			return err
		}
		if boughtQty <= 0 {
			continue
		}

		var remaining int64
		if err := tx.QueryRow(`SELECT COALESCE(SUM(qty_remaining),0) FROM lots WHERE buy_rec_id=?`, r.recID).
			Scan(&remaining); err != nil {
			return err
		}

		var (
			profit, cost       int64
			firstSell, lastSell sql.NullInt64
		)
		if err := tx.QueryRow(`SELECT COALESCE(SUM(profit),0), COALESCE(SUM(qty*buy_price),0),
				MIN(sell_ts), MAX(sell_ts)
			FROM realized_trades WHERE buy_rec_id=?`, r.recID).
			Scan(&profit, &cost, &firstSell, &lastSell); err != nil {
			return err
		}

		var roi, vsExpected any
		if cost > 0 {
			roi = float64(profit) / float64(cost)
		}
		if r.expectedProfit > 0 {
			vsExpected = float64(profit) / r.expectedProfit
		}
		var sellPhase any
		if firstSell.Valid && lastSell.Valid {
			sellPhase = lastSell.Int64 - firstSell.Int64
		}
		if _, err := tx.Exec(`UPDATE recommendations
			SET realized_profit=?, realized_cost=?, realized_roi=?, realized_vs_expected=?,
			    first_sell_ts=?, last_sell_ts=?, sell_phase_seconds=?
			WHERE rec_id=?`,
			profit, cost, roi, vsExpected, firstSell, lastSell, sellPhase, r.recID); err != nil {
			return err
		}

		if remaining <= 0 && lastSell.Valid {
			if _, err := tx.Exec(`UPDATE recommendations SET outcome_status='completed', closed_ts=? WHERE rec_id=?`,
				lastSell.Int64, r.recID); err != nil {
				return err
			}
		}
	}

	// Fill buy-phase timing from the linked offer instance.
	rows, err = tx.Query(`SELECT r.rec_id, i.first_fill_ts, i.done_ts, i.start_ts, i.last_traded, i.amount_total
		FROM recommendations r JOIN offer_instances i ON i.offer_id = r.linked_offer_id
		WHERE r.rec_type='buy' AND r.linked_offer_id IS NOT NULL AND r.buy_phase_seconds IS NULL
		  AND r.outcome_status NOT IN ('completed','failed_no_fill','failed_cancelled')`)
	if err != nil {
		return err
	}
	type phaseRow struct {
		recID             string
		firstFill, doneTs sql.NullInt64
		startTs           int64
		lastTraded, total int64
	}
	var phases []phaseRow
	for rows.Next() {
		var p phaseRow
		if err := rows.Scan(&p.recID, &p.firstFill, &p.doneTs, &p.startTs, &p.lastTraded, &p.total); err != nil {
			rows.Close()
			return err
		}
		phases = append(phases, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range phases {
		if !p.firstFill.Valid {
			continue
		}
		if _, err := tx.Exec(`UPDATE recommendations SET buy_first_fill_ts=?
			WHERE rec_id=? AND buy_first_fill_ts IS NULL`, p.firstFill.Int64, p.recID); err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE recommendations SET outcome_status='buy_started'
			WHERE rec_id=? AND outcome_status IN ('issued','linked')`, p.recID); err != nil {
			return err
		}
		if p.doneTs.Valid && p.lastTraded >= p.total {
			phase := p.doneTs.Int64 - p.startTs
			if _, err := tx.Exec(`UPDATE recommendations SET buy_done_ts=?, buy_phase_seconds=?
				WHERE rec_id=? AND buy_done_ts IS NULL`, p.doneTs.Int64, phase, p.recID); err != nil {
				return err
			}
			if _, err := tx.Exec(`UPDATE recommendations SET outcome_status='buy_done'
				WHERE rec_id=? AND outcome_status IN ('issued','linked','buy_started')`, p.recID); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecOutcome is the tracked state of one recommendation.
type RecOutcome struct {
	RecID          string
	RecType        string
	OutcomeStatus  string
	LinkedOfferID  sql.NullInt64
	RealizedProfit sql.NullInt64
	RealizedCost   sql.NullInt64
	RealizedROI    sql.NullFloat64
	ClosedTs       sql.NullInt64
}

// Recommendation returns the tracked outcome row for a rec ID.
func (d *DB) Recommendation(recID string) (RecOutcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out RecOutcome
	err := d.sql.QueryRow(`SELECT rec_id, rec_type, outcome_status, linked_offer_id,
			realized_profit, realized_cost, realized_roi, closed_ts
		FROM recommendations WHERE rec_id=?`, recID).
		Scan(&out.RecID, &out.RecType, &out.OutcomeStatus, &out.LinkedOfferID,
			&out.RealizedProfit, &out.RealizedCost, &out.RealizedROI, &out.ClosedTs)
	return out, err
}
