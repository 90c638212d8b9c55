package db

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"flip-copilot/internal/logger"
)

func insertLot(tx *sql.Tx, itemID int64, name string, buyPrice, qty, ts, offerID int64, recID *string) error {
	_, err := tx.Exec(`INSERT INTO lots
		(tx_id, item_id, item_name, buy_price, qty_total, qty_remaining, buy_ts, buy_offer_id, buy_rec_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), itemID, name, buyPrice, qty, qty, ts, offerID, recID)
	return err
}

func insertBuyFill(tx *sql.Tx, itemID int64, name string, qty, buyPrice, ts, offerID int64, recID *string) error {
	_, err := tx.Exec(`INSERT INTO buy_fills
		(item_id, item_name, qty, buy_price, fill_ts, offer_id, rec_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		itemID, name, qty, buyPrice, ts, offerID, recID)
	return err
}

type lotRow struct {
	txID      string
	buyPrice  int64
	remaining int64
	buyTs     int64
	buyRecID  sql.NullString
}

// consumeLotsFIFO applies a sell fill against the item's open lots, oldest
// buy first. One realized trade row is appended per lot consumed; lots that
// hit zero are deleted. Selling past the tracked position just stops.
func (d *DB) consumeLotsFIFO(tx *sql.Tx, itemID int64, name string, sellPrice, qty, ts, sellOfferID int64, sellRecID *string) error {
	rows, err := tx.Query(`SELECT tx_id, buy_price, qty_remaining, buy_ts, buy_rec_id
		FROM lots WHERE item_id=? AND qty_remaining > 0 ORDER BY buy_ts ASC`, itemID)
	if err != nil {
		return err
	}
	var lots []lotRow
	for rows.Next() {
		var l lotRow
		if err := rows.Scan(&l.txID, &l.buyPrice, &l.remaining, &l.buyTs, &l.buyRecID); err != nil {
			rows.Close()
			return err
		}
		lots = append(lots, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	taxPer := d.tax.SellerTax(sellPrice)
	remaining := qty
	for _, l := range lots {
		if remaining <= 0 {
			break
		}
		take := min64(l.remaining, remaining)
		profit := take * (sellPrice - l.buyPrice - taxPer)

		if _, err := tx.Exec(`INSERT INTO realized_trades
			(item_id, item_name, qty, buy_price, sell_price, buy_ts, sell_ts, profit,
			 sell_offer_id, sell_rec_id, buy_rec_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			itemID, name, take, l.buyPrice, sellPrice, l.buyTs, ts, profit,
			sellOfferID, sellRecID, nullStr(l.buyRecID)); err != nil {
			return err
		}

		if l.remaining-take <= 0 {
			if _, err := tx.Exec(`DELETE FROM lots WHERE tx_id=?`, l.txID); err != nil {
				return err
			}
		} else {
			if _, err := tx.Exec(`UPDATE lots SET qty_remaining=? WHERE tx_id=?`, l.remaining-take, l.txID); err != nil {
				return err
			}
		}
		remaining -= take
	}
	if remaining > 0 {
		logger.Warn("LEDGER", fmt.Sprintf("sell of %d x item %d exceeds tracked lots by %d", qty, itemID, remaining))
	}
	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// OpenQtyAndAvgCost returns the tracked open quantity for the item and its
// weighted average buy price. avgBuy is 0 when no lots are open.
func (d *DB) OpenQtyAndAvgCost(itemID int64) (qty, avgBuy int64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return openQtyAndAvgCost(d.sql, itemID)
}

func openQtyAndAvgCost(q querier, itemID int64) (qty, avgBuy int64, err error) {
	row := q.QueryRow(`SELECT COALESCE(SUM(qty_remaining),0),
			COALESCE(SUM(qty_remaining*buy_price),0)
		FROM lots WHERE item_id=? AND qty_remaining > 0`, itemID)
	var totalQty, totalCost int64
	if err := row.Scan(&totalQty, &totalCost); err != nil {
		return 0, 0, err
	}
	if totalQty <= 0 {
		return 0, 0, nil
	}
	return totalQty, totalCost / totalQty, nil
}

// LastBuyPrice returns the most recent buy fill price for the item.
func (d *DB) LastBuyPrice(itemID int64) (price int64, ok bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return lastBuyPrice(d.sql, itemID)
}

func lastBuyPrice(q querier, itemID int64) (price int64, ok bool, err error) {
	row := q.QueryRow(`SELECT buy_price FROM buy_fills WHERE item_id=? ORDER BY fill_ts DESC, fill_id DESC LIMIT 1`, itemID)
	err = row.Scan(&price)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return price, true, nil
}

// BoughtQtyInWindow sums buy fills for the item since the cutoff. Used to
// respect the exchange's rolling 4-hour buy limits.
func (d *DB) BoughtQtyInWindow(itemID, sinceTs int64) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	row := d.sql.QueryRow(`SELECT COALESCE(SUM(qty),0) FROM buy_fills WHERE item_id=? AND fill_ts >= ?`, itemID, sinceTs)
	var qty int64
	if err := row.Scan(&qty); err != nil {
		return 0, err
	}
	return qty, nil
}
