package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"flip-copilot/internal/prices"
)

// Flip status ordinals on the wire.
const (
	FlipBuying   = 0
	FlipSelling  = 1
	FlipFinished = 2
)

// StableAccountID maps a display name to a stable 31-bit account ID.
func StableAccountID(displayName string) int64 {
	sum := crc32.ChecksumIEEE([]byte(strings.ToLower(displayName)))
	id := int64(sum & 0x7fffffff)
	if id == 0 {
		id = 1
	}
	return id
}

// ClientTransaction is one exchange transaction reported by the client.
// Quantity is signed: positive for buys, negative for sells.
type ClientTransaction struct {
	ID                   string `json:"id"`
	Time                 int64  `json:"time"`
	ItemID               int64  `json:"item_id"`
	Quantity             int64  `json:"quantity"`
	Price                int64  `json:"price"`
	BoxID                int64  `json:"box_id"`
	AmountSpent          int64  `json:"amount_spent"`
	WasCopilotSuggestion bool   `json:"was_copilot_suggestion"`
	CopilotPriceUsed     bool   `json:"copilot_price_used"`
	Login                bool   `json:"login"`
}

// Flip is one tracked buy-then-sell cycle for a player account.
type Flip struct {
	FlipUUID        string
	DisplayName     string
	AccountID       int64
	ItemID          int64
	OpenedTime      int64
	OpenedQty       int64
	Spent           int64
	ClosedTime      int64
	ClosedQty       int64
	ReceivedPostTax int64
	Profit          int64
	TaxPaid         int64
	StatusOrd       int
	UpdatedTime     int64
	Deleted         int
}

// AckedTransaction is a stored transaction row echoed back to the client.
type AckedTransaction struct {
	TxID        string
	FlipUUID    string
	AccountID   int64
	Time        int64
	ItemID      int64
	Quantity    int64
	Price       int64
	AmountSpent int64
}

// IngestTransactions applies a batch of client transactions to the flip
// ledger and returns the flips that changed. Transactions are applied in
// time order; duplicate tx IDs are silently skipped.
func (d *DB) IngestTransactions(displayName string, txs []ClientTransaction, latest map[int64]prices.Quote) ([]Flip, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sorted := make([]ClientTransaction, len(txs))
	copy(sorted, txs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time < sorted[j].Time })

	tx, err := d.sql.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin ingest: %w", err)
	}
	defer tx.Rollback()

	accountID, err := getOrCreateAccount(tx, displayName)
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	changed := map[string]bool{}
	for _, t := range sorted {
		if t.ID == "" || t.ItemID <= 0 || t.Price <= 0 || t.Quantity == 0 {
			continue
		}
		var exists int
		err := tx.QueryRow(`SELECT 1 FROM pt_transactions WHERE tx_id=?`, t.ID).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return nil, err
		}

		flip, err := openFlipFor(tx, displayName, t.ItemID)
		if err != nil {
			return nil, err
		}
		if flip == nil {
			flip = newFlip(displayName, accountID, t.ItemID, t.Time, now)
		}

		if t.Quantity > 0 {
			d.applyBuy(flip, t)
		} else {
			if err := d.applySell(tx, flip, t, latest); err != nil {
				return nil, err
			}
		}
		if err := upsertFlip(tx, flip); err != nil {
			return nil, err
		}
		if err := insertTransaction(tx, displayName, accountID, flip.FlipUUID, t); err != nil {
			return nil, err
		}
		changed[flip.FlipUUID] = true
	}

	var out []Flip
	for id := range changed {
		f, err := flipByUUID(tx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedTime < out[j].UpdatedTime })

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ingest: %w", err)
	}
	return out, nil
}

// applyBuy folds a buy into the flip. updated_time tracks the transaction
// timestamp, not the ingest time; the client's delta watermarks compare
// against it.
func (d *DB) applyBuy(flip *Flip, t ClientTransaction) {
	flip.OpenedQty += t.Quantity
	flip.Spent += t.Quantity * t.Price
	flip.Profit = flip.ReceivedPostTax - flip.Spent
	if flip.StatusOrd != FlipFinished {
		if flip.ClosedQty == 0 {
			flip.StatusOrd = FlipBuying
		} else {
			flip.StatusOrd = FlipSelling
		}
	}
	flip.UpdatedTime = t.Time
}

// applySell settles a sale against the flip. When the client reports sells
// the server never saw buys for, a cost basis is synthesized: tracked open
// lots, then the last buy fill, then the latest low, the latest high, and
// finally the sell price itself.
func (d *DB) applySell(tx *sql.Tx, flip *Flip, t ClientTransaction, latest map[int64]prices.Quote) error {
	sellQty := -t.Quantity

	need := flip.ClosedQty + sellQty - flip.OpenedQty
	if need > 0 {
		basis, err := costBasis(tx, t.ItemID, t.Price, latest)
		if err != nil {
			return err
		}
		flip.OpenedQty += need
		flip.Spent += need * basis
	}

	postTax := d.tax.GEPostTaxPrice(t.ItemID, t.Price)
	perTax := t.Price - postTax
	flip.ReceivedPostTax += sellQty * postTax
	flip.TaxPaid += sellQty * perTax
	flip.ClosedQty += sellQty
	flip.ClosedTime = t.Time
	flip.Profit = flip.ReceivedPostTax - flip.Spent
	if flip.ClosedQty >= flip.OpenedQty {
		flip.StatusOrd = FlipFinished
	} else {
		flip.StatusOrd = FlipSelling
	}
	flip.UpdatedTime = t.Time
	return nil
}

func costBasis(tx *sql.Tx, itemID, sellPrice int64, latest map[int64]prices.Quote) (int64, error) {
	qty, avg, err := openQtyAndAvgCost(tx, itemID)
	if err != nil {
		return 0, err
	}
	if qty > 0 && avg > 0 {
		return avg, nil
	}
	last, ok, err := lastBuyPrice(tx, itemID)
	if err != nil {
		return 0, err
	}
	if ok && last > 0 {
		return last, nil
	}
	if q, ok := latest[itemID]; ok {
		if q.Low > 0 {
			return q.Low, nil
		}
		if q.High > 0 {
			return q.High, nil
		}
	}
	return sellPrice, nil
}

func getOrCreateAccount(tx *sql.Tx, displayName string) (int64, error) {
	key := strings.ToLower(displayName)
	var id int64
	err := tx.QueryRow(`SELECT account_id FROM pt_accounts WHERE display_name=?`, key).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	id = StableAccountID(displayName)
	if _, err := tx.Exec(`INSERT INTO pt_accounts (display_name, account_id, created_ts) VALUES (?, ?, ?)`,
		key, id, time.Now().Unix()); err != nil {
		return 0, err
	}
	return id, nil
}

func newFlip(displayName string, accountID, itemID, openedTime, now int64) *Flip {
	return &Flip{
		FlipUUID:    uuid.NewString(),
		DisplayName: strings.ToLower(displayName),
		AccountID:   accountID,
		ItemID:      itemID,
		OpenedTime:  openedTime,
		StatusOrd:   FlipBuying,
		UpdatedTime: now,
	}
}

// openFlipFor returns the single open flip for (display_name, item_id),
// or nil when every flip for the pair is finished or deleted.
func openFlipFor(tx *sql.Tx, displayName string, itemID int64) (*Flip, error) {
	row := tx.QueryRow(`SELECT flip_uuid, display_name, account_id, item_id, opened_time, opened_qty,
			spent, closed_time, closed_qty, received_post_tax, profit, tax_paid,
			status_ord, updated_time, deleted
		FROM pt_flips
		WHERE display_name=? AND item_id=? AND deleted=0 AND status_ord != ?
		ORDER BY opened_time DESC LIMIT 1`,
		strings.ToLower(displayName), itemID, FlipFinished)
	f, err := scanFlip(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return f, err
}

func flipByUUID(q querier, flipUUID string) (*Flip, error) {
	row := q.QueryRow(`SELECT flip_uuid, display_name, account_id, item_id, opened_time, opened_qty,
			spent, closed_time, closed_qty, received_post_tax, profit, tax_paid,
			status_ord, updated_time, deleted
		FROM pt_flips WHERE flip_uuid=?`, flipUUID)
	return scanFlip(row)
}

func scanFlip(row *sql.Row) (*Flip, error) {
	var f Flip
	err := row.Scan(&f.FlipUUID, &f.DisplayName, &f.AccountID, &f.ItemID, &f.OpenedTime,
		&f.OpenedQty, &f.Spent, &f.ClosedTime, &f.ClosedQty, &f.ReceivedPostTax,
		&f.Profit, &f.TaxPaid, &f.StatusOrd, &f.UpdatedTime, &f.Deleted)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func upsertFlip(tx *sql.Tx, f *Flip) error {
	_, err := tx.Exec(`INSERT INTO pt_flips
		(flip_uuid, display_name, account_id, item_id, opened_time, opened_qty, spent,
		 closed_time, closed_qty, received_post_tax, profit, tax_paid, status_ord,
		 updated_time, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(flip_uuid) DO UPDATE SET
		 opened_time=excluded.opened_time, opened_qty=excluded.opened_qty,
		 spent=excluded.spent, closed_time=excluded.closed_time,
		 closed_qty=excluded.closed_qty, received_post_tax=excluded.received_post_tax,
		 profit=excluded.profit, tax_paid=excluded.tax_paid,
		 status_ord=excluded.status_ord, updated_time=excluded.updated_time,
		 deleted=excluded.deleted`,
		f.FlipUUID, f.DisplayName, f.AccountID, f.ItemID, f.OpenedTime, f.OpenedQty,
		f.Spent, f.ClosedTime, f.ClosedQty, f.ReceivedPostTax, f.Profit, f.TaxPaid,
		f.StatusOrd, f.UpdatedTime, f.Deleted)
	return err
}

func insertTransaction(tx *sql.Tx, displayName string, accountID int64, flipUUID string, t ClientTransaction) error {
	raw, _ := json.Marshal(t)
	_, err := tx.Exec(`INSERT INTO pt_transactions
		(tx_id, display_name, account_id, flip_uuid, time, item_id, quantity, price,
		 box_id, amount_spent, was_copilot_suggestion, copilot_price_used, login, raw_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, strings.ToLower(displayName), accountID, flipUUID, t.Time, t.ItemID,
		t.Quantity, t.Price, t.BoxID, t.AmountSpent,
		boolInt(t.WasCopilotSuggestion), boolInt(t.CopilotPriceUsed), boolInt(t.Login), string(raw))
	return err
}

// AccountNames returns every known display name and its account ID.
func (d *DB) AccountNames() (map[string]int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.sql.Query(`SELECT display_name, account_id FROM pt_accounts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var name string
		var id int64
		if err := rows.Scan(&name, &id); err != nil {
			return nil, err
		}
		out[name] = id
	}
	return out, rows.Err()
}

// TransactionsForAccount returns up to limit stored transactions for the
// display name with time <= end, newest first.
func (d *DB) TransactionsForAccount(displayName string, end int64, limit int) ([]AckedTransaction, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.sql.Query(`SELECT tx_id, flip_uuid, account_id, time, item_id, quantity, price, amount_spent
		FROM pt_transactions
		WHERE display_name=? AND time <= ?
		ORDER BY time DESC LIMIT ?`,
		strings.ToLower(displayName), end, limit)
	if err != nil {
		return nil, err
	}
	return scanAcked(rows)
}

// AllTransactions returns every stored transaction, oldest first.
func (d *DB) AllTransactions() ([]AckedTransaction, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.sql.Query(`SELECT tx_id, flip_uuid, account_id, time, item_id, quantity, price, amount_spent
		FROM pt_transactions ORDER BY time ASC`)
	if err != nil {
		return nil, err
	}
	return scanAcked(rows)
}

func scanAcked(rows *sql.Rows) ([]AckedTransaction, error) {
	defer rows.Close()
	var out []AckedTransaction
	for rows.Next() {
		var a AckedTransaction
		if err := rows.Scan(&a.TxID, &a.FlipUUID, &a.AccountID, &a.Time, &a.ItemID,
			&a.Quantity, &a.Price, &a.AmountSpent); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// FlipsDelta returns flips whose updated_time is newer than the caller's
// per-account watermark, plus a fresh watermark.
func (d *DB) FlipsDelta(accountLastTime map[int64]int64) (int64, []Flip, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now().Unix()
	var out []Flip
	for accountID, last := range accountLastTime {
		rows, err := d.sql.Query(`SELECT flip_uuid, display_name, account_id, item_id, opened_time, opened_qty,
				spent, closed_time, closed_qty, received_post_tax, profit, tax_paid,
				status_ord, updated_time, deleted
			FROM pt_flips WHERE account_id=? AND updated_time > ?
			ORDER BY updated_time ASC`, accountID, last)
		if err != nil {
			return 0, nil, err
		}
		for rows.Next() {
			var f Flip
			if err := rows.Scan(&f.FlipUUID, &f.DisplayName, &f.AccountID, &f.ItemID, &f.OpenedTime,
				&f.OpenedQty, &f.Spent, &f.ClosedTime, &f.ClosedQty, &f.ReceivedPostTax,
				&f.Profit, &f.TaxPaid, &f.StatusOrd, &f.UpdatedTime, &f.Deleted); err != nil {
				rows.Close()
				return 0, nil, err
			}
			out = append(out, f)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, nil, err
		}
	}
	return now, out, nil
}

// OrphanTransaction detaches a transaction from its flip onto a fresh one
// and re-applies the buy/sell against the new flip. An unknown tx ID yields
// (nil, nil); the caller answers with a zero count.
func (d *DB) OrphanTransaction(txID string, latest map[int64]prices.Quote) (*Flip, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.sql.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var (
		displayName string
		accountID   int64
		raw         sql.NullString
	)
	var t ClientTransaction
	err = tx.QueryRow(`SELECT display_name, account_id, time, item_id, quantity, price, box_id, amount_spent, raw_json
		FROM pt_transactions WHERE tx_id=?`, txID).
		Scan(&displayName, &accountID, &t.Time, &t.ItemID, &t.Quantity, &t.Price, &t.BoxID, &t.AmountSpent, &raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.ID = txID

	now := time.Now().Unix()
	flip := newFlip(displayName, accountID, t.ItemID, t.Time, now)
	if t.Quantity > 0 {
		d.applyBuy(flip, t)
	} else {
		if err := d.applySell(tx, flip, t, latest); err != nil {
			return nil, err
		}
	}
	if err := upsertFlip(tx, flip); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`UPDATE pt_transactions SET flip_uuid=? WHERE tx_id=?`, flip.FlipUUID, txID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return flip, nil
}

// DeleteTransaction removes a stored transaction. Flip history is not
// rebuilt.
func (d *DB) DeleteTransaction(txID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.sql.Exec(`DELETE FROM pt_transactions WHERE tx_id=?`, txID)
	return err
}
