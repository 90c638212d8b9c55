package db

// Summary aggregates the realized ledger for the dashboard.
type Summary struct {
	RealizedProfit int64   `json:"realized_profit"`
	RealizedCost   int64   `json:"realized_cost"`
	RealizedROI    float64 `json:"realized_roi"`
	TradeCount     int64   `json:"trade_count"`
	OpenCost       int64   `json:"open_cost"`
	OpenLots       int64   `json:"open_lots"`
}

// OpenPosition is one item's tracked open inventory.
type OpenPosition struct {
	ItemID   int64  `json:"item_id"`
	Name     string `json:"name"`
	OpenQty  int64  `json:"open_qty"`
	OpenCost int64  `json:"open_cost"`
}

// RealizedRow is one realized trade for the dashboard's recent list.
type RealizedRow struct {
	ItemID    int64  `json:"item_id"`
	Name      string `json:"name"`
	Qty       int64  `json:"qty"`
	BuyPrice  int64  `json:"buy_price"`
	SellPrice int64  `json:"sell_price"`
	SellTs    int64  `json:"sell_ts"`
	Profit    int64  `json:"profit"`
}

// Stats returns the realized totals and open-position cost.
func (d *DB) Stats() (Summary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var s Summary
	err := d.sql.QueryRow(`SELECT COALESCE(SUM(profit),0), COALESCE(SUM(qty*buy_price),0), COUNT(*)
		FROM realized_trades`).
		Scan(&s.RealizedProfit, &s.RealizedCost, &s.TradeCount)
	if err != nil {
		return s, err
	}
	if s.RealizedCost > 0 {
		s.RealizedROI = float64(s.RealizedProfit) / float64(s.RealizedCost)
	}
	err = d.sql.QueryRow(`SELECT COALESCE(SUM(qty_remaining*buy_price),0), COUNT(*)
		FROM lots WHERE qty_remaining > 0`).
		Scan(&s.OpenCost, &s.OpenLots)
	return s, err
}

// OpenPositions lists tracked open inventory grouped by item, costliest
// first.
func (d *DB) OpenPositions(limit int) ([]OpenPosition, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.sql.Query(`SELECT item_id, item_name, SUM(qty_remaining), SUM(qty_remaining*buy_price)
		FROM lots WHERE qty_remaining > 0
		GROUP BY item_id, item_name
		ORDER BY SUM(qty_remaining*buy_price) DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OpenPosition
	for rows.Next() {
		var p OpenPosition
		if err := rows.Scan(&p.ItemID, &p.Name, &p.OpenQty, &p.OpenCost); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecentTrades lists the newest realized trades.
func (d *DB) RecentTrades(limit int) ([]RealizedRow, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.sql.Query(`SELECT item_id, item_name, qty, buy_price, sell_price, sell_ts, profit
		FROM realized_trades ORDER BY sell_ts DESC, trade_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RealizedRow
	for rows.Next() {
		var r RealizedRow
		if err := rows.Scan(&r.ItemID, &r.Name, &r.Qty, &r.BuyPrice, &r.SellPrice, &r.SellTs, &r.Profit); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
