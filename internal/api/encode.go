package api

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"flip-copilot/internal/db"
	"flip-copilot/internal/engine"
)

// wireAction is the short-key msgpack shape the client expects.
type wireAction struct {
	Type             string  `msgpack:"t"`
	BoxID            int64   `msgpack:"b"`
	ItemID           int64   `msgpack:"i"`
	Price            int64   `msgpack:"p"`
	Quantity         int64   `msgpack:"q"`
	Name             string  `msgpack:"n"`
	CommandID        int     `msgpack:"id"`
	Message          string  `msgpack:"m"`
	ExpectedDuration float64 `msgpack:"ed"`
	ExpectedProfit   float64 `msgpack:"ep"`
}

func msgpackMarshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func packAction(a engine.Action) ([]byte, error) {
	return msgpack.Marshal(wireAction{
		Type:             a.Type,
		BoxID:            a.BoxID,
		ItemID:           a.ItemID,
		Price:            a.Price,
		Quantity:         a.Quantity,
		Name:             a.Name,
		CommandID:        a.CommandID,
		Message:          a.Message,
		ExpectedDuration: a.ExpectedDuration,
		ExpectedProfit:   a.ExpectedProfit,
	})
}

// wireItemPrice is the msgpack quote answer for /prices.
type wireItemPrice struct {
	BuyPrice  int64  `msgpack:"bp"`
	SellPrice int64  `msgpack:"sp"`
	Message   string `msgpack:"m"`
}

// wireFlipGraph is the (currently empty) visualize-flip payload.
type wireFlipGraph struct {
	BuyTimes    []int64 `msgpack:"bt"`
	BuyVolumes  []int64 `msgpack:"bv"`
	BuyPrices   []int64 `msgpack:"bp"`
	SellTimes   []int64 `msgpack:"st"`
	SellVolumes []int64 `msgpack:"sv"`
	SellPrices  []int64 `msgpack:"sp"`
}

func emptyFlipGraph() wireFlipGraph {
	return wireFlipGraph{
		BuyTimes: []int64{}, BuyVolumes: []int64{}, BuyPrices: []int64{},
		SellTimes: []int64{}, SellVolumes: []int64{}, SellPrices: []int64{},
	}
}

// uuidBits splits a UUID string into Java-style signed msb/lsb halves.
// Unparseable input yields (0, 0).
func uuidBits(s string) (msb, lsb int64) {
	u, err := uuid.Parse(s)
	if err != nil {
		return 0, 0
	}
	b := [16]byte(u)
	return int64(binary.BigEndian.Uint64(b[0:8])), int64(binary.BigEndian.Uint64(b[8:16]))
}

func clampI32(v int64) int32 {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	if v < math.MinInt32 {
		return math.MinInt32
	}
	return int32(v)
}

// packFlipV2 appends the 84-byte big-endian flip record.
func packFlipV2(buf *bytes.Buffer, f db.Flip) {
	msb, lsb := uuidBits(f.FlipUUID)
	for _, v := range []any{
		msb,
		lsb,
		clampI32(f.AccountID),
		clampI32(f.ItemID),
		clampI32(f.OpenedTime),
		clampI32(f.OpenedQty),
		f.Spent,
		clampI32(f.ClosedTime),
		clampI32(f.ClosedQty),
		f.ReceivedPostTax,
		f.Profit,
		f.TaxPaid,
		int32(f.StatusOrd),
		clampI32(f.UpdatedTime),
		int32(f.Deleted),
	} {
		binary.Write(buf, binary.BigEndian, v)
	}
}

// packAckedTransaction appends the 56-byte big-endian transaction record.
func packAckedTransaction(buf *bytes.Buffer, t db.AckedTransaction) {
	txMsb, txLsb := uuidBits(t.TxID)
	flipMsb, flipLsb := uuidBits(t.FlipUUID)
	for _, v := range []any{
		txMsb,
		txLsb,
		flipMsb,
		flipLsb,
		clampI32(t.AccountID),
		clampI32(t.Time),
		clampI32(t.ItemID),
		clampI32(t.Quantity),
		clampI32(t.Price),
		clampI32(t.AmountSpent),
	} {
		binary.Write(buf, binary.BigEndian, v)
	}
}

func writeI32(buf *bytes.Buffer, v int32) {
	binary.Write(buf, binary.BigEndian, v)
}
