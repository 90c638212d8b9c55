package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Command IDs the client understands.
const (
	CommandWait  = 0
	CommandBuy   = 1
	CommandSell  = 2
	CommandAbort = 3
)

// Action is the single suggestion returned for a status snapshot.
type Action struct {
	Type             string  `json:"type"`
	RecID            string  `json:"rec_id,omitempty"`
	IssuedUnix       int64   `json:"issued_unix,omitempty"`
	BoxID            int64   `json:"box_id"`
	ItemID           int64   `json:"item_id"`
	Price            int64   `json:"price"`
	Quantity         int64   `json:"quantity"`
	Name             string  `json:"name"`
	CommandID        int     `json:"command_id"`
	Message          string  `json:"message"`
	ExpectedProfit   float64 `json:"expectedProfit"`
	ExpectedDuration float64 `json:"expectedDuration"`
	Note             string  `json:"note,omitempty"`
}

// newRecID returns a 32-char hex recommendation ID.
func newRecID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// BuildWait returns a wait action carrying a reason message.
func BuildWait(msg string) Action {
	return Action{
		Type:      "wait",
		BoxID:     0,
		ItemID:    -1,
		CommandID: CommandWait,
		Message:   msg,
	}
}

// BuildBuy returns a buy action with a fresh rec ID.
func BuildBuy(boxID, itemID int64, name string, price, qty int64, expProfit, expMinutes float64, note string) Action {
	msg := fmt.Sprintf("Buy %d %s @ %d", qty, name, price)
	if note != "" {
		msg += " - " + note
	}
	return Action{
		Type:             "buy",
		RecID:            newRecID(),
		IssuedUnix:       time.Now().Unix(),
		BoxID:            boxID,
		ItemID:           itemID,
		Price:            price,
		Quantity:         qty,
		Name:             name,
		CommandID:        CommandBuy,
		Message:          msg,
		ExpectedProfit:   expProfit,
		ExpectedDuration: expMinutes,
		Note:             note,
	}
}

// BuildSell returns a sell action with a fresh rec ID.
func BuildSell(boxID, itemID int64, name string, price, qty int64, expProfit, expMinutes float64, note string) Action {
	msg := fmt.Sprintf("Sell %d %s @ %d", qty, name, price)
	if note != "" {
		msg += " - " + note
	}
	return Action{
		Type:             "sell",
		RecID:            newRecID(),
		IssuedUnix:       time.Now().Unix(),
		BoxID:            boxID,
		ItemID:           itemID,
		Price:            price,
		Quantity:         qty,
		Name:             name,
		CommandID:        CommandSell,
		Message:          msg,
		ExpectedProfit:   expProfit,
		ExpectedDuration: expMinutes,
		Note:             note,
	}
}

// BuildAbort returns an abort action for a slot. The client has no direct
// reprice action, so crash-guard and stale-sell handling use aborts with an
// explanatory note.
func BuildAbort(boxID, itemID int64, name, reason string) Action {
	return Action{
		Type:       "abort",
		RecID:      newRecID(),
		IssuedUnix: time.Now().Unix(),
		BoxID:      boxID,
		ItemID:     itemID,
		Name:       name,
		CommandID:  CommandAbort,
		Message:    fmt.Sprintf("ABORT slot %d: %s", boxID, reason),
		Note:       reason,
	}
}
