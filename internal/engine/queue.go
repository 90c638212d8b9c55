package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"flip-copilot/internal/logger"
)

// Queue is the durable buy queue. When a scan yields more buy candidates
// than open slots, the surplus is parked here and replayed on later
// snapshots. State is persisted to a JSON file via temp-file-plus-rename so
// a crash never leaves a torn ledger.
type Queue struct {
	path string

	mu    sync.Mutex
	items []Action
}

type queueFile struct {
	BuyQueue []Action `json:"buy_queue"`
}

// LoadQueue reads the queue file at path, tolerating a missing or corrupt
// file by starting empty.
func LoadQueue(path string) *Queue {
	q := &Queue{path: path}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("QUEUE", fmt.Sprintf("read %s: %v", path, err))
		}
		return q
	}
	var f queueFile
	if err := json.Unmarshal(raw, &f); err != nil {
		logger.Warn("QUEUE", fmt.Sprintf("parse %s: %v (starting empty)", path, err))
		return q
	}
	q.items = f.BuyQueue
	if len(q.items) > 0 {
		logger.Info("QUEUE", fmt.Sprintf("restored %d queued buys", len(q.items)))
	}
	return q
}

// Len returns the number of queued actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Push appends actions to the tail and persists.
func (q *Queue) Push(actions ...Action) {
	if len(actions) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, actions...)
	q.persist()
}

// Pop removes and returns the head of the queue.
func (q *Queue) Pop() (Action, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Action{}, false
	}
	head := q.items[0]
	q.items = append([]Action(nil), q.items[1:]...)
	q.persist()
	return head, true
}

// DropItem removes every queued action for the item.
func (q *Queue) DropItem(itemID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	dropped := 0
	for _, a := range q.items {
		if a.ItemID == itemID {
			dropped++
			continue
		}
		kept = append(kept, a)
	}
	if dropped == 0 {
		return
	}
	q.items = kept
	q.persist()
	logger.Info("QUEUE", fmt.Sprintf("dropped %d queued buys for item %d", dropped, itemID))
}

// persist writes the queue atomically. Callers hold q.mu.
func (q *Queue) persist() {
	raw, err := json.MarshalIndent(queueFile{BuyQueue: q.items}, "", "  ")
	if err != nil {
		logger.Error("QUEUE", fmt.Sprintf("marshal: %v", err))
		return
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		logger.Error("QUEUE", fmt.Sprintf("write %s: %v", tmp, err))
		return
	}
	if err := os.Rename(tmp, q.path); err != nil {
		logger.Error("QUEUE", fmt.Sprintf("rename %s: %v", filepath.Base(tmp), err))
	}
}
