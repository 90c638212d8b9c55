package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"flip-copilot/internal/config"
	"flip-copilot/internal/db"
	"flip-copilot/internal/engine"
	"flip-copilot/internal/logger"
	"flip-copilot/internal/prices"
)

const msgpackContentType = "application/x-msgpack"

// Server is the HTTP server that connects the price cache, suggestion
// engine, and ledger database.
type Server struct {
	cfg    *config.Config
	db     *db.DB
	cache  *prices.Cache
	engine *engine.Engine

	// Last status snapshot and the action it produced, for /stats.
	statusMu     sync.Mutex
	lastStatus   *engine.Status
	lastStatusTs int64
	lastAction   engine.Action
}

// NewServer creates a Server with the given config, caches, engine, and
// database.
func NewServer(cfg *config.Config, database *db.DB, cache *prices.Cache, eng *engine.Engine) *Server {
	return &Server{
		cfg:    cfg,
		db:     database,
		cache:  cache,
		engine: eng,
	}
}

// Handler returns the HTTP handler with all routes and request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /suggestion", s.handleSuggestion)
	mux.HandleFunc("GET /prices", s.handlePrices)
	mux.HandleFunc("POST /prices", s.handlePrices)
	mux.HandleFunc("GET /profit-tracking/rs-account-names", s.handleAccountNames)
	mux.HandleFunc("POST /profit-tracking/account-client-transactions", s.handleAccountTransactions)
	mux.HandleFunc("POST /profit-tracking/client-transactions", s.handleClientTransactionsPost)
	mux.HandleFunc("GET /profit-tracking/client-transactions", s.handleClientTransactionsGet)
	mux.HandleFunc("POST /profit-tracking/client-flips-delta", s.handleFlipsDelta)
	mux.HandleFunc("POST /profit-tracking/orphan-transaction", s.handleOrphanTransaction)
	mux.HandleFunc("POST /profit-tracking/delete-transaction", s.handleDeleteTransaction)
	mux.HandleFunc("POST /profit-tracking/visualize-flip", s.handleVisualizeFlip)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	return requestLogMiddleware(mux)
}

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
		w.Header().Set("X-Request-ID", reqID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		logger.Info("HTTP", fmt.Sprintf("[%s] %s %s %d (%s)",
			reqID, r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond)))
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeBinary(w http.ResponseWriter, buf *bytes.Buffer) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Write(buf.Bytes())
}

// handleSuggestion reconciles the posted status snapshot and answers with
// the single best action. Panics in the decision path degrade to a wait so
// the client never sees a 500 mid-session.
func (s *Server) handleSuggestion(w http.ResponseWriter, r *http.Request) {
	reqID := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]

	var st engine.Status
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		writeError(w, http.StatusBadRequest, "invalid status payload: "+err.Error())
		return
	}

	var action engine.Action
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("HTTP", fmt.Sprintf("[%s] suggestion panic: %v", reqID, rec))
				action = engine.BuildWait("Temporary server issue - check log (req " + reqID + ")")
			}
		}()
		mapping, latest, volumes, _ := s.cache.Snapshot()
		action = s.engine.Suggest(r.Context(), &st, mapping, latest, volumes)
	}()

	s.statusMu.Lock()
	s.lastStatus = &st
	s.lastStatusTs = time.Now().Unix()
	s.lastAction = action
	s.statusMu.Unlock()

	if action.Type != "wait" {
		logger.Success("SUGGEST", fmt.Sprintf("[%s] %s", reqID, action.Message))
	}

	if strings.Contains(r.Header.Get("Accept"), msgpackContentType) {
		raw, err := packAction(action)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "encode action: "+err.Error())
			return
		}
		w.Header().Set("Content-Type", msgpackContentType)
		w.Header().Set("X-SUGGESTION-CONTENT-LENGTH", strconv.Itoa(len(raw)))
		w.Header().Set("X-GRAPH-DATA-CONTENT-LENGTH", "0")
		w.Write(raw)
		return
	}
	writeJSON(w, action)
}

// handlePrices answers a single-item quote as msgpack, via query param or
// JSON body.
func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	var itemID int64
	if v := r.URL.Query().Get("item_id"); v != "" {
		itemID, _ = strconv.ParseInt(v, 10, 64)
	} else if r.Method == http.MethodPost {
		var body struct {
			ItemID int64 `json:"item_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			itemID = body.ItemID
		}
	}

	_, latest, _, _ := s.cache.Snapshot()
	answer := wireItemPrice{Message: ""}
	if q, ok := latest[itemID]; ok && (q.Low > 0 || q.High > 0) {
		// Each side falls back to the other when one is missing.
		buy, sell := q.Low, q.High
		if buy <= 0 {
			buy = q.High
		}
		if sell <= 0 {
			sell = q.Low
		}
		answer.BuyPrice = buy
		answer.SellPrice = sell
	} else {
		answer.Message = "No price data"
	}

	raw, err := msgpackMarshal(answer)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode price: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", msgpackContentType)
	w.Write(raw)
}

func (s *Server) handleAccountNames(w http.ResponseWriter, r *http.Request) {
	names, err := s.db.AccountNames()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, names)
}

// handleAccountTransactions returns stored transactions for one display
// name as a count-prefixed binary record stream.
func (s *Server) handleAccountTransactions(w http.ResponseWriter, r *http.Request) {
	displayName := r.URL.Query().Get("display_name")
	if displayName == "" {
		writeError(w, http.StatusBadRequest, "display_name required")
		return
	}
	var body struct {
		Limit int   `json:"limit"`
		End   int64 `json:"end"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	limit := body.Limit
	if limit <= 0 {
		limit = 30
	}
	if limit > 200 {
		limit = 200
	}
	end := body.End
	if end <= 0 {
		end = time.Now().Unix()
	}

	txs, err := s.db.TransactionsForAccount(displayName, end, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var buf bytes.Buffer
	writeI32(&buf, int32(len(txs)))
	for _, t := range txs {
		packAckedTransaction(&buf, t)
	}
	writeBinary(w, &buf)
}

// handleClientTransactionsPost ingests a transaction batch and answers with
// the flips it changed.
func (s *Server) handleClientTransactionsPost(w http.ResponseWriter, r *http.Request) {
	displayName := r.URL.Query().Get("display_name")
	if displayName == "" {
		writeError(w, http.StatusBadRequest, "display_name required")
		return
	}
	var txs []db.ClientTransaction
	if err := json.NewDecoder(r.Body).Decode(&txs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid transactions payload: "+err.Error())
		return
	}

	_, latest, _, _ := s.cache.Snapshot()
	changed, err := s.db.IngestTransactions(displayName, txs, latest)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("PROFIT", fmt.Sprintf("ingested %d txs for %s (%d flips changed)", len(txs), displayName, len(changed)))

	var buf bytes.Buffer
	writeI32(&buf, int32(len(changed)))
	for _, f := range changed {
		packFlipV2(&buf, f)
	}
	w.Header().Set("X-USER-ID", "0")
	writeBinary(w, &buf)
}

// handleClientTransactionsGet dumps every stored transaction with a
// leading and trailing count.
func (s *Server) handleClientTransactionsGet(w http.ResponseWriter, r *http.Request) {
	txs, err := s.db.AllTransactions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var buf bytes.Buffer
	writeI32(&buf, int32(len(txs)))
	for _, t := range txs {
		packAckedTransaction(&buf, t)
	}
	writeI32(&buf, int32(len(txs)))
	writeBinary(w, &buf)
}

// handleFlipsDelta returns flips updated since the caller's per-account
// watermarks.
func (s *Server) handleFlipsDelta(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AccountIDTime map[string]int64 `json:"account_id_time"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	watermarks := map[int64]int64{}
	for k, v := range body.AccountIDTime {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		watermarks[id] = v
	}

	newTime, flips, err := s.db.FlipsDelta(watermarks)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var buf bytes.Buffer
	writeI32(&buf, clampI32(newTime))
	writeI32(&buf, int32(len(flips)))
	for _, f := range flips {
		packFlipV2(&buf, f)
	}
	writeBinary(w, &buf)
}

func (s *Server) handleOrphanTransaction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TransactionID == "" {
		writeError(w, http.StatusBadRequest, "transaction_id required")
		return
	}

	_, latest, _, _ := s.cache.Snapshot()
	flip, err := s.db.OrphanTransaction(body.TransactionID, latest)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var buf bytes.Buffer
	if flip == nil {
		// Unknown transaction: the client just gets an empty result set.
		writeI32(&buf, 0)
		writeBinary(w, &buf)
		return
	}
	writeI32(&buf, 1)
	packFlipV2(&buf, *flip)
	writeBinary(w, &buf)
}

func (s *Server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TransactionID == "" {
		writeError(w, http.StatusBadRequest, "transaction_id required")
		return
	}
	if err := s.db.DeleteTransaction(body.TransactionID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var buf bytes.Buffer
	writeI32(&buf, 0)
	writeBinary(w, &buf)
}

// handleVisualizeFlip keeps the endpoint shape the client expects; graph
// data is not populated yet.
func (s *Server) handleVisualizeFlip(w http.ResponseWriter, r *http.Request) {
	raw, err := msgpackMarshal(emptyFlipGraph())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", msgpackContentType)
	w.Write(raw)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.db.Stats(); err != nil {
		dbOK = false
	}
	logOK := true
	if _, err := os.Stat(s.cfg.LogPath); err != nil && !os.IsNotExist(err) {
		logOK = false
	}
	writeJSON(w, map[string]any{
		"ok":                      dbOK,
		"last_price_refresh_unix": s.cache.LastRefresh(),
		"db":                      dbOK,
		"log":                     logOK,
	})
}

// handleStats is the JSON dashboard: realized totals, open positions,
// recent trades, rejection counters, and the last snapshot seen.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.cfg.DashToken != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = r.Header.Get("X-Dash-Token")
		}
		if token != s.cfg.DashToken {
			writeError(w, http.StatusUnauthorized, "bad token")
			return
		}
	}

	summary, err := s.db.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	positions, err := s.db.OpenPositions(50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	trades, err := s.db.RecentTrades(50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.statusMu.Lock()
	lastTs := s.lastStatusTs
	lastAction := s.lastAction
	s.statusMu.Unlock()

	writeJSON(w, map[string]any{
		"summary":                 summary,
		"open_positions":          positions,
		"recent_trades":           trades,
		"rejections":              s.engine.RejectionCounts(),
		"last_status_unix":        lastTs,
		"last_action":             lastAction,
		"last_price_refresh_unix": s.cache.LastRefresh(),
	})
}
