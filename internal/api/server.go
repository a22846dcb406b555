// Package api is the HTTP surface: trade submission, snapshot/price/history
// queries, and config CRUD.
package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"poskeeper/internal/bus"
	"poskeeper/internal/db"
	"poskeeper/internal/logger"
	"poskeeper/internal/position"
)

// Server wires the HTTP handlers to the store and the trade topic. Trade
// submission only publishes; everything downstream of the topic is async.
type Server struct {
	db       *db.DB
	trades   *bus.Topic
	configs  *position.ConfigCache
	batchMax int
}

// NewServer creates a Server publishing submitted trades to the given topic.
func NewServer(database *db.DB, trades *bus.Topic, configs *position.ConfigCache, batchMax int) *Server {
	if batchMax <= 0 {
		batchMax = 5000
	}
	return &Server{db: database, trades: trades, configs: configs, batchMax: batchMax}
}

// Handler returns the HTTP handler with all API routes and CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/trades", s.handlePostTrades)

	mux.HandleFunc("GET /api/positions/{key}/snapshot", s.handleGetSnapshot)
	mux.HandleFunc("GET /api/positions/{key}/snapshots", s.handleGetSnapshots)
	mux.HandleFunc("GET /api/positions/{key}/price", s.handleGetPrice)
	mux.HandleFunc("GET /api/positions/{key}/prices", s.handleGetPrices)
	mux.HandleFunc("GET /api/positions/{key}/history", s.handleGetHistory)

	mux.HandleFunc("GET /api/configs", s.handleGetConfigs)
	mux.HandleFunc("GET /api/configs/{id}", s.handleGetConfigByID)
	mux.HandleFunc("POST /api/configs", s.handleCreateConfig)
	mux.HandleFunc("PUT /api/configs/{id}", s.handleUpdateConfig)
	mux.HandleFunc("DELETE /api/configs/{id}", s.handleDeactivateConfig)

	mux.HandleFunc("GET /api/status", s.handleStatus)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// internalError hides store details from clients; the correlation id links the
// response to the log line.
func internalError(w http.ResponseWriter, tag string, err error) {
	id := uuid.NewString()
	logger.Error(tag, fmt.Sprintf("[%s] %v", id, err))
	writeError(w, http.StatusInternalServerError, "internal error (ref "+id+")")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"status": "ok", "batchMax": s.batchMax})
}

// handlePostTrades accepts a trade batch and publishes it to the trade topic.
// 202 means accepted for processing, not calculated; ingestion validates each
// trade individually downstream.
func (s *Server) handlePostTrades(w http.ResponseWriter, r *http.Request) {
	var trades []position.Trade
	if err := json.NewDecoder(r.Body).Decode(&trades); err != nil {
		writeError(w, http.StatusBadRequest, "invalid trade batch: "+err.Error())
		return
	}
	if len(trades) == 0 {
		writeError(w, http.StatusBadRequest, "empty trade batch")
		return
	}
	if len(trades) > s.batchMax {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("batch of %d exceeds limit %d", len(trades), s.batchMax))
		return
	}

	payload, err := json.Marshal(trades)
	if err != nil {
		internalError(w, "API", err)
		return
	}
	// All batches share one key: trade ingestion is strictly ordered.
	if err := s.trades.Publish(r.Context(), bus.Message{Key: "trades", Value: payload}); err != nil {
		internalError(w, "API", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]interface{}{"accepted": len(trades)})
}

// snapshotQuery pulls the common query parameters for snapshot reads.
func snapshotQuery(r *http.Request) (key string, basis position.DateBasis, err error) {
	key = r.PathValue("key")
	if key == "" {
		return "", "", errors.New("missing position key")
	}
	basis = position.TradeDateBasis
	if b := r.URL.Query().Get("basis"); b != "" {
		if basis, err = position.ParseDateBasis(b); err != nil {
			return "", "", err
		}
	}
	return key, basis, nil
}

func dateParam(r *http.Request, name string) (position.Date, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return "", fmt.Errorf("missing %s parameter", name)
	}
	return position.ParseDate(v)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	key, basis, err := snapshotQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	date, err := dateParam(r, "date")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, err := s.db.FindSnapshot(r.Context(), key, date, basis)
	if err != nil {
		internalError(w, "API", err)
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, "no snapshot for "+key+" on "+string(date))
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleGetSnapshots(w http.ResponseWriter, r *http.Request) {
	key, basis, err := snapshotQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var from, to *position.Date
	if v := r.URL.Query().Get("from"); v != "" {
		d, err := position.ParseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		from = &d
	}
	if v := r.URL.Query().Get("to"); v != "" {
		d, err := position.ParseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		to = &d
	}
	snaps, err := s.db.FindSnapshotsForPosition(r.Context(), key, basis, from, to)
	if err != nil {
		internalError(w, "API", err)
		return
	}
	writeJSON(w, map[string]interface{}{"positionKey": key, "dateBasis": basis, "snapshots": snaps})
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	key, basis, err := snapshotQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	date, err := dateParam(r, "date")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	method := position.PriceWAC
	if m := r.URL.Query().Get("method"); m != "" {
		if method, err = position.ParsePriceMethod(m); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	price, err := s.db.FindPrice(r.Context(), key, date, method, basis)
	if err != nil {
		internalError(w, "API", err)
		return
	}
	if price == nil {
		writeError(w, http.StatusNotFound, "no price for "+key+" on "+string(date))
		return
	}
	writeJSON(w, price)
}

func (s *Server) handleGetPrices(w http.ResponseWriter, r *http.Request) {
	key, basis, err := snapshotQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	date, err := dateParam(r, "date")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	prices, err := s.db.FindPricesForSnapshot(r.Context(), key, date, basis)
	if err != nil {
		internalError(w, "API", err)
		return
	}
	writeJSON(w, map[string]interface{}{"positionKey": key, "businessDate": date, "prices": prices})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	key, basis, err := snapshotQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	date, err := dateParam(r, "date")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	history, err := s.db.FindSnapshotHistory(r.Context(), key, date, basis)
	if err != nil {
		internalError(w, "API", err)
		return
	}
	writeJSON(w, map[string]interface{}{"positionKey": key, "businessDate": date, "history": history})
}

func (s *Server) handleGetConfigs(w http.ResponseWriter, r *http.Request) {
	var (
		configs []position.Config
		err     error
	)
	if r.URL.Query().Get("active") == "true" {
		configs, err = s.db.ConfigsActive()
	} else {
		configs, err = s.db.ConfigsAll()
	}
	if err != nil {
		internalError(w, "API", err)
		return
	}
	writeJSON(w, configs)
}

func configID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

func (s *Server) handleGetConfigByID(w http.ResponseWriter, r *http.Request) {
	id, err := configID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid config id")
		return
	}
	cfg, err := s.db.ConfigByID(id)
	if err != nil {
		internalError(w, "API", err)
		return
	}
	if cfg == nil {
		writeError(w, http.StatusNotFound, "no config "+strconv.FormatInt(id, 10))
		return
	}
	writeJSON(w, cfg)
}

func (s *Server) handleCreateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg position.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid config: "+err.Error())
		return
	}
	created, err := s.db.CreateConfig(cfg)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.configs.Invalidate()
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, created)
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	id, err := configID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid config id")
		return
	}
	var cfg position.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid config: "+err.Error())
		return
	}
	cfg.ConfigID = id
	updated, err := s.db.UpdateConfig(cfg)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "no config "+strconv.FormatInt(id, 10))
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.configs.Invalidate()
	writeJSON(w, updated)
}

func (s *Server) handleDeactivateConfig(w http.ResponseWriter, r *http.Request) {
	id, err := configID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid config id")
		return
	}
	if err := s.db.DeactivateConfig(id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "no config "+strconv.FormatInt(id, 10))
			return
		}
		internalError(w, "API", err)
		return
	}
	s.configs.Invalidate()
	writeJSON(w, map[string]interface{}{"deactivated": id})
}
