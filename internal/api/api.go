// Package api implements the HTTP diagnostics surface for linkbench.
//
// Routes:
//
//	GET    /api/v1/peers        — Peer table snapshot
//	GET    /api/v1/peers/{addr} — Single peer detail
//	GET    /api/v1/status       — Node health and link statistics
//	GET    /api/v1/results      — Result history (JSON, or format=csv)
//	DELETE /api/v1/results      — Clear persisted and in-memory results
//	GET    /api/v1/events       — WebSocket live stream
//
// Framework: standard library net/http mux with method patterns.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meshcommons/linkbench/internal/engine"
	"github.com/meshcommons/linkbench/internal/link"
	"github.com/meshcommons/linkbench/internal/store"
	"github.com/meshcommons/linkbench/internal/wire"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// SubscribeFunc is called per WebSocket client; it must return an event
// channel and an unsubscribe function.
type SubscribeFunc func() (<-chan interface{}, func())

// Server holds handler dependencies.
type Server struct {
	db          *store.DB
	mgr         *link.Manager
	eng         *engine.Engine
	node        string
	subscribeFn SubscribeFunc
	log         *zap.Logger
	started     time.Time
}

// NewRouter wires all /api/v1/* routes and returns a http.Handler.
func NewRouter(
	db *store.DB,
	mgr *link.Manager,
	eng *engine.Engine,
	node string,
	subFn SubscribeFunc,
	log *zap.Logger,
) http.Handler {
	s := &Server{
		db:          db,
		mgr:         mgr,
		eng:         eng,
		node:        node,
		subscribeFn: subFn,
		log:         log,
		started:     time.Now(),
	}

	mux := http.NewServeMux()

	// Peers
	mux.HandleFunc("GET /api/v1/peers", s.listPeers)
	mux.HandleFunc("GET /api/v1/peers/{addr}", s.getPeer)

	// Status / health
	mux.HandleFunc("GET /api/v1/status", s.status)

	// Results
	mux.HandleFunc("GET /api/v1/results", s.listResults)
	mux.HandleFunc("DELETE /api/v1/results", s.clearResults)

	// WebSocket event stream
	mux.HandleFunc("GET /api/v1/events", s.eventStream)

	return withLogging(log, mux)
}

// ── Peers ─────────────────────────────────────────────────────────────────

func (s *Server) listPeers(w http.ResponseWriter, r *http.Request) {
	var peers []link.Peer
	if minStr := r.URL.Query().Get("min_rssi"); minStr != "" {
		min, err := strconv.Atoi(minStr)
		if err != nil || min < -128 || min > 127 {
			http.Error(w, "min_rssi must be -128–127", http.StatusBadRequest)
			return
		}
		peers = s.mgr.PeersByRSSI(int8(min))
	} else {
		peers = s.mgr.Peers()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"peers": peers,
		"count": len(peers),
	})
}

func (s *Server) getPeer(w http.ResponseWriter, r *http.Request) {
	addr, err := wire.ParseAddr(r.PathValue("addr"))
	if err != nil {
		http.Error(w, "invalid peer address", http.StatusBadRequest)
		return
	}
	for _, p := range s.mgr.Peers() {
		if p.Addr == addr {
			writeJSON(w, http.StatusOK, p)
			return
		}
	}
	http.Error(w, "peer not found", http.StatusNotFound)
}

// ── Status ────────────────────────────────────────────────────────────────

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"time":             time.Now().UTC().Format(time.RFC3339),
		"node":             s.node,
		"address":          s.mgr.LocalAddr().String(),
		"role":             s.eng.Role().String(),
		"uptime_sec":       int64(time.Since(s.started).Seconds()),
		"peer_count":       s.mgr.PeerCount(),
		"discovery_active": s.mgr.DiscoveryActive(),
		"statistics":       s.mgr.Statistics(),
	})
}

// ── Results ───────────────────────────────────────────────────────────────

func (s *Server) listResults(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50, 1, 500)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	recs, err := s.db.ListResults(limit)
	if err != nil {
		s.log.Error("api: list results", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if r.URL.Query().Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="results.csv"`)
		if err := store.WriteCSV(w, recs); err != nil {
			s.log.Error("api: csv export", zap.Error(err))
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": recs,
		"count":   len(recs),
	})
}

func (s *Server) clearResults(w http.ResponseWriter, r *http.Request) {
	n, err := s.db.DeleteResults()
	if err != nil {
		s.log.Error("api: clear results", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.eng.ClearResults()
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": n})
}

// ── WebSocket event stream ────────────────────────────────────────────────

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("api: ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := s.subscribeFn()
	defer unsub()

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("api: ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// ── Middleware ────────────────────────────────────────────────────────────

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("api",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// ── helpers ───────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func queryInt(r *http.Request, key string, def, min, max int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("%s must be %d–%d", key, min, max)
	}
	return n, nil
}
