package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/caesar-terminal/depthscope/internal/book"
	"github.com/caesar-terminal/depthscope/internal/ingest"
)

// Depth query bounds.
const (
	DefaultDepthLevels = 15
	MaxDepthLevels     = 500
)

type handlers struct {
	deps   Deps
	logger *zap.Logger
}

type healthResponse struct {
	Status    string        `json:"status"`
	Reason    string        `json:"reason"`
	Product   string        `json:"product"`
	FeedState string        `json:"feed_state,omitempty"`
	BidLevels int           `json:"bid_levels"`
	AskLevels int           `json:"ask_levels"`
	Ingest    *ingest.Stats `json:"ingest,omitempty"`
	Timestamp string        `json:"timestamp"`
}

// GET /api/health
// 200 when the book is live, 503 otherwise.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Reason:    "ok",
		Product:   h.deps.Product,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	resp.BidLevels, resp.AskLevels = h.deps.Book.Len()
	if h.deps.Feed != nil {
		resp.FeedState = h.deps.Feed.State().String()
	}
	if h.deps.Stats != nil {
		s := h.deps.Stats.Stats()
		resp.Ingest = &s
	}

	status := http.StatusOK
	if h.deps.Health != nil {
		ok, reason := h.deps.Health.Healthy()
		resp.Reason = reason
		if !ok {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

type metricsResponse struct {
	Product string `json:"product"`
	book.Metrics
}

// GET /api/metrics
func (h *handlers) metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, metricsResponse{
		Product: h.deps.Product,
		Metrics: h.deps.Book.GetMetrics(),
	})
}

// GET /api/depth?levels=N
func (h *handlers) depth(w http.ResponseWriter, r *http.Request) {
	levels := DefaultDepthLevels
	if v := r.URL.Query().Get("levels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "levels must be a positive integer")
			return
		}
		levels = min(n, MaxDepthLevels)
	}

	d := h.deps.Book.DepthSnapshot(levels)
	// Keep empty sides as [] rather than null.
	if d.Bids == nil {
		d.Bids = []book.Level{}
	}
	if d.Asks == nil {
		d.Asks = []book.Level{}
	}
	writeJSON(w, http.StatusOK, d)
}

type seriesResponse struct {
	Values  []book.NullFloat `json:"values"`
	Summary book.Summary     `json:"summary"`
}

type historyResponse struct {
	Product   string         `json:"product"`
	Spread    seriesResponse `json:"spread"`
	MidPrice  seriesResponse `json:"mid_price"`
	Imbalance seriesResponse `json:"imbalance"`
}

// GET /api/history
func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, historyResponse{
		Product:   h.deps.Product,
		Spread:    series(h.deps.Book.SpreadHistory()),
		MidPrice:  series(h.deps.Book.MidPriceHistory()),
		Imbalance: series(h.deps.Book.ImbalanceHistory()),
	})
}

func series(vals []book.NullFloat) seriesResponse {
	if vals == nil {
		vals = []book.NullFloat{}
	}
	return seriesResponse{Values: vals, Summary: book.Summarize(vals)}
}

// writeJSON marshals v and writes it with the given status. Marshal failures
// fall back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
