package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"okoa-go/internal/metrics"
	"okoa-go/internal/model"
	"okoa-go/internal/okoa"
)

// defaultListLimit bounds GET /api/outbox when no limit is given.
const defaultListLimit = 100

type enqueueResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type writeView struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	SyncedAt  *time.Time      `json:"synced_at,omitempty"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	Sealed    bool            `json:"sealed"`
	Size      int             `json:"size"`
	Payload   json.RawMessage `json:"payload,omitempty"` // only for plaintext JSON payloads
}

func newWriteView(w *model.PendingWrite) writeView {
	v := writeView{
		ID:        w.ID,
		Status:    string(w.Status),
		CreatedAt: w.CreatedAt,
		SyncedAt:  w.SyncedAt,
		Attempts:  w.Attempts,
		LastError: w.LastError,
		Sealed:    w.Sealed,
		Size:      len(w.Payload),
	}
	if !w.Sealed && json.Valid(w.Payload) {
		v.Payload = json.RawMessage(w.Payload)
	}
	return v
}

type outboxListResponse struct {
	Pending int64       `json:"pending"`
	Writes  []writeView `json:"writes"`
}

type flushResponse struct {
	Attempted   int    `json:"attempted"`
	Succeeded   int    `json:"succeeded"`
	LeftPending int    `json:"left_pending"`
	Skipped     bool   `json:"skipped"`
	Error       string `json:"error,omitempty"`
}

type cacheStatusResponse struct {
	Origin     string `json:"origin"`
	Generation string `json:"generation"`
	Entries    int64  `json:"entries"`
}

type statsResponse struct {
	Pending int64           `json:"pending"`
	Latency []metrics.Stats `json:"latency"`
}

// handleEnqueue handles POST /api/outbox requests. The body is queued as-is.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadBytes)

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse("request body too large"))
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return
	}
	if len(payload) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse("payload is required"))
		return
	}

	id, err := s.outbox.Enqueue(r.Context(), payload)
	if err != nil {
		s.logger.Error("enqueue failed", "error", err)
		// The write was not queued; the client must keep it.
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("write could not be queued"))
		return
	}

	if s.opts.FlushOnEnqueue {
		s.flushInBackground()
	}

	writeJSON(w, http.StatusAccepted, enqueueResponse{ID: id, Status: string(model.StatusPending)})
}

// handleListOutbox handles GET /api/outbox requests.
func (s *Server) handleListOutbox(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid limit"))
			return
		}
		limit = n
	}

	writes, err := s.outbox.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing outbox failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		return
	}
	pending, err := s.outbox.PendingCount(r.Context())
	if err != nil {
		s.logger.Error("counting outbox failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		return
	}

	resp := outboxListResponse{Pending: pending, Writes: make([]writeView, 0, len(writes))}
	for _, wr := range writes {
		resp.Writes = append(resp.Writes, newWriteView(wr))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetWrite handles GET /api/outbox/{id} requests.
func (s *Server) handleGetWrite(w http.ResponseWriter, r *http.Request) {
	wr, err := s.outbox.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, okoa.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse("write not found"))
			return
		}
		s.logger.Error("reading write failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		return
	}
	writeJSON(w, http.StatusOK, newWriteView(wr))
}

// handleFlush handles POST /api/outbox/flush requests.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	summary, err := s.sync.FlushOnce(r.Context(), okoa.TriggerExplicit)
	resp := flushResponse{
		Attempted:   summary.Attempted,
		Succeeded:   summary.Succeeded,
		LeftPending: summary.LeftPending,
		Skipped:     summary.Skipped,
	}
	if err != nil {
		resp.Error = err.Error()
		status := http.StatusInternalServerError
		if errors.Is(err, okoa.ErrLocked) {
			status = http.StatusConflict
		}
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCacheStatus handles GET /api/cache requests.
func (s *Server) handleCacheStatus(w http.ResponseWriter, r *http.Request) {
	generation, err := s.cache.ActiveGeneration(r.Context())
	if err != nil {
		s.logger.Error("reading cache generation failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		return
	}
	entries, err := s.cache.EntryCount(r.Context())
	if err != nil {
		s.logger.Error("counting cache entries failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		return
	}
	writeJSON(w, http.StatusOK, cacheStatusResponse{
		Origin:     s.cache.Origin(),
		Generation: generation,
		Entries:    entries,
	})
}

// handleStats handles GET /api/stats requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	pending, err := s.outbox.PendingCount(r.Context())
	if err != nil {
		s.logger.Error("counting outbox failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		return
	}
	resp := statsResponse{Pending: pending, Latency: []metrics.Stats{}}
	if s.latency != nil {
		resp.Latency = s.latency.GetAllStats()
	}
	writeJSON(w, http.StatusOK, resp)
}
