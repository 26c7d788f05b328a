// Package httpapi exposes an engine pool over HTTP and streams raw engine output over
// WebSocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	zerofish "github.com/RajanDhamala/go-zerofish"
)

const maxRequestBytes = 1 << 20

// Coordinator is the part of *zerofish.Pool the HTTP surface needs.
type Coordinator interface {
	SearchPrimary(ctx context.Context, pos zerofish.Position, spec zerofish.SearchSpec) (zerofish.SearchResult, error)
	SearchWithResource(ctx context.Context, pos zerofish.Position, key zerofish.ResourceKey, spec zerofish.SearchSpec) (zerofish.SearchResult, error)
	Stop() error
	Reset() error
	Slots() []zerofish.SlotEntry
	SlotStats() zerofish.SlotStats
}

type Handler struct {
	pool Coordinator
	hub  *LineHub
	log  zerolog.Logger
}

// NewRouter builds the API routes. hub is optional; without it /v1/lines is not served.
func NewRouter(log zerolog.Logger, pool Coordinator, hub *LineHub) http.Handler {
	h := &Handler{pool: pool, hub: hub, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/search", h.search)
		r.Post("/stop", h.stop)
		r.Post("/reset", h.reset)
		r.Get("/slots", h.slots)
		if hub != nil {
			r.Get("/lines", hub.ServeWS)
		}
	})
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	pos, spec, err := req.toSearch()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	var result zerofish.SearchResult
	if req.Network != "" {
		result, err = h.pool.SearchWithResource(ctx, pos, zerofish.ResourceKey(req.Network), spec)
	} else {
		result, err = h.pool.SearchPrimary(ctx, pos, spec)
	}
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.log.Warn().Err(err).Str("network", req.Network).Msg("search failed")
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toSearchResponse(result))
}

func (h *Handler) stop(w http.ResponseWriter, r *http.Request) {
	if err := h.pool.Stop(); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) reset(w http.ResponseWriter, r *http.Request) {
	if err := h.pool.Reset(); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) slots(w http.ResponseWriter, r *http.Request) {
	entries := h.pool.Slots()
	stats := h.pool.SlotStats()

	resp := slotsResponse{
		Slots:     make([]slotDTO, 0, len(entries)),
		Hits:      stats.Hits,
		Loads:     stats.Loads,
		Evictions: stats.Evictions,
		Failures:  stats.Failures,
	}
	for _, entry := range entries {
		resp.Slots = append(resp.Slots, slotDTO{Network: string(entry.Key), Worker: entry.Worker, Rank: entry.Rank})
	}
	writeJSON(w, http.StatusOK, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, zerofish.ErrInvalidSearchSpec):
		return http.StatusBadRequest
	case errors.Is(err, zerofish.ErrSessionActive):
		return http.StatusConflict
	case errors.Is(err, zerofish.ErrResourceLoadFailed):
		return http.StatusBadGateway
	case errors.Is(err, zerofish.ErrEngineUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func accessLog(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("request_id", middleware.GetReqID(r.Context())).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
