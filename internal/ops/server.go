// Package ops serves the operator HTTP surface: account health, unit status,
// copy audit maps and Prometheus metrics.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rustyeddy/copytrader/broker"
	"github.com/rustyeddy/copytrader/health"
	"github.com/rustyeddy/copytrader/internal/id"
	"github.com/rustyeddy/copytrader/journal"
	"github.com/rustyeddy/copytrader/orchestrator"
)

// UnitLister reports running execution units.
type UnitLister interface {
	Units() []orchestrator.UnitStatus
}

type Handler struct {
	monitor  *health.Monitor
	units    UnitLister
	journal  journal.Journal
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

func NewHandler(monitor *health.Monitor, units UnitLister, j journal.Journal, g prometheus.Gatherer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{monitor: monitor, units: units, journal: j, gatherer: g, logger: logger}
}

func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.HandleHealth).Methods("GET")
	r.HandleFunc("/health/{kind}/{broker}/{account}", h.HandleAccountHealth).Methods("GET")
	r.HandleFunc("/health/{kind}/{broker}/{account}/reset", h.HandleReset).Methods("POST")
	r.HandleFunc("/units", h.HandleUnits).Methods("GET")
	r.HandleFunc("/fills", h.HandleFills).Methods("GET")
	r.HandleFunc("/copies/{trade_id}", h.HandleCopies).Methods("GET")
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("write response", slog.Any("error", err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, msg string) {
	h.respondJSON(w, status, errorResponse{Error: msg})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.monitor.Report())
}

func refFromVars(r *http.Request) (broker.AccountRef, bool) {
	v := mux.Vars(r)
	switch strings.ToLower(v["kind"]) {
	case "platform":
		return broker.Platform(v["account"], v["broker"]), true
	case "user":
		return broker.User(v["account"], v["broker"]), true
	}
	return broker.AccountRef{}, false
}

func (h *Handler) HandleAccountHealth(w http.ResponseWriter, r *http.Request) {
	ref, ok := refFromVars(r)
	if !ok {
		h.respondError(w, http.StatusBadRequest, "kind must be platform or user")
		return
	}
	rec, ok := h.monitor.StatusOf(ref)
	if !ok {
		h.respondError(w, http.StatusNotFound, "unknown account "+ref.String())
		return
	}
	h.respondJSON(w, http.StatusOK, rec)
}

// HandleReset forces a record back to HEALTHY.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	ref, ok := refFromVars(r)
	if !ok {
		h.respondError(w, http.StatusBadRequest, "kind must be platform or user")
		return
	}
	if _, ok := h.monitor.StatusOf(ref); !ok {
		h.respondError(w, http.StatusNotFound, "unknown account "+ref.String())
		return
	}
	h.monitor.Reset(ref)
	rec, _ := h.monitor.StatusOf(ref)
	h.respondJSON(w, http.StatusOK, rec)
}

func (h *Handler) HandleUnits(w http.ResponseWriter, r *http.Request) {
	if h.units == nil {
		h.respondJSON(w, http.StatusOK, []orchestrator.UnitStatus{})
		return
	}
	h.respondJSON(w, http.StatusOK, h.units.Units())
}

func (h *Handler) HandleFills(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			h.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	fills, err := h.journal.ListFills(limit)
	if err != nil {
		h.logger.Error("list fills", slog.Any("error", err))
		h.respondError(w, http.StatusInternalServerError, "list fills failed")
		return
	}
	if fills == nil {
		fills = []journal.MasterFill{}
	}
	h.respondJSON(w, http.StatusOK, fills)
}

type copiesResponse struct {
	Fill    journal.MasterFill `json:"fill"`
	Summary journal.Summary    `json:"summary"`
	// IssuedAt is decoded from the trade id.
	IssuedAt time.Time `json:"issued_at,omitzero"`
}

func (h *Handler) HandleCopies(w http.ResponseWriter, r *http.Request) {
	tradeID := mux.Vars(r)["trade_id"]
	fill, err := h.journal.GetFill(tradeID)
	if errors.Is(err, journal.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "unknown trade "+tradeID)
		return
	}
	if err != nil {
		h.logger.Error("get fill", slog.String("trade_id", tradeID), slog.Any("error", err))
		h.respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	sum, err := journal.SummaryFor(h.journal, tradeID)
	if err != nil {
		h.logger.Error("copy summary", slog.String("trade_id", tradeID), slog.Any("error", err))
		h.respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	resp := copiesResponse{Fill: fill, Summary: sum}
	if at, err := id.Time(tradeID); err == nil {
		resp.IssuedAt = at
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// Serve runs the HTTP server until ctx is done.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
