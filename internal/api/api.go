package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/overtonx/pricewatch/storage"
)

const (
	defaultRecentLimit = 20
	maxRecentLimit     = 500
	maxBodyBytes       = 10 * 1024
)

// Store is the part of the database the API reads and writes.
type Store interface {
	ListRecentPrices(ctx context.Context, limit int) ([]storage.ArchivedPrice, error)
	CreateAlert(ctx context.Context, alert *storage.Alert) error
}

// LatestPrices looks up the most recent price of a flight.
type LatestPrices interface {
	Latest(ctx context.Context, flightID string) (storage.ArchivedPrice, bool, error)
}

type Handler struct {
	store    Store
	latest   LatestPrices
	logger   *zap.Logger
	metrics  *httpMetrics
	gatherer prometheus.Gatherer
}

type Option func(*Handler)

// WithLogger sets the request logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithRegistry registers the HTTP metrics in r and serves r on /metrics.
func WithRegistry(r *prometheus.Registry) Option {
	return func(h *Handler) {
		h.metrics = newHTTPMetrics(r)
		h.gatherer = r
	}
}

// NewHandler creates the HTTP handler over store and the latest-price cache.
func NewHandler(store Store, latest LatestPrices, opts ...Option) *Handler {
	h := &Handler{
		store:  store,
		latest: latest,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		reg := prometheus.NewRegistry()
		h.metrics = newHTTPMetrics(reg)
		h.gatherer = reg
	}
	return h
}

// Router returns the routes of the query API.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.metrics.instrument("healthz", h.health))
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/prices/recent", h.metrics.instrument("prices_recent", h.recentPrices))
		r.Post("/alerts", h.metrics.instrument("alerts_create", h.createAlert))
		r.Get("/flights/{flightID}/latest", h.metrics.instrument("flight_latest", h.latestPrice))
	})
	return r
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) recentPrices(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecentLimit)
	}

	prices, err := h.store.ListRecentPrices(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list recent prices", zap.Int("limit", limit), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list prices")
		return
	}
	if prices == nil {
		prices = []storage.ArchivedPrice{}
	}
	writeJSON(w, http.StatusOK, prices)
}

type createAlertRequest struct {
	UserContact  string          `json:"user_contact"`
	FlightID     string          `json:"flight_id"`
	Origin       string          `json:"origin"`
	Destination  string          `json:"destination"`
	DesiredPrice decimal.Decimal `json:"desired_price"`
}

func (req createAlertRequest) validate() error {
	var problems []string
	for _, f := range []struct{ name, value string }{
		{"user_contact", req.UserContact},
		{"flight_id", req.FlightID},
		{"origin", req.Origin},
		{"destination", req.Destination},
	} {
		if strings.TrimSpace(f.value) == "" {
			problems = append(problems, f.name+" is required")
		}
	}
	switch {
	case !req.DesiredPrice.IsPositive():
		problems = append(problems, "desired_price must be positive")
	case !req.DesiredPrice.Equal(req.DesiredPrice.Truncate(2)):
		problems = append(problems, "desired_price must not have more than 2 decimal places")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func (h *Handler) createAlert(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req createAlertRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	alert := storage.Alert{
		UserContact:  req.UserContact,
		FlightID:     req.FlightID,
		Origin:       req.Origin,
		Destination:  req.Destination,
		DesiredPrice: req.DesiredPrice,
		Status:       storage.AlertStatusActive,
	}
	if err := h.store.CreateAlert(r.Context(), &alert); err != nil {
		h.logger.Error("Failed to create alert", zap.String("flight_id", req.FlightID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create alert")
		return
	}

	h.logger.Info("Alert created", zap.Int64("alert_id", alert.ID), zap.String("flight_id", alert.FlightID))
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":     alert.ID,
		"status": alert.Status,
	})
}

func (h *Handler) latestPrice(w http.ResponseWriter, r *http.Request) {
	flightID := chi.URLParam(r, "flightID")

	price, ok, err := h.latest.Latest(r.Context(), flightID)
	if err != nil {
		h.logger.Error("Failed to read latest price", zap.String("flight_id", flightID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "latest price unavailable")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no price for flight "+flightID)
		return
	}
	writeJSON(w, http.StatusOK, price)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
