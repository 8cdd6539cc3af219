package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-saga/internal/aggregator"
)

// AnalyticsHandler serves the reservation counts kept by the stream aggregator.
type AnalyticsHandler struct {
	Agg *aggregator.Aggregator
	Log *zap.Logger
	Now func() time.Time
}

func (h *AnalyticsHandler) Register(r chi.Router) {
	r.Get("/analytics/reservations/{productId}", h.reservations)
}

// reservations accepts an optional RFC 3339 "at" query to pick an older window.
func (h *AnalyticsHandler) reservations(w http.ResponseWriter, r *http.Request) {
	at := time.Now()
	if h.Now != nil {
		at = h.Now()
	}
	if q := r.URL.Query().Get("at"); q != "" {
		t, err := time.Parse(time.RFC3339, q)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "at must be RFC 3339")
			return
		}
		at = t
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	u, err := h.Agg.Snapshot(ctx, chi.URLParam(r, "productId"), at)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}
