package httpx

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-saga/internal/auth"
	"github.com/ariefcatur/go-order-saga/internal/inventory"
)

type InventoryHandler struct {
	Engine *inventory.Engine
	Log    *zap.Logger
}

func (h *InventoryHandler) Register(r chi.Router) {
	r.Get("/inventory", h.list)
	r.Get("/inventory/{productId}", h.get)
	r.Post("/inventory/{productId}/restock/{quantity}", h.restock)
}

func (h *InventoryHandler) list(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Engine.List(ctx)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if ps == nil {
		ps = []inventory.ProductInventory{}
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *InventoryHandler) get(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	p, err := h.Engine.Get(ctx, chi.URLParam(r, "productId"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// restock is admin only.
func (h *InventoryHandler) restock(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if !p.IsAdmin() {
		writeError(w, h.Log, auth.ErrForbidden)
		return
	}
	qty, err := strconv.Atoi(chi.URLParam(r, "quantity"))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "quantity must be an integer")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	inv, err := h.Engine.Restock(ctx, chi.URLParam(r, "productId"), qty)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}
