package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/techweb/outboxcdc/libs/httpx"
	"github.com/techweb/outboxcdc/services/order-service/internal/model"
	"github.com/techweb/outboxcdc/services/order-service/internal/orders"
	"go.uber.org/zap"
)

type OrderCreator interface {
	CreateOrder(ctx context.Context, description string) (model.Order, error)
}

type OutboxFinder interface {
	FindByAggregateID(ctx context.Context, aggregateID string) ([]model.OutboxEvent, error)
}

type OrderHandler struct {
	orders OrderCreator
	outbox OutboxFinder
	logger *zap.Logger
}

func NewOrderHandler(orders OrderCreator, outbox OutboxFinder, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{orders: orders, outbox: outbox, logger: logger}
}

type createOrderRequest struct {
	Description string `json:"description"`
}

// CreateOrder accepts the description as a query parameter or a JSON body.
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	description := r.URL.Query().Get("description")
	if strings.TrimSpace(description) == "" && strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req createOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		description = req.Description
	}
	if strings.TrimSpace(description) == "" {
		http.Error(w, "description is required", http.StatusBadRequest)
		return
	}

	order, err := h.orders.CreateOrder(r.Context(), description)
	if err != nil {
		if errors.Is(err, orders.ErrEmptyDescription) {
			http.Error(w, "description is required", http.StatusBadRequest)
			return
		}
		h.logger.Error("create order failed",
			zap.String("request_id", httpx.RequestIDFromContext(r.Context())),
			zap.Error(err),
		)
		http.Error(w, "failed to create order", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, order)
}

func (h *OrderHandler) ListOutboxEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	aggregateID := strings.TrimSpace(r.URL.Query().Get("aggregate_id"))
	if aggregateID == "" {
		http.Error(w, "aggregate_id is required", http.StatusBadRequest)
		return
	}

	events, err := h.outbox.FindByAggregateID(r.Context(), aggregateID)
	if err != nil {
		h.logger.Error("list outbox events failed", zap.String("aggregate_id", aggregateID), zap.Error(err))
		http.Error(w, "failed to load outbox events", http.StatusInternalServerError)
		return
	}
	if len(events) == 0 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
