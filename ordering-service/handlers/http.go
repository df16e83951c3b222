package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/cartwheel/order-system/ordering-service/application"
	"github.com/cartwheel/order-system/ordering-service/domain"
	"github.com/cartwheel/order-system/shared/events"
	"github.com/cartwheel/order-system/shared/models"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

// OrderHandlers contains the order saga HTTP handlers
type OrderHandlers struct {
	startSaga *application.StartOrderSaga
	getSaga   *application.GetOrderSaga
	journal   events.Journal
}

// NewOrderHandlers creates new order handlers
func NewOrderHandlers(
	startSaga *application.StartOrderSaga,
	getSaga *application.GetOrderSaga,
	journal events.Journal,
) *OrderHandlers {
	return &OrderHandlers{
		startSaga: startSaga,
		getSaga:   getSaga,
		journal:   journal,
	}
}

// StartOrder handles order submissions from the order-creation collaborator
func (h *OrderHandlers) StartOrder(w http.ResponseWriter, r *http.Request) {
	var cmd application.StartOrderSagaCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	response, err := h.startSaga.Execute(r.Context(), &cmd)
	if err != nil {
		if errors.Is(err, domain.ErrSagaExists) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	status := http.StatusAccepted
	if !response.Started {
		status = http.StatusOK
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

// GetOrder reports the order's saga state
func (h *OrderHandlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		http.Error(w, "Order ID is required", http.StatusBadRequest)
		return
	}

	query := &application.GetOrderSagaQuery{
		OrderID: models.ID(orderID),
	}

	response, err := h.getSaga.Execute(r.Context(), query)
	if err != nil {
		if errors.Is(err, domain.ErrSagaNotFound) {
			http.Error(w, "order not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// GetOrderEvents returns the journaled event trail for one order
func (h *OrderHandlers) GetOrderEvents(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		http.Error(w, "event journal not configured", http.StatusNotFound)
		return
	}

	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		http.Error(w, "Order ID is required", http.StatusBadRequest)
		return
	}

	trail, err := h.journal.ByCorrelationID(r.Context(), models.ID(orderID))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trail)
}

// RegisterRoutes registers order routes
func (h *OrderHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.StartOrder)
		r.Get("/{id}", h.GetOrder)
		r.Get("/{id}/events", h.GetOrderEvents)
	})
}
