package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/quickbite/delivery-microservices/common/broker"
)

// HTTPHandler is the order service's REST surface. Authentication happens at
// the edge; the identity claims arrive as headers and are mapped straight
// into a Caller.
type HTTPHandler struct {
	service *Service
	logger  *slog.Logger
}

func NewHTTPHandler(service *Service, logger *slog.Logger) *HTTPHandler {
	return &HTTPHandler{
		service: service,
		logger:  logger,
	}
}

func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/orders", h.handleCreateOrder)
	mux.HandleFunc("/api/orders/", h.handleOrder)
}

type createOrderRequest struct {
	StoreID         string          `json:"storeId"`
	Items           []orderItemBody `json:"items"`
	ShippingAddress *broker.Address `json:"shippingAddress"`
}

type orderItemBody struct {
	ProductID string `json:"productId"`
	Quantity  int32  `json:"quantity"`
}

type orderResponse struct {
	ID              string            `json:"id"`
	CustomerID      string            `json:"customerId"`
	StoreID         string            `json:"storeId"`
	CourierID       string            `json:"courierId,omitempty"`
	Status          string            `json:"status"`
	TotalPrice      decimal.Decimal   `json:"totalPrice"`
	Items           []orderItemDetail `json:"items"`
	ShippingAddress *broker.Address   `json:"shippingAddress,omitempty"`
	PickupAddress   *broker.Address   `json:"pickupAddress,omitempty"`
	Version         int64             `json:"version"`
}

type orderItemDetail struct {
	ProductID   string          `json:"productId"`
	ProductName string          `json:"productName"`
	Quantity    int32           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
}

func (h *HTTPHandler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	caller, ok := callerFrom(r)
	if !ok {
		http.Error(w, "Missing identity headers", http.StatusUnauthorized)
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.StoreID == "" || len(req.Items) == 0 {
		http.Error(w, "storeId and items are required", http.StatusBadRequest)
		return
	}

	items := make([]NewOrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			http.Error(w, "item quantity must be positive", http.StatusBadRequest)
			return
		}
		items = append(items, NewOrderItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	order, err := h.service.CreateOrder(r.Context(), caller, req.StoreID, items, req.ShippingAddress)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

// handleOrder routes /api/orders/{orderID} and its action sub-paths:
// GET /api/orders/{id}, POST /api/orders/{id}/{accept|cancel|pickup|deliver}.
func (h *HTTPHandler) handleOrder(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/orders/")
	parts := strings.Split(path, "/")
	if parts[0] == "" {
		http.Error(w, "Missing order id", http.StatusBadRequest)
		return
	}
	orderID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		order, err := h.service.GetOrder(r.Context(), orderID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, toOrderResponse(order))
		return
	}

	if len(parts) != 2 || r.Method != http.MethodPost {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	caller, ok := callerFrom(r)
	if !ok {
		http.Error(w, "Missing identity headers", http.StatusUnauthorized)
		return
	}

	var err error
	switch parts[1] {
	case "accept":
		err = h.service.AcceptOrder(r.Context(), orderID, caller)
	case "cancel":
		err = h.service.CancelOrder(r.Context(), orderID, caller)
	case "pickup":
		err = h.service.PickupOrder(r.Context(), orderID, caller)
	case "deliver":
		err = h.service.DeliverOrder(r.Context(), orderID, caller)
	default:
		http.Error(w, "Unknown action", http.StatusNotFound)
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"order_id": orderID,
		"action":   parts[1],
	})
}

func callerFrom(r *http.Request) (Caller, bool) {
	caller := Caller{
		ID:      r.Header.Get("X-User-Id"),
		Role:    r.Header.Get("X-User-Role"),
		StoreID: r.Header.Get("X-Store-Id"),
	}
	if caller.ID == "" || caller.Role == "" {
		return Caller{}, false
	}
	return caller, true
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, ErrVersionConflict):
		status = http.StatusConflict
	case errors.Is(err, ErrUnknownProduct),
		errors.Is(err, ErrWrongStore),
		errors.Is(err, ErrProductUnavailable):
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	http.Error(w, err.Error(), status)
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", slog.Any("error", err))
	}
}

func toOrderResponse(order *Order) orderResponse {
	items := make([]orderItemDetail, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemDetail{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
		})
	}
	return orderResponse{
		ID:              order.ID,
		CustomerID:      order.CustomerID,
		StoreID:         order.StoreID,
		CourierID:       order.CourierID,
		Status:          string(order.Status),
		TotalPrice:      order.TotalPrice,
		Items:           items,
		ShippingAddress: order.ShippingAddress,
		PickupAddress:   order.PickupAddress,
		Version:         order.Version,
	}
}
