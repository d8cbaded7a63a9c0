package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HTTPHandler is the courier app's self-service surface: status and location
// reports. Couriers may only touch their own record.
type HTTPHandler struct {
	service *Service
	logger  *zap.Logger
}

func NewHTTPHandler(service *Service, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{
		service: service,
		logger:  logger,
	}
}

func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/couriers/", h.handleCourier)
}

type statusBody struct {
	Status string `json:"status"`
}

type locationBody struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type courierResponse struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Status          string   `json:"status"`
	IsActive        bool     `json:"isActive"`
	Latitude        *float64 `json:"latitude,omitempty"`
	Longitude       *float64 `json:"longitude,omitempty"`
	AssignedOrderID string   `json:"assignedOrderId,omitempty"`
	Version         int64    `json:"version"`
}

// handleCourier routes /api/couriers/{id} and its action sub-paths:
// GET /api/couriers/{id}, POST /api/couriers/{id}/{status|location}.
func (h *HTTPHandler) handleCourier(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/couriers/")
	parts := strings.Split(path, "/")
	if parts[0] == "" {
		http.Error(w, "Missing courier id", http.StatusBadRequest)
		return
	}
	courierID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		courier, err := h.service.GetCourier(r.Context(), courierID)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, toCourierResponse(courier))
		return
	}

	if len(parts) != 2 || r.Method != http.MethodPost {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}
	if r.Header.Get("X-User-Id") != courierID {
		http.Error(w, "Couriers may only update their own record", http.StatusForbidden)
		return
	}

	switch parts[1] {
	case "status":
		var body statusBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		courier, err := h.service.UpdateStatus(r.Context(), courierID, CourierStatus(body.Status))
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, toCourierResponse(courier))

	case "location":
		var body locationBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if body.Latitude < -90 || body.Latitude > 90 || body.Longitude < -180 || body.Longitude > 180 {
			http.Error(w, "Coordinates out of range", http.StatusBadRequest)
			return
		}
		courier, err := h.service.UpdateLocation(r.Context(), courierID, body.Latitude, body.Longitude)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, toCourierResponse(courier))

	default:
		http.Error(w, "Unknown action", http.StatusNotFound)
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrCourierNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidStatus):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ErrVersionConflict):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func toCourierResponse(c *Courier) courierResponse {
	return courierResponse{
		ID:              c.ID,
		Name:            c.Name,
		Status:          string(c.Status),
		IsActive:        c.IsActive,
		Latitude:        c.Latitude,
		Longitude:       c.Longitude,
		AssignedOrderID: c.AssignedOrderID,
		Version:         c.Version,
	}
}
