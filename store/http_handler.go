package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// HTTPHandler exposes the catalog. Identity claims arrive as headers from
// the edge, same as the order service.
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
	mux.HandleFunc("/api/stores/", h.handleStoreProducts)
	mux.HandleFunc("/api/products/", h.handleProduct)
}

type productBody struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Stock       int32           `json:"stock"`
	IsAvailable bool            `json:"isAvailable"`
}

type productUpdateBody struct {
	Name        *string          `json:"name"`
	Description *string          `json:"description"`
	Price       *decimal.Decimal `json:"price"`
	Stock       *int32           `json:"stock"`
	IsAvailable *bool            `json:"isAvailable"`
}

type productResponse struct {
	ID          string          `json:"id"`
	StoreID     string          `json:"storeId"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Stock       int32           `json:"stock"`
	IsAvailable bool            `json:"isAvailable"`
	Version     int64           `json:"version"`
}

// handleStoreProducts routes /api/stores/{storeID}/products:
// GET lists the catalog, POST creates a product for the owning caller.
func (h *HTTPHandler) handleStoreProducts(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/stores/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "products" {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}
	storeID := parts[0]

	switch r.Method {
	case http.MethodGet:
		products, err := h.service.ListStoreProducts(r.Context(), storeID)
		if err != nil {
			h.writeError(w, err)
			return
		}
		out := make([]productResponse, 0, len(products))
		for _, p := range products {
			out = append(out, toProductResponse(p))
		}
		h.writeJSON(w, http.StatusOK, out)

	case http.MethodPost:
		ownerID := r.Header.Get("X-User-Id")
		if ownerID == "" {
			http.Error(w, "Missing identity headers", http.StatusUnauthorized)
			return
		}

		var body productBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if body.Name == "" || body.Price.IsNegative() || body.Stock < 0 {
			http.Error(w, "name is required, price and stock must be non-negative", http.StatusBadRequest)
			return
		}

		p, err := h.service.CreateProduct(r.Context(), ownerID, storeID, NewProduct{
			Name:        body.Name,
			Description: body.Description,
			Price:       body.Price,
			Stock:       body.Stock,
			IsAvailable: body.IsAvailable,
		})
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusCreated, toProductResponse(p))

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleProduct routes /api/products/{id}: GET, PATCH, DELETE.
func (h *HTTPHandler) handleProduct(w http.ResponseWriter, r *http.Request) {
	productID := strings.TrimPrefix(r.URL.Path, "/api/products/")
	if productID == "" || strings.Contains(productID, "/") {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		p, err := h.service.GetProduct(r.Context(), productID)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, toProductResponse(p))

	case http.MethodPatch:
		ownerID := r.Header.Get("X-User-Id")
		if ownerID == "" {
			http.Error(w, "Missing identity headers", http.StatusUnauthorized)
			return
		}

		var body productUpdateBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if body.Stock != nil && *body.Stock < 0 {
			http.Error(w, "stock must be non-negative", http.StatusBadRequest)
			return
		}

		p, err := h.service.UpdateProduct(r.Context(), ownerID, productID, ProductUpdate{
			Name:        body.Name,
			Description: body.Description,
			Price:       body.Price,
			Stock:       body.Stock,
			IsAvailable: body.IsAvailable,
		})
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, toProductResponse(p))

	case http.MethodDelete:
		ownerID := r.Header.Get("X-User-Id")
		if ownerID == "" {
			http.Error(w, "Missing identity headers", http.StatusUnauthorized)
			return
		}
		if err := h.service.DeleteProduct(r.Context(), ownerID, productID); err != nil {
			h.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrProductNotFound), errors.Is(err, ErrStoreNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
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

func toProductResponse(p *Product) productResponse {
	return productResponse{
		ID:          p.ID,
		StoreID:     p.StoreID,
		Name:        p.Name,
		Description: p.Description,
		Price:       p.Price,
		Stock:       p.Stock,
		IsAvailable: p.IsAvailable,
		Version:     p.Version,
	}
}
