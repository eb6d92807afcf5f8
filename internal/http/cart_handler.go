package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/catalog"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/coupon"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/domain"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/repository"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/service"
	"go.uber.org/zap"
)

type CartHandler struct {
	svc      *service.CartService
	validate *validator.Validate
	log      *zap.Logger
	timeout  time.Duration
}

func NewCartHandler(svc *service.CartService, log *zap.Logger, timeout time.Duration) *CartHandler {
	return &CartHandler{
		svc:      svc,
		validate: validator.New(),
		log:      log,
		timeout:  timeout,
	}
}

type AddItemRequestDTO struct {
	ProductID    int64  `json:"product_id" validate:"required,gt=0"`
	VariantID    string `json:"variant_id"`
	Quantity     int    `json:"quantity" validate:"required,gt=0"`
	IsGift       bool   `json:"is_gift"`
	GiftMessage  string `json:"gift_message" validate:"max=500"`
	GiftWrapType string `json:"gift_wrap_type" validate:"max=100"`
}

type UpdateQuantityRequestDTO struct {
	Quantity int `json:"quantity" validate:"required"`
}

type GiftOptionsRequestDTO struct {
	IsGift       bool   `json:"is_gift"`
	GiftMessage  string `json:"gift_message" validate:"max=500"`
	GiftWrapType string `json:"gift_wrap_type" validate:"max=100"`
}

type ApplyCouponRequestDTO struct {
	Code string `json:"code" validate:"required,max=64"`
}

type DeleteCartRequestDTO struct {
	Reason string `json:"reason" validate:"max=255"`
}

type CleanupResponseDTO struct {
	Repaired int `json:"repaired"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Routes mounts the cart API.
func (h *CartHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/cart", func(r chi.Router) {
		r.Get("/", h.GetCart)
		r.Post("/", h.GetOrCreateCart)
		r.Delete("/", h.DeleteCart)

		r.Post("/items", h.AddItem)
		r.Put("/items/{item_id}", h.UpdateQuantity)
		r.Delete("/items/{item_id}", h.RemoveItem)
		r.Put("/items/{item_id}/gift", h.UpdateGiftOptions)

		r.Post("/clear", h.ClearCart)
		r.Post("/refresh-prices", h.RefreshPrices)
		r.Post("/coupon", h.ApplyCoupon)
		r.Delete("/coupon", h.RemoveCoupon)
		r.Post("/checkout", h.BeginCheckout)
		r.Post("/merge", h.Merge)
	})

	r.Post("/admin/carts/cleanup-duplicates", h.CleanupDuplicates)

	return r
}

func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	cart, err := h.svc.GetActiveCart(ctx, getIdentity(r.Context()))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

func (h *CartHandler) GetOrCreateCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	cart, err := h.svc.GetOrCreateCart(ctx, getIdentity(r.Context()))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	var req AddItemRequestDTO
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	cart, err := h.svc.AddItem(ctx, getIdentity(r.Context()), service.AddItemInput{
		ProductID:    req.ProductID,
		VariantID:    req.VariantID,
		Quantity:     req.Quantity,
		IsGift:       req.IsGift,
		GiftMessage:  req.GiftMessage,
		GiftWrapType: req.GiftWrapType,
	})
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, cart)
}

func (h *CartHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	itemID := chi.URLParam(r, "item_id")

	var req UpdateQuantityRequestDTO
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	cart, err := h.svc.UpdateItemQuantity(ctx, getIdentity(r.Context()), itemID, req.Quantity)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	cart, err := h.svc.RemoveItem(ctx, getIdentity(r.Context()), chi.URLParam(r, "item_id"))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

func (h *CartHandler) UpdateGiftOptions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	var req GiftOptionsRequestDTO
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	cart, err := h.svc.UpdateGiftOptions(ctx, getIdentity(r.Context()), chi.URLParam(r, "item_id"), service.GiftOptionsInput{
		IsGift:       req.IsGift,
		GiftMessage:  req.GiftMessage,
		GiftWrapType: req.GiftWrapType,
	})
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	cart, err := h.svc.ClearCart(ctx, getIdentity(r.Context()))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

func (h *CartHandler) RefreshPrices(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	cart, err := h.svc.RefreshPrices(ctx, getIdentity(r.Context()))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

func (h *CartHandler) ApplyCoupon(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	var req ApplyCouponRequestDTO
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	cart, err := h.svc.ApplyCoupon(ctx, getIdentity(r.Context()), req.Code)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

func (h *CartHandler) RemoveCoupon(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	cart, err := h.svc.RemoveCoupon(ctx, getIdentity(r.Context()))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

func (h *CartHandler) BeginCheckout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	cart, err := h.svc.BeginCheckout(ctx, getIdentity(r.Context()))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

func (h *CartHandler) DeleteCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	// Body is optional for DELETE.
	var req DeleteCartRequestDTO
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
	}

	if err := h.svc.DeleteCart(ctx, getIdentity(r.Context()), req.Reason); err != nil {
		h.handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Merge reconciles the guest cart of X-Session-ID with the cart of X-User-ID.
// The storefront calls it right after login.
func (h *CartHandler) Merge(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	cart, err := h.svc.MergeOnLogin(ctx, getIdentity(r.Context()))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

func (h *CartHandler) CleanupDuplicates(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	repaired, err := h.svc.CleanupDuplicateActiveCarts(ctx, 100)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, CleanupResponseDTO{Repaired: repaired})
}

func (h *CartHandler) requestContext(r *http.Request) (ctx context.Context, cancel context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.timeout)
}

func (h *CartHandler) decodeAndValidate(w http.ResponseWriter, r *http.Request, req interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return false
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return false
	}
	return true
}

func (h *CartHandler) handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrMissingIdentity):
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user or session identity")
	case errors.Is(err, repository.ErrCartNotFound):
		respondError(w, http.StatusNotFound, "cart_not_found", "no active cart for this identity")
	case errors.Is(err, domain.ErrItemNotFound):
		respondError(w, http.StatusNotFound, "item_not_found", "no such item in the cart")
	case errors.Is(err, domain.ErrCartNotModifiable):
		respondError(w, http.StatusConflict, "cart_not_modifiable", "cart is frozen and cannot be modified")
	case errors.Is(err, domain.ErrInvalidQuantity):
		respondError(w, http.StatusBadRequest, "invalid_quantity", err.Error())
	case errors.Is(err, domain.ErrGiftMessageRequired):
		respondError(w, http.StatusBadRequest, "gift_message_required", "gift items require a gift message")
	case errors.Is(err, coupon.ErrInvalidCoupon):
		respondError(w, http.StatusBadRequest, "invalid_coupon", "coupon code is invalid or expired")
	case errors.Is(err, catalog.ErrProductNotFound):
		respondError(w, http.StatusNotFound, "product_not_found", "product does not exist or is not purchasable")
	case errors.Is(err, catalog.ErrUnavailable):
		respondError(w, http.StatusServiceUnavailable, "catalog_unavailable", "product catalog is temporarily unavailable")
	case errors.Is(err, repository.ErrVersionConflict):
		respondError(w, http.StatusConflict, "write_conflict", "cart was modified concurrently, retry the request")
	default:
		h.log.Error("unhandled service error", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("failed to encode response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
