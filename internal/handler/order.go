package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/daksndt/order-engine/internal/order"
	"github.com/daksndt/order-engine/internal/stock"
)

type CreateOrderItemRequest struct {
	ProductID      string         `json:"product_id" validate:"required,uuid"`
	Quantity       int            `json:"quantity" validate:"required,gt=0"`
	Specifications map[string]any `json:"specifications,omitempty"`
}

type CreateOrderRequest struct {
	UserID          string                   `json:"user_id,omitempty" validate:"omitempty,uuid"`
	CustomerName    string                   `json:"customer_name" validate:"required,min=2"`
	CustomerEmail   string                   `json:"customer_email" validate:"required,email"`
	CustomerPhone   string                   `json:"customer_phone,omitempty"`
	CustomerCompany string                   `json:"customer_company,omitempty"`
	ShippingAddress *order.Address           `json:"shipping_address,omitempty"`
	BillingAddress  *order.Address           `json:"billing_address,omitempty"`
	Items           []CreateOrderItemRequest `json:"items" validate:"required,min=1,dive"`
	DiscountAmount  decimal.Decimal          `json:"discount_amount"`
	Notes           string                   `json:"notes,omitempty"`
	ClientToken     string                   `json:"client_token,omitempty"`
}

type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required"`
	Notes  string `json:"notes,omitempty"`
}

type ShipOrderRequest struct {
	TrackingNumber    string     `json:"tracking_number" validate:"required"`
	Carrier           string     `json:"carrier" validate:"required"`
	EstimatedDelivery *time.Time `json:"estimated_delivery,omitempty"`
}

type CancelOrderRequest struct {
	Notes string `json:"notes,omitempty"`
}

type RefundRequest struct {
	Amount decimal.Decimal `json:"amount" validate:"required"`
	Reason string          `json:"reason" validate:"required"`
}

// PaymentWebhookRequest is the provider's event envelope. The event id is the
// idempotency key.
type PaymentWebhookRequest struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		OrderID string `json:"order_id"`
	} `json:"data"`
}

type OrderHandler struct {
	svc      order.Service
	validate *validator.Validate
}

func NewOrderHandler(svc order.Service) *OrderHandler {
	return &OrderHandler{
		svc:      svc,
		validate: validator.New(),
	}
}

func (h *OrderHandler) RegisterRoutes(router chi.Router) {
	router.Post("/orders", h.handleCreateOrder)
	router.Get("/orders", h.handleListOrders)
	router.Get("/orders/{id}", h.handleGetOrderByID)
	router.Get("/orders/number/{number}", h.handleGetOrderByNumber)
	router.Get("/orders/{id}/tracking", h.handleGetTracking)
	router.Put("/orders/{id}/status", h.handleUpdateStatus)
	router.Put("/orders/{id}/ship", h.handleShipOrder)
	router.Post("/orders/{id}/cancel", h.handleCancelOrder)
	router.Post("/orders/{id}/refund", h.handleRefund)
	router.Get("/users/{userID}/orders", h.handleGetUserOrders)
	router.Post("/webhooks/payment", h.handlePaymentWebhook)
}

func (h *OrderHandler) decodeAndValidate(w http.ResponseWriter, r *http.Request, payload any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(payload); err != nil {
		log.Warn().Err(err).Msg("handler: failed to decode request body")
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("invalid request payload: %v", err))
		return false
	}

	if err := h.validate.Struct(payload); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			respondWithJSON(w, http.StatusBadRequest, ValidationErrorResponse{
				Error:   "validation failed",
				Details: formatValidationErrors(validationErrors),
			})
		} else {
			log.Error().Err(err).Msg("handler: unexpected error type during validation")
			respondWithError(w, http.StatusInternalServerError, "internal validation error")
		}
		return false
	}

	return true
}

func orderIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.FromString(chi.URLParam(r, name))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid order id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *OrderHandler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	candidate := &order.Order{
		Customer: order.Customer{
			Name:    req.CustomerName,
			Email:   req.CustomerEmail,
			Phone:   req.CustomerPhone,
			Company: req.CustomerCompany,
		},
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		DiscountAmount:  req.DiscountAmount,
		Notes:           req.Notes,
		ClientToken:     req.ClientToken,
	}
	if req.UserID != "" {
		userID, err := uuid.FromString(req.UserID)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid user id")
			return
		}
		candidate.UserID = uuid.NullUUID{UUID: userID, Valid: true}
	}
	for _, item := range req.Items {
		productID, err := uuid.FromString(item.ProductID)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid product id")
			return
		}
		candidate.Items = append(candidate.Items, order.OrderItem{
			ProductID:      productID,
			Quantity:       item.Quantity,
			Specifications: item.Specifications,
		})
	}

	created, err := h.svc.CreateOrder(r.Context(), candidate)
	if err != nil {
		log.Warn().Err(err).Msg("handler: failed to create order")
		h.respondCreateOrderError(w, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, created)
}

// respondCreateOrderError gives checkout failures enough detail to act on:
// which line item lacked stock and how many units are actually available.
func (h *OrderHandler) respondCreateOrderError(w http.ResponseWriter, err error) {
	var stockErr *stock.InsufficientStockError
	if errors.As(err, &stockErr) {
		respondWithJSON(w, http.StatusConflict, map[string]any{
			"error":      "insufficient stock",
			"product_id": stockErr.ProductID,
			"requested":  stockErr.Requested,
			"available":  stockErr.Available,
		})
		return
	}

	code := mapErrorToStatusCode(err)
	message := "failed to create order"
	switch code {
	case http.StatusNotFound:
		message = "product not found"
	case http.StatusBadRequest:
		message = "invalid order data"
	}
	respondWithError(w, code, message)
}

func (h *OrderHandler) handleGetOrderByID(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(w, r, "id")
	if !ok {
		return
	}

	o, err := h.svc.GetOrderByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			respondWithError(w, http.StatusNotFound, "order not found")
			return
		}
		log.Error().Err(err).Stringer("order_id", id).Msg("handler: failed to get order")
		respondWithError(w, http.StatusInternalServerError, "failed to get order")
		return
	}

	respondWithJSON(w, http.StatusOK, o)
}

func (h *OrderHandler) handleGetOrderByNumber(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	if number == "" {
		respondWithError(w, http.StatusBadRequest, "order number is required")
		return
	}

	o, err := h.svc.GetOrderByNumber(r.Context(), number)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			respondWithError(w, http.StatusNotFound, "order not found")
			return
		}
		log.Error().Err(err).Str("order_number", number).Msg("handler: failed to get order")
		respondWithError(w, http.StatusInternalServerError, "failed to get order")
		return
	}

	respondWithJSON(w, http.StatusOK, o)
}

func (h *OrderHandler) handleListOrders(w http.ResponseWriter, r *http.Request) {
	filter := order.ListFilter{
		Status:        order.OrderStatus(r.URL.Query().Get("status")),
		PaymentStatus: order.PaymentStatus(r.URL.Query().Get("payment_status")),
		CustomerEmail: r.URL.Query().Get("customer_email"),
	}
	if v := r.URL.Query().Get("date_from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "date_from must be RFC3339")
			return
		}
		filter.DateFrom = &t
	}
	if v := r.URL.Query().Get("date_to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "date_to must be RFC3339")
			return
		}
		filter.DateTo = &t
	}
	filter.Page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	filter.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))

	orders, total, err := h.svc.ListOrders(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("handler: failed to list orders")
		respondWithError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{
		"orders": orders,
		"total":  total,
	})
}

func (h *OrderHandler) handleGetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.FromString(chi.URLParam(r, "userID"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	orders, err := h.svc.GetOrdersByUserID(r.Context(), userID)
	if err != nil {
		log.Error().Err(err).Stringer("user_id", userID).Msg("handler: failed to get user orders")
		respondWithError(w, http.StatusInternalServerError, "failed to get user orders")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (h *OrderHandler) handleGetTracking(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(w, r, "id")
	if !ok {
		return
	}

	tracking, err := h.svc.TrackingInfo(r.Context(), id)
	if err != nil {
		if errors.Is(err, order.ErrNoTrackingInfo) {
			respondWithError(w, http.StatusNotFound, "order has no tracking information yet")
			return
		}
		if errors.Is(err, order.ErrOrderNotFound) {
			respondWithError(w, http.StatusNotFound, "order not found")
			return
		}
		log.Error().Err(err).Stringer("order_id", id).Msg("handler: failed to get tracking info")
		respondWithError(w, http.StatusInternalServerError, "failed to get tracking info")
		return
	}

	respondWithJSON(w, http.StatusOK, tracking)
}

func (h *OrderHandler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(w, r, "id")
	if !ok {
		return
	}

	var req UpdateStatusRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	updated, err := h.svc.UpdateStatus(r.Context(), id, order.OrderStatus(req.Status), req.Notes)
	if err != nil {
		log.Warn().Err(err).Stringer("order_id", id).Str("new_status", req.Status).
			Msg("handler: failed to update order status")
		respondWithError(w, mapErrorToStatusCode(err), statusUpdateMessage(err))
		return
	}

	respondWithJSON(w, http.StatusOK, updated)
}

func statusUpdateMessage(err error) string {
	switch {
	case errors.Is(err, order.ErrInvalidStatusTransition):
		return "invalid status transition"
	case errors.Is(err, order.ErrStatusAlreadySet):
		return "order already has this status"
	case errors.Is(err, order.ErrShippingUnpaidOrder):
		return "cannot ship an unpaid order"
	case errors.Is(err, order.ErrOrderNotCancellable):
		return "order can no longer be cancelled"
	case errors.Is(err, order.ErrOrderNotFound):
		return "order not found"
	case errors.Is(err, order.ErrConflict):
		return "order was modified concurrently, retry"
	case errors.Is(err, order.ErrValidation):
		return "invalid order status"
	default:
		return "failed to update order status"
	}
}

func (h *OrderHandler) handleShipOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(w, r, "id")
	if !ok {
		return
	}

	var req ShipOrderRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	updated, err := h.svc.ShipOrder(r.Context(), id, req.TrackingNumber, req.Carrier, req.EstimatedDelivery)
	if err != nil {
		log.Warn().Err(err).Stringer("order_id", id).Msg("handler: failed to ship order")
		respondWithError(w, mapErrorToStatusCode(err), statusUpdateMessage(err))
		return
	}

	respondWithJSON(w, http.StatusOK, updated)
}

func (h *OrderHandler) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(w, r, "id")
	if !ok {
		return
	}

	var req CancelOrderRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	updated, err := h.svc.CancelOrder(r.Context(), id, req.Notes)
	if err != nil {
		log.Warn().Err(err).Stringer("order_id", id).Msg("handler: failed to cancel order")
		respondWithError(w, mapErrorToStatusCode(err), statusUpdateMessage(err))
		return
	}

	respondWithJSON(w, http.StatusOK, updated)
}

func (h *OrderHandler) handleRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(w, r, "id")
	if !ok {
		return
	}

	var req RefundRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	record, err := h.svc.Refund(r.Context(), id, req.Amount, req.Reason)
	if err != nil {
		log.Warn().Err(err).Stringer("order_id", id).Msg("handler: failed to process refund")
		switch {
		case errors.Is(err, order.ErrRefundExceedsTotal):
			respondWithError(w, http.StatusBadRequest, "refund amount exceeds order total")
		case errors.Is(err, order.ErrRefundNotPaid):
			respondWithError(w, http.StatusBadRequest, "order has not been paid")
		default:
			respondWithError(w, mapErrorToStatusCode(err), "failed to process refund")
		}
		return
	}

	respondWithJSON(w, http.StatusOK, record)
}

// handlePaymentWebhook always answers 200 to the untrusted provider: failures
// are logged, never surfaced, so internal state does not leak and the provider
// does not go into a retry storm.
func (h *OrderHandler) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var req PaymentWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Warn().Err(err).Msg("handler: failed to decode payment webhook")
		respondWithJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	orderID, err := uuid.FromString(req.Data.OrderID)
	if err != nil {
		log.Warn().Str("order_id", req.Data.OrderID).Msg("handler: payment webhook with invalid order id")
		respondWithJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	event := order.PaymentEvent{
		EventID: req.ID,
		Type:    order.PaymentEventType(req.Type),
		OrderID: orderID,
	}

	if _, err := h.svc.ApplyPaymentEvent(r.Context(), event); err != nil && !errors.Is(err, order.ErrAlreadyApplied) {
		log.Error().Err(err).Str("event_id", req.ID).Stringer("order_id", orderID).
			Msg("handler: failed to apply payment event")
	}

	respondWithJSON(w, http.StatusOK, map[string]bool{"received": true})
}
