/**
 * @description
 * HTTP handlers for the raffle service. Handlers parse requests, call the
 * application service and map its errors onto status codes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/app, internal/domain, internal/store: service logic, models and errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/davidethc/RifasEcuador-sub001/internal/app"
	"github.com/davidethc/RifasEcuador-sub001/internal/domain"
	"github.com/davidethc/RifasEcuador-sub001/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxRequestBodyBytes = 1 << 16

// RaffleService is the application surface the handlers drive.
type RaffleService interface {
	Reserve(ctx context.Context, raffleID uuid.UUID, buyerID string, quantity int) (*domain.Order, error)
	GetOrder(ctx context.Context, orderID uuid.UUID, buyerID string) (*domain.Order, error)
	CancelOrder(ctx context.Context, orderID uuid.UUID, buyerID string) (*domain.ReleaseResult, error)
	InitiateCardPayment(ctx context.Context, orderID uuid.UUID, buyerID string) (*domain.CardCheckout, error)
	SubmitManualPayment(ctx context.Context, orderID uuid.UUID, buyerID string, method domain.PaymentMethod) (*domain.Order, error)
	ConfirmPayment(ctx context.Context, transactionID, clientTransactionID string) (*domain.ConfirmationResult, error)
	ReconcileApprovedPayments(ctx context.Context) (*domain.ReconciliationSummary, error)
	ExpireStaleReservations(ctx context.Context) (*domain.ExpirySweepSummary, error)
	ReviewManualPayment(ctx context.Context, orderID uuid.UUID, approve bool, reference string) (*domain.ConfirmationResult, error)
	Release(ctx context.Context, orderID uuid.UUID, reason domain.OrderStatus) (*domain.ReleaseResult, error)
}

// Handlers holds the application service that handlers will use.
type Handlers struct {
	service RaffleService
}

// NewHandlers creates a new instance of Handlers.
func NewHandlers(service RaffleService) *Handlers {
	return &Handlers{service: service}
}

type callbackResponse struct {
	Success          bool                       `json:"success"`
	OrderID          *uuid.UUID                 `json:"order_id,omitempty"`
	Outcome          domain.ConfirmationOutcome `json:"outcome"`
	OrderStatus      domain.OrderStatus         `json:"order_status,omitempty"`
	AlreadyProcessed bool                       `json:"already_processed"`
}

func (h *Handlers) handleReserve(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := GetBuyerID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Buyer not authenticated")
		return
	}
	raffleID, ok := h.parseUUIDParam(w, r, "raffleID")
	if !ok {
		return
	}

	var req domain.ReserveRequest
	if err := decodeJSONBody(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	order, err := h.service.Reserve(r.Context(), raffleID, buyerID, req.Quantity)
	if err != nil {
		h.writeServiceError(w, "reserve", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, order)
}

func (h *Handlers) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := GetBuyerID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Buyer not authenticated")
		return
	}
	orderID, ok := h.parseUUIDParam(w, r, "orderID")
	if !ok {
		return
	}

	order, err := h.service.GetOrder(r.Context(), orderID, buyerID)
	if err != nil {
		h.writeServiceError(w, "get_order", err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handlers) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := GetBuyerID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Buyer not authenticated")
		return
	}
	orderID, ok := h.parseUUIDParam(w, r, "orderID")
	if !ok {
		return
	}

	result, err := h.service.CancelOrder(r.Context(), orderID, buyerID)
	if err != nil {
		h.writeServiceError(w, "cancel_order", err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) handleCardPayment(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := GetBuyerID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Buyer not authenticated")
		return
	}
	orderID, ok := h.parseUUIDParam(w, r, "orderID")
	if !ok {
		return
	}

	checkout, err := h.service.InitiateCardPayment(r.Context(), orderID, buyerID)
	if err != nil {
		h.writeServiceError(w, "card_payment", err)
		return
	}
	h.writeJSON(w, http.StatusOK, checkout)
}

func (h *Handlers) handleManualPayment(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := GetBuyerID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Buyer not authenticated")
		return
	}
	orderID, ok := h.parseUUIDParam(w, r, "orderID")
	if !ok {
		return
	}

	var req domain.ManualPaymentRequest
	if err := decodeJSONBody(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	method := domain.PaymentMethod(strings.ToLower(strings.TrimSpace(string(req.Method))))
	order, err := h.service.SubmitManualPayment(r.Context(), orderID, buyerID, method)
	if err != nil {
		h.writeServiceError(w, "manual_payment", err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

// handlePaymentCallback accepts the provider's redirect (query string) or a
// relayed JSON body.
func (h *Handlers) handlePaymentCallback(w http.ResponseWriter, r *http.Request) {
	req := domain.CallbackRequest{
		ID:                  strings.TrimSpace(r.URL.Query().Get("id")),
		ClientTransactionID: strings.TrimSpace(r.URL.Query().Get("clientTransactionId")),
	}
	if (req.ID == "" || req.ClientTransactionID == "") && r.Method == http.MethodPost {
		var body domain.CallbackRequest
		if err := decodeJSONBody(r, &body); err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid callback body")
			return
		}
		if req.ID == "" {
			req.ID = strings.TrimSpace(body.ID)
		}
		if req.ClientTransactionID == "" {
			req.ClientTransactionID = strings.TrimSpace(body.ClientTransactionID)
		}
	}
	if req.ID == "" || req.ClientTransactionID == "" {
		h.writeError(w, http.StatusBadRequest, "id and clientTransactionId are required")
		return
	}

	result, err := h.service.ConfirmPayment(r.Context(), req.ID, req.ClientTransactionID)
	if err != nil {
		h.writeServiceError(w, "payment_callback", err)
		return
	}

	h.writeJSON(w, http.StatusOK, callbackResponse{
		Success:          result.Outcome != domain.ConfirmationOrphaned,
		OrderID:          result.OrderID,
		Outcome:          result.Outcome,
		OrderStatus:      result.OrderStatus,
		AlreadyProcessed: result.AlreadyProcessed,
	})
}

func (h *Handlers) handleReconcile(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.ReconcileApprovedPayments(r.Context())
	if err != nil {
		log.Printf("level=warn component=api endpoint=reconcile outcome=error err=%v", err)
		if summary != nil {
			h.writeJSON(w, statusForError(err), map[string]interface{}{
				"error":   "Reconciliation aborted",
				"summary": summary,
			})
			return
		}
		h.writeServiceError(w, "reconcile", err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

func (h *Handlers) handleExpireReservations(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.ExpireStaleReservations(r.Context())
	if err != nil {
		h.writeServiceError(w, "expire_reservations", err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

func (h *Handlers) handleReviewManualPayment(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.parseUUIDParam(w, r, "orderID")
	if !ok {
		return
	}
	var req domain.ManualReviewRequest
	if err := decodeJSONBody(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.service.ReviewManualPayment(r.Context(), orderID, req.Approve, req.Reference)
	if err != nil {
		h.writeServiceError(w, "review_manual_payment", err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) handleReleaseOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.parseUUIDParam(w, r, "orderID")
	if !ok {
		return
	}

	result, err := h.service.Release(r.Context(), orderID, domain.OrderStatusCancelled)
	if err != nil {
		h.writeServiceError(w, "release_order", err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// decodeJSONBody treats an empty body as an empty object.
func decodeJSONBody(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes)).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// statusForError maps service and store errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, app.ErrInvalidQuantity),
		errors.Is(err, app.ErrBuyerRequired),
		errors.Is(err, app.ErrInvalidPaymentMethod),
		errors.Is(err, app.ErrInvalidCallback):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrOrderOwnership):
		return http.StatusForbidden
	case errors.Is(err, store.ErrOrderNotFound), errors.Is(err, store.ErrRaffleNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrInsufficientInventory),
		errors.Is(err, app.ErrRaffleNotActive),
		errors.Is(err, app.ErrTransactionReferenceConflict),
		errors.Is(err, app.ErrOrderNotPayable),
		errors.Is(err, app.ErrOrderNotOpen),
		errors.Is(err, app.ErrOrderNotReleasable),
		errors.Is(err, app.ErrTicketOwnershipMismatch):
		return http.StatusConflict
	case errors.Is(err, app.ErrAmountMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, app.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, app.ErrProviderTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, app.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, app.ErrProviderRejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// messageForError keeps user-facing messages generic but distinguishable.
func messageForError(status int, err error) string {
	switch {
	case errors.Is(err, app.ErrInsufficientInventory):
		return "Not enough tickets available"
	case errors.Is(err, app.ErrRaffleNotActive):
		return "Raffle is not accepting purchases"
	case errors.Is(err, app.ErrTransactionReferenceConflict):
		return "Payment reference belongs to another order"
	case errors.Is(err, app.ErrOrderNotPayable):
		return "Order is no longer payable; the payment was recorded for review"
	case errors.Is(err, app.ErrOrderNotOpen):
		return "Order is not open for payment"
	case errors.Is(err, app.ErrOrderNotReleasable):
		return "Order is completed and cannot be released"
	case errors.Is(err, app.ErrTicketOwnershipMismatch):
		return "Order no longer holds its tickets"
	case errors.Is(err, app.ErrInvalidQuantity):
		return "Invalid ticket quantity"
	case errors.Is(err, app.ErrBuyerRequired):
		return "Buyer is required"
	case errors.Is(err, app.ErrInvalidPaymentMethod):
		return "Invalid payment method"
	case errors.Is(err, app.ErrInvalidCallback):
		return "Invalid payment callback"
	}

	switch status {
	case http.StatusForbidden:
		return "Order does not belong to this buyer"
	case http.StatusNotFound:
		return "Not found"
	case http.StatusUnprocessableEntity:
		return "Payment amount does not match the order total"
	case http.StatusTooManyRequests:
		return "Too many reservation attempts. Please wait and try again."
	case http.StatusServiceUnavailable:
		return "Payment provider is unavailable. Please try again."
	case http.StatusGatewayTimeout:
		return "Payment provider timed out. Please try again."
	case http.StatusBadGateway:
		return "Payment provider rejected the request"
	default:
		return "Internal server error"
	}
}

func (h *Handlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("level=error component=api endpoint=%s status=%d err=%v", endpoint, status, err)
	} else {
		log.Printf("level=warn component=api endpoint=%s status=%d err=%v", endpoint, status, err)
	}

	body := map[string]interface{}{"error": messageForError(status, err)}
	var inventory *app.InsufficientInventoryError
	if errors.As(err, &inventory) {
		body["requested"] = inventory.Requested
		body["available"] = inventory.Available
	}
	var limited *app.RateLimitError
	if errors.As(err, &limited) && limited.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfterSeconds))
	}
	h.writeJSON(w, status, body)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
