package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ProviderOutcome is the normalized status of a provider transaction.
type ProviderOutcome string

const (
	ProviderOutcomeApproved  ProviderOutcome = "approved"
	ProviderOutcomeRejected  ProviderOutcome = "rejected"
	ProviderOutcomeCancelled ProviderOutcome = "cancelled"
	ProviderOutcomePending   ProviderOutcome = "pending"
	ProviderOutcomeNotFound  ProviderOutcome = "not_found"
)

// PaymentEvent is a provider transaction result, from a synchronous confirm
// response or a relayed callback.
type PaymentEvent struct {
	Provider            string
	TransactionRef      string
	ClientTransactionID string
	Outcome             ProviderOutcome
	ProviderStatus      string
	Amount              int64 // in cents
	Raw                 json.RawMessage
}

type ConfirmationOutcome string

const (
	ConfirmationCompleted    ConfirmationOutcome = "completed"
	ConfirmationRejected     ConfirmationOutcome = "rejected"
	ConfirmationExpired      ConfirmationOutcome = "expired"
	ConfirmationPending      ConfirmationOutcome = "pending"
	ConfirmationOrphaned     ConfirmationOutcome = "orphaned"
	ConfirmationRecordedOnly ConfirmationOutcome = "recorded"
)

// ConfirmationResult is returned by the confirmation flow. AlreadyProcessed is
// informational: the event had been applied before and nothing changed.
type ConfirmationResult struct {
	OrderID          *uuid.UUID          `json:"order_id,omitempty"`
	Outcome          ConfirmationOutcome `json:"outcome"`
	OrderStatus      OrderStatus         `json:"order_status,omitempty"`
	AlreadyProcessed bool                `json:"already_processed"`
}

// CallbackRequest is the provider redirect/callback payload.
type CallbackRequest struct {
	ID                  string `json:"id"`
	ClientTransactionID string `json:"clientTransactionId"`
}

// ReserveRequest is the buyer's reservation request body.
type ReserveRequest struct {
	Quantity int `json:"quantity"`
}

// ManualPaymentRequest submits an order for cash or bank-transfer settlement.
type ManualPaymentRequest struct {
	Method PaymentMethod `json:"method"`
}

// ManualReviewRequest is an operator decision on a manual payment.
type ManualReviewRequest struct {
	Approve   bool   `json:"approve"`
	Reference string `json:"reference"`
}

// CardCheckout is returned when a card transaction has been prepared.
type CardCheckout struct {
	OrderID             uuid.UUID `json:"order_id"`
	TransactionRef      string    `json:"transaction_ref"`
	ClientTransactionID string    `json:"client_transaction_id"`
	PaymentURL          string    `json:"payment_url"`
	Amount              int64     `json:"amount"`
}

// ReleaseResult reports how many tickets a release returned to the pool.
type ReleaseResult struct {
	OrderID         uuid.UUID   `json:"order_id"`
	Status          OrderStatus `json:"status"`
	TicketsReleased int64       `json:"tickets_released"`
}

// ReceiptRequestedEvent asks the notifier to send a purchase receipt.
type ReceiptRequestedEvent struct {
	OrderID       uuid.UUID `json:"order_id"`
	RaffleID      uuid.UUID `json:"raffle_id"`
	BuyerID       string    `json:"buyer_id"`
	TicketNumbers []int     `json:"ticket_numbers"`
	TotalAmount   int64     `json:"total_amount"`
	Timestamp     time.Time `json:"timestamp"`
}

// PaymentReversedEvent is published after reconciliation reverses a payment.
type PaymentReversedEvent struct {
	OrderID           uuid.UUID `json:"order_id"`
	PaymentID         uuid.UUID `json:"payment_id"`
	ProviderReference string    `json:"provider_reference"`
	ProviderStatus    string    `json:"provider_status"`
	Timestamp         time.Time `json:"timestamp"`
}

// ReconciliationDetail describes one payment the worker acted on or failed to check.
type ReconciliationDetail struct {
	OrderID           uuid.UUID `json:"order_id"`
	PaymentID         uuid.UUID `json:"payment_id"`
	ProviderReference string    `json:"provider_reference"`
	ProviderStatus    string    `json:"provider_status"`
	Action            string    `json:"action"`
	SupersededBy      string    `json:"superseded_by,omitempty"`
	Error             string    `json:"error,omitempty"`
}

// ReconciliationSummary is the outcome of one reconciliation run.
type ReconciliationSummary struct {
	Checked          int                    `json:"checked"`
	Reversed         int                    `json:"reversed"`
	Failed           int                    `json:"failed"`
	Aborted          bool                   `json:"aborted"`
	AffectedOrderIDs []uuid.UUID            `json:"affected_order_ids"`
	Details          []ReconciliationDetail `json:"details"`
}

// ExpirySweepSummary is the outcome of one stale-reservation sweep.
type ExpirySweepSummary struct {
	Checked  int `json:"checked"`
	Released int `json:"released"`
	Failed   int `json:"failed"`
}
