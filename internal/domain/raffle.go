/**
 * @description
 * Core domain models for the raffle-service: raffles, their numbered tickets,
 * purchase orders and the provider payments settling them.
 *
 * @notes
 * - Amounts are int64 cents. An order's total is fixed when the order is
 *   created and every later validation compares against that stored value.
 * - Ticket numbers are unique within a raffle.
 */

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type RaffleStatus string

const (
	RaffleStatusActive RaffleStatus = "active"
	RaffleStatusClosed RaffleStatus = "closed"
)

// Raffle is provisioned by an operator and is read-only to this service.
type Raffle struct {
	ID           uuid.UUID    `json:"id"`
	Title        string       `json:"title"`
	TicketPrice  int64        `json:"ticket_price"` // in cents
	TotalTickets int          `json:"total_tickets"`
	Status       RaffleStatus `json:"status"`
	CreatedAt    time.Time    `json:"created_at"`
}

type TicketStatus string

const (
	TicketStatusAvailable TicketStatus = "available"
	TicketStatusReserved  TicketStatus = "reserved"
	TicketStatusSold      TicketStatus = "sold"
	TicketStatusPaid      TicketStatus = "paid"
)

// Ticket maps to one row of the raffle_tickets table.
type Ticket struct {
	RaffleID  uuid.UUID    `json:"raffle_id"`
	Number    int          `json:"number"`
	Status    TicketStatus `json:"status"`
	OrderID   *uuid.UUID   `json:"order_id,omitempty"`
	BuyerID   *string      `json:"buyer_id,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type OrderStatus string

const (
	OrderStatusReserved        OrderStatus = "reserved"
	OrderStatusPendingApproval OrderStatus = "pending_approval"
	OrderStatusCompleted       OrderStatus = "completed"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusExpired         OrderStatus = "expired"
)

// IsOpen reports whether the order can still be settled.
func (s OrderStatus) IsOpen() bool {
	return s == OrderStatusReserved || s == OrderStatusPendingApproval
}

// IsFailed reports whether the order ended without a settlement.
func (s OrderStatus) IsFailed() bool {
	return s == OrderStatusRejected || s == OrderStatusCancelled || s == OrderStatusExpired
}

type PaymentMethod string

const (
	PaymentMethodUnset        PaymentMethod = ""
	PaymentMethodCash         PaymentMethod = "cash"
	PaymentMethodCard         PaymentMethod = "card"
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
)

// IsManual reports whether the method settles outside the card provider.
func (m PaymentMethod) IsManual() bool {
	return m == PaymentMethodCash || m == PaymentMethodBankTransfer
}

// Order is one buyer's purchase attempt for a fixed set of tickets.
type Order struct {
	ID            uuid.UUID     `json:"id"`
	RaffleID      uuid.UUID     `json:"raffle_id"`
	BuyerID       string        `json:"buyer_id"`
	Quantity      int           `json:"quantity"`
	TicketNumbers []int         `json:"ticket_numbers"`
	TotalAmount   int64         `json:"total_amount"` // in cents
	PaymentMethod PaymentMethod `json:"payment_method"`
	Status        OrderStatus   `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// PaymentStatus is the stored state of a payment. A duplicate payment is an
// approved charge on an order another reference already settled; it carries
// no tickets until that reference is reversed.
type PaymentStatus string

const (
	PaymentStatusApproved  PaymentStatus = "approved"
	PaymentStatusRejected  PaymentStatus = "rejected"
	PaymentStatusReversed  PaymentStatus = "reversed"
	PaymentStatusDuplicate PaymentStatus = "duplicate"
)

const (
	PaymentProviderPayPhone = "payphone"
	PaymentProviderManual   = "manual"
)

// Payment is one provider transaction tied to an order. ProviderReference is
// unique across the system.
type Payment struct {
	ID                uuid.UUID       `json:"id"`
	OrderID           uuid.UUID       `json:"order_id"`
	Provider          string          `json:"provider"`
	ProviderReference string          `json:"provider_reference"`
	Amount            int64           `json:"amount"` // in cents
	Status            PaymentStatus   `json:"status"`
	RawResponse       json.RawMessage `json:"raw_response,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}
