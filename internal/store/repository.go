/**
 * @description
 * This file defines the `Repository` interface, the data access contract of the
 * raffle-service. Business logic in internal/app only talks to these interfaces,
 * which keeps the Postgres implementation swappable in tests.
 *
 * @dependencies
 * - github.com/google/uuid: identifiers.
 * - internal/domain: the service's domain models.
 */

package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/davidethc/RifasEcuador-sub001/internal/domain"
	"github.com/google/uuid"
)

// TicketTransition moves the tickets an order owns from one of the From
// statuses to To. Rows are matched by raffle id, the exact numbers and the
// owning order, never by buyer.
type TicketTransition struct {
	RaffleID   uuid.UUID
	OrderID    uuid.UUID
	Numbers    []int
	From       []domain.TicketStatus
	To         domain.TicketStatus
	ClearOwner bool
}

// PaymentUpdate is an in-place update of an existing payment row.
type PaymentUpdate struct {
	Status      domain.PaymentStatus
	Amount      int64
	RawResponse json.RawMessage
}

// OrderTx exposes the writes allowed while an order row is locked. All calls
// share one database transaction that commits when the callback returns nil.
type OrderTx interface {
	FindPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error)
	ListOrderPayments(ctx context.Context, orderID uuid.UUID) ([]domain.Payment, error)
	InsertPayment(ctx context.Context, payment *domain.Payment) error
	UpdatePayment(ctx context.Context, paymentID uuid.UUID, update PaymentUpdate) error
	UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status domain.OrderStatus) error
	UpdateOrderPaymentMethod(ctx context.Context, orderID uuid.UUID, method domain.PaymentMethod) error
	TransitionTickets(ctx context.Context, transition TicketTransition) (int64, error)
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Raffle and inventory reads
	FindRaffleByID(ctx context.Context, raffleID uuid.UUID) (*domain.Raffle, error)
	ListAvailableTicketNumbers(ctx context.Context, raffleID uuid.UUID) ([]int, error)
	CountAvailableTickets(ctx context.Context, raffleID uuid.UUID) (int, error)

	// ClaimTicketsAtomic moves order.TicketNumbers from available to reserved
	// and inserts the order in one transaction. It returns ErrTicketClaimConflict
	// when any of the numbers is no longer available.
	ClaimTicketsAtomic(ctx context.Context, order *domain.Order) error

	// Order ledger
	FindOrderByID(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
	FindOrderIDsByPrefix(ctx context.Context, prefix string, limit int) ([]uuid.UUID, error)
	ListStaleReservedOrders(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Order, error)

	// WithOrderLock loads the order with SELECT ... FOR UPDATE and runs fn inside
	// the same transaction, serializing every writer of that order.
	WithOrderLock(ctx context.Context, orderID uuid.UUID, fn func(tx OrderTx, order *domain.Order) error) error

	// Payment records
	ListApprovedPaymentsSince(ctx context.Context, provider string, since time.Time, limit int) ([]domain.Payment, error)
}
