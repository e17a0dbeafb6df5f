/**
 * @description
 * Payment confirmation state machine. A provider result is resolved to its
 * order, validated against the stored total, classified by the transition
 * guard and applied to the payment, the order and its tickets in one
 * row-locked transaction.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/davidethc/RifasEcuador-sub001/internal/domain"
	"github.com/davidethc/RifasEcuador-sub001/internal/store"
	"github.com/davidethc/RifasEcuador-sub001/pkg/payphoneclient"
	"github.com/google/uuid"
)

// AmountMismatchError is returned when a provider reports an amount that
// differs from the order total by more than the tolerance.
type AmountMismatchError struct {
	OrderID  uuid.UUID
	Expected int64
	Reported int64
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("amount mismatch for order %s: expected %d, provider reported %d", e.OrderID, e.Expected, e.Reported)
}

func (e *AmountMismatchError) Is(target error) bool {
	return target == ErrAmountMismatch
}

// normalizeProviderStatus maps PayPhone's status text and code to an outcome.
// Unknown values are pending so that they never change state.
func normalizeProviderStatus(statusText string, statusCode int) domain.ProviderOutcome {
	switch strings.ToLower(strings.TrimSpace(statusText)) {
	case "approved", "aprobada", "aprobado":
		return domain.ProviderOutcomeApproved
	case "rejected", "declined", "denied", "rechazada", "rechazado":
		return domain.ProviderOutcomeRejected
	case "canceled", "cancelled", "cancelada", "expired", "timeout":
		return domain.ProviderOutcomeCancelled
	case "pending", "pendiente":
		return domain.ProviderOutcomePending
	}
	switch statusCode {
	case 3:
		return domain.ProviderOutcomeApproved
	case 2:
		return domain.ProviderOutcomeCancelled
	default:
		return domain.ProviderOutcomePending
	}
}

func paymentEventFromTransaction(txn *payphoneclient.Transaction, fallbackClientTxID string) domain.PaymentEvent {
	clientTxID := strings.TrimSpace(txn.ClientTransactionID)
	if clientTxID == "" {
		clientTxID = strings.TrimSpace(fallbackClientTxID)
	}
	return domain.PaymentEvent{
		Provider:            domain.PaymentProviderPayPhone,
		TransactionRef:      txn.Reference(),
		ClientTransactionID: clientTxID,
		Outcome:             normalizeProviderStatus(txn.TransactionStatus, txn.StatusCode),
		ProviderStatus:      txn.TransactionStatus,
		Amount:              txn.Amount,
		Raw:                 txn.Raw,
	}
}

// classifyProviderError maps provider client failures onto service errors.
func classifyProviderError(err error) error {
	switch {
	case errors.Is(err, payphoneclient.ErrTimeout):
		return fmt.Errorf("%w: %v", ErrProviderTimeout, err)
	case errors.Is(err, payphoneclient.ErrUnavailable):
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	case errors.Is(err, payphoneclient.ErrInvalidTransactionID):
		return fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrProviderTimeout, err)
	}
	var apiErr *payphoneclient.ErrorResponse
	if errors.As(err, &apiErr) || errors.Is(err, payphoneclient.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrProviderRejected, err)
	}
	return err
}

// ConfirmPayment handles a provider redirect: it confirms the transaction with
// the provider and applies the result.
func (s *Service) ConfirmPayment(ctx context.Context, transactionID, clientTransactionID string) (*domain.ConfirmationResult, error) {
	transactionID = strings.TrimSpace(transactionID)
	clientTransactionID = strings.TrimSpace(clientTransactionID)
	if transactionID == "" || clientTransactionID == "" {
		return nil, ErrInvalidCallback
	}

	txn, err := s.provider.ConfirmTransaction(ctx, transactionID, clientTransactionID)
	if err != nil {
		log.Printf("level=warn component=service flow=confirm_payment transaction_id=%s client_tx_id=%s msg=\"provider confirm failed\" err=%v", transactionID, clientTransactionID, err)
		return nil, classifyProviderError(err)
	}

	event := paymentEventFromTransaction(txn, clientTransactionID)
	if event.TransactionRef == "" {
		event.TransactionRef = transactionID
	}
	if event.ClientTransactionID != clientTransactionID {
		log.Printf("level=warn component=service flow=confirm_payment transaction_id=%s msg=\"provider correlation id differs from callback\" callback_client_tx_id=%s provider_client_tx_id=%s", transactionID, clientTransactionID, event.ClientTransactionID)
	}
	return s.ApplyPaymentEvent(ctx, event)
}

// ApplyPaymentEvent drives order, payment and ticket state from one provider
// result. Replays of an applied event succeed with AlreadyProcessed set.
func (s *Service) ApplyPaymentEvent(ctx context.Context, event domain.PaymentEvent) (*domain.ConfirmationResult, error) {
	orderID, ok, err := s.resolveOrderID(ctx, event.ClientTransactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve order: %w", err)
	}
	if !ok {
		return &domain.ConfirmationResult{Outcome: domain.ConfirmationOrphaned}, nil
	}
	if strings.TrimSpace(event.TransactionRef) == "" {
		return nil, ErrInvalidCallback
	}
	if event.Provider == "" {
		event.Provider = domain.PaymentProviderPayPhone
	}

	if _, definitive := paymentStatusFor(event.Outcome); !definitive {
		order, err := s.repo.FindOrderByID(ctx, orderID)
		if errors.Is(err, store.ErrOrderNotFound) {
			return orphanedEvent(event), nil
		}
		if err != nil {
			return nil, err
		}
		log.Printf("level=info component=service flow=confirm_payment outcome=pending order_id=%s transaction_ref=%s provider_status=%q", orderID, event.TransactionRef, event.ProviderStatus)
		return &domain.ConfirmationResult{OrderID: &order.ID, Outcome: domain.ConfirmationPending, OrderStatus: order.Status}, nil
	}

	var (
		result       *domain.ConfirmationResult
		settled      *domain.Order
		lateApproval bool
		duplicate    bool
	)
	err = s.repo.WithOrderLock(ctx, orderID, func(tx store.OrderTx, order *domain.Order) error {
		result = &domain.ConfirmationResult{OrderID: &order.ID, OrderStatus: order.Status}

		if event.Outcome == domain.ProviderOutcomeApproved && !s.amountMatches(event.Amount, order.TotalAmount) {
			return &AmountMismatchError{OrderID: order.ID, Expected: order.TotalAmount, Reported: event.Amount}
		}

		existing, err := tx.FindPaymentByReference(ctx, event.TransactionRef)
		if errors.Is(err, store.ErrPaymentNotFound) {
			existing = nil
		} else if err != nil {
			return err
		}

		decision := decideTransition(existing, order, event.Outcome)
		switch decision.Payment {
		case paymentConflict:
			return fmt.Errorf("%w: reference %s is recorded for order %s", ErrTransactionReferenceConflict, event.TransactionRef, existing.OrderID)
		case paymentNoop:
			result.AlreadyProcessed = true
			result.Outcome = confirmationOutcomeFor(order.Status)
			log.Printf("level=info component=service flow=confirm_payment outcome=already_processed order_id=%s transaction_ref=%s reason=%q", order.ID, event.TransactionRef, decision.Reason)
			return nil
		case paymentCreate:
			target := decision.storedStatus(event.Outcome)
			payment := &domain.Payment{
				OrderID:           order.ID,
				Provider:          event.Provider,
				ProviderReference: event.TransactionRef,
				Amount:            event.Amount,
				Status:            target,
				RawResponse:       event.Raw,
			}
			if err := tx.InsertPayment(ctx, payment); err != nil {
				if errors.Is(err, store.ErrDuplicateProviderReference) {
					return fmt.Errorf("%w: reference %s was recorded concurrently", ErrTransactionReferenceConflict, event.TransactionRef)
				}
				return err
			}
		case paymentUpdate:
			target := decision.storedStatus(event.Outcome)
			if err := tx.UpdatePayment(ctx, existing.ID, store.PaymentUpdate{Status: target, Amount: event.Amount, RawResponse: event.Raw}); err != nil {
				return err
			}
		}

		switch decision.Order {
		case effectComplete:
			if err := tx.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusCompleted); err != nil {
				return err
			}
			if err := markOrderTicketsPaid(ctx, tx, order); err != nil {
				return err
			}
			result.Outcome = domain.ConfirmationCompleted
			result.OrderStatus = domain.OrderStatusCompleted
			completed := *order
			completed.Status = domain.OrderStatusCompleted
			settled = &completed
		case effectReject, effectExpire:
			status := domain.OrderStatusRejected
			result.Outcome = domain.ConfirmationRejected
			if decision.Order == effectExpire {
				status = domain.OrderStatusExpired
				result.Outcome = domain.ConfirmationExpired
			}
			if _, err := releaseOrderTickets(ctx, tx, order); err != nil {
				return err
			}
			if err := tx.UpdateOrderStatus(ctx, order.ID, status); err != nil {
				return err
			}
			result.OrderStatus = status
		case effectDuplicateSettlement:
			result.AlreadyProcessed = true
			result.Outcome = domain.ConfirmationCompleted
			duplicate = true
		default:
			result.Outcome = domain.ConfirmationRecordedOnly
			lateApproval = event.Outcome == domain.ProviderOutcomeApproved
		}

		log.Printf("level=info component=service flow=confirm_payment outcome=%s order_id=%s transaction_ref=%s reason=%q", result.Outcome, order.ID, event.TransactionRef, decision.Reason)
		return nil
	})
	if errors.Is(err, store.ErrOrderNotFound) {
		return orphanedEvent(event), nil
	}
	if err != nil {
		s.reportGuardFailure(ctx, orderID, event, err)
		return nil, err
	}

	if settled != nil {
		s.dispatchReceipt(*settled)
	}
	if duplicate {
		log.Printf("level=warn component=service flow=confirm_payment outcome=duplicate_settlement order_id=%s transaction_ref=%s amount=%d", orderID, event.TransactionRef, event.Amount)
		s.alert(ctx, fmt.Sprintf("Order %s is already completed but provider reference %s also reports approved %d cents. It was recorded as a duplicate payment; check for a double charge.", orderID, event.TransactionRef, event.Amount))
	}
	if lateApproval {
		log.Printf("level=warn component=service flow=confirm_payment outcome=late_approval order_id=%s transaction_ref=%s order_status=%s", orderID, event.TransactionRef, result.OrderStatus)
		s.alert(ctx, fmt.Sprintf("Approved payment %s arrived for order %s in status %s; the order was not revived and needs a refund decision.", event.TransactionRef, orderID, result.OrderStatus))
		return result, ErrOrderNotPayable
	}
	return result, nil
}

// orphanedEvent acknowledges an event whose correlation id names no stored order.
func orphanedEvent(event domain.PaymentEvent) *domain.ConfirmationResult {
	log.Printf("level=warn component=service flow=resolve_order outcome=orphaned reason=order_not_found client_tx_id=%q transaction_ref=%s", event.ClientTransactionID, event.TransactionRef)
	return &domain.ConfirmationResult{Outcome: domain.ConfirmationOrphaned}
}

func (s *Service) amountMatches(reported, expected int64) bool {
	diff := reported - expected
	if diff < 0 {
		diff = -diff
	}
	return diff <= s.settings.AmountToleranceCents
}

func confirmationOutcomeFor(status domain.OrderStatus) domain.ConfirmationOutcome {
	switch status {
	case domain.OrderStatusCompleted:
		return domain.ConfirmationCompleted
	case domain.OrderStatusRejected:
		return domain.ConfirmationRejected
	case domain.OrderStatusExpired, domain.OrderStatusCancelled:
		return domain.ConfirmationExpired
	default:
		return domain.ConfirmationPending
	}
}

// reportGuardFailure logs every failed event and alerts on the correctness guards.
func (s *Service) reportGuardFailure(ctx context.Context, orderID uuid.UUID, event domain.PaymentEvent, err error) {
	log.Printf("level=warn component=service flow=confirm_payment outcome=rejected order_id=%s transaction_ref=%s provider_status=%q err=%v", orderID, event.TransactionRef, event.ProviderStatus, err)
	switch {
	case errors.Is(err, ErrAmountMismatch):
		s.alert(ctx, fmt.Sprintf("Amount mismatch on order %s (reference %s): %v", orderID, event.TransactionRef, err))
	case errors.Is(err, ErrTransactionReferenceConflict):
		s.alert(ctx, fmt.Sprintf("Transaction reference conflict on order %s: %v", orderID, err))
	}
}
