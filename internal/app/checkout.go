package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/davidethc/RifasEcuador-sub001/internal/domain"
	"github.com/davidethc/RifasEcuador-sub001/internal/store"
	"github.com/davidethc/RifasEcuador-sub001/pkg/payphoneclient"
	"github.com/google/uuid"
)

// GetOrder returns the order when it belongs to buyerID.
func (s *Service) GetOrder(ctx context.Context, orderID uuid.UUID, buyerID string) (*domain.Order, error) {
	order, err := s.repo.FindOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.BuyerID != strings.TrimSpace(buyerID) {
		return nil, ErrOrderOwnership
	}
	return order, nil
}

// CancelOrder releases a buyer's own order while it is still open. Tickets
// held after a reversal stay reserved until an operator releases them.
func (s *Service) CancelOrder(ctx context.Context, orderID uuid.UUID, buyerID string) (*domain.ReleaseResult, error) {
	if _, err := s.GetOrder(ctx, orderID, buyerID); err != nil {
		return nil, err
	}
	return s.release(ctx, orderID, domain.OrderStatusCancelled, func(o *domain.Order) bool {
		return o.Status.IsOpen()
	})
}

// InitiateCardPayment prepares a provider transaction for the order's stored
// total and marks the order as paid by card.
func (s *Service) InitiateCardPayment(ctx context.Context, orderID uuid.UUID, buyerID string) (*domain.CardCheckout, error) {
	order, err := s.GetOrder(ctx, orderID, buyerID)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderStatusReserved {
		return nil, ErrOrderNotOpen
	}

	clientTxID := BuildClientTransactionID(order.ID, s.now())
	resp, err := s.provider.CreateTransaction(ctx, payphoneclient.PrepareRequest{
		Amount:              order.TotalAmount,
		AmountWithoutTax:    order.TotalAmount,
		ClientTransactionID: clientTxID,
		Reference:           fmt.Sprintf("Rifa %d boletos", order.Quantity),
		ResponseURL:         s.settings.PaymentResponseURL,
		CancellationURL:     s.settings.PaymentCancellationURL,
	})
	if err != nil {
		log.Printf("level=warn component=service flow=card_checkout order_id=%s client_tx_id=%s msg=\"prepare failed\" err=%v", order.ID, clientTxID, err)
		return nil, classifyProviderError(err)
	}

	err = s.repo.WithOrderLock(ctx, order.ID, func(tx store.OrderTx, locked *domain.Order) error {
		if locked.Status != domain.OrderStatusReserved {
			return ErrOrderNotOpen
		}
		if locked.PaymentMethod == domain.PaymentMethodCard {
			return nil
		}
		return tx.UpdateOrderPaymentMethod(ctx, locked.ID, domain.PaymentMethodCard)
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=service flow=card_checkout order_id=%s client_tx_id=%s transaction_ref=%s amount=%d", order.ID, clientTxID, resp.Reference(), order.TotalAmount)
	return &domain.CardCheckout{
		OrderID:             order.ID,
		TransactionRef:      resp.Reference(),
		ClientTransactionID: clientTxID,
		PaymentURL:          resp.PayWithCard,
		Amount:              order.TotalAmount,
	}, nil
}

// SubmitManualPayment moves a reserved order to pending_approval for cash or
// bank-transfer settlement and marks its tickets sold.
func (s *Service) SubmitManualPayment(ctx context.Context, orderID uuid.UUID, buyerID string, method domain.PaymentMethod) (*domain.Order, error) {
	if !method.IsManual() {
		return nil, ErrInvalidPaymentMethod
	}
	if _, err := s.GetOrder(ctx, orderID, buyerID); err != nil {
		return nil, err
	}

	var updated *domain.Order
	err := s.repo.WithOrderLock(ctx, orderID, func(tx store.OrderTx, order *domain.Order) error {
		if order.Status == domain.OrderStatusPendingApproval && order.PaymentMethod == method {
			updated = order
			return nil
		}
		if order.Status != domain.OrderStatusReserved {
			return ErrOrderNotOpen
		}
		if err := tx.UpdateOrderPaymentMethod(ctx, order.ID, method); err != nil {
			return err
		}
		if err := tx.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusPendingApproval); err != nil {
			return err
		}
		if err := markOrderTicketsSold(ctx, tx, order); err != nil {
			return err
		}
		next := *order
		next.Status = domain.OrderStatusPendingApproval
		next.PaymentMethod = method
		updated = &next
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=service flow=manual_payment outcome=submitted order_id=%s method=%s", orderID, method)
	return updated, nil
}

// ReviewManualPayment applies an operator's decision on a pending manual
// payment. Approval records a manual payment and completes the order;
// rejection releases the tickets.
func (s *Service) ReviewManualPayment(ctx context.Context, orderID uuid.UUID, approve bool, reference string) (*domain.ConfirmationResult, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		reference = "review"
	}
	outcome := domain.ProviderOutcomeRejected
	if approve {
		outcome = domain.ProviderOutcomeApproved
	}

	var (
		result  *domain.ConfirmationResult
		settled *domain.Order
	)
	err := s.repo.WithOrderLock(ctx, orderID, func(tx store.OrderTx, order *domain.Order) error {
		result = &domain.ConfirmationResult{OrderID: &order.ID, OrderStatus: order.Status}
		if !order.PaymentMethod.IsManual() {
			return ErrInvalidPaymentMethod
		}
		if order.Status != domain.OrderStatusPendingApproval {
			result.AlreadyProcessed = true
			result.Outcome = confirmationOutcomeFor(order.Status)
			return nil
		}

		if !approve {
			if _, err := releaseOrderTickets(ctx, tx, order); err != nil {
				return err
			}
			if err := tx.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusRejected); err != nil {
				return err
			}
			result.Outcome = domain.ConfirmationRejected
			result.OrderStatus = domain.OrderStatusRejected
			return nil
		}

		payment := &domain.Payment{
			OrderID:           order.ID,
			Provider:          domain.PaymentProviderManual,
			ProviderReference: manualPaymentReference(order.ID, reference),
			Amount:            order.TotalAmount,
			Status:            domain.PaymentStatusApproved,
		}
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}
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
		return nil
	})
	if err != nil {
		return nil, err
	}

	if settled != nil {
		s.dispatchReceipt(*settled)
	}
	log.Printf("level=info component=service flow=manual_review order_id=%s outcome=%s already_processed=%t decision=%s", orderID, result.Outcome, result.AlreadyProcessed, outcome)
	return result, nil
}

// manualPaymentReference keeps operator references unique per order.
func manualPaymentReference(orderID uuid.UUID, reference string) string {
	return "manual:" + orderID.String() + ":" + reference
}
