package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/davidethc/RifasEcuador-sub001/internal/domain"
	"github.com/davidethc/RifasEcuador-sub001/internal/store"
	"github.com/davidethc/RifasEcuador-sub001/pkg/payphoneclient"
	"github.com/google/uuid"
)

const (
	reconcileActionReversed = "reversed"
	reconcileActionSkipped  = "skipped"
	reconcileActionFailed   = "check_failed"
	providerStatusNotFound  = "not_found"
)

// ReconcileApprovedPayments re-checks recent approved card payments with the
// provider and reverses the ones it no longer reports as approved. Checks are
// independent; a run aborts only when the provider looks unreachable.
func (s *Service) ReconcileApprovedPayments(ctx context.Context) (*domain.ReconciliationSummary, error) {
	since := s.now().UTC().Add(-s.settings.ReconcileLookback)
	payments, err := s.repo.ListApprovedPaymentsSince(ctx, domain.PaymentProviderPayPhone, since, s.settings.ReconcileBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list approved payments: %w", err)
	}

	summary := &domain.ReconciliationSummary{
		AffectedOrderIDs: []uuid.UUID{},
		Details:          []domain.ReconciliationDetail{},
	}
	log.Printf("level=info component=service flow=payment_reconcile msg=\"run started\" candidates=%d since=%s", len(payments), since.Format(time.RFC3339))

	consecutiveUnavailable := 0
	for i, payment := range payments {
		if i > 0 && s.settings.ReconcileCallDelay > 0 {
			select {
			case <-ctx.Done():
				summary.Aborted = true
				return summary, ctx.Err()
			case <-time.After(s.settings.ReconcileCallDelay):
			}
		}

		providerStatus, stillApproved, checkErr := s.checkProviderStatus(ctx, payment)
		if checkErr != nil {
			summary.Failed++
			summary.Details = append(summary.Details, domain.ReconciliationDetail{
				OrderID:           payment.OrderID,
				PaymentID:         payment.ID,
				ProviderReference: payment.ProviderReference,
				Action:            reconcileActionFailed,
				Error:             checkErr.Error(),
			})
			log.Printf("level=warn component=service flow=payment_reconcile msg=\"provider check failed\" payment_id=%s order_id=%s reference=%s err=%v", payment.ID, payment.OrderID, payment.ProviderReference, checkErr)

			if errors.Is(checkErr, payphoneclient.ErrUnavailable) {
				consecutiveUnavailable++
				if consecutiveUnavailable >= s.settings.ReconcileMaxFailures {
					summary.Aborted = true
					log.Printf("level=error component=service flow=payment_reconcile msg=\"provider unreachable; aborting run\" consecutive_failures=%d checked=%d reversed=%d", consecutiveUnavailable, summary.Checked, summary.Reversed)
					return summary, fmt.Errorf("%w: %d consecutive failures", ErrProviderUnavailable, consecutiveUnavailable)
				}
			}
			continue
		}
		consecutiveUnavailable = 0
		summary.Checked++

		if stillApproved {
			continue
		}

		reversed, supersededBy, err := s.reversePayment(ctx, payment, providerStatus)
		if err != nil {
			summary.Failed++
			summary.Details = append(summary.Details, domain.ReconciliationDetail{
				OrderID:           payment.OrderID,
				PaymentID:         payment.ID,
				ProviderReference: payment.ProviderReference,
				ProviderStatus:    providerStatus,
				Action:            reconcileActionFailed,
				Error:             err.Error(),
			})
			log.Printf("level=error component=service flow=payment_reconcile msg=\"reversal failed\" payment_id=%s order_id=%s err=%v", payment.ID, payment.OrderID, err)
			continue
		}
		if !reversed {
			summary.Details = append(summary.Details, domain.ReconciliationDetail{
				OrderID:           payment.OrderID,
				PaymentID:         payment.ID,
				ProviderReference: payment.ProviderReference,
				ProviderStatus:    providerStatus,
				Action:            reconcileActionSkipped,
			})
			continue
		}

		summary.Reversed++
		summary.AffectedOrderIDs = append(summary.AffectedOrderIDs, payment.OrderID)
		summary.Details = append(summary.Details, domain.ReconciliationDetail{
			OrderID:           payment.OrderID,
			PaymentID:         payment.ID,
			ProviderReference: payment.ProviderReference,
			ProviderStatus:    providerStatus,
			Action:            reconcileActionReversed,
			SupersededBy:      supersededBy,
		})
	}

	log.Printf("level=info component=service flow=payment_reconcile msg=\"run finished\" checked=%d reversed=%d failed=%d", summary.Checked, summary.Reversed, summary.Failed)
	if summary.Reversed > 0 {
		s.alert(ctx, reversalAlertText(summary))
	}
	return summary, nil
}

// checkProviderStatus returns the provider's current status for the payment.
// A transaction the provider no longer knows counts as not approved.
func (s *Service) checkProviderStatus(ctx context.Context, payment domain.Payment) (status string, approved bool, err error) {
	txn, err := s.provider.QueryTransaction(ctx, payment.ProviderReference)
	if err != nil {
		if errors.Is(err, payphoneclient.ErrNotFound) {
			return providerStatusNotFound, false, nil
		}
		return "", false, err
	}

	outcome := normalizeProviderStatus(txn.TransactionStatus, txn.StatusCode)
	status = strings.TrimSpace(txn.TransactionStatus)
	if status == "" {
		status = string(outcome)
	}
	return status, outcome == domain.ProviderOutcomeApproved, nil
}

// reversePayment marks the payment reversed under the order lock. When the
// order holds a duplicate charge, that charge becomes the settling payment and
// the order stays completed; otherwise the order expires and its tickets are
// held as reserved for an operator decision. It reports false when the payment
// was no longer approved, and the promoted reference when one took over.
func (s *Service) reversePayment(ctx context.Context, payment domain.Payment, providerStatus string) (bool, string, error) {
	var (
		reversed     bool
		held         int64
		prevOrder    domain.OrderStatus
		supersededBy string
	)
	err := s.repo.WithOrderLock(ctx, payment.OrderID, func(tx store.OrderTx, order *domain.Order) error {
		current, err := tx.FindPaymentByReference(ctx, payment.ProviderReference)
		if err != nil {
			return err
		}
		if current.Status != domain.PaymentStatusApproved || current.OrderID != order.ID {
			return nil
		}

		if err := tx.UpdatePayment(ctx, current.ID, store.PaymentUpdate{Status: domain.PaymentStatusReversed, Amount: current.Amount}); err != nil {
			return err
		}
		prevOrder = order.Status
		reversed = true

		if order.Status == domain.OrderStatusCompleted {
			replacement, err := findDuplicateSettlement(ctx, tx, order.ID)
			if err != nil {
				return err
			}
			if replacement != nil {
				if err := tx.UpdatePayment(ctx, replacement.ID, store.PaymentUpdate{Status: domain.PaymentStatusApproved, Amount: replacement.Amount}); err != nil {
					return err
				}
				supersededBy = replacement.ProviderReference
				return nil
			}
		}

		if order.Status == domain.OrderStatusCompleted || order.Status.IsOpen() {
			if err := tx.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusExpired); err != nil {
				return err
			}
		}
		held, err = holdOrderTicketsForReview(ctx, tx, order)
		return err
	})
	if err != nil || !reversed {
		return false, "", err
	}

	if supersededBy != "" {
		log.Printf("level=warn component=service flow=payment_reconcile msg=\"payment reversed; duplicate charge now settles the order\" payment_id=%s order_id=%s reference=%s provider_status=%q settling_reference=%s", payment.ID, payment.OrderID, payment.ProviderReference, providerStatus, supersededBy)
	} else {
		log.Printf("level=warn component=service flow=payment_reconcile msg=\"payment reversed\" payment_id=%s order_id=%s reference=%s provider_status=%q previous_order_status=%s tickets_held=%d", payment.ID, payment.OrderID, payment.ProviderReference, providerStatus, prevOrder, held)
	}

	event := domain.PaymentReversedEvent{
		OrderID:           payment.OrderID,
		PaymentID:         payment.ID,
		ProviderReference: payment.ProviderReference,
		ProviderStatus:    providerStatus,
		Timestamp:         s.now().UTC(),
	}
	if err := s.eventProducer.PublishPaymentReversed(ctx, event); err != nil {
		log.Printf("level=warn component=service flow=payment_reconcile msg=\"failed to publish reversal event\" payment_id=%s err=%v", payment.ID, err)
	}
	return true, supersededBy, nil
}

// findDuplicateSettlement returns the oldest duplicate charge on the order, if any.
func findDuplicateSettlement(ctx context.Context, tx store.OrderTx, orderID uuid.UUID) (*domain.Payment, error) {
	payments, err := tx.ListOrderPayments(ctx, orderID)
	if err != nil {
		return nil, err
	}
	for i := range payments {
		if payments[i].Status == domain.PaymentStatusDuplicate {
			return &payments[i], nil
		}
	}
	return nil, nil
}

func reversalAlertText(summary *domain.ReconciliationSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reconciliation reversed %d payment(s) after checking %d.\n", summary.Reversed, summary.Checked)
	for _, detail := range summary.Details {
		if detail.Action != reconcileActionReversed {
			continue
		}
		if detail.SupersededBy != "" {
			fmt.Fprintf(&b, "- order %s, reference %s, provider status %s; still settled by duplicate reference %s\n", detail.OrderID, detail.ProviderReference, detail.ProviderStatus, detail.SupersededBy)
			continue
		}
		fmt.Fprintf(&b, "- order %s, reference %s, provider status %s\n", detail.OrderID, detail.ProviderReference, detail.ProviderStatus)
	}
	b.WriteString("Tickets of expired orders are held as reserved until an operator releases them.")
	return b.String()
}
