package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/davidethc/RifasEcuador-sub001/internal/domain"
)

// ExpireStaleReservations releases reserved orders that outlived the
// reservation window. Each order is released on its own; one failure does not
// stop the sweep.
func (s *Service) ExpireStaleReservations(ctx context.Context) (*domain.ExpirySweepSummary, error) {
	cutoff := s.now().UTC().Add(-s.settings.ReservationTTL)
	orders, err := s.repo.ListStaleReservedOrders(ctx, cutoff, s.settings.ExpirySweepBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale reservations: %w", err)
	}

	summary := &domain.ExpirySweepSummary{Checked: len(orders)}
	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		result, err := s.release(ctx, order.ID, domain.OrderStatusExpired, isExpirable)
		if err != nil {
			if errors.Is(err, ErrOrderNotReleasable) {
				continue
			}
			summary.Failed++
			log.Printf("level=warn component=service flow=reservation_expiry msg=\"release failed\" order_id=%s err=%v", order.ID, err)
			continue
		}
		if result.Status == domain.OrderStatusExpired {
			summary.Released++
		}
	}

	if summary.Checked > 0 {
		log.Printf("level=info component=service flow=reservation_expiry msg=\"sweep finished\" checked=%d released=%d failed=%d", summary.Checked, summary.Released, summary.Failed)
	}
	return summary, nil
}

// isExpirable re-checks the sweep criteria on the locked row; the order may
// have moved on since it was listed.
func isExpirable(order *domain.Order) bool {
	return order.Status == domain.OrderStatusReserved && !order.PaymentMethod.IsManual()
}
