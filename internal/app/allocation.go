package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/davidethc/RifasEcuador-sub001/internal/domain"
	"github.com/davidethc/RifasEcuador-sub001/internal/store"
	"github.com/google/uuid"
)

const reserveRateLimitScope = "reserve"

// Reserve claims quantity random available tickets of the raffle for buyerID
// and records a reserved order for them. Claims are all-or-nothing; a lost race
// on a candidate row is retried with a fresh candidate set.
func (s *Service) Reserve(ctx context.Context, raffleID uuid.UUID, buyerID string, quantity int) (*domain.Order, error) {
	buyerID = strings.TrimSpace(buyerID)
	if buyerID == "" {
		return nil, ErrBuyerRequired
	}
	if quantity <= 0 || quantity > s.settings.MaxTicketsPerOrder {
		return nil, ErrInvalidQuantity
	}
	if err := s.enforceReserveRateLimit(ctx, buyerID); err != nil {
		return nil, err
	}

	raffle, err := s.repo.FindRaffleByID(ctx, raffleID)
	if err != nil {
		return nil, err
	}
	if raffle.Status != domain.RaffleStatusActive {
		return nil, ErrRaffleNotActive
	}

	for attempt := 1; attempt <= s.settings.ReserveMaxAttempts; attempt++ {
		available, err := s.repo.ListAvailableTicketNumbers(ctx, raffleID)
		if err != nil {
			return nil, fmt.Errorf("failed to list available tickets: %w", err)
		}
		if len(available) < quantity {
			log.Printf("level=info component=service flow=reserve outcome=insufficient raffle_id=%s buyer_id=%s requested=%d available=%d", raffleID, buyerID, quantity, len(available))
			return nil, &InsufficientInventoryError{Requested: quantity, Available: len(available)}
		}

		numbers := s.sampler.Sample(available, quantity)
		sort.Ints(numbers)

		order := &domain.Order{
			ID:            uuid.New(),
			RaffleID:      raffleID,
			BuyerID:       buyerID,
			Quantity:      quantity,
			TicketNumbers: numbers,
			TotalAmount:   int64(quantity) * raffle.TicketPrice,
			PaymentMethod: domain.PaymentMethodUnset,
			Status:        domain.OrderStatusReserved,
		}

		err = s.repo.ClaimTicketsAtomic(ctx, order)
		if err == nil {
			log.Printf("level=info component=service flow=reserve outcome=reserved order_id=%s raffle_id=%s buyer_id=%s quantity=%d total=%d attempt=%d", order.ID, raffleID, buyerID, quantity, order.TotalAmount, attempt)
			return order, nil
		}
		if !errors.Is(err, store.ErrTicketClaimConflict) {
			return nil, fmt.Errorf("failed to claim tickets: %w", err)
		}
		log.Printf("level=warn component=service flow=reserve outcome=conflict raffle_id=%s buyer_id=%s attempt=%d err=%v", raffleID, buyerID, attempt, err)
	}

	available, err := s.repo.CountAvailableTickets(ctx, raffleID)
	if err != nil {
		return nil, fmt.Errorf("failed to count available tickets: %w", err)
	}
	log.Printf("level=warn component=service flow=reserve outcome=retries_exhausted raffle_id=%s buyer_id=%s requested=%d available=%d", raffleID, buyerID, quantity, available)
	return nil, &InsufficientInventoryError{Requested: quantity, Available: available}
}

func (s *Service) enforceReserveRateLimit(ctx context.Context, buyerID string) error {
	if s.rateLimiter == nil || s.settings.ReserveRatePerMinute <= 0 {
		return nil
	}
	count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, reserveRateLimitScope, buyerID, s.settings.ReserveRatePerMinute, time.Minute)
	if err != nil {
		log.Printf("level=warn component=service flow=reserve msg=\"rate limiter unavailable; allowing request\" buyer_id=%s err=%v", buyerID, err)
		return nil
	}
	if count > s.settings.ReserveRatePerMinute {
		return &RateLimitError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

// Release returns every ticket still held by the order to the available pool
// and closes the order with reason (cancelled or expired) when it is still
// open. Releasing an order that holds no tickets is a no-op.
func (s *Service) Release(ctx context.Context, orderID uuid.UUID, reason domain.OrderStatus) (*domain.ReleaseResult, error) {
	return s.release(ctx, orderID, reason, nil)
}

// release runs Release under the order lock; when eligible is set and returns
// false for the locked order, nothing changes.
func (s *Service) release(ctx context.Context, orderID uuid.UUID, reason domain.OrderStatus, eligible func(*domain.Order) bool) (*domain.ReleaseResult, error) {
	if reason != domain.OrderStatusCancelled && reason != domain.OrderStatusExpired {
		return nil, fmt.Errorf("invalid release reason %q", reason)
	}

	var result *domain.ReleaseResult
	err := s.repo.WithOrderLock(ctx, orderID, func(tx store.OrderTx, order *domain.Order) error {
		if order.Status == domain.OrderStatusCompleted {
			return ErrOrderNotReleasable
		}
		if eligible != nil && !eligible(order) {
			result = &domain.ReleaseResult{OrderID: order.ID, Status: order.Status}
			return nil
		}

		released, err := releaseOrderTickets(ctx, tx, order)
		if err != nil {
			return err
		}

		status := order.Status
		if order.Status.IsOpen() {
			if err := tx.UpdateOrderStatus(ctx, order.ID, reason); err != nil {
				return err
			}
			status = reason
		}
		result = &domain.ReleaseResult{OrderID: order.ID, Status: status, TicketsReleased: released}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=service flow=release order_id=%s status=%s tickets_released=%d", orderID, result.Status, result.TicketsReleased)
	return result, nil
}

// MarkSold moves the order's reserved tickets to sold.
func (s *Service) MarkSold(ctx context.Context, orderID uuid.UUID) error {
	return s.repo.WithOrderLock(ctx, orderID, func(tx store.OrderTx, order *domain.Order) error {
		return markOrderTicketsSold(ctx, tx, order)
	})
}

// MarkPaid moves the order's tickets to paid from whichever held state they are in.
func (s *Service) MarkPaid(ctx context.Context, orderID uuid.UUID) error {
	return s.repo.WithOrderLock(ctx, orderID, func(tx store.OrderTx, order *domain.Order) error {
		return markOrderTicketsPaid(ctx, tx, order)
	})
}

// The helpers below run inside an order lock so that ticket and order changes
// commit together.

func markOrderTicketsSold(ctx context.Context, tx store.OrderTx, order *domain.Order) error {
	return transitionAllOrderTickets(ctx, tx, order,
		[]domain.TicketStatus{domain.TicketStatusReserved, domain.TicketStatusSold},
		domain.TicketStatusSold)
}

func markOrderTicketsPaid(ctx context.Context, tx store.OrderTx, order *domain.Order) error {
	return transitionAllOrderTickets(ctx, tx, order,
		[]domain.TicketStatus{domain.TicketStatusReserved, domain.TicketStatusSold, domain.TicketStatusPaid},
		domain.TicketStatusPaid)
}

// transitionAllOrderTickets fails unless every ticket on the order is held by it.
func transitionAllOrderTickets(ctx context.Context, tx store.OrderTx, order *domain.Order, from []domain.TicketStatus, to domain.TicketStatus) error {
	moved, err := tx.TransitionTickets(ctx, store.TicketTransition{
		RaffleID: order.RaffleID,
		OrderID:  order.ID,
		Numbers:  order.TicketNumbers,
		From:     from,
		To:       to,
	})
	if err != nil {
		return err
	}
	if moved != int64(len(order.TicketNumbers)) {
		return fmt.Errorf("%w: order %s moved %d of %d tickets to %s", ErrTicketOwnershipMismatch, order.ID, moved, len(order.TicketNumbers), to)
	}
	return nil
}

func releaseOrderTickets(ctx context.Context, tx store.OrderTx, order *domain.Order) (int64, error) {
	return tx.TransitionTickets(ctx, store.TicketTransition{
		RaffleID:   order.RaffleID,
		OrderID:    order.ID,
		Numbers:    order.TicketNumbers,
		From:       []domain.TicketStatus{domain.TicketStatusReserved, domain.TicketStatusSold, domain.TicketStatusPaid},
		To:         domain.TicketStatusAvailable,
		ClearOwner: true,
	})
}

// holdOrderTicketsForReview puts a reversed order's tickets back to reserved
// while keeping the owner, so an operator decides whether they are resold.
func holdOrderTicketsForReview(ctx context.Context, tx store.OrderTx, order *domain.Order) (int64, error) {
	return tx.TransitionTickets(ctx, store.TicketTransition{
		RaffleID: order.RaffleID,
		OrderID:  order.ID,
		Numbers:  order.TicketNumbers,
		From:     []domain.TicketStatus{domain.TicketStatusSold, domain.TicketStatusPaid, domain.TicketStatusReserved},
		To:       domain.TicketStatusReserved,
	})
}
