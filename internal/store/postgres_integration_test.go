package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/davidethc/RifasEcuador-sub001/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// newIntegrationRepository connects to RAFFLE_TEST_DATABASE_URL and seeds a
// raffle with totalTickets available tickets.
func newIntegrationRepository(t *testing.T, totalTickets int) (*PostgresRepository, uuid.UUID) {
	t.Helper()
	dsn := os.Getenv("RAFFLE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("RAFFLE_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(pool.Close)

	repo := NewPostgresRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema bootstrap failed: %v", err)
	}

	raffleID := uuid.New()
	if _, err := pool.Exec(ctx, `INSERT INTO raffles (id, title, ticket_price, total_tickets) VALUES ($1, 'integration', 100, $2)`, raffleID, totalTickets); err != nil {
		t.Fatalf("failed to seed raffle: %v", err)
	}
	if _, err := pool.Exec(ctx, `INSERT INTO raffle_tickets (raffle_id, number) SELECT $1, n FROM generate_series(1, $2) AS n`, raffleID, totalTickets); err != nil {
		t.Fatalf("failed to seed tickets: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = pool.Exec(cleanupCtx, `DELETE FROM raffle_payments WHERE order_id IN (SELECT id FROM raffle_orders WHERE raffle_id = $1)`, raffleID)
		_, _ = pool.Exec(cleanupCtx, `DELETE FROM raffle_tickets WHERE raffle_id = $1`, raffleID)
		_, _ = pool.Exec(cleanupCtx, `DELETE FROM raffle_orders WHERE raffle_id = $1`, raffleID)
		_, _ = pool.Exec(cleanupCtx, `DELETE FROM raffles WHERE id = $1`, raffleID)
	})
	return repo, raffleID
}

func claimOrder(raffleID uuid.UUID, buyer string, numbers ...int) *domain.Order {
	return &domain.Order{
		ID:            uuid.New(),
		RaffleID:      raffleID,
		BuyerID:       buyer,
		Quantity:      len(numbers),
		TicketNumbers: numbers,
		TotalAmount:   int64(len(numbers)) * 100,
		Status:        domain.OrderStatusReserved,
	}
}

func TestPostgresClaimTicketsAtomic_ConcurrentClaimsNeverOverlap(t *testing.T) {
	repo, raffleID := newIntegrationRepository(t, 10)
	ctx := context.Background()

	const contenders = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   int
		conflicts int
		others    []error
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Every contender wants ticket 5, so at most one can win.
			err := repo.ClaimTicketsAtomic(ctx, claimOrder(raffleID, "buyer", 5, 1+i%4, 6+i%4))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, ErrTicketClaimConflict):
				conflicts++
			default:
				others = append(others, err)
			}
		}(i)
	}
	wg.Wait()

	if len(others) > 0 {
		t.Fatalf("expected only claim conflicts, got %v", others)
	}
	if winners != 1 || conflicts != contenders-1 {
		t.Fatalf("expected one winner and %d conflicts, got %d and %d", contenders-1, winners, conflicts)
	}
	available, err := repo.CountAvailableTickets(ctx, raffleID)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if available != 7 {
		t.Fatalf("expected 7 tickets left, got %d", available)
	}
}

func TestPostgresTransitionTickets_RequiresOwningOrder(t *testing.T) {
	repo, raffleID := newIntegrationRepository(t, 5)
	ctx := context.Background()

	owner := claimOrder(raffleID, "owner", 1, 2)
	if err := repo.ClaimTicketsAtomic(ctx, owner); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	err := repo.WithOrderLock(ctx, owner.ID, func(tx OrderTx, order *domain.Order) error {
		moved, err := tx.TransitionTickets(ctx, TicketTransition{
			RaffleID: raffleID,
			OrderID:  uuid.New(),
			Numbers:  order.TicketNumbers,
			From:     []domain.TicketStatus{domain.TicketStatusReserved},
			To:       domain.TicketStatusAvailable,
		})
		if err != nil {
			return err
		}
		if moved != 0 {
			t.Fatalf("expected a foreign order to move nothing, moved %d", moved)
		}

		moved, err = tx.TransitionTickets(ctx, TicketTransition{
			RaffleID: raffleID,
			OrderID:  order.ID,
			Numbers:  order.TicketNumbers,
			From:     []domain.TicketStatus{domain.TicketStatusSold},
			To:       domain.TicketStatusPaid,
		})
		if err != nil {
			return err
		}
		if moved != 0 {
			t.Fatalf("expected the status guard to move nothing, moved %d", moved)
		}

		moved, err = tx.TransitionTickets(ctx, TicketTransition{
			RaffleID: raffleID,
			OrderID:  order.ID,
			Numbers:  order.TicketNumbers,
			From:     []domain.TicketStatus{domain.TicketStatusReserved},
			To:       domain.TicketStatusPaid,
		})
		if err != nil {
			return err
		}
		if moved != 2 {
			t.Fatalf("expected the owner to move both tickets, moved %d", moved)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("locked transition failed: %v", err)
	}
}
