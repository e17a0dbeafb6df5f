/**
 * @description
 * PostgreSQL implementation of the `Repository` interface. Ticket claims are a
 * single set-based conditional UPDATE guarded by `status = 'available'` plus a
 * row-count check; every order mutation runs under a row lock on the order.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver, pool and error codes.
 * - internal/domain: domain models.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/davidethc/RifasEcuador-sub001/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrRaffleNotFound             = errors.New("raffle not found")
	ErrOrderNotFound              = errors.New("order not found")
	ErrPaymentNotFound            = errors.New("payment not found")
	ErrTicketClaimConflict        = errors.New("ticket claim conflict")
	ErrDuplicateProviderReference = errors.New("provider reference already recorded")
)

const orderColumns = `id, raffle_id, buyer_id, quantity, ticket_numbers, total_amount, payment_method, status, created_at, updated_at`

const paymentColumns = `id, order_id, provider, provider_reference, amount, status, raw_response, created_at, updated_at`

// claimTicketsSQL only touches rows that are still available; callers compare
// the affected row count with the requested quantity.
const claimTicketsSQL = `
		UPDATE raffle_tickets
		SET status = 'reserved', order_id = $3, buyer_id = $4, updated_at = NOW()
		WHERE raffle_id = $1
		  AND number = ANY($2)
		  AND status = 'available'
	`

const insertOrderSQL = `
		INSERT INTO raffle_orders (id, raffle_id, buyer_id, quantity, ticket_numbers, total_amount, payment_method, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

// transitionTicketsSQL moves only rows owned by the order and in one of the
// expected statuses.
const transitionTicketsSQL = `
		UPDATE raffle_tickets
		SET status = $5,
		    order_id = CASE WHEN $6 THEN NULL ELSE order_id END,
		    buyer_id = CASE WHEN $6 THEN NULL ELSE buyer_id END,
		    updated_at = NOW()
		WHERE raffle_id = $1
		  AND number = ANY($2)
		  AND order_id = $3
		  AND status = ANY($4)
	`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isClaimContention reports serialization failures and deadlocks, which lose
// a race for the rows rather than signal a broken request.
func isClaimContention(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

func toInt32s(numbers []int) []int32 {
	out := make([]int32, len(numbers))
	for i, n := range numbers {
		out[i] = int32(n)
	}
	return out
}

func fromInt32s(numbers []int32) []int {
	out := make([]int, len(numbers))
	for i, n := range numbers {
		out[i] = int(n)
	}
	return out
}

// rawJSON returns nil for an empty payload so the column stays NULL.
func rawJSON(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	value := string(raw)
	return &value
}

func ticketStatusStrings(statuses []domain.TicketStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var order domain.Order
	var numbers []int32
	var method, status string
	err := row.Scan(
		&order.ID,
		&order.RaffleID,
		&order.BuyerID,
		&order.Quantity,
		&numbers,
		&order.TotalAmount,
		&method,
		&status,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	order.TicketNumbers = fromInt32s(numbers)
	order.PaymentMethod = domain.PaymentMethod(method)
	order.Status = domain.OrderStatus(status)
	return &order, nil
}

func scanPayment(row rowScanner) (*domain.Payment, error) {
	var payment domain.Payment
	var status string
	var raw []byte
	err := row.Scan(
		&payment.ID,
		&payment.OrderID,
		&payment.Provider,
		&payment.ProviderReference,
		&payment.Amount,
		&status,
		&raw,
		&payment.CreatedAt,
		&payment.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	payment.Status = domain.PaymentStatus(status)
	if len(raw) > 0 {
		payment.RawResponse = json.RawMessage(raw)
	}
	return &payment, nil
}

// FindRaffleByID retrieves a raffle by its id.
func (r *PostgresRepository) FindRaffleByID(ctx context.Context, raffleID uuid.UUID) (*domain.Raffle, error) {
	var raffle domain.Raffle
	var status string
	query := `SELECT id, title, ticket_price, total_tickets, status, created_at FROM raffles WHERE id = $1`
	err := r.db.QueryRow(ctx, query, raffleID).Scan(
		&raffle.ID,
		&raffle.Title,
		&raffle.TicketPrice,
		&raffle.TotalTickets,
		&status,
		&raffle.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRaffleNotFound
		}
		return nil, err
	}
	raffle.Status = domain.RaffleStatus(status)
	return &raffle, nil
}

// ListAvailableTicketNumbers returns every number still available in the raffle.
// The result is the candidate pool the sampler draws from; its order carries no meaning.
func (r *PostgresRepository) ListAvailableTicketNumbers(ctx context.Context, raffleID uuid.UUID) ([]int, error) {
	rows, err := r.db.Query(ctx, `
		SELECT number
		FROM raffle_tickets
		WHERE raffle_id = $1 AND status = 'available'
	`, raffleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	numbers := make([]int, 0, 256)
	for rows.Next() {
		var n int32
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		numbers = append(numbers, int(n))
	}
	return numbers, rows.Err()
}

// CountAvailableTickets counts the raffle's available tickets.
func (r *PostgresRepository) CountAvailableTickets(ctx context.Context, raffleID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM raffle_tickets WHERE raffle_id = $1 AND status = 'available'`, raffleID).Scan(&count)
	return count, err
}

// ClaimTicketsAtomic reserves exactly the order's ticket numbers and records the order.
func (r *PostgresRepository) ClaimTicketsAtomic(ctx context.Context, order *domain.Order) error {
	if order == nil || len(order.TicketNumbers) == 0 {
		return errors.New("order has no ticket numbers")
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	sorted := append([]int(nil), order.TicketNumbers...)
	sort.Ints(sorted)

	// 1. Claim the rows only if they are all still available.
	tag, err := tx.Exec(ctx, claimTicketsSQL, order.RaffleID, toInt32s(sorted), order.ID, order.BuyerID)
	if err != nil {
		if isClaimContention(err) {
			return fmt.Errorf("%w: %v", ErrTicketClaimConflict, err)
		}
		return fmt.Errorf("failed to claim tickets: %w", err)
	}
	if tag.RowsAffected() != int64(len(sorted)) {
		return fmt.Errorf("%w: claimed %d of %d", ErrTicketClaimConflict, tag.RowsAffected(), len(sorted))
	}

	// 2. Record the order that owns them.
	err = tx.QueryRow(ctx, insertOrderSQL,
		order.ID, order.RaffleID, order.BuyerID, order.Quantity, toInt32s(order.TicketNumbers), order.TotalAmount, string(order.PaymentMethod), string(order.Status)).
		Scan(&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isClaimContention(err) {
			return fmt.Errorf("%w: %v", ErrTicketClaimConflict, err)
		}
		return fmt.Errorf("failed to commit claim: %w", err)
	}
	return nil
}

// FindOrderByID retrieves an order by id.
func (r *PostgresRepository) FindOrderByID(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM raffle_orders WHERE id = $1`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

// FindOrderIDsByPrefix returns up to limit order ids whose canonical text form
// starts with prefix. Callers pass limit 2 to detect ambiguity.
func (r *PostgresRepository) FindOrderIDsByPrefix(ctx context.Context, prefix string, limit int) ([]uuid.UUID, error) {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if prefix == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 2
	}
	rows, err := r.db.Query(ctx, `
		SELECT id
		FROM raffle_orders
		WHERE id::text LIKE $1 || '%'
		ORDER BY id
		LIMIT $2
	`, prefix, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0, limit)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListStaleReservedOrders returns reserved orders created before the cutoff that
// are not waiting on a manual payment review.
func (r *PostgresRepository) ListStaleReservedOrders(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+orderColumns+`
		FROM raffle_orders
		WHERE status = 'reserved'
		  AND payment_method IN ('', 'card')
		  AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

// ListApprovedPaymentsSince returns the provider's approved payments created at or after since.
func (r *PostgresRepository) ListApprovedPaymentsSince(ctx context.Context, provider string, since time.Time, limit int) ([]domain.Payment, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM raffle_payments
		WHERE provider = $1
		  AND status = 'approved'
		  AND created_at >= $2
		ORDER BY created_at ASC
		LIMIT $3
	`, provider, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0)
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *payment)
	}
	return payments, rows.Err()
}

// WithOrderLock runs fn while holding a row lock on the order.
func (r *PostgresRepository) WithOrderLock(ctx context.Context, orderID uuid.UUID, fn func(tx OrderTx, order *domain.Order) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM raffle_orders WHERE id = $1 FOR UPDATE`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOrderNotFound
		}
		return fmt.Errorf("failed to lock order: %w", err)
	}

	if err := fn(&pgOrderTx{tx: tx}, order); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// pgOrderTx implements OrderTx on an open pgx transaction.
type pgOrderTx struct {
	tx pgx.Tx
}

func (t *pgOrderTx) FindPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	payment, err := scanPayment(t.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM raffle_payments WHERE provider_reference = $1 FOR UPDATE`, reference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return payment, nil
}

// ListOrderPayments returns the order's payments, oldest first.
func (t *pgOrderTx) ListOrderPayments(ctx context.Context, orderID uuid.UUID) ([]domain.Payment, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+paymentColumns+` FROM raffle_payments WHERE order_id = $1 ORDER BY created_at ASC, provider_reference ASC FOR UPDATE`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list order payments: %w", err)
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0)
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *payment)
	}
	return payments, rows.Err()
}

func (t *pgOrderTx) InsertPayment(ctx context.Context, payment *domain.Payment) error {
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO raffle_payments (id, order_id, provider, provider_reference, amount, status, raw_response)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
		RETURNING created_at, updated_at
	`, payment.ID, payment.OrderID, payment.Provider, payment.ProviderReference, payment.Amount, string(payment.Status), rawJSON(payment.RawResponse)).
		Scan(&payment.CreatedAt, &payment.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateProviderReference
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (t *pgOrderTx) UpdatePayment(ctx context.Context, paymentID uuid.UUID, update PaymentUpdate) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE raffle_payments
		SET status = $2, amount = $3, raw_response = COALESCE($4::jsonb, raw_response), updated_at = NOW()
		WHERE id = $1
	`, paymentID, string(update.Status), update.Amount, rawJSON(update.RawResponse))
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (t *pgOrderTx) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status domain.OrderStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE raffle_orders SET status = $2, updated_at = NOW() WHERE id = $1`, orderID, string(status))
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (t *pgOrderTx) UpdateOrderPaymentMethod(ctx context.Context, orderID uuid.UUID, method domain.PaymentMethod) error {
	tag, err := t.tx.Exec(ctx, `UPDATE raffle_orders SET payment_method = $2, updated_at = NOW() WHERE id = $1`, orderID, string(method))
	if err != nil {
		return fmt.Errorf("failed to update order payment method: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (t *pgOrderTx) TransitionTickets(ctx context.Context, transition TicketTransition) (int64, error) {
	if len(transition.Numbers) == 0 || len(transition.From) == 0 {
		return 0, nil
	}
	numbers := append([]int(nil), transition.Numbers...)
	sort.Ints(numbers)

	tag, err := t.tx.Exec(ctx, transitionTicketsSQL, transition.RaffleID, toInt32s(numbers), transition.OrderID, ticketStatusStrings(transition.From), string(transition.To), transition.ClearOwner)
	if err != nil {
		return 0, fmt.Errorf("failed to transition tickets: %w", err)
	}
	return tag.RowsAffected(), nil
}
