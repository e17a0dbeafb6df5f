package app

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/davidethc/RifasEcuador-sub001/internal/domain"
	"github.com/davidethc/RifasEcuador-sub001/internal/store"
	"github.com/davidethc/RifasEcuador-sub001/pkg/payphoneclient"
	"github.com/google/uuid"
)

var testClock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type memTicket struct {
	status  domain.TicketStatus
	orderID uuid.UUID
}

// memRepo is an in-memory Repository. WithOrderLock holds the repo mutex for
// the whole callback and rolls back every write when it fails.
type memRepo struct {
	mu       sync.Mutex
	now      func() time.Time
	raffles  map[uuid.UUID]domain.Raffle
	tickets  map[uuid.UUID]map[int]*memTicket
	orders   map[uuid.UUID]domain.Order
	payments map[uuid.UUID]domain.Payment

	// claimConflicts forces the next N claims to lose the race.
	claimConflicts int
	claimCalls     int
}

func newMemRepo() *memRepo {
	return &memRepo{
		now:      func() time.Time { return testClock },
		raffles:  map[uuid.UUID]domain.Raffle{},
		tickets:  map[uuid.UUID]map[int]*memTicket{},
		orders:   map[uuid.UUID]domain.Order{},
		payments: map[uuid.UUID]domain.Payment{},
	}
}

func (r *memRepo) addRaffle(total int, price int64, status domain.RaffleStatus) domain.Raffle {
	r.mu.Lock()
	defer r.mu.Unlock()
	raffle := domain.Raffle{
		ID:           uuid.New(),
		Title:        "Rifa de prueba",
		TicketPrice:  price,
		TotalTickets: total,
		Status:       status,
		CreatedAt:    r.now(),
	}
	r.raffles[raffle.ID] = raffle
	pool := make(map[int]*memTicket, total)
	for n := 1; n <= total; n++ {
		pool[n] = &memTicket{status: domain.TicketStatusAvailable}
	}
	r.tickets[raffle.ID] = pool
	return raffle
}

func (r *memRepo) ticket(raffleID uuid.UUID, number int) memTicket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.tickets[raffleID][number]
}

func (r *memRepo) order(t *testing.T, id uuid.UUID) domain.Order {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[id]
	if !ok {
		t.Fatalf("order %s not stored", id)
	}
	return order
}

func (r *memRepo) setOrderCreatedAt(id uuid.UUID, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order := r.orders[id]
	order.CreatedAt = at
	r.orders[id] = order
}

func (r *memRepo) paymentsFor(orderID uuid.UUID) []domain.Payment {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Payment
	for _, p := range r.payments {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	return out
}

func (r *memRepo) FindRaffleByID(ctx context.Context, raffleID uuid.UUID) (*domain.Raffle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	raffle, ok := r.raffles[raffleID]
	if !ok {
		return nil, store.ErrRaffleNotFound
	}
	return &raffle, nil
}

func (r *memRepo) ListAvailableTicketNumbers(ctx context.Context, raffleID uuid.UUID) ([]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var numbers []int
	for n, ticket := range r.tickets[raffleID] {
		if ticket.status == domain.TicketStatusAvailable {
			numbers = append(numbers, n)
		}
	}
	sort.Ints(numbers)
	return numbers, nil
}

func (r *memRepo) CountAvailableTickets(ctx context.Context, raffleID uuid.UUID) (int, error) {
	numbers, err := r.ListAvailableTicketNumbers(ctx, raffleID)
	return len(numbers), err
}

func (r *memRepo) ClaimTicketsAtomic(ctx context.Context, order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claimCalls++
	if r.claimConflicts > 0 {
		r.claimConflicts--
		return store.ErrTicketClaimConflict
	}
	pool := r.tickets[order.RaffleID]
	for _, n := range order.TicketNumbers {
		ticket, ok := pool[n]
		if !ok || ticket.status != domain.TicketStatusAvailable {
			return store.ErrTicketClaimConflict
		}
	}
	for _, n := range order.TicketNumbers {
		pool[n].status = domain.TicketStatusReserved
		pool[n].orderID = order.ID
	}
	order.CreatedAt = r.now()
	order.UpdatedAt = order.CreatedAt
	stored := *order
	stored.TicketNumbers = append([]int(nil), order.TicketNumbers...)
	r.orders[order.ID] = stored
	return nil
}

func (r *memRepo) FindOrderByID(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	return &order, nil
}

func (r *memRepo) FindOrderIDsByPrefix(ctx context.Context, prefix string, limit int) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uuid.UUID
	for id := range r.orders {
		if strings.HasPrefix(id.String(), prefix) {
			ids = append(ids, id)
			if len(ids) == limit {
				break
			}
		}
	}
	return ids, nil
}

func (r *memRepo) ListStaleReservedOrders(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, order := range r.orders {
		if order.Status == domain.OrderStatusReserved && !order.PaymentMethod.IsManual() && order.CreatedAt.Before(createdBefore) {
			out = append(out, order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) WithOrderLock(ctx context.Context, orderID uuid.UUID, fn func(tx store.OrderTx, order *domain.Order) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return store.ErrOrderNotFound
	}
	snapshot := r.snapshot()
	if err := fn(&memTx{repo: r}, &order); err != nil {
		r.restore(snapshot)
		return err
	}
	return nil
}

func (r *memRepo) ListApprovedPaymentsSince(ctx context.Context, provider string, since time.Time, limit int) ([]domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Payment
	for _, p := range r.payments {
		if p.Provider == provider && p.Status == domain.PaymentStatusApproved && !p.CreatedAt.Before(since) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderReference < out[j].ProviderReference })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memSnapshot struct {
	tickets  map[uuid.UUID]map[int]memTicket
	orders   map[uuid.UUID]domain.Order
	payments map[uuid.UUID]domain.Payment
}

func (r *memRepo) snapshot() memSnapshot {
	snap := memSnapshot{
		tickets:  map[uuid.UUID]map[int]memTicket{},
		orders:   map[uuid.UUID]domain.Order{},
		payments: map[uuid.UUID]domain.Payment{},
	}
	for raffleID, pool := range r.tickets {
		copied := make(map[int]memTicket, len(pool))
		for n, ticket := range pool {
			copied[n] = *ticket
		}
		snap.tickets[raffleID] = copied
	}
	for id, order := range r.orders {
		snap.orders[id] = order
	}
	for id, payment := range r.payments {
		snap.payments[id] = payment
	}
	return snap
}

func (r *memRepo) restore(snap memSnapshot) {
	for raffleID, pool := range snap.tickets {
		for n, ticket := range pool {
			*r.tickets[raffleID][n] = ticket
		}
	}
	r.orders = snap.orders
	r.payments = snap.payments
}

// memTx runs with the repo mutex already held.
type memTx struct {
	repo *memRepo
}

func (tx *memTx) FindPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	for _, p := range tx.repo.payments {
		if p.ProviderReference == reference {
			found := p
			return &found, nil
		}
	}
	return nil, store.ErrPaymentNotFound
}

func (tx *memTx) ListOrderPayments(ctx context.Context, orderID uuid.UUID) ([]domain.Payment, error) {
	payments := make([]domain.Payment, 0)
	for _, p := range tx.repo.payments {
		if p.OrderID == orderID {
			payments = append(payments, p)
		}
	}
	sort.Slice(payments, func(i, j int) bool {
		if !payments[i].CreatedAt.Equal(payments[j].CreatedAt) {
			return payments[i].CreatedAt.Before(payments[j].CreatedAt)
		}
		return payments[i].ProviderReference < payments[j].ProviderReference
	})
	return payments, nil
}

func (tx *memTx) InsertPayment(ctx context.Context, payment *domain.Payment) error {
	for _, p := range tx.repo.payments {
		if p.ProviderReference == payment.ProviderReference {
			return store.ErrDuplicateProviderReference
		}
	}
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	payment.CreatedAt = tx.repo.now()
	payment.UpdatedAt = payment.CreatedAt
	tx.repo.payments[payment.ID] = *payment
	return nil
}

func (tx *memTx) UpdatePayment(ctx context.Context, paymentID uuid.UUID, update store.PaymentUpdate) error {
	payment, ok := tx.repo.payments[paymentID]
	if !ok {
		return store.ErrPaymentNotFound
	}
	payment.Status = update.Status
	payment.Amount = update.Amount
	if update.RawResponse != nil {
		payment.RawResponse = update.RawResponse
	}
	tx.repo.payments[paymentID] = payment
	return nil
}

func (tx *memTx) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status domain.OrderStatus) error {
	order, ok := tx.repo.orders[orderID]
	if !ok {
		return store.ErrOrderNotFound
	}
	order.Status = status
	tx.repo.orders[orderID] = order
	return nil
}

func (tx *memTx) UpdateOrderPaymentMethod(ctx context.Context, orderID uuid.UUID, method domain.PaymentMethod) error {
	order, ok := tx.repo.orders[orderID]
	if !ok {
		return store.ErrOrderNotFound
	}
	order.PaymentMethod = method
	tx.repo.orders[orderID] = order
	return nil
}

func (tx *memTx) TransitionTickets(ctx context.Context, transition store.TicketTransition) (int64, error) {
	pool := tx.repo.tickets[transition.RaffleID]
	var moved int64
	for _, n := range transition.Numbers {
		ticket, ok := pool[n]
		if !ok || ticket.orderID != transition.OrderID || !containsStatus(transition.From, ticket.status) {
			continue
		}
		ticket.status = transition.To
		if transition.ClearOwner {
			ticket.orderID = uuid.Nil
		}
		moved++
	}
	return moved, nil
}

func containsStatus(statuses []domain.TicketStatus, status domain.TicketStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// providerStub answers provider calls from per-reference tables.
type providerStub struct {
	mu sync.Mutex

	createResp  *payphoneclient.PrepareResponse
	createErr   error
	lastPrepare payphoneclient.PrepareRequest

	confirmTxn *payphoneclient.Transaction
	confirmErr error

	queryTxns  map[string]*payphoneclient.Transaction
	queryErrs  map[string]error
	queryCalls int
	queryTimes []time.Time
}

func (p *providerStub) CreateTransaction(ctx context.Context, req payphoneclient.PrepareRequest) (*payphoneclient.PrepareResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastPrepare = req
	if p.createErr != nil {
		return nil, p.createErr
	}
	return p.createResp, nil
}

func (p *providerStub) ConfirmTransaction(ctx context.Context, transactionID, clientTransactionID string) (*payphoneclient.Transaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.confirmErr != nil {
		return nil, p.confirmErr
	}
	return p.confirmTxn, nil
}

func (p *providerStub) QueryTransaction(ctx context.Context, transactionID string) (*payphoneclient.Transaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queryCalls++
	p.queryTimes = append(p.queryTimes, time.Now())
	if err, ok := p.queryErrs[transactionID]; ok {
		return nil, err
	}
	if txn, ok := p.queryTxns[transactionID]; ok {
		return txn, nil
	}
	return &payphoneclient.Transaction{StatusCode: 3, TransactionStatus: "Approved"}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	orders []domain.Order
}

func (n *recordingNotifier) SendPurchaseReceipt(ctx context.Context, order domain.Order) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.orders = append(n.orders, order)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.orders)
}

type recordingAlerter struct {
	mu       sync.Mutex
	messages []string
}

func (a *recordingAlerter) Alert(ctx context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, text)
	return nil
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.messages)
}

type recordingPublisher struct {
	mu       sync.Mutex
	receipts []domain.ReceiptRequestedEvent
	reversed []domain.PaymentReversedEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (p *recordingPublisher) PublishReceiptRequested(ctx context.Context, event domain.ReceiptRequestedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receipts = append(p.receipts, event)
	return nil
}

func (p *recordingPublisher) PublishPaymentReversed(ctx context.Context, event domain.PaymentReversedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reversed = append(p.reversed, event)
	return nil
}

func (p *recordingPublisher) Close() {}

type testHarness struct {
	svc       *Service
	repo      *memRepo
	provider  *providerStub
	notifier  *recordingNotifier
	alerter   *recordingAlerter
	publisher *recordingPublisher
}

func newTestHarness(t *testing.T, settings Settings) *testHarness {
	t.Helper()
	h := &testHarness{
		repo:      newMemRepo(),
		provider:  &providerStub{},
		notifier:  &recordingNotifier{},
		alerter:   &recordingAlerter{},
		publisher: &recordingPublisher{},
	}
	h.svc = NewService(h.repo, h.provider, h.publisher, settings)
	h.svc.now = func() time.Time { return testClock }
	h.svc.SetNotifier(h.notifier)
	h.svc.SetAlerter(h.alerter)
	h.svc.SetSampler(NewSeededTicketSampler(42))
	return h
}

func (h *testHarness) reserve(t *testing.T, raffleID uuid.UUID, buyer string, quantity int) *domain.Order {
	t.Helper()
	order, err := h.svc.Reserve(context.Background(), raffleID, buyer, quantity)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	return order
}

func approvedEvent(order *domain.Order, reference string, amount int64) domain.PaymentEvent {
	return domain.PaymentEvent{
		Provider:            domain.PaymentProviderPayPhone,
		TransactionRef:      reference,
		ClientTransactionID: BuildClientTransactionID(order.ID, testClock),
		Outcome:             domain.ProviderOutcomeApproved,
		ProviderStatus:      "Approved",
		Amount:              amount,
		Raw:                 json.RawMessage(`{"statusCode":3}`),
	}
}
