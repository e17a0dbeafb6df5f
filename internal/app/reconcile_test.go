package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/davidethc/RifasEcuador-sub001/internal/domain"
	"github.com/davidethc/RifasEcuador-sub001/pkg/payphoneclient"
)

func settleOrder(t *testing.T, h *testHarness, raffle domain.Raffle, reference string, quantity int) *domain.Order {
	t.Helper()
	order := h.reserve(t, raffle.ID, "buyer-"+reference, quantity)
	if _, err := h.svc.ApplyPaymentEvent(context.Background(), approvedEvent(order, reference, order.TotalAmount)); err != nil {
		t.Fatalf("approval of %s failed: %v", reference, err)
	}
	return order
}

func TestReconcile_ReversesPaymentsNoLongerApproved(t *testing.T) {
	h := newTestHarness(t, Settings{})
	raffle := h.repo.addRaffle(50, 100, domain.RaffleStatusActive)
	kept := settleOrder(t, h, raffle, "r1", 2)
	reversed := settleOrder(t, h, raffle, "r2", 3)
	h.provider.queryTxns = map[string]*payphoneclient.Transaction{
		"r2": {TransactionID: 2, StatusCode: 2, TransactionStatus: "Canceled"},
	}

	summary, err := h.svc.ReconcileApprovedPayments(context.Background())
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if summary.Checked != 2 || summary.Reversed != 1 || summary.Failed != 0 || summary.Aborted {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if len(summary.AffectedOrderIDs) != 1 || summary.AffectedOrderIDs[0] != reversed.ID {
		t.Fatalf("expected %s affected, got %v", reversed.ID, summary.AffectedOrderIDs)
	}

	if got := h.repo.order(t, reversed.ID).Status; got != domain.OrderStatusExpired {
		t.Fatalf("expected reversed order expired, got %s", got)
	}
	payments := h.repo.paymentsFor(reversed.ID)
	if len(payments) != 1 || payments[0].Status != domain.PaymentStatusReversed {
		t.Fatalf("expected reversed payment, got %+v", payments)
	}
	for _, n := range reversed.TicketNumbers {
		ticket := h.repo.ticket(raffle.ID, n)
		if ticket.status != domain.TicketStatusReserved || ticket.orderID != reversed.ID {
			t.Fatalf("expected ticket %d held as reserved for the order, got %+v", n, ticket)
		}
	}
	if got := h.repo.order(t, kept.ID).Status; got != domain.OrderStatusCompleted {
		t.Fatalf("expected approved order untouched, got %s", got)
	}

	if len(h.publisher.reversed) != 1 || h.publisher.reversed[0].ProviderStatus != "Canceled" {
		t.Fatalf("expected one reversal event, got %+v", h.publisher.reversed)
	}
	if h.alerter.count() != 1 || !strings.Contains(h.alerter.messages[0], reversed.ID.String()) {
		t.Fatalf("expected a reversal alert naming the order, got %v", h.alerter.messages)
	}

	again, err := h.svc.ReconcileApprovedPayments(context.Background())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if again.Checked != 1 || again.Reversed != 0 {
		t.Fatalf("expected only the approved payment rechecked, got %+v", again)
	}

	released, err := h.svc.Release(context.Background(), reversed.ID, domain.OrderStatusCancelled)
	if err != nil {
		t.Fatalf("operator release failed: %v", err)
	}
	if released.TicketsReleased != 3 || released.Status != domain.OrderStatusExpired {
		t.Fatalf("expected held tickets released with order still expired, got %+v", released)
	}
}

func TestReconcile_BuyerCannotReleaseHeldTickets(t *testing.T) {
	h := newTestHarness(t, Settings{})
	raffle := h.repo.addRaffle(20, 100, domain.RaffleStatusActive)
	order := settleOrder(t, h, raffle, "r1", 2)
	h.provider.queryTxns = map[string]*payphoneclient.Transaction{
		"r1": {TransactionID: 1, StatusCode: 2, TransactionStatus: "Canceled"},
	}
	if _, err := h.svc.ReconcileApprovedPayments(context.Background()); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	result, err := h.svc.CancelOrder(context.Background(), order.ID, order.BuyerID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if result.TicketsReleased != 0 || result.Status != domain.OrderStatusExpired {
		t.Fatalf("expected cancel to leave the reversed order untouched, got %+v", result)
	}
	for _, n := range order.TicketNumbers {
		ticket := h.repo.ticket(raffle.ID, n)
		if ticket.status != domain.TicketStatusReserved || ticket.orderID != order.ID {
			t.Fatalf("expected ticket %d still held for the order, got %+v", n, ticket)
		}
	}
}

func TestReconcile_DuplicateChargeKeepsOrderSettled(t *testing.T) {
	h := newTestHarness(t, Settings{})
	raffle := h.repo.addRaffle(20, 100, domain.RaffleStatusActive)
	order := settleOrder(t, h, raffle, "r1", 2)
	if _, err := h.svc.ApplyPaymentEvent(context.Background(), approvedEvent(order, "r2", order.TotalAmount)); err != nil {
		t.Fatalf("duplicate settlement failed: %v", err)
	}
	h.provider.queryTxns = map[string]*payphoneclient.Transaction{
		"r1": {TransactionID: 1, StatusCode: 2, TransactionStatus: "Canceled"},
	}

	summary, err := h.svc.ReconcileApprovedPayments(context.Background())
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if summary.Reversed != 1 || summary.Details[0].SupersededBy != "r2" {
		t.Fatalf("expected reversal superseded by r2, got %+v", summary)
	}
	if got := h.repo.order(t, order.ID).Status; got != domain.OrderStatusCompleted {
		t.Fatalf("expected order to stay completed, got %s", got)
	}
	statuses := map[string]domain.PaymentStatus{}
	for _, p := range h.repo.paymentsFor(order.ID) {
		statuses[p.ProviderReference] = p.Status
	}
	if statuses["r1"] != domain.PaymentStatusReversed || statuses["r2"] != domain.PaymentStatusApproved {
		t.Fatalf("expected r1 reversed and r2 approved, got %v", statuses)
	}
	for _, n := range order.TicketNumbers {
		if ticket := h.repo.ticket(raffle.ID, n); ticket.status != domain.TicketStatusPaid || ticket.orderID != order.ID {
			t.Fatalf("expected ticket %d to stay paid, got %+v", n, ticket)
		}
	}

	again, err := h.svc.ReconcileApprovedPayments(context.Background())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if again.Checked != 1 || again.Reversed != 0 {
		t.Fatalf("expected the promoted payment to be rechecked, got %+v", again)
	}
}

func TestReconcile_NotFoundCountsAsReversal(t *testing.T) {
	h := newTestHarness(t, Settings{})
	raffle := h.repo.addRaffle(10, 100, domain.RaffleStatusActive)
	order := settleOrder(t, h, raffle, "r1", 1)
	h.provider.queryErrs = map[string]error{
		"r1": fmt.Errorf("%w: sale r1", payphoneclient.ErrNotFound),
	}

	summary, err := h.svc.ReconcileApprovedPayments(context.Background())
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if summary.Reversed != 1 || summary.Details[0].ProviderStatus != providerStatusNotFound {
		t.Fatalf("expected not_found reversal, got %+v", summary)
	}
	if got := h.repo.order(t, order.ID).Status; got != domain.OrderStatusExpired {
		t.Fatalf("expected expired order, got %s", got)
	}
}

func TestReconcile_AbortsWhenProviderUnreachable(t *testing.T) {
	h := newTestHarness(t, Settings{ReconcileMaxFailures: 3})
	raffle := h.repo.addRaffle(20, 100, domain.RaffleStatusActive)
	h.provider.queryErrs = map[string]error{}
	for i := 1; i <= 4; i++ {
		ref := fmt.Sprintf("r%d", i)
		settleOrder(t, h, raffle, ref, 1)
		h.provider.queryErrs[ref] = &payphoneclient.UnavailableError{Op: "query", StatusCode: 502}
	}

	summary, err := h.svc.ReconcileApprovedPayments(context.Background())
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected provider unavailable, got %v", err)
	}
	if !summary.Aborted || summary.Failed != 3 || summary.Reversed != 0 {
		t.Fatalf("expected aborted run after 3 failures, got %+v", summary)
	}
	if h.provider.queryCalls != 3 {
		t.Fatalf("expected 3 provider calls, got %d", h.provider.queryCalls)
	}
}

func TestReconcile_OneFailureDoesNotStopTheRun(t *testing.T) {
	h := newTestHarness(t, Settings{})
	raffle := h.repo.addRaffle(20, 100, domain.RaffleStatusActive)
	settleOrder(t, h, raffle, "r1", 1)
	second := settleOrder(t, h, raffle, "r2", 1)
	settleOrder(t, h, raffle, "r3", 1)
	h.provider.queryErrs = map[string]error{
		"r1": &payphoneclient.ErrorResponse{StatusCode: 400, Message: "bad request"},
	}
	h.provider.queryTxns = map[string]*payphoneclient.Transaction{
		"r2": {StatusCode: 0, TransactionStatus: "Rejected"},
	}

	summary, err := h.svc.ReconcileApprovedPayments(context.Background())
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if summary.Failed != 1 || summary.Checked != 2 || summary.Reversed != 1 || summary.Aborted {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.AffectedOrderIDs[0] != second.ID {
		t.Fatalf("expected %s reversed, got %v", second.ID, summary.AffectedOrderIDs)
	}
}

func TestReconcile_SpacesProviderCalls(t *testing.T) {
	delay := 20 * time.Millisecond
	h := newTestHarness(t, Settings{ReconcileCallDelay: delay})
	raffle := h.repo.addRaffle(20, 100, domain.RaffleStatusActive)
	for i := 1; i <= 3; i++ {
		settleOrder(t, h, raffle, fmt.Sprintf("r%d", i), 1)
	}

	if _, err := h.svc.ReconcileApprovedPayments(context.Background()); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if len(h.provider.queryTimes) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(h.provider.queryTimes))
	}
	for i := 1; i < len(h.provider.queryTimes); i++ {
		if gap := h.provider.queryTimes[i].Sub(h.provider.queryTimes[i-1]); gap < delay {
			t.Fatalf("expected at least %s between calls, got %s", delay, gap)
		}
	}
}

func TestReconcile_StopsOnCancelledContext(t *testing.T) {
	h := newTestHarness(t, Settings{ReconcileCallDelay: time.Hour})
	raffle := h.repo.addRaffle(20, 100, domain.RaffleStatusActive)
	settleOrder(t, h, raffle, "r1", 1)
	settleOrder(t, h, raffle, "r2", 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := h.svc.ReconcileApprovedPayments(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if !summary.Aborted || h.provider.queryCalls != 1 {
		t.Fatalf("expected abort after the first call, got %+v calls=%d", summary, h.provider.queryCalls)
	}
}
