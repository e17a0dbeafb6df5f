/**
 * @description
 * Core business logic of the raffle-service. The `Service` struct owns ticket
 * allocation, the payment confirmation state machine, reconciliation against
 * the card provider and the stale-reservation sweep.
 *
 * Key features:
 * - Every ticket mutation goes through the allocation operations in allocation.go.
 * - Order, payment and ticket changes for one order share a row-locked transaction.
 * - No cross-request state is kept in memory; correctness lives in Postgres.
 *
 * @dependencies
 * - internal/domain, internal/store: domain models and data access.
 * - pkg/payphoneclient, pkg/rabbitmq: card provider and event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/davidethc/RifasEcuador-sub001/internal/store"
	"github.com/davidethc/RifasEcuador-sub001/pkg/payphoneclient"
	"github.com/davidethc/RifasEcuador-sub001/pkg/rabbitmq"
)

var (
	ErrInvalidQuantity              = errors.New("quantity must be between 1 and the per-order limit")
	ErrBuyerRequired                = errors.New("buyer reference is required")
	ErrRaffleNotActive              = errors.New("raffle is not active")
	ErrInsufficientInventory        = errors.New("insufficient inventory")
	ErrOrderNotReleasable           = errors.New("completed orders cannot be released")
	ErrOrderNotOpen                 = errors.New("order is no longer open")
	ErrOrderNotPayable              = errors.New("order can no longer be settled")
	ErrOrderOwnership               = errors.New("order belongs to another buyer")
	ErrInvalidPaymentMethod         = errors.New("invalid payment method")
	ErrAmountMismatch               = errors.New("provider amount does not match order total")
	ErrTransactionReferenceConflict = errors.New("transaction reference belongs to another order")
	ErrProviderUnavailable          = errors.New("payment provider unavailable")
	ErrProviderTimeout              = errors.New("payment provider timed out")
	ErrProviderRejected             = errors.New("payment provider rejected the request")
	ErrTicketOwnershipMismatch      = errors.New("order tickets are not all held by the order")
	ErrRateLimited                  = errors.New("too many reservation attempts")
	ErrInvalidCallback              = errors.New("callback requires id and clientTransactionId")
)

// InsufficientInventoryError reports how many tickets were available when a
// reservation could not be satisfied.
type InsufficientInventoryError struct {
	Requested int
	Available int
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("insufficient inventory: requested %d, available %d", e.Requested, e.Available)
}

func (e *InsufficientInventoryError) Is(target error) bool {
	return target == ErrInsufficientInventory
}

// RateLimitError carries the window's retry hint.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many reservation attempts; retry in %ds", e.RetryAfterSeconds)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// PaymentProvider is the card provider contract consumed by the service.
type PaymentProvider interface {
	CreateTransaction(ctx context.Context, req payphoneclient.PrepareRequest) (*payphoneclient.PrepareResponse, error)
	ConfirmTransaction(ctx context.Context, transactionID, clientTransactionID string) (*payphoneclient.Transaction, error)
	QueryTransaction(ctx context.Context, transactionID string) (*payphoneclient.Transaction, error)
}

// OpsAlerter delivers operator alerts. Failures are logged and ignored.
type OpsAlerter interface {
	Alert(ctx context.Context, text string) error
}

// RateLimiter counts attempts per subject within a window.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Settings are the tunables of the service; zero values fall back to defaults.
type Settings struct {
	MaxTicketsPerOrder     int
	ReserveMaxAttempts     int
	AmountToleranceCents   int64
	ReservationTTL         time.Duration
	ExpirySweepBatchSize   int
	ReconcileLookback      time.Duration
	ReconcileBatchSize     int
	ReconcileCallDelay     time.Duration
	ReconcileMaxFailures   int
	ReserveRatePerMinute   int
	PaymentResponseURL     string
	PaymentCancellationURL string
}

func (s Settings) withDefaults() Settings {
	if s.MaxTicketsPerOrder <= 0 {
		s.MaxTicketsPerOrder = 1000
	}
	if s.ReserveMaxAttempts <= 0 {
		s.ReserveMaxAttempts = 3
	}
	if s.AmountToleranceCents < 0 {
		s.AmountToleranceCents = 0
	}
	if s.ReservationTTL <= 0 {
		s.ReservationTTL = 30 * time.Minute
	}
	if s.ExpirySweepBatchSize <= 0 {
		s.ExpirySweepBatchSize = 200
	}
	if s.ReconcileLookback <= 0 {
		s.ReconcileLookback = 24 * time.Hour
	}
	if s.ReconcileBatchSize <= 0 {
		s.ReconcileBatchSize = 500
	}
	if s.ReconcileCallDelay < 0 {
		s.ReconcileCallDelay = 0
	}
	if s.ReconcileMaxFailures <= 0 {
		s.ReconcileMaxFailures = 3
	}
	return s
}

// Service provides the core business logic for raffle purchases.
type Service struct {
	repo          store.Repository
	provider      PaymentProvider
	eventProducer rabbitmq.Publisher
	notifier      ReceiptNotifier
	alerter       OpsAlerter
	rateLimiter   RateLimiter
	sampler       *TicketSampler
	settings      Settings
	now           func() time.Time

	receipts sync.WaitGroup
}

// NewService creates a new raffle service instance.
func NewService(repo store.Repository, provider PaymentProvider, producer rabbitmq.Publisher, settings Settings) *Service {
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{}
	}
	return &Service{
		repo:          repo,
		provider:      provider,
		eventProducer: producer,
		notifier:      &eventReceiptNotifier{producer: producer},
		sampler:       NewTicketSampler(nil),
		settings:      settings.withDefaults(),
		now:           time.Now,
	}
}

// SetRateLimiter enables per-buyer reservation limits.
func (s *Service) SetRateLimiter(limiter RateLimiter) {
	s.rateLimiter = limiter
}

// SetAlerter routes operator alerts.
func (s *Service) SetAlerter(alerter OpsAlerter) {
	s.alerter = alerter
}

// SetSampler replaces the ticket sampler, typically with a seeded one.
func (s *Service) SetSampler(sampler *TicketSampler) {
	if sampler != nil {
		s.sampler = sampler
	}
}

// WaitForReceipts blocks until in-flight receipt requests finish.
func (s *Service) WaitForReceipts() {
	s.receipts.Wait()
}

func (s *Service) alert(ctx context.Context, text string) {
	if s.alerter == nil {
		return
	}
	if err := s.alerter.Alert(ctx, text); err != nil {
		log.Printf("level=warn component=service flow=ops_alert msg=\"alert delivery failed\" err=%v", err)
	}
}
