/**
 * @description
 * Scheduled maintenance jobs: reservation expiry and payment reconciliation.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/davidethc/RifasEcuador-sub001/internal/domain"
)

const (
	reconcileJobTimeout = 30 * time.Minute
	expiryJobTimeout    = 5 * time.Minute
)

// Maintenance is the part of Service the scheduled jobs drive.
type Maintenance interface {
	ReconcileApprovedPayments(ctx context.Context) (*domain.ReconciliationSummary, error)
	ExpireStaleReservations(ctx context.Context) (*domain.ExpirySweepSummary, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	maintenance Maintenance
	logger      *slog.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(maintenance Maintenance, logger *slog.Logger) *Jobs {
	return &Jobs{maintenance: maintenance, logger: logger}
}

// ReconcilePayments re-checks recently approved payments with the provider.
func (j *Jobs) ReconcilePayments() {
	j.logger.Info("starting payment reconciliation job")
	ctx, cancel := context.WithTimeout(context.Background(), reconcileJobTimeout)
	defer cancel()

	summary, err := j.maintenance.ReconcileApprovedPayments(ctx)
	if summary != nil {
		j.logger.Info("payment reconciliation summary",
			"checked", summary.Checked,
			"reversed", summary.Reversed,
			"failed", summary.Failed,
			"aborted", summary.Aborted,
		)
	}
	if err != nil {
		j.logger.Error("payment reconciliation job failed", "error", err)
		return
	}

	j.logger.Info("payment reconciliation job finished")
}

// ExpireReservations releases reservations that were never paid.
func (j *Jobs) ExpireReservations() {
	ctx, cancel := context.WithTimeout(context.Background(), expiryJobTimeout)
	defer cancel()

	summary, err := j.maintenance.ExpireStaleReservations(ctx)
	if err != nil {
		j.logger.Error("reservation expiry job failed", "error", err)
		return
	}
	if summary.Released > 0 || summary.Failed > 0 {
		j.logger.Info("reservation expiry job finished",
			"checked", summary.Checked,
			"released", summary.Released,
			"failed", summary.Failed,
		)
	}
}
