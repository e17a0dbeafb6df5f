package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/davidethc/RifasEcuador-sub001/internal/config"
	"github.com/davidethc/RifasEcuador-sub001/internal/domain"
)

type maintenanceStub struct {
	reconcileCalls int
	expiryCalls    int
	reconcileErr   error
	expiryErr      error
}

func (m *maintenanceStub) ReconcileApprovedPayments(ctx context.Context) (*domain.ReconciliationSummary, error) {
	m.reconcileCalls++
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("expected a deadline on the job context")
	}
	return &domain.ReconciliationSummary{Checked: 2, Aborted: m.reconcileErr != nil}, m.reconcileErr
}

func (m *maintenanceStub) ExpireStaleReservations(ctx context.Context) (*domain.ExpirySweepSummary, error) {
	m.expiryCalls++
	if m.expiryErr != nil {
		return nil, m.expiryErr
	}
	return &domain.ExpirySweepSummary{Checked: 1, Released: 1}, nil
}

func newTestJobs(m Maintenance) *Jobs {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewJobs(m, logger)
}

func TestJobs_RunMaintenance(t *testing.T) {
	stub := &maintenanceStub{}
	jobs := newTestJobs(stub)

	jobs.ReconcilePayments()
	jobs.ExpireReservations()

	if stub.reconcileCalls != 1 {
		t.Fatalf("expected 1 reconcile call, got %d", stub.reconcileCalls)
	}
	if stub.expiryCalls != 1 {
		t.Fatalf("expected 1 expiry call, got %d", stub.expiryCalls)
	}
}

func TestJobs_ErrorsDoNotPanic(t *testing.T) {
	stub := &maintenanceStub{reconcileErr: ErrProviderUnavailable, expiryErr: errors.New("db down")}
	jobs := newTestJobs(stub)

	jobs.ReconcilePayments()
	jobs.ExpireReservations()

	if stub.reconcileCalls != 1 || stub.expiryCalls != 1 {
		t.Fatalf("expected both jobs to run once, got reconcile=%d expiry=%d", stub.reconcileCalls, stub.expiryCalls)
	}
}

func TestScheduler_SkipsInvalidAndEmptySchedules(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	scheduler := NewScheduler(newTestJobs(&maintenanceStub{}), logger, config.Config{
		ExpirySweepSchedule: "not a schedule",
		ReconcileSchedule:   "",
	})

	scheduler.Start()
	<-scheduler.Stop().Done()

	if entries := scheduler.cron.Entries(); len(entries) != 0 {
		t.Fatalf("expected no registered entries, got %d", len(entries))
	}
}

func TestScheduler_RegistersConfiguredJobs(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	scheduler := NewScheduler(newTestJobs(&maintenanceStub{}), logger, config.Config{
		ExpirySweepSchedule: "*/5 * * * *",
		ReconcileSchedule:   "@hourly",
	})

	scheduler.Start()
	defer scheduler.Stop()

	if entries := scheduler.cron.Entries(); len(entries) != 2 {
		t.Fatalf("expected 2 registered entries, got %d", len(entries))
	}
}
