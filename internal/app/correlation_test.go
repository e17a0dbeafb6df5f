package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/davidethc/RifasEcuador-sub001/internal/store"
	"github.com/google/uuid"
)

func TestBuildClientTransactionIDRoundTrips(t *testing.T) {
	orderID := uuid.New()
	id := BuildClientTransactionID(orderID, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	if !strings.HasPrefix(id, "RF-") {
		t.Fatalf("expected RF- namespace, got %q", id)
	}
	if len(id) > maxClientTxIDLength {
		t.Fatalf("expected at most %d chars, got %d", maxClientTxIDLength, len(id))
	}
	full, prefix, ok := parseClientTransactionID(id)
	if !ok || prefix != "" {
		t.Fatalf("expected full id parse, got ok=%v prefix=%q", ok, prefix)
	}
	if full != orderID {
		t.Fatalf("expected %s, got %s", orderID, full)
	}
}

func TestParseClientTransactionID(t *testing.T) {
	orderID := uuid.MustParse("3f2b8c1e-5d4a-4b6f-9e21-7a0c1d2e3f40")
	hex := strings.ReplaceAll(orderID.String(), "-", "")

	tests := []struct {
		name       string
		raw        string
		wantFull   uuid.UUID
		wantPrefix string
		wantOK     bool
	}{
		{name: "empty", raw: "", wantOK: false},
		{name: "foreign namespace", raw: "ORDER-" + hex, wantOK: false},
		{name: "raw uuid", raw: orderID.String(), wantOK: false},
		{name: "too short prefix", raw: "RF-3f2b8c1", wantOK: false},
		{name: "full id without stamp", raw: "RF-" + hex, wantFull: orderID, wantOK: true},
		{name: "full id uppercase", raw: "RF-" + strings.ToUpper(hex) + "-lq3k2", wantFull: orderID, wantOK: true},
		{name: "short prefix", raw: "RF-3f2b8c1e-lq3k2", wantPrefix: "3f2b8c1e", wantOK: true},
		{name: "prefix across dash", raw: "RF-3f2b8c1e5d4a4b", wantPrefix: "3f2b8c1e-5d4a-4b", wantOK: true},
		{name: "injected suffix", raw: "RF-" + hex + "-x;drop", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			full, prefix, ok := parseClientTransactionID(tt.raw)
			if ok != tt.wantOK {
				t.Fatalf("expected ok=%v, got %v", tt.wantOK, ok)
			}
			if full != tt.wantFull {
				t.Fatalf("expected full %s, got %s", tt.wantFull, full)
			}
			if prefix != tt.wantPrefix {
				t.Fatalf("expected prefix %q, got %q", tt.wantPrefix, prefix)
			}
		})
	}
}

type prefixRepoStub struct {
	store.Repository
	ids       []uuid.UUID
	gotPrefix string
}

func (r *prefixRepoStub) FindOrderIDsByPrefix(ctx context.Context, prefix string, limit int) ([]uuid.UUID, error) {
	r.gotPrefix = prefix
	return r.ids, nil
}

func TestResolveOrderIDByPrefix(t *testing.T) {
	first := uuid.MustParse("3f2b8c1e-0000-4000-8000-000000000001")
	second := uuid.MustParse("3f2b8c1e-0000-4000-8000-000000000002")

	tests := []struct {
		name   string
		ids    []uuid.UUID
		wantID uuid.UUID
		wantOK bool
	}{
		{name: "unknown prefix", ids: nil, wantOK: false},
		{name: "unique prefix", ids: []uuid.UUID{first}, wantID: first, wantOK: true},
		{name: "ambiguous prefix", ids: []uuid.UUID{first, second}, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &prefixRepoStub{ids: tt.ids}
			svc := NewService(repo, nil, nil, Settings{})

			id, ok, err := svc.resolveOrderID(context.Background(), "RF-3f2b8c1e-abc")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok != tt.wantOK || id != tt.wantID {
				t.Fatalf("expected (%s,%v), got (%s,%v)", tt.wantID, tt.wantOK, id, ok)
			}
			if repo.gotPrefix != "3f2b8c1e" {
				t.Fatalf("expected prefix lookup for 3f2b8c1e, got %q", repo.gotPrefix)
			}
		})
	}
}
