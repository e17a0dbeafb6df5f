package app

import (
	"context"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	clientTxPrefix        = "RF-"
	minOrderIDHexPrefix   = 8
	maxClientTxIDLength   = 50
	prefixLookupCandidate = 2
)

// RF-<order id hex, 8..32 chars>[-<attempt stamp>]
var clientTxIDPattern = regexp.MustCompile(`^RF-([0-9a-fA-F]{8,32})(?:-[0-9a-zA-Z]{1,16})?$`)

// BuildClientTransactionID namespaces the order id for the provider. Each
// checkout attempt gets a distinct stamp because the provider rejects reused ids.
func BuildClientTransactionID(orderID uuid.UUID, at time.Time) string {
	id := clientTxPrefix + strings.ReplaceAll(orderID.String(), "-", "") + "-" + strconv.FormatInt(at.UnixMilli(), 36)
	if len(id) > maxClientTxIDLength {
		id = id[:maxClientTxIDLength]
	}
	return id
}

// parseClientTransactionID extracts the order id (full) or its hex prefix.
func parseClientTransactionID(raw string) (full uuid.UUID, prefix string, ok bool) {
	match := clientTxIDPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if match == nil {
		return uuid.Nil, "", false
	}
	hex := strings.ToLower(match[1])
	if len(hex) == 32 {
		id, err := uuid.Parse(hex)
		if err != nil {
			return uuid.Nil, "", false
		}
		return id, "", true
	}
	return uuid.Nil, hexToUUIDPrefix(hex), true
}

// hexToUUIDPrefix re-inserts the dashes of the canonical 8-4-4-4-12 layout.
func hexToUUIDPrefix(hex string) string {
	var b strings.Builder
	for i, r := range hex {
		if i == 8 || i == 12 || i == 16 || i == 20 {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// resolveOrderID maps a client transaction id to exactly one order. It never
// guesses: unknown, malformed or ambiguous ids are reported as unresolved.
func (s *Service) resolveOrderID(ctx context.Context, clientTxID string) (uuid.UUID, bool, error) {
	full, prefix, ok := parseClientTransactionID(clientTxID)
	if !ok {
		log.Printf("level=warn component=service flow=resolve_order outcome=orphaned reason=unparsable client_tx_id=%q", clientTxID)
		return uuid.Nil, false, nil
	}
	if full != uuid.Nil {
		return full, true, nil
	}

	ids, err := s.repo.FindOrderIDsByPrefix(ctx, prefix, prefixLookupCandidate)
	if err != nil {
		return uuid.Nil, false, err
	}
	id, ok := selectUniqueOrderMatch(ids)
	if !ok {
		log.Printf("level=warn component=service flow=resolve_order outcome=orphaned reason=prefix_not_unique client_tx_id=%q matches=%d", clientTxID, len(ids))
	}
	return id, ok, nil
}

func selectUniqueOrderMatch(ids []uuid.UUID) (uuid.UUID, bool) {
	if len(ids) != 1 {
		return uuid.Nil, false
	}
	return ids[0], true
}
