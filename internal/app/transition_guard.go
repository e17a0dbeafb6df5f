package app

import (
	"github.com/davidethc/RifasEcuador-sub001/internal/domain"
	"github.com/google/uuid"
)

// paymentAction is what the confirmation flow does with the payment row.
type paymentAction int

const (
	paymentCreate paymentAction = iota
	paymentUpdate
	paymentNoop
	paymentConflict
)

// orderEffect is what the confirmation flow does with the order and its tickets.
type orderEffect int

const (
	effectNone orderEffect = iota
	effectComplete
	effectReject
	effectExpire
	effectRecordOnly
	effectDuplicateSettlement
)

// transitionDecision is the classification of one provider event against the
// stored state, made before anything is written.
type transitionDecision struct {
	Payment paymentAction
	Order   orderEffect
	Reason  string
}

type paymentRule struct {
	matches func(existing *domain.Payment, orderID uuid.UUID, target domain.PaymentStatus) bool
	action  paymentAction
	reason  string
}

// paymentRules are evaluated top to bottom; the first match wins.
var paymentRules = []paymentRule{
	{
		matches: func(p *domain.Payment, _ uuid.UUID, _ domain.PaymentStatus) bool { return p == nil },
		action:  paymentCreate,
		reason:  "new reference",
	},
	{
		matches: func(p *domain.Payment, orderID uuid.UUID, _ domain.PaymentStatus) bool { return p.OrderID != orderID },
		action:  paymentConflict,
		reason:  "reference recorded for another order",
	},
	{
		matches: func(p *domain.Payment, _ uuid.UUID, target domain.PaymentStatus) bool { return p.Status == target },
		action:  paymentNoop,
		reason:  "already applied",
	},
	{
		matches: func(p *domain.Payment, _ uuid.UUID, _ domain.PaymentStatus) bool {
			return p.Status == domain.PaymentStatusReversed
		},
		action: paymentNoop,
		reason: "reversed by reconciliation",
	},
	{
		matches: func(p *domain.Payment, _ uuid.UUID, _ domain.PaymentStatus) bool {
			return p.Status == domain.PaymentStatusDuplicate
		},
		action: paymentNoop,
		reason: "recorded as a duplicate settlement",
	},
	{
		matches: func(p *domain.Payment, _ uuid.UUID, target domain.PaymentStatus) bool {
			return p.Status == domain.PaymentStatusApproved && target == domain.PaymentStatusRejected
		},
		action: paymentNoop,
		reason: "stale decline after approval",
	},
	{
		matches: func(p *domain.Payment, _ uuid.UUID, target domain.PaymentStatus) bool {
			return p.Status == domain.PaymentStatusRejected && target == domain.PaymentStatusApproved
		},
		action: paymentUpdate,
		reason: "approval supersedes decline",
	},
}

type orderEffectKey struct {
	outcome domain.ProviderOutcome
	status  domain.OrderStatus
}

// orderEffects maps a definitive provider outcome and the current order status
// to the order-level effect. Missing keys mean effectNone.
var orderEffects = map[orderEffectKey]orderEffect{
	{domain.ProviderOutcomeApproved, domain.OrderStatusReserved}:        effectComplete,
	{domain.ProviderOutcomeApproved, domain.OrderStatusPendingApproval}: effectComplete,
	{domain.ProviderOutcomeApproved, domain.OrderStatusCompleted}:       effectDuplicateSettlement,
	{domain.ProviderOutcomeApproved, domain.OrderStatusRejected}:        effectRecordOnly,
	{domain.ProviderOutcomeApproved, domain.OrderStatusCancelled}:       effectRecordOnly,
	{domain.ProviderOutcomeApproved, domain.OrderStatusExpired}:         effectRecordOnly,

	{domain.ProviderOutcomeRejected, domain.OrderStatusReserved}:        effectReject,
	{domain.ProviderOutcomeRejected, domain.OrderStatusPendingApproval}: effectReject,
	{domain.ProviderOutcomeRejected, domain.OrderStatusCompleted}:       effectRecordOnly,
	{domain.ProviderOutcomeRejected, domain.OrderStatusRejected}:        effectRecordOnly,
	{domain.ProviderOutcomeRejected, domain.OrderStatusCancelled}:       effectRecordOnly,
	{domain.ProviderOutcomeRejected, domain.OrderStatusExpired}:         effectRecordOnly,

	{domain.ProviderOutcomeCancelled, domain.OrderStatusReserved}:        effectExpire,
	{domain.ProviderOutcomeCancelled, domain.OrderStatusPendingApproval}: effectExpire,
	{domain.ProviderOutcomeCancelled, domain.OrderStatusCompleted}:       effectRecordOnly,
	{domain.ProviderOutcomeCancelled, domain.OrderStatusRejected}:        effectRecordOnly,
	{domain.ProviderOutcomeCancelled, domain.OrderStatusCancelled}:       effectRecordOnly,
	{domain.ProviderOutcomeCancelled, domain.OrderStatusExpired}:         effectRecordOnly,
}

// paymentStatusFor maps a definitive provider outcome to the stored payment status.
func paymentStatusFor(outcome domain.ProviderOutcome) (domain.PaymentStatus, bool) {
	switch outcome {
	case domain.ProviderOutcomeApproved:
		return domain.PaymentStatusApproved, true
	case domain.ProviderOutcomeRejected, domain.ProviderOutcomeCancelled:
		return domain.PaymentStatusRejected, true
	default:
		return "", false
	}
}

// decideTransition classifies an event as new, update, already applied or
// conflicting for the given order and existing payment (nil when the
// reference has not been seen).
func decideTransition(existing *domain.Payment, order *domain.Order, outcome domain.ProviderOutcome) transitionDecision {
	target, ok := paymentStatusFor(outcome)
	if !ok {
		return transitionDecision{Payment: paymentNoop, Order: effectNone, Reason: "not definitive"}
	}

	decision := transitionDecision{Payment: paymentNoop, Reason: "unclassified"}
	for _, rule := range paymentRules {
		if rule.matches(existing, order.ID, target) {
			decision = transitionDecision{Payment: rule.action, Reason: rule.reason}
			break
		}
	}
	if decision.Payment == paymentNoop || decision.Payment == paymentConflict {
		return decision
	}

	decision.Order = orderEffects[orderEffectKey{outcome: outcome, status: order.Status}]
	if decision.Order == effectDuplicateSettlement {
		decision.Reason = "order already settled by another reference"
	}
	return decision
}

// storedStatus is the payment status written for the decision. A second
// approval on a settled order is kept apart from the settling payment.
func (d transitionDecision) storedStatus(outcome domain.ProviderOutcome) domain.PaymentStatus {
	if d.Order == effectDuplicateSettlement {
		return domain.PaymentStatusDuplicate
	}
	status, _ := paymentStatusFor(outcome)
	return status
}
