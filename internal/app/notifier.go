package app

import (
	"context"
	"log"
	"time"

	"github.com/davidethc/RifasEcuador-sub001/internal/domain"
	"github.com/davidethc/RifasEcuador-sub001/pkg/rabbitmq"
)

const receiptDispatchTimeout = 10 * time.Second

// ReceiptNotifier hands purchase receipts to the external notifier.
type ReceiptNotifier interface {
	SendPurchaseReceipt(ctx context.Context, order domain.Order) error
}

// eventReceiptNotifier requests receipts through the event bus; the mailer
// consumes raffle.receipt.requested.
type eventReceiptNotifier struct {
	producer rabbitmq.Publisher
}

func (n *eventReceiptNotifier) SendPurchaseReceipt(ctx context.Context, order domain.Order) error {
	return n.producer.PublishReceiptRequested(ctx, domain.ReceiptRequestedEvent{
		OrderID:       order.ID,
		RaffleID:      order.RaffleID,
		BuyerID:       order.BuyerID,
		TicketNumbers: order.TicketNumbers,
		TotalAmount:   order.TotalAmount,
		Timestamp:     time.Now().UTC(),
	})
}

// SetNotifier replaces the receipt notifier.
func (s *Service) SetNotifier(notifier ReceiptNotifier) {
	if notifier != nil {
		s.notifier = notifier
	}
}

// dispatchReceipt sends the receipt in the background. The payment is already
// committed; a failed receipt is only logged.
func (s *Service) dispatchReceipt(order domain.Order) {
	s.receipts.Add(1)
	go func() {
		defer s.receipts.Done()
		ctx, cancel := context.WithTimeout(context.Background(), receiptDispatchTimeout)
		defer cancel()

		if err := s.notifier.SendPurchaseReceipt(ctx, order); err != nil {
			log.Printf("level=warn component=service flow=receipt order_id=%s msg=\"receipt request failed\" err=%v", order.ID, err)
			return
		}
		log.Printf("level=info component=service flow=receipt order_id=%s msg=\"receipt requested\"", order.ID)
	}()
}
