package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/davidethc/RifasEcuador-sub001/internal/domain"
)

const callbackProcessingTimeout = 30 * time.Second

// PaymentConfirmer is the part of Service the callback consumer drives.
type PaymentConfirmer interface {
	ConfirmPayment(ctx context.Context, transactionID, clientTransactionID string) (*domain.ConfirmationResult, error)
}

// CallbackConsumer processes provider callbacks relayed through RabbitMQ.
type CallbackConsumer struct {
	confirmer PaymentConfirmer
}

func NewCallbackConsumer(confirmer PaymentConfirmer) *CallbackConsumer {
	return &CallbackConsumer{confirmer: confirmer}
}

// CallbackConsumer returns a consumer bound to this service.
func (s *Service) CallbackConsumer() *CallbackConsumer {
	return NewCallbackConsumer(s)
}

// HandleMessage returns false only when the message should be redelivered,
// which is the case for provider outages.
func (c *CallbackConsumer) HandleMessage(body []byte) bool {
	var callback domain.CallbackRequest
	if err := json.Unmarshal(body, &callback); err != nil {
		log.Printf("level=warn component=callback_consumer msg=\"invalid payload; dropping\" err=%v", err)
		return true
	}
	if strings.TrimSpace(callback.ID) == "" || strings.TrimSpace(callback.ClientTransactionID) == "" {
		log.Printf("level=warn component=callback_consumer msg=\"callback missing identifiers; dropping\" id=%q client_tx_id=%q", callback.ID, callback.ClientTransactionID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), callbackProcessingTimeout)
	defer cancel()

	result, err := c.confirmer.ConfirmPayment(ctx, callback.ID, callback.ClientTransactionID)
	if err != nil {
		if errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrProviderTimeout) {
			log.Printf("level=warn component=callback_consumer transaction_id=%s msg=\"provider unavailable; requeueing\" err=%v", callback.ID, err)
			return false
		}
		log.Printf("level=warn component=callback_consumer transaction_id=%s client_tx_id=%s msg=\"callback rejected; acknowledging\" err=%v", callback.ID, callback.ClientTransactionID, err)
		return true
	}

	log.Printf("level=info component=callback_consumer transaction_id=%s outcome=%s already_processed=%t", callback.ID, result.Outcome, result.AlreadyProcessed)
	return true
}
