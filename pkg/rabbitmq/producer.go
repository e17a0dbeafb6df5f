/**
 * @description
 * Producer for publishing raffle events to RabbitMQ. Events go to one durable
 * topic exchange; the channel is reopened once when a publish fails.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/davidethc/RifasEcuador-sub001/internal/domain"
	"github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange = "raffle_events"

	RoutingKeyReceiptRequested = "raffle.receipt.requested"
	RoutingKeyPaymentReversed  = "raffle.payment.reversed"
	RoutingKeyCallbackReceived = "payment.callback.received"
)

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	PublishReceiptRequested(ctx context.Context, event domain.ReceiptRequestedEvent) error
	PublishPaymentReversed(ctx context.Context, event domain.PaymentReversedEvent) error
	Close()
}

// EventProducerFallback logs and drops events when RabbitMQ is not configured.
type EventProducerFallback struct{}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" exchange=%s routing_key=%s", exchange, routingKey)
	return nil
}

func (p *EventProducerFallback) PublishReceiptRequested(ctx context.Context, event domain.ReceiptRequestedEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"receipt request skipped\" order_id=%s", event.OrderID)
	return nil
}

func (p *EventProducerFallback) PublishPaymentReversed(ctx context.Context, event domain.PaymentReversedEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"reversal event skipped\" order_id=%s payment_id=%s", event.OrderID, event.PaymentID)
	return nil
}

func (p *EventProducerFallback) Close() {}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer dials RabbitMQ and opens a publishing channel.
func NewEventProducer(amqpURL, exchange string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(exchange) == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch, exchange: exchange}, nil
}

// Publish sends a JSON message to exchange with routingKey.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"json marshal failed\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		return err
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         jsonBody,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.publishLocked(ctx, exchange, routingKey, msg)
	if err == nil {
		return nil
	}

	log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
	if p.conn == nil || p.conn.IsClosed() {
		return err
	}
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return chErr
	}
	p.channel = ch
	return p.publishLocked(ctx, exchange, routingKey, msg)
}

func (p *EventProducer) publishLocked(ctx context.Context, exchange, routingKey string, msg amqp091.Publishing) error {
	if err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
}

// PublishReceiptRequested asks the notifier to send a purchase receipt.
func (p *EventProducer) PublishReceiptRequested(ctx context.Context, event domain.ReceiptRequestedEvent) error {
	return p.Publish(ctx, p.exchange, RoutingKeyReceiptRequested, event)
}

// PublishPaymentReversed announces a reconciliation reversal.
func (p *EventProducer) PublishPaymentReversed(ctx context.Context, event domain.PaymentReversedEvent) error {
	return p.Publish(ctx, p.exchange, RoutingKeyPaymentReversed, event)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
