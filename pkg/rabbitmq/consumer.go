package rabbitmq

import (
	"fmt"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer delivers queued messages to per-routing-key handlers. A handler
// returning false nacks the message with requeue.
type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	// One unacked message at a time keeps callbacks for the same order in order.
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch}, nil
}

func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]func([]byte) bool) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]func([]byte) bool, len(bindings))
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			dispatchDelivery(q.Name, handlers, d)
		}
		log.Printf("level=warn component=rabbitmq_consumer queue=%s msg=\"delivery channel closed\"", q.Name)
	}()

	return nil
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

// dispatchDelivery settles one delivery: unknown routing keys are acked and
// dropped, a false handler result is requeued and a panicking handler's
// message is rejected without requeue so it cannot loop.
func dispatchDelivery(queue string, handlers map[string]func([]byte) bool, d amqp.Delivery) {
	handler, ok := handlers[d.RoutingKey]
	if !ok {
		log.Printf("level=warn component=rabbitmq_consumer queue=%s routing_key=%s msg=\"no handler; dropping\"", queue, d.RoutingKey)
		settle(queue, d, d.Ack(false))
		return
	}

	handled, panicked := runHandler(handler, d.Body)
	switch {
	case panicked:
		log.Printf("level=error component=rabbitmq_consumer queue=%s routing_key=%s msg=\"handler panicked; rejecting\"", queue, d.RoutingKey)
		settle(queue, d, d.Reject(false))
	case handled:
		settle(queue, d, d.Ack(false))
	default:
		log.Printf("level=warn component=rabbitmq_consumer queue=%s routing_key=%s redelivered=%t msg=\"handler failed; requeueing\"", queue, d.RoutingKey, d.Redelivered)
		settle(queue, d, d.Nack(false, true))
	}
}

func runHandler(handler func([]byte) bool, body []byte) (handled bool, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("level=error component=rabbitmq_consumer msg=\"handler panic\" panic=%v", r)
			panicked = true
		}
	}()
	return handler(body), false
}

func settle(queue string, d amqp.Delivery, err error) {
	if err != nil {
		log.Printf("level=error component=rabbitmq_consumer queue=%s routing_key=%s delivery_tag=%d msg=\"failed to settle delivery\" err=%v", queue, d.RoutingKey, d.DeliveryTag, err)
	}
}
