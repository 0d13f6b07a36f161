package rabbitmq

import (
	"fmt"
	"log"
	"net/url"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Disposition tells the consumer what to do with a delivery after its handler ran.
type Disposition int

const (
	Ack Disposition = iota
	// Requeue puts the message back for a later retry.
	Requeue
	// Reject drops a message that can never succeed.
	Reject
)

// Handler processes one message body.
type Handler func(body []byte) Disposition

type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	done chan struct{}
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("invalid AMQP scheme: %s", parsed.Scheme)
	}
	return clean, nil
}

func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeURL(amqpURL)
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

	return &Consumer{conn: conn, ch: ch, done: make(chan struct{})}, nil
}

// ConsumeWithBindings binds queueName to exchange for every routing key and dispatches
// deliveries to the matching handler on a background goroutine.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, prefetch int, bindings map[string]Handler) error {
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

	if prefetch > 0 {
		if err := c.ch.Qos(prefetch, 0, false); err != nil {
			return err
		}
	}

	handlers := make(map[string]Handler)
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
		defer close(c.done)
		for d := range msgs {
			handler, ok := handlers[d.RoutingKey]
			if !ok {
				log.Printf("level=warn component=rabbitmq_consumer queue=%s routing_key=%s msg=\"no handler; dropping\"", queueName, d.RoutingKey)
				_ = d.Ack(false)
				continue
			}
			switch handler(d.Body) {
			case Ack:
				_ = d.Ack(false)
			case Requeue:
				log.Printf("level=warn component=rabbitmq_consumer queue=%s routing_key=%s msg=\"handler failed; re-queuing\"", queueName, d.RoutingKey)
				_ = d.Nack(false, true)
			default:
				log.Printf("level=warn component=rabbitmq_consumer queue=%s routing_key=%s msg=\"message rejected\"", queueName, d.RoutingKey)
				_ = d.Nack(false, false)
			}
		}
	}()

	return nil
}

// Done is closed once the delivery channel is closed by the broker or Close.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
