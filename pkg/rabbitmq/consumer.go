package rabbitmq

import (
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one delivery body. Returning false re-queues the message.
type Handler func([]byte) bool

type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger
}

func NewConsumer(amqpURL string, logger *slog.Logger) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(10, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch, logger: logger}, nil
}

// ConsumeWithBindings declares queueName, binds it to each routing key on exchange and
// dispatches deliveries in a background goroutine until the channel closes.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error {
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
		for d := range msgs {
			dispatch(c.logger, handlers, d)
		}
		c.logger.Info("delivery channel closed", "component", "rabbitmq_consumer", "queue", q.Name)
	}()

	return nil
}

// acknowledger is the subset of amqp.Delivery used by dispatch.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

type delivery struct {
	routingKey string
	body       []byte
	ack        acknowledger
}

func dispatch(logger *slog.Logger, handlers map[string]Handler, d amqp.Delivery) {
	handleDelivery(logger, handlers, delivery{routingKey: d.RoutingKey, body: d.Body, ack: d})
}

func handleDelivery(logger *slog.Logger, handlers map[string]Handler, d delivery) {
	handler, ok := handlers[d.routingKey]
	if !ok {
		logger.Warn("no handler for routing key; dropping", "component", "rabbitmq_consumer", "routing_key", d.routingKey)
		_ = d.ack.Ack(false)
		return
	}
	if handler(d.body) {
		_ = d.ack.Ack(false)
		return
	}
	logger.Warn("handler failed; re-queuing", "component", "rabbitmq_consumer", "routing_key", d.routingKey)
	_ = d.ack.Nack(false, true)
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
