// ABOUTME: RabbitMQ-backed publisher clients.
// ABOUTME: One connection, one channel per pool slot, durable queue declared up front.

package publish

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rabbitmq/amqp091-go"
)

// amqpClient publishes to one queue over a dedicated channel. Channels are
// not safe for concurrent use, which is why the pool leases them exclusively.
type amqpClient struct {
	channel *amqp091.Channel
	queue   string
}

func (c *amqpClient) Publish(ctx context.Context, body []byte) error {
	return c.channel.PublishWithContext(ctx,
		"",      // default exchange
		c.queue, // routing key = queue
		false,   // mandatory
		false,   // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Body:         body,
		})
}

func (c *amqpClient) Close() error {
	return c.channel.Close()
}

// AMQPPool couples a Pool with the broker connection backing its clients.
type AMQPPool struct {
	*Pool
	conn *amqp091.Connection
}

// NewAMQPPool dials the broker and opens size channels against one
// connection. The queue is declared durable on each channel.
func NewAMQPPool(url, queue string, size int, logger *slog.Logger) (*AMQPPool, error) {
	if size < 1 {
		return nil, ErrPoolNotInitialized
	}

	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker: %w", err)
	}

	clients := make([]Client, 0, size)
	for i := 0; i < size; i++ {
		channel, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("opening channel %d: %w", i, err)
		}
		if _, err := channel.QueueDeclare(
			queue,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,
		); err != nil {
			conn.Close()
			return nil, fmt.Errorf("declaring queue %q: %w", queue, err)
		}
		clients = append(clients, &amqpClient{channel: channel, queue: queue})
	}

	pool, err := NewPool(clients, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &AMQPPool{Pool: pool, conn: conn}, nil
}

// Shutdown closes every channel, then the connection.
func (p *AMQPPool) Shutdown() error {
	err := p.Pool.Shutdown()
	if cerr := p.conn.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("closing broker connection: %w", cerr)
	}
	return err
}
