package queue

import (
	"fmt"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// Broker is a thin RabbitMQ transport for running queues across processes.
// A nil *Broker means inline mode: tasks dispatch in-process and nothing is
// published.
type Broker struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	prefix  string
}

// NewBroker connects to RabbitMQ. An empty url disables the broker and
// returns nil, which every caller treats as inline mode.
func NewBroker(url, prefix string) (*Broker, error) {
	if url == "" {
		log.Info().Msg("RabbitMQ URL not set, queues run inline")
		return nil, nil
	}
	if prefix == "" {
		prefix = "wainbox"
	}

	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}

	log.Info().Str("prefix", prefix).Msg("RabbitMQ connection established")
	return &Broker{conn: conn, channel: channel, prefix: prefix}, nil
}

// Close tears down the connection.
func (b *Broker) Close() {
	if b == nil {
		return
	}
	if b.channel != nil {
		b.channel.Close()
	}
	if b.conn != nil {
		b.conn.Close()
	}
}

// QueueName prefixes a logical queue name for this deployment.
func (b *Broker) QueueName(name string) string {
	return b.prefix + "_" + name
}

// Publish declares the queue (idempotent) and publishes one durable message.
func (b *Broker) Publish(queue string, body []byte) error {
	name := b.QueueName(queue)
	if _, err := b.channel.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	err := b.channel.Publish("", name, false, false, amqp091.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", name, err)
	}
	log.Debug().Str("queue", name).Msg("Message published")
	return nil
}

// Consume delivers messages from a queue to fn until the channel closes.
// Messages are acked on success and requeued once on failure; redelivered
// failures go unacked to the dead-letter setup if one is configured.
func (b *Broker) Consume(queue string, fn func(body []byte) error) error {
	name := b.QueueName(queue)
	if _, err := b.channel.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	deliveries, err := b.channel.Consume(name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consumer on %s: %w", name, err)
	}

	go func() {
		for msg := range deliveries {
			if err := fn(msg.Body); err != nil {
				log.Warn().Err(err).Str("queue", name).Bool("redelivered", msg.Redelivered).Msg("Broker message failed")
				msg.Nack(false, !msg.Redelivered)
				continue
			}
			msg.Ack(false)
		}
		log.Info().Str("queue", name).Msg("Broker consumer stopped")
	}()
	return nil
}

// ParkFuncFor returns a ParkFunc publishing exhausted tasks to a parked
// queue next to the main one. With a nil broker parked tasks are only
// counted and logged.
func (b *Broker) ParkFuncFor(queue string) ParkFunc {
	if b == nil {
		return nil
	}
	return func(task *Task, lastErr error) {
		body, err := marshalTask(task, lastErr)
		if err != nil {
			log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to marshal parked task")
			return
		}
		if err := b.Publish(queue+"_parked", body); err != nil {
			log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to publish parked task")
		}
	}
}
