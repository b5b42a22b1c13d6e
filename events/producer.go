package events

import (
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is what the orchestrator holds; tests substitute a stub.
type Publisher interface {
	Publish(message []byte) *EventError
	Close() *EventError
}

// Producer publishes to a fanout exchange, one message per lifecycle event.
type Producer struct {
	exchange  string
	channel   *amqp.Channel
	closeOnce sync.Once
}

var _ Publisher = (*Producer)(nil)

func NewProducer(conn *Connection, exchange string) (*Producer, error) {
	ch, err := conn.channel()
	if err != nil {
		return nil, err
	}

	err = ch.ExchangeDeclare(
		exchange,
		"fanout", // type
		false,    // durable
		false,    // auto-delete
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	return &Producer{exchange: exchange, channel: ch}, nil
}

func (p *Producer) Publish(message []byte) *EventError {
	err := p.channel.Publish(
		p.exchange,
		"", // routing key ignored by fanout
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        message,
		})
	if err != nil {
		return &EventError{Code: EventDisconnectedError, Msg: "failed to publish event"}
	}
	return nil
}

func (p *Producer) Close() *EventError {
	var closeErr *EventError
	p.closeOnce.Do(func() {
		if p.channel != nil {
			if err := p.channel.Close(); err != nil {
				closeErr = &EventError{Code: EventCloseError, Msg: "failed to close channel: " + err.Error()}
			}
		}
	})
	return closeErr
}
