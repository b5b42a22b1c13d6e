// Package events publishes batch lifecycle messages and consumes
// cancellation requests over RabbitMQ. External observers (the download
// component, monitors) subscribe to the lifecycle exchange; the revoke path
// arrives through the cancel queue.
package events

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

type EventError struct {
	Code int
	Msg  string
}

func (e *EventError) Error() string {
	return fmt.Sprintf("events error (%d): %s", e.Code, e.Msg)
}

const (
	EventMessageError int = iota + 1
	EventDisconnectedError
	EventCloseError
)

// Connection is an explicit handle over one AMQP connection. Constructed
// once at process start and injected where needed.
type Connection struct {
	conn *amqp.Connection
}

func Dial(url string) (*Connection, error) {
	c, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &Connection{conn: c}, nil
}

func (c *Connection) channel() (*amqp.Channel, error) {
	if c.conn.IsClosed() {
		return nil, &EventError{Code: EventDisconnectedError, Msg: "connection is closed"}
	}
	return c.conn.Channel()
}

func (c *Connection) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
