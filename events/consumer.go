package events

import (
	"encoding/json"
	"sync"

	"github.com/op/go-logging"
	amqp "github.com/rabbitmq/amqp091-go"
)

var log = logging.MustGetLogger("log")

// OnCancel is invoked for every cancellation request received on the
// cancel queue.
type OnCancel func(taskID string)

// CancelConsumer listens for revoke requests published by external
// components. Cancellation is best effort: malformed messages are dropped,
// requests for unknown tasks are the callback's problem.
type CancelConsumer struct {
	queue      string
	channel    *amqp.Channel
	deliveries <-chan amqp.Delivery

	quit chan struct{}
	done chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
}

func NewCancelConsumer(conn *Connection, queue string) (*CancelConsumer, error) {
	ch, err := conn.channel()
	if err != nil {
		return nil, err
	}

	q, err := ch.QueueDeclare(
		queue,
		false, // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	return &CancelConsumer{
		queue:   q.Name,
		channel: ch,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// StartConsuming blocks, dispatching cancel requests until Close.
func (c *CancelConsumer) StartConsuming(onCancel OnCancel) *EventError {
	var startErr error

	c.startOnce.Do(func() {
		deliveries, err := c.channel.Consume(
			c.queue,
			"",    // consumer
			false, // autoAck
			false, // exclusive
			false, // noLocal
			false, // noWait
			nil,   // args
		)
		if err != nil {
			startErr = err
			return
		}
		c.deliveries = deliveries
	})

	if startErr != nil {
		return &EventError{Code: EventMessageError, Msg: "failed consuming: " + startErr.Error()}
	}

	defer close(c.done)
	for {
		select {
		case <-c.quit:
			return nil
		case d, ok := <-c.deliveries:
			if !ok {
				return nil
			}
			var req struct {
				TaskID string `json:"task_id"`
			}
			if err := json.Unmarshal(d.Body, &req); err != nil || req.TaskID == "" {
				log.Warningf("dropping malformed cancel request: %v", err)
				_ = d.Ack(false)
				continue
			}
			onCancel(req.TaskID)
			_ = d.Ack(false)
		}
	}
}

func (c *CancelConsumer) Close() *EventError {
	c.closeOnce.Do(func() {
		close(c.quit)
		if c.deliveries != nil {
			<-c.done
		}
		if c.channel != nil {
			_ = c.channel.Close()
		}
	})
	return nil
}
