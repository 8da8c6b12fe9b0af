package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPNotifier publishes messages to a durable queue for an external
// delivery worker to consume.
type AMQPNotifier struct {
	url   string
	queue string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Envelope is the JSON body published for each message.
type Envelope struct {
	Contact string    `json:"contact"`
	Subject string    `json:"subject"`
	Text    string    `json:"text"`
	HTML    string    `json:"html,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// NewAMQPNotifier connects to the broker and declares the queue.
func NewAMQPNotifier(url, queue string) (*AMQPNotifier, error) {
	n := &AMQPNotifier{url: url, queue: queue}
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.connectLocked(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *AMQPNotifier) connectLocked() error {
	conn, err := amqp.Dial(n.url)
	if err != nil {
		return fmt.Errorf("rabbitmq: dial failed: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("rabbitmq: channel open failed: %w", err)
	}
	// Durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(n.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("rabbitmq: queue declare failed: %w", err)
	}
	n.conn, n.ch = conn, ch
	return nil
}

func (n *AMQPNotifier) Send(ctx context.Context, contact string, msg Message) error {
	fail := func(err error) error { return &DeliveryError{Channel: "amqp", Contact: contact, Err: err} }

	body, err := encodeEnvelope(contact, msg, time.Now().UTC())
	if err != nil {
		return fail(err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil || n.conn.IsClosed() {
		if err := n.connectLocked(); err != nil {
			return fail(err)
		}
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := n.ch.PublishWithContext(ctx, "", n.queue, false, false, pub); err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			n.conn = nil
		}
		return fail(fmt.Errorf("rabbitmq: publish failed: %w", err))
	}
	return nil
}

// Close releases the broker connection.
func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return nil
	}
	_ = n.ch.Close()
	err := n.conn.Close()
	n.conn, n.ch = nil, nil
	return err
}

func encodeEnvelope(contact string, msg Message, at time.Time) ([]byte, error) {
	return json.Marshal(Envelope{Contact: contact, Subject: msg.Subject, Text: msg.Text, HTML: msg.HTML, SentAt: at})
}
