package events

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"auto_feed_publisher/dispatch"
	"auto_feed_publisher/errtrack"
	"auto_feed_publisher/metrics"
)

const (
	KindPublished = "item.published"
	KindFailed    = "item.failed"
)

// Event is the message sent to the broker for every dispatch attempt.
type Event struct {
	Kind    string    `json:"kind"`
	ItemID  string    `json:"item_id"`
	Title   string    `json:"title,omitempty"`
	CycleID string    `json:"cycle_id,omitempty"`
	TopicID string    `json:"topic_id,omitempty"`
	Error   string    `json:"error,omitempty"`
	TookMS  int64     `json:"took_ms"`
	At      time.Time `json:"at"`
}

func NewEvent(o dispatch.Outcome, at time.Time) Event {
	ev := Event{
		Kind:    KindPublished,
		ItemID:  o.Item.ID,
		Title:   o.Item.Title,
		TopicID: o.Item.Target.TopicID,
		TookMS:  o.Took.Milliseconds(),
		At:      at.UTC(),
	}
	if o.Item.CycleID != nil {
		ev.CycleID = *o.Item.CycleID
	}
	if !o.Published {
		ev.Kind = KindFailed
		if o.Err != nil {
			ev.Error = o.Err.Error()
		}
	}
	return ev
}

const (
	eventBuffer        = 256
	defaultDialTimeout = 5 * time.Second
)

// RabbitNotifier forwards dispatch outcomes to a durable RabbitMQ queue.
// Events are handed to a background sender; a slow or missing broker drops
// events instead of holding up publishing.
type RabbitNotifier struct {
	url         string
	queueName   string
	logger      *log.Logger
	dialTimeout time.Duration

	events    chan Event
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	connection *amqp.Connection
	channel    *amqp.Channel
}

func NewRabbitNotifier(url, queueName string, logger *log.Logger) *RabbitNotifier {
	return newRabbitNotifier(url, queueName, logger, defaultDialTimeout)
}

func newRabbitNotifier(url, queueName string, logger *log.Logger, dialTimeout time.Duration) *RabbitNotifier {
	if logger == nil {
		logger = log.Default()
	}
	n := &RabbitNotifier{
		url:         url,
		queueName:   queueName,
		logger:      logger,
		dialTimeout: dialTimeout,
		events:      make(chan Event, eventBuffer),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	errtrack.SafeGo(logger, "rabbit sender", n.run)
	return n
}

func (n *RabbitNotifier) run() {
	defer close(n.done)

	n.mu.Lock()
	if err := n.connect(); err != nil {
		n.logger.Printf("[RABBIT] Initial connection failed: %v. Will retry on next event", err)
	}
	n.mu.Unlock()

	for {
		select {
		case <-n.stop:
			return
		case ev := <-n.events:
			select {
			case <-n.stop:
				return
			default:
			}
			if err := n.Publish(ev); err != nil {
				n.logger.Printf("[RABBIT] Failed to publish %s for %s: %v", ev.Kind, ev.ItemID, err)
			}
		}
	}
}

// connect requires n.mu.
func (n *RabbitNotifier) connect() error {
	n.closeLocked()

	conn, err := amqp.DialConfig(n.url, amqp.Config{
		Dial:      amqp.DefaultDial(n.dialTimeout),
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
	})
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	_, err = ch.QueueDeclare(
		n.queueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return err
	}
	n.connection = conn
	n.channel = ch
	n.logger.Printf("[RABBIT] Connected to queue %s", n.queueName)
	return nil
}

func (n *RabbitNotifier) closeLocked() {
	if n.channel != nil {
		n.channel.Close()
		n.channel = nil
	}
	if n.connection != nil && !n.connection.IsClosed() {
		n.connection.Close()
	}
	n.connection = nil
}

// Observe queues the outcome for the sender and never waits on the broker.
func (n *RabbitNotifier) Observe(_ context.Context, o dispatch.Outcome) {
	ev := NewEvent(o, time.Now())
	select {
	case <-n.stop:
		return
	default:
	}
	select {
	case n.events <- ev:
	default:
		metrics.RecordEvent(ev.Kind, false)
		n.logger.Printf("[RABBIT] Event buffer full, dropped %s for %s", ev.Kind, ev.ItemID)
	}
}

// Publish sends one event, reconnecting first if needed.
func (n *RabbitNotifier) Publish(ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.connection == nil || n.connection.IsClosed() || n.channel == nil {
		if err := n.connect(); err != nil {
			metrics.RecordEvent(ev.Kind, false)
			return err
		}
	}
	err = n.channel.Publish(
		"",          // exchange
		n.queueName, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Timestamp:    ev.At,
			Type:         ev.Kind,
			Body:         body,
		},
	)
	if err != nil {
		n.closeLocked()
		metrics.RecordEvent(ev.Kind, false)
		return err
	}
	metrics.RecordEvent(ev.Kind, true)
	return nil
}

// Close stops the sender and drops the connection. Events still buffered
// are discarded.
func (n *RabbitNotifier) Close() {
	n.closeOnce.Do(func() { close(n.stop) })
	select {
	case <-n.done:
	case <-time.After(n.dialTimeout + time.Second):
		n.logger.Printf("[RABBIT] WARNING: sender did not exit in time")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closeLocked()
}
