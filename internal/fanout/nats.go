package fanout

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// subjectPrefix namespaces all fanout traffic on the shared NATS cluster.
// Topic strings ("conv.<id>", "user.<id>") are appended verbatim.
const subjectPrefix = "fanout."

// BusConfig holds NATS connection settings.
type BusConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultBusConfig returns sensible defaults.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		URL:           "nats://localhost:4222",
		Name:          "parley-chatserver",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// Bus wraps the NATS connection used to carry fanout events between server
// instances. Every published event goes through NATS, including events whose
// only subscribers are local, so each topic has a single ordering arbiter.
type Bus struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewBus connects to NATS with the given config and returns a ready bus.
// It returns an error if the initial connection fails.
func NewBus(config BusConfig) (*Bus, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Bus{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the NATS subject for the given topic.
func (b *Bus) Publish(topic string, data []byte) error {
	return b.conn.Publish(subjectPrefix+topic, data)
}

// Subscribe registers a handler for the given topic's subject. The handler
// runs on the subscription's dispatch goroutine, so deliveries for one topic
// are sequential.
func (b *Bus) Subscribe(topic string, handler func(data []byte)) error {
	subject := subjectPrefix + topic
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs[topic] = sub
	b.mu.Unlock()
	return nil
}

// Unsubscribe removes the subscription for a topic.
func (b *Bus) Unsubscribe(topic string) error {
	b.mu.Lock()
	sub, ok := b.subs[topic]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("nats: no subscription for topic %s", topic)
	}
	delete(b.subs, topic)
	b.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", topic, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", topic, err)
		}
	}
	b.subs = make(map[string]*nats.Subscription)

	if err := b.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] bus closed")
}
