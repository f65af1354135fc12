// Package events publishes alert transitions to an MQTT broker so a
// caretaker service can react to falls.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"thirdeye/internal/fusion"
)

type Config struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
	QoS      byte

	QueueSize      int
	PublishTimeout time.Duration
	// DrainTimeout bounds how long Close waits for queued events before
	// dropping them.
	DrainTimeout time.Duration
}

const defaultDrainTimeout = 2 * time.Second

// Event is the JSON body published for every alert transition.
type Event struct {
	Prev  string `json:"prev"`
	Alert string `json:"alert"`
	Tick  uint32 `json:"tick"`
	Time  string `json:"time"`
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	IsConnected() bool
	Disconnect()
}

// pahoClient adapts the paho client to publisher.
type pahoClient struct {
	client  mqtt.Client
	timeout time.Duration
}

func dialPaho(cfg Config) (publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	// The device may boot before the network is up.
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) { log.Printf("events: connected to %s", cfg.Broker) })
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) { log.Printf("events: connection lost: %v", err) })

	client := mqtt.NewClient(opts)
	// With ConnectRetry the token only completes once connected; do not
	// wait for it here.
	client.Connect()
	return &pahoClient{client: client, timeout: cfg.PublishTimeout}, nil
}

var dialFn = dialPaho

func (c *pahoClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("publish to topic %s timed out", topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}
	return nil
}

func (c *pahoClient) IsConnected() bool { return c.client.IsConnected() }

func (c *pahoClient) Disconnect() { c.client.Disconnect(250) }

// Publisher queues alert transitions and publishes them from its own
// goroutine. Notify never blocks the control loop.
type Publisher struct {
	cfg    Config
	client publisher
	queue  chan Event
	now    func() time.Time

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64

	mu      sync.Mutex
	lastErr string

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

type Snapshot struct {
	Broker    string `json:"broker"`
	Topic     string `json:"topic"`
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
	LastError string `json:"last_error,omitempty"`
}

func New(cfg Config) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("events: broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("events: topic is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	client, err := dialFn(cfg)
	if err != nil {
		return nil, err
	}
	return newPublisher(cfg, client), nil
}

func newPublisher(cfg Config, client publisher) *Publisher {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	p := &Publisher{
		cfg:    cfg,
		client: client,
		queue:  make(chan Event, cfg.QueueSize),
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Notify has the fusion.AlertListener signature.
func (p *Publisher) Notify(prev, next fusion.Alert, at fusion.Tick) {
	ev := Event{
		Prev:  prev.String(),
		Alert: next.String(),
		Tick:  uint32(at),
		Time:  p.now().UTC().Format(time.RFC3339Nano),
	}
	select {
	case p.queue <- ev:
	default:
		p.dropped.Add(1)
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for ev := range p.queue {
		select {
		case <-p.stop:
			p.dropped.Add(1)
			continue
		default:
		}
		payload, err := json.Marshal(ev)
		if err == nil {
			// Retain the latest state so late subscribers see it.
			err = p.client.Publish(p.cfg.Topic, p.cfg.QoS, true, payload)
		}
		if err != nil {
			p.failed.Add(1)
			p.mu.Lock()
			p.lastErr = err.Error()
			p.mu.Unlock()
			log.Printf("events: %s -> %s not published: %v", ev.Prev, ev.Alert, err)
			continue
		}
		p.published.Add(1)
	}
}

func (p *Publisher) Snapshot() Snapshot {
	s := Snapshot{
		Broker:    p.cfg.Broker,
		Topic:     p.cfg.Topic,
		Connected: p.client.IsConnected(),
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Failed:    p.failed.Load(),
	}
	p.mu.Lock()
	s.LastError = p.lastErr
	p.mu.Unlock()
	return s
}

// Close flushes queued events and disconnects. Events still queued after
// DrainTimeout are counted as dropped and Close returns without waiting for
// an in-flight publish. Notify must not be called after Close.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		close(p.queue)
		timer := time.NewTimer(p.cfg.DrainTimeout)
		defer timer.Stop()
		select {
		case <-p.done:
		case <-timer.C:
			close(p.stop)
			log.Printf("events: drain timed out after %s; dropping queued events", p.cfg.DrainTimeout)
		}
		p.client.Disconnect()
	})
}
