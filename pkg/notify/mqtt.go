package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	upload "github.com/ef-robotics/ailet/pkg/upload"
)

type Options struct {
	Broker   string // host:port
	ClientID string
	Topic    string
	QoS      byte
	// ConnectTimeout bounds the first connect (default 5s).
	ConnectTimeout time.Duration
}

// Message is the JSON document published for each outcome.
type Message struct {
	FrameID    string    `json:"frame_id"`
	File       string    `json:"file"`
	Size       int64     `json:"size"`
	Status     string    `json:"status"`
	Code       int       `json:"code,omitempty"`
	Error      string    `json:"error,omitempty"`
	Attempts   int       `json:"attempts"`
	ElapsedMS  int64     `json:"elapsed_ms"`
	ResolvedAt time.Time `json:"resolved_at"`
}

func NewMessage(o upload.Outcome) Message {
	m := Message{
		FrameID:    o.FrameID,
		File:       o.Name,
		Size:       o.Size,
		Status:     o.Status.String(),
		Code:       o.Code,
		Attempts:   o.Attempts,
		ElapsedMS:  o.Elapsed.Milliseconds(),
		ResolvedAt: o.At,
	}
	if o.Err != nil {
		m.Error = o.Err.Error()
	}
	return m
}

// Topic returns the topic for a status, e.g. ailet/outcomes/uploaded.
func Topic(prefix string, s upload.Status) string {
	return fmt.Sprintf("%s/%s", prefix, s)
}

// Publisher sends upload outcomes to an MQTT broker. Publishing is best
// effort: failures are counted and logged.
type Publisher struct {
	opt    Options
	client mqtt.Client

	mu        sync.RWMutex
	published uint64
	errors    uint64
	connected bool
}

func NewPublisher(opt Options) *Publisher {
	if opt.ConnectTimeout <= 0 {
		opt.ConnectTimeout = 5 * time.Second
	}
	return &Publisher{opt: opt}
}

// Connect establishes the connection. The client reconnects on its own after
// a successful first connect. A failed first connect stops all retries.
func (p *Publisher) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", p.opt.Broker))
	opts.SetClientID(p.opt.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(p.opt.ConnectTimeout)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		p.setConnected(true)
		slog.Info("mqtt connection established", "broker", p.opt.Broker, "client_id", p.opt.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		p.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect", "broker", p.opt.Broker, "err", err)
	}

	p.client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", p.opt.Broker)
	token := p.client.Connect()
	if !token.WaitTimeout(p.opt.ConnectTimeout) {
		p.abort()
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		p.abort()
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	p.setConnected(true)
	return nil
}

// Report implements upload.Reporter.
func (p *Publisher) Report(o upload.Outcome) {
	if err := p.Publish(o); err != nil {
		slog.Warn("failed to publish outcome", "id", o.FrameID, "err", err)
	}
}

func (p *Publisher) Publish(o upload.Outcome) error {
	if !p.isConnected() {
		p.countError()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := json.Marshal(NewMessage(o))
	if err != nil {
		p.countError()
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	topic := Topic(p.opt.Topic, o.Status)
	token := p.client.Publish(topic, p.opt.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		p.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		p.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	p.mu.Lock()
	p.published++
	p.mu.Unlock()
	slog.Debug("outcome published", "topic", topic, "size", len(payload))
	return nil
}

// abort stops the background connect retry loop.
func (p *Publisher) abort() {
	p.client.Disconnect(0)
	p.client = nil
	p.setConnected(false)
}

func (p *Publisher) Disconnect() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
		slog.Info("mqtt disconnected")
	}
	p.setConnected(false)
}

type Stats struct {
	Connected bool
	Published uint64
	Errors    uint64
}

func (p *Publisher) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stats{Connected: p.connected, Published: p.published, Errors: p.errors}
}

func (p *Publisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func (p *Publisher) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *Publisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}
