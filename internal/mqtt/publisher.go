package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/trialmatch/internal/config"
	"github.com/nugget/trialmatch/internal/events"
)

// publishTimeout bounds a single publish so a stalled broker cannot
// hold an event indefinitely.
const publishTimeout = 5 * time.Second

// broker is the subset of *autopaho.ConnectionManager the publisher
// uses.
type broker interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher manages the MQTT connection and forwards activity events
// to the broker. It is an [events.Observer]; wrap it in
// [events.NewAsync] so broker latency never reaches the agent loop.
type Publisher struct {
	cfg      config.MQTTConfig
	clientID string
	logger   *slog.Logger

	mu sync.RWMutex
	cm *autopaho.ConnectionManager
	bk broker
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection.
func New(cfg config.MQTTConfig, instanceID string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:      cfg,
		clientID: ClientID(cfg.ClientID, instanceID),
		logger:   logger.With("component", "mqtt"),
	}
}

// Start connects to the MQTT broker and waits up to 30 seconds for the
// first connection. autopaho keeps retrying in the background after
// that, and events published while disconnected are dropped.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker, "client_id", p.clientID)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.bk = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes "offline" availability and disconnects. The context
// bounds how long to wait.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.RLock()
	cm := p.cm
	p.mu.RUnlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.RLock()
	cm := p.cm
	p.mu.RUnlock()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// Notify implements events.Observer. Events arriving before Start are
// dropped.
func (p *Publisher) Notify(e events.Event) {
	p.mu.RLock()
	bk := p.bk
	p.mu.RUnlock()
	if bk == nil {
		return
	}

	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	topic := p.activityTopic(e.RunID)
	if _, err := bk.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		p.logger.Debug("mqtt activity publish failed", "topic", topic, "error", err)
		return
	}

	if e.Kind != events.KindComplete && e.Kind != events.KindError {
		return
	}
	status := "succeeded"
	if e.Kind == events.KindError {
		status, _ = e.Data["status"].(string)
	}
	if _, err := bk.Publish(ctx, &paho.Publish{
		Topic:   p.statusTopic(e.RunID),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt status publish failed", "run_id", e.RunID, "error", err)
	}
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return strings.TrimRight(p.cfg.TopicBase, "/")
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) activityTopic(runID string) string {
	return p.baseTopic() + "/" + runID + "/activity"
}

func (p *Publisher) statusTopic(runID string) string {
	return p.baseTopic() + "/" + runID + "/status"
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}
